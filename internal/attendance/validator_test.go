package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsentry/fieldsentry/internal/geofence"
	"github.com/fieldsentry/fieldsentry/internal/sitestore"
	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

type fakeStore struct {
	inserted []datamodel.AttendanceRecord
	closed   []datamodel.AttendanceRecord
	open     *datamodel.AttendanceRecord
}

func (f *fakeStore) InsertAttendance(_ context.Context, rec datamodel.AttendanceRecord) error {
	f.inserted = append(f.inserted, rec)
	return nil
}

func (f *fakeStore) CloseAttendance(_ context.Context, rec datamodel.AttendanceRecord) error {
	f.closed = append(f.closed, rec)
	return nil
}

func (f *fakeStore) OpenAttendance(_ context.Context, agentID, siteID string) (datamodel.AttendanceRecord, error) {
	if f.open == nil {
		return datamodel.AttendanceRecord{}, errors.New("not found")
	}
	return *f.open, nil
}

type failingSites struct{}

func (failingSites) ActiveGeofences(context.Context, string) ([]datamodel.Geofence, error) {
	return nil, errors.New("site store unreachable")
}

const (
	siteLat = 52.52
	siteLon = 13.405
)

func boundedSite(t *testing.T) sitestore.Store {
	t.Helper()
	mem := sitestore.NewMemory()
	mem.Put(datamodel.Geofence{
		ID:     "fence-hq",
		SiteID: "site-1",
		Type:   datamodel.SiteBoundary,
		Active: true,
		Shape: datamodel.Shape{
			Kind:         datamodel.ShapeCircle,
			Center:       datamodel.Point{Latitude: siteLat, Longitude: siteLon},
			RadiusMeters: 100,
		},
	})
	// A restricted zone must have no say in clock acceptance.
	mem.Put(datamodel.Geofence{
		ID:     "fence-vault",
		SiteID: "site-1",
		Type:   datamodel.RestrictedZone,
		Active: true,
		Shape: datamodel.Shape{
			Kind:         datamodel.ShapeCircle,
			Center:       datamodel.Point{Latitude: siteLat, Longitude: siteLon},
			RadiusMeters: 10,
		},
	})
	return mem
}

func newValidator(t *testing.T, store Store, sites sitestore.Store) *Validator {
	t.Helper()
	return NewValidator(store, sites, geofence.NewEngine(0), time.Second)
}

func inside() datamodel.Point {
	return datamodel.Point{Latitude: siteLat, Longitude: siteLon}
}

func outside() datamodel.Point {
	// ~500m north of the 100m boundary.
	return datamodel.Point{Latitude: siteLat + 0.0045, Longitude: siteLon}
}

func TestClockInInsideAccepted(t *testing.T) {
	store := &fakeStore{}
	v := newValidator(t, store, boundedSite(t))

	rec, outcome, err := v.ClockIn(context.Background(), "agent-1", "site-1", "shift-7", inside(), datamodel.MethodMobileApp)
	require.NoError(t, err)
	assert.Equal(t, Accepted, outcome)
	assert.False(t, rec.OverrideUsed)
	assert.Equal(t, "shift-7", rec.ShiftID)
	assert.NotEmpty(t, rec.ID)
	require.Len(t, store.inserted, 1)
}

func TestClockInOutsideRejectedWithDistance(t *testing.T) {
	store := &fakeStore{}
	v := newValidator(t, store, boundedSite(t))

	_, _, err := v.ClockIn(context.Background(), "agent-1", "site-1", "", outside(), datamodel.MethodMobileApp)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonOutsideGeofence, rej.Reason)
	// ~400m past the boundary; signed negative outside.
	assert.InDelta(t, -400, rej.DistanceMeters, 30)
	assert.Empty(t, store.inserted)
}

func TestClockInOutsideWithOverrideAccepted(t *testing.T) {
	store := &fakeStore{}
	v := newValidator(t, store, boundedSite(t))

	rec, outcome, err := v.ClockIn(context.Background(), "agent-1", "site-1", "", outside(), datamodel.MethodSupervisorOverride)
	require.NoError(t, err)
	assert.Equal(t, AcceptedWithOverride, outcome)
	assert.True(t, rec.OverrideUsed)
	require.Len(t, store.inserted, 1)
	assert.True(t, store.inserted[0].OverrideUsed)
}

func TestClockInManualIsNotPrivileged(t *testing.T) {
	store := &fakeStore{}
	v := newValidator(t, store, boundedSite(t))

	_, _, err := v.ClockIn(context.Background(), "agent-1", "site-1", "", outside(), datamodel.MethodManual)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonOutsideGeofence, rej.Reason)
}

func TestClockInNoActiveGeofence(t *testing.T) {
	store := &fakeStore{}
	v := newValidator(t, store, sitestore.NewMemory())

	_, _, err := v.ClockIn(context.Background(), "agent-1", "site-1", "", inside(), datamodel.MethodMobileApp)
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonNoActiveGeofence, rej.Reason)
}

func TestClockInFailsClosedOnSiteStoreError(t *testing.T) {
	store := &fakeStore{}
	v := newValidator(t, store, failingSites{})

	_, _, err := v.ClockIn(context.Background(), "agent-1", "site-1", "", inside(), datamodel.MethodMobileApp)
	require.Error(t, err)
	assert.Empty(t, store.inserted)
}

func TestClockOutInsideCompletesClean(t *testing.T) {
	open := datamodel.AttendanceRecord{
		ID: "rec-1", AgentID: "agent-1", SiteID: "site-1",
		ClockInAt: time.Now().UTC().Add(-8 * time.Hour),
	}
	store := &fakeStore{open: &open}
	v := newValidator(t, store, boundedSite(t))

	rec, err := v.ClockOut(context.Background(), "agent-1", "site-1", inside())
	require.NoError(t, err)
	require.NotNil(t, rec.ClockOutAt)
	assert.False(t, rec.ClockOutOutsideGeofence)
	require.Len(t, store.closed, 1)
}

func TestClockOutOutsideStillCompletesFlagged(t *testing.T) {
	open := datamodel.AttendanceRecord{ID: "rec-1", AgentID: "agent-1", SiteID: "site-1"}
	store := &fakeStore{open: &open}
	v := newValidator(t, store, boundedSite(t))

	rec, err := v.ClockOut(context.Background(), "agent-1", "site-1", outside())
	require.NoError(t, err)
	assert.True(t, rec.ClockOutOutsideGeofence)
}

func TestClockOutSiteStoreErrorStillCompletes(t *testing.T) {
	open := datamodel.AttendanceRecord{ID: "rec-1", AgentID: "agent-1", SiteID: "site-1"}
	store := &fakeStore{open: &open}
	v := newValidator(t, store, failingSites{})

	rec, err := v.ClockOut(context.Background(), "agent-1", "site-1", outside())
	require.NoError(t, err)
	assert.False(t, rec.ClockOutOutsideGeofence)
	require.Len(t, store.closed, 1)
}

func TestClockOutWithoutOpenRecord(t *testing.T) {
	store := &fakeStore{}
	v := newValidator(t, store, boundedSite(t))

	_, err := v.ClockOut(context.Background(), "agent-1", "site-1", inside())
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonNoOpenRecord, rej.Reason)
}
