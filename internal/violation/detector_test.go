package violation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

type fakeStore struct {
	mu        sync.Mutex
	inserted  []datamodel.Violation
	resolved  []string
	insertErr error
}

func (f *fakeStore) InsertViolation(_ context.Context, v datamodel.Violation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, v)
	return nil
}

func (f *fakeStore) ResolveViolation(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, id)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []datamodel.Event
}

func (f *fakePublisher) Publish(ev datamodel.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakePublisher) byType(t datamodel.EventType) []datamodel.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []datamodel.Event
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeEscalator struct {
	mu     sync.Mutex
	raised []datamodel.Violation
}

func (f *fakeEscalator) RaiseForViolation(v datamodel.Violation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, v)
}

func boundaryFence() datamodel.Geofence {
	return datamodel.Geofence{
		ID:     "fence-hq",
		SiteID: "site-1",
		Name:   "HQ perimeter",
		Type:   datamodel.SiteBoundary,
		Active: true,
		Shape: datamodel.Shape{
			Kind:         datamodel.ShapeCircle,
			Center:       datamodel.Point{Latitude: 52.52, Longitude: 13.405},
			RadiusMeters: 50,
		},
	}
}

func restrictedFence() datamodel.Geofence {
	f := boundaryFence()
	f.ID = "fence-vault"
	f.Type = datamodel.RestrictedZone
	return f
}

func report(agentID string, at time.Time) datamodel.LocationReport {
	return datamodel.LocationReport{
		AgentID:        agentID,
		Latitude:       52.52,
		Longitude:      13.405,
		AccuracyMeters: 10,
		CapturedAt:     at,
	}
}

func newTestDetector(t *testing.T, store Store, pub Publisher, esc Escalator) *Detector {
	t.Helper()
	d, err := NewDetector(Config{GraceCount: 3, GraceElapsed: 90 * time.Second}, store, pub, esc)
	require.NoError(t, err)
	return d
}

func TestDetectorOpensAfterGraceCount(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	d := newTestDetector(t, store, pub, nil)

	fence := boundaryFence()
	base := time.Now().UTC()
	outside := datamodel.Evaluation{Inside: false, DistanceToBoundaryMeters: -30}

	for i := 0; i < 5; i++ {
		d.Observe(context.Background(), report("agent-1", base.Add(time.Duration(i)*10*time.Second)), fence, outside)
	}

	// Exactly one open, on the third consecutive outside fix.
	opened := pub.byType(datamodel.ViolationOpened)
	require.Len(t, opened, 1)
	require.Len(t, store.inserted, 1)
	v := store.inserted[0]
	assert.Equal(t, datamodel.OutsideBoundary, v.Kind)
	assert.Equal(t, datamodel.SeverityHigh, v.Severity)
	assert.Equal(t, "agent-1", v.AgentID)
	assert.Equal(t, base.Add(20*time.Second), v.OpenedAt)
	assert.False(t, opened[0].Violation.Unpersisted)
}

func TestDetectorOpensAfterGraceElapsed(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	d, err := NewDetector(Config{GraceCount: 10, GraceElapsed: 90 * time.Second}, store, pub, nil)
	require.NoError(t, err)

	fence := boundaryFence()
	base := time.Now().UTC()
	outside := datamodel.Evaluation{Inside: false}

	d.Observe(context.Background(), report("agent-1", base), fence, outside)
	d.Observe(context.Background(), report("agent-1", base.Add(2*time.Minute)), fence, outside)

	// Count threshold far away, but the elapsed threshold tripped.
	assert.Len(t, pub.byType(datamodel.ViolationOpened), 1)
}

func TestDetectorFlapResetsGrace(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	d := newTestDetector(t, store, pub, nil)

	fence := boundaryFence()
	base := time.Now().UTC()
	outside := datamodel.Evaluation{Inside: false}
	inside := datamodel.Evaluation{Inside: true}

	d.Observe(context.Background(), report("a", base), fence, outside)
	d.Observe(context.Background(), report("a", base.Add(10*time.Second)), fence, outside)
	d.Observe(context.Background(), report("a", base.Add(20*time.Second)), fence, inside)
	d.Observe(context.Background(), report("a", base.Add(30*time.Second)), fence, outside)
	d.Observe(context.Background(), report("a", base.Add(40*time.Second)), fence, outside)

	assert.Empty(t, pub.byType(datamodel.ViolationOpened))
	assert.Empty(t, store.inserted)
}

func TestDetectorLowConfidenceDoesNotAdvance(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	d := newTestDetector(t, store, pub, nil)

	fence := boundaryFence()
	base := time.Now().UTC()
	for i := 0; i < 10; i++ {
		d.Observe(context.Background(), report("a", base.Add(time.Duration(i)*10*time.Second)), fence,
			datamodel.Evaluation{Inside: false, LowConfidence: true})
	}

	assert.Empty(t, pub.byType(datamodel.ViolationOpened))
}

func TestDetectorResolvesOnReturn(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	d := newTestDetector(t, store, pub, nil)

	fence := boundaryFence()
	base := time.Now().UTC()
	outside := datamodel.Evaluation{Inside: false}
	inside := datamodel.Evaluation{Inside: true}

	for i := 0; i < 3; i++ {
		d.Observe(context.Background(), report("a", base.Add(time.Duration(i)*10*time.Second)), fence, outside)
	}
	d.Observe(context.Background(), report("a", base.Add(30*time.Second)), fence, inside)

	opened := pub.byType(datamodel.ViolationOpened)
	resolved := pub.byType(datamodel.ViolationResolved)
	require.Len(t, opened, 1)
	require.Len(t, resolved, 1)
	assert.Equal(t, opened[0].Violation.ID, resolved[0].Violation.ID)
	require.NotNil(t, resolved[0].Violation.ResolvedAt)
	assert.Equal(t, base.Add(30*time.Second), *resolved[0].Violation.ResolvedAt)
	assert.Equal(t, []string{opened[0].Violation.ID}, store.resolved)

	// A fresh excursion opens a new violation with a new id.
	for i := 4; i < 7; i++ {
		d.Observe(context.Background(), report("a", base.Add(time.Duration(i)*10*time.Second)), fence, outside)
	}
	opened = pub.byType(datamodel.ViolationOpened)
	require.Len(t, opened, 2)
	assert.NotEqual(t, opened[0].Violation.ID, opened[1].Violation.ID)
}

func TestDetectorRestrictedZoneIsCritical(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	esc := &fakeEscalator{}
	d := newTestDetector(t, store, pub, esc)

	fence := restrictedFence()
	base := time.Now().UTC()
	inside := datamodel.Evaluation{Inside: true}

	for i := 0; i < 3; i++ {
		d.Observe(context.Background(), report("a", base.Add(time.Duration(i)*10*time.Second)), fence, inside)
	}

	opened := pub.byType(datamodel.ViolationOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, datamodel.UnauthorizedZone, opened[0].Violation.Kind)
	assert.Equal(t, datamodel.SeverityCritical, opened[0].Violation.Severity)
	require.Len(t, esc.raised, 1)
	assert.Equal(t, opened[0].Violation.ID, esc.raised[0].ID)
}

func TestDetectorBroadcastsUnpersistedOnStoreFailure(t *testing.T) {
	store := &fakeStore{insertErr: errors.New("connection refused")}
	pub := &fakePublisher{}
	d := newTestDetector(t, store, pub, nil)

	fence := boundaryFence()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		d.Observe(context.Background(), report("a", base.Add(time.Duration(i)*10*time.Second)), fence,
			datamodel.Evaluation{Inside: false})
	}

	opened := pub.byType(datamodel.ViolationOpened)
	require.Len(t, opened, 1)
	assert.True(t, opened[0].Violation.Unpersisted)
}

func TestDetectorSnapshotRestore(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	d := newTestDetector(t, store, pub, nil)

	fence := boundaryFence()
	base := time.Now().UTC()
	outside := datamodel.Evaluation{Inside: false}

	for i := 0; i < 3; i++ {
		d.Observe(context.Background(), report("a", base.Add(time.Duration(i)*10*time.Second)), fence, outside)
	}
	require.Len(t, store.inserted, 1)

	states := d.Snapshot()
	require.Len(t, states, 1)
	assert.False(t, states[0].CurrentlyInside)

	// A fresh detector seeded from the checkpoint resolves without
	// re-opening.
	pub2 := &fakePublisher{}
	d2 := newTestDetector(t, store, pub2, nil)
	d2.Restore(states, store.inserted)

	d2.Observe(context.Background(), report("a", base.Add(time.Minute)), fence,
		datamodel.Evaluation{Inside: true})

	assert.Empty(t, pub2.byType(datamodel.ViolationOpened))
	resolved := pub2.byType(datamodel.ViolationResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, store.inserted[0].ID, resolved[0].Violation.ID)
}

func TestDetectorViolationRooms(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	d := newTestDetector(t, store, pub, nil)

	fence := boundaryFence()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		d.Observe(context.Background(), report("a", base.Add(time.Duration(i)*10*time.Second)), fence,
			datamodel.Evaluation{Inside: false})
	}

	opened := pub.byType(datamodel.ViolationOpened)
	require.Len(t, opened, 1)
	assert.ElementsMatch(t, []datamodel.RoomKey{
		datamodel.RoleRoom(datamodel.RoleSupervisor),
		datamodel.RoleRoom(datamodel.RoleAdmin),
		datamodel.SiteRoom("site-1"),
	}, opened[0].Rooms)
}
