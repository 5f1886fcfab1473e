package attendance

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fieldsentry/fieldsentry/internal/geofence"
	"github.com/fieldsentry/fieldsentry/internal/sitestore"
	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

// Rejection reasons surfaced to the device as 403 {reason}.
const (
	ReasonOutsideGeofence  = "OutsideGeofence"
	ReasonNoActiveGeofence = "NoActiveGeofence"
	ReasonNoOpenRecord     = "NoOpenRecord"
)

// Outcome of an accepted clock action.
type Outcome string

const (
	Accepted             Outcome = "Accepted"
	AcceptedWithOverride Outcome = "AcceptedWithOverride"
)

var clockActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fieldsentry_attendance_clock_actions_total",
	Help: "Clock-in/out decisions, by action and result",
}, []string{"action", "result"})

// Rejection is a refused clock action. DistanceMeters carries the
// distance to the nearest boundary when one was evaluated, so the device can
// show how far off the agent is.
type Rejection struct {
	Reason         string
	DistanceMeters float64
}

func (r *Rejection) Error() string {
	if r.DistanceMeters != 0 {
		return fmt.Sprintf("clock action rejected: %s (%.0fm from boundary)", r.Reason, math.Abs(r.DistanceMeters))
	}
	return "clock action rejected: " + r.Reason
}

// Store is the subset of the postgres layer the clock path writes through.
type Store interface {
	InsertAttendance(ctx context.Context, rec datamodel.AttendanceRecord) error
	CloseAttendance(ctx context.Context, rec datamodel.AttendanceRecord) error
	OpenAttendance(ctx context.Context, agentID string, siteID string) (datamodel.AttendanceRecord, error)
}

// Validator is the synchronous gate on clock-in/clock-out requests. The agent
// is waiting on a UI action, so every call is bounded by a request timeout
// and fails closed when the geofence set cannot be fetched in time.
type Validator struct {
	store   Store
	sites   sitestore.Store
	engine  *geofence.Engine
	timeout time.Duration
}

func NewValidator(store Store, sites sitestore.Store, engine *geofence.Engine, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Validator{store: store, sites: sites, engine: engine, timeout: timeout}
}

// ClockIn validates the agent's position against the site boundary and opens
// an attendance record. Privileged methods are accepted outside the boundary
// with the record flagged for audit.
func (v *Validator) ClockIn(
	ctx context.Context,
	agentID, siteID, shiftID string,
	point datamodel.Point,
	method datamodel.ClockMethod) (datamodel.AttendanceRecord, Outcome, error) {

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	inside, distance, evaluated, err := v.insideBoundary(ctx, siteID, point)
	if err != nil {
		// Fail closed: an unverifiable position is not an accepted one.
		zap.S().Warnw("Clock-in geofence check failed",
			"agentId", agentID, "siteId", siteID, "error", err)
		clockActions.WithLabelValues("clock-in", "error").Inc()
		return datamodel.AttendanceRecord{}, "", err
	}
	if !evaluated {
		clockActions.WithLabelValues("clock-in", "rejected").Inc()
		return datamodel.AttendanceRecord{}, "", &Rejection{Reason: ReasonNoActiveGeofence}
	}

	outcome := Accepted
	if !inside {
		if !method.Privileged() {
			clockActions.WithLabelValues("clock-in", "rejected").Inc()
			return datamodel.AttendanceRecord{}, "", &Rejection{
				Reason:         ReasonOutsideGeofence,
				DistanceMeters: distance,
			}
		}
		outcome = AcceptedWithOverride
	}

	rec := datamodel.AttendanceRecord{
		ID:              ulid.Make().String(),
		AgentID:         agentID,
		ShiftID:         shiftID,
		SiteID:          siteID,
		ClockInAt:       time.Now().UTC(),
		ClockInLocation: point,
		ClockInMethod:   method,
		OverrideUsed:    outcome == AcceptedWithOverride,
	}
	if err := v.store.InsertAttendance(ctx, rec); err != nil {
		clockActions.WithLabelValues("clock-in", "error").Inc()
		return datamodel.AttendanceRecord{}, "", err
	}
	if rec.OverrideUsed {
		zap.S().Infow("Clock-in accepted with override",
			"agentId", agentID, "siteId", siteID, "method", method, "distance", distance)
	}
	clockActions.WithLabelValues("clock-in", string(outcome)).Inc()
	return rec, outcome, nil
}

// ClockOut completes the agent's open attendance record. It never blocks on
// the boundary check: an agent already off-boundary must still be able to
// end a shift, so an outside position only flags the record.
func (v *Validator) ClockOut(
	ctx context.Context,
	agentID, siteID string,
	point datamodel.Point) (datamodel.AttendanceRecord, error) {

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	rec, err := v.store.OpenAttendance(ctx, agentID, siteID)
	if err != nil {
		clockActions.WithLabelValues("clock-out", "rejected").Inc()
		return datamodel.AttendanceRecord{}, &Rejection{Reason: ReasonNoOpenRecord}
	}

	outsideGeofence := false
	inside, _, evaluated, err := v.insideBoundary(ctx, siteID, point)
	if err != nil {
		// The shift still ends; the flag is best effort.
		zap.S().Warnw("Clock-out geofence check failed, completing anyway",
			"agentId", agentID, "siteId", siteID, "error", err)
	} else if evaluated && !inside {
		outsideGeofence = true
	}

	now := time.Now().UTC()
	p := point
	rec.ClockOutAt = &now
	rec.ClockOutLocation = &p
	rec.ClockOutOutsideGeofence = outsideGeofence

	if err := v.store.CloseAttendance(ctx, rec); err != nil {
		clockActions.WithLabelValues("clock-out", "error").Inc()
		return datamodel.AttendanceRecord{}, err
	}
	clockActions.WithLabelValues("clock-out", "accepted").Inc()
	return rec, nil
}

// insideBoundary evaluates the point against the site's SITE_BOUNDARY
// fences. evaluated is false when the site has none. distance is the signed
// distance of the closest boundary, for the rejection message.
func (v *Validator) insideBoundary(ctx context.Context, siteID string, point datamodel.Point) (inside bool, distance float64, evaluated bool, err error) {
	fences, err := v.sites.ActiveGeofences(ctx, siteID)
	if err != nil {
		return false, 0, false, err
	}

	closest := math.Inf(-1)
	for _, fence := range fences {
		if fence.Type != datamodel.SiteBoundary {
			continue
		}
		eval, err := v.engine.Evaluate(point, 0, fence)
		if err != nil {
			zap.S().Warnw("Skipping invalid geofence on clock action",
				"geofenceId", fence.ID, "siteId", siteID, "error", err)
			continue
		}
		evaluated = true
		if eval.Inside {
			return true, eval.DistanceToBoundaryMeters, true, nil
		}
		if eval.DistanceToBoundaryMeters > closest {
			closest = eval.DistanceToBoundaryMeters
		}
	}
	if !evaluated {
		return false, 0, false, nil
	}
	return false, closest, true, nil
}
