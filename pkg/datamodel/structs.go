package datamodel

import (
	"time"
)

// Role of an authenticated user. Roles are resolved once at the request or
// connection boundary and never trusted from the client payload.
type Role string

const (
	RoleAgent      Role = "AGENT"
	RoleSupervisor Role = "SUPERVISOR"
	RoleAdmin      Role = "ADMIN"
)

// GeofenceType determines both the violation kind and its severity.
type GeofenceType string

const (
	// SiteBoundary fences an agent is expected to stay inside of.
	SiteBoundary GeofenceType = "SITE_BOUNDARY"
	// RestrictedZone fences an agent must stay out of.
	RestrictedZone GeofenceType = "RESTRICTED_ZONE"
	// AuthorizedZone is an additional permitted area within a site.
	AuthorizedZone GeofenceType = "AUTHORIZED_ZONE"
)

// ShapeKind discriminates the geofence geometry.
type ShapeKind string

const (
	ShapeCircle  ShapeKind = "CIRCLE"
	ShapePolygon ShapeKind = "POLYGON"
)

// Point is a WGS84 coordinate.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Shape is the geometry of a geofence. Circle fields are set when Kind is
// CIRCLE, Vertices when Kind is POLYGON (ordered ring, first != last).
type Shape struct {
	Kind         ShapeKind `json:"kind"`
	Center       Point     `json:"center,omitempty"`
	RadiusMeters float64   `json:"radiusMeters,omitempty"`
	Vertices     []Point   `json:"vertices,omitempty"`
}

// Geofence is a named region associated with a site. Owned by the
// site-management collaborator, read-only here.
type Geofence struct {
	ID     string       `json:"id"`
	SiteID string       `json:"siteId"`
	Name   string       `json:"name"`
	Type   GeofenceType `json:"type"`
	Shape  Shape        `json:"shape"`
	Active bool         `json:"active"`
}

// Evaluation is the result of testing a point against a single geofence.
type Evaluation struct {
	Inside bool `json:"inside"`
	// DistanceToBoundaryMeters is negative when the point is outside.
	DistanceToBoundaryMeters float64 `json:"distanceToBoundaryMeters"`
	// LowConfidence is set when the fix accuracy is worse than the configured
	// threshold. Low confidence evaluations do not advance the grace counter.
	LowConfidence bool `json:"lowConfidence,omitempty"`
}

// LocationReport is a single position fix from an agent device.
// Immutable once persisted.
type LocationReport struct {
	AgentID        string    `json:"agentId"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy"`
	CapturedAt     time.Time `json:"capturedAt"`
	ReceivedAt     time.Time `json:"receivedAt"`
	BatteryPercent *float64  `json:"battery,omitempty"`
	SpeedMps       *float64  `json:"speedMps,omitempty"`
	// Unpersisted marks a report that could not be written to the store;
	// the live pipeline still processed it.
	Unpersisted bool `json:"unpersisted,omitempty"`
}

// Position returns the report coordinate as a Point.
func (r LocationReport) Position() Point {
	return Point{Latitude: r.Latitude, Longitude: r.Longitude}
}

// MembershipState tracks, per (agent, geofence), whether the agent currently
// satisfies the fence and how many consecutive contrary fixes were seen.
// Exclusively owned by the violation detector; checkpointed to the store.
type MembershipState struct {
	AgentID            string    `json:"agentId"`
	GeofenceID         string    `json:"geofenceId"`
	CurrentlyInside    bool      `json:"currentlyInside"`
	Since              time.Time `json:"since"`
	ConsecutiveOutside int       `json:"consecutiveOutside"`
}

// ViolationKind classifies a confirmed geofence violation.
type ViolationKind string

const (
	OutsideBoundary  ViolationKind = "OUTSIDE_BOUNDARY"
	MissedCheckIn    ViolationKind = "MISSED_CHECK_IN"
	UnauthorizedZone ViolationKind = "UNAUTHORIZED_ZONE"
)

// Severity of a violation or alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Violation is an audit record of a confirmed boundary violation.
// Never deleted; ResolvedAt is set on confirmed return.
type Violation struct {
	ID         string        `json:"id"`
	AgentID    string        `json:"agentId"`
	GeofenceID string        `json:"geofenceId"`
	SiteID     string        `json:"siteId"`
	Kind       ViolationKind `json:"kind"`
	Severity   Severity      `json:"severity"`
	OpenedAt   time.Time     `json:"openedAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
	// Unpersisted marks a violation that could not be written to the store;
	// a reconciliation job recovers these from the event stream.
	Unpersisted bool `json:"unpersisted,omitempty"`
}

// ClockMethod is how a clock action was performed.
type ClockMethod string

const (
	MethodMobileApp          ClockMethod = "MOBILE_APP"
	MethodManual             ClockMethod = "MANUAL"
	MethodSupervisorOverride ClockMethod = "SUPERVISOR_OVERRIDE"
)

// Privileged reports whether the method may override a geofence rejection.
func (m ClockMethod) Privileged() bool {
	return m == MethodSupervisorOverride
}

// AttendanceRecord is one recorded attendance period for a shift.
// Immutable history once clocked out.
type AttendanceRecord struct {
	ID              string      `json:"id"`
	AgentID         string      `json:"agentId"`
	ShiftID         string      `json:"shiftId,omitempty"`
	SiteID          string      `json:"siteId"`
	ClockInAt       time.Time   `json:"clockInAt"`
	ClockInLocation Point       `json:"clockInLocation"`
	ClockInMethod   ClockMethod `json:"clockInMethod"`
	// OverrideUsed flags the record for audit when the clock-in was accepted
	// outside the site boundary via a privileged method.
	OverrideUsed            bool       `json:"overrideUsed,omitempty"`
	ClockOutAt              *time.Time `json:"clockOutAt,omitempty"`
	ClockOutLocation        *Point     `json:"clockOutLocation,omitempty"`
	ClockOutOutsideGeofence bool       `json:"clockOutOutsideGeofence,omitempty"`
}
