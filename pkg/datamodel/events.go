package datamodel

import (
	"fmt"
	"time"
)

// RoomKey is a named subscription scope. Connections are assigned to rooms
// from their resolved identity only, never from client input.
type RoomKey string

// RoleRoom scopes delivery to every connection holding the given role.
func RoleRoom(role Role) RoomKey {
	return RoomKey(fmt.Sprintf("role:%s", role))
}

// SiteRoom scopes delivery to connections permitted for the given site.
func SiteRoom(siteID string) RoomKey {
	return RoomKey(fmt.Sprintf("site:%s", siteID))
}

// AgentRoom scopes delivery to the agent's own connections.
func AgentRoom(agentID string) RoomKey {
	return RoomKey(fmt.Sprintf("agent:%s", agentID))
}

// EmergencyContactRoom is the widened audience used when an emergency alert
// is escalated; an external emergency-contact collaborator subscribes to it.
const EmergencyContactRoom RoomKey = "channel:emergency-contacts"

// EventType tags the Event union.
type EventType string

const (
	LocationUpdated       EventType = "locationUpdated"
	ViolationOpened       EventType = "violationOpened"
	ViolationResolved     EventType = "violationResolved"
	EmergencyRaised       EventType = "emergencyRaised"
	EmergencyAcknowledged EventType = "emergencyAcknowledged"
)

// EmergencyAlert is the payload of EmergencyRaised / EmergencyAcknowledged
// events.
type EmergencyAlert struct {
	AlertID    string    `json:"alertId"`
	AgentID    string    `json:"agentId"`
	SiteID     string    `json:"siteId"`
	Context    string    `json:"context,omitempty"`
	Severity   Severity  `json:"severity"`
	RaisedAt   time.Time `json:"raisedAt"`
	Escalation int       `json:"escalation"`
	// AcknowledgedBy is set on EmergencyAcknowledged only.
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
}

// Event is the tagged union carried on the real-time channel. Exactly one of
// the payload pointers matching Type is non-nil.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	EmittedAt time.Time `json:"emittedAt"`

	Location  *LocationReport `json:"location,omitempty"`
	Violation *Violation      `json:"violation,omitempty"`
	Emergency *EmergencyAlert `json:"emergency,omitempty"`

	// Rooms is the intended audience. Not serialized to clients.
	Rooms []RoomKey `json:"-"`
}

// Critical events always win queue eviction and are never silently dropped
// while the connection is alive.
func (e Event) Critical() bool {
	return e.Type == EmergencyRaised
}
