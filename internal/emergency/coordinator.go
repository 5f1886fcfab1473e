package emergency

import (
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

var (
	// ErrUnknownAlert is returned for acknowledgments of alerts the
	// coordinator is not tracking.
	ErrUnknownAlert = errors.New("unknown alert id")

	escalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsentry_emergency_escalations_total",
		Help: "Alert re-publishes after an unacknowledged deadline",
	})
	alertsRaised = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsentry_emergency_alerts_raised_total",
		Help: "Emergency alerts raised",
	})
)

// Publisher fans events out to subscribers; satisfied by broadcast.Broadcaster.
type Publisher interface {
	Publish(ev datamodel.Event)
}

// Config tunes the escalation protocol.
type Config struct {
	// AckDeadline is how long an alert may go unacknowledged before it is
	// re-published to a widened audience.
	AckDeadline time.Duration
	// MaxEscalations caps re-publishes per alert.
	MaxEscalations int
	// Retention is how long a closed alert (acknowledged or escalation
	// exhausted) stays tracked before eviction, so late idempotent
	// acknowledgments still resolve.
	Retention time.Duration
}

func (c *Config) applyDefaults() {
	if c.AckDeadline <= 0 {
		c.AckDeadline = 60 * time.Second
	}
	if c.MaxEscalations <= 0 {
		c.MaxEscalations = 3
	}
	if c.Retention <= 0 {
		c.Retention = 5 * time.Minute
	}
}

type trackedAlert struct {
	alert datamodel.EmergencyAlert
	timer *time.Timer
	acked bool
}

// Coordinator elevates critical events above the debounced violation path:
// raises bypass all grace windows and unacknowledged alerts are re-published
// to a widening audience until someone responds.
type Coordinator struct {
	cfg       Config
	publisher Publisher

	mu     sync.Mutex
	alerts map[string]*trackedAlert
}

func NewCoordinator(cfg Config, publisher Publisher) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		cfg:       cfg,
		publisher: publisher,
		alerts:    make(map[string]*trackedAlert),
	}
}

// Raise publishes EmergencyRaised immediately and starts the acknowledgment
// clock. Used for agent-initiated panic events.
func (c *Coordinator) Raise(agentID, siteID, context string) string {
	return c.raise(datamodel.EmergencyAlert{
		AlertID:  ulid.Make().String(),
		AgentID:  agentID,
		SiteID:   siteID,
		Context:  context,
		Severity: datamodel.SeverityCritical,
		RaisedAt: time.Now().UTC(),
	})
}

// RaiseForViolation escalates a critical violation into an emergency alert.
// Satisfies violation.Escalator.
func (c *Coordinator) RaiseForViolation(v datamodel.Violation) {
	c.raise(datamodel.EmergencyAlert{
		AlertID:  ulid.Make().String(),
		AgentID:  v.AgentID,
		SiteID:   v.SiteID,
		Context:  string(v.Kind),
		Severity: datamodel.SeverityCritical,
		RaisedAt: time.Now().UTC(),
	})
}

func (c *Coordinator) raise(alert datamodel.EmergencyAlert) string {
	c.mu.Lock()
	t := &trackedAlert{alert: alert}
	t.timer = time.AfterFunc(c.cfg.AckDeadline, func() { c.escalate(alert.AlertID) })
	c.alerts[alert.AlertID] = t
	c.mu.Unlock()

	alertsRaised.Inc()
	zap.S().Warnw("Emergency alert raised",
		"alertId", alert.AlertID, "agentId", alert.AgentID, "siteId", alert.SiteID, "context", alert.Context)

	a := alert
	c.publisher.Publish(datamodel.Event{
		Type:      datamodel.EmergencyRaised,
		Emergency: &a,
		Rooms:     initialRooms(alert.SiteID),
	})
	return alert.AlertID
}

func (c *Coordinator) escalate(alertID string) {
	c.mu.Lock()
	t, ok := c.alerts[alertID]
	if !ok || t.acked {
		c.mu.Unlock()
		return
	}
	t.alert.Escalation++
	alert := t.alert
	if alert.Escalation < c.cfg.MaxEscalations {
		t.timer = time.AfterFunc(c.cfg.AckDeadline, func() { c.escalate(alertID) })
	} else {
		zap.S().Errorw("Emergency alert exhausted escalations without acknowledgment",
			"alertId", alertID, "agentId", alert.AgentID)
		t.timer = time.AfterFunc(c.cfg.Retention, func() { c.evict(alertID) })
	}
	c.mu.Unlock()

	escalations.Inc()
	zap.S().Warnw("Emergency alert unacknowledged, escalating",
		"alertId", alertID, "escalation", alert.Escalation)

	a := alert
	c.publisher.Publish(datamodel.Event{
		Type:      datamodel.EmergencyRaised,
		Emergency: &a,
		Rooms:     append(initialRooms(alert.SiteID), datamodel.EmergencyContactRoom),
	})
}

// Acknowledge stops further escalation. Idempotent; the first acknowledger
// wins and later calls return the original acknowledgment without publishing
// again.
func (c *Coordinator) Acknowledge(alertID, userID string) (datamodel.EmergencyAlert, error) {
	c.mu.Lock()
	t, ok := c.alerts[alertID]
	if !ok {
		c.mu.Unlock()
		return datamodel.EmergencyAlert{}, ErrUnknownAlert
	}
	if t.acked {
		alert := t.alert
		c.mu.Unlock()
		return alert, nil
	}
	t.acked = true
	t.timer.Stop()
	// Keep the entry around for a while so late duplicate acks still get
	// the original acknowledgment back, then drop it.
	t.timer = time.AfterFunc(c.cfg.Retention, func() { c.evict(alertID) })
	now := time.Now().UTC()
	t.alert.AcknowledgedBy = userID
	t.alert.AcknowledgedAt = &now
	alert := t.alert
	c.mu.Unlock()

	zap.S().Infow("Emergency alert acknowledged",
		"alertId", alertID, "by", userID)

	a := alert
	c.publisher.Publish(datamodel.Event{
		Type:      datamodel.EmergencyAcknowledged,
		Emergency: &a,
		Rooms:     append(initialRooms(alert.SiteID), datamodel.AgentRoom(alert.AgentID)),
	})
	return alert, nil
}

func (c *Coordinator) evict(alertID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.alerts, alertID)
}

// Shutdown stops all pending escalation timers.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.alerts {
		t.timer.Stop()
	}
}

func initialRooms(siteID string) []datamodel.RoomKey {
	return []datamodel.RoomKey{
		datamodel.RoleRoom(datamodel.RoleSupervisor),
		datamodel.RoleRoom(datamodel.RoleAdmin),
		datamodel.SiteRoom(siteID),
	}
}
