package violation

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/fieldsentry/fieldsentry/internal"
	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

const shardCount = 32

// Store is the subset of the postgres layer the detector persists through.
type Store interface {
	InsertViolation(ctx context.Context, v datamodel.Violation) error
	ResolveViolation(ctx context.Context, violationID string, resolvedAt time.Time) error
}

// Publisher fans events out to subscribers; satisfied by broadcast.Broadcaster.
type Publisher interface {
	Publish(ev datamodel.Event)
}

// Escalator receives critical violations; satisfied by emergency.Coordinator.
type Escalator interface {
	RaiseForViolation(v datamodel.Violation)
}

// Config tunes the debouncing. A violation is confirmed when either the
// consecutive-count or the elapsed-time threshold trips, whichever first.
type Config struct {
	GraceCount   int
	GraceElapsed time.Duration
	// RetryQueuePath enables the disk-backed retry queue for failed
	// persistence; empty disables it.
	RetryQueuePath string
}

func (c *Config) applyDefaults() {
	if c.GraceCount <= 0 {
		c.GraceCount = 3
	}
	if c.GraceElapsed <= 0 {
		c.GraceElapsed = 90 * time.Second
	}
}

type phase int

const (
	phaseSatisfied phase = iota
	phaseGrace
	phaseViolating
)

// entry is the per-(agent, geofence) state. Owned by exactly one shard;
// the ingest layer serializes one agent's reports, so transitions are never
// evaluated out of order.
type entry struct {
	agentID    string
	geofenceID string

	phase          phase
	lastInside     bool
	since          time.Time
	contraryCount  int
	firstContraryAt time.Time

	open *datamodel.Violation
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Detector converts per-fence membership evaluations into debounced
// violation-open / violation-resolve events. The state map is partitioned by
// agent id so different agents never contend on the same lock.
type Detector struct {
	cfg       Config
	store     Store
	publisher Publisher
	escalator Escalator
	shards    [shardCount]*shard
	retry     *retryQueue
}

func NewDetector(cfg Config, store Store, publisher Publisher, escalator Escalator) (*Detector, error) {
	cfg.applyDefaults()
	d := &Detector{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		escalator: escalator,
	}
	for i := range d.shards {
		d.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	if cfg.RetryQueuePath != "" {
		retry, err := newRetryQueue(cfg.RetryQueuePath, store)
		if err != nil {
			return nil, err
		}
		d.retry = retry
	}
	return d, nil
}

func (d *Detector) shardFor(agentID string) *shard {
	return d.shards[internal.ShardIndex(agentID, shardCount)]
}

// contraryObservation reports whether the evaluation violates the fence's
// rule: outside a site boundary, or inside a restricted zone.
func contraryObservation(fence datamodel.Geofence, eval datamodel.Evaluation) (bool, datamodel.ViolationKind, datamodel.Severity) {
	switch fence.Type {
	case datamodel.SiteBoundary:
		return !eval.Inside, datamodel.OutsideBoundary, datamodel.SeverityHigh
	case datamodel.RestrictedZone:
		return eval.Inside, datamodel.UnauthorizedZone, datamodel.SeverityCritical
	default:
		return false, "", ""
	}
}

// Observe feeds one (report, fence, evaluation) triple into the state
// machine. Failures are isolated per (agent, geofence): an error here never
// aborts processing of other fences or agents.
func (d *Detector) Observe(
	ctx context.Context,
	report datamodel.LocationReport,
	fence datamodel.Geofence,
	eval datamodel.Evaluation) {

	contrary, kind, severity := contraryObservation(fence, eval)
	if kind == "" {
		// Authorized zones carry no violation semantics
		return
	}

	if eval.LowConfidence {
		// Poor fixes must not advance the grace counter, but are not
		// silently ignored either.
		lowConfidenceObservations.Inc()
		zap.S().Debugw("Low confidence fix, grace counter unchanged",
			"agentId", report.AgentID, "geofenceId", fence.ID, "accuracy", report.AccuracyMeters)
		return
	}

	s := d.shardFor(report.AgentID)
	s.mu.Lock()
	defer s.mu.Unlock()

	key := report.AgentID + "|" + fence.ID
	e, ok := s.entries[key]
	if !ok {
		e = &entry{
			agentID:    report.AgentID,
			geofenceID: fence.ID,
			phase:      phaseSatisfied,
			since:      report.CapturedAt,
		}
		s.entries[key] = e
	}
	e.lastInside = eval.Inside

	switch e.phase {
	case phaseSatisfied:
		if contrary {
			e.phase = phaseGrace
			e.contraryCount = 1
			e.firstContraryAt = report.CapturedAt
		}

	case phaseGrace:
		if !contrary {
			// Return before threshold: flap from GPS noise, discard.
			e.phase = phaseSatisfied
			e.contraryCount = 0
			e.since = report.CapturedAt
			return
		}
		e.contraryCount++
		elapsed := report.CapturedAt.Sub(e.firstContraryAt)
		if e.contraryCount >= d.cfg.GraceCount || elapsed >= d.cfg.GraceElapsed {
			d.openViolation(ctx, e, report, fence, kind, severity)
		}

	case phaseViolating:
		if !contrary {
			d.resolveViolation(ctx, e, report)
		}
	}
}

func (d *Detector) openViolation(
	ctx context.Context,
	e *entry,
	report datamodel.LocationReport,
	fence datamodel.Geofence,
	kind datamodel.ViolationKind,
	severity datamodel.Severity) {

	v := datamodel.Violation{
		ID:         ulid.Make().String(),
		AgentID:    e.agentID,
		GeofenceID: e.geofenceID,
		SiteID:     fence.SiteID,
		Kind:       kind,
		Severity:   severity,
		OpenedAt:   report.CapturedAt,
	}

	err := internal.RetryBackedOff(ctx, 3, 50*time.Millisecond, time.Second, func() error {
		return d.store.InsertViolation(ctx, v)
	})
	if err != nil {
		// Supervisors are still notified in real time; the reconciliation
		// job recovers the record from the retry queue / event stream.
		zap.S().Errorw("Failed to persist violation, broadcasting unpersisted",
			"violationId", v.ID, "agentId", v.AgentID, "error", err)
		v.Unpersisted = true
		if d.retry != nil {
			d.retry.enqueueOpen(v)
		}
	}

	e.phase = phaseViolating
	e.since = report.CapturedAt
	e.open = &v

	violationsOpened.WithLabelValues(string(severity)).Inc()
	openViolationsGauge.Inc()
	d.publisher.Publish(datamodel.Event{
		Type:      datamodel.ViolationOpened,
		Violation: &v,
		Rooms:     violationRooms(v),
	})

	if severity == datamodel.SeverityCritical && d.escalator != nil {
		d.escalator.RaiseForViolation(v)
	}
}

func (d *Detector) resolveViolation(ctx context.Context, e *entry, report datamodel.LocationReport) {
	resolvedAt := report.CapturedAt
	v := *e.open
	v.ResolvedAt = &resolvedAt

	err := internal.RetryBackedOff(ctx, 3, 50*time.Millisecond, time.Second, func() error {
		return d.store.ResolveViolation(ctx, v.ID, resolvedAt)
	})
	if err != nil {
		zap.S().Errorw("Failed to persist violation resolution",
			"violationId", v.ID, "error", err)
		v.Unpersisted = true
		if d.retry != nil {
			d.retry.enqueueResolve(v.ID, resolvedAt)
		}
	}

	e.phase = phaseSatisfied
	e.contraryCount = 0
	e.since = report.CapturedAt
	e.open = nil

	openViolationsGauge.Dec()
	d.publisher.Publish(datamodel.Event{
		Type:      datamodel.ViolationResolved,
		Violation: &v,
		Rooms:     violationRooms(v),
	})
}

func violationRooms(v datamodel.Violation) []datamodel.RoomKey {
	return []datamodel.RoomKey{
		datamodel.RoleRoom(datamodel.RoleSupervisor),
		datamodel.RoleRoom(datamodel.RoleAdmin),
		datamodel.SiteRoom(v.SiteID),
	}
}

// Snapshot exports the membership states for checkpointing.
func (d *Detector) Snapshot() []datamodel.MembershipState {
	var states []datamodel.MembershipState
	for _, s := range d.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			states = append(states, datamodel.MembershipState{
				AgentID:            e.agentID,
				GeofenceID:         e.geofenceID,
				CurrentlyInside:    e.lastInside,
				Since:              e.since,
				ConsecutiveOutside: e.contraryCount,
			})
		}
		s.mu.Unlock()
	}
	return states
}

// Restore seeds the detector from checkpointed membership states and the
// still-open violations, so a restart neither re-raises nor forgets them.
func (d *Detector) Restore(states []datamodel.MembershipState, open []datamodel.Violation) {
	openByKey := make(map[string]datamodel.Violation, len(open))
	for _, v := range open {
		openByKey[v.AgentID+"|"+v.GeofenceID] = v
	}

	for _, st := range states {
		s := d.shardFor(st.AgentID)
		key := st.AgentID + "|" + st.GeofenceID
		e := &entry{
			agentID:       st.AgentID,
			geofenceID:    st.GeofenceID,
			phase:         phaseSatisfied,
			lastInside:    st.CurrentlyInside,
			since:         st.Since,
			contraryCount: st.ConsecutiveOutside,
		}
		if st.ConsecutiveOutside > 0 {
			e.phase = phaseGrace
			e.firstContraryAt = st.Since
		}
		if v, ok := openByKey[key]; ok {
			v := v
			e.phase = phaseViolating
			e.open = &v
			openViolationsGauge.Inc()
			delete(openByKey, key)
		}
		s.mu.Lock()
		s.entries[key] = e
		s.mu.Unlock()
	}

	// Open violations without a checkpointed state still need an entry,
	// otherwise the next inside fix could not resolve them.
	for key, v := range openByKey {
		v := v
		s := d.shardFor(v.AgentID)
		s.mu.Lock()
		s.entries[key] = &entry{
			agentID:    v.AgentID,
			geofenceID: v.GeofenceID,
			phase:      phaseViolating,
			since:      v.OpenedAt,
			open:       &v,
		}
		s.mu.Unlock()
		openViolationsGauge.Inc()
	}
}

// Shutdown flushes the retry queue.
func (d *Detector) Shutdown() error {
	if d.retry != nil {
		return d.retry.close()
	}
	return nil
}
