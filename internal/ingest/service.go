package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/EagleChen/mapmutex"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/fieldsentry/fieldsentry/internal"
	"github.com/fieldsentry/fieldsentry/internal/geofence"
	"github.com/fieldsentry/fieldsentry/internal/sitestore"
	"github.com/fieldsentry/fieldsentry/pkg/datamodel"
)

// Rejection reasons surfaced to devices as 422 {reason}.
const (
	ReasonInvalid         = "Invalid"
	ReasonStale           = "Stale"
	ReasonFutureTimestamp = "FutureTimestamp"
	ReasonContended       = "Contended"
)

const lowBatteryPercent = 15.0

// Rejection is a validation failure on a location report. Devices treat it as
// a dropped ping and retry on their own schedule.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return "report rejected: " + r.Reason
}

// Store is the subset of the postgres layer the ingest path writes through.
type Store interface {
	InsertLocationReport(ctx context.Context, r datamodel.LocationReport) error
	LatestLocation(ctx context.Context, agentID string) (datamodel.LocationReport, error)
}

// Observer consumes (report, fence, evaluation) triples; satisfied by
// violation.Detector.
type Observer interface {
	Observe(ctx context.Context, report datamodel.LocationReport, fence datamodel.Geofence, eval datamodel.Evaluation)
}

// Publisher fans events out to subscribers; satisfied by broadcast.Broadcaster.
type Publisher interface {
	Publish(ev datamodel.Event)
}

// Config tunes ingestion validation.
type Config struct {
	// MaxFutureSkew is how far ahead of server time capturedAt may be.
	MaxFutureSkew time.Duration
	// LatestCacheSize bounds the in-memory latest-location cache.
	LatestCacheSize int
}

func (c *Config) applyDefaults() {
	if c.MaxFutureSkew <= 0 {
		c.MaxFutureSkew = 30 * time.Second
	}
	if c.LatestCacheSize <= 0 {
		c.LatestCacheSize = 10000
	}
}

// Service validates and timestamps incoming position reports, persists them,
// runs the geofence evaluations for the agent's permitted sites and forwards
// the results downstream. Reports for different agents are fully parallel;
// reports for the same agent are serialized on a per-agent lock so membership
// transitions are never evaluated out of order.
type Service struct {
	cfg       Config
	store     Store
	sites     sitestore.Store
	engine    *geofence.Engine
	observer  Observer
	publisher Publisher

	agentMutex *mapmutex.Mutex
	// lastAccepted maps agent id to the capturedAt of the newest accepted
	// report. Guarded by the per-agent lock.
	lastAccepted sync.Map
	latest       *lru.ARCCache
}

func NewService(
	cfg Config,
	store Store,
	sites sitestore.Store,
	engine *geofence.Engine,
	observer Observer,
	publisher Publisher) (*Service, error) {

	cfg.applyDefaults()
	cache, err := lru.NewARC(cfg.LatestCacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:        cfg,
		store:      store,
		sites:      sites,
		engine:     engine,
		observer:   observer,
		publisher:  publisher,
		agentMutex: mapmutex.NewMapMutex(),
		latest:     cache,
	}, nil
}

// Ingest processes one report for the authenticated identity. A nil error
// means Accepted; a *Rejection carries the reason for a 422.
func (s *Service) Ingest(ctx context.Context, identity IdentitySites, report datamodel.LocationReport) error {
	if reason := validate(report, s.cfg.MaxFutureSkew); reason != "" {
		zap.S().Debugw("Rejected location report",
			"agentId", report.AgentID, "reason", reason)
		reportsRejected.WithLabelValues(reason).Inc()
		return &Rejection{Reason: reason}
	}

	if !s.agentMutex.TryLock(report.AgentID) {
		// Another report for this agent is mid-flight; the device retries.
		reportsRejected.WithLabelValues(ReasonContended).Inc()
		return &Rejection{Reason: ReasonContended}
	}
	defer s.agentMutex.Unlock(report.AgentID)

	if last, ok := s.lastAccepted.Load(report.AgentID); ok {
		if !report.CapturedAt.After(last.(time.Time)) {
			reportsRejected.WithLabelValues(ReasonStale).Inc()
			return &Rejection{Reason: ReasonStale}
		}
	}

	report.ReceivedAt = time.Now().UTC()

	// Persistence happens before any broadcast, so a client re-querying
	// history after a live event always sees the report. If the store is
	// down, monitoring must not stop: the report is tagged unpersisted and
	// the evaluation and broadcast path proceeds anyway.
	err := internal.RetryBackedOff(ctx, 3, 50*time.Millisecond, time.Second, func() error {
		return s.store.InsertLocationReport(ctx, report)
	})
	if err != nil {
		zap.S().Errorw("Failed to persist location report, continuing unpersisted",
			"agentId", report.AgentID, "error", err)
		reportsUnpersisted.Inc()
		report.Unpersisted = true
	}

	s.lastAccepted.Store(report.AgentID, report.CapturedAt)
	s.latest.Add(report.AgentID, report)
	reportsAccepted.Inc()

	if report.BatteryPercent != nil && *report.BatteryPercent < lowBatteryPercent {
		zap.S().Debugw("Agent device battery low",
			"agentId", report.AgentID, "battery", *report.BatteryPercent)
	}

	siteIDs := s.evaluate(ctx, identity, report)

	rooms := []datamodel.RoomKey{
		datamodel.RoleRoom(datamodel.RoleSupervisor),
		datamodel.RoleRoom(datamodel.RoleAdmin),
	}
	for _, siteID := range siteIDs {
		rooms = append(rooms, datamodel.SiteRoom(siteID))
	}
	r := report
	s.publisher.Publish(datamodel.Event{
		Type:     datamodel.LocationUpdated,
		Location: &r,
		Rooms:    rooms,
	})
	return nil
}

// IdentitySites is the slice of the resolved identity ingestion needs.
type IdentitySites interface {
	PermittedSites() []string
}

// evaluate runs the engine against every active geofence of the agent's
// permitted sites. Failures are isolated per (site, fence): a broken fence
// definition or an unreachable site store never aborts the others.
func (s *Service) evaluate(ctx context.Context, identity IdentitySites, report datamodel.LocationReport) []string {
	var siteIDs []string
	for _, siteID := range identity.PermittedSites() {
		siteIDs = append(siteIDs, siteID)
		fences, err := s.sites.ActiveGeofences(ctx, siteID)
		if err != nil {
			zap.S().Warnw("Failed to fetch geofences, skipping site",
				"siteId", siteID, "agentId", report.AgentID, "error", err)
			continue
		}
		for _, fence := range fences {
			eval, err := s.engine.Evaluate(report.Position(), report.AccuracyMeters, fence)
			if err != nil {
				zap.S().Warnw("Geofence evaluation failed",
					"geofenceId", fence.ID, "siteId", siteID, "error", err)
				continue
			}
			s.observer.Observe(ctx, report, fence, eval)
		}
	}
	return siteIDs
}

// Latest returns the newest accepted report for the agent, serving from the
// in-memory cache when possible. Used by the reconnect resync endpoint.
func (s *Service) Latest(ctx context.Context, agentID string) (datamodel.LocationReport, error) {
	if v, ok := s.latest.Get(agentID); ok {
		return v.(datamodel.LocationReport), nil
	}
	report, err := s.store.LatestLocation(ctx, agentID)
	if err != nil {
		return datamodel.LocationReport{}, err
	}
	s.latest.Add(agentID, report)
	return report, nil
}

func validate(report datamodel.LocationReport, maxFutureSkew time.Duration) string {
	if report.AgentID == "" {
		return ReasonInvalid
	}
	if report.Latitude < -90 || report.Latitude > 90 ||
		report.Longitude < -180 || report.Longitude > 180 {
		return ReasonInvalid
	}
	if report.AccuracyMeters < 0 {
		return ReasonInvalid
	}
	if report.CapturedAt.IsZero() {
		return ReasonInvalid
	}
	if report.CapturedAt.After(time.Now().Add(maxFutureSkew)) {
		return ReasonFutureTimestamp
	}
	return ""
}
