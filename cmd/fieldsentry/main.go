package main

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/fieldsentry/fieldsentry/internal"
	"github.com/fieldsentry/fieldsentry/internal/attendance"
	"github.com/fieldsentry/fieldsentry/internal/broadcast"
	"github.com/fieldsentry/fieldsentry/internal/emergency"
	"github.com/fieldsentry/fieldsentry/internal/geofence"
	"github.com/fieldsentry/fieldsentry/internal/identity"
	"github.com/fieldsentry/fieldsentry/internal/ingest"
	"github.com/fieldsentry/fieldsentry/internal/postgresql"
	"github.com/fieldsentry/fieldsentry/internal/sitestore"
	"github.com/fieldsentry/fieldsentry/internal/violation"
)

func main() {
	InitLogging()
	internal.Initfgtrace()
	InitPrometheus()
	InitCache()

	db := postgresql.GetOrInit()

	accuracyThreshold, err := env.GetAsInt("ACCURACY_THRESHOLD_METERS", false, 100)
	if err != nil {
		zap.S().Fatalf("Failed to get ACCURACY_THRESHOLD_METERS from env: %s", err)
	}
	engine := geofence.NewEngine(float64(accuracyThreshold))

	sites := newSiteStore()
	resolver := newIdentityResolver()
	broadcaster := newBroadcaster()
	coordinator := newCoordinator(broadcaster)
	detector := newDetector(db, broadcaster, coordinator)
	restoreDetector(db, detector)

	ingestService, err := ingest.NewService(ingest.Config{}, db, sites, engine, detector, broadcaster)
	if err != nil {
		zap.S().Fatalf("Failed to initialize ingest service: %s", err)
	}
	validator := attendance.NewValidator(db, sites, engine, 5*time.Second)

	checkpointCtx, stopCheckpoints := context.WithCancel(context.Background())
	go checkpointLoop(checkpointCtx, db, detector)

	InitHealthCheck(broadcaster)

	shutdown := internal.NewGracefulShutdown(30*time.Second, func() error {
		stopCheckpoints()
		flushCheckpoint(db, detector)
		coordinator.Shutdown()
		broadcaster.Shutdown()
		if err := detector.Shutdown(); err != nil {
			zap.S().Errorw("Failed to close violation retry queue", "error", err)
		}
		db.Shutdown()
		return nil
	})

	SetupRestAPI(resolver, broadcaster, coordinator, ingestService, validator)

	shutdown.Wait()
}

func InitLogging() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = logger.New(logLevel)
}

func InitPrometheus() {
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitCache() {
	redisURI, _ := env.GetAsString("REDIS_URI", false, "") //nolint:errcheck
	redisPassword, _ := env.GetAsString("REDIS_PASSWORD", false, "")
	redisDB, _ := env.GetAsInt("REDIS_DB", false, 0)
	dryRun, _ := env.GetAsBool("DRY_RUN", false, false)
	internal.InitCache(redisURI, redisPassword, redisDB, dryRun)
}

func InitHealthCheck(b *broadcast.Broadcaster) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000000))
	health.AddReadinessCheck("database", postgresql.GetHealthCheck())
	health.AddLivenessCheck("database", postgresql.GetHealthCheck())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}

func newSiteStore() sitestore.Store {
	baseURL, err := env.GetAsString("SITE_API_URL", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get SITE_API_URL from env: %s", err)
	}
	serviceUser, _ := env.GetAsString("SITE_API_USER", false, "")
	serviceKey, _ := env.GetAsString("SITE_API_KEY", false, "")
	return sitestore.NewHTTPStore(baseURL, serviceUser, serviceKey)
}

func newIdentityResolver() *identity.Resolver {
	baseURL, err := env.GetAsString("IDENTITY_API_URL", true, "")
	if err != nil {
		zap.S().Fatalf("Failed to get IDENTITY_API_URL from env: %s", err)
	}
	serviceUser, _ := env.GetAsString("IDENTITY_API_USER", false, "")
	serviceKey, _ := env.GetAsString("IDENTITY_API_KEY", false, "")
	return identity.NewResolver(baseURL, serviceUser, serviceKey)
}

func newBroadcaster() *broadcast.Broadcaster {
	var opts []broadcast.Option

	queueCapacity, err := env.GetAsInt("BROADCAST_QUEUE_CAPACITY", false, broadcast.DefaultQueueCapacity)
	if err != nil {
		zap.S().Fatalf("Failed to get BROADCAST_QUEUE_CAPACITY from env: %s", err)
	}
	opts = append(opts, broadcast.WithQueueCapacity(queueCapacity))

	brokers, _ := env.GetAsString("KAFKA_BOOTSTRAP_SERVERS", false, "") //nolint:errcheck
	if brokers != "" {
		topic, _ := env.GetAsString("KAFKA_EVENT_TOPIC", false, "fieldsentry.events")
		sink, err := broadcast.NewKafkaSink(brokers, topic)
		if err != nil {
			zap.S().Fatalf("Failed to connect Kafka sink to %s: %s", brokers, err)
		}
		opts = append(opts, broadcast.WithSink(sink))
	}
	return broadcast.New(opts...)
}

func newCoordinator(b *broadcast.Broadcaster) *emergency.Coordinator {
	ackDeadline, err := env.GetAsInt("EMERGENCY_ACK_DEADLINE_SECONDS", false, 60)
	if err != nil {
		zap.S().Fatalf("Failed to get EMERGENCY_ACK_DEADLINE_SECONDS from env: %s", err)
	}
	maxEscalations, err := env.GetAsInt("EMERGENCY_MAX_ESCALATIONS", false, 3)
	if err != nil {
		zap.S().Fatalf("Failed to get EMERGENCY_MAX_ESCALATIONS from env: %s", err)
	}
	retention, err := env.GetAsInt("EMERGENCY_RETENTION_SECONDS", false, 300)
	if err != nil {
		zap.S().Fatalf("Failed to get EMERGENCY_RETENTION_SECONDS from env: %s", err)
	}
	return emergency.NewCoordinator(emergency.Config{
		AckDeadline:    time.Duration(ackDeadline) * time.Second,
		MaxEscalations: maxEscalations,
		Retention:      time.Duration(retention) * time.Second,
	}, b)
}

func newDetector(db *postgresql.Connection, b *broadcast.Broadcaster, coordinator *emergency.Coordinator) *violation.Detector {
	graceCount, err := env.GetAsInt("VIOLATION_GRACE_COUNT", false, 3)
	if err != nil {
		zap.S().Fatalf("Failed to get VIOLATION_GRACE_COUNT from env: %s", err)
	}
	graceElapsed, err := env.GetAsInt("VIOLATION_GRACE_SECONDS", false, 90)
	if err != nil {
		zap.S().Fatalf("Failed to get VIOLATION_GRACE_SECONDS from env: %s", err)
	}
	queuePath, _ := env.GetAsString("VIOLATION_QUEUE_PATH", false, "/data/violationqueue")

	detector, err := violation.NewDetector(violation.Config{
		GraceCount:     graceCount,
		GraceElapsed:   time.Duration(graceElapsed) * time.Second,
		RetryQueuePath: queuePath,
	}, db, b, coordinator)
	if err != nil {
		zap.S().Fatalf("Failed to initialize violation detector: %s", err)
	}
	return detector
}

// restoreDetector seeds the membership state machine from the last
// checkpoint, so a restart neither re-raises open violations nor forgets
// them.
func restoreDetector(db *postgresql.Connection, detector *violation.Detector) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	states, err := db.LoadMembershipCheckpoints(ctx)
	if err != nil {
		zap.S().Warnw("Failed to load membership checkpoints, starting cold", "error", err)
	}
	open, err := db.OpenViolations(ctx)
	if err != nil {
		zap.S().Warnw("Failed to load open violations, starting cold", "error", err)
	}
	detector.Restore(states, open)
	zap.S().Infow("Restored detector state", "memberships", len(states), "openViolations", len(open))
}

func checkpointLoop(ctx context.Context, db *postgresql.Connection, detector *violation.Detector) {
	interval, err := env.GetAsInt("CHECKPOINT_INTERVAL_SECONDS", false, 60)
	if err != nil {
		zap.S().Fatalf("Failed to get CHECKPOINT_INTERVAL_SECONDS from env: %s", err)
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushCheckpoint(db, detector)
		}
	}
}

func flushCheckpoint(db *postgresql.Connection, detector *violation.Detector) {
	states := detector.Snapshot()
	if len(states) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.SaveMembershipCheckpoint(ctx, states); err != nil {
		zap.S().Warnw("Failed to checkpoint membership states", "count", len(states), "error", err)
		return
	}
	zap.S().Debugw("Checkpointed membership states", "count", len(states))
}
