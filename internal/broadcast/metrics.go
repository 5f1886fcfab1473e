package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsentry_broadcast_events_published_total",
		Help: "Events published to the broadcaster, by event type",
	}, []string{"type"})

	deliveriesQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsentry_broadcast_deliveries_queued_total",
		Help: "Per-connection queue writes",
	})

	deliveriesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsentry_broadcast_deliveries_sent_total",
		Help: "Events written to transports",
	})

	droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsentry_broadcast_dropped_total",
		Help: "Events not queued, by reason",
	}, []string{"reason"})

	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsentry_broadcast_connections",
		Help: "Currently registered connections",
	})
)
