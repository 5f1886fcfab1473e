package violation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	violationsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsentry_violations_opened_total",
		Help: "Violations confirmed after the grace window, by severity",
	}, []string{"severity"})

	openViolationsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsentry_violations_open",
		Help: "Currently open violations",
	})

	lowConfidenceObservations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsentry_violations_low_confidence_skips_total",
		Help: "Membership observations skipped because the fix accuracy was too poor",
	})

	retryQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsentry_violations_retry_queue_length",
		Help: "Pending violation writes waiting for the database to recover",
	})
)
