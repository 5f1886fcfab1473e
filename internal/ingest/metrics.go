package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reportsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsentry_ingest_reports_accepted_total",
		Help: "Location reports accepted and persisted",
	})

	reportsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsentry_ingest_reports_rejected_total",
		Help: "Location reports rejected, by reason",
	}, []string{"reason"})

	reportsUnpersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsentry_ingest_reports_unpersisted_total",
		Help: "Accepted reports that could not be written to the store",
	})
)
