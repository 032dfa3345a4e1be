// Package metrics defines the Prometheus collectors for the sync
// pipeline and the HTTP server that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIRequests counts upstream requests by endpoint and outcome.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "siegsync",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Upstream API requests by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	// APIRetries counts retried upstream attempts by endpoint.
	APIRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "siegsync",
		Subsystem: "api",
		Name:      "retries_total",
		Help:      "Retried upstream attempts by endpoint.",
	}, []string{"endpoint"})

	// DocumentsSaved counts archived files by document type and disposition.
	DocumentsSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "siegsync",
		Subsystem: "archive",
		Name:      "documents_saved_total",
		Help:      "Documents written to the archive by type and disposition.",
	}, []string{"doc_type", "disposition"})

	// SaveErrors counts archive failures by stage.
	SaveErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "siegsync",
		Subsystem: "archive",
		Name:      "save_errors_total",
		Help:      "Archive failures by stage (decode, parse, info, write).",
	}, []string{"stage"})

	// CompaniesProcessed counts pipeline completions by result.
	CompaniesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "siegsync",
		Subsystem: "cycle",
		Name:      "companies_total",
		Help:      "Companies processed per cycle by result.",
	}, []string{"result"})

	// CycleDuration observes full cycle durations.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "siegsync",
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration of complete processing cycles.",
		Buckets:   prometheus.ExponentialBuckets(30, 2, 10),
	})

	// PendenciesOpen tracks currently open report pendencies.
	PendenciesOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "siegsync",
		Subsystem: "state",
		Name:      "pendencies_open",
		Help:      "Report pendencies currently awaiting reprocessing.",
	})
)
