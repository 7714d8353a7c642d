// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "xai_reports"

var (
	// ReportMutations counts report writes.
	// Labels: action (CREATE, PATCH, FINALIZE), outcome (applied, version_conflict, final, invalid, not_found, duplicate, error)
	ReportMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "mutations_total",
		Help:      "Report mutations by action and outcome",
	}, []string{"action", "outcome"})

	// IntegrityFailures counts stored documents that no longer validate.
	IntegrityFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "integrity_failures_total",
		Help:      "Stored report bodies that failed schema revalidation on read",
	})

	// ExplanationJobs counts finished explanation jobs.
	// Labels: status (DONE, FAILED, skipped)
	ExplanationJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "explain",
		Name:      "jobs_total",
		Help:      "Explanation jobs by final status",
	}, []string{"status"})

	// SearchBackend counts which backend answered a search.
	// Labels: backend (meilisearch, postgres)
	SearchBackend = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "search",
		Name:      "queries_total",
		Help:      "Report searches by answering backend",
	}, []string{"backend"})

	// HTTPDuration measures request latency.
	// Labels: method, route, status
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route", "status"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
