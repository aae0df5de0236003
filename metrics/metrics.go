// Package metrics exposes the pipeline's Prometheus instrumentation.
// All collectors live on a private registry owned by a Metrics value, so
// there is no process-global mutable state; the ops HTTP server serves the
// registry through Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the pipeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	// RunsTotal counts finished runs by terminal state
	// (success, failed, skipped).
	RunsTotal *prometheus.CounterVec

	// RunDuration observes wall-clock seconds of completed runs.
	RunDuration prometheus.Histogram

	// RowsExtracted counts source rows read, labeled by source
	// (reference, telemetry).
	RowsExtracted *prometheus.CounterVec

	// FactsLoaded counts rows committed to the mart.
	FactsLoaded prometheus.Counter

	// OrphanRows counts telemetry rows dropped for an unknown chip.
	OrphanRows prometheus.Counter

	// InvalidMetricRows counts telemetry rows dropped for range violations.
	InvalidMetricRows prometheus.Counter

	// Invalidations counts cache invalidation calls by result (ok, failed).
	Invalidations *prometheus.CounterVec

	// TaskRetries counts retry attempts by task name.
	TaskRetries *prometheus.CounterVec
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reporting_etl_runs_total",
			Help: "Finished pipeline runs by terminal state.",
		}, []string{"state"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reporting_etl_run_duration_seconds",
			Help:    "Wall-clock duration of completed pipeline runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		RowsExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reporting_etl_rows_extracted_total",
			Help: "Source rows read, by source.",
		}, []string{"source"}),
		FactsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reporting_etl_facts_loaded_total",
			Help: "Fact rows committed to the mart.",
		}),
		OrphanRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reporting_etl_orphan_rows_total",
			Help: "Telemetry rows dropped because their chip has no active prosthesis.",
		}),
		InvalidMetricRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reporting_etl_invalid_metric_rows_total",
			Help: "Telemetry rows dropped for violating range invariants.",
		}),
		Invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reporting_etl_invalidations_total",
			Help: "Cache invalidation calls by result.",
		}, []string{"result"}),
		TaskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reporting_etl_task_retries_total",
			Help: "Task retry attempts by task.",
		}, []string{"task"}),
	}

	m.registry.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RowsExtracted,
		m.FactsLoaded,
		m.OrphanRows,
		m.InvalidMetricRows,
		m.Invalidations,
		m.TaskRetries,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
