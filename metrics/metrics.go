// Package metrics exposes Prometheus instrumentation for the pipeline: how
// many processing batches ran, how they ended, how long they took, and how
// many items reached each terminal status.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineMetrics bundles the collectors the scheduler records into.
type PipelineMetrics struct {
	BatchesStarted   prometheus.Counter
	BatchesCompleted prometheus.Counter
	BatchesFailed    prometheus.Counter
	// ItemsByStatus counts items per terminal status name (FINISHED, ERROR).
	ItemsByStatus *prometheus.CounterVec
	// BatchDuration observes the wall time of one full batch pipeline run.
	BatchDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewPipelineMetrics builds the collectors on a private registry so repeated
// construction (tests, restarts) never double-registers.
func NewPipelineMetrics() *PipelineMetrics {
	m := &PipelineMetrics{
		BatchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_batches_started_total",
			Help: "Number of processing batches the scheduler started.",
		}),
		BatchesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_batches_completed_total",
			Help: "Number of processing batches that ran to completion.",
		}),
		BatchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_batches_failed_total",
			Help: "Number of processing batches that failed batch-wide.",
		}),
		ItemsByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_items_total",
			Help: "Number of items that reached a terminal status.",
		}, []string{"status"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "workflow_batch_duration_seconds",
			Help:    "Wall time of one full batch pipeline run.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		m.BatchesStarted, m.BatchesCompleted, m.BatchesFailed,
		m.ItemsByStatus, m.BatchDuration,
	)
	return m
}

// Handler serves the metrics in Prometheus exposition format.
func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
