package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CommitMetrics holds metrics related to merges.
type CommitMetrics struct {
	// MergeLatency tracks merge latency by outcome.
	// Labels: outcome (success, empty, conflict, error)
	MergeLatency *prometheus.HistogramVec

	// MergesTotal counts merges by outcome.
	MergesTotal *prometheus.CounterVec

	// DocumentsPerMerge tracks how many documents a successful merge wrote.
	DocumentsPerMerge prometheus.Histogram
}

// Merge outcome label values.
const (
	OutcomeSuccess  = "success"
	OutcomeEmpty    = "empty"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// DefaultMergeLatencyBuckets cover single document merges on an in-memory
// backend up to large subtree removals over the network.
var DefaultMergeLatencyBuckets = []float64{
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.025,  // 25ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.25,   // 250ms
	0.5,    // 500ms
	1.0,    // 1s
	5.0,    // 5s
}

// NewCommitMetrics creates commit metrics registered with the default registry.
func NewCommitMetrics() *CommitMetrics {
	return NewCommitMetricsWithRegistry(defaultRegisterer)
}

// NewCommitMetricsWithRegistry creates commit metrics registered with reg.
func NewCommitMetricsWithRegistry(reg prometheus.Registerer) *CommitMetrics {
	f := promauto.With(reg)
	return &CommitMetrics{
		MergeLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "commit",
				Name:      "merge_latency_seconds",
				Help:      "Merge latency in seconds, broken down by outcome.",
				Buckets:   DefaultMergeLatencyBuckets,
			},
			[]string{"outcome"},
		),
		MergesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "commit",
				Name:      "merges_total",
				Help:      "Total number of merges, broken down by outcome.",
			},
			[]string{"outcome"},
		),
		DocumentsPerMerge: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "commit",
				Name:      "documents_per_merge",
				Help:      "Number of documents written by a successful merge.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
	}
}

// RecordMerge records one merge.
func (m *CommitMetrics) RecordMerge(durationSeconds float64, outcome string, documents int) {
	m.MergeLatency.WithLabelValues(outcome).Observe(durationSeconds)
	m.MergesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess {
		m.DocumentsPerMerge.Observe(float64(documents))
	}
}
