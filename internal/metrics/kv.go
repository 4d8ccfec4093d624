package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// KVMetrics holds metrics related to the key-value backend.
type KVMetrics struct {
	// LatencyHistogram tracks backend operation latencies broken down by operation and status.
	// Labels: backend (memory, oxia), operation (get, put, delete, list), status (success, conflict, failure)
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal tracks total backend operations by operation and status.
	RequestsTotal *prometheus.CounterVec

	backend string
}

// Key-value operation label values.
const (
	OpGet    = "get"
	OpPut    = "put"
	OpDelete = "delete"
	OpList   = "list"
)

// DefaultKVLatencyBuckets are latency buckets for backend operations, which
// are typically fast (sub-ms to tens of ms).
var DefaultKVLatencyBuckets = []float64{
	0.0001, // 0.1ms
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.002,  // 2ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.025,  // 25ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.25,   // 250ms
	0.5,    // 500ms
	1.0,    // 1s
	2.5,    // 2.5s
	5.0,    // 5s
}

// NewKVMetrics creates backend metrics registered with the default registry.
func NewKVMetrics(backend string) *KVMetrics {
	return NewKVMetricsWithRegistry(defaultRegisterer, backend)
}

// NewKVMetricsWithRegistry creates backend metrics registered with reg.
func NewKVMetricsWithRegistry(reg prometheus.Registerer, backend string) *KVMetrics {
	f := promauto.With(reg)
	return &KVMetrics{
		LatencyHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "kv",
				Name:      "operation_latency_seconds",
				Help:      "Key-value backend operation latency in seconds, broken down by operation and status.",
				Buckets:   DefaultKVLatencyBuckets,
			},
			[]string{"backend", "operation", "status"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "kv",
				Name:      "operations_total",
				Help:      "Total number of key-value backend operations, broken down by operation and status.",
			},
			[]string{"backend", "operation", "status"},
		),
		backend: backend,
	}
}

// RecordOperation records one backend call. status is one of StatusSuccess,
// StatusConflict or StatusFailure.
func (m *KVMetrics) RecordOperation(operation string, durationSeconds float64, status string) {
	m.LatencyHistogram.WithLabelValues(m.backend, operation, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(m.backend, operation, status).Inc()
}
