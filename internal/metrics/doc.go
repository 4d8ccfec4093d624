// Package metrics provides Prometheus metrics for the node store.
//
// This package exposes metrics for:
//   - Merge latency and outcome (success, empty, conflict, error)
//   - Documents written per merge
//   - Version garbage collection runs, removed documents and blobs
//   - Orphaned blob backlog
//   - Key-value backend and object store operation latency by status
//
// Metrics are exposed via a dedicated HTTP server on /metrics in Prometheus format.
//
// Usage:
//
//	commitMetrics := metrics.NewCommitMetrics()
//	gcMetrics := metrics.NewGCMetrics()
//	kv = kvstore.NewInstrumentedStore(kv, metrics.NewKVMetrics())
//	objects = objectstore.NewInstrumentedStore(objects, metrics.NewObjectStoreMetrics())
//
//	store, err := nodestore.Open(ctx, kv, objects, nodestore.Options{
//	    CommitMetrics: commitMetrics,
//	    GCMetrics:     gcMetrics,
//	})
//
//	metricsServer := metrics.NewServer(":9090", metrics.ServerOptions{})
//	metricsServer.Start()
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Namespace prefixes every metric name.
const Namespace = "oak"

// Status label values.
const (
	StatusSuccess  = "success"
	StatusConflict = "conflict"
	StatusFailure  = "failure"
)

func status(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}

// defaultRegisterer is the registerer used by the New* constructors without
// an explicit registry.
var defaultRegisterer prometheus.Registerer = prometheus.DefaultRegisterer
