package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nleite/jackrabbit-oak/internal/admin"
	"github.com/nleite/jackrabbit-oak/internal/config"
	"github.com/nleite/jackrabbit-oak/internal/document"
	"github.com/nleite/jackrabbit-oak/internal/kvstore"
	"github.com/nleite/jackrabbit-oak/internal/kvstore/oxia"
	"github.com/nleite/jackrabbit-oak/internal/logging"
	"github.com/nleite/jackrabbit-oak/internal/metrics"
	"github.com/nleite/jackrabbit-oak/internal/nodestore"
	"github.com/nleite/jackrabbit-oak/internal/objectstore"
	"github.com/nleite/jackrabbit-oak/internal/objectstore/s3"
)

// NodeOptions contains the configuration for creating a node.
type NodeOptions struct {
	Config    *config.Config
	Logger    *logging.Logger
	Version   string
	GitCommit string
	BuildTime string
}

// Node is a running oakd cluster node: a node store over the configured
// backends plus its admin and metrics servers.
type Node struct {
	opts     NodeOptions
	logger   *logging.Logger
	registry *prometheus.Registry

	kv            kvstore.Store
	objects       objectstore.Store
	store         *nodestore.Store
	adminServer   *admin.Server
	metricsServer *metrics.Server
	backlog       *metrics.GCBacklogScanner

	mu      sync.Mutex
	started bool
}

// NewNode creates a Node but does not start it.
func NewNode(opts NodeOptions) *Node {
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	return &Node{opts: opts, logger: opts.Logger}
}

// backends holds the raw stores before instrumentation.
type backends struct {
	kv          kvstore.Store
	objects     objectstore.Store
	kvBackend   string
	blobBackend string
}

func (b *backends) Close() {
	if b.objects != nil {
		_ = b.objects.Close()
	}
	if b.kv != nil {
		_ = b.kv.Close()
	}
}

// openBackends connects to the key-value backend and blob store named by cfg.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{kvBackend: cfg.Backend.Type, blobBackend: cfg.BlobStore.Type}

	switch cfg.Backend.Type {
	case config.BackendOxia:
		store, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.Oxia.Endpoint,
			Namespace:      cfg.Oxia.Namespace,
			RequestTimeout: cfg.Oxia.RequestTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Oxia at %s: %w", cfg.Oxia.Endpoint, err)
		}
		b.kv = store
	default:
		b.kv = kvstore.NewMemoryStore()
	}

	switch cfg.BlobStore.Type {
	case config.BlobStoreS3:
		store, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.BlobStore.Bucket,
			Region:          cfg.BlobStore.Region,
			Endpoint:        cfg.BlobStore.Endpoint,
			AccessKeyID:     cfg.BlobStore.AccessKey,
			SecretAccessKey: cfg.BlobStore.SecretKey,
			UsePathStyle:    cfg.BlobStore.UsePathStyle,
			KeyPrefix:       cfg.BlobStore.KeyPrefix,
		})
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to open S3 blob store: %w", err)
		}
		b.objects = store
	default:
		b.objects = objectstore.NewMemoryStore()
	}
	return b, nil
}

// storeOptions maps the configuration onto node store options.
func storeOptions(cfg *config.Config, logger *logging.Logger) (nodestore.Options, error) {
	compression, err := document.ParseCompression(cfg.Store.Compression)
	if err != nil {
		return nodestore.Options{}, err
	}
	return nodestore.Options{
		ClusterID:          cfg.Store.ClusterID,
		AsyncDelay:         cfg.Store.AsyncDelay,
		MaxRevisionAge:     cfg.GC.MaxRevisionAge,
		GCInterval:         cfg.GC.Interval,
		OrphanBlobInterval: cfg.GC.OrphanBlobInterval,
		OrphanBlobTTL:      cfg.GC.OrphanBlobTTL,
		StaleCommitAge:     cfg.Store.StaleCommitAge,
		Compression:        compression,
		InlineThreshold:    cfg.BlobStore.InlineThreshold,
		Logger:             logger,
	}, nil
}

// Start opens the node store and starts the admin and metrics servers.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("node already started")
	}
	n.started = true
	cfg := n.opts.Config

	n.logger.Infof("starting node", map[string]any{
		"clusterId": cfg.Store.ClusterID,
		"backend":   cfg.Backend.Type,
		"blobStore": cfg.BlobStore.Type,
		"version":   n.opts.Version,
	})

	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	raw, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	n.kv = kvstore.NewInstrumentedStore(raw.kv, metrics.NewKVMetricsWithRegistry(n.registry, raw.kvBackend))
	n.objects = objectstore.NewInstrumentedStore(raw.objects, metrics.NewObjectStoreMetricsWithRegistry(n.registry))

	opts, err := storeOptions(cfg, n.logger)
	if err != nil {
		raw.Close()
		return err
	}
	gcMetrics := metrics.NewGCMetricsWithRegistry(n.registry)
	opts.CommitMetrics = metrics.NewCommitMetricsWithRegistry(n.registry)
	opts.GCMetrics = gcMetrics

	n.store, err = nodestore.Open(ctx, n.kv, n.objects, opts)
	if err != nil {
		raw.Close()
		return fmt.Errorf("failed to open node store: %w", err)
	}

	if cfg.GC.OrphanBlobInterval > 0 {
		n.backlog = metrics.NewGCBacklogScanner(gcMetrics, n.store.OrphanBlobWorker(), cfg.GC.OrphanBlobInterval)
		n.backlog.Start()
	}

	n.metricsServer = metrics.NewServer(cfg.Observability.MetricsAddr, metrics.ServerOptions{
		Gatherer:   n.registry,
		Registerer: n.registry,
		Logger:     n.logger,
	})
	if err := n.metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	health := admin.NewHealth()
	health.RegisterReadinessCheck(n.store)
	n.adminServer = admin.NewServer(cfg.Admin.ListenAddr, n.store, health, n.metricsServer.Handler(), n.logger)
	if err := n.adminServer.Start(); err != nil {
		return fmt.Errorf("failed to start admin server: %w", err)
	}

	n.logger.Infof("node started", map[string]any{
		"instanceId":  n.store.InstanceID(),
		"head":        n.store.Head().String(),
		"adminAddr":   n.adminServer.Addr(),
		"metricsAddr": n.metricsServer.Addr(),
	})
	return nil
}

// Store returns the node store once the node has started.
func (n *Node) Store() *nodestore.Store {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.store
}

// AdminAddr returns the bound admin address.
func (n *Node) AdminAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.adminServer == nil {
		return ""
	}
	return n.adminServer.Addr()
}

// Shutdown stops the servers, closes the node store and releases the
// backends.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil
	}
	n.started = false

	var errs []error
	if n.adminServer != nil {
		errs = append(errs, n.adminServer.Close())
	}
	if n.metricsServer != nil {
		errs = append(errs, n.metricsServer.Close())
	}
	if n.backlog != nil {
		n.backlog.Stop()
	}
	if n.store != nil {
		errs = append(errs, n.store.Close(ctx))
	}
	if n.objects != nil {
		errs = append(errs, n.objects.Close())
	}
	if n.kv != nil {
		errs = append(errs, n.kv.Close())
	}
	return errors.Join(errs...)
}
