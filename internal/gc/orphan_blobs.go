package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nleite/jackrabbit-oak/internal/blob"
	"github.com/nleite/jackrabbit-oak/internal/clock"
	"github.com/nleite/jackrabbit-oak/internal/document"
	"github.com/nleite/jackrabbit-oak/internal/logging"
	"github.com/nleite/jackrabbit-oak/internal/objectstore"
)

// OrphanBlobWorkerConfig configures the orphan blob worker.
type OrphanBlobWorkerConfig struct {
	// ScanInterval is the time between scans. Default: 1 hour.
	ScanInterval time.Duration

	// OrphanTTL is how old an unreferenced blob must be before it is
	// deleted. Blobs younger than this may belong to a merge still in
	// progress. Default: 24 hours.
	OrphanTTL time.Duration
}

// DefaultOrphanBlobWorkerConfig returns a default configuration.
func DefaultOrphanBlobWorkerConfig() OrphanBlobWorkerConfig {
	return OrphanBlobWorkerConfig{
		ScanInterval: time.Hour,
		OrphanTTL:    24 * time.Hour,
	}
}

// OrphanBlobWorker deletes blobs that no document references.
//
// Orphaned blobs occur when:
//   - a merge uploads a binary value
//   - the merge fails and the process stops before its rollback deletes
//     the upload, or
//   - a stale uncommitted value is purged from its document by a later
//     writer.
//
// Blobs referenced by collected documents are deleted by the Collector
// itself; this worker only handles what nothing points at any more.
type OrphanBlobWorker struct {
	store  document.Store
	blobs  *blob.Store
	clock  clock.Clock
	config OrphanBlobWorkerConfig
	logger *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewOrphanBlobWorker creates a new orphan blob worker.
func NewOrphanBlobWorker(store document.Store, blobs *blob.Store, clk clock.Clock, config OrphanBlobWorkerConfig) *OrphanBlobWorker {
	if config.ScanInterval <= 0 {
		config.ScanInterval = time.Hour
	}
	if config.OrphanTTL <= 0 {
		config.OrphanTTL = 24 * time.Hour
	}
	return &OrphanBlobWorker{
		store:  store,
		blobs:  blobs,
		clock:  clk,
		config: config,
		logger: logging.Global(),
	}
}

// WithLogger sets the logger.
func (w *OrphanBlobWorker) WithLogger(l *logging.Logger) *OrphanBlobWorker {
	if l != nil {
		w.logger = l
	}
	return w
}

// Start begins the background loop.
func (w *OrphanBlobWorker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.run()
}

// Stop stops the worker and waits for it to complete.
func (w *OrphanBlobWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func (w *OrphanBlobWorker) run() {
	defer close(w.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if err := clock.Sleep(ctx, w.clock, w.config.ScanInterval); err != nil {
			return
		}
		if _, err := w.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warnf("orphan blob scan failed", map[string]any{"error": err.Error()})
		}
	}
}

// ScanOnce performs a single scan synchronously and returns the number of
// blobs deleted.
func (w *OrphanBlobWorker) ScanOnce(ctx context.Context) (int, error) {
	orphans, err := w.candidates(ctx)
	if err != nil || len(orphans) == 0 {
		return 0, err
	}

	referenced, err := w.referenced(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, info := range orphans {
		if _, ok := referenced[info.ID]; ok {
			continue
		}
		if _, err := w.blobs.Delete(ctx, info.Reference()); err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		w.logger.Infof("orphan blobs deleted", map[string]any{"count": deleted})
	}
	return deleted, nil
}

// GetOrphanCount returns the number of blobs older than the TTL, whether or
// not they are referenced.
func (w *OrphanBlobWorker) GetOrphanCount(ctx context.Context) (int, error) {
	orphans, err := w.candidates(ctx)
	return len(orphans), err
}

func (w *OrphanBlobWorker) candidates(ctx context.Context) ([]blob.Info, error) {
	infos, err := w.blobs.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := w.clock.Now().Add(-w.config.OrphanTTL).UnixMilli()
	out := infos[:0]
	for _, info := range infos {
		if info.CreatedAt < cutoff {
			out = append(out, info)
		}
	}
	return out, nil
}

// referenced collects the ids of every blob any stored value points at,
// including values only reachable through history.
func (w *OrphanBlobWorker) referenced(ctx context.Context) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	for doc, err := range w.store.FindModifiedSince(ctx, 0) {
		if err != nil {
			return nil, fmt.Errorf("gc: scan references: %w", err)
		}
		for v := range doc.Values() {
			if id, ok := blob.ParseReference(v); ok {
				ids[id] = struct{}{}
			}
		}
	}
	return ids, nil
}
