// Package nodestore is the document node store: it ties the document store,
// commit engine, checkpoint registry and version garbage collector to one
// backing key-value store and runs the background operations that keep a
// cluster node's view of the head revision current.
package nodestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nleite/jackrabbit-oak/internal/blob"
	"github.com/nleite/jackrabbit-oak/internal/checkpoint"
	"github.com/nleite/jackrabbit-oak/internal/clock"
	"github.com/nleite/jackrabbit-oak/internal/commit"
	"github.com/nleite/jackrabbit-oak/internal/document"
	"github.com/nleite/jackrabbit-oak/internal/gc"
	"github.com/nleite/jackrabbit-oak/internal/keys"
	"github.com/nleite/jackrabbit-oak/internal/kvstore"
	"github.com/nleite/jackrabbit-oak/internal/logging"
	"github.com/nleite/jackrabbit-oak/internal/objectstore"
	"github.com/nleite/jackrabbit-oak/internal/revision"
)

var (
	// ErrNodeNotFound is returned for a path with no node at the requested
	// revision.
	ErrNodeNotFound = errors.New("nodestore: node not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("nodestore: closed")
)

// DefaultAsyncDelay is the pause between background operations.
const DefaultAsyncDelay = time.Second

// Options configures a Store.
type Options struct {
	// ClusterID stamps the revisions this node writes. Cluster nodes sharing
	// a backend must use distinct ids.
	ClusterID uint16

	// AsyncDelay is the pause between background operations. Zero disables
	// them; callers then run RunBackgroundOperations themselves.
	AsyncDelay time.Duration

	MaxRevisionAge time.Duration

	// GCInterval is the time between periodic version garbage collections.
	// Zero disables periodic collection.
	GCInterval time.Duration

	// OrphanBlobInterval is the time between orphaned blob scans. Zero
	// disables them.
	OrphanBlobInterval time.Duration
	OrphanBlobTTL      time.Duration

	StaleCommitAge  time.Duration
	Compression     document.Compression
	InlineThreshold int

	Clock         clock.Clock
	Logger        *logging.Logger
	CommitMetrics commit.MetricsRecorder
	GCMetrics     gc.MetricsRecorder
}

// ClusterNode is the registration record a node store writes for itself.
type ClusterNode struct {
	ClusterID  uint16 `json:"clusterId"`
	InstanceID string `json:"instanceId"`
	StartedAt  int64  `json:"startedAt"`
}

// Store is a document node store.
type Store struct {
	kv          kvstore.Store
	docs        *document.KVStore
	journal     *commit.Journal
	gen         *revision.Generator
	blobs       *blob.Store
	engine      *commit.Engine
	checkpoints *checkpoint.Registry
	collector   *gc.Collector
	orphans     *gc.OrphanBlobWorker
	clock       clock.Clock
	opts        Options
	logger      *logging.Logger
	instanceID  string

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	doneCh chan struct{}
}

// Open creates a node store over kv and objects. It reads the commit
// journal, creates the root node if the backend is empty and starts the
// background operations.
func Open(ctx context.Context, kv kvstore.Store, objects objectstore.Store, opts Options) (*Store, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	if opts.StaleCommitAge <= 0 {
		opts.StaleCommitAge = commit.DefaultStaleCommitAge
	}
	if opts.InlineThreshold <= 0 {
		opts.InlineThreshold = blob.DefaultInlineThreshold
	}

	gen := revision.NewGenerator(opts.Clock, opts.ClusterID)
	s := &Store{
		kv:         kv,
		docs:       document.NewKVStore(kv, document.WithCompression(opts.Compression)),
		journal:    commit.NewJournal(kv, gen),
		gen:        gen,
		blobs:      blob.NewStore(objects, opts.InlineThreshold),
		clock:      opts.Clock,
		opts:       opts,
		instanceID: uuid.NewString(),
	}
	s.logger = opts.Logger.With(map[string]any{"clusterId": opts.ClusterID})
	s.engine = commit.NewEngine(s.docs, s.journal, s.gen, s.blobs, s.clock, commit.Config{StaleCommitAge: opts.StaleCommitAge}).
		WithLogger(s.logger.WithComponent("commit"))
	if opts.CommitMetrics != nil {
		s.engine.WithMetrics(opts.CommitMetrics)
	}
	s.checkpoints = checkpoint.NewRegistry(kv, s.clock).WithLogger(s.logger.WithComponent("checkpoint"))
	s.collector = gc.NewCollector(s.docs, s.journal, s.checkpoints, s.blobs, s.clock, gc.CollectorConfig{
		MaxRevisionAge: opts.MaxRevisionAge,
		StaleCommitAge: opts.StaleCommitAge,
		Interval:       opts.GCInterval,
	}).WithLogger(s.logger.WithComponent("gc"))
	if opts.GCMetrics != nil {
		s.collector.WithMetrics(opts.GCMetrics)
	}
	s.orphans = gc.NewOrphanBlobWorker(s.docs, s.blobs, s.clock, gc.OrphanBlobWorkerConfig{
		ScanInterval: opts.OrphanBlobInterval,
		OrphanTTL:    opts.OrphanBlobTTL,
	}).WithLogger(s.logger.WithComponent("blob-gc"))

	entries, err := s.journal.ReadNew(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.register(ctx); err != nil {
		return nil, err
	}
	if err := s.engine.Bootstrap(ctx); err != nil {
		return nil, err
	}

	s.logger.Infof("node store opened", map[string]any{
		"instanceId": s.instanceID,
		"head":       s.Head().String(),
		"journal":    len(entries),
	})
	s.start()
	return s, nil
}

func (s *Store) register(ctx context.Context) error {
	value, err := json.Marshal(ClusterNode{
		ClusterID:  s.opts.ClusterID,
		InstanceID: s.instanceID,
		StartedAt:  clock.Millis(s.clock),
	})
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, keys.ClusterKeyPath(s.opts.ClusterID), value); err != nil {
		return fmt.Errorf("nodestore: register cluster node %d: %w", s.opts.ClusterID, err)
	}
	return nil
}

func (s *Store) start() {
	if s.opts.AsyncDelay > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.doneCh = make(chan struct{})
		go s.backgroundLoop(ctx, s.doneCh)
	}
	s.collector.Start()
	if s.opts.OrphanBlobInterval > 0 {
		s.orphans.Start()
	}
}

func (s *Store) backgroundLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if err := clock.Sleep(ctx, s.clock, s.opts.AsyncDelay); err != nil {
			return
		}
		if err := s.RunBackgroundOperations(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warnf("background operations failed", map[string]any{"error": err.Error()})
		}
	}
}

// RunBackgroundOperations reads journal records written by other cluster
// nodes, which advances the head revision, and drops expired checkpoints.
func (s *Store) RunBackgroundOperations(ctx context.Context) error {
	entries, err := s.journal.ReadNew(ctx)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		s.logger.Debugf("background read", map[string]any{
			"entries": len(entries),
			"head":    s.Head().String(),
		})
	}
	_, err = s.checkpoints.PurgeExpired(ctx)
	return err
}

// ClusterID returns the id stamped on this node's revisions.
func (s *Store) ClusterID() uint16 {
	return s.opts.ClusterID
}

// InstanceID returns the unique id of this store instance.
func (s *Store) InstanceID() string {
	return s.instanceID
}

// Head returns the newest revision visible to this node.
func (s *Store) Head() revision.Revision {
	return s.journal.Head()
}

// Builder returns a builder on the current head.
func (s *Store) Builder() *commit.Builder {
	return commit.NewBuilder(s.Head())
}

// Merge commits b and returns the new head revision.
func (s *Store) Merge(ctx context.Context, b *commit.Builder) (revision.Revision, error) {
	if err := s.checkOpen(); err != nil {
		return revision.Revision{}, err
	}
	return s.engine.Merge(ctx, b)
}

// GetNode returns path as visible at rev.
func (s *Store) GetNode(ctx context.Context, path string, rev revision.Revision) (*document.Node, error) {
	if err := keys.ValidatePath(path); err != nil {
		return nil, err
	}
	doc, err := s.docs.Find(ctx, path)
	if err != nil {
		return nil, err
	}
	var n *document.Node
	if doc != nil {
		n = doc.NodeAt(rev, s.journal)
	}
	if n == nil {
		return nil, fmt.Errorf("%w: %s at %s", ErrNodeNotFound, path, rev)
	}
	return n, nil
}

// GetChildren returns the children of path visible at rev, ordered by path.
func (s *Store) GetChildren(ctx context.Context, path string, rev revision.Revision) ([]*document.Node, error) {
	if _, err := s.GetNode(ctx, path, rev); err != nil {
		return nil, err
	}
	docs, err := s.docs.Children(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make([]*document.Node, 0, len(docs))
	for _, doc := range docs {
		if n := doc.NodeAt(rev, s.journal); n != nil {
			out = append(out, n)
		}
	}
	return out, nil
}

// ReadBinary returns the bytes of a binary property of n.
func (s *Store) ReadBinary(ctx context.Context, n *document.Node, name string) ([]byte, error) {
	v, ok := n.Property(name)
	if !ok {
		return nil, fmt.Errorf("nodestore: %s has no property %q", n.Path, name)
	}
	return s.blobs.Read(ctx, v)
}

// Checkpoint pins the current head for lifetime and returns it.
func (s *Store) Checkpoint(ctx context.Context, lifetime time.Duration, info map[string]string) (revision.Revision, error) {
	if err := s.checkOpen(); err != nil {
		return revision.Revision{}, err
	}
	head := s.Head()
	if _, err := s.checkpoints.Create(ctx, head, lifetime, info); err != nil {
		return revision.Revision{}, err
	}
	return head, nil
}

// Release removes the checkpoint on rev.
func (s *Store) Release(ctx context.Context, rev revision.Revision) (bool, error) {
	return s.checkpoints.Release(ctx, rev)
}

// Retrieve returns the checkpoint on rev. It fails with
// checkpoint.ErrCheckpointExpired once the checkpoint has expired.
func (s *Store) Retrieve(ctx context.Context, rev revision.Revision) (checkpoint.Checkpoint, error) {
	return s.checkpoints.Retrieve(ctx, rev)
}

// Checkpoints returns the live checkpoints, oldest first.
func (s *Store) Checkpoints(ctx context.Context) ([]checkpoint.Checkpoint, error) {
	return s.checkpoints.Live(ctx)
}

// GetNodeAtCheckpoint reads path at a checkpoint's revision, failing if the
// checkpoint is unknown or expired.
func (s *Store) GetNodeAtCheckpoint(ctx context.Context, path string, cp revision.Revision) (*document.Node, error) {
	if _, err := s.checkpoints.Retrieve(ctx, cp); err != nil {
		return nil, err
	}
	return s.GetNode(ctx, path, cp)
}

// VersionGarbageCollector returns the store's collector.
func (s *Store) VersionGarbageCollector() *gc.Collector {
	return s.collector
}

// OrphanBlobWorker returns the store's orphaned blob worker.
func (s *Store) OrphanBlobWorker() *gc.OrphanBlobWorker {
	return s.orphans
}

// SetMaxRevisionAge changes the age removals must reach before they are
// collected.
func (s *Store) SetMaxRevisionAge(d time.Duration) {
	s.collector.SetMaxRevisionAge(d)
}

// Name identifies the store in readiness reports.
func (s *Store) Name() string {
	return "nodestore"
}

// CheckReady verifies the store is open and its registration is readable
// from the backend.
func (s *Store) CheckReady(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.kv.Get(ctx, keys.ClusterKeyPath(s.opts.ClusterID))
	if err != nil {
		return fmt.Errorf("nodestore: backend: %w", err)
	}
	if !res.Exists {
		return fmt.Errorf("nodestore: cluster node %d is not registered", s.opts.ClusterID)
	}
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the background operations and removes the cluster node
// registration. The backing stores stay open.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.doneCh
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.collector.Stop()
	s.orphans.Stop()

	if err := s.kv.Delete(ctx, keys.ClusterKeyPath(s.opts.ClusterID)); err != nil {
		return fmt.Errorf("nodestore: unregister cluster node %d: %w", s.opts.ClusterID, err)
	}
	s.logger.Infof("node store closed", map[string]any{"instanceId": s.instanceID})
	return nil
}
