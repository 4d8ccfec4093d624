package gc

import (
	"context"
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
	"github.com/nleite/jackrabbit-oak/internal/logging"
	"github.com/nleite/jackrabbit-oak/internal/revision"
)

// ErrGCRunning is returned when a collection is requested while another one
// is still in progress on the same collector.
var ErrGCRunning = errors.New("gc: collection already running")

// DefaultMaxRevisionAge is how long a removal must be in the past before the
// removed documents are collected.
const DefaultMaxRevisionAge = 24 * time.Hour

// State is the collector's position in its run cycle.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateSkipped
	StateCollecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateSkipped:
		return "skipped"
	case StateCollecting:
		return "collecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stats is the result of one collection.
type Stats struct {
	// RunID correlates the run's log lines.
	RunID string `json:"runId"`

	// IgnoredGCDueToCheckPoint is set when a live checkpoint older than the
	// collection horizon prevented the run. Nothing was removed.
	IgnoredGCDueToCheckPoint bool `json:"ignoredGCDueToCheckPoint"`

	// CandidateCount is the number of documents the scan returned.
	CandidateCount int `json:"candidateCount"`

	// DeletedDocCount is the number of documents physically removed.
	DeletedDocCount int `json:"deletedDocCount"`

	// DeletedBlobCount is the number of blobs removed with them.
	DeletedBlobCount int `json:"deletedBlobCount"`

	// RevertedCommitCount is the number of stale commit intents whose
	// entries were purged from the documents they name.
	RevertedCommitCount int `json:"revertedCommitCount"`

	// PurgedDocCount is the number of documents removed because they held
	// nothing but entries of reverted commits.
	PurgedDocCount int `json:"purgedDocCount"`

	// CompactedJournalRecords is the number of journal records deleted
	// below the new journal base.
	CompactedJournalRecords int `json:"compactedJournalRecords"`

	// OlderThan is the collection horizon in Unix milliseconds.
	OlderThan int64 `json:"olderThan"`

	Elapsed time.Duration `json:"elapsed"`
}

func (s Stats) String() string {
	return fmt.Sprintf("VersionGCStats{ignoredGCDueToCheckPoint=%t, candidates=%d, deletedDocs=%d, deletedBlobs=%d, revertedCommits=%d, purgedDocs=%d, compactedJournal=%d, elapsed=%s}",
		s.IgnoredGCDueToCheckPoint, s.CandidateCount, s.DeletedDocCount, s.DeletedBlobCount,
		s.RevertedCommitCount, s.PurgedDocCount, s.CompactedJournalRecords, s.Elapsed)
}

// MetricsRecorder receives one observation per collection. Outcome is one of
// "collected", "skipped" or "error".
type MetricsRecorder interface {
	RecordRun(durationSeconds float64, outcome string, deletedDocs, deletedBlobs int)
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	// MaxRevisionAge defaults to DefaultMaxRevisionAge.
	MaxRevisionAge time.Duration

	// StaleCommitAge is how old an unfinished commit intent must be before
	// its entries are reverted. Defaults to commit.DefaultStaleCommitAge.
	StaleCommitAge time.Duration

	// Interval is the time between periodic collections started by Start.
	// Zero disables periodic collection.
	Interval time.Duration
}

// Collector is the version garbage collector. It physically removes
// documents whose removal is older than the max revision age and is no
// longer observable through a live checkpoint. It also reverts the entries
// of commits that failed without cleaning up and compacts the journal up
// to the horizon.
type Collector struct {
	store       document.Store
	journal     *commit.Journal
	checkpoints *checkpoint.Registry
	blobs       *blob.Store
	clock       clock.Clock
	metrics     MetricsRecorder
	logger      *logging.Logger

	staleAge time.Duration

	mu       sync.Mutex
	maxAge   time.Duration
	interval time.Duration
	state    State
	last     *Stats
	cancel   context.CancelFunc
	doneCh   chan struct{}
}

// NewCollector creates a collector. The journal decides which deletion
// revisions are committed; blobs may be nil when no binaries are stored.
func NewCollector(store document.Store, journal *commit.Journal, checkpoints *checkpoint.Registry, blobs *blob.Store, clk clock.Clock, config CollectorConfig) *Collector {
	if config.MaxRevisionAge <= 0 {
		config.MaxRevisionAge = DefaultMaxRevisionAge
	}
	if config.StaleCommitAge <= 0 {
		config.StaleCommitAge = commit.DefaultStaleCommitAge
	}
	return &Collector{
		store:       store,
		journal:     journal,
		checkpoints: checkpoints,
		blobs:       blobs,
		clock:       clk,
		logger:      logging.Global(),
		staleAge:    config.StaleCommitAge,
		maxAge:      config.MaxRevisionAge,
		interval:    config.Interval,
	}
}

// WithMetrics sets the metrics recorder.
func (c *Collector) WithMetrics(m MetricsRecorder) *Collector {
	c.metrics = m
	return c
}

// WithLogger sets the logger.
func (c *Collector) WithLogger(l *logging.Logger) *Collector {
	if l != nil {
		c.logger = l
	}
	return c
}

// SetMaxRevisionAge changes the collection horizon for subsequent runs.
func (c *Collector) SetMaxRevisionAge(d time.Duration) {
	c.mu.Lock()
	c.maxAge = d
	c.mu.Unlock()
}

// MaxRevisionAge returns the current collection horizon.
func (c *Collector) MaxRevisionAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxAge
}

// State returns the current run state.
func (c *Collector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastStats returns the stats of the last completed run.
func (c *Collector) LastStats() (Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Stats{}, false
	}
	return *c.last, true
}

func (c *Collector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Collect runs one collection. It returns ErrGCRunning if another run is in
// progress. Documents that no longer qualify when they are re-read are
// skipped silently.
func (c *Collector) Collect(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return Stats{}, ErrGCRunning
	}
	c.state = StateScanning
	maxAge := c.maxAge
	c.mu.Unlock()

	start := time.Now()
	stats := Stats{RunID: uuid.NewString()}
	ctx = logging.WithCorrelationIDCtx(ctx, stats.RunID)
	log := logging.ContextLogger(ctx, c.logger)

	outcome := "collected"
	err := c.collect(ctx, maxAge, &stats)
	stats.Elapsed = time.Since(start)
	switch {
	case err != nil:
		outcome = "error"
		log.Errorf("version gc failed", map[string]any{"error": err.Error(), "deletedDocs": stats.DeletedDocCount})
	case stats.IgnoredGCDueToCheckPoint:
		outcome = "skipped"
		log.Warnf("version gc skipped: checkpoint older than horizon", map[string]any{"olderThan": stats.OlderThan})
	default:
		log.Infof("version gc done", map[string]any{
			"candidates":       stats.CandidateCount,
			"deletedDocs":      stats.DeletedDocCount,
			"deletedBlobs":     stats.DeletedBlobCount,
			"revertedCommits":  stats.RevertedCommitCount,
			"purgedDocs":       stats.PurgedDocCount,
			"compactedJournal": stats.CompactedJournalRecords,
			"elapsedMs":        stats.Elapsed.Milliseconds(),
		})
	}
	if c.metrics != nil {
		c.metrics.RecordRun(stats.Elapsed.Seconds(), outcome, stats.DeletedDocCount, stats.DeletedBlobCount)
	}

	c.mu.Lock()
	c.state = StateIdle
	if err == nil {
		c.last = &stats
	}
	c.mu.Unlock()
	return stats, err
}

func (c *Collector) collect(ctx context.Context, maxAge time.Duration, stats *Stats) error {
	olderThan := c.clock.Now().Add(-maxAge).UnixMilli()
	stats.OlderThan = olderThan

	protection, err := c.checkpoints.Protection(ctx)
	if err != nil {
		return err
	}
	if oldest, ok := protection.Oldest(); ok && oldest.Timestamp < olderThan {
		stats.IgnoredGCDueToCheckPoint = true
		c.setState(StateSkipped)
		return nil
	}

	if _, err := c.journal.ReadNew(ctx); err != nil {
		return fmt.Errorf("gc: read journal: %w", err)
	}
	pending, err := c.revertStaleCommits(ctx, stats)
	if err != nil {
		return err
	}

	var candidates []*document.Document
	for doc, err := range c.store.FindPossiblyDeleted(ctx, olderThan) {
		if err != nil {
			return fmt.Errorf("gc: scan: %w", err)
		}
		candidates = append(candidates, doc)
	}
	stats.CandidateCount = len(candidates)

	c.setState(StateCollecting)
	for _, doc := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.collectible(doc, olderThan, protection) {
			continue
		}
		removed, err := c.store.RemoveIfUnchanged(ctx, doc)
		if err != nil {
			return fmt.Errorf("gc: remove %s: %w", doc.Path, err)
		}
		if !removed {
			continue
		}
		stats.DeletedDocCount++
		n, err := c.deleteBlobs(ctx, doc)
		stats.DeletedBlobCount += n
		if err != nil {
			return err
		}
	}

	return c.compactJournal(ctx, olderThan, protection, pending, stats)
}

// revertStaleCommits resolves the intents older than the stale commit age.
// An intent whose commit was recorded is simply deleted. Otherwise the
// entries of its revision are purged from every document it names first.
// It returns the oldest intent that is still outstanding.
func (c *Collector) revertStaleCommits(ctx context.Context, stats *Stats) (revision.Revision, error) {
	intents, err := c.journal.Intents(ctx)
	if err != nil {
		return revision.Revision{}, err
	}
	cutoff := clock.Millis(c.clock) - c.staleAge.Milliseconds()
	log := logging.ContextLogger(ctx, c.logger)

	var pending revision.Revision
	for _, intent := range intents {
		rev := intent.Revision
		if rev.Timestamp >= cutoff {
			if pending.IsZero() {
				pending = rev
			}
			continue
		}
		if !c.journal.IsCommitted(rev) {
			purged, err := c.revert(ctx, intent)
			stats.PurgedDocCount += purged
			if err != nil {
				log.Warnf("stale commit not reverted", map[string]any{"revision": rev.String(), "error": err.Error()})
				if pending.IsZero() {
					pending = rev
				}
				continue
			}
			stats.RevertedCommitCount++
			log.Infof("stale commit reverted", map[string]any{"revision": rev.String(), "paths": len(intent.Paths)})
		}
		if err := c.journal.Finish(ctx, rev); err != nil {
			return revision.Revision{}, err
		}
	}
	return pending, nil
}

func (c *Collector) revert(ctx context.Context, intent commit.JournalEntry) (int, error) {
	purged := 0
	for _, path := range intent.Paths {
		removed, err := commit.RevertDocument(ctx, c.store, path, intent.Revision)
		if err != nil {
			return purged, fmt.Errorf("%s: %w", path, err)
		}
		if removed {
			purged++
		}
	}
	return purged, nil
}

// compactJournal moves the journal base to the newest revision that no
// checkpoint reads below and that precedes every outstanding intent.
func (c *Collector) compactJournal(ctx context.Context, olderThan int64, protection checkpoint.Protection, pending revision.Revision, stats *Stats) error {
	upTo := revision.New(olderThan-1, 0, 0)
	if oldest, ok := protection.Oldest(); ok {
		upTo = revision.Min(upTo, oldest)
	}
	if !pending.IsZero() {
		upTo = revision.Min(upTo, revision.New(pending.Timestamp-1, 0, 0))
	}
	if upTo.Timestamp <= 0 {
		return nil
	}
	n, err := c.journal.Compact(ctx, upTo)
	stats.CompactedJournalRecords = n
	if err != nil {
		return fmt.Errorf("gc: compact journal: %w", err)
	}
	return nil
}

// collectible re-verifies a scan candidate: it must still be removed, by a
// committed revision older than the horizon that no checkpoint in the
// snapshot can observe. Age and protection are judged on the commit
// revision the removal became visible at.
func (c *Collector) collectible(doc *document.Document, olderThan int64, protection checkpoint.Protection) bool {
	if doc.DeletedAt == nil || doc.DeletedAt.Branch {
		return false
	}
	visibleAt, ok := c.journal.CommitRevision(*doc.DeletedAt)
	if !ok || visibleAt.Timestamp >= olderThan {
		return false
	}
	return !protection.Protects(visibleAt)
}

func (c *Collector) deleteBlobs(ctx context.Context, doc *document.Document) (int, error) {
	if c.blobs == nil {
		return 0, nil
	}
	deleted := 0
	for v := range doc.Values() {
		ref, err := c.blobs.Delete(ctx, v)
		if err != nil {
			return deleted, err
		}
		if ref {
			deleted++
		}
	}
	return deleted, nil
}

// Start begins periodic collection every configured interval. It does
// nothing if the interval is zero or the loop is already running.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interval <= 0 || c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.doneCh = make(chan struct{})
	go c.run(ctx, c.interval, c.doneCh)
}

// Stop stops periodic collection and waits for an in-progress run.
func (c *Collector) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.doneCh
	c.cancel, c.doneCh = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Collector) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	for {
		if err := clock.Sleep(ctx, c.clock, interval); err != nil {
			return
		}
		if _, err := c.Collect(ctx); err != nil && !errors.Is(err, ErrGCRunning) && ctx.Err() == nil {
			c.logger.Warnf("periodic version gc failed", map[string]any{"error": err.Error()})
		}
	}
}
