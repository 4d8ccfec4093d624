// Package commit turns a Builder's pending edits into one atomic revision.
//
// A merge first persists an intent naming every path it may touch. Every
// touched document is then written with a conditional update that expects
// the LastModified read just before. A document holding a revision the
// builder's base does not see, committed after the base or possibly still
// in flight on another writer, is a merge conflict. Once all documents are
// written the revision is recorded in the journal, which is what makes it
// visible, and the intent is deleted. A failed merge restores the documents
// it already wrote; an intent left behind lets the version garbage
// collector purge what a failed rollback could not.
package commit

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/nleite/jackrabbit-oak/internal/blob"
	"github.com/nleite/jackrabbit-oak/internal/clock"
	"github.com/nleite/jackrabbit-oak/internal/document"
	"github.com/nleite/jackrabbit-oak/internal/keys"
	"github.com/nleite/jackrabbit-oak/internal/logging"
	"github.com/nleite/jackrabbit-oak/internal/revision"
)

// ErrMergeConflict is returned when a concurrent change invalidated the
// builder's base. The caller may rebuild its changes on a newer base and
// retry.
var ErrMergeConflict = errors.New("commit: merge conflict")

// ErrCommitExpired is returned when a merge took longer than the stale
// commit age. Other writers may already have purged its entries, so it is
// rolled back instead of recorded.
var ErrCommitExpired = errors.New("commit: merge outlived the stale commit age")

// ConflictError describes the document that caused a merge conflict.
type ConflictError struct {
	Path string
	// Revision is the concurrent change, when known.
	Revision revision.Revision
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.Revision.IsZero() {
		return fmt.Sprintf("commit: merge conflict on %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("commit: merge conflict on %s: %s (%s)", e.Path, e.Reason, e.Revision)
}

func (e *ConflictError) Unwrap() error { return ErrMergeConflict }

// DefaultStaleCommitAge is how old an uncommitted revision must be before
// other writers treat its entries as leftovers of a failed commit.
const DefaultStaleCommitAge = 10 * time.Minute

const rollbackAttempts = 3

// MetricsRecorder receives one observation per merge. Outcome is one of
// "success", "empty", "conflict" or "error".
type MetricsRecorder interface {
	RecordMerge(durationSeconds float64, outcome string, documents int)
}

// Config configures an Engine.
type Config struct {
	// StaleCommitAge defaults to DefaultStaleCommitAge.
	StaleCommitAge time.Duration
}

// Engine merges builders into the document store.
type Engine struct {
	store   document.Store
	journal *Journal
	gen     *revision.Generator
	blobs   *blob.Store
	clock   clock.Clock
	config  Config
	metrics MetricsRecorder
	logger  *logging.Logger
}

// NewEngine creates a merge engine.
func NewEngine(store document.Store, journal *Journal, gen *revision.Generator, blobs *blob.Store, clk clock.Clock, config Config) *Engine {
	if config.StaleCommitAge <= 0 {
		config.StaleCommitAge = DefaultStaleCommitAge
	}
	return &Engine{
		store:   store,
		journal: journal,
		gen:     gen,
		blobs:   blobs,
		clock:   clk,
		config:  config,
		logger:  logging.Global(),
	}
}

// WithMetrics sets the metrics recorder.
func (e *Engine) WithMetrics(m MetricsRecorder) *Engine {
	e.metrics = m
	return e
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(l *logging.Logger) *Engine {
	if l != nil {
		e.logger = l
	}
	return e
}

// Merge commits the builder's edits under a new revision and returns it. A
// builder whose edits change no document is closed and its base returned. On failure
// nothing is visible and the builder stays open, so the caller may discard
// it and retry on a newer base.
func (e *Engine) Merge(ctx context.Context, b *Builder) (revision.Revision, error) {
	if err := b.checkOpen(); err != nil {
		return revision.Revision{}, err
	}
	start := time.Now()
	if b.IsEmpty() {
		b.state = StateCommitted
		e.record(start, "empty", 0)
		return b.base, nil
	}

	m := &merge{
		Engine: e,
		base:   b.base,
		rev:    e.gen.Next(),
	}
	log := logging.ContextLogger(ctx, e.logger).With(map[string]any{
		"revision": m.rev.String(),
		"base":     m.base.String(),
	})

	err := m.run(ctx, b.Changes())
	if err == nil && len(m.written) == 0 {
		m.finish(ctx, log)
		b.state = StateCommitted
		e.record(start, "empty", 0)
		return b.base, nil
	}
	if err == nil && m.expired() {
		err = fmt.Errorf("%w: %s", ErrCommitExpired, m.rev)
	}
	var commitRev revision.Revision
	if err == nil {
		commitRev, err = e.journal.Record(ctx, JournalEntry{
			Revision:  m.rev,
			ClusterID: e.gen.ClusterID(),
			Paths:     m.paths(),
		})
	}
	if err != nil {
		if m.rollback(ctx, log) {
			m.finish(ctx, log)
		}
		outcome := "error"
		if errors.Is(err, ErrMergeConflict) {
			outcome = "conflict"
		}
		e.record(start, outcome, len(m.written))
		log.Debugf("merge failed", map[string]any{"error": err.Error()})
		return revision.Revision{}, err
	}

	m.finish(ctx, log)
	b.state = StateCommitted
	e.record(start, "success", len(m.written))
	log.Debugf("merged", map[string]any{"documents": len(m.written), "commitRevision": commitRev.String()})
	return commitRev, nil
}

// Bootstrap creates the root node when the store holds no documents yet.
// It is safe to call from several cluster nodes at once.
func (e *Engine) Bootstrap(ctx context.Context) error {
	root, err := e.store.Find(ctx, keys.RootPath)
	if err != nil || root != nil {
		return err
	}
	entry := JournalEntry{Revision: e.gen.Next(), ClusterID: e.gen.ClusterID(), Paths: []string{keys.RootPath}}
	if err := e.journal.Begin(ctx, entry); err != nil {
		return err
	}
	root = document.New(keys.RootPath)
	root.MarkCreated(entry.Revision)
	status, err := e.store.CreateOrUpdate(ctx, root, revision.Revision{})
	switch status {
	case document.StatusUpdated:
		if _, err := e.journal.Record(ctx, entry); err != nil {
			return err
		}
	case document.StatusConflict:
	default:
		return err
	}
	return e.journal.Finish(ctx, entry.Revision)
}

func (e *Engine) record(start time.Time, outcome string, docs int) {
	if e.metrics != nil {
		e.metrics.RecordMerge(time.Since(start).Seconds(), outcome, docs)
	}
}

// merge is the state of one Merge call.
type merge struct {
	*Engine
	base revision.Revision
	rev  revision.Revision

	// begun is set once the intent is persisted.
	begun bool
	// refreshed is set once the journal was read for other nodes' commits.
	refreshed bool

	written  []*document.Document
	uploaded []string
}

func (m *merge) paths() []string {
	out := make([]string, len(m.written))
	for i, d := range m.written {
		out[i] = d.Path
	}
	return out
}

func (m *merge) run(ctx context.Context, changes []*Change) error {
	changes, err := m.expandRemovals(ctx, changes)
	if err != nil {
		return err
	}
	paths := make([]string, len(changes))
	for i, c := range changes {
		paths[i] = c.Path
	}
	if err := m.journal.Begin(ctx, JournalEntry{Revision: m.rev, ClusterID: m.gen.ClusterID(), Paths: paths}); err != nil {
		return err
	}
	m.begun = true
	for _, c := range changes {
		if err := m.uploadBinaries(ctx, c); err != nil {
			return err
		}
	}
	for _, c := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.apply(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// expandRemovals marks every stored descendant of a removed node removed
// as well. A descendant the builder recreates is replaced instead.
func (m *merge) expandRemovals(ctx context.Context, changes []*Change) ([]*Change, error) {
	byPath := make(map[string]*Change, len(changes))
	for _, c := range changes {
		byPath[c.Path] = c
	}
	for _, c := range changes {
		if !c.Remove {
			continue
		}
		descendants, err := m.descendants(ctx, c.Path)
		if err != nil {
			return nil, err
		}
		for _, p := range descendants {
			if d, ok := byPath[p]; ok {
				d.Remove = true
				continue
			}
			byPath[p] = &Change{Path: p, Remove: true}
		}
	}
	return sortChanges(slices.Collect(maps.Values(byPath))), nil
}

func (m *merge) descendants(ctx context.Context, path string) ([]string, error) {
	var out []string
	queue := []string{path}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		children, err := m.store.Children(ctx, parent)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			out = append(out, child.Path)
			queue = append(queue, child.Path)
		}
	}
	return out, nil
}

func (m *merge) uploadBinaries(ctx context.Context, c *Change) error {
	if len(c.Binaries) == 0 {
		return nil
	}
	if m.blobs == nil {
		return fmt.Errorf("commit: binary property on %s but no blob store configured", c.Path)
	}
	for name, data := range c.Binaries {
		value, err := m.blobs.Put(ctx, data)
		if err != nil {
			return fmt.Errorf("%w: %w", document.ErrStoreUnavailable, err)
		}
		if _, ok := blob.ParseReference(value); ok {
			m.uploaded = append(m.uploaded, value)
		}
		c.Properties[name] = &value
	}
	return nil
}

// stale reports whether an uncommitted revision is old enough to be a
// leftover. The journal is read once per merge before a revision is
// declared stale, so a commit of another node that was not read yet is
// never mistaken for garbage.
func (m *merge) stale(ctx context.Context, r revision.Revision) (bool, error) {
	if r == m.rev || m.journal.IsCommitted(r) {
		return false, nil
	}
	cutoff := clock.Millis(m.clock) - m.config.StaleCommitAge.Milliseconds()
	if r.Timestamp >= cutoff {
		return false, nil
	}
	if !m.refreshed {
		if _, err := m.journal.ReadNew(ctx); err != nil {
			return false, err
		}
		m.refreshed = true
	}
	return !m.journal.IsCommitted(r), nil
}

// expired reports whether the merge ran so long that other writers may
// treat its entries as stale.
func (m *merge) expired() bool {
	return clock.Millis(m.clock)-m.rev.Timestamp >= m.config.StaleCommitAge.Milliseconds()
}

// purgeStale drops the entries of stale uncommitted revisions from doc.
func (m *merge) purgeStale(ctx context.Context, doc *document.Document) error {
	garbage := make(map[revision.Revision]bool)
	for _, r := range doc.Revisions() {
		isStale, err := m.stale(ctx, r)
		if err != nil {
			return err
		}
		if isStale {
			garbage[r] = true
		}
	}
	if len(garbage) > 0 {
		doc.Purge(func(r revision.Revision) bool { return garbage[r] })
	}
	return nil
}

// concurrent returns a revision the base does not see: a change committed
// after the base, or one that may still be in flight. Stale leftovers are
// purged before.
func (m *merge) concurrent(doc *document.Document) (revision.Revision, bool) {
	return doc.UnseenRevision(m.base, m.journal)
}

func (m *merge) apply(ctx context.Context, c *Change) error {
	stored, err := m.store.Find(ctx, c.Path)
	if err != nil {
		return err
	}

	doc := document.New(c.Path)
	var expected revision.Revision
	if stored != nil {
		expected = stored.LastModified
		doc = stored.Clone()
		if err := m.purgeStale(ctx, doc); err != nil {
			return err
		}
	}
	existed := doc.ExistsAt(m.base, m.journal)

	if !c.Remove && !c.touchesProperties() && existed {
		// Only required to exist: fine unless it was removed since.
		if doc.ExistsAt(revision.Max(m.journal.Head(), m.base), m.journal) {
			return nil
		}
		return &ConflictError{Path: c.Path, Reason: "node was removed concurrently"}
	}

	if r, found := m.concurrent(doc); found {
		return &ConflictError{Path: c.Path, Revision: r, Reason: "node changed after base revision"}
	}

	switch {
	case c.Remove && !c.Exists:
		if !existed {
			return nil
		}
		doc.MarkDeleted(m.rev)
	case c.Remove:
		doc.ClearProperties(m.rev)
		if !existed {
			doc.MarkCreated(m.rev)
		}
	case !existed:
		if c.Path != keys.RootPath && !m.parentExists(ctx, c.Path) {
			return &ConflictError{Path: c.Path, Reason: "parent does not exist"}
		}
		doc.MarkCreated(m.rev)
	}
	for name, value := range c.Properties {
		doc.SetProperty(name, m.rev, value)
	}

	status, err := m.store.CreateOrUpdate(ctx, doc, expected)
	switch status {
	case document.StatusUpdated:
		m.written = append(m.written, doc)
		return nil
	case document.StatusConflict:
		return &ConflictError{Path: c.Path, Reason: "document updated concurrently"}
	default:
		return err
	}
}

// parentExists reports whether the parent of path exists at the base or
// was written by this merge.
func (m *merge) parentExists(ctx context.Context, path string) bool {
	parent := keys.ParentPath(path)
	for _, d := range m.written {
		if d.Path == parent {
			return d.ExistsAt(m.rev, document.AllCommitted)
		}
	}
	doc, err := m.store.Find(ctx, parent)
	return err == nil && doc != nil && doc.ExistsAt(m.base, m.journal)
}

// rollback restores the documents written so far and reports whether all
// of them were restored. Entries that cannot be removed stay invisible, as
// the revision was never recorded, and the intent is kept for them.
func (m *merge) rollback(ctx context.Context, log *logging.Logger) bool {
	ctx = context.WithoutCancel(ctx)
	complete := true
	for i := len(m.written) - 1; i >= 0; i-- {
		path := m.written[i].Path
		if err := m.revert(ctx, path); err != nil {
			complete = false
			log.Warnf("rollback incomplete", map[string]any{"path": path, "error": err.Error()})
		}
	}
	for _, ref := range m.uploaded {
		if _, err := m.blobs.Delete(ctx, ref); err != nil {
			log.Warnf("rollback could not delete blob", map[string]any{"blob": ref, "error": err.Error()})
		}
	}
	return complete
}

// finish deletes the intent. One that cannot be deleted is resolved later
// by the version garbage collector.
func (m *merge) finish(ctx context.Context, log *logging.Logger) {
	if !m.begun {
		return
	}
	if err := m.journal.Finish(context.WithoutCancel(ctx), m.rev); err != nil {
		log.Warnf("could not delete commit intent", map[string]any{"error": err.Error()})
	}
}

func (m *merge) revert(ctx context.Context, path string) error {
	_, err := RevertDocument(ctx, m.store, path, m.rev)
	return err
}

// RevertDocument drops every entry of rev from the document at path and
// removes the document if nothing else is left in it. It reports whether
// the document was removed.
func RevertDocument(ctx context.Context, store document.Store, path string, rev revision.Revision) (bool, error) {
	removed := false
	for range rollbackAttempts {
		current, err := store.Find(ctx, path)
		if err != nil {
			return removed, err
		}
		if current == nil {
			return removed, nil
		}
		doc := current.Clone()
		if !doc.Purge(func(r revision.Revision) bool { return r == rev }) {
			return removed, nil
		}
		if doc.IsEmpty() {
			ok, err := store.RemoveIfUnchanged(ctx, current)
			if err != nil {
				return false, err
			}
			removed = ok
			continue
		}
		status, err := store.CreateOrUpdate(ctx, doc, current.LastModified)
		if status == document.StatusUpdated {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return false, errors.New("document kept changing")
}
