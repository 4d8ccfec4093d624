package commit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/nleite/jackrabbit-oak/internal/document"
	"github.com/nleite/jackrabbit-oak/internal/keys"
	"github.com/nleite/jackrabbit-oak/internal/kvstore"
	"github.com/nleite/jackrabbit-oak/internal/revision"
)

const (
	journalPageSize = 500

	// recordAttempts bounds the compare-and-set retries on the journal head
	// when other cluster nodes keep committing.
	recordAttempts = 32
)

// JournalEntry is the record persisted for each successful commit. The
// same shape is used for the intent written before a commit starts.
type JournalEntry struct {
	Revision revision.Revision `json:"revision"`

	// CommitRevision is the revision the change is visible at. It equals
	// Revision unless a commit ordered before this one carried a greater
	// revision.
	CommitRevision revision.Revision `json:"commitRevision"`

	// Previous is the revision of the record committed just before this
	// one. It is zero for the first record.
	Previous revision.Revision `json:"previous"`

	ClusterID uint16   `json:"clusterId"`
	Paths     []string `json:"paths"`
}

type journalBase struct {
	Revision revision.Revision `json:"revision"`
}

// Journal persists commit records and maps committed revisions to their
// commit revisions. It implements document.CommitChecker.
//
// Records form a chain, newest first, that starts at the journal head key.
// A commit writes its record and then moves the head onto it with a
// compare-and-set, so commits of every cluster node are totally ordered and
// a reader that saw head H never sees a later commit with a commit revision
// at or below H. Reads at a fixed revision are therefore repeatable.
//
// Revisions at or below the journal base are committed without a record.
// Compact moves the base forward and deletes the records it covers.
type Journal struct {
	kv  kvstore.Store
	gen *revision.Generator

	// commitMu queues the commits of this process.
	commitMu sync.Mutex
	// readMu serializes chain imports.
	readMu sync.Mutex

	mu      sync.RWMutex
	commits map[revision.Revision]revision.Revision
	head    revision.Revision
	base    revision.Revision
}

// NewJournal creates an empty journal view over kv. Commit revisions that
// must be newer than the head are taken from gen, which also observes
// every imported commit. Call ReadNew to load the records already present.
func NewJournal(kv kvstore.Store, gen *revision.Generator) *Journal {
	return &Journal{
		kv:      kv,
		gen:     gen,
		commits: make(map[revision.Revision]revision.Revision),
	}
}

func journalUnavailable(what string, err error) error {
	return fmt.Errorf("%w: journal %s: %w", document.ErrStoreUnavailable, what, err)
}

// CommitRevision returns the revision the change of rev is visible at, if
// rev is known to be committed.
func (j *Journal) CommitRevision(rev revision.Revision) (revision.Revision, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if c, ok := j.commits[rev]; ok {
		return c, true
	}
	if !rev.Branch && !j.base.IsZero() && rev.Compare(j.base) <= 0 {
		return rev, true
	}
	return revision.Revision{}, false
}

// IsCommitted reports whether rev is known to be committed.
func (j *Journal) IsCommitted(rev revision.Revision) bool {
	_, ok := j.CommitRevision(rev)
	return ok
}

// Head returns the greatest commit revision known.
func (j *Journal) Head() revision.Revision {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.head
}

// Base returns the revision up to which the journal is compacted.
func (j *Journal) Base() revision.Revision {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.base
}

// Len returns the number of committed revisions held above the base.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.commits)
}

func (j *Journal) add(e JournalEntry) {
	j.mu.Lock()
	if e.CommitRevision.After(j.base) {
		j.commits[e.Revision] = e.CommitRevision
	}
	if e.CommitRevision.After(j.head) {
		j.head = e.CommitRevision
	}
	j.mu.Unlock()
	j.gen.Observe(e.CommitRevision)
}

func (j *Journal) known(e JournalEntry) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	_, ok := j.commits[e.Revision]
	return ok || !e.CommitRevision.After(j.base)
}

func (j *Journal) setBase(base revision.Revision) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !base.After(j.base) {
		return
	}
	j.base = base
	for r, c := range j.commits {
		if !c.After(base) {
			delete(j.commits, r)
		}
	}
	if base.After(j.head) {
		j.head = base
	}
}

// Record commits entry.Revision and returns its commit revision. The record
// is appended to the chain behind the current head; when the head already
// holds a greater commit revision the change is given a fresh one after it.
// Records of other cluster nodes found on the way are imported first.
func (j *Journal) Record(ctx context.Context, entry JournalEntry) (revision.Revision, error) {
	j.commitMu.Lock()
	defer j.commitMu.Unlock()

	for range recordAttempts {
		tip, version, err := j.readHead(ctx)
		if err != nil {
			return revision.Revision{}, err
		}
		if _, err := j.importChain(ctx, tip); err != nil {
			return revision.Revision{}, err
		}
		if j.IsCommitted(entry.Revision) {
			return revision.Revision{}, fmt.Errorf("commit: %s is already committed", entry.Revision)
		}

		entry.CommitRevision = entry.Revision
		if head := j.Head(); !entry.Revision.After(head) {
			j.gen.Observe(head)
			entry.CommitRevision = j.gen.Next()
		}
		entry.Previous = tip.Revision
		value, err := json.Marshal(entry)
		if err != nil {
			return revision.Revision{}, fmt.Errorf("commit: encode journal entry: %w", err)
		}
		if _, err := j.kv.Put(ctx, keys.JournalKeyPath(entry.Revision), value); err != nil {
			return revision.Revision{}, journalUnavailable(entry.Revision.String(), err)
		}
		_, err = j.kv.Put(ctx, keys.JournalHeadKey, value, kvstore.WithExpectedVersion(version))
		if errors.Is(err, kvstore.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return revision.Revision{}, journalUnavailable("head", err)
		}
		j.add(entry)
		return entry.CommitRevision, nil
	}
	return revision.Revision{}, fmt.Errorf("%w: journal head kept changing while committing %s",
		document.ErrStoreUnavailable, entry.Revision)
}

// ReadNew imports the records committed since the previous call, including
// those of other cluster nodes, and returns them in commit order. A newer
// journal base written by Compact is picked up as well.
func (j *Journal) ReadNew(ctx context.Context) ([]JournalEntry, error) {
	base, _, err := j.readBase(ctx)
	if err != nil {
		return nil, err
	}
	j.setBase(base)
	tip, _, err := j.readHead(ctx)
	if err != nil {
		return nil, err
	}
	return j.importChain(ctx, tip)
}

// importChain walks the chain from tip back to the first known record and
// imports the records passed, oldest first. The known records always form
// a prefix of the chain, so the walk can stop at the first one.
func (j *Journal) importChain(ctx context.Context, tip JournalEntry) ([]JournalEntry, error) {
	j.readMu.Lock()
	defer j.readMu.Unlock()

	var chain []JournalEntry
	cur := tip
	for !cur.Revision.IsZero() && !j.known(cur) {
		chain = append(chain, cur)
		if cur.Previous.IsZero() {
			break
		}
		prev, ok, err := j.load(ctx, cur.Previous)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Compacted away by another node.
			break
		}
		cur = prev
	}
	slices.Reverse(chain)
	for _, e := range chain {
		j.add(e)
	}
	return chain, nil
}

func (j *Journal) readHead(ctx context.Context) (JournalEntry, kvstore.Version, error) {
	res, err := j.kv.Get(ctx, keys.JournalHeadKey)
	if err != nil {
		return JournalEntry{}, 0, journalUnavailable("head", err)
	}
	if !res.Exists {
		return JournalEntry{}, 0, nil
	}
	var e JournalEntry
	if err := json.Unmarshal(res.Value, &e); err != nil {
		return JournalEntry{}, 0, fmt.Errorf("commit: corrupt journal head: %w", err)
	}
	return e, res.Version, nil
}

func (j *Journal) load(ctx context.Context, rev revision.Revision) (JournalEntry, bool, error) {
	res, err := j.kv.Get(ctx, keys.JournalKeyPath(rev))
	if err != nil {
		return JournalEntry{}, false, journalUnavailable(rev.String(), err)
	}
	if !res.Exists {
		return JournalEntry{}, false, nil
	}
	var e JournalEntry
	if err := json.Unmarshal(res.Value, &e); err != nil {
		return JournalEntry{}, false, fmt.Errorf("commit: corrupt journal entry %s: %w", rev, err)
	}
	return e, true, nil
}

func (j *Journal) readBase(ctx context.Context) (revision.Revision, kvstore.Version, error) {
	res, err := j.kv.Get(ctx, keys.JournalBaseKey)
	if err != nil {
		return revision.Revision{}, 0, journalUnavailable("base", err)
	}
	if !res.Exists {
		return revision.Revision{}, 0, nil
	}
	var b journalBase
	if err := json.Unmarshal(res.Value, &b); err != nil {
		return revision.Revision{}, 0, fmt.Errorf("commit: corrupt journal base: %w", err)
	}
	return b.Revision, res.Version, nil
}

// Compact moves the journal base up to upTo, capped at the head, and
// deletes the records whose commit revision is at or below the new base.
// It returns the number of records deleted.
//
// Every revision at or below the base counts as committed, so the caller
// must make sure no document still holds an uncommitted entry at or below
// upTo.
func (j *Journal) Compact(ctx context.Context, upTo revision.Revision) (int, error) {
	upTo = revision.Min(upTo, j.Head())
	if upTo.IsZero() || !upTo.After(j.Base()) {
		return 0, nil
	}

	base, err := j.advanceBase(ctx, upTo)
	if err != nil {
		return 0, err
	}
	j.setBase(base)

	deleted := 0
	start := keys.JournalKeyPath(revision.Revision{})
	end := keys.JournalKeyPath(base) + "\x00"
	for {
		kvs, err := j.kv.List(ctx, start, end, journalPageSize)
		if err != nil {
			return deleted, journalUnavailable("compact", err)
		}
		for _, kv := range kvs {
			start = kv.Key + "\x00"
			var e JournalEntry
			if err := json.Unmarshal(kv.Value, &e); err != nil {
				return deleted, fmt.Errorf("commit: corrupt journal entry %s: %w", kv.Key, err)
			}
			if e.CommitRevision.After(base) {
				continue
			}
			if err := j.kv.Delete(ctx, kv.Key); err != nil {
				return deleted, journalUnavailable("compact", err)
			}
			deleted++
		}
		if len(kvs) < journalPageSize {
			return deleted, nil
		}
	}
}

// advanceBase raises the persisted base to upTo unless it is already
// higher, and returns the base now in effect.
func (j *Journal) advanceBase(ctx context.Context, upTo revision.Revision) (revision.Revision, error) {
	for range recordAttempts {
		current, version, err := j.readBase(ctx)
		if err != nil {
			return revision.Revision{}, err
		}
		if !upTo.After(current) {
			return current, nil
		}
		value, err := json.Marshal(journalBase{Revision: upTo})
		if err != nil {
			return revision.Revision{}, err
		}
		_, err = j.kv.Put(ctx, keys.JournalBaseKey, value, kvstore.WithExpectedVersion(version))
		if errors.Is(err, kvstore.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return revision.Revision{}, journalUnavailable("base", err)
		}
		return upTo, nil
	}
	return revision.Revision{}, fmt.Errorf("%w: journal base kept changing", document.ErrStoreUnavailable)
}

// Begin persists the intent of the commit of entry.Revision. It must be
// written before any document entry of the commit, so that an intent left
// behind by a writer that failed names every document it may have touched.
func (j *Journal) Begin(ctx context.Context, entry JournalEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("commit: encode intent: %w", err)
	}
	if _, err := j.kv.Put(ctx, keys.IntentKeyPath(entry.Revision), value, kvstore.WithExpectedVersion(0)); err != nil {
		return fmt.Errorf("%w: intent %s: %w", document.ErrStoreUnavailable, entry.Revision, err)
	}
	return nil
}

// Finish deletes the intent of rev once the commit is recorded or all of
// its entries are gone again.
func (j *Journal) Finish(ctx context.Context, rev revision.Revision) error {
	if err := j.kv.Delete(ctx, keys.IntentKeyPath(rev)); err != nil {
		return fmt.Errorf("%w: intent %s: %w", document.ErrStoreUnavailable, rev, err)
	}
	return nil
}

// Intents returns the intents of unfinished commits, oldest first.
func (j *Journal) Intents(ctx context.Context) ([]JournalEntry, error) {
	kvs, err := j.kv.List(ctx, keys.IntentsListPrefix(), "", 0)
	if err != nil {
		return nil, fmt.Errorf("%w: list intents: %w", document.ErrStoreUnavailable, err)
	}
	out := make([]JournalEntry, 0, len(kvs))
	for _, kv := range kvs {
		var e JournalEntry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return nil, fmt.Errorf("commit: corrupt intent %s: %w", kv.Key, err)
		}
		out = append(out, e)
	}
	return out, nil
}

var _ document.CommitChecker = (*Journal)(nil)
