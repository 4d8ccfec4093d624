// Package checkpoint implements the checkpoint registry: durable pins on a
// revision that keep the tree as of that revision readable, and its
// tombstones uncollected, until the checkpoint expires or is released.
//
// Checkpoints live in the backing key-value store so every cluster node
// sharing it sees them. Expired checkpoints are removed lazily whenever the
// registry lists them.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/nleite/jackrabbit-oak/internal/clock"
	"github.com/nleite/jackrabbit-oak/internal/keys"
	"github.com/nleite/jackrabbit-oak/internal/kvstore"
	"github.com/nleite/jackrabbit-oak/internal/logging"
	"github.com/nleite/jackrabbit-oak/internal/revision"
)

var (
	// ErrCheckpointNotFound is returned for a revision that was never
	// checkpointed or has been released.
	ErrCheckpointNotFound = errors.New("checkpoint: not found")

	// ErrCheckpointExpired is returned when a checkpoint is used after its
	// expiry. Reads at its revision are no longer guaranteed to be stable.
	ErrCheckpointExpired = errors.New("checkpoint: expired")

	// ErrInvalidLifetime is returned for a lifetime that is not positive.
	ErrInvalidLifetime = errors.New("checkpoint: lifetime must be positive")
)

const casAttempts = 5

// Checkpoint is a pinned revision.
type Checkpoint struct {
	Revision revision.Revision `json:"revision"`
	// ExpiresAt is the expiry time in Unix milliseconds.
	ExpiresAt int64             `json:"expiresAt"`
	Info      map[string]string `json:"info,omitempty"`

	version kvstore.Version
}

// Expired reports whether the checkpoint has expired at nowMs.
func (c Checkpoint) Expired(nowMs int64) bool {
	return nowMs > c.ExpiresAt
}

// ExpiryTime returns ExpiresAt as a time.
func (c Checkpoint) ExpiryTime() time.Time {
	return time.UnixMilli(c.ExpiresAt)
}

// Registry stores checkpoints in a kvstore.Store.
type Registry struct {
	kv     kvstore.Store
	clock  clock.Clock
	logger *logging.Logger
}

// NewRegistry creates a registry over kv.
func NewRegistry(kv kvstore.Store, clk clock.Clock) *Registry {
	return &Registry{kv: kv, clock: clk, logger: logging.Global()}
}

// WithLogger sets the logger.
func (r *Registry) WithLogger(l *logging.Logger) *Registry {
	if l != nil {
		r.logger = l
	}
	return r
}

// Create pins rev for lifetime. Creating a checkpoint on an already pinned
// revision extends its expiry to the later of both and merges info.
func (r *Registry) Create(ctx context.Context, rev revision.Revision, lifetime time.Duration, info map[string]string) (Checkpoint, error) {
	if lifetime <= 0 {
		return Checkpoint{}, ErrInvalidLifetime
	}
	expiresAt := r.clock.Now().Add(lifetime).UnixMilli()
	key := keys.CheckpointKeyPath(rev)

	for range casAttempts {
		cp, err := r.get(ctx, key)
		if err != nil {
			return Checkpoint{}, err
		}
		if cp == nil {
			cp = &Checkpoint{Revision: rev}
		}
		cp.ExpiresAt = max(cp.ExpiresAt, expiresAt)
		if len(info) > 0 {
			if cp.Info == nil {
				cp.Info = make(map[string]string, len(info))
			}
			maps.Copy(cp.Info, info)
		}

		value, err := json.Marshal(cp)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("checkpoint: encode %s: %w", rev, err)
		}
		version, err := r.kv.Put(ctx, key, value, kvstore.WithExpectedVersion(cp.version))
		if errors.Is(err, kvstore.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return Checkpoint{}, fmt.Errorf("checkpoint: create %s: %w", rev, err)
		}
		cp.version = version
		r.logger.Infof("checkpoint created", map[string]any{
			"revision":  rev.String(),
			"expiresAt": cp.ExpiryTime().UTC().Format(time.RFC3339Nano),
		})
		return *cp, nil
	}
	return Checkpoint{}, fmt.Errorf("checkpoint: create %s: too much contention", rev)
}

// Release removes the checkpoint on rev. It reports whether one existed.
func (r *Registry) Release(ctx context.Context, rev revision.Revision) (bool, error) {
	key := keys.CheckpointKeyPath(rev)
	cp, err := r.get(ctx, key)
	if err != nil || cp == nil {
		return false, err
	}
	if err := r.kv.Delete(ctx, key); err != nil {
		return false, fmt.Errorf("checkpoint: release %s: %w", rev, err)
	}
	r.logger.Infof("checkpoint released", map[string]any{"revision": rev.String()})
	return true, nil
}

// Retrieve returns the checkpoint on rev, or ErrCheckpointExpired once it
// has expired.
func (r *Registry) Retrieve(ctx context.Context, rev revision.Revision) (Checkpoint, error) {
	cp, err := r.get(ctx, keys.CheckpointKeyPath(rev))
	if err != nil {
		return Checkpoint{}, err
	}
	if cp == nil {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, rev)
	}
	if cp.Expired(clock.Millis(r.clock)) {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrCheckpointExpired, rev)
	}
	return *cp, nil
}

// Live returns the checkpoints that have not expired, oldest revision
// first. Expired checkpoints found on the way are removed.
func (r *Registry) Live(ctx context.Context) ([]Checkpoint, error) {
	all, err := r.list(ctx)
	if err != nil {
		return nil, err
	}
	now := clock.Millis(r.clock)
	live := all[:0]
	for _, cp := range all {
		if !cp.Expired(now) {
			live = append(live, cp)
			continue
		}
		// A concurrent extension wins over the purge.
		err := r.kv.Delete(ctx, keys.CheckpointKeyPath(cp.Revision), kvstore.WithDeleteExpectedVersion(cp.version))
		switch {
		case err == nil:
			r.logger.Debugf("expired checkpoint removed", map[string]any{"revision": cp.Revision.String()})
		case errors.Is(err, kvstore.ErrVersionMismatch):
		default:
			return nil, fmt.Errorf("checkpoint: purge %s: %w", cp.Revision, err)
		}
	}
	return live, nil
}

// PurgeExpired removes expired checkpoints and returns how many are left.
func (r *Registry) PurgeExpired(ctx context.Context) (int, error) {
	live, err := r.Live(ctx)
	return len(live), err
}

// OldestLive returns the live checkpoint with the oldest revision.
func (r *Registry) OldestLive(ctx context.Context) (Checkpoint, bool, error) {
	live, err := r.Live(ctx)
	if err != nil || len(live) == 0 {
		return Checkpoint{}, false, err
	}
	return live[0], true, nil
}

// Protection is a snapshot of the oldest live checkpoint. A collection run
// takes one and consults it for every candidate.
type Protection struct {
	oldest revision.Revision
	ok     bool
}

// Protection reads the live checkpoints once.
func (r *Registry) Protection(ctx context.Context) (Protection, error) {
	oldest, ok, err := r.OldestLive(ctx)
	if err != nil {
		return Protection{}, err
	}
	return Protection{oldest: oldest.Revision, ok: ok}, nil
}

// Protects reports whether a checkpoint in the snapshot still observes the
// state before rev, i.e. one pins a revision older than rev. A tombstone
// whose deletion revision is protected must not be collected.
func (p Protection) Protects(rev revision.Revision) bool {
	return p.ok && p.oldest.Before(rev)
}

// Oldest returns the revision of the oldest checkpoint in the snapshot.
func (p Protection) Oldest() (revision.Revision, bool) {
	return p.oldest, p.ok
}

func (r *Registry) get(ctx context.Context, key string) (*Checkpoint, error) {
	res, err := r.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", key, err)
	}
	if !res.Exists {
		return nil, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(res.Value, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", key, err)
	}
	cp.version = res.Version
	return &cp, nil
}

func (r *Registry) list(ctx context.Context) ([]Checkpoint, error) {
	kvs, err := r.kv.List(ctx, keys.CheckpointsListPrefix(), "", 0)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	out := make([]Checkpoint, 0, len(kvs))
	for _, kv := range kvs {
		var cp Checkpoint
		if err := json.Unmarshal(kv.Value, &cp); err != nil {
			return nil, fmt.Errorf("checkpoint: decode %s: %w", kv.Key, err)
		}
		cp.version = kv.Version
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b Checkpoint) int { return a.Revision.Compare(b.Revision) })
	return out, nil
}
