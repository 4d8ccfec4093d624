package oxia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/nleite/jackrabbit-oak/internal/kvstore"
)

// Config configures the Oxia backend.
type Config struct {
	// ServiceAddress is the Oxia service endpoint (e.g., "localhost:6648").
	ServiceAddress string

	// Namespace is the Oxia namespace to use (e.g., "oak/cluster-1").
	// All keys will be scoped to this namespace.
	Namespace string

	// RequestTimeout is the timeout for individual requests.
	// Default: 30 seconds.
	RequestTimeout time.Duration
}

// Store implements kvstore.Store using Oxia.
type Store struct {
	client oxiaclient.SyncClient
	config Config

	mu     sync.RWMutex
	closed bool
}

// New creates a new Oxia-backed store.
func New(_ context.Context, cfg Config) (*Store, error) {
	if cfg.ServiceAddress == "" {
		return nil, errors.New("oxia: service address is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("oxia: namespace is required")
	}

	opts := []oxiaclient.ClientOption{
		oxiaclient.WithNamespace(cfg.Namespace),
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("oxia: failed to create client: %w", err)
	}

	return &Store{
		client: client,
		config: cfg,
	}, nil
}

// toStoreVersion converts Oxia's 0-based version to our 1-based version.
// Oxia versions start at 0, but our interface uses 0 to mean "key doesn't exist".
func toStoreVersion(oxiaVersion int64) kvstore.Version {
	return kvstore.Version(oxiaVersion + 1)
}

// toOxiaVersion converts our 1-based version to Oxia's 0-based version.
func toOxiaVersion(v kvstore.Version) int64 {
	return int64(v - 1)
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) (kvstore.GetResult, error) {
	if s.isClosed() {
		return kvstore.GetResult{}, kvstore.ErrStoreClosed
	}

	_, value, version, err := s.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return kvstore.GetResult{Exists: false}, nil
		}
		return kvstore.GetResult{}, fmt.Errorf("oxia: get failed: %w", err)
	}

	return kvstore.GetResult{
		Value:   value,
		Version: toStoreVersion(version.VersionId),
		Exists:  true,
	}, nil
}

// Put stores a value with optional version checking for CAS operations.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...kvstore.PutOption) (kvstore.Version, error) {
	if s.isClosed() {
		return 0, kvstore.ErrStoreClosed
	}

	var oxiaOpts []oxiaclient.PutOption
	if expected := kvstore.ExtractExpectedVersion(opts); expected != nil {
		if *expected == 0 {
			// Version 0 in our interface means key should not exist
			oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedRecordNotExists())
		} else {
			oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(toOxiaVersion(*expected)))
		}
	}

	_, version, err := s.client.Put(ctx, key, value, oxiaOpts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return 0, kvstore.ErrVersionMismatch
		}
		return 0, fmt.Errorf("oxia: put failed: %w", err)
	}

	return toStoreVersion(version.VersionId), nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string, opts ...kvstore.DeleteOption) error {
	if s.isClosed() {
		return kvstore.ErrStoreClosed
	}

	var oxiaOpts []oxiaclient.DeleteOption
	if expected := kvstore.ExtractDeleteExpectedVersion(opts); expected != nil {
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(toOxiaVersion(*expected)))
	}

	err := s.client.Delete(ctx, key, oxiaOpts...)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			// Delete is idempotent - key not found is not an error
			return nil
		}
		if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
			return kvstore.ErrVersionMismatch
		}
		return fmt.Errorf("oxia: delete failed: %w", err)
	}

	return nil
}

// List returns keys in the range [startKey, endKey) in lexicographic order.
func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]kvstore.KV, error) {
	if s.isClosed() {
		return nil, kvstore.ErrStoreClosed
	}

	// If endKey is empty, use startKey as a prefix and list all keys with that prefix.
	// Oxia uses a custom key sorting that treats '/' specially.
	// For prefix listing ending with '/', we use the Oxia convention of double slash
	// as the end key to get all direct children. Otherwise, use prefixEnd.
	if endKey == "" {
		if len(startKey) > 0 && startKey[len(startKey)-1] == '/' {
			endKey = startKey + "/"
		} else {
			endKey = prefixEnd(startKey)
		}
	}

	// A cancelled scan context stops the producer when we return early.
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := s.client.RangeScan(scanCtx, startKey, endKey)

	var kvs []kvstore.KV
	for result := range results {
		if result.Err != nil {
			go drainRangeScan(results)
			return nil, fmt.Errorf("oxia: list failed: %w", result.Err)
		}

		kvs = append(kvs, kvstore.KV{
			Key:     result.Key,
			Value:   result.Value,
			Version: toStoreVersion(result.Version.VersionId),
		})

		if limit > 0 && len(kvs) >= limit {
			go drainRangeScan(results)
			return kvs, nil
		}
	}

	return kvs, nil
}

// Close releases resources held by the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// prefixEnd returns the key that is lexicographically greater than all keys
// with the given prefix.
func prefixEnd(prefix string) string {
	if prefix == "" {
		return ""
	}

	// Find the last byte that is not 0xFF
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}

	// All bytes are 0xFF, no end key possible
	return ""
}

func drainRangeScan(results <-chan oxiaclient.GetResult) {
	for range results {
	}
}

var _ kvstore.Store = (*Store)(nil)
