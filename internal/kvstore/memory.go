package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Op names an operation for fault injection.
type Op string

// Operations that can be failed with MemoryStore.FailOn.
const (
	OpGet    Op = "get"
	OpPut    Op = "put"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// Fault decides whether an operation on key fails. Returning nil lets the
// operation proceed.
type Fault func(op Op, key string) error

// MemoryStore implements Store in memory.
// It is exported so that tests in other packages can use it, and it backs
// the "memory" backend type.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]KV
	closed   bool
	nextVer  Version
	fault    Fault
	closeErr error
}

// NewMemoryStore creates a new, empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]KV),
		nextVer: 1,
	}
}

// FailOn installs a fault hook consulted before every operation. Pass nil
// to remove it.
func (m *MemoryStore) FailOn(f Fault) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

func (m *MemoryStore) check(op Op, key string) error {
	if m.closed {
		return ErrStoreClosed
	}
	if m.fault != nil {
		return m.fault(op, key)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(OpGet, key); err != nil {
		return GetResult{}, err
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{Exists: false}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(OpPut, key); err != nil {
		return 0, err
	}

	if expected := ExtractExpectedVersion(opts); expected != nil {
		existing, ok := m.data[key]
		if !ok && *expected != 0 {
			return 0, ErrVersionMismatch
		}
		if ok && existing.Version != *expected {
			return 0, ErrVersionMismatch
		}
	}

	ver := m.nextVer
	m.nextVer++
	m.data[key] = KV{Key: key, Value: append([]byte(nil), value...), Version: ver}
	return ver, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string, opts ...DeleteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(OpDelete, key); err != nil {
		return err
	}

	if expected := ExtractDeleteExpectedVersion(opts); expected != nil {
		existing, ok := m.data[key]
		if !ok {
			return nil // Idempotent delete
		}
		if existing.Version != *expected {
			return ErrVersionMismatch
		}
	}

	delete(m.data, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(OpList, startKey); err != nil {
		return nil, err
	}

	var keys []string
	for k := range m.data {
		if endKey == "" {
			// When endKey is empty, treat startKey as a prefix
			if strings.HasPrefix(k, startKey) {
				keys = append(keys, k)
			}
		} else if k >= startKey && k < endKey {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	result := make([]KV, len(keys))
	for i, k := range keys {
		result[i] = m.data[k]
	}
	return result, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.closeErr
}

// Len returns the number of keys in the store.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
