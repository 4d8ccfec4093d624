package objectstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of the Store interface. It
// backs the "memory" blob store type and is used by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	closed  bool
	now     func() time.Time
}

type memoryObject struct {
	data []byte
	meta ObjectMeta
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryObject),
		now:     time.Now,
	}
}

// WithNow sets the time source used for LastModified.
func (s *MemoryStore) WithNow(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return s.PutWithOptions(ctx, key, reader, size, contentType, PutOptions{})
}

func (s *MemoryStore) PutWithOptions(_ context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return &ObjectError{Op: "Put", Key: key, Err: err}
	}
	if int64(len(data)) != size {
		return &ObjectError{Op: "Put", Key: key, Err: fmt.Errorf("size mismatch: declared %d, read %d", size, len(data))}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if opts.IfNoneMatch == "*" {
		if _, exists := s.objects[key]; exists {
			return &ObjectError{Op: "Put", Key: key, Err: ErrPreconditionFailed}
		}
	}

	sum := md5.Sum(data)
	s.objects[key] = memoryObject{
		data: data,
		meta: ObjectMeta{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  contentType,
			ETag:         hex.EncodeToString(sum[:]),
			LastModified: s.now().UnixMilli(),
			Metadata:     opts.Metadata,
		},
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	obj, exists := s.objects[key]
	if !exists {
		return nil, &ObjectError{Op: "Get", Key: key, Err: ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	var result []ObjectMeta
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			result = append(result, obj.meta)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
