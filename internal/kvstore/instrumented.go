package kvstore

import (
	"context"
	"errors"
	"time"
)

// Outcome label values reported to a MetricsRecorder.
const (
	StatusSuccess = "success"
	// StatusConflict is a compare-and-set that lost against a concurrent
	// writer. The backend itself is healthy.
	StatusConflict = "conflict"
	StatusFailure  = "failure"
)

// MetricsRecorder receives one observation per backend call.
type MetricsRecorder interface {
	RecordOperation(op string, durationSeconds float64, status string)
}

// InstrumentedStore wraps a Store and reports latency and outcome of every
// call to a MetricsRecorder.
type InstrumentedStore struct {
	store   Store
	metrics MetricsRecorder
}

// NewInstrumentedStore wraps store. A nil recorder turns it into a
// pass-through.
func NewInstrumentedStore(store Store, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrVersionMismatch):
		return StatusConflict
	default:
		return StatusFailure
	}
}

func (s *InstrumentedStore) observe(op Op, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordOperation(string(op), time.Since(start).Seconds(), statusOf(err))
	}
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (GetResult, error) {
	start := time.Now()
	result, err := s.store.Get(ctx, key)
	s.observe(OpGet, start, err)
	return result, err
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	start := time.Now()
	v, err := s.store.Put(ctx, key, value, opts...)
	s.observe(OpPut, start, err)
	return v, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string, opts ...DeleteOption) error {
	start := time.Now()
	err := s.store.Delete(ctx, key, opts...)
	s.observe(OpDelete, start, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error) {
	start := time.Now()
	result, err := s.store.List(ctx, startKey, endKey, limit)
	s.observe(OpList, start, err)
	return result, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

var _ Store = (*InstrumentedStore)(nil)
