package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// MetricsRecorder receives one observation per blob storage call. It is
// satisfied by metrics.ObjectStoreMetrics.
type MetricsRecorder interface {
	RecordPut(durationSeconds float64, success bool, bytes int64)
	RecordGet(durationSeconds float64, success bool, bytes int64)
	RecordDelete(durationSeconds float64, success bool)
	RecordList(durationSeconds float64, success bool)
}

// InstrumentedStore wraps a Store and records every call. A create-only put
// that finds the object present, and a read of a missing object, are
// expected outcomes of content addressed blobs and count as successes.
type InstrumentedStore struct {
	store   Store
	metrics MetricsRecorder
}

// NewInstrumentedStore wraps store. A nil recorder disables recording.
func NewInstrumentedStore(store Store, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func succeeded(err error, expected error) bool {
	return err == nil || errors.Is(err, expected)
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return s.PutWithOptions(ctx, key, reader, size, contentType, PutOptions{})
}

func (s *InstrumentedStore) PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error {
	start := time.Now()
	err := s.store.PutWithOptions(ctx, key, reader, size, contentType, opts)
	if s.metrics != nil {
		s.metrics.RecordPut(time.Since(start).Seconds(), succeeded(err, ErrPreconditionFailed), size)
	}
	return err
}

// Get records the call when the returned reader is closed, so the
// observation covers the transfer of the body.
func (s *InstrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.store.Get(ctx, key)
	if s.metrics == nil {
		return rc, err
	}
	if err != nil {
		s.metrics.RecordGet(time.Since(start).Seconds(), succeeded(err, ErrNotFound), 0)
		return nil, err
	}
	return &countingReader{ReadCloser: rc, start: start, metrics: s.metrics}, nil
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.store.Delete(ctx, key)
	if s.metrics != nil {
		s.metrics.RecordDelete(time.Since(start).Seconds(), err == nil)
	}
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	start := time.Now()
	result, err := s.store.List(ctx, prefix)
	if s.metrics != nil {
		s.metrics.RecordList(time.Since(start).Seconds(), err == nil)
	}
	return result, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

type countingReader struct {
	io.ReadCloser
	start   time.Time
	metrics MetricsRecorder
	n       int64
	failed  bool
	closed  bool
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		r.failed = true
	}
	return n, err
}

func (r *countingReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.ReadCloser.Close()
	r.metrics.RecordGet(time.Since(r.start).Seconds(), err == nil && !r.failed, r.n)
	return err
}

var _ Store = (*InstrumentedStore)(nil)
