package document

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"

	"github.com/nleite/jackrabbit-oak/internal/keys"
	"github.com/nleite/jackrabbit-oak/internal/kvstore"
	"github.com/nleite/jackrabbit-oak/internal/revision"
)

// DefaultScanPageSize is the number of documents fetched per range scan.
const DefaultScanPageSize = 100

// KVStore implements Store on top of a kvstore.Store. Conditional writes
// compare LastModified and then rely on the key version of the backing
// store, so a write between the read and the write is also detected.
//
// Every document that is removed gets an entry in the deleted-once index,
// written before the document itself. The index value is the timestamp of
// the removal. FindPossiblyDeleted scans the index instead of all
// documents.
type KVStore struct {
	kv       kvstore.Store
	codec    *Codec
	pageSize int
}

// KVOption configures a KVStore.
type KVOption func(*KVStore)

// WithCompression sets the compression for newly written documents.
func WithCompression(c Compression) KVOption {
	return func(s *KVStore) {
		s.codec = NewCodec(c)
	}
}

// WithScanPageSize sets the page size of FindModifiedSince and
// FindPossiblyDeleted.
func WithScanPageSize(n int) KVOption {
	return func(s *KVStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewKVStore creates a document store backed by kv.
func NewKVStore(kv kvstore.Store, opts ...KVOption) *KVStore {
	s := &KVStore{
		kv:       kv,
		codec:    NewCodec(CompressionNone),
		pageSize: DefaultScanPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func unavailable(op, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrStoreUnavailable, op, path, err)
}

func (s *KVStore) decode(kv kvstore.KV) (*Document, error) {
	doc, err := s.codec.Decode(kv.Value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kv.Key, err)
	}
	doc.version = kv.Version
	return doc, nil
}

// Find returns the document for path, or nil if there is none.
func (s *KVStore) Find(ctx context.Context, path string) (*Document, error) {
	res, err := s.kv.Get(ctx, keys.DocumentKeyPath(path))
	if err != nil {
		return nil, unavailable("find", path, err)
	}
	if !res.Exists {
		return nil, nil
	}
	return s.decode(kvstore.KV{Key: keys.DocumentKeyPath(path), Value: res.Value, Version: res.Version})
}

// CreateOrUpdate writes doc if the stored LastModified equals expected.
func (s *KVStore) CreateOrUpdate(ctx context.Context, doc *Document, expected revision.Revision) (UpdateStatus, error) {
	key := doc.Key()
	res, err := s.kv.Get(ctx, key)
	if err != nil {
		return StatusUnavailable, unavailable("read", doc.Path, err)
	}

	var (
		expectedVersion kvstore.Version
		current         *Document
	)
	switch {
	case !res.Exists:
		if !expected.IsZero() {
			return StatusConflict, nil
		}
	default:
		current, err = s.codec.Decode(res.Value)
		if err != nil {
			return StatusUnavailable, unavailable("read", doc.Path, err)
		}
		if current.LastModified != expected {
			return StatusConflict, nil
		}
		expectedVersion = res.Version
	}

	if doc.DeletedAt != nil && (current == nil || current.DeletedAt == nil || *current.DeletedAt != *doc.DeletedAt) {
		ts := strconv.FormatInt(doc.DeletedAt.Timestamp, 10)
		if _, err := s.kv.Put(ctx, keys.DeletedKeyPath(doc.Path), []byte(ts)); err != nil {
			return StatusUnavailable, unavailable("index", doc.Path, err)
		}
	}

	value, err := s.codec.Encode(doc)
	if err != nil {
		return StatusUnavailable, unavailable("encode", doc.Path, err)
	}
	version, err := s.kv.Put(ctx, key, value, kvstore.WithExpectedVersion(expectedVersion))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return StatusConflict, nil
	}
	if err != nil {
		return StatusUnavailable, unavailable("write", doc.Path, err)
	}
	doc.version = version
	return StatusUpdated, nil
}

// Remove physically deletes the document for path.
func (s *KVStore) Remove(ctx context.Context, path string) error {
	if err := s.kv.Delete(ctx, keys.DocumentKeyPath(path)); err != nil {
		return unavailable("remove", path, err)
	}
	return nil
}

// RemoveIfUnchanged deletes doc if the stored copy still has its LastModified.
func (s *KVStore) RemoveIfUnchanged(ctx context.Context, doc *Document) (bool, error) {
	current, err := s.Find(ctx, doc.Path)
	if err != nil {
		return false, err
	}
	if current == nil || current.LastModified != doc.LastModified {
		return false, nil
	}
	err = s.kv.Delete(ctx, doc.Key(), kvstore.WithDeleteExpectedVersion(current.version))
	if errors.Is(err, kvstore.ErrVersionMismatch) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("remove", doc.Path, err)
	}
	return true, nil
}

// Children returns the documents of the direct children of parent.
func (s *KVStore) Children(ctx context.Context, parent string) ([]*Document, error) {
	kvs, err := s.kv.List(ctx, keys.ChildrenPrefix(parent), "", 0)
	if err != nil {
		return nil, unavailable("children", parent, err)
	}
	docs := make([]*Document, 0, len(kvs))
	for _, kv := range kvs {
		doc, err := s.decode(kv)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// FindModifiedSince yields documents with LastModified at or after sinceMs.
func (s *KVStore) FindModifiedSince(ctx context.Context, sinceMs int64) iter.Seq2[*Document, error] {
	return s.scan(ctx, func(d *Document) bool {
		return d.LastModified.Timestamp >= sinceMs
	})
}

// FindPossiblyDeleted yields removed documents last modified before
// olderThanMs. It pages through the deleted-once index, reads only the
// documents whose removal is old enough and drops index entries whose
// document is gone or alive again.
func (s *KVStore) FindPossiblyDeleted(ctx context.Context, olderThanMs int64) iter.Seq2[*Document, error] {
	return func(yield func(*Document, error) bool) {
		start := keys.DeletedListPrefix()
		end := keys.DeletedEndKey()
		for {
			kvs, err := s.kv.List(ctx, start, end, s.pageSize)
			if err != nil {
				yield(nil, unavailable("scan", start, err))
				return
			}
			for _, kv := range kvs {
				doc, err := s.verifyDeleted(ctx, kv, olderThanMs)
				if err != nil {
					if !yield(nil, err) {
						return
					}
					continue
				}
				if doc != nil && !yield(doc, nil) {
					return
				}
			}
			if len(kvs) < s.pageSize {
				return
			}
			start = kvs[len(kvs)-1].Key + "\x00"
		}
	}
}

// verifyDeleted re-reads the document behind a deleted-once index entry.
// The entry is deleted only if it was not rewritten since it was listed.
func (s *KVStore) verifyDeleted(ctx context.Context, entry kvstore.KV, olderThanMs int64) (*Document, error) {
	if ts, err := strconv.ParseInt(string(entry.Value), 10, 64); err == nil && ts >= olderThanMs {
		return nil, nil
	}
	path, err := keys.ParseDeletedKey(entry.Key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", entry.Key, err)
	}
	doc, err := s.Find(ctx, path)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.DeletedAt == nil {
		err := s.kv.Delete(ctx, entry.Key, kvstore.WithDeleteExpectedVersion(entry.Version))
		if err != nil && !errors.Is(err, kvstore.ErrVersionMismatch) {
			return nil, unavailable("unindex", path, err)
		}
		return nil, nil
	}
	if !doc.DeletedOnce || doc.LastModified.Timestamp >= olderThanMs {
		return nil, nil
	}
	return doc, nil
}

// scan pages through every document in key order and yields those that
// match. Each page starts after the last key of the previous one, so
// documents removed while scanning do not disturb the iteration.
func (s *KVStore) scan(ctx context.Context, match func(*Document) bool) iter.Seq2[*Document, error] {
	return func(yield func(*Document, error) bool) {
		start := keys.DocumentsPrefix()
		end := keys.DocumentsEndKey()
		for {
			kvs, err := s.kv.List(ctx, start, end, s.pageSize)
			if err != nil {
				yield(nil, unavailable("scan", start, err))
				return
			}
			for _, kv := range kvs {
				doc, err := s.decode(kv)
				if err != nil {
					if !yield(nil, err) {
						return
					}
					continue
				}
				if match(doc) && !yield(doc, nil) {
					return
				}
			}
			if len(kvs) < s.pageSize {
				return
			}
			start = kvs[len(kvs)-1].Key + "\x00"
		}
	}
}

var _ Store = (*KVStore)(nil)
