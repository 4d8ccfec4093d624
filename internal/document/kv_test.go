package document

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nleite/jackrabbit-oak/internal/keys"
	"github.com/nleite/jackrabbit-oak/internal/kvstore"
	"github.com/nleite/jackrabbit-oak/internal/revision"
)

func newTestKVStore(t *testing.T, opts ...KVOption) (*KVStore, *kvstore.MemoryStore) {
	t.Helper()
	kv := kvstore.NewMemoryStore()
	t.Cleanup(func() { _ = kv.Close() })
	return NewKVStore(kv, opts...), kv
}

func createDoc(t *testing.T, s Store, path string, r revision.Revision) *Document {
	t.Helper()
	d := New(path)
	d.MarkCreated(r)
	status, err := s.CreateOrUpdate(context.Background(), d, revision.Revision{})
	require.NoError(t, err)
	require.Equal(t, StatusUpdated, status)
	return d
}

func TestKVStore_FindMissing(t *testing.T) {
	s, _ := newTestKVStore(t)
	doc, err := s.Find(context.Background(), "/nope")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestKVStore_CreateOrUpdate(t *testing.T) {
	s, _ := newTestKVStore(t, WithCompression(CompressionSnappy))
	ctx := context.Background()

	d := createDoc(t, s, "/x", rev(10))
	assert.NotZero(t, d.Version())

	// A second create must not overwrite.
	status, err := s.CreateOrUpdate(ctx, New("/x"), revision.Revision{})
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, status)

	stored, err := s.Find(ctx, "/x")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, rev(10), stored.LastModified)

	updated := stored.Clone()
	updated.SetProperty("p", rev(20), str("v"))
	status, err = s.CreateOrUpdate(ctx, updated, stored.LastModified)
	require.NoError(t, err)
	assert.Equal(t, StatusUpdated, status)

	// Writer holding the old state loses.
	stale := stored.Clone()
	stale.SetProperty("p", rev(21), str("other"))
	status, err = s.CreateOrUpdate(ctx, stale, stored.LastModified)
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, status)

	// Updating a document that does not exist conflicts.
	ghost := New("/ghost")
	ghost.MarkCreated(rev(30))
	status, err = s.CreateOrUpdate(ctx, ghost, rev(10))
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, status)
}

func TestKVStore_Unavailable(t *testing.T) {
	s, kv := newTestKVStore(t)
	ctx := context.Background()
	createDoc(t, s, "/x", rev(10))

	kv.FailOn(func(op kvstore.Op, _ string) error {
		if op == kvstore.OpPut {
			return errors.New("disk on fire")
		}
		return nil
	})

	d, err := s.Find(ctx, "/x")
	require.NoError(t, err)
	d.SetProperty("p", rev(20), str("v"))

	status, err := s.CreateOrUpdate(ctx, d, rev(10))
	assert.Equal(t, StatusUnavailable, status)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	kv.FailOn(func(kvstore.Op, string) error { return errors.New("gone") })
	_, err = s.Find(ctx, "/x")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, s.Remove(ctx, "/x"), ErrStoreUnavailable)
}

func TestKVStore_RemoveIfUnchanged(t *testing.T) {
	s, _ := newTestKVStore(t)
	ctx := context.Background()

	d := createDoc(t, s, "/x", rev(10))
	snapshot := d.Clone()

	changed := d.Clone()
	changed.SetProperty("p", rev(20), str("v"))
	status, err := s.CreateOrUpdate(ctx, changed, rev(10))
	require.NoError(t, err)
	require.Equal(t, StatusUpdated, status)

	removed, err := s.RemoveIfUnchanged(ctx, snapshot)
	require.NoError(t, err)
	assert.False(t, removed, "document moved on since the snapshot")

	removed, err = s.RemoveIfUnchanged(ctx, changed)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.RemoveIfUnchanged(ctx, changed)
	require.NoError(t, err)
	assert.False(t, removed, "already gone")
}

func TestKVStore_Children(t *testing.T) {
	s, _ := newTestKVStore(t)
	for _, p := range []string{"/x", "/x/b", "/x/a", "/x/a/deep", "/xy"} {
		createDoc(t, s, p, rev(10))
	}

	children, err := s.Children(context.Background(), "/x")
	require.NoError(t, err)
	var paths []string
	for _, c := range children {
		paths = append(paths, c.Path)
	}
	assert.Equal(t, []string{"/x/a", "/x/b"}, paths)

	roots, err := s.Children(context.Background(), "/")
	require.NoError(t, err)
	assert.Len(t, roots, 2)
}

func TestKVStore_ScansArePagedAndRestartable(t *testing.T) {
	s, _ := newTestKVStore(t, WithScanPageSize(3))
	ctx := context.Background()

	for i := range 10 {
		d := createDoc(t, s, fmt.Sprintf("/n%02d", i), rev(int64(100+i)))
		if i%2 == 0 {
			deleted := d.Clone()
			deleted.MarkDeleted(rev(int64(200 + i)))
			status, err := s.CreateOrUpdate(ctx, deleted, d.LastModified)
			require.NoError(t, err)
			require.Equal(t, StatusUpdated, status)
		}
	}

	count := func(seq func(func(*Document, error) bool)) int {
		n := 0
		for doc, err := range seq {
			require.NoError(t, err)
			require.NotNil(t, doc)
			n++
		}
		return n
	}

	assert.Equal(t, 10, count(s.FindModifiedSince(ctx, 0)))
	assert.Equal(t, 5, count(s.FindModifiedSince(ctx, 200)))
	assert.Equal(t, 5, count(s.FindModifiedSince(ctx, 200)), "restartable")

	assert.Equal(t, 5, count(s.FindPossiblyDeleted(ctx, 1000)))
	assert.Equal(t, 2, count(s.FindPossiblyDeleted(ctx, 204)))
	assert.Equal(t, 0, count(s.FindPossiblyDeleted(ctx, 200)))
}

func TestKVStore_ScanStopsEarly(t *testing.T) {
	s, _ := newTestKVStore(t, WithScanPageSize(2))
	for i := range 5 {
		createDoc(t, s, fmt.Sprintf("/n%d", i), rev(10))
	}

	seen := 0
	for _, err := range s.FindModifiedSince(context.Background(), 0) {
		require.NoError(t, err)
		seen++
		if seen == 3 {
			break
		}
	}
	assert.Equal(t, 3, seen)
}

func TestKVStore_ScanSurfacesBackendErrors(t *testing.T) {
	s, kv := newTestKVStore(t)
	createDoc(t, s, "/x", rev(10))
	kv.FailOn(func(op kvstore.Op, _ string) error {
		if op == kvstore.OpList {
			return errors.New("timeout")
		}
		return nil
	})

	var errs []error
	for _, err := range s.FindPossiblyDeleted(context.Background(), 100) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrStoreUnavailable)
}

func deleteDoc(t *testing.T, s Store, d *Document, r revision.Revision) *Document {
	t.Helper()
	deleted := d.Clone()
	deleted.MarkDeleted(r)
	status, err := s.CreateOrUpdate(context.Background(), deleted, d.LastModified)
	require.NoError(t, err)
	require.Equal(t, StatusUpdated, status)
	return deleted
}

func TestKVStore_FindPossiblyDeletedReadsOnlyRemovedDocuments(t *testing.T) {
	s, kv := newTestKVStore(t, WithScanPageSize(4))
	ctx := context.Background()
	for i := range 20 {
		createDoc(t, s, fmt.Sprintf("/live%02d", i), rev(10))
	}
	deleteDoc(t, s, createDoc(t, s, "/gone/a", rev(10)), rev(20))
	deleteDoc(t, s, createDoc(t, s, "/gone/b", rev(10)), rev(30))

	var gets []string
	kv.FailOn(func(op kvstore.Op, key string) error {
		if op == kvstore.OpGet {
			gets = append(gets, key)
		}
		return nil
	})

	var paths []string
	for doc, err := range s.FindPossiblyDeleted(ctx, 25) {
		require.NoError(t, err)
		paths = append(paths, doc.Path)
	}
	assert.Equal(t, []string{"/gone/a"}, paths)
	assert.Equal(t, []string{keys.DocumentKeyPath("/gone/a")}, gets, "younger removals are skipped on the index value")
}

func TestKVStore_DeletedIndexDropsStaleEntries(t *testing.T) {
	s, kv := newTestKVStore(t)
	ctx := context.Background()

	revived := deleteDoc(t, s, createDoc(t, s, "/revived", rev(10)), rev(20))
	again := revived.Clone()
	again.MarkCreated(rev(30))
	status, err := s.CreateOrUpdate(ctx, again, revived.LastModified)
	require.NoError(t, err)
	require.Equal(t, StatusUpdated, status)

	removed := deleteDoc(t, s, createDoc(t, s, "/removed", rev(10)), rev(20))
	ok, err := s.RemoveIfUnchanged(ctx, removed)
	require.NoError(t, err)
	require.True(t, ok)

	kept := deleteDoc(t, s, createDoc(t, s, "/kept", rev(10)), rev(20))

	var paths []string
	for doc, err := range s.FindPossiblyDeleted(ctx, 1000) {
		require.NoError(t, err)
		paths = append(paths, doc.Path)
	}
	assert.Equal(t, []string{kept.Path}, paths)

	entries, err := kv.List(ctx, keys.DeletedListPrefix(), keys.DeletedEndKey(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, keys.DeletedKeyPath("/kept"), entries[0].Key)
}
