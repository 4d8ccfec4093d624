package objectstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func putString(t *testing.T, s Store, key, content string) {
	t.Helper()
	if err := s.Put(context.Background(), key, strings.NewReader(content), int64(len(content)), "text/plain"); err != nil {
		t.Fatalf("Put(%s) failed: %v", key, err)
	}
}

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	putString(t, s, "oak/blobs/a", "hello")

	rc, err := s.Get(ctx, "oak/blobs/a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "hello" {
		t.Errorf("Get = %q, want hello", data)
	}

	list, err := s.List(ctx, "oak/blobs/a")
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %v, %v", list, err)
	}
	if meta := list[0]; meta.Size != 5 || meta.ContentType != "text/plain" || meta.ETag == "" {
		t.Errorf("unexpected meta: %+v", meta)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	var objErr *ObjectError
	if !errors.As(err, &objErr) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v, want ObjectError wrapping ErrNotFound", err)
	}
	if objErr.Key != "missing" {
		t.Errorf("ObjectError.Key = %q", objErr.Key)
	}
	if err := s.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete of missing object = %v", err)
	}
}

func TestMemoryStore_CreateOnlyAndSizeCheck(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	opts := PutOptions{IfNoneMatch: "*"}

	if err := s.PutWithOptions(ctx, "k", strings.NewReader("a"), 1, "", opts); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if err := s.PutWithOptions(ctx, "k", strings.NewReader("b"), 1, "", opts); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("second put = %v, want ErrPreconditionFailed", err)
	}
	if err := s.Put(ctx, "short", strings.NewReader("abc"), 10, ""); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if _, err := s.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Error("failed put must not store the object")
	}
}

func TestMemoryStore_ListIsSortedByKey(t *testing.T) {
	s := NewMemoryStore()
	for _, k := range []string{"oak/blobs/c", "oak/blobs/a", "other/x", "oak/blobs/b"} {
		putString(t, s, k, k)
	}

	list, err := s.List(context.Background(), "oak/blobs/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	var got []string
	for _, m := range list {
		got = append(got, m.Key)
	}
	want := "oak/blobs/a,oak/blobs/b,oak/blobs/c"
	if strings.Join(got, ",") != want {
		t.Errorf("List = %v, want %s", got, want)
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Close()
	ctx := context.Background()

	if err := s.Put(ctx, "k", strings.NewReader("x"), 1, ""); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Put = %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Get = %v", err)
	}
	if _, err := s.List(ctx, ""); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("List = %v", err)
	}
}
