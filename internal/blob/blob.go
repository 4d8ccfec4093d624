// Package blob stores binary property values.
//
// A binary value is kept in a document as a string. Values up to the inline
// threshold are embedded as ":inline:" followed by their base64 encoding.
// Larger values are uploaded to object storage under a fresh uuid and the
// document holds ":blobId:<uuid>" instead.
package blob

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/nleite/jackrabbit-oak/internal/keys"
	"github.com/nleite/jackrabbit-oak/internal/objectstore"
)

const (
	// ReferencePrefix marks a value that points into object storage.
	ReferencePrefix = ":blobId:"

	// InlinePrefix marks a binary value embedded in the document.
	InlinePrefix = ":inline:"

	// DefaultInlineThreshold is the largest binary kept inside a document.
	DefaultInlineThreshold = 1024

	contentType = "application/octet-stream"
)

var (
	// ErrNotBinary is returned when a value is not an encoded binary.
	ErrNotBinary = errors.New("blob: not a binary value")

	// ErrNotFound is returned when a referenced blob is missing.
	ErrNotFound = errors.New("blob: not found")
)

// IsEncoded reports whether v is an encoded binary value. Plain string
// properties must not look like one.
func IsEncoded(v string) bool {
	return strings.HasPrefix(v, ReferencePrefix) || strings.HasPrefix(v, InlinePrefix)
}

// ParseReference returns the blob id of a reference value.
func ParseReference(v string) (string, bool) {
	id, ok := strings.CutPrefix(v, ReferencePrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Store uploads and reads binary values.
type Store struct {
	objects         objectstore.Store
	inlineThreshold int
}

// NewStore creates a Store on objects. A negative threshold stores every
// binary in object storage.
func NewStore(objects objectstore.Store, inlineThreshold int) *Store {
	return &Store{objects: objects, inlineThreshold: inlineThreshold}
}

// InlineThreshold returns the largest binary kept inside a document.
func (s *Store) InlineThreshold() int {
	return s.inlineThreshold
}

// Put encodes data as a property value, uploading it when it is larger than
// the inline threshold.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) <= s.inlineThreshold {
		return InlinePrefix + base64.StdEncoding.EncodeToString(data), nil
	}

	id := uuid.NewString()
	err := s.objects.PutWithOptions(ctx, keys.BlobObjectKey(id), bytes.NewReader(data), int64(len(data)), contentType,
		objectstore.PutOptions{IfNoneMatch: "*"})
	if err != nil {
		return "", fmt.Errorf("blob: upload %s: %w", id, err)
	}
	return ReferencePrefix + id, nil
}

// Read returns the bytes of an encoded binary value.
func (s *Store) Read(ctx context.Context, value string) ([]byte, error) {
	if enc, ok := strings.CutPrefix(value, InlinePrefix); ok {
		data, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotBinary, err)
		}
		return data, nil
	}

	id, ok := ParseReference(value)
	if !ok {
		return nil, ErrNotBinary
	}
	rc, err := s.objects.Get(ctx, keys.BlobObjectKey(id))
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", id, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Delete removes the object behind a reference value. It reports whether
// value was a reference; inline values have nothing to delete.
func (s *Store) Delete(ctx context.Context, value string) (bool, error) {
	id, ok := ParseReference(value)
	if !ok {
		return false, nil
	}
	if err := s.objects.Delete(ctx, keys.BlobObjectKey(id)); err != nil {
		return true, fmt.Errorf("blob: delete %s: %w", id, err)
	}
	return true, nil
}

// Info describes a stored blob.
type Info struct {
	ID string
	// Size is the blob length in bytes.
	Size int64
	// CreatedAt is the upload time in Unix milliseconds.
	CreatedAt int64
}

// Reference returns the property value that points at the blob.
func (i Info) Reference() string {
	return ReferencePrefix + i.ID
}

// List returns every stored blob.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	objects, err := s.objects.List(ctx, keys.BlobsPrefix+"/")
	if err != nil {
		return nil, fmt.Errorf("blob: list: %w", err)
	}
	out := make([]Info, 0, len(objects))
	for _, o := range objects {
		out = append(out, Info{
			ID:        strings.TrimPrefix(o.Key, keys.BlobsPrefix+"/"),
			Size:      o.Size,
			CreatedAt: o.LastModified,
		})
	}
	return out, nil
}
