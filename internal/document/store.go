package document

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/nleite/jackrabbit-oak/internal/revision"
)

// ErrStoreUnavailable is returned when the backing medium fails. The
// operation had no effect and may be retried by the caller.
var ErrStoreUnavailable = errors.New("document: store unavailable")

// UpdateStatus is the outcome of a conditional document write.
type UpdateStatus int

const (
	// StatusUpdated means the write was applied.
	StatusUpdated UpdateStatus = iota
	// StatusConflict means the stored document changed since the caller
	// read it; nothing was written.
	StatusConflict
	// StatusUnavailable means the backing store failed; nothing was
	// written.
	StatusUnavailable
)

func (s UpdateStatus) String() string {
	switch s {
	case StatusUpdated:
		return "updated"
	case StatusConflict:
		return "conflict"
	case StatusUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("UpdateStatus(%d)", int(s))
	}
}

// Store is the document store adapter: keyed reads, conditional writes and
// scans over the documents of the backing medium.
type Store interface {
	// Find returns the document for path, or nil if there is none.
	Find(ctx context.Context, path string) (*Document, error)

	// CreateOrUpdate writes doc if the stored document's LastModified still
	// equals expected. A zero expected revision requires that no document
	// exists for doc.Path. The returned error is non-nil only together with
	// StatusUnavailable.
	CreateOrUpdate(ctx context.Context, doc *Document, expected revision.Revision) (UpdateStatus, error)

	// Remove physically deletes the document for path. Removing a missing
	// document is not an error.
	Remove(ctx context.Context, path string) error

	// RemoveIfUnchanged physically deletes doc if the stored document still
	// has doc's LastModified. It reports whether the document was removed.
	RemoveIfUnchanged(ctx context.Context, doc *Document) (bool, error)

	// Children returns the documents of the direct children of parent,
	// ordered by path, including deleted ones.
	Children(ctx context.Context, parent string) ([]*Document, error)

	// FindModifiedSince lazily yields every document whose LastModified
	// timestamp is at or after sinceMs. The sequence is finite and may be
	// restarted by calling FindModifiedSince again.
	FindModifiedSince(ctx context.Context, sinceMs int64) iter.Seq2[*Document, error]

	// FindPossiblyDeleted lazily yields documents that have been removed at
	// least once and were last modified before olderThanMs. These are the
	// candidates of version garbage collection. The scan may clean up
	// bookkeeping for documents that are gone or alive again.
	FindPossiblyDeleted(ctx context.Context, olderThanMs int64) iter.Seq2[*Document, error]
}
