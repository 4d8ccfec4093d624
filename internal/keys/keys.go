// Package keys provides key encoding/decoding for the backing key-value store.
//
// Node documents are stored under a single key segment so that backends with
// hierarchical key sorting (Oxia groups keys by their number of '/'
// segments) keep them in one ordered range:
//
//	/oak/v1/nodes/<depthZ>:<escapedPath>
//
// where depthZ is the zero-padded depth of the node path and escapedPath is
// the path with '/' percent-encoded. All children of a node therefore share
// the prefix <depth+1>:<escaped parent path>%2F.
//
// Journal records, commit intents and checkpoints are keyed by the
// fixed-width sort key of their revision:
//
//	/oak/v1/journal/<revisionSortKey>
//	/oak/v1/intents/<revisionSortKey>
//	/oak/v1/checkpoints/<revisionSortKey>
//
// The journal head and base are single keys next to the records. The
// deleted-once index holds one key per document that was ever removed,
// with the same id as the document key:
//
//	/oak/v1/deleted/<depthZ>:<escapedPath>
package keys

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/nleite/jackrabbit-oak/internal/revision"
)

// DepthWidth is the number of digits for zero-padded node depths.
const DepthWidth = 4

// Key prefixes.
const (
	// Prefix is the root prefix for all keys.
	Prefix = "/oak/v1"

	// NodesPrefix is the prefix for node documents.
	NodesPrefix = Prefix + "/nodes"

	// JournalPrefix is the prefix for commit journal records.
	// Format: /oak/v1/journal/<revisionSortKey>
	JournalPrefix = Prefix + "/journal"

	// JournalHeadKey holds a copy of the newest journal record. Commits
	// are ordered by compare-and-set on this key.
	JournalHeadKey = Prefix + "/journal-head"

	// JournalBaseKey holds the revision up to which the journal was
	// compacted.
	JournalBaseKey = Prefix + "/journal-base"

	// IntentsPrefix is the prefix for the intents of in-flight commits.
	// Format: /oak/v1/intents/<revisionSortKey>
	IntentsPrefix = Prefix + "/intents"

	// DeletedPrefix is the prefix of the deleted-once document index.
	// Format: /oak/v1/deleted/<depthZ>:<escapedPath>
	DeletedPrefix = Prefix + "/deleted"

	// CheckpointsPrefix is the prefix for checkpoint records.
	// Format: /oak/v1/checkpoints/<revisionSortKey>
	CheckpointsPrefix = Prefix + "/checkpoints"

	// ClusterPrefix is the prefix for cluster node records.
	// Format: /oak/v1/cluster/<clusterId>
	ClusterPrefix = Prefix + "/cluster"

	// BlobsPrefix is the object storage prefix for binary property values.
	BlobsPrefix = "oak/blobs"
)

// Common errors.
var (
	// ErrInvalidKey is returned when a key cannot be parsed.
	ErrInvalidKey = errors.New("keys: invalid key format")

	// ErrInvalidPath is returned for node paths that are not absolute and
	// normalized.
	ErrInvalidPath = errors.New("keys: invalid node path")
)

// EncodeUint64 encodes an unsigned 64-bit integer as a zero-padded
// decimal string of the specified width for lexicographic ordering.
func EncodeUint64(v uint64, width int) string {
	return fmt.Sprintf("%0*d", width, v)
}

// DecodeUint64 decodes a zero-padded decimal string back to uint64.
func DecodeUint64(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// =============================================================================
// Node documents
// =============================================================================

// DocumentKeyPath returns the key of the document for the node at path.
func DocumentKeyPath(path string) string {
	return NodesPrefix + "/" + documentID(Depth(path), path)
}

// DocumentsPrefix returns the prefix for listing every node document.
func DocumentsPrefix() string {
	return NodesPrefix + "/"
}

// DocumentsEndKey returns the exclusive upper bound for range scans over
// node documents.
func DocumentsEndKey() string {
	// '~' sorts after every depth digit.
	return NodesPrefix + "/~"
}

// ChildrenPrefix returns the prefix for listing the documents of the
// direct children of parent.
func ChildrenPrefix(parent string) string {
	childDir := parent
	if !strings.HasSuffix(childDir, "/") {
		childDir += "/"
	}
	return NodesPrefix + "/" + documentID(Depth(parent)+1, childDir)
}

// ParseDocumentKey returns the node path encoded in a document key.
func ParseDocumentKey(key string) (string, error) {
	prefix := NodesPrefix + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", ErrInvalidKey
	}
	id := key[len(prefix):]
	depthZ, escaped, ok := strings.Cut(id, ":")
	if !ok || len(depthZ) != DepthWidth {
		return "", ErrInvalidKey
	}
	depth, err := DecodeUint64(depthZ)
	if err != nil {
		return "", ErrInvalidKey
	}
	path, err := url.PathUnescape(escaped)
	if err != nil {
		return "", ErrInvalidKey
	}
	if ValidatePath(path) != nil || uint64(Depth(path)) != depth {
		return "", ErrInvalidKey
	}
	return path, nil
}

// DeletedKeyPath returns the deleted-once index key of the document for
// path.
func DeletedKeyPath(path string) string {
	return DeletedPrefix + "/" + documentID(Depth(path), path)
}

// DeletedListPrefix returns the prefix for listing the deleted-once index.
func DeletedListPrefix() string {
	return DeletedPrefix + "/"
}

// DeletedEndKey returns the exclusive upper bound for range scans over the
// deleted-once index.
func DeletedEndKey() string {
	return DeletedPrefix + "/~"
}

// ParseDeletedKey returns the node path of a deleted-once index key.
func ParseDeletedKey(key string) (string, error) {
	id, ok := strings.CutPrefix(key, DeletedPrefix+"/")
	if !ok {
		return "", ErrInvalidKey
	}
	return ParseDocumentKey(NodesPrefix + "/" + id)
}

func documentID(depth int, path string) string {
	return EncodeUint64(uint64(depth), DepthWidth) + ":" + url.PathEscape(path)
}

// =============================================================================
// Journal and checkpoints
// =============================================================================

// JournalKeyPath returns the journal record key for a commit revision.
func JournalKeyPath(rev revision.Revision) string {
	return JournalPrefix + "/" + rev.SortKey()
}

// JournalEndKey returns the exclusive upper bound for journal range scans.
func JournalEndKey() string {
	// '~' sorts after every character of a revision sort key.
	return JournalPrefix + "/~"
}

// ParseJournalKey parses a journal record key into its revision.
func ParseJournalKey(key string) (revision.Revision, error) {
	return parseRevisionKey(JournalPrefix+"/", key)
}

// IntentKeyPath returns the intent key of an in-flight commit.
func IntentKeyPath(rev revision.Revision) string {
	return IntentsPrefix + "/" + rev.SortKey()
}

// IntentsListPrefix returns the prefix for listing every intent.
func IntentsListPrefix() string {
	return IntentsPrefix + "/"
}

// ParseIntentKey parses an intent key into its revision.
func ParseIntentKey(key string) (revision.Revision, error) {
	return parseRevisionKey(IntentsPrefix+"/", key)
}

// CheckpointKeyPath returns the key of the checkpoint pinning rev.
func CheckpointKeyPath(rev revision.Revision) string {
	return CheckpointsPrefix + "/" + rev.SortKey()
}

// CheckpointsListPrefix returns the prefix for listing all checkpoints.
func CheckpointsListPrefix() string {
	return CheckpointsPrefix + "/"
}

// ParseCheckpointKey parses a checkpoint key into its revision.
func ParseCheckpointKey(key string) (revision.Revision, error) {
	return parseRevisionKey(CheckpointsPrefix+"/", key)
}

func parseRevisionKey(prefix, key string) (revision.Revision, error) {
	if !strings.HasPrefix(key, prefix) {
		return revision.Revision{}, ErrInvalidKey
	}
	rev, err := revision.ParseSortKey(key[len(prefix):])
	if err != nil {
		return revision.Revision{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return rev, nil
}

// ClusterKeyPath returns the key of the record for a cluster node.
func ClusterKeyPath(clusterID uint16) string {
	return fmt.Sprintf("%s/%05d", ClusterPrefix, clusterID)
}

// BlobObjectKey returns the object storage key for a blob id.
func BlobObjectKey(blobID string) string {
	return BlobsPrefix + "/" + blobID
}
