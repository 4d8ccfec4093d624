// Package revision defines the identifiers that stamp every commit.
//
// A Revision is {timestamp ms, counter, cluster id, branch flag}. Revisions
// are totally ordered by timestamp, then counter, then cluster id, then the
// branch flag (trunk before branch). The textual form follows the document
// store convention:
//
//	r<timestamp hex>-<counter hex>-<clusterId hex>
//
// with a leading "b" instead of "r" for branch revisions.
package revision

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRevision is returned when a revision string cannot be parsed.
var ErrInvalidRevision = errors.New("revision: invalid revision")

// Revision identifies a single atomic commit. The zero value is the "no
// revision" sentinel and sorts before every real revision.
type Revision struct {
	// Timestamp is the commit time in Unix milliseconds.
	Timestamp int64
	// Counter breaks ties between revisions of one writer in the same millisecond.
	Counter uint32
	// ClusterID identifies the writer.
	ClusterID uint16
	// Branch marks revisions that are not part of the trunk history.
	Branch bool
}

// New returns a trunk revision.
func New(timestamp int64, counter uint32, clusterID uint16) Revision {
	return Revision{Timestamp: timestamp, Counter: counter, ClusterID: clusterID}
}

// IsZero reports whether r is the zero revision.
func (r Revision) IsZero() bool {
	return r == Revision{}
}

// Compare returns -1, 0 or +1 depending on whether r sorts before, equal to
// or after o.
func (r Revision) Compare(o Revision) int {
	switch {
	case r.Timestamp < o.Timestamp:
		return -1
	case r.Timestamp > o.Timestamp:
		return 1
	case r.Counter < o.Counter:
		return -1
	case r.Counter > o.Counter:
		return 1
	case r.ClusterID < o.ClusterID:
		return -1
	case r.ClusterID > o.ClusterID:
		return 1
	case r.Branch == o.Branch:
		return 0
	case !r.Branch:
		return -1
	default:
		return 1
	}
}

// Compare is the function form of Revision.Compare, usable with slices.SortFunc.
func Compare(a, b Revision) int {
	return a.Compare(b)
}

// Before reports whether r sorts strictly before o.
func (r Revision) Before(o Revision) bool { return r.Compare(o) < 0 }

// After reports whether r sorts strictly after o.
func (r Revision) After(o Revision) bool { return r.Compare(o) > 0 }

// Max returns the greater of a and b.
func Max(a, b Revision) Revision {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

// Min returns the lesser of a and b.
func Min(a, b Revision) Revision {
	if a.Compare(b) <= 0 {
		return a
	}
	return b
}

// AsBranch returns r with the branch flag set.
func (r Revision) AsBranch() Revision {
	r.Branch = true
	return r
}

// AsTrunk returns r with the branch flag cleared.
func (r Revision) AsTrunk() Revision {
	r.Branch = false
	return r
}

// Time returns the timestamp as a time.Time.
func (r Revision) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// String returns the textual form, e.g. "r18d4f5e3a10-0-1".
func (r Revision) String() string {
	prefix := "r"
	if r.Branch {
		prefix = "b"
	}
	return prefix + strconv.FormatInt(r.Timestamp, 16) +
		"-" + strconv.FormatUint(uint64(r.Counter), 16) +
		"-" + strconv.FormatUint(uint64(r.ClusterID), 16)
}

// Parse parses the textual form produced by String.
func Parse(s string) (Revision, error) {
	if len(s) < 6 || (s[0] != 'r' && s[0] != 'b') {
		return Revision{}, fmt.Errorf("%w: %q", ErrInvalidRevision, s)
	}
	parts := strings.Split(s[1:], "-")
	if len(parts) != 3 {
		return Revision{}, fmt.Errorf("%w: %q", ErrInvalidRevision, s)
	}
	ts, err := strconv.ParseInt(parts[0], 16, 64)
	if err != nil || ts < 0 {
		return Revision{}, fmt.Errorf("%w: timestamp in %q", ErrInvalidRevision, s)
	}
	counter, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return Revision{}, fmt.Errorf("%w: counter in %q", ErrInvalidRevision, s)
	}
	clusterID, err := strconv.ParseUint(parts[2], 16, 16)
	if err != nil {
		return Revision{}, fmt.Errorf("%w: cluster id in %q", ErrInvalidRevision, s)
	}
	return Revision{
		Timestamp: ts,
		Counter:   uint32(counter),
		ClusterID: uint16(clusterID),
		Branch:    s[0] == 'b',
	}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Revision {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

const sortKeyLen = 16 + 1 + 8 + 1 + 4 + 2

// SortKey returns a fixed-width encoding whose lexicographic order matches
// Compare. Used for keys in the backing store.
func (r Revision) SortKey() string {
	branch := 0
	if r.Branch {
		branch = 1
	}
	return fmt.Sprintf("%016x-%08x-%04x-%d", r.Timestamp, r.Counter, r.ClusterID, branch)
}

// ParseSortKey parses the output of SortKey.
func ParseSortKey(s string) (Revision, error) {
	parts := strings.Split(s, "-")
	if len(s) != sortKeyLen || len(parts) != 4 || (parts[3] != "0" && parts[3] != "1") {
		return Revision{}, fmt.Errorf("%w: sort key %q", ErrInvalidRevision, s)
	}
	ts, err1 := strconv.ParseInt(parts[0], 16, 64)
	counter, err2 := strconv.ParseUint(parts[1], 16, 32)
	clusterID, err3 := strconv.ParseUint(parts[2], 16, 16)
	if err := errors.Join(err1, err2, err3); err != nil {
		return Revision{}, fmt.Errorf("%w: sort key %q: %v", ErrInvalidRevision, s, err)
	}
	return Revision{
		Timestamp: ts,
		Counter:   uint32(counter),
		ClusterID: uint16(clusterID),
		Branch:    parts[3] == "1",
	}, nil
}

// MarshalText implements encoding.TextMarshaler so revisions can be used as
// JSON map keys.
func (r Revision) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Revision) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
