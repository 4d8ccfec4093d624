// Package document implements the versioned document that persists one node
// of the content tree, and the Store adapter over the backing key-value
// medium.
//
// A Document never loses history on write. Every property keeps a map from
// the revision that wrote it to the value (nil for a removed property), and
// the node's existence is tracked the same way: Deleted[R] is true when the
// node was removed at R and false when it was created at R.
//
// An entry becomes visible at the commit revision of the change that wrote
// it, which is never before the entry's own revision and may be later when
// the change was ordered behind commits it raced with. A reader at revision
// asOf resolves each entry to the committed trunk revision with the greatest
// commit revision at or before asOf.
//
// Removing a node sets DeletedAt and tombstones every live property under the
// same revision, so a node created again later starts a new, empty lifetime.
// Documents are only physically removed by the version garbage collector.
package document

import (
	"iter"
	"maps"
	"slices"

	"github.com/nleite/jackrabbit-oak/internal/keys"
	"github.com/nleite/jackrabbit-oak/internal/kvstore"
	"github.com/nleite/jackrabbit-oak/internal/revision"
)

// CommitChecker resolves the revision of a change to the commit revision at
// which the change became visible. Entries written under uncommitted
// revisions are invisible to readers.
type CommitChecker interface {
	CommitRevision(rev revision.Revision) (revision.Revision, bool)
}

// CommitCheckerFunc adapts a predicate to CommitChecker. A revision it
// accepts is visible from the revision itself on.
type CommitCheckerFunc func(rev revision.Revision) bool

// CommitRevision returns rev if f(rev).
func (f CommitCheckerFunc) CommitRevision(rev revision.Revision) (revision.Revision, bool) {
	return rev, f(rev)
}

// AllCommitted treats every revision as committed.
var AllCommitted CommitChecker = CommitCheckerFunc(func(revision.Revision) bool { return true })

// Document is the persisted record of one node.
type Document struct {
	// Path is the node path; it identifies the document.
	Path string `json:"path"`

	// Properties holds every value each property ever had, keyed by the
	// revision that wrote it. A nil value is a removal.
	Properties map[string]map[revision.Revision]*string `json:"props,omitempty"`

	// Deleted holds the node's existence history: true marks a removal,
	// false a creation.
	Deleted map[revision.Revision]bool `json:"deleted,omitempty"`

	// DeletedAt is the revision of the removal that ended the current
	// lifetime. It is cleared when the node is created again.
	DeletedAt *revision.Revision `json:"deletedAt,omitempty"`

	// DeletedOnce is set by the first removal and never cleared.
	DeletedOnce bool `json:"deletedOnce,omitempty"`

	// LastModified is the greatest revision that touched the document.
	LastModified revision.Revision `json:"lastModified"`

	// version is the backing store version the document was read at.
	version kvstore.Version
}

// New returns an empty document for path.
func New(path string) *Document {
	return &Document{
		Path:       path,
		Properties: make(map[string]map[revision.Revision]*string),
		Deleted:    make(map[revision.Revision]bool),
	}
}

// Key returns the backing store key of the document.
func (d *Document) Key() string {
	return keys.DocumentKeyPath(d.Path)
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	c := New(d.Path)
	for name, values := range d.Properties {
		m := make(map[revision.Revision]*string, len(values))
		for rev, v := range values {
			if v != nil {
				s := *v
				v = &s
			}
			m[rev] = v
		}
		c.Properties[name] = m
	}
	maps.Copy(c.Deleted, d.Deleted)
	if d.DeletedAt != nil {
		r := *d.DeletedAt
		c.DeletedAt = &r
	}
	c.DeletedOnce = d.DeletedOnce
	c.LastModified = d.LastModified
	c.version = d.version
	return c
}

func (d *Document) touch(rev revision.Revision) {
	d.LastModified = revision.Max(d.LastModified, rev)
}

// SetProperty records value for name at rev. A nil value removes the
// property as of rev.
func (d *Document) SetProperty(name string, rev revision.Revision, value *string) {
	values, ok := d.Properties[name]
	if !ok {
		values = make(map[revision.Revision]*string)
		d.Properties[name] = values
	}
	values[rev] = value
	d.touch(rev)
}

// MarkCreated starts a new lifetime of the node at rev.
func (d *Document) MarkCreated(rev revision.Revision) {
	d.Deleted[rev] = false
	d.DeletedAt = nil
	d.touch(rev)
}

// ClearProperties gives every property whose latest entry holds a value a
// removal entry at rev.
func (d *Document) ClearProperties(rev revision.Revision) {
	for name, values := range d.Properties {
		if last, ok := latest(values); ok && values[last] != nil {
			d.SetProperty(name, rev, nil)
		}
	}
}

// MarkDeleted ends the current lifetime of the node at rev. Live properties
// are cleared at rev as well.
func (d *Document) MarkDeleted(rev revision.Revision) {
	d.ClearProperties(rev)
	d.Deleted[rev] = true
	r := rev
	d.DeletedAt = &r
	d.DeletedOnce = true
	d.touch(rev)
}

// Revisions returns every revision recorded in the document, ascending.
func (d *Document) Revisions() []revision.Revision {
	seen := make(map[revision.Revision]struct{})
	for _, values := range d.Properties {
		for rev := range values {
			seen[rev] = struct{}{}
		}
	}
	for rev := range d.Deleted {
		seen[rev] = struct{}{}
	}
	out := slices.Collect(maps.Keys(seen))
	slices.SortFunc(out, revision.Compare)
	return out
}

// Purge drops every entry written under a revision for which drop returns
// true and recomputes DeletedAt and LastModified. It reports whether
// anything was removed.
func (d *Document) Purge(drop func(revision.Revision) bool) bool {
	removed := false
	for name, values := range d.Properties {
		for rev := range values {
			if drop(rev) {
				delete(values, rev)
				removed = true
			}
		}
		if len(values) == 0 {
			delete(d.Properties, name)
		}
	}
	for rev := range d.Deleted {
		if drop(rev) {
			delete(d.Deleted, rev)
			removed = true
		}
	}
	if !removed {
		return false
	}

	d.LastModified = revision.Revision{}
	for _, rev := range d.Revisions() {
		d.touch(rev)
	}
	d.DeletedAt = nil
	if last, ok := latest(d.Deleted); ok && d.Deleted[last] {
		r := last
		d.DeletedAt = &r
	}
	return true
}

// Values yields every value any property ever held, removals excluded.
func (d *Document) Values() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, values := range d.Properties {
			for _, v := range values {
				if v != nil && !yield(*v) {
					return
				}
			}
		}
	}
}

// IsEmpty reports whether the document holds no entries at all.
func (d *Document) IsEmpty() bool {
	return len(d.Properties) == 0 && len(d.Deleted) == 0
}

// Version returns the backing store version the document was read at, or
// 0 for a document that was never stored.
func (d *Document) Version() kvstore.Version {
	return d.version
}

// visible returns the commit revision of rev if a reader at asOf sees it.
func visible(rev, asOf revision.Revision, checker CommitChecker) (revision.Revision, bool) {
	if rev.Branch {
		return revision.Revision{}, false
	}
	c, ok := checker.CommitRevision(rev)
	if !ok || c.Compare(asOf) > 0 {
		return revision.Revision{}, false
	}
	return c, true
}

// resolve returns the revision in m with the greatest commit revision
// visible at asOf.
func resolve[V any](m map[revision.Revision]V, asOf revision.Revision, checker CommitChecker) (revision.Revision, bool) {
	var (
		best, bestCommit revision.Revision
		found            bool
	)
	for rev := range m {
		c, ok := visible(rev, asOf, checker)
		if !ok {
			continue
		}
		if !found || c.After(bestCommit) || (c == bestCommit && rev.After(best)) {
			best, bestCommit, found = rev, c, true
		}
	}
	return best, found
}

func latest[V any](m map[revision.Revision]V) (revision.Revision, bool) {
	var (
		best  revision.Revision
		found bool
	)
	for rev := range m {
		if !found || rev.After(best) {
			best, found = rev, true
		}
	}
	return best, found
}

// ExistsAt reports whether the node is alive for a reader at asOf.
func (d *Document) ExistsAt(asOf revision.Revision, checker CommitChecker) bool {
	rev, ok := resolve(d.Deleted, asOf, checker)
	return ok && !d.Deleted[rev]
}

// NodeAt returns the snapshot of the node visible at asOf, or nil if the
// node does not exist at asOf.
func (d *Document) NodeAt(asOf revision.Revision, checker CommitChecker) *Node {
	created, ok := resolve(d.Deleted, asOf, checker)
	if !ok || d.Deleted[created] {
		return nil
	}
	n := &Node{
		Path:         d.Path,
		Properties:   make(map[string]string),
		LastRevision: created,
	}
	for name, values := range d.Properties {
		rev, ok := resolve(values, asOf, checker)
		if !ok {
			continue
		}
		n.LastRevision = revision.Max(n.LastRevision, rev)
		if v := values[rev]; v != nil {
			n.Properties[name] = *v
		}
	}
	return n
}

// UnseenRevision returns the greatest trunk revision in the document that a
// reader at base does not see, whether it is committed or not. Any such
// revision is a change the base did not include.
func (d *Document) UnseenRevision(base revision.Revision, checker CommitChecker) (revision.Revision, bool) {
	var (
		best  revision.Revision
		found bool
	)
	for _, rev := range d.Revisions() {
		if rev.Branch {
			continue
		}
		if _, ok := visible(rev, base, checker); !ok {
			best, found = rev, true
		}
	}
	return best, found
}

// Node is the state of a node at one revision.
type Node struct {
	Path       string
	Properties map[string]string
	// LastRevision is the greatest visible revision that touched the node.
	LastRevision revision.Revision
}

// Name returns the last path segment.
func (n *Node) Name() string {
	return keys.PathName(n.Path)
}

// Property returns the value of name and whether it is set.
func (n *Node) Property(name string) (string, bool) {
	v, ok := n.Properties[name]
	return v, ok
}

// PropertyNames returns the property names in sorted order.
func (n *Node) PropertyNames() []string {
	return slices.Sorted(maps.Keys(n.Properties))
}
