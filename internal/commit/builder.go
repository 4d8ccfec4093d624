package commit

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/nleite/jackrabbit-oak/internal/blob"
	"github.com/nleite/jackrabbit-oak/internal/keys"
	"github.com/nleite/jackrabbit-oak/internal/revision"
)

var (
	// ErrBuilderClosed is returned when a builder is used after it was
	// merged or discarded.
	ErrBuilderClosed = errors.New("commit: builder is no longer open")

	// ErrReservedValue is returned for string values that would read back as
	// binary values.
	ErrReservedValue = errors.New("commit: value uses a reserved prefix")
)

// State is the lifecycle state of a Builder.
type State int

const (
	StateOpen State = iota
	StateCommitted
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitted:
		return "committed"
	case StateDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Change is the pending edit of one node.
type Change struct {
	Path string

	// Remove drops the node's current state together with its subtree.
	Remove bool

	// Exists is set when the node must exist after the commit. With Remove
	// it replaces the node by an empty one.
	Exists bool

	// Properties maps names to new values; nil removes the property.
	Properties map[string]*string

	// Binaries holds binary values to be stored before the commit.
	Binaries map[string][]byte
}

func (c *Change) touchesProperties() bool {
	return len(c.Properties) > 0 || len(c.Binaries) > 0
}

// Builder collects edits against the tree as of a base revision. It is
// owned by one writer and merged at most once.
type Builder struct {
	base    revision.Revision
	state   State
	changes map[string]*Change
}

// NewBuilder starts an empty set of changes on top of base.
func NewBuilder(base revision.Revision) *Builder {
	return &Builder{base: base, changes: make(map[string]*Change)}
}

// Base returns the revision the builder's edits were made against.
func (b *Builder) Base() revision.Revision { return b.base }

// State returns the lifecycle state.
func (b *Builder) State() State { return b.state }

// Discard drops all pending edits. Discarding a merged builder is a no-op.
func (b *Builder) Discard() {
	if b.state == StateOpen {
		b.state = StateDiscarded
		clear(b.changes)
	}
}

// Root returns the builder of the root node.
func (b *Builder) Root() *NodeBuilder {
	return &NodeBuilder{b: b, path: keys.RootPath}
}

// Node returns the builder for path, registering every ancestor as a node
// that must exist.
func (b *Builder) Node(path string) (*NodeBuilder, error) {
	if err := keys.ValidatePath(path); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	for _, p := range append(keys.Ancestors(path), path) {
		b.change(p).Exists = true
	}
	return &NodeBuilder{b: b, path: path}, nil
}

// Changes returns the pending edits ordered parents first.
func (b *Builder) Changes() []*Change {
	return sortChanges(slices.Collect(maps.Values(b.changes)))
}

func sortChanges(changes []*Change) []*Change {
	slices.SortFunc(changes, func(x, y *Change) int {
		if d := keys.Depth(x.Path) - keys.Depth(y.Path); d != 0 {
			return d
		}
		return strings.Compare(x.Path, y.Path)
	})
	return changes
}

// IsEmpty reports whether the builder holds no edits.
func (b *Builder) IsEmpty() bool {
	return len(b.changes) == 0
}

func (b *Builder) checkOpen() error {
	if b.state != StateOpen {
		return fmt.Errorf("%w: %s", ErrBuilderClosed, b.state)
	}
	return nil
}

func (b *Builder) change(path string) *Change {
	c, ok := b.changes[path]
	if !ok {
		c = &Change{Path: path}
		b.changes[path] = c
	}
	return c
}

// NodeBuilder edits one node of a Builder.
type NodeBuilder struct {
	b    *Builder
	path string
}

// Path returns the node path.
func (n *NodeBuilder) Path() string { return n.path }

// Child returns the builder of the named child, which will exist after the
// commit.
func (n *NodeBuilder) Child(name string) (*NodeBuilder, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("%w: child name %q", keys.ErrInvalidPath, name)
	}
	return n.b.Node(keys.JoinPath(n.path, name))
}

// SetProperty sets a string property.
func (n *NodeBuilder) SetProperty(name, value string) error {
	if blob.IsEncoded(value) {
		return fmt.Errorf("%w: %s/%s", ErrReservedValue, n.path, name)
	}
	c, err := n.edit(name)
	if err != nil {
		return err
	}
	delete(c.Binaries, name)
	c.Properties[name] = &value
	return nil
}

// SetBinary sets a binary property. Large values are stored outside the
// node document when the builder is merged.
func (n *NodeBuilder) SetBinary(name string, data []byte) error {
	c, err := n.edit(name)
	if err != nil {
		return err
	}
	if c.Binaries == nil {
		c.Binaries = make(map[string][]byte)
	}
	delete(c.Properties, name)
	c.Binaries[name] = slices.Clone(data)
	return nil
}

// RemoveProperty removes a property.
func (n *NodeBuilder) RemoveProperty(name string) error {
	c, err := n.edit(name)
	if err != nil {
		return err
	}
	delete(c.Binaries, name)
	c.Properties[name] = nil
	return nil
}

// Remove removes the node and its subtree. Edits of the subtree made so
// far are dropped. Calling Child on the parent afterwards replaces the node
// with an empty one.
func (n *NodeBuilder) Remove() error {
	if err := n.b.checkOpen(); err != nil {
		return err
	}
	if n.path == keys.RootPath {
		return fmt.Errorf("%w: the root node cannot be removed", keys.ErrInvalidPath)
	}
	for p := range n.b.changes {
		if keys.IsAncestor(n.path, p) {
			delete(n.b.changes, p)
		}
	}
	n.b.changes[n.path] = &Change{Path: n.path, Remove: true}
	return nil
}

func (n *NodeBuilder) edit(name string) (*Change, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("%w: property name %q", keys.ErrInvalidPath, name)
	}
	if err := n.b.checkOpen(); err != nil {
		return nil, err
	}
	c := n.b.change(n.path)
	c.Exists = true
	if c.Properties == nil {
		c.Properties = make(map[string]*string)
	}
	return c, nil
}
