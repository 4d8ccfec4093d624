package commit

import (
	"testing"

	"github.com/nleite/jackrabbit-oak/internal/keys"
	"github.com/nleite/jackrabbit-oak/internal/revision"
)

func paths(changes []*Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Path
	}
	return out
}

func TestBuilder_NodeRegistersAncestors(t *testing.T) {
	b := NewBuilder(revision.Revision{})
	if _, err := b.Node("/a/b/c"); err != nil {
		t.Fatalf("Node failed: %v", err)
	}
	got := paths(b.Changes())
	want := []string{"/", "/a", "/a/b", "/a/b/c"}
	if len(got) != len(want) {
		t.Fatalf("changes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("changes = %v, want %v", got, want)
		}
	}
	for _, c := range b.Changes() {
		if !c.Exists || c.Remove {
			t.Errorf("change %s = %+v", c.Path, c)
		}
	}
}

func TestBuilder_ChangesAreParentsFirst(t *testing.T) {
	b := NewBuilder(revision.Revision{})
	for _, p := range []string{"/z/y", "/a", "/m/n/o"} {
		if _, err := b.Node(p); err != nil {
			t.Fatal(err)
		}
	}
	prev := -1
	for _, c := range b.Changes() {
		d := keys.Depth(c.Path)
		if d < prev {
			t.Fatalf("changes not ordered by depth: %v", paths(b.Changes()))
		}
		prev = d
	}
}

func TestBuilder_PropertyEdits(t *testing.T) {
	b := NewBuilder(revision.Revision{})
	n := b.Root()
	if err := n.SetProperty("p", "v"); err != nil {
		t.Fatal(err)
	}
	if err := n.SetBinary("p", []byte("bin")); err != nil {
		t.Fatal(err)
	}
	if err := n.RemoveProperty("q"); err != nil {
		t.Fatal(err)
	}

	c := b.changes["/"]
	if _, ok := c.Properties["p"]; ok {
		t.Error("binary must replace the pending string value")
	}
	if string(c.Binaries["p"]) != "bin" {
		t.Errorf("binary = %q", c.Binaries["p"])
	}
	if v, ok := c.Properties["q"]; !ok || v != nil {
		t.Errorf("removal not recorded: %v", c.Properties)
	}

	if err := n.SetProperty("p", "again"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Binaries["p"]; ok {
		t.Error("string value must replace the pending binary")
	}
}

func TestBuilder_RejectsReservedValuesAndBadNames(t *testing.T) {
	n := NewBuilder(revision.Revision{}).Root()

	for _, v := range []string{":blobId:123", ":inline:abc"} {
		if err := n.SetProperty("p", v); err == nil {
			t.Errorf("SetProperty(%q) succeeded", v)
		}
	}
	if err := n.SetProperty("a/b", "v"); err == nil {
		t.Error("property name with slash accepted")
	}
	if _, err := n.Child(""); err == nil {
		t.Error("empty child name accepted")
	}
	if _, err := NewBuilder(revision.Revision{}).Node("relative"); err == nil {
		t.Error("relative path accepted")
	}
}

func TestBuilder_RemoveDropsSubtreeEdits(t *testing.T) {
	b := NewBuilder(revision.Revision{})
	c, err := b.Node("/a/b/c")
	if err != nil {
		t.Fatal(err)
	}
	_ = c.SetProperty("p", "v")

	a, _ := b.Node("/a")
	if err := a.Remove(); err != nil {
		t.Fatal(err)
	}

	got := paths(b.Changes())
	if len(got) != 2 || got[0] != "/" || got[1] != "/a" {
		t.Fatalf("changes = %v", got)
	}
	if ch := b.changes["/a"]; !ch.Remove || ch.Exists {
		t.Errorf("/a change = %+v", ch)
	}

	// Navigating back turns the removal into a replacement.
	if _, err := b.Node("/a"); err != nil {
		t.Fatal(err)
	}
	if ch := b.changes["/a"]; !ch.Remove || !ch.Exists {
		t.Errorf("/a change = %+v", ch)
	}

	if err := b.Root().Remove(); err == nil {
		t.Error("removing the root succeeded")
	}
}

func TestBuilder_ClosedAfterDiscard(t *testing.T) {
	b := NewBuilder(revision.Revision{})
	n := b.Root()
	b.Discard()

	if b.State() != StateDiscarded {
		t.Fatalf("state = %s", b.State())
	}
	if err := n.SetProperty("p", "v"); err == nil {
		t.Error("edit after discard succeeded")
	}
	if _, err := b.Node("/x"); err == nil {
		t.Error("navigation after discard succeeded")
	}
	if !b.IsEmpty() {
		t.Error("discarded builder holds edits")
	}
}
