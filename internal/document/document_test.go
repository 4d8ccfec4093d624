package document

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nleite/jackrabbit-oak/internal/revision"
)

func rev(ts int64) revision.Revision {
	return revision.New(ts, 0, 1)
}

func str(s string) *string { return &s }

func committedUpTo(limit revision.Revision) CommitChecker {
	return CommitCheckerFunc(func(r revision.Revision) bool {
		return r.Compare(limit) <= 0
	})
}

func TestNodeAt_ResolvesGreatestRevisionAtOrBefore(t *testing.T) {
	d := New("/x")
	d.MarkCreated(rev(10))
	d.SetProperty("p", rev(10), str("a"))
	d.SetProperty("p", rev(20), str("b"))
	d.SetProperty("q", rev(20), str("q"))
	d.SetProperty("p", rev(30), nil)

	assert.Nil(t, d.NodeAt(rev(5), AllCommitted), "not created yet")

	n := d.NodeAt(rev(10), AllCommitted)
	require.NotNil(t, n)
	assert.Equal(t, map[string]string{"p": "a"}, n.Properties)
	assert.Equal(t, rev(10), n.LastRevision)

	n = d.NodeAt(rev(25), AllCommitted)
	require.NotNil(t, n)
	assert.Equal(t, map[string]string{"p": "b", "q": "q"}, n.Properties)
	assert.Equal(t, rev(20), n.LastRevision)

	n = d.NodeAt(rev(30), AllCommitted)
	require.NotNil(t, n)
	assert.Equal(t, []string{"q"}, n.PropertyNames())
	assert.Equal(t, rev(30), n.LastRevision)
	assert.Equal(t, rev(30), d.LastModified)
}

func TestNodeAt_IgnoresUncommittedAndBranchRevisions(t *testing.T) {
	d := New("/x")
	d.MarkCreated(rev(10))
	d.SetProperty("p", rev(10), str("committed"))
	d.SetProperty("p", rev(20), str("in flight"))
	d.SetProperty("p", rev(15).AsBranch(), str("branch"))

	n := d.NodeAt(rev(100), committedUpTo(rev(10)))
	require.NotNil(t, n)
	v, ok := n.Property("p")
	assert.True(t, ok)
	assert.Equal(t, "committed", v)

	n = d.NodeAt(rev(100), AllCommitted)
	require.NotNil(t, n)
	v, _ = n.Property("p")
	assert.Equal(t, "in flight", v)
}

func TestMarkDeleted_TombstonesLiveProperties(t *testing.T) {
	d := New("/z")
	d.MarkCreated(rev(10))
	d.SetProperty("p", rev(10), str("a"))
	d.SetProperty("gone", rev(10), str("x"))
	d.SetProperty("gone", rev(11), nil)

	d.MarkDeleted(rev(20))

	require.NotNil(t, d.DeletedAt)
	assert.Equal(t, rev(20), *d.DeletedAt)
	assert.True(t, d.DeletedOnce)
	assert.Equal(t, rev(20), d.LastModified)
	assert.Nil(t, d.Properties["p"][rev(20)])
	_, rewritten := d.Properties["gone"][rev(20)]
	assert.False(t, rewritten, "already removed property gets no new entry")

	assert.True(t, d.ExistsAt(rev(19), AllCommitted))
	assert.False(t, d.ExistsAt(rev(20), AllCommitted))
	assert.Nil(t, d.NodeAt(rev(25), AllCommitted))
}

func TestRecreate_StartsNewLifetime(t *testing.T) {
	d := New("/z")
	d.MarkCreated(rev(10))
	d.SetProperty("old", rev(10), str("a"))
	d.MarkDeleted(rev(20))
	d.MarkCreated(rev(30))
	d.SetProperty("new", rev(30), str("b"))

	assert.Nil(t, d.DeletedAt, "recreation clears the tombstone")
	assert.True(t, d.DeletedOnce)
	assert.Equal(t, rev(30), d.LastModified)

	assert.Nil(t, d.NodeAt(rev(25), AllCommitted))

	n := d.NodeAt(rev(30), AllCommitted)
	require.NotNil(t, n)
	if diff := cmp.Diff(map[string]string{"new": "b"}, n.Properties); diff != "" {
		t.Errorf("properties mismatch (-want +got):\n%s", diff)
	}

	old := d.NodeAt(rev(15), AllCommitted)
	require.NotNil(t, old)
	if diff := cmp.Diff(map[string]string{"old": "a"}, old.Properties); diff != "" {
		t.Errorf("old lifetime mismatch (-want +got):\n%s", diff)
	}
}

func TestPurge_DropsEntriesAndRecomputes(t *testing.T) {
	d := New("/x")
	d.MarkCreated(rev(10))
	d.SetProperty("p", rev(10), str("a"))
	d.MarkDeleted(rev(20))

	removed := d.Purge(func(r revision.Revision) bool { return r == rev(20) })
	assert.True(t, removed)
	assert.Nil(t, d.DeletedAt)
	assert.Equal(t, rev(10), d.LastModified)
	assert.True(t, d.ExistsAt(rev(30), AllCommitted))

	assert.False(t, d.Purge(func(revision.Revision) bool { return false }))

	d.Purge(func(revision.Revision) bool { return true })
	assert.True(t, d.IsEmpty())
	assert.True(t, d.LastModified.IsZero())
}

func TestUnseenRevision(t *testing.T) {
	d := New("/x")
	d.MarkCreated(rev(10))
	d.SetProperty("p", rev(20), str("a"))
	d.SetProperty("p", rev(30), str("b"))

	_, found := d.UnseenRevision(rev(30), AllCommitted)
	assert.False(t, found)

	r, found := d.UnseenRevision(rev(15), AllCommitted)
	assert.True(t, found)
	assert.Equal(t, rev(30), r)

	// An uncommitted entry below the base is still unseen.
	r, found = d.UnseenRevision(rev(30), committedUpTo(rev(20)))
	assert.True(t, found)
	assert.Equal(t, rev(30), r)

	d.SetProperty("p", rev(40).AsBranch(), str("branch"))
	_, found = d.UnseenRevision(rev(30), AllCommitted)
	assert.False(t, found, "branch entries are ignored")
}

// commitsAt maps entry revisions to later commit revisions.
type commitsAt map[revision.Revision]revision.Revision

func (c commitsAt) CommitRevision(r revision.Revision) (revision.Revision, bool) {
	cr, ok := c[r]
	return cr, ok
}

func TestNodeAt_UsesCommitRevision(t *testing.T) {
	d := New("/x")
	d.MarkCreated(rev(10))
	d.SetProperty("p", rev(10), str("a"))
	// rev(20) was ordered behind rev(30) and became visible at rev(40).
	d.SetProperty("p", rev(20), str("late"))
	d.SetProperty("q", rev(30), str("q"))
	checker := commitsAt{rev(10): rev(10), rev(20): rev(40), rev(30): rev(30)}

	n := d.NodeAt(rev(35), checker)
	require.NotNil(t, n)
	assert.Equal(t, map[string]string{"p": "a", "q": "q"}, n.Properties)

	n = d.NodeAt(rev(40), checker)
	require.NotNil(t, n)
	assert.Equal(t, "late", n.Properties["p"])

	r, found := d.UnseenRevision(rev(35), checker)
	assert.True(t, found)
	assert.Equal(t, rev(20), r)
}

func TestClone_IsDeep(t *testing.T) {
	d := New("/x")
	d.MarkCreated(rev(10))
	d.SetProperty("p", rev(10), str("a"))
	d.MarkDeleted(rev(20))

	c := d.Clone()
	c.SetProperty("p", rev(30), str("b"))
	*c.Properties["p"][rev(10)] = "mutated"
	*c.DeletedAt = rev(99)

	assert.Equal(t, "a", *d.Properties["p"][rev(10)])
	assert.Equal(t, rev(20), *d.DeletedAt)
	assert.Len(t, d.Properties["p"], 2)
}

func TestValues_IncludesHistory(t *testing.T) {
	d := New("/x")
	d.MarkCreated(rev(10))
	d.SetProperty("p", rev(10), str("a"))
	d.SetProperty("p", rev(20), str("b"))
	d.SetProperty("q", rev(20), nil)

	var got []string
	for v := range d.Values() {
		got = append(got, v)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestClearProperties_KeepsNodeAlive(t *testing.T) {
	d := New("/x")
	d.MarkCreated(rev(10))
	d.SetProperty("p", rev(10), str("a"))

	d.ClearProperties(rev(20))
	d.SetProperty("n", rev(20), str("new"))

	n := d.NodeAt(rev(20), AllCommitted)
	require.NotNil(t, n)
	assert.Equal(t, map[string]string{"n": "new"}, n.Properties)
	assert.False(t, d.DeletedOnce)
}
