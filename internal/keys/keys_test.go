package keys

import (
	"sort"
	"strings"
	"testing"

	"github.com/nleite/jackrabbit-oak/internal/revision"
)

func TestEncodeUint64(t *testing.T) {
	tests := []struct {
		name     string
		value    uint64
		width    int
		expected string
	}{
		{"zero", 0, DepthWidth, "0000"},
		{"one", 1, DepthWidth, "0001"},
		{"wide", 42, 8, "00000042"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := EncodeUint64(tc.value, tc.width)
			if result != tc.expected {
				t.Errorf("EncodeUint64(%d, %d) = %q, want %q", tc.value, tc.width, result, tc.expected)
			}
		})
	}
}

func TestDocumentKeyPath(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/", "/oak/v1/nodes/0000:%2F"},
		{"/x", "/oak/v1/nodes/0001:%2Fx"},
		{"/x/y", "/oak/v1/nodes/0002:%2Fx%2Fy"},
		{"/a b/c", "/oak/v1/nodes/0002:%2Fa%20b%2Fc"},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			key := DocumentKeyPath(tc.path)
			if key != tc.expected {
				t.Errorf("DocumentKeyPath(%q) = %q, want %q", tc.path, key, tc.expected)
			}
			if strings.Count(key, "/") != strings.Count(NodesPrefix, "/")+1 {
				t.Errorf("document key %q must stay a single segment under %q", key, NodesPrefix)
			}

			path, err := ParseDocumentKey(key)
			if err != nil {
				t.Fatalf("ParseDocumentKey(%q) failed: %v", key, err)
			}
			if path != tc.path {
				t.Errorf("ParseDocumentKey(%q) = %q, want %q", key, path, tc.path)
			}
		})
	}
}

func TestParseDocumentKey_Invalid(t *testing.T) {
	invalid := []string{
		"/oak/v1/journal/0001:%2Fx",
		"/oak/v1/nodes/",
		"/oak/v1/nodes/1:%2Fx",
		"/oak/v1/nodes/0002:%2Fx",
		"/oak/v1/nodes/0001:x",
		"/oak/v1/nodes/0001:%zz",
	}
	for _, key := range invalid {
		if _, err := ParseDocumentKey(key); err != ErrInvalidKey {
			t.Errorf("ParseDocumentKey(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestChildrenPrefix(t *testing.T) {
	tests := []struct {
		parent   string
		children []string
		others   []string
	}{
		{"/", []string{"/x", "/z"}, []string{"/", "/x/y"}},
		{"/x", []string{"/x/y", "/x/z"}, []string{"/x", "/xy", "/x/y/z", "/xa/b"}},
	}

	for _, tc := range tests {
		t.Run(tc.parent, func(t *testing.T) {
			prefix := ChildrenPrefix(tc.parent)
			for _, c := range tc.children {
				if !strings.HasPrefix(DocumentKeyPath(c), prefix) {
					t.Errorf("%q should be listed under %q", c, prefix)
				}
			}
			for _, o := range tc.others {
				if strings.HasPrefix(DocumentKeyPath(o), prefix) {
					t.Errorf("%q should not be listed under %q", o, prefix)
				}
			}
		})
	}
}

func TestJournalKeysSortByRevision(t *testing.T) {
	revs := []revision.Revision{
		revision.New(0x2000, 0, 1),
		revision.New(0x1000, 5, 1),
		revision.New(0x1000, 5, 2),
		revision.New(0x10000, 0, 0),
	}
	var keys []string
	for _, r := range revs {
		keys = append(keys, JournalKeyPath(r))
	}
	sort.Strings(keys)

	var got []revision.Revision
	for _, k := range keys {
		r, err := ParseJournalKey(k)
		if err != nil {
			t.Fatalf("ParseJournalKey(%q) failed: %v", k, err)
		}
		if k >= JournalEndKey() {
			t.Errorf("journal key %q must sort before end key", k)
		}
		got = append(got, r)
	}

	for i := 1; i < len(got); i++ {
		if got[i-1].Compare(got[i]) >= 0 {
			t.Errorf("journal keys out of revision order: %v before %v", got[i-1], got[i])
		}
	}
}

func TestCheckpointKeyRoundTrip(t *testing.T) {
	rev := revision.New(0x18d4f5e3a10, 3, 9)
	key := CheckpointKeyPath(rev)
	if !strings.HasPrefix(key, CheckpointsListPrefix()) {
		t.Errorf("checkpoint key %q must be under %q", key, CheckpointsListPrefix())
	}
	got, err := ParseCheckpointKey(key)
	if err != nil {
		t.Fatalf("ParseCheckpointKey failed: %v", err)
	}
	if got != rev {
		t.Errorf("ParseCheckpointKey = %v, want %v", got, rev)
	}

	if _, err := ParseCheckpointKey(JournalKeyPath(rev)); err == nil {
		t.Error("expected error parsing a journal key as checkpoint key")
	}
}

func TestDeletedKeyPath(t *testing.T) {
	for _, path := range []string{"/", "/x", "/a b/c"} {
		key := DeletedKeyPath(path)
		if !strings.HasPrefix(key, DeletedListPrefix()) || key >= DeletedEndKey() {
			t.Errorf("deleted key %q must be inside [%q, %q)", key, DeletedListPrefix(), DeletedEndKey())
		}
		got, err := ParseDeletedKey(key)
		if err != nil {
			t.Fatalf("ParseDeletedKey(%q) failed: %v", key, err)
		}
		if got != path {
			t.Errorf("ParseDeletedKey(%q) = %q, want %q", key, got, path)
		}
	}

	if _, err := ParseDeletedKey(DocumentKeyPath("/x")); err == nil {
		t.Error("expected error parsing a document key as deleted key")
	}
}

func TestJournalSingletonKeysStayOutOfRecordRange(t *testing.T) {
	for _, k := range []string{JournalHeadKey, JournalBaseKey} {
		if k >= JournalKeyPath(revision.Revision{}) && k < JournalEndKey() {
			t.Errorf("%q falls inside the journal record range", k)
		}
	}
	rev := revision.New(0x1000, 1, 2)
	got, err := ParseIntentKey(IntentKeyPath(rev))
	if err != nil {
		t.Fatalf("ParseIntentKey failed: %v", err)
	}
	if got != rev {
		t.Errorf("ParseIntentKey = %v, want %v", got, rev)
	}
}
