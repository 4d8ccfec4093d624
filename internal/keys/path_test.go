package keys

import (
	"reflect"
	"testing"
)

func TestValidatePath(t *testing.T) {
	valid := []string{"/", "/x", "/x/y", "/a b/c:d"}
	for _, p := range valid {
		if err := ValidatePath(p); err != nil {
			t.Errorf("ValidatePath(%q) = %v, want nil", p, err)
		}
	}

	invalid := []string{"", "x", "/x/", "//x", "/x//y", "/x/./y", "/x/.."}
	for _, p := range invalid {
		if err := ValidatePath(p); err != ErrInvalidPath {
			t.Errorf("ValidatePath(%q) = %v, want ErrInvalidPath", p, err)
		}
	}
}

func TestPathHelpers(t *testing.T) {
	tests := []struct {
		path   string
		depth  int
		parent string
		name   string
	}{
		{"/", 0, "/", ""},
		{"/x", 1, "/", "x"},
		{"/x/y", 2, "/x", "y"},
	}
	for _, tc := range tests {
		if got := Depth(tc.path); got != tc.depth {
			t.Errorf("Depth(%q) = %d, want %d", tc.path, got, tc.depth)
		}
		if got := ParentPath(tc.path); got != tc.parent {
			t.Errorf("ParentPath(%q) = %q, want %q", tc.path, got, tc.parent)
		}
		if got := PathName(tc.path); got != tc.name {
			t.Errorf("PathName(%q) = %q, want %q", tc.path, got, tc.name)
		}
	}

	if got := JoinPath("/", "x"); got != "/x" {
		t.Errorf("JoinPath(/, x) = %q", got)
	}
	if got := JoinPath("/x", "y"); got != "/x/y" {
		t.Errorf("JoinPath(/x, y) = %q", got)
	}
}

func TestIsAncestor(t *testing.T) {
	tests := []struct {
		a, p string
		want bool
	}{
		{"/", "/x", true},
		{"/", "/", false},
		{"/x", "/x/y", true},
		{"/x", "/xy", false},
		{"/x/y", "/x", false},
	}
	for _, tc := range tests {
		if got := IsAncestor(tc.a, tc.p); got != tc.want {
			t.Errorf("IsAncestor(%q, %q) = %v, want %v", tc.a, tc.p, got, tc.want)
		}
	}
}

func TestAncestors(t *testing.T) {
	if got := Ancestors("/"); len(got) != 0 {
		t.Errorf("Ancestors(/) = %v, want empty", got)
	}
	want := []string{"/", "/a", "/a/b"}
	if got := Ancestors("/a/b/c"); !reflect.DeepEqual(got, want) {
		t.Errorf("Ancestors(/a/b/c) = %v, want %v", got, want)
	}
}
