package keys

import "strings"

// RootPath is the path of the root node.
const RootPath = "/"

// ValidatePath checks that path is absolute and normalized: it starts with
// '/', has no empty, "." or ".." segments and no trailing '/' except for the
// root itself.
func ValidatePath(path string) error {
	if path == RootPath {
		return nil
	}
	if !strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return ErrInvalidPath
	}
	for _, name := range strings.Split(path[1:], "/") {
		if name == "" || name == "." || name == ".." {
			return ErrInvalidPath
		}
	}
	return nil
}

// Depth returns the number of names in path. The root has depth 0.
func Depth(path string) int {
	if path == RootPath {
		return 0
	}
	return strings.Count(path, "/")
}

// ParentPath returns the parent of path. The parent of the root is the root.
func ParentPath(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return RootPath
	}
	return path[:i]
}

// PathName returns the last name of path, or "" for the root.
func PathName(path string) string {
	return path[strings.LastIndexByte(path, '/')+1:]
}

// JoinPath appends name to parent.
func JoinPath(parent, name string) string {
	if parent == RootPath {
		return RootPath + name
	}
	return parent + "/" + name
}

// IsAncestor reports whether ancestor is a strict ancestor of path.
func IsAncestor(ancestor, path string) bool {
	if ancestor == path {
		return false
	}
	if ancestor == RootPath {
		return strings.HasPrefix(path, "/")
	}
	return strings.HasPrefix(path, ancestor+"/")
}

// Ancestors returns every strict ancestor of path from the root down.
func Ancestors(path string) []string {
	var out []string
	for p := path; p != RootPath; {
		p = ParentPath(p)
		out = append(out, p)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
