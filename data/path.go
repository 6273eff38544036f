package data

import (
	"fmt"
	"path"
	"strings"
)

// Normalize returns the canonical absolute form of p.
// A missing leading slash is tolerated, redundant slashes and
// dot segments are resolved.
func Normalize(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}

	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: '%s' contains NUL", ErrInvalidPath, p)
	}

	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}

	return path.Clean(p), nil
}

// ValidateName checks that name is usable as a single path segment.
func ValidateName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return fmt.Errorf("%w: invalid name '%s'", ErrInvalidPath, name)
	case strings.Contains(name, "/"):
		return fmt.Errorf("%w: name '%s' contains '/'", ErrInvalidPath, name)
	}

	return nil
}

// Split splits a normalized path into its parent path and base name.
// The root has neither.
func Split(p string) (parent, name string) {
	if p == "/" {
		return "", ""
	}

	return path.Dir(p), path.Base(p)
}

// Join appends name to a normalized parent path.
func Join(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}

	return parent + "/" + name
}

// IsRoot reports whether p is the tree root.
func IsRoot(p string) bool {
	return p == "/"
}

// WithinSubtree reports whether p lies inside the subtree rooted at root,
// including root itself. Both paths should be normalized.
func WithinSubtree(p, root string) bool {
	if root == "/" {
		return true
	}

	return p == root || strings.HasPrefix(p, root+"/")
}

// Depth returns the number of path segments; the root has depth 0.
func Depth(p string) int {
	if p == "/" {
		return 0
	}

	return strings.Count(p, "/")
}
