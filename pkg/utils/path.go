package utils

import (
	"fmt"
	"path"
	"strings"
)

// SplitPath splits a slash-separated path inside a filesystem image into
// its components. Leading, trailing and repeated slashes are ignored and
// "." components dropped. ".." is rejected since the walk never leaves the
// image root.
//
// Example usage:
//
//	parts, err := SplitPath("/docs/notes.txt") // ["docs", "notes.txt"]
func SplitPath(p string) ([]string, error) {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return nil, fmt.Errorf("path contains directory traversal: %s", p)
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// SplitParent returns the components of p's parent directory and the final
// component. The root itself has no final component and is rejected.
func SplitParent(p string) ([]string, string, error) {
	parts, err := SplitPath(p)
	if err != nil {
		return nil, "", err
	}
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("path %q names the root directory", p)
	}
	return parts[:len(parts)-1], parts[len(parts)-1], nil
}

// JoinPath joins components back into an absolute image path.
func JoinPath(parts ...string) string {
	return path.Join(append([]string{"/"}, parts...)...)
}
