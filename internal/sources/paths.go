package sources

import (
	"fmt"
	"path/filepath"
	"strings"
)

// IsURL reports whether a value is shaped like an absolute http(s) URL.
// URL-shaped values are treated as remote even when supplied in a local-path
// field; a path wins only when it is not URL-shaped.
func IsURL(value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}

// ValidateLocalPath enforces the client-path rules: the path must be
// absolute, must not contain a parent-directory traversal segment, and must
// resolve under one of the allowed roots. Checked before the resolver ever
// touches the filesystem.
func ValidateLocalPath(path string, allowedRoots []string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path %q is not absolute", path)
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return fmt.Errorf("path %q contains a parent-directory traversal segment", path)
		}
	}

	clean := filepath.Clean(path)
	for _, root := range allowedRoots {
		if root == "" {
			continue
		}
		cleanRoot := filepath.Clean(root)
		if clean == cleanRoot || strings.HasPrefix(clean, cleanRoot+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path %q is outside the allowed directories", path)
}
