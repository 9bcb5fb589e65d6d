package tools

import (
	"fmt"
	"path/filepath"
	"strings"
)

// safeJoin resolves rel under base, rejecting traversal. Leading slashes
// are treated as base-relative rather than absolute.
func safeJoin(base, rel string) (string, error) {
	clean := filepath.Clean(strings.TrimPrefix(rel, "/"))
	if clean == "." || clean == "" {
		return base, nil
	}
	for _, part := range strings.Split(filepath.ToSlash(clean), "/") {
		if part == ".." {
			return "", fmt.Errorf("path escapes sandbox: %q", rel)
		}
	}
	return filepath.Join(base, clean), nil
}
