package worker

import (
	"path/filepath"
	"strings"
)

// within reports whether candidate is cwd itself or a descendant of it.
func within(cwd, candidate string) bool {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return false
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(cwdAbs, candAbs)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
