package fileops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RootResolver maps a server id to its root directory. The supervisor's
// status lookup serves as one.
type RootResolver func(serverID string) (string, error)

// sandbox confines relative paths to one server's root.
type sandbox struct {
	root string // absolute, cleaned
}

func newSandbox(root string) (sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return sandbox{}, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return sandbox{root: filepath.Clean(abs)}, nil
}

// resolve turns a root-relative path into an absolute one, rejecting
// anything that would land outside the root.
func (s sandbox) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathOutOfScope)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is absolute", ErrPathOutOfScope, rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutOfScope, rel)
	}
	abs := filepath.Join(s.root, clean)
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutOfScope, rel)
	}
	return abs, nil
}

// relativize maps an absolute path under the root back to the external
// root-relative form.
func (s sandbox) relativize(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}
