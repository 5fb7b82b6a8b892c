// Package manifest persists the authoritative record of one backup: which
// relative paths existed and which content keys held their bytes. The
// catalog database is derived from these files and can always be rebuilt
// from them.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrCorrupt reports a manifest file that exists but cannot be decoded.
var ErrCorrupt = errors.New("manifest: corrupt")

// Entry maps one file in the server directory to its stored content.
// Path is slash-separated and relative to the server directory root.
type Entry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Manifest describes one completed backup.
type Manifest struct {
	ID        string    `json:"id"`
	ServerID  string    `json:"server_id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Comment   string    `json:"comment,omitempty"`
	TotalSize int64     `json:"total_size"`
	Files     []Entry   `json:"files"`
}

// Write stores m at path atomically. Files are sorted by path so two
// manifests of the same tree serialize identically.
func Write(path string, m *Manifest) error {
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Path < m.Files[j].Path })

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Read loads the manifest at path. Decode failures wrap ErrCorrupt;
// a missing file surfaces as the underlying os error.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if m.ID == "" || m.ServerID == "" {
		return nil, fmt.Errorf("%w: %s: missing identity fields", ErrCorrupt, path)
	}
	return &m, nil
}
