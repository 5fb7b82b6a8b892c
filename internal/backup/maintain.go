package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/craftd/internal/backup/catalog"
	"github.com/loykin/craftd/internal/backup/content"
	"github.com/loykin/craftd/internal/backup/manifest"
)

// List returns catalog entries newest first. An empty serverID lists
// every server's backups.
func (e *Engine) List(ctx context.Context, serverID string) ([]Info, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	rows, err := e.cat.List(ctx, serverID)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(rows))
	for _, r := range rows {
		out = append(out, infoFromRow(r))
	}
	return out, nil
}

// Get returns one backup's catalog entry.
func (e *Engine) Get(ctx context.Context, backupID string) (Info, error) {
	if err := e.begin(); err != nil {
		return Info{}, err
	}
	defer e.end()

	row, err := e.cat.Get(ctx, backupID)
	if errors.Is(err, catalog.ErrNotFound) {
		return Info{}, fmt.Errorf("%w: %s", ErrUnknownBackup, backupID)
	}
	if err != nil {
		return Info{}, err
	}
	return infoFromRow(row), nil
}

// Delete removes a backup's manifest and catalog row, then sweeps blobs
// no retained backup references.
func (e *Engine) Delete(ctx context.Context, backupID string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := e.remove(ctx, backupID); err != nil {
		return err
	}
	return e.sweep()
}

func (e *Engine) remove(ctx context.Context, backupID string) error {
	e.opsMu.RLock()
	defer e.opsMu.RUnlock()

	row, err := e.cat.Get(ctx, backupID)
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownBackup, backupID)
	}
	if err != nil {
		return err
	}
	if err := os.Remove(row.ManifestPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := e.cat.Delete(ctx, backupID); err != nil {
		return err
	}
	e.logger.Info("backup deleted", "server", row.ServerID, "backup", backupID)
	return nil
}

// Verify checks that every manifest entry's blob is present and returns
// the relative paths whose content is missing.
func (e *Engine) Verify(ctx context.Context, backupID string) ([]string, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.end()

	e.opsMu.RLock()
	defer e.opsMu.RUnlock()

	row, err := e.cat.Get(ctx, backupID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackup, backupID)
	}
	if err != nil {
		return nil, err
	}
	m, err := manifest.Read(row.ManifestPath)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, f := range m.Files {
		if !e.store.Has(content.Key{Hash: f.Hash, Size: f.Size}) {
			missing = append(missing, f.Path)
		}
	}
	return missing, nil
}

// Reindex rebuilds the catalog from the manifest files on disk and
// returns how many it indexed. Use it when the database is lost or the
// manifests were copied in from elsewhere.
func (e *Engine) Reindex(ctx context.Context) (int, error) {
	if err := e.begin(); err != nil {
		return 0, err
	}
	defer e.end()

	e.opsMu.Lock()
	defer e.opsMu.Unlock()

	if err := e.cat.Clear(ctx); err != nil {
		return 0, err
	}
	n := 0
	err := e.eachManifest(func(path string, m *manifest.Manifest) error {
		row := catalog.Row{
			ID:           m.ID,
			ServerID:     m.ServerID,
			Kind:         m.Kind,
			CreatedAt:    m.CreatedAt,
			Comment:      m.Comment,
			TotalSize:    m.TotalSize,
			FileCount:    len(m.Files),
			ManifestPath: path,
		}
		if err := e.cat.Upsert(ctx, row); err != nil {
			return err
		}
		n++
		return nil
	})
	if err == nil {
		e.logger.Info("catalog reindexed", "backups", n)
	}
	return n, err
}

// sweep removes blobs no manifest references. It aborts without deleting
// anything when a manifest cannot be read: an unreadable manifest means
// the reference set is unknown.
func (e *Engine) sweep() error {
	e.opsMu.Lock()
	defer e.opsMu.Unlock()

	keep := make(map[content.Key]struct{})
	err := e.eachManifest(func(_ string, m *manifest.Manifest) error {
		for _, f := range m.Files {
			keep[content.Key{Hash: f.Hash, Size: f.Size}] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return err
	}
	removed, freed, err := e.store.Sweep(func(k content.Key) bool {
		_, ok := keep[k]
		return ok
	})
	if err != nil {
		return err
	}
	if removed > 0 {
		e.logger.Info("content store swept", "blobs", removed, "freed_bytes", freed)
	}
	e.updateBlobStats()
	return nil
}

// eachManifest visits every manifest under the backup dir.
func (e *Engine) eachManifest(fn func(path string, m *manifest.Manifest) error) error {
	root := filepath.Join(e.dir, "manifests")
	servers, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, srv := range servers {
		if !srv.IsDir() {
			continue
		}
		dir := filepath.Join(root, srv.Name())
		ents, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, ent := range ents {
			if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, ent.Name())
			m, err := manifest.Read(path)
			if err != nil {
				return err
			}
			if err := fn(path, m); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetPolicy sets a server's retention policy. An empty serverID sets the
// default used by servers without one of their own.
func (e *Engine) SetPolicy(serverID string, p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if serverID == "" {
		e.policy = p
		return
	}
	e.policies[serverID] = p
}

func (e *Engine) policyFor(serverID string) Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.policies[serverID]; ok {
		return p
	}
	return e.policy
}

// PruneServer removes the server's backups that fall outside its
// retention policy, sweeps, and returns how many it removed.
func (e *Engine) PruneServer(ctx context.Context, serverID string) (int, error) {
	if err := e.begin(); err != nil {
		return 0, err
	}
	defer e.end()

	removed, err := e.pruneOne(ctx, serverID)
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		if err := e.sweep(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// PruneAll prunes every server present in the catalog, then sweeps once.
func (e *Engine) PruneAll(ctx context.Context) (int, error) {
	if err := e.begin(); err != nil {
		return 0, err
	}
	defer e.end()

	rows, err := e.cat.List(ctx, "")
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{})
	total := 0
	for _, r := range rows {
		if _, ok := seen[r.ServerID]; ok {
			continue
		}
		seen[r.ServerID] = struct{}{}
		n, err := e.pruneOne(ctx, r.ServerID)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		if err := e.sweep(); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Engine) pruneOne(ctx context.Context, serverID string) (int, error) {
	p := e.policyFor(serverID)
	if p.MaxCount <= 0 && p.MaxAge <= 0 {
		return 0, nil
	}
	rows, err := e.cat.List(ctx, serverID)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-p.MaxAge)
	removed := 0
	for i, r := range rows {
		beyondCount := p.MaxCount > 0 && i >= p.MaxCount
		beyondAge := p.MaxAge > 0 && r.CreatedAt.Before(cutoff)
		if !beyondCount && !beyondAge {
			continue
		}
		if err := e.remove(ctx, r.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		e.logger.Info("retention pruned backups", "server", serverID, "removed", removed)
	}
	return removed, nil
}

// newCron accepts five-field specs, an optional leading seconds field,
// and @descriptors.
func newCron() *cron.Cron {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return cron.New(cron.WithParser(parser))
}

// Schedule runs PruneAll on a cron schedule until Close.
func (e *Engine) Schedule(spec string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.cron == nil {
		e.cron = newCron()
	}
	_, err := e.cron.AddFunc(spec, func() {
		n, err := e.PruneAll(context.Background())
		switch {
		case errors.Is(err, ErrClosed):
		case err != nil:
			e.logger.Warn("scheduled prune failed", "error", err)
		case n > 0:
			e.logger.Info("scheduled prune removed backups", "count", n)
		}
	})
	if err != nil {
		return err
	}
	e.cron.Start()
	return nil
}
