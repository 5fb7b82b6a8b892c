package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loykin/craftd/internal/backup/catalog"
	"github.com/loykin/craftd/internal/backup/content"
	"github.com/loykin/craftd/internal/backup/manifest"
	"github.com/loykin/craftd/internal/event"
	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/server"
)

// Restore replaces the server directory with the backup's recorded tree.
// The target must be stopped or crashed. The current contents are moved
// to a quarantine directory under the trash dir first, never deleted, so
// a bad restore can be recovered by hand. Blocks until done; once the
// tree has been touched the restore runs to completion or failure and
// ignores ctx.
func (e *Engine) Restore(ctx context.Context, backupID string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	row, err := e.cat.Get(ctx, backupID)
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownBackup, backupID)
	}
	if err != nil {
		return err
	}
	m, err := manifest.Read(row.ManifestPath)
	if err != nil {
		return err
	}
	st, err := e.fleet.Status(m.ServerID)
	if err != nil {
		return err
	}
	if st.State != server.StateStopped && st.State != server.StateCrashed {
		return fmt.Errorf("%w: %s is %s", ErrServerRunning, m.ServerID, st.State)
	}
	if err := e.acquire(m.ServerID); err != nil {
		return err
	}
	defer e.release(m.ServerID)

	e.opsMu.RLock()
	defer e.opsMu.RUnlock()

	// Refuse before touching the tree if any content is gone.
	var missing []string
	for _, f := range m.Files {
		if !e.store.Has(content.Key{Hash: f.Hash, Size: f.Size}) {
			missing = append(missing, f.Path)
		}
	}
	if len(missing) > 0 {
		err := fmt.Errorf("%w: %d of %d entries (first: %s)", ErrContentMissing, len(missing), len(m.Files), missing[0])
		e.failRestore(st.ID, backupID, m.Kind, err)
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	quarantine, err := e.quarantineTree(st.Dir, st.ID)
	if err != nil {
		err = fmt.Errorf("%w: quarantine: %v", ErrRestoreFailed, err)
		e.failRestore(st.ID, backupID, m.Kind, err)
		return err
	}
	e.logger.Info("pre-restore tree quarantined", "server", st.ID, "backup", backupID, "quarantine", quarantine)

	if err := e.materialize(st.Dir, backupID, m); err != nil {
		err = fmt.Errorf("%w: %v (pre-restore tree kept at %s)", ErrRestoreFailed, err, quarantine)
		e.failRestore(st.ID, backupID, m.Kind, err)
		return err
	}

	metrics.IncBackup("restore", "completed")
	e.journalOutcome(st.ID, Kind(m.Kind), "restore_completed", backupID)
	e.logger.Info("restore completed", "server", st.ID, "backup", backupID, "files", len(m.Files), "bytes", m.TotalSize)
	return nil
}

func (e *Engine) failRestore(serverID, backupID, kind string, err error) {
	metrics.IncBackup("restore", "failed")
	e.publish(event.Event{
		Kind:     event.KindBackupFailed,
		ServerID: serverID,
		Payload: event.BackupFailedPayload{
			BackupID: backupID,
			Kind:     kind,
			Op:       "restore",
			Error:    err.Error(),
		},
	})
	e.journalOutcome(serverID, Kind(kind), "restore_failed", err.Error())
	e.logger.Error("restore failed", "server", serverID, "backup", backupID, "error", err)
}

// quarantineTree moves the entries of dir into a fresh directory under
// the trash dir and returns its path. On a mid-move failure the entries
// already moved are put back so the tree is never left half-empty.
func (e *Engine) quarantineTree(dir, serverID string) (string, error) {
	base := filepath.Join(e.trashDir, serverID+"-"+time.Now().UTC().Format("20060102-150405"))
	dest := base
	for i := 2; ; i++ {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		dest = base + "-" + strconv.Itoa(i)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var moved []string
	for _, ent := range ents {
		from := filepath.Join(dir, ent.Name())
		if from == e.trashDir {
			continue
		}
		if err := os.Rename(from, filepath.Join(dest, ent.Name())); err != nil {
			for _, name := range moved {
				_ = os.Rename(filepath.Join(dest, name), filepath.Join(dir, name))
			}
			return "", err
		}
		moved = append(moved, ent.Name())
	}
	return dest, nil
}

// materialize writes the manifest's files back under dir. Every blob read
// verifies its digest while streaming, so damaged store bytes fail the
// entry instead of landing in the world.
func (e *Engine) materialize(dir, backupID string, m *manifest.Manifest) error {
	var done int64
	var lastPct float64
	e.reportProgress(m.ServerID, backupID, m.Kind, 0, 0, m.TotalSize)
	for _, f := range m.Files {
		target := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := e.restoreFile(target, content.Key{Hash: f.Hash, Size: f.Size}); err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
		done += f.Size
		lastPct = e.reportProgress(m.ServerID, backupID, m.Kind, lastPct, done, m.TotalSize)
	}
	return nil
}

func (e *Engine) restoreFile(target string, key content.Key) error {
	rc, err := e.store.Open(key)
	if err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		_ = rc.Close()
		return err
	}
	_, err = io.Copy(out, rc)
	if cerr := rc.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
