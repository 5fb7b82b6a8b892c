package backup

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/craftd/internal/backup/catalog"
	"github.com/loykin/craftd/internal/backup/content"
	"github.com/loykin/craftd/internal/backup/manifest"
	"github.com/loykin/craftd/internal/event"
	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/server"
)

// CreateFull starts a full backup of the server and returns its backup ID
// immediately. Every file's bytes are re-ensured in the content store even
// when a blob with the same key already exists.
func (e *Engine) CreateFull(serverID, comment string) (string, error) {
	return e.create(KindFull, serverID, comment)
}

// CreateSnapshot starts an incremental backup: files whose content the
// store already holds are recorded in the manifest without storing bytes
// again.
func (e *Engine) CreateSnapshot(serverID, comment string) (string, error) {
	return e.create(KindSnapshot, serverID, comment)
}

func (e *Engine) create(kind Kind, serverID, comment string) (string, error) {
	st, err := e.fleet.Status(serverID)
	if err != nil {
		return "", err
	}
	if err := e.acquire(serverID); err != nil {
		return "", err
	}
	id := uuid.NewString()
	go e.runCreate(kind, id, st, comment)
	return id, nil
}

// runCreate executes one backup on its own goroutine. It holds the ops
// lock shared for its whole run so a concurrent sweep can never collect a
// blob written before the manifest lands.
func (e *Engine) runCreate(kind Kind, id string, st server.Status, comment string) {
	defer e.release(st.ID)
	e.opsMu.RLock()
	defer e.opsMu.RUnlock()

	start := time.Now()
	m, err := e.buildBackup(kind, id, st, comment)
	if err != nil {
		metrics.IncBackup(string(kind), "failed")
		e.publish(event.Event{
			Kind:     event.KindBackupFailed,
			ServerID: st.ID,
			Payload: event.BackupFailedPayload{
				BackupID: id,
				Kind:     string(kind),
				Op:       "create",
				Error:    err.Error(),
			},
		})
		e.journalOutcome(st.ID, kind, "backup_failed", err.Error())
		e.logger.Error("backup failed", "server", st.ID, "backup", id, "kind", string(kind), "error", err)
		return
	}

	metrics.IncBackup(string(kind), "completed")
	metrics.AddBackupBytes(m.TotalSize)
	e.updateBlobStats()
	e.publish(event.Event{
		Kind:     event.KindBackupCompleted,
		ServerID: st.ID,
		Payload: event.BackupCompletedPayload{
			BackupID:   id,
			Kind:       string(kind),
			Files:      len(m.Files),
			TotalBytes: m.TotalSize,
		},
	})
	e.journalOutcome(st.ID, kind, "backup_completed", id)
	e.logger.Info("backup completed",
		"server", st.ID, "backup", id, "kind", string(kind),
		"files", len(m.Files), "bytes", m.TotalSize, "elapsed", time.Since(start))
}

func (e *Engine) buildBackup(kind Kind, id string, st server.Status, comment string) (*manifest.Manifest, error) {
	if st.State == server.StateRunning && !st.Type.IsProxy() {
		e.settleWorld(st.ID)
	}

	files, total, err := e.scanTree(st.Dir)
	if err != nil {
		return nil, err
	}

	m := &manifest.Manifest{
		ID:        id,
		ServerID:  st.ID,
		Kind:      string(kind),
		CreatedAt: time.Now().UTC(),
		Comment:   comment,
	}
	e.reportProgress(st.ID, id, string(kind), 0, 0, total)

	var done int64
	var lastPct float64
	for _, f := range files {
		key, err := content.HashFile(f.abs)
		if err != nil {
			return nil, err
		}
		if kind == KindFull || !e.store.Has(key) {
			if err := e.store.Put(key, f.abs); err != nil {
				return nil, err
			}
		}
		m.Files = append(m.Files, manifest.Entry{Path: f.rel, Hash: key.Hash, Size: key.Size})
		m.TotalSize += key.Size
		done += key.Size
		lastPct = e.reportProgress(st.ID, id, string(kind), lastPct, done, total)
	}

	path := e.manifestPath(st.ID, id)
	if err := manifest.Write(path, m); err != nil {
		return nil, err
	}
	row := catalog.Row{
		ID:           id,
		ServerID:     st.ID,
		Kind:         string(kind),
		CreatedAt:    m.CreatedAt,
		Comment:      comment,
		TotalSize:    m.TotalSize,
		FileCount:    len(m.Files),
		ManifestPath: path,
	}
	if err := e.cat.Upsert(context.Background(), row); err != nil {
		return nil, err
	}
	return m, nil
}

// settleWorld asks a running server to flush its world to disk and waits
// for the acknowledgement line, bounded by the settle delay. Best effort:
// a server that never acknowledges is still backed up.
func (e *Engine) settleWorld(serverID string) {
	var sub *event.Subscription
	if e.bus != nil {
		sub = e.bus.Subscribe(
			event.WithServer(serverID),
			event.WithKinds(event.KindLogLine),
			event.WithBuffer(256),
		)
		defer sub.Unsubscribe()
	}
	if err := e.fleet.Command(serverID, e.saveCommand); err != nil {
		e.logger.Debug("save command skipped", "server", serverID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.settleDelay)
	defer cancel()
	if sub == nil {
		<-ctx.Done()
		return
	}
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if lp, ok := ev.Payload.(event.LogLinePayload); ok && e.savedPattern.MatchString(lp.Line) {
			return
		}
	}
}

type treeFile struct {
	abs string
	rel string
}

// scanTree lists the regular files under root with slash-relative paths.
// The quarantine area is skipped in case it nests under a server dir;
// symlinks and other non-regular entries are not backed up.
func (e *Engine) scanTree(root string) ([]treeFile, int64, error) {
	var files []treeFile
	var total int64
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && p == e.trashDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			e.logger.Debug("skipping non-regular file", "path", p)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, treeFile{abs: p, rel: filepath.ToSlash(rel)})
		total += info.Size()
		return nil
	})
	return files, total, err
}

// reportProgress publishes backup or restore progress, throttled to
// whole-percent steps so large trees do not flood the bus.
func (e *Engine) reportProgress(serverID, backupID, kind string, lastPct float64, done, total int64) float64 {
	pct := 1.0
	if total > 0 {
		pct = float64(done) / float64(total)
	}
	if pct > 1 {
		pct = 1
	}
	if done > 0 && pct-lastPct < 0.01 {
		return lastPct
	}
	e.publish(event.Event{
		Kind:     event.KindBackupProgress,
		ServerID: serverID,
		Payload: event.BackupProgressPayload{
			BackupID:   backupID,
			Kind:       kind,
			Progress:   pct,
			Bytes:      done,
			TotalBytes: total,
		},
	})
	return pct
}
