// Package backup creates, restores, and retains point-in-time copies of
// server directories. File bodies live once in a content-addressed store,
// manifests record which paths a backup held, and a SQLite catalog indexes
// the manifests for listing. Manifests stay authoritative: the catalog and
// the blob set can both be rebuilt from them.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/craftd/internal/backup/catalog"
	"github.com/loykin/craftd/internal/backup/compress"
	"github.com/loykin/craftd/internal/backup/content"
	"github.com/loykin/craftd/internal/event"
	"github.com/loykin/craftd/internal/journal"
	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/server"
)

// Kind distinguishes the two backup flavors. Both are content-addressed;
// a full backup re-ensures every blob's bytes while a snapshot trusts the
// store and skips blobs it already holds.
type Kind string

const (
	KindFull     Kind = "full"
	KindSnapshot Kind = "snapshot"
)

// Info is one catalog entry, the externally visible shape of a backup.
type Info struct {
	ID        string    `json:"id"`
	ServerID  string    `json:"server_id"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Comment   string    `json:"comment,omitempty"`
	TotalSize int64     `json:"total_size"`
	FileCount int       `json:"file_count"`
}

// Policy bounds how many backups a server retains. Zero fields do not
// constrain: the zero Policy keeps everything.
type Policy struct {
	MaxCount int
	MaxAge   time.Duration
}

// Fleet is the supervisor surface the engine needs: status snapshots to
// decide settling and restore eligibility, and a console path for the
// world-save flush.
type Fleet interface {
	Status(serverID string) (server.Status, error)
	Command(serverID, cmd string) error
}

const (
	defaultSaveCommand  = "save-all"
	defaultSavedPattern = `Saved the game`
	defaultSettleDelay  = 3 * time.Second
)

// Engine owns the backup directory tree:
//
//	<dir>/blobs/      content store
//	<dir>/manifests/  one JSON manifest per backup
//	<dir>/catalog.db  derived SQLite index
//
// At most one backup or restore runs per server. Sweeping the content
// store excludes all other operations, so a blob written by an in-flight
// backup can never be collected before its manifest lands.
type Engine struct {
	dir      string
	trashDir string
	store    *content.Store
	cat      *catalog.Catalog
	fleet    Fleet
	bus      *event.Bus
	sink     journal.Sink
	logger   *slog.Logger

	// opsMu serializes sweeps against everything else: create, restore,
	// delete, and verify hold it shared, sweep and reindex exclusively.
	opsMu sync.RWMutex

	mu       sync.Mutex
	slots    map[string]struct{}
	policies map[string]Policy
	policy   Policy
	closed   bool

	cron *cron.Cron
	wg   sync.WaitGroup

	saveCommand  string
	savedPattern *regexp.Regexp
	patternSrc   string
	settleDelay  time.Duration
	codecName    string
}

// Option customizes an Engine.
type Option func(*Engine)

// WithBus sets the event bus progress and terminal events publish to.
func WithBus(b *event.Bus) Option { return func(e *Engine) { e.bus = b } }

// WithJournal sets the sink backup and restore outcomes are persisted to.
func WithJournal(j journal.Sink) Option { return func(e *Engine) { e.sink = j } }

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithTrashDir overrides where restores quarantine the pre-restore tree.
// The default is <dir>/trash.
func WithTrashDir(dir string) Option { return func(e *Engine) { e.trashDir = dir } }

// WithCompression selects the codec new blobs are written with. Reads
// always auto-detect, so this is safe to change between runs.
func WithCompression(name string) Option { return func(e *Engine) { e.codecName = name } }

// WithPolicy sets the default retention policy. Per-server overrides go
// through SetPolicy.
func WithPolicy(p Policy) Option { return func(e *Engine) { e.policy = p } }

// WithSettle tunes the world-save flush issued before backing up a
// running server: the console command, the console line confirming the
// save, and how long to wait when no confirmation arrives. Zero values
// keep the defaults.
func WithSettle(command, pattern string, delay time.Duration) Option {
	return func(e *Engine) {
		if command != "" {
			e.saveCommand = command
		}
		if pattern != "" {
			e.patternSrc = pattern
		}
		if delay > 0 {
			e.settleDelay = delay
		}
	}
}

// New opens or creates the backup tree under dir.
func New(dir string, fleet Fleet, opts ...Option) (*Engine, error) {
	if fleet == nil {
		return nil, errors.New("backup: nil fleet")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		dir:          abs,
		fleet:        fleet,
		logger:       slog.Default(),
		slots:        make(map[string]struct{}),
		policies:     make(map[string]Policy),
		saveCommand:  defaultSaveCommand,
		savedPattern: regexp.MustCompile(defaultSavedPattern),
		settleDelay:  defaultSettleDelay,
	}
	for _, o := range opts {
		o(e)
	}
	if e.patternSrc != "" {
		if e.savedPattern, err = regexp.Compile(e.patternSrc); err != nil {
			return nil, fmt.Errorf("saved pattern: %w", err)
		}
	}
	if e.trashDir == "" {
		e.trashDir = filepath.Join(e.dir, "trash")
	}
	if e.trashDir, err = filepath.Abs(e.trashDir); err != nil {
		return nil, err
	}

	codec, err := compress.ByName(e.codecName)
	if err != nil {
		return nil, err
	}
	if e.store, err = content.New(filepath.Join(e.dir, "blobs"), codec); err != nil {
		return nil, err
	}
	for _, d := range []string{filepath.Join(e.dir, "manifests"), e.trashDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}
	if e.cat, err = catalog.Open(filepath.Join(e.dir, "catalog.db")); err != nil {
		return nil, err
	}
	return e, nil
}

// Close stops the prune schedule, waits for in-flight operations, and
// closes the catalog. Further operations return ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	c := e.cron
	e.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	e.wg.Wait()
	return e.cat.Close()
}

// acquire claims the per-server operation slot and registers the holder
// with the engine's wait group. Callers pair it with release.
func (e *Engine) acquire(serverID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, busy := e.slots[serverID]; busy {
		return fmt.Errorf("%w: server %s", ErrBackupInProgress, serverID)
	}
	e.slots[serverID] = struct{}{}
	e.wg.Add(1)
	return nil
}

func (e *Engine) release(serverID string) {
	e.mu.Lock()
	delete(e.slots, serverID)
	e.mu.Unlock()
	e.wg.Done()
}

// begin registers a synchronous operation so Close waits for it before
// tearing down the catalog. Callers pair it with end.
func (e *Engine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.wg.Add(1)
	return nil
}

func (e *Engine) end() { e.wg.Done() }

func (e *Engine) manifestPath(serverID, backupID string) string {
	return filepath.Join(e.dir, "manifests", serverID, backupID+".json")
}

func (e *Engine) publish(ev event.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// journalOutcome records a terminal backup or restore outcome alongside
// the lifecycle transitions. Failures are logged and never propagate.
func (e *Engine) journalOutcome(serverID string, kind Kind, outcome, detail string) {
	if e.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.sink.Send(ctx, journal.Entry{
		ServerID:   serverID,
		From:       string(kind),
		To:         outcome,
		Reason:     detail,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("journal send failed", "server", serverID, "error", err)
	}
}

func (e *Engine) updateBlobStats() {
	blobs, bytes, err := e.store.Stats()
	if err != nil {
		e.logger.Debug("blob stats unavailable", "error", err)
		return
	}
	metrics.SetBlobStats(blobs, bytes)
}

func infoFromRow(r catalog.Row) Info {
	return Info{
		ID:        r.ID,
		ServerID:  r.ServerID,
		Kind:      Kind(r.Kind),
		CreatedAt: r.CreatedAt,
		Comment:   r.Comment,
		TotalSize: r.TotalSize,
		FileCount: r.FileCount,
	}
}
