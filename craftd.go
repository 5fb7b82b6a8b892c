// Package craftd manages a fleet of Minecraft Java edition servers on a
// single host: process lifecycle with readiness detection, console
// streaming, sandboxed file operations, and content-addressed backups,
// all behind one embeddable Go API.
package craftd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/craftd/internal/backup"
	"github.com/loykin/craftd/internal/config"
	"github.com/loykin/craftd/internal/console"
	"github.com/loykin/craftd/internal/event"
	"github.com/loykin/craftd/internal/fileops"
	"github.com/loykin/craftd/internal/journal"
	"github.com/loykin/craftd/internal/journal/factory"
	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/ops"
	"github.com/loykin/craftd/internal/server"
	"github.com/loykin/craftd/internal/supervisor"
)

// Re-exported types. These are aliases so conversions are zero-cost.

type (
	Config         = config.FileConfig
	BackupConfig   = config.BackupConfig
	LaunchDefaults = config.LaunchDefaults

	ServerConfig = server.Config
	LaunchConfig = server.LaunchConfig
	ServerType   = server.Type
	State        = server.State
	Status       = server.Status

	Event        = event.Event
	EventKind    = event.Kind
	EventBus     = event.Bus
	Subscription = event.Subscription
	SubOption    = event.SubOption

	StateChangePayload     = event.StateChangePayload
	CrashPayload           = event.CrashPayload
	LogLinePayload         = event.LogLinePayload
	FileJobPayload         = event.FileJobPayload
	BackupProgressPayload  = event.BackupProgressPayload
	BackupCompletedPayload = event.BackupCompletedPayload
	BackupFailedPayload    = event.BackupFailedPayload
	OverflowPayload        = event.OverflowPayload

	ConsoleLine = console.Line

	FileRequest = fileops.Request
	FileKind    = fileops.Kind
	FileStatus  = fileops.Status
	FileJob     = fileops.JobStatus
	DirEntry    = fileops.Entry

	BackupInfo   = backup.Info
	BackupKind   = backup.Kind
	BackupPolicy = backup.Policy

	JournalEntry = journal.Entry
	JournalSink  = journal.Sink

	PerfSample = metrics.Sample
)

// Server lifecycle states.
const (
	StateStopped  = server.StateStopped
	StateStarting = server.StateStarting
	StateRunning  = server.StateRunning
	StateStopping = server.StateStopping
	StateCrashed  = server.StateCrashed
)

// Server flavors.
const (
	TypeUnknown       = server.TypeUnknown
	TypeCustom        = server.TypeCustom
	TypeVanilla       = server.TypeVanilla
	TypeSpongeVanilla = server.TypeSpongeVanilla
	TypeSpigot        = server.TypeSpigot
	TypePaper         = server.TypePaper
	TypePurpur        = server.TypePurpur
	TypeFolia         = server.TypeFolia
	TypeForge         = server.TypeForge
	TypeNeoForge      = server.TypeNeoForge
	TypeMohist        = server.TypeMohist
	TypeYouer         = server.TypeYouer
	TypeFabric        = server.TypeFabric
	TypeQuilt         = server.TypeQuilt
	TypeBanner        = server.TypeBanner
	TypeBungeecord    = server.TypeBungeecord
	TypeWaterfall     = server.TypeWaterfall
	TypeVelocity      = server.TypeVelocity
)

// Event kinds for Subscribe filters.
const (
	KindProcessStateChanged = event.KindProcessStateChanged
	KindProcessCrashed      = event.KindProcessCrashed
	KindLogLine             = event.KindLogLine
	KindFileJobProgress     = event.KindFileJobProgress
	KindBackupProgress      = event.KindBackupProgress
	KindBackupCompleted     = event.KindBackupCompleted
	KindBackupFailed        = event.KindBackupFailed
	KindServerRegistered    = event.KindServerRegistered
	KindServerUnregistered  = event.KindServerUnregistered
	KindSubscriberOverflow  = event.KindSubscriberOverflow
)

// File job kinds and statuses.
const (
	FileCopy     = fileops.KindCopy
	FileMove     = fileops.KindMove
	FileDelete   = fileops.KindDelete
	FileCompress = fileops.KindCompress
	FileExtract  = fileops.KindExtract

	FileQueued    = fileops.StatusQueued
	FileRunning   = fileops.StatusRunning
	FileDone      = fileops.StatusDone
	FileFailed    = fileops.StatusFailed
	FileCancelled = fileops.StatusCancelled
)

// Backup kinds.
const (
	BackupFull     = backup.KindFull
	BackupSnapshot = backup.KindSnapshot
)

// Subscription filters, re-exported for Subscribe.
var (
	WithBuffer = event.WithBuffer
	WithServer = event.WithServer
	WithKinds  = event.WithKinds
)

// Sentinel errors, re-exported so callers can match with errors.Is.
var (
	ErrInvalidConfig = server.ErrInvalidConfig

	ErrServerExists       = supervisor.ErrServerExists
	ErrUnknownServer      = supervisor.ErrUnknownServer
	ErrAlreadyRunning     = supervisor.ErrAlreadyRunning
	ErrNotRunning         = supervisor.ErrNotRunning
	ErrLaunchFailed       = supervisor.ErrLaunchFailed
	ErrStartTimeout       = supervisor.ErrStartTimeout
	ErrInsufficientMemory = supervisor.ErrInsufficientMemory

	ErrPathOutOfScope = fileops.ErrPathOutOfScope
	ErrPathConflict   = fileops.ErrPathConflict
	ErrIOFailure      = fileops.ErrIOFailure
	ErrArchiveInvalid = fileops.ErrArchiveInvalid
	ErrUnknownJob     = fileops.ErrUnknownJob

	ErrBackupInProgress = backup.ErrBackupInProgress
	ErrServerRunning    = backup.ErrServerRunning
	ErrUnknownBackup    = backup.ErrUnknownBackup
	ErrRestoreFailed    = backup.ErrRestoreFailed
	ErrManifestCorrupt  = backup.ErrManifestCorrupt
	ErrContentMissing   = backup.ErrContentMissing
)

// Fleet wires the supervisor, file manager, backup engine, event bus
// and journal together from one Config. Servers listed in the config
// are registered at construction; more can be registered later.
type Fleet struct {
	sup     *supervisor.Supervisor
	files   *fileops.Manager
	backups *backup.Engine
	sink    journal.Sink
	perf    *metrics.Sampler
	opsSrv  *http.Server
}

// New builds a Fleet from cfg. A nil cfg runs with defaults under
// ./data. The caller owns the Fleet and must Close it.
func New(cfg *Config) (*Fleet, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	lg := cfg.Log.NewLogger()

	envs, err := cfg.Environment()
	if err != nil {
		return nil, err
	}

	var sink journal.Sink
	if cfg.Journal.DSN != "" {
		if sink, err = factory.NewSinkFromDSN(cfg.Journal.DSN); err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
	}

	sup := supervisor.New(
		supervisor.WithLogger(lg),
		supervisor.WithEnv(envs),
		supervisor.WithJournal(sink),
		supervisor.WithConfig(supervisor.Config{
			ConsoleLines: cfg.Console.Lines,
			Console:      cfg.Log,
		}),
	)

	files := fileops.New(func(id string) (string, error) {
		st, err := sup.Status(id)
		if err != nil {
			return "", err
		}
		return st.Dir, nil
	},
		fileops.WithWorkers(cfg.FileOps.Workers),
		fileops.WithRetention(cfg.FileOps.Retention),
		fileops.WithBus(sup.Bus()),
		fileops.WithLogger(lg),
	)

	engine, err := backup.New(cfg.Backup.Dir, sup,
		backup.WithBus(sup.Bus()),
		backup.WithJournal(sink),
		backup.WithLogger(lg),
		backup.WithTrashDir(cfg.TrashDir),
		backup.WithCompression(cfg.Backup.Compression),
		backup.WithPolicy(backup.Policy{MaxCount: cfg.Backup.MaxCount, MaxAge: cfg.Backup.MaxAge}),
		backup.WithSettle(cfg.Backup.SaveCommand, cfg.Backup.SavedPattern, cfg.Backup.SettleDelay),
	)
	if err != nil {
		files.Close()
		sup.Close()
		closeSink(sink)
		return nil, fmt.Errorf("backup: %w", err)
	}

	f := &Fleet{sup: sup, files: files, backups: engine, sink: sink}

	if cfg.Backup.Schedule != "" {
		if err := engine.Schedule(cfg.Backup.Schedule); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	for _, sc := range cfg.Servers {
		if err := os.MkdirAll(sc.Dir, 0o755); err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := sup.Register(sc); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	f.perf = metrics.NewSampler(0, sup.PIDs)
	f.perf.Start()
	if cfg.Metrics.Addr != "" {
		if cfg.Metrics.TLS.Enabled {
			f.opsSrv, err = ops.NewTLSServer(cfg.Metrics.Addr, "", sup, f.perf, cfg.Metrics.TLS)
			if err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("ops tls: %w", err)
			}
		} else {
			f.opsSrv = ops.NewServer(cfg.Metrics.Addr, "", sup, f.perf)
		}
	}
	return f, nil
}

func closeSink(s journal.Sink) {
	if s != nil {
		_ = s.Close()
	}
}

// Close releases everything: the ops listener, the resource sampler,
// the file manager, the backup engine, every server handler (killing
// live processes), and the journal sink. Stop servers gracefully first
// via Shutdown or StopAll.
func (f *Fleet) Close() error {
	if f.opsSrv != nil {
		_ = f.opsSrv.Close()
	}
	if f.perf != nil {
		f.perf.Stop()
	}
	f.files.Close()
	err := f.backups.Close()
	f.sup.Close()
	if f.sink != nil {
		if cerr := f.sink.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Shutdown stops every server gracefully, killing stragglers when ctx
// expires, then closes the fleet.
func (f *Fleet) Shutdown(ctx context.Context) error {
	err := f.sup.StopAll(ctx)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Server lifecycle.

func (f *Fleet) Register(cfg ServerConfig) error { return f.sup.Register(cfg) }
func (f *Fleet) Unregister(id string) error      { return f.sup.Unregister(id) }
func (f *Fleet) Start(id string) error           { return f.sup.Start(id) }
func (f *Fleet) StartWait(ctx context.Context, id string) error {
	return f.sup.StartWait(ctx, id)
}
func (f *Fleet) Stop(id string, graceful bool) error { return f.sup.Stop(id, graceful) }
func (f *Fleet) StopWait(ctx context.Context, id string, graceful bool) error {
	return f.sup.StopWait(ctx, id, graceful)
}
func (f *Fleet) Restart(id string) error             { return f.sup.Restart(id) }
func (f *Fleet) Kill(id string) error                { return f.sup.Kill(id) }
func (f *Fleet) Command(id, cmd string) error        { return f.sup.Command(id, cmd) }
func (f *Fleet) Status(id string) (Status, error)    { return f.sup.Status(id) }
func (f *Fleet) List() []Status                      { return f.sup.List() }
func (f *Fleet) PIDs() map[string]int                { return f.sup.PIDs() }
func (f *Fleet) StopAll(ctx context.Context) error   { return f.sup.StopAll(ctx) }
func (f *Fleet) ConsoleTail(id string, n int) ([]ConsoleLine, error) {
	return f.sup.ConsoleTail(id, n)
}

// Events.

// Subscribe attaches a subscriber to the fleet event bus. Slow
// subscribers lose oldest events first and see a SubscriberOverflow
// marker; they never block publishers.
func (f *Fleet) Subscribe(opts ...SubOption) *Subscription { return f.sup.Bus().Subscribe(opts...) }

// Bus exposes the underlying event bus for custom publishers.
func (f *Fleet) Bus() *EventBus { return f.sup.Bus() }

// File operations. Paths are relative to the owning server's root;
// jobs on overlapping paths run serialized in submission order.

func (f *Fleet) SubmitFile(req FileRequest) (string, error) { return f.files.Submit(req) }
func (f *Fleet) CancelFile(jobID string) error              { return f.files.Cancel(jobID) }
func (f *Fleet) FileJob(jobID string) (FileJob, error)      { return f.files.Job(jobID) }
func (f *Fleet) FileJobs(serverID string) []FileJob         { return f.files.Jobs(serverID) }
func (f *Fleet) ReadDir(serverID, rel string) ([]DirEntry, error) {
	return f.files.ReadDir(serverID, rel)
}
func (f *Fleet) StatFile(serverID, rel string) (DirEntry, error) {
	return f.files.Stat(serverID, rel)
}

// Backups.

func (f *Fleet) CreateBackup(serverID, comment string) (string, error) {
	return f.backups.CreateFull(serverID, comment)
}
func (f *Fleet) CreateSnapshot(serverID, comment string) (string, error) {
	return f.backups.CreateSnapshot(serverID, comment)
}
func (f *Fleet) Backups(ctx context.Context, serverID string) ([]BackupInfo, error) {
	return f.backups.List(ctx, serverID)
}
func (f *Fleet) Backup(ctx context.Context, backupID string) (BackupInfo, error) {
	return f.backups.Get(ctx, backupID)
}
func (f *Fleet) DeleteBackup(ctx context.Context, backupID string) error {
	return f.backups.Delete(ctx, backupID)
}
func (f *Fleet) RestoreBackup(ctx context.Context, backupID string) error {
	return f.backups.Restore(ctx, backupID)
}
func (f *Fleet) VerifyBackup(ctx context.Context, backupID string) ([]string, error) {
	return f.backups.Verify(ctx, backupID)
}
func (f *Fleet) PruneBackups(ctx context.Context, serverID string) (int, error) {
	return f.backups.PruneServer(ctx, serverID)
}
func (f *Fleet) PruneAllBackups(ctx context.Context) (int, error) {
	return f.backups.PruneAll(ctx)
}
func (f *Fleet) SetBackupPolicy(serverID string, p BackupPolicy) {
	f.backups.SetPolicy(serverID, p)
}

// PerfHistory returns the retained resource samples for one server,
// oldest first. Sampling runs every 10s while the fleet is open.
func (f *Fleet) PerfHistory(id string) []PerfSample { return f.perf.History(id) }

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Metrics helpers (public facade).

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewOpsServer starts the read-only ops HTTP listener (healthz,
// metrics, status, console tail, perf) for an existing fleet.
func NewOpsServer(addr, basePath string, f *Fleet) *http.Server {
	return ops.NewServer(addr, basePath, f.sup, f.perf)
}

// ServeMetrics serves only /metrics on addr using the default registry.
// It blocks in the caller's goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
