package fileops

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/craftd/internal/event"
	"github.com/loykin/craftd/internal/metrics"
)

const (
	// DefaultWorkers caps concurrently running jobs.
	DefaultWorkers = 4
	// DefaultRetention is how long terminal jobs stay queryable.
	DefaultRetention = 10 * time.Minute

	janitorInterval = time.Minute
)

// Manager queues file/archive mutations and runs them on a bounded worker
// pool. Jobs touching overlapping paths of the same server are serialized
// in submission order; disjoint jobs run in parallel.
type Manager struct {
	roots     RootResolver
	bus       *event.Bus
	logger    *slog.Logger
	workers   int
	retention time.Duration

	mu      sync.Mutex
	jobs    map[string]*job
	queue   []*job
	running map[string]*job
	closed  bool

	sem  chan struct{}
	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup // dispatcher + janitor + executors
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithRetention sets how long terminal jobs are retained.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithBus sets the event bus job progress fans out to.
func WithBus(b *event.Bus) Option { return func(m *Manager) { m.bus = b } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// New creates a Manager resolving server roots through roots and starts
// its dispatcher and janitor.
func New(roots RootResolver, opts ...Option) *Manager {
	m := &Manager{
		roots:     roots,
		logger:    slog.Default(),
		workers:   DefaultWorkers,
		retention: DefaultRetention,
		jobs:      make(map[string]*job),
		running:   make(map[string]*job),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.sem = make(chan struct{}, m.workers)
	m.wg.Add(2)
	go m.dispatch()
	go m.janitor()
	return m
}

// Submit validates req against the owning server's root, enqueues the job,
// and returns its id. Validation failures are returned synchronously;
// execution failures surface through events and Job snapshots.
func (m *Manager) Submit(req Request) (string, error) {
	root, err := m.roots(req.ServerID)
	if err != nil {
		return "", fmt.Errorf("server %s: %w", req.ServerID, err)
	}
	sb, err := newSandbox(root)
	if err != nil {
		return "", err
	}

	j, err := buildJob(sb, req)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.jobs[j.id] = j
	m.queue = append(m.queue, j)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.publishProgress(j.snapshot())
	m.nudge()
	return j.id, nil
}

// buildJob resolves and validates every path in req.
func buildJob(sb sandbox, req Request) (*job, error) {
	switch req.Kind {
	case KindCopy, KindMove, KindCompress, KindExtract:
		if len(req.Sources) == 0 || req.Dest == "" {
			return nil, fmt.Errorf("%w: %s needs sources and a destination", ErrPathOutOfScope, req.Kind)
		}
	case KindDelete:
		if len(req.Sources) == 0 {
			return nil, fmt.Errorf("%w: delete needs sources", ErrPathOutOfScope)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrIOFailure, req.Kind)
	}
	if req.Kind == KindExtract && len(req.Sources) != 1 {
		return nil, fmt.Errorf("%w: extract takes exactly one archive", ErrArchiveInvalid)
	}

	srcAbs := make([]string, 0, len(req.Sources))
	for _, s := range req.Sources {
		abs, err := sb.resolve(s)
		if err != nil {
			return nil, err
		}
		srcAbs = append(srcAbs, abs)
	}
	var destAbs string
	if req.Dest != "" {
		abs, err := sb.resolve(req.Dest)
		if err != nil {
			return nil, err
		}
		destAbs = abs
	}
	if destAbs != "" && req.Kind != KindExtract {
		for _, s := range srcAbs {
			if pathsOverlap(s, destAbs) {
				return nil, fmt.Errorf("%w: %s and %s", ErrPathConflict, sb.relativize(s), req.Dest)
			}
		}
	}

	paths := make([]string, 0, len(srcAbs)+1)
	paths = append(paths, srcAbs...)
	if destAbs != "" {
		paths = append(paths, destAbs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &job{
		id:       uuid.NewString(),
		serverID: req.ServerID,
		kind:     req.Kind,
		req:      req,
		srcAbs:   srcAbs,
		destAbs:  destAbs,
		paths:    paths,
		ctx:      ctx,
		cancel:   cancel,
		status:   StatusQueued,
		created:  time.Now(),
	}, nil
}

// Cancel cancels a job: queued jobs terminate immediately, running jobs
// are signaled and stop between work units. Terminal jobs are left alone.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrUnknownJob)
	}

	j.mu.Lock()
	status := j.status
	j.mu.Unlock()

	switch status {
	case StatusQueued:
		for i, q := range m.queue {
			if q.id == id {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				break
			}
		}
		m.finishLocked(j, StatusCancelled, "")
		m.mu.Unlock()
		m.publishProgress(j.snapshot())
		m.nudge()
		return nil
	case StatusRunning:
		m.mu.Unlock()
		j.cancel()
		return nil
	default:
		m.mu.Unlock()
		return nil
	}
}

// Job returns the snapshot of one job.
func (m *Manager) Job(id string) (JobStatus, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return JobStatus{}, fmt.Errorf("%s: %w", id, ErrUnknownJob)
	}
	return j.snapshot(), nil
}

// Jobs returns snapshots for one server (or all servers when serverID is
// empty), newest first.
func (m *Manager) Jobs(serverID string) []JobStatus {
	m.mu.Lock()
	out := make([]JobStatus, 0, len(m.jobs))
	for _, j := range m.jobs {
		if serverID == "" || j.serverID == serverID {
			out = append(out, j.snapshot())
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out
}

// Entry is one directory listing element, root-relative.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Dir     bool      `json:"dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// ReadDir lists a directory synchronously, bypassing the job queue.
func (m *Manager) ReadDir(serverID, rel string) ([]Entry, error) {
	sb, abs, err := m.resolveOne(serverID, rel)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:    de.Name(),
			Path:    sb.relativize(abs + string(os.PathSeparator) + de.Name()),
			Dir:     de.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

// Stat returns metadata for one path synchronously.
func (m *Manager) Stat(serverID, rel string) (Entry, error) {
	sb, abs, err := m.resolveOne(serverID, rel)
	if err != nil {
		return Entry{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return Entry{
		Name:    info.Name(),
		Path:    sb.relativize(abs),
		Dir:     info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

func (m *Manager) resolveOne(serverID, rel string) (sandbox, string, error) {
	root, err := m.roots(serverID)
	if err != nil {
		return sandbox{}, "", fmt.Errorf("server %s: %w", serverID, err)
	}
	sb, err := newSandbox(root)
	if err != nil {
		return sandbox{}, "", err
	}
	if rel == "" {
		rel = "."
	}
	abs, err := sb.resolve(rel)
	if err != nil {
		return sandbox{}, "", err
	}
	return sb, abs, nil
}

// Close stops accepting jobs, cancels running ones, and waits for the
// workers to wind down.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, j := range m.queue {
		m.finishLocked(j, StatusCancelled, "")
	}
	m.queue = nil
	for _, j := range m.running {
		j.cancel()
	}
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()
}

// dispatch moves eligible queued jobs onto worker slots whenever nudged.
func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case <-m.wake:
			m.schedule()
		}
	}
}

// schedule scans the queue in order, starting every job whose path set
// conflicts with neither a running job nor an earlier queued one of the
// same server. The earlier-queued check keeps overlapping jobs FIFO.
func (m *Manager) schedule() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < len(m.queue); {
		j := m.queue[i]
		if m.conflictsLocked(j, m.queue[:i]) {
			i++
			continue
		}
		select {
		case m.sem <- struct{}{}:
		default:
			return // all workers busy; a completion will nudge again
		}
		m.queue = append(m.queue[:i], m.queue[i+1:]...)
		m.running[j.id] = j
		j.mu.Lock()
		j.status = StatusRunning
		j.mu.Unlock()
		m.updateGaugesLocked()
		m.wg.Add(1)
		go m.runJob(j)
	}
}

func (m *Manager) conflictsLocked(j *job, earlier []*job) bool {
	for _, r := range m.running {
		if r.serverID == j.serverID && jobsOverlap(r, j) {
			return true
		}
	}
	for _, q := range earlier {
		if q.serverID == j.serverID && jobsOverlap(q, j) {
			return true
		}
	}
	return false
}

func jobsOverlap(a, b *job) bool {
	for _, pa := range a.paths {
		for _, pb := range b.paths {
			if pathsOverlap(pa, pb) {
				return true
			}
		}
	}
	return false
}

func (m *Manager) runJob(j *job) {
	defer m.wg.Done()
	m.publishProgress(j.snapshot())

	err := m.execute(j)

	status := StatusDone
	detail := ""
	switch {
	case j.ctx.Err() != nil:
		status = StatusCancelled
	case err != nil:
		status = StatusFailed
		detail = err.Error()
	}

	m.mu.Lock()
	delete(m.running, j.id)
	m.finishLocked(j, status, detail)
	m.mu.Unlock()

	<-m.sem
	m.publishProgress(j.snapshot())
	if err != nil && status == StatusFailed {
		m.logger.Warn("file job failed", "job", j.id, "server", j.serverID, "kind", string(j.kind), "error", err)
	}
	m.nudge()
}

// finishLocked records a terminal status. Caller holds m.mu.
func (m *Manager) finishLocked(j *job, status Status, detail string) {
	j.mu.Lock()
	j.status = status
	j.errDetail = detail
	j.finished = time.Now()
	if status == StatusDone {
		j.progress = 1
	}
	j.mu.Unlock()
	j.cancel()
	metrics.IncFileJob(string(j.kind), string(status))
	m.updateGaugesLocked()
}

func (m *Manager) updateGaugesLocked() {
	metrics.SetFileJobsQueued(len(m.queue))
	metrics.SetFileJobsRunning(len(m.running))
}

// janitor prunes terminal jobs past the retention window.
func (m *Manager) janitor() {
	defer m.wg.Done()
	tick := time.NewTicker(janitorInterval)
	defer tick.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-tick.C:
			m.pruneExpired()
		}
	}
}

func (m *Manager) pruneExpired() {
	cutoff := time.Now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, j := range m.jobs {
		j.mu.Lock()
		prune := j.status.Terminal() && !j.finished.IsZero() && j.finished.Before(cutoff)
		j.mu.Unlock()
		if prune {
			delete(m.jobs, id)
		}
	}
}

func (m *Manager) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// report is the progress callback executors call between work units.
// Events are throttled to whole-percent steps.
func (m *Manager) report(j *job, done, total int64) {
	if total <= 0 {
		return
	}
	frac := float64(done) / float64(total)
	if frac > 1 {
		frac = 1
	}
	j.mu.Lock()
	j.progress = frac
	emit := frac-j.lastEmitted >= 0.01 || frac >= 1
	if emit {
		j.lastEmitted = frac
	}
	j.mu.Unlock()
	if emit {
		m.publishProgress(j.snapshot())
	}
}

func (m *Manager) publishProgress(st JobStatus) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(event.Event{
		Kind:     event.KindFileJobProgress,
		ServerID: st.ServerID,
		Payload: event.FileJobPayload{
			JobID:    st.ID,
			Kind:     string(st.Kind),
			Status:   string(st.Status),
			Progress: st.Progress,
			Error:    st.Error,
		},
	})
}
