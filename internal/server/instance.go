package server

import (
	"sync"
	"time"

	"github.com/loykin/craftd/internal/console"
)

// Status is an externally consumable snapshot of one instance.
type Status struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      Type      `json:"type"`
	Dir       string    `json:"dir"`
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitCode  int       `json:"exit_code"`
	Restarts  int       `json:"restarts"`
}

// Instance pairs a server configuration with its runtime state. It is
// owned by the supervisor: all mutation goes through the supervisor's
// per-server handler, so writes are already serialized; the mutex only
// protects snapshot reads from other goroutines.
type Instance struct {
	mu  sync.RWMutex
	cfg Config

	state     State
	pid       int
	startedAt time.Time
	stoppedAt time.Time
	exitCode  int
	restarts  int

	Console *console.Buffer
}

func NewInstance(cfg Config, consoleLines int) *Instance {
	return &Instance{
		cfg:     cfg,
		state:   StateStopped,
		Console: console.NewBuffer(consoleLines),
	}
}

// Config returns a copy of the instance configuration.
func (i *Instance) Config() Config {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cfg
}

// ID returns the instance's server id.
func (i *Instance) ID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cfg.ID
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// SetState records a transition. The caller (supervisor handler) owns
// transition legality; this only updates the snapshot fields.
func (i *Instance) SetState(s State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = s
}

// SetStarted records a successful process launch.
func (i *Instance) SetStarted(pid int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pid = pid
	i.startedAt = time.Now()
	i.stoppedAt = time.Time{}
}

// SetExited records process termination with its exit code.
func (i *Instance) SetExited(code int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pid = 0
	i.stoppedAt = time.Now()
	i.exitCode = code
}

// IncRestarts bumps the restart counter.
func (i *Instance) IncRestarts() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.restarts++
}

// Snapshot returns the instance status at a point in time.
func (i *Instance) Snapshot() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return Status{
		ID:        i.cfg.ID,
		Name:      i.cfg.Name,
		Type:      i.cfg.Type,
		Dir:       i.cfg.Dir,
		State:     i.state,
		PID:       i.pid,
		StartedAt: i.startedAt,
		StoppedAt: i.stoppedAt,
		ExitCode:  i.exitCode,
		Restarts:  i.restarts,
	}
}
