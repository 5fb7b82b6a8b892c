package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/craftd/internal/console"
	"github.com/loykin/craftd/internal/env"
	"github.com/loykin/craftd/internal/event"
	"github.com/loykin/craftd/internal/journal"
	"github.com/loykin/craftd/internal/logger"
	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/readiness"
	"github.com/loykin/craftd/internal/server"
)

// journalSendTimeout bounds one journal sink write.
const journalSendTimeout = 5 * time.Second

// Config tunes fleet-wide supervisor behavior.
type Config struct {
	// ConsoleLines caps the in-memory console ring per server
	// (console.DefaultCapacity when zero).
	ConsoleLines int `json:"console_lines,omitempty" mapstructure:"console_lines"`
	// Console configures the rotated per-server console capture files.
	// Leaving its Dir empty disables capture.
	Console logger.Config `json:"console,omitempty" mapstructure:"console"`
}

// Supervisor owns every registered instance and serializes each one's
// lifecycle through a dedicated handler goroutine. Registry methods are
// safe for concurrent use.
type Supervisor struct {
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	cfg     Config
	bus     *event.Bus
	envs    *env.Env
	sink    journal.Sink
	logger  *slog.Logger
	memFn   memoryFunc
	running atomic.Int64
}

type entry struct {
	h       *handler
	cancel  context.CancelFunc
	console io.WriteCloser
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithBus sets the event bus transitions and console lines fan out to.
func WithBus(b *event.Bus) Option { return func(s *Supervisor) { s.bus = b } }

// WithJournal sets the sink state transitions are persisted to.
func WithJournal(j journal.Sink) Option { return func(s *Supervisor) { s.sink = j } }

// WithEnv sets the fleet-wide environment composer.
func WithEnv(e *env.Env) Option { return func(s *Supervisor) { s.envs = e } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// WithConfig sets fleet-wide tuning.
func WithConfig(c Config) Option { return func(s *Supervisor) { s.cfg = c } }

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		entries: make(map[string]*entry),
		bus:     event.NewBus(),
		envs:    env.New(),
		logger:  slog.Default(),
		memFn:   systemMemory,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Bus exposes the event bus for subscribers.
func (s *Supervisor) Bus() *event.Bus { return s.bus }

// Register validates cfg, creates the instance in the stopped state, and
// starts its handler goroutine. The id must be unique.
func (s *Supervisor) Register(cfg server.Config) error {
	cfg.ID = strings.ToLower(strings.TrimSpace(cfg.ID))
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := readiness.NewLogDetector(cfg.ResolvedReadyPattern()); err != nil {
		return fmt.Errorf("%w: server %s ready pattern: %v", server.ErrInvalidConfig, cfg.ID, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if _, ok := s.entries[cfg.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("register %s: %w", cfg.ID, ErrServerExists)
	}

	inst := server.NewInstance(cfg, s.cfg.ConsoleLines)
	cw := s.cfg.Console.ConsoleWriter(cfg.ID)
	h := newHandler(inst, handlerDeps{
		mergeEnv:   func(v env.Var) []string { return s.envs.Merge(v) },
		transition: s.transition,
		emitLine:   func(stream, line string) { s.emitLine(inst, cw, stream, line) },
		freeMemory: s.memFn,
		logger:     s.logger.With("server", cfg.ID),
	})
	ctx, cancel := context.WithCancel(context.Background())
	s.entries[cfg.ID] = &entry{h: h, cancel: cancel, console: cw}
	go h.run(ctx)
	s.mu.Unlock()

	s.publish(event.Event{Kind: event.KindServerRegistered, ServerID: cfg.ID})
	s.logger.Info("server registered", "server", cfg.ID, "type", string(cfg.Type), "dir", cfg.Dir)
	return nil
}

// Unregister removes a server whose process is not alive. The handler
// goroutine is shut down and the console capture file released.
func (s *Supervisor) Unregister(id string) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unregister %s: %w", id, ErrUnknownServer)
	}
	if st := e.h.inst.State(); st.ProcessAlive() {
		s.mu.Unlock()
		return fmt.Errorf("unregister %s in state %s: %w", id, st, ErrAlreadyRunning)
	}
	delete(s.entries, id)
	s.mu.Unlock()

	stopEntry(e)
	s.publish(event.Event{Kind: event.KindServerUnregistered, ServerID: id})
	s.logger.Info("server unregistered", "server", id)
	return nil
}

// stopEntry shuts down one handler goroutine and closes its console file.
func stopEntry(e *entry) {
	reply := make(chan error, 1)
	select {
	case e.h.ctrl <- ctrlMsg{typ: ctrlShutdown, reply: reply}:
		select {
		case <-reply:
		case <-time.After(5 * time.Second):
		}
	case <-e.h.done:
	}
	e.cancel()
	if e.console != nil {
		_ = e.console.Close()
	}
}

// exec sends one operation to a server's handler and waits for the reply.
// The read lock is held across the wait, which excludes Unregister and
// Close from tearing the handler down mid-operation.
func (s *Supervisor) exec(id string, msg ctrlMsg) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownServer)
	}
	msg.reply = make(chan error, 1)
	select {
	case e.h.ctrl <- msg:
	case <-e.h.done:
		return ErrClosed
	}
	select {
	case err := <-msg.reply:
		return err
	case <-e.h.done:
		select {
		case err := <-msg.reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// Start launches the server. It returns once the start was accepted and
// the process spawned; readiness is reported through events.
func (s *Supervisor) Start(id string) error {
	return s.exec(id, ctrlMsg{typ: ctrlStart})
}

// StartWait starts the server and blocks until it reaches running, the
// startup fails, or ctx is done.
func (s *Supervisor) StartWait(ctx context.Context, id string) error {
	sub := s.bus.Subscribe(event.WithServer(id), event.WithKinds(event.KindProcessStateChanged))
	defer sub.Unsubscribe()
	if err := s.Start(id); err != nil {
		return err
	}
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		p, ok := ev.Payload.(event.StateChangePayload)
		if !ok {
			continue
		}
		switch server.State(p.To) {
		case server.StateRunning:
			return nil
		case server.StateCrashed:
			if p.Reason == "start timeout" {
				return fmt.Errorf("start %s: %w", id, ErrStartTimeout)
			}
			return fmt.Errorf("start %s: %s: %w", id, p.Reason, ErrLaunchFailed)
		case server.StateStopped:
			return fmt.Errorf("start %s: stopped before becoming ready", id)
		}
	}
}

// Stop requests a shutdown of a running server. Graceful delivers the
// resolved stop command over stdin and escalates to a kill after the
// shutdown timeout; otherwise the process group is killed immediately.
func (s *Supervisor) Stop(id string, graceful bool) error {
	return s.exec(id, ctrlMsg{typ: ctrlStop, graceful: graceful})
}

// StopWait stops the server and blocks until the process is gone or ctx
// is done.
func (s *Supervisor) StopWait(ctx context.Context, id string, graceful bool) error {
	sub := s.bus.Subscribe(event.WithServer(id), event.WithKinds(event.KindProcessStateChanged))
	defer sub.Unsubscribe()
	if err := s.Stop(id, graceful); err != nil {
		return err
	}
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		p, ok := ev.Payload.(event.StateChangePayload)
		if !ok {
			continue
		}
		if st := server.State(p.To); st == server.StateStopped || st == server.StateCrashed {
			return nil
		}
	}
}

// Restart gracefully stops a running server and starts it again once the
// stop completes.
func (s *Supervisor) Restart(id string) error {
	return s.exec(id, ctrlMsg{typ: ctrlRestart})
}

// Kill force-terminates the process group regardless of lifecycle phase.
func (s *Supervisor) Kill(id string) error {
	return s.exec(id, ctrlMsg{typ: ctrlKill})
}

// Write sends raw bytes to a running server's stdin.
func (s *Supervisor) Write(id string, data []byte) error {
	return s.exec(id, ctrlMsg{typ: ctrlWrite, data: data})
}

// Command sends one console command, normalizing the line terminator.
func (s *Supervisor) Command(id, cmd string) error {
	cmd = strings.TrimRight(cmd, "\r\n") + "\r\n"
	return s.Write(id, []byte(cmd))
}

// Status returns the point-in-time snapshot of one server.
func (s *Supervisor) Status(id string) (server.Status, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return server.Status{}, fmt.Errorf("%s: %w", id, ErrUnknownServer)
	}
	return e.h.inst.Snapshot(), nil
}

// List returns snapshots of every registered server, ordered by id.
func (s *Supervisor) List() []server.Status {
	s.mu.RLock()
	out := make([]server.Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.h.inst.Snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConsoleTail returns the last n captured console lines of one server.
func (s *Supervisor) ConsoleTail(id string, n int) ([]console.Line, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownServer)
	}
	return e.h.inst.Console.Tail(n), nil
}

// PIDs reports the live process id per server, for the resource sampler.
func (s *Supervisor) PIDs() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for id, e := range s.entries {
		st := e.h.inst.Snapshot()
		if st.State.ProcessAlive() && st.PID > 0 {
			out[id] = st.PID
		}
	}
	return out
}

// StopAll gracefully stops every running server and waits for the fleet
// to settle. Servers still starting are killed, since they cannot take
// console commands yet. When ctx expires the stragglers are killed.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.RLock()
	hs := make(map[string]*handler, len(s.entries))
	for id, e := range s.entries {
		hs[id] = e.h
	}
	s.mu.RUnlock()

	for id, h := range hs {
		switch h.inst.State() {
		case server.StateRunning:
			if err := s.Stop(id, true); err != nil {
				s.logger.Warn("stop failed during fleet shutdown", "server", id, "error", err)
			}
		case server.StateStarting:
			if err := s.Kill(id); err != nil {
				s.logger.Warn("kill failed during fleet shutdown", "server", id, "error", err)
			}
		}
	}

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		alive := 0
		for _, h := range hs {
			if h.inst.State().ProcessAlive() {
				alive++
			}
		}
		if alive == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			for id, h := range hs {
				if h.inst.State().ProcessAlive() {
					_ = s.Kill(id)
				}
			}
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Close shuts down every handler goroutine, killing any processes still
// alive. The supervisor accepts no operations afterwards.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	entries := s.entries
	s.entries = make(map[string]*entry)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			stopEntry(e)
		}(e)
	}
	wg.Wait()
}

// transition fans one state change out to metrics, the bus, the journal,
// and the log. It runs on handler goroutines and must not touch s.mu.
func (s *Supervisor) transition(inst *server.Instance, from, to server.State, exitCode int, reason string) {
	id := inst.ID()
	now := time.Now().UTC()

	metrics.RecordStateTransition(id, string(from), string(to))
	metrics.SetCurrentState(id, string(from), false)
	metrics.SetCurrentState(id, string(to), true)
	switch to {
	case server.StateStarting:
		metrics.IncStart(id)
	case server.StateRunning:
		metrics.SetRunningServers(int(s.running.Add(1)))
		if sa := inst.Snapshot().StartedAt; !sa.IsZero() {
			metrics.ObserveReadyDuration(id, now.Sub(sa).Seconds())
		}
	case server.StateStopped:
		metrics.IncStop(id)
	case server.StateCrashed:
		metrics.IncCrash(id)
	}
	if from == server.StateRunning {
		metrics.SetRunningServers(int(s.running.Add(-1)))
	}

	st := inst.Snapshot()
	s.publish(event.Event{
		Kind:     event.KindProcessStateChanged,
		ServerID: id,
		At:       now,
		Payload: event.StateChangePayload{
			From:     string(from),
			To:       string(to),
			PID:      st.PID,
			ExitCode: exitCode,
			Reason:   reason,
		},
	})
	if to == server.StateCrashed {
		s.publish(event.Event{
			Kind:     event.KindProcessCrashed,
			ServerID: id,
			At:       now,
			Payload:  event.CrashPayload{ExitCode: exitCode, Reason: reason},
		})
	}

	if s.sink != nil {
		// Bounded so a wedged sink cannot stall lifecycle handling.
		ctx, cancel := context.WithTimeout(context.Background(), journalSendTimeout)
		err := s.sink.Send(ctx, journal.Entry{
			ServerID:   id,
			From:       string(from),
			To:         string(to),
			PID:        st.PID,
			ExitCode:   exitCode,
			Reason:     reason,
			OccurredAt: now,
		})
		cancel()
		if err != nil {
			s.logger.Warn("journal send failed", "server", id, "error", err)
		}
	}

	s.logger.Info("state changed", "server", id, "from", string(from), "to", string(to), "reason", reason)
}

// emitLine fans one console line out to the ring, the capture file, and
// the bus. It runs on process scanner goroutines.
func (s *Supervisor) emitLine(inst *server.Instance, cw io.Writer, stream, line string) {
	inst.Console.Append(console.Line{Text: line, Stream: stream})
	if cw != nil {
		_, _ = io.WriteString(cw, line+"\n")
	}
	s.publish(event.Event{
		Kind:     event.KindLogLine,
		ServerID: inst.ID(),
		Payload:  event.LogLinePayload{Line: line, Stream: stream},
	})
}

func (s *Supervisor) publish(ev event.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
