package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/craftd/internal/env"
	"github.com/loykin/craftd/internal/metrics"
	"github.com/loykin/craftd/internal/process"
	"github.com/loykin/craftd/internal/readiness"
	"github.com/loykin/craftd/internal/server"
)

// readyPollInterval is how often the readiness watcher probes detectors.
const readyPollInterval = 200 * time.Millisecond

type ctrlType int

const (
	ctrlStart ctrlType = iota
	ctrlStop
	ctrlKill
	ctrlRestart
	ctrlWrite
	ctrlExited
	ctrlReady
	ctrlStartTimeout
	ctrlStopTimeout
	ctrlShutdown
)

// ctrlMsg is one request to the handler goroutine. Operations carry a
// reply channel; internal notifications (exit, ready, timeouts) carry the
// generation they belong to so stale ones are discarded.
type ctrlMsg struct {
	typ      ctrlType
	gen      uint64
	code     int
	graceful bool
	data     []byte
	reply    chan error
}

// handlerDeps are the supervisor callbacks a handler needs. Injecting
// them keeps the handler free of a back-reference to the registry, so
// nothing it calls can touch the registry lock.
type handlerDeps struct {
	mergeEnv   func(env.Var) []string
	transition func(inst *server.Instance, from, to server.State, exitCode int, reason string)
	emitLine   func(stream, line string)
	freeMemory memoryFunc
	logger     *slog.Logger
}

// handler serializes every lifecycle mutation of one instance through its
// run goroutine. All fields below ctrl are owned by that goroutine.
type handler struct {
	inst *server.Instance
	deps handlerDeps
	ctrl chan ctrlMsg
	done chan struct{} // closed when run returns

	proc           *process.Handle
	gen            uint64
	crashReason    string // overrides the reason for the next unexpected exit
	restartPending bool
	readyCancel    context.CancelFunc
	escalation     *time.Timer
}

func newHandler(inst *server.Instance, deps handlerDeps) *handler {
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	return &handler{
		inst: inst,
		deps: deps,
		ctrl: make(chan ctrlMsg, 16),
		done: make(chan struct{}),
	}
}

// run processes control messages until shutdown or context cancellation.
func (h *handler) run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.drain()
	}()
	for {
		select {
		case <-ctx.Done():
			h.shutdownNow()
			return
		case msg := <-h.ctrl:
			var err error
			switch msg.typ {
			case ctrlStart:
				err = h.doStart()
			case ctrlStop:
				err = h.doStop(msg.graceful)
			case ctrlKill:
				err = h.doKill()
			case ctrlRestart:
				err = h.doRestart()
			case ctrlWrite:
				err = h.doWrite(msg.data)
			case ctrlExited:
				h.onExited(msg.gen, msg.code)
			case ctrlReady:
				h.onReady(msg.gen)
			case ctrlStartTimeout:
				h.onStartTimeout(msg.gen)
			case ctrlStopTimeout:
				h.onStopTimeout(msg.gen)
			case ctrlShutdown:
				h.shutdownNow()
				if msg.reply != nil {
					msg.reply <- nil
				}
				return
			}
			if msg.reply != nil {
				msg.reply <- err
			}
		}
	}
}

// send delivers an internal notification without wedging the sender when
// the handler has already exited.
func (h *handler) send(msg ctrlMsg) {
	select {
	case h.ctrl <- msg:
	case <-h.done:
	}
}

// drain answers any requests still queued after run returned.
func (h *handler) drain() {
	for {
		select {
		case msg := <-h.ctrl:
			if msg.reply != nil {
				msg.reply <- ErrClosed
			}
		default:
			return
		}
	}
}

func (h *handler) doStart() error {
	cfg := h.inst.Config()
	if st := h.inst.State(); !st.CanStart() {
		return fmt.Errorf("start %s in state %s: %w", cfg.ID, st, ErrAlreadyRunning)
	}
	if strings.TrimSpace(cfg.Launch.Command) == "" && !cfg.Launch.SkipMemoryCheck {
		if err := h.checkMemory(cfg); err != nil {
			return err
		}
	}

	h.transitionTo(server.StateStarting, 0, "start requested")
	h.gen++
	gen := h.gen
	h.crashReason = ""

	logDet, err := readiness.NewLogDetector(cfg.ResolvedReadyPattern())
	if err != nil {
		// Register validated the pattern, so this only fires if the config
		// was mutated behind our back.
		h.transitionTo(server.StateCrashed, -1, "invalid ready pattern")
		return fmt.Errorf("launch %s: %w: %v", cfg.ID, ErrLaunchFailed, err)
	}
	detectors := []readiness.Detector{logDet}
	if cfg.ReadyPort > 0 {
		detectors = append(detectors, readiness.PortDetector{Addr: fmt.Sprintf("127.0.0.1:%d", cfg.ReadyPort)})
	}

	onLine := func(stream, line string) {
		h.deps.emitLine(stream, line)
		logDet.ObserveLine(line)
	}

	name, args := cfg.BuildCommand()
	ph, err := process.Start(process.Command{
		Name: name,
		Args: args,
		Dir:  cfg.Dir,
		Env:  h.deps.mergeEnv(cfg.Env),
	}, onLine)
	if err != nil {
		h.transitionTo(server.StateCrashed, -1, "launch failed: "+err.Error())
		return fmt.Errorf("launch %s: %w: %v", cfg.ID, ErrLaunchFailed, err)
	}

	h.proc = ph
	h.inst.SetStarted(ph.PID())
	h.deps.logger.Info("server process launched", "pid", ph.PID(), "command", name)

	go func() {
		<-ph.Done()
		h.send(ctrlMsg{typ: ctrlExited, gen: gen, code: ph.ExitCode()})
	}()

	rctx, cancel := context.WithCancel(context.Background())
	h.readyCancel = cancel
	go h.watchReady(rctx, detectors, gen, cfg.ResolvedReadyTimeout())
	return nil
}

// checkMemory refuses a java launch when the heap plus JVM overhead plus
// an eighth of total RAM would not fit in what is currently available.
func (h *handler) checkMemory(cfg server.Config) error {
	if h.deps.freeMemory == nil {
		return nil
	}
	avail, total, err := h.deps.freeMemory()
	if err != nil {
		h.deps.logger.Warn("free memory probe failed, skipping gate", "error", err)
		return nil
	}
	required := cfg.MaxHeapBytes() + cfg.MaxHeapBytes()/4 + total/8
	if avail <= required {
		return fmt.Errorf("start %s needs %d MiB free, have %d MiB: %w",
			cfg.ID, required>>20, avail>>20, ErrInsufficientMemory)
	}
	return nil
}

// watchReady polls the detectors until one reports ready, the timeout
// elapses, or the context is canceled (exit or a newer start).
func (h *handler) watchReady(ctx context.Context, detectors []readiness.Detector, gen uint64, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(readyPollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			h.send(ctrlMsg{typ: ctrlStartTimeout, gen: gen})
			return
		case <-tick.C:
			for _, d := range detectors {
				ok, err := d.Ready()
				if err != nil {
					h.deps.logger.Debug("readiness probe error", "detector", d.Describe(), "error", err)
					continue
				}
				if ok {
					h.send(ctrlMsg{typ: ctrlReady, gen: gen})
					return
				}
			}
		}
	}
}

func (h *handler) doStop(graceful bool) error {
	cfg := h.inst.Config()
	if st := h.inst.State(); st != server.StateRunning {
		return fmt.Errorf("stop %s in state %s: %w", cfg.ID, st, ErrNotRunning)
	}
	h.cancelReady()
	h.transitionTo(server.StateStopping, 0, "stop requested")
	if !graceful {
		_ = h.proc.Kill()
		return nil
	}
	stopCmd := cfg.ResolvedStopCommand()
	if _, err := h.proc.Write([]byte(stopCmd + "\r\n")); err != nil {
		h.deps.logger.Warn("stop command write failed, signaling instead", "error", err)
		_ = h.proc.Terminate()
	}
	h.armEscalation(cfg.ResolvedShutdownTimeout())
	return nil
}

func (h *handler) doKill() error {
	st := h.inst.State()
	if !st.ProcessAlive() || h.proc == nil {
		return fmt.Errorf("kill %s in state %s: %w", h.inst.ID(), st, ErrNotRunning)
	}
	h.cancelReady()
	if st != server.StateStopping {
		h.transitionTo(server.StateStopping, 0, "kill requested")
	}
	_ = h.proc.Kill()
	return nil
}

// doRestart is a graceful stop that schedules a start once the exit lands.
func (h *handler) doRestart() error {
	if err := h.doStop(true); err != nil {
		return err
	}
	h.restartPending = true
	return nil
}

func (h *handler) doWrite(data []byte) error {
	if st := h.inst.State(); st != server.StateRunning {
		return fmt.Errorf("write to %s in state %s: %w", h.inst.ID(), st, ErrNotRunning)
	}
	_, err := h.proc.Write(data)
	return err
}

func (h *handler) onReady(gen uint64) {
	if gen != h.gen || h.inst.State() != server.StateStarting {
		return
	}
	h.cancelReady()
	h.transitionTo(server.StateRunning, 0, "ready")
}

// onStartTimeout kills a server still starting when the readiness window
// closed. The exit that follows is reported as a crash with this reason.
func (h *handler) onStartTimeout(gen uint64) {
	if gen != h.gen || h.inst.State() != server.StateStarting {
		return
	}
	h.cancelReady()
	h.crashReason = "start timeout"
	cfg := h.inst.Config()
	h.deps.logger.Warn("readiness timeout, killing process group",
		"timeout", cfg.ResolvedReadyTimeout())
	if h.proc != nil {
		_ = h.proc.Kill()
	}
}

func (h *handler) onStopTimeout(gen uint64) {
	if gen != h.gen || h.inst.State() != server.StateStopping {
		return
	}
	h.deps.logger.Warn("graceful stop timed out, killing process group")
	if h.proc != nil {
		_ = h.proc.Kill()
	}
}

// onExited settles the terminal state for one process generation. A stop
// that was requested lands in stopped; anything else is a crash.
func (h *handler) onExited(gen uint64, code int) {
	if gen != h.gen {
		return
	}
	h.cancelReady()
	h.stopEscalation()
	h.proc = nil
	h.inst.SetExited(code)

	switch st := h.inst.State(); st {
	case server.StateStopping:
		h.transitionTo(server.StateStopped, code, "stopped")
	case server.StateStarting, server.StateRunning:
		reason := h.crashReason
		if reason == "" {
			reason = "unexpected exit"
		}
		h.crashReason = ""
		h.restartPending = false
		h.transitionTo(server.StateCrashed, code, reason)
	}

	if h.restartPending {
		h.restartPending = false
		h.inst.IncRestarts()
		metrics.IncRestart(h.inst.ID())
		h.deps.logger.Info("restarting after stop")
		if err := h.doStart(); err != nil {
			h.deps.logger.Error("restart failed to relaunch", "error", err)
		}
	}
}

// shutdownNow kills whatever is running and waits briefly for the exit so
// the final transition is recorded before the handler goes away.
func (h *handler) shutdownNow() {
	h.cancelReady()
	h.stopEscalation()
	h.gen++ // pending notifications for the old process become stale
	if h.proc == nil || !h.inst.State().ProcessAlive() {
		return
	}
	_ = h.proc.Kill()
	select {
	case <-h.proc.Done():
		code := h.proc.ExitCode()
		h.inst.SetExited(code)
		h.transitionTo(server.StateStopped, code, "supervisor shutdown")
	case <-time.After(2 * time.Second):
		h.deps.logger.Warn("process did not exit before handler shutdown")
	}
	h.proc = nil
}

func (h *handler) transitionTo(to server.State, exitCode int, reason string) {
	from := h.inst.State()
	if from == to {
		return
	}
	h.inst.SetState(to)
	h.deps.transition(h.inst, from, to, exitCode, reason)
}

func (h *handler) cancelReady() {
	if h.readyCancel != nil {
		h.readyCancel()
		h.readyCancel = nil
	}
}

func (h *handler) armEscalation(d time.Duration) {
	h.stopEscalation()
	gen := h.gen
	h.escalation = time.AfterFunc(d, func() {
		h.send(ctrlMsg{typ: ctrlStopTimeout, gen: gen})
	})
}

func (h *handler) stopEscalation() {
	if h.escalation != nil {
		h.escalation.Stop()
		h.escalation = nil
	}
}
