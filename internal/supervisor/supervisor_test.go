//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/craftd/internal/event"
	"github.com/loykin/craftd/internal/journal"
	"github.com/loykin/craftd/internal/server"
)

var fixtureSeq atomic.Int64

// shellFixture builds a registration that runs script under /bin/sh in a
// fresh temp dir. Scripts print READY when they want to be considered up.
func shellFixture(t *testing.T, script string) server.Config {
	t.Helper()
	return server.Config{
		ID:   fmt.Sprintf("srv-%d", fixtureSeq.Add(1)),
		Dir:  t.TempDir(),
		Type: server.TypeCustom,
		Launch: server.LaunchConfig{
			Command: "/bin/sh -c '" + script + "'",
		},
		ReadyPattern:    "READY",
		ReadyTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func newTestSupervisor(opts ...Option) *Supervisor {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(append([]Option{WithLogger(quiet)}, opts...)...)
}

func waitState(t *testing.T, s *Supervisor, id string, want server.State, timeout time.Duration) server.Status {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		st, err := s.Status(id)
		if err != nil {
			t.Fatalf("status %s: %v", id, err)
		}
		if st.State == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("server %s stuck in %s, want %s", id, st.State, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// memorySink records journal entries for assertions.
type memorySink struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (m *memorySink) Send(_ context.Context, e journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) transitions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.From+">"+e.To)
	}
	return out
}

func TestRegister_Validation(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()

	bad := server.Config{ID: "Bad ID!", Dir: t.TempDir(), Launch: server.LaunchConfig{JarFile: "server.jar"}}
	if err := s.Register(bad); !errors.Is(err, server.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	cfg := shellFixture(t, "sleep 1")
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Register(cfg); !errors.Is(err, ErrServerExists) {
		t.Fatalf("expected ErrServerExists, got %v", err)
	}

	broken := shellFixture(t, "sleep 1")
	broken.ReadyPattern = "([unclosed"
	if err := s.Register(broken); !errors.Is(err, server.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for bad pattern, got %v", err)
	}

	upper := shellFixture(t, "sleep 1")
	upper.ID = "MIXED-Case"
	if err := s.Register(upper); err != nil {
		t.Fatalf("register mixed case: %v", err)
	}
	if _, err := s.Status("mixed-case"); err != nil {
		t.Fatalf("id should be lowercased on registration: %v", err)
	}
}

func TestLifecycle_GracefulStop(t *testing.T) {
	sink := &memorySink{}
	s := newTestSupervisor(WithJournal(sink))
	defer s.Close()

	cfg := shellFixture(t, "echo READY; read x; exit 0")
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.StartWait(ctx, cfg.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	st, _ := s.Status(cfg.ID)
	if st.State != server.StateRunning || st.PID <= 0 {
		t.Fatalf("unexpected running status: %+v", st)
	}

	if err := s.Stop(cfg.ID, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st = waitState(t, s, cfg.ID, server.StateStopped, 5*time.Second)
	if st.ExitCode != 0 {
		t.Fatalf("expected clean exit, got %d", st.ExitCode)
	}

	lines, err := s.ConsoleTail(cfg.ID, 0)
	if err != nil {
		t.Fatalf("console tail: %v", err)
	}
	found := false
	for _, l := range lines {
		if strings.Contains(l.Text, "READY") {
			found = true
		}
	}
	if !found {
		t.Fatalf("console ring missing READY, got %+v", lines)
	}

	want := []string{"stopped>starting", "starting>running", "running>stopping", "stopping>stopped"}
	deadline := time.Now().Add(5 * time.Second)
	for len(sink.transitions()) < len(want) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	got := sink.transitions()
	if len(got) != len(want) {
		t.Fatalf("journal transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("journal transitions = %v, want %v", got, want)
		}
	}
}

func TestLifecycle_StateGuards(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()

	cfg := shellFixture(t, "echo READY; read x; exit 0")
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := s.Stop(cfg.ID, true); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("stop while stopped: %v", err)
	}
	if err := s.Write(cfg.ID, []byte("hi\r\n")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("write while stopped: %v", err)
	}
	if err := s.Kill(cfg.ID); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("kill while stopped: %v", err)
	}
	if err := s.Start("nope"); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("start unknown: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.StartWait(ctx, cfg.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(cfg.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("start while running: %v", err)
	}

	if err := s.Stop(cfg.ID, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitState(t, s, cfg.ID, server.StateStopped, 5*time.Second)
}

func TestStopWait_BlocksUntilGone(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()

	cfg := shellFixture(t, "echo READY; read x; exit 0")
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.StopWait(ctx, cfg.ID, true); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("stop-wait while stopped: %v", err)
	}

	if err := s.StartWait(ctx, cfg.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.StopWait(ctx, cfg.ID, true); err != nil {
		t.Fatalf("stop-wait: %v", err)
	}
	st, _ := s.Status(cfg.ID)
	if st.State != server.StateStopped || st.ExitCode != 0 {
		t.Fatalf("status after stop-wait: %+v", st)
	}
}

func TestCrash_Detected(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()

	cfg := shellFixture(t, "exit 7")
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	sub := s.Bus().Subscribe(event.WithServer(cfg.ID), event.WithKinds(event.KindProcessCrashed))
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.StartWait(ctx, cfg.ID)
	if !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}

	st := waitState(t, s, cfg.ID, server.StateCrashed, 5*time.Second)
	if st.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", st.ExitCode)
	}

	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("crash event: %v", err)
	}
	p, ok := ev.Payload.(event.CrashPayload)
	if !ok || p.ExitCode != 7 {
		t.Fatalf("unexpected crash payload %#v", ev.Payload)
	}

	// A crashed server can be started again.
	if err := s.Start(cfg.ID); err != nil {
		t.Fatalf("restart after crash: %v", err)
	}
	waitState(t, s, cfg.ID, server.StateCrashed, 5*time.Second)
}

func TestStart_ReadinessTimeout(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()

	cfg := shellFixture(t, "sleep 30")
	cfg.ReadyTimeout = 400 * time.Millisecond
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.StartWait(ctx, cfg.ID)
	if !errors.Is(err, ErrStartTimeout) {
		t.Fatalf("expected ErrStartTimeout, got %v", err)
	}

	st := waitState(t, s, cfg.ID, server.StateCrashed, 5*time.Second)
	if st.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1 for killed process", st.ExitCode)
	}
}

func TestStop_EscalatesToKill(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()

	// Never reads stdin, so the stop command is ignored.
	cfg := shellFixture(t, "echo READY; sleep 30")
	cfg.ShutdownTimeout = 300 * time.Millisecond
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.StartWait(ctx, cfg.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := s.Stop(cfg.ID, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st := waitState(t, s, cfg.ID, server.StateStopped, 5*time.Second)
	if st.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1 after escalation kill", st.ExitCode)
	}
}

func TestStop_Forced(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()

	cfg := shellFixture(t, "echo READY; sleep 30")
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.StartWait(ctx, cfg.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(cfg.ID, false); err != nil {
		t.Fatalf("forced stop: %v", err)
	}
	waitState(t, s, cfg.ID, server.StateStopped, 5*time.Second)
}

func TestRestart_SequencesStates(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()

	cfg := shellFixture(t, "echo READY; read x; exit 0")
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.StartWait(ctx, cfg.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	firstPID, _ := s.Status(cfg.ID)

	sub := s.Bus().Subscribe(event.WithServer(cfg.ID), event.WithKinds(event.KindProcessStateChanged))
	defer sub.Unsubscribe()

	if err := s.Restart(cfg.ID); err != nil {
		t.Fatalf("restart: %v", err)
	}

	var seq []string
	for len(seq) < 4 {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("event: %v (got %v so far)", err, seq)
		}
		p, ok := ev.Payload.(event.StateChangePayload)
		if !ok {
			continue
		}
		seq = append(seq, p.To)
	}
	want := []string{"stopping", "stopped", "starting", "running"}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("restart sequence = %v, want %v", seq, want)
		}
	}

	st := waitState(t, s, cfg.ID, server.StateRunning, 5*time.Second)
	if st.Restarts != 1 {
		t.Fatalf("restarts = %d, want 1", st.Restarts)
	}
	if st.PID == firstPID.PID {
		t.Fatalf("restart kept pid %d", st.PID)
	}

	if err := s.Stop(cfg.ID, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitState(t, s, cfg.ID, server.StateStopped, 5*time.Second)
}

func TestKill_FromRunning(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()

	cfg := shellFixture(t, "echo READY; sleep 30")
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.StartWait(ctx, cfg.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Kill(cfg.ID); err != nil {
		t.Fatalf("kill: %v", err)
	}
	st := waitState(t, s, cfg.ID, server.StateStopped, 5*time.Second)
	if st.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", st.ExitCode)
	}
}

func TestCommand_NormalizesTerminator(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()

	cfg := shellFixture(t, `echo READY; read x; echo "got $x"; read y; exit 0`)
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.StartWait(ctx, cfg.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := s.Command(cfg.ID, "ping"); err != nil {
		t.Fatalf("command: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		lines, _ := s.ConsoleTail(cfg.ID, 0)
		ok := false
		for _, l := range lines {
			if strings.Contains(l.Text, "got ping") {
				ok = true
			}
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("echo of command never arrived: %+v", lines)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := s.Command(cfg.ID, "done\n"); err != nil {
		t.Fatalf("command: %v", err)
	}
	waitState(t, s, cfg.ID, server.StateStopped, 5*time.Second)
}

func TestUnregister_Rules(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()

	cfg := shellFixture(t, "echo READY; read x; exit 0")
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.StartWait(ctx, cfg.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := s.Unregister(cfg.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("unregister while running: %v", err)
	}

	if err := s.Stop(cfg.ID, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitState(t, s, cfg.ID, server.StateStopped, 5*time.Second)

	if err := s.Unregister(cfg.ID); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := s.Status(cfg.ID); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("status after unregister: %v", err)
	}
	if err := s.Unregister(cfg.ID); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("double unregister: %v", err)
	}
}

func TestMemoryGate(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()
	s.memFn = func() (uint64, uint64, error) {
		return 512 << 20, 16 << 30, nil // 512 MiB free of 16 GiB
	}

	cfg := server.Config{
		ID:  "hungry",
		Dir: t.TempDir(),
		Launch: server.LaunchConfig{
			JarFile:   "server.jar",
			MaxHeapMB: 4096,
		},
	}
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Start(cfg.ID); !errors.Is(err, ErrInsufficientMemory) {
		t.Fatalf("expected ErrInsufficientMemory, got %v", err)
	}
	st, _ := s.Status(cfg.ID)
	if st.State != server.StateStopped {
		t.Fatalf("state after refused start = %s, want stopped", st.State)
	}

	// The gate can be skipped per server; the launch then proceeds (and
	// crashes fast, since /bin/sh rejects the jvm flags).
	skip := server.Config{
		ID:  "hungry-skip",
		Dir: t.TempDir(),
		Launch: server.LaunchConfig{
			JavaPath:        "/bin/sh",
			JarFile:         "server.jar",
			MaxHeapMB:       4096,
			SkipMemoryCheck: true,
		},
		ReadyTimeout: 5 * time.Second,
	}
	if err := s.Register(skip); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Start(skip.ID); err != nil {
		t.Fatalf("start with gate skipped: %v", err)
	}
	waitState(t, s, skip.ID, server.StateCrashed, 5*time.Second)
}

func TestStopAll(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()

	ids := make([]string, 0, 2)
	for range 2 {
		cfg := shellFixture(t, "echo READY; read x; exit 0")
		if err := s.Register(cfg); err != nil {
			t.Fatalf("register: %v", err)
		}
		ids = append(ids, cfg.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := s.StartWait(ctx, id); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := s.StopAll(stopCtx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	for _, id := range ids {
		st, _ := s.Status(id)
		if st.State != server.StateStopped {
			t.Fatalf("server %s state = %s after StopAll", id, st.State)
		}
	}
}

func TestStopAll_KillsStragglers(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()

	cfg := shellFixture(t, "echo READY; sleep 30")
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.StartWait(ctx, cfg.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer stopCancel()
	if err := s.StopAll(stopCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	waitState(t, s, cfg.ID, server.StateStopped, 5*time.Second)
}

func TestClose_RejectsFurtherOps(t *testing.T) {
	s := newTestSupervisor()
	cfg := shellFixture(t, "echo READY; sleep 30")
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.StartWait(ctx, cfg.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.Close()
	s.Close() // idempotent

	if err := s.Start(cfg.ID); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after close: %v", err)
	}
	if err := s.Register(shellFixture(t, "sleep 1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("register after close: %v", err)
	}
}

func TestPIDs_TracksLiveProcesses(t *testing.T) {
	s := newTestSupervisor()
	defer s.Close()

	cfg := shellFixture(t, "echo READY; read x; exit 0")
	if err := s.Register(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(s.PIDs()) != 0 {
		t.Fatalf("expected no pids before start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.StartWait(ctx, cfg.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	pids := s.PIDs()
	if pids[cfg.ID] <= 0 {
		t.Fatalf("pids = %v, want live pid for %s", pids, cfg.ID)
	}

	if err := s.Stop(cfg.ID, true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitState(t, s, cfg.ID, server.StateStopped, 5*time.Second)
	if len(s.PIDs()) != 0 {
		t.Fatalf("expected no pids after stop, got %v", s.PIDs())
	}
}
