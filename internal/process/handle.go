package process

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
)

// Stream names passed to LineFunc.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

var ErrNotStarted = errors.New("process: not started")

// Command describes the child process to launch.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// LineFunc receives one decoded console line from the child.
type LineFunc func(stream, line string)

// Handle owns a launched child: its stdin pipe, the scanner goroutines
// draining stdout/stderr, and the waiter goroutine that reaps it.
type Handle struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	exitCode int
	exitErr  error
	waitDone chan struct{} // closed by the waiter once cmd.Wait returns

	writeMu sync.Mutex
	stdin   io.WriteCloser
}

// Start launches cmd in its own process group, wires stdin and the
// stdout/stderr scanners, and begins reaping in the background.
// onLine may be nil; when set it is called from the scanner goroutines.
func Start(cmd Command, onLine LineFunc) (*Handle, error) {
	c := exec.Command(cmd.Name, cmd.Args...)
	if cmd.Dir != "" {
		c.Dir = cmd.Dir
	}
	if len(cmd.Env) > 0 {
		c.Env = cmd.Env
	}
	configureSysProcAttr(c)

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := c.Start(); err != nil {
		return nil, err
	}

	h := &Handle{
		cmd:      c,
		stdin:    stdin,
		exitCode: -1,
		waitDone: make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go h.scan(stdout, StreamStdout, onLine, &readers)
	go h.scan(stderr, StreamStderr, onLine, &readers)

	go func() {
		// cmd.Wait closes the pipes; both readers must drain first.
		readers.Wait()
		err := c.Wait()
		h.mu.Lock()
		h.exitErr = err
		if c.ProcessState != nil {
			h.exitCode = c.ProcessState.ExitCode()
		}
		h.mu.Unlock()
		close(h.waitDone)
	}()
	return h, nil
}

func (h *Handle) scan(r io.Reader, stream string, onLine LineFunc, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	// Stack traces and data dumps can exceed the default token size.
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if onLine != nil {
			onLine(stream, sc.Text())
		}
	}
}

// PID returns the child's process id, or 0 before a successful start.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Alive reports whether the child has not yet been reaped.
func (h *Handle) Alive() bool {
	select {
	case <-h.waitDone:
		return false
	default:
		return true
	}
}

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.waitDone }

// Write sends raw bytes to the child's stdin. Concurrent writers are
// serialized so interleaved commands cannot corrupt each other.
func (h *Handle) Write(p []byte) (int, error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.stdin == nil {
		return 0, ErrNotStarted
	}
	return h.stdin.Write(p)
}

// Terminate delivers the platform's graceful termination signal to the
// child's process group.
func (h *Handle) Terminate() error {
	pid := h.PID()
	if pid == 0 {
		return ErrNotStarted
	}
	return terminateGroup(pid)
}

// Kill forcibly ends the child's process group.
func (h *Handle) Kill() error {
	pid := h.PID()
	if pid == 0 {
		return ErrNotStarted
	}
	return killGroup(pid)
}

// Wait blocks until the child exits or ctx is done. The returned code
// is -1 when the child was killed by a signal.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.waitDone:
		return h.ExitCode(), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ExitCode is meaningful only after the child has been reaped.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// ExitErr returns the error cmd.Wait reported, if any.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}
