package supervisor

import "errors"

// Sentinel errors returned by lifecycle operations. Callers match with
// errors.Is; the wrapped message carries the server id and state.
var (
	ErrServerExists       = errors.New("server already registered")
	ErrUnknownServer      = errors.New("unknown server")
	ErrAlreadyRunning     = errors.New("server already running")
	ErrNotRunning         = errors.New("server not running")
	ErrLaunchFailed       = errors.New("launch failed")
	ErrStartTimeout       = errors.New("server did not become ready in time")
	ErrInsufficientMemory = errors.New("insufficient free memory")
	ErrClosed             = errors.New("supervisor closed")
)
