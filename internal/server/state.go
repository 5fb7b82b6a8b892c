package server

// State is the lifecycle state of a server instance. Transitions move
// strictly STOPPED → STARTING → RUNNING → STOPPING → STOPPED; CRASHED is
// reached from STARTING or RUNNING on unexpected process exit and, like
// STOPPED, accepts a new start.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// CanStart reports whether a start operation is accepted in this state.
func (s State) CanStart() bool {
	return s == StateStopped || s == StateCrashed
}

// ProcessAlive reports whether the state implies a live OS process.
func (s State) ProcessAlive() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

func (s State) String() string { return string(s) }
