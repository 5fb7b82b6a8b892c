package journal

import (
	"context"
	"time"
)

// Entry records one server lifecycle transition.
type Entry struct {
	ServerID   string    `json:"server_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exit_code"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for lifecycle entries (audit/analytics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Entry) error
	Close() error
}
