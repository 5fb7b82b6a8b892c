package fileops

import (
	"context"
	"os"
	"sync"
	"time"
)

// Kind names a file job operation.
type Kind string

const (
	KindCopy     Kind = "copy"
	KindMove     Kind = "move"
	KindDelete   Kind = "delete"
	KindCompress Kind = "compress"
	KindExtract  Kind = "extract"
)

// Status is a job's lifecycle phase.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further status change can happen.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Request is one job submission. Paths are relative to the owning
// server's root directory.
//
// Dest semantics by kind: copy/move with one source treat Dest as the
// target path itself, with several sources as a directory receiving them
// by base name; compress writes the zip archive at Dest; extract unpacks
// into the directory Dest; delete takes no Dest.
type Request struct {
	ServerID string   `json:"server_id"`
	Kind     Kind     `json:"kind"`
	Sources  []string `json:"sources"`
	Dest     string   `json:"dest,omitempty"`
}

// JobStatus is an externally consumable snapshot of one job.
type JobStatus struct {
	ID         string    `json:"id"`
	ServerID   string    `json:"server_id"`
	Kind       Kind      `json:"kind"`
	Status     Status    `json:"status"`
	Progress   float64   `json:"progress"`
	Error      string    `json:"error,omitempty"`
	Sources    []string  `json:"sources"`
	Dest       string    `json:"dest,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// job is the manager-owned state of one operation. The mutex guards the
// mutable fields; identity and resolved paths are set once at submission.
type job struct {
	id       string
	serverID string
	kind     Kind
	req      Request

	srcAbs  []string
	destAbs string
	paths   []string // srcAbs + destAbs, for overlap checks

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	status      Status
	progress    float64
	lastEmitted float64
	errDetail   string
	created     time.Time
	finished    time.Time
}

func (j *job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *job) snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{
		ID:         j.id,
		ServerID:   j.serverID,
		Kind:       j.kind,
		Status:     j.status,
		Progress:   j.progress,
		Error:      j.errDetail,
		Sources:    j.req.Sources,
		Dest:       j.req.Dest,
		CreatedAt:  j.created,
		FinishedAt: j.finished,
	}
}

// pathsOverlap reports equality or an ancestor/descendant relation
// between two cleaned absolute paths.
func pathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return len(b) > len(a) && b[len(a)] == os.PathSeparator && b[:len(a)] == a
}
