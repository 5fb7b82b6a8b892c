package event

import "time"

// Kind names an event payload so external layers can serialize events
// without depending on internal representations.
type Kind string

const (
	KindProcessStateChanged Kind = "process_state_changed"
	KindProcessCrashed      Kind = "process_crashed"
	KindLogLine             Kind = "log_line"
	KindFileJobProgress     Kind = "file_job_progress"
	KindBackupProgress      Kind = "backup_progress"
	KindBackupCompleted     Kind = "backup_completed"
	KindBackupFailed        Kind = "backup_failed"
	KindServerRegistered    Kind = "server_registered"
	KindServerUnregistered  Kind = "server_unregistered"
	KindSubscriberOverflow  Kind = "subscriber_overflow"
)

// payloadVersions tracks the schema version of each payload kind. Bump a
// kind's version when its payload shape changes incompatibly.
var payloadVersions = map[Kind]int{
	KindProcessStateChanged: 1,
	KindProcessCrashed:      1,
	KindLogLine:             1,
	KindFileJobProgress:     1,
	KindBackupProgress:      1,
	KindBackupCompleted:     1,
	KindBackupFailed:        1,
	KindServerRegistered:    1,
	KindServerUnregistered:  1,
	KindSubscriberOverflow:  1,
}

// Version returns the payload schema version for the kind (1 if unknown).
func (k Kind) Version() int {
	if v, ok := payloadVersions[k]; ok {
		return v
	}
	return 1
}

// Event is one bus message. ServerID is empty for events not tied to a
// single server. Events are transient; the bus never persists them.
type Event struct {
	Kind     Kind      `json:"kind"`
	ServerID string    `json:"server_id,omitempty"`
	At       time.Time `json:"at"`
	Payload  any       `json:"payload,omitempty"`
}

// StateChangePayload accompanies KindProcessStateChanged. ExitCode is
// meaningful only when To is a terminal state (stopped/crashed).
type StateChangePayload struct {
	From     string `json:"from"`
	To       string `json:"to"`
	PID      int    `json:"pid,omitempty"`
	ExitCode int    `json:"exit_code"`
	Reason   string `json:"reason,omitempty"`
}

// CrashPayload accompanies KindProcessCrashed.
type CrashPayload struct {
	ExitCode int    `json:"exit_code"`
	Reason   string `json:"reason,omitempty"`
}

// LogLinePayload accompanies KindLogLine. Stream is "stdout" or "stderr".
type LogLinePayload struct {
	Line   string `json:"line"`
	Stream string `json:"stream"`
}

// FileJobPayload accompanies KindFileJobProgress.
type FileJobPayload struct {
	JobID    string  `json:"job_id"`
	Kind     string  `json:"kind"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

// BackupProgressPayload accompanies KindBackupProgress.
type BackupProgressPayload struct {
	BackupID   string  `json:"backup_id"`
	Kind       string  `json:"kind"`
	Progress   float64 `json:"progress"`
	Bytes      int64   `json:"bytes"`
	TotalBytes int64   `json:"total_bytes"`
}

// BackupCompletedPayload accompanies KindBackupCompleted.
type BackupCompletedPayload struct {
	BackupID   string `json:"backup_id"`
	Kind       string `json:"kind"`
	Files      int    `json:"files"`
	TotalBytes int64  `json:"total_bytes"`
}

// BackupFailedPayload accompanies KindBackupFailed. Op is "create" or
// "restore".
type BackupFailedPayload struct {
	BackupID string `json:"backup_id"`
	Kind     string `json:"kind"`
	Op       string `json:"op"`
	Error    string `json:"error"`
}

// OverflowPayload accompanies KindSubscriberOverflow. Dropped counts the
// events lost since the subscriber last kept up.
type OverflowPayload struct {
	Dropped int64 `json:"dropped"`
}
