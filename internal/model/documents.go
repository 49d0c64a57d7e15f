package model

import "time"

const CurrentSchemaVersion = 1

// File type tags carried in every shared-store document header.
const (
	FileTypeTask           = "task"
	FileTypeHeartbeat      = "heartbeat"
	FileTypeLease          = "lease"
	FileTypeControlRequest = "control_request"
	FileTypeRecord         = "record"
)

// Task is a unit of queued work. The document is immutable after enqueue;
// ownership moves with the file, never by editing it.
type Task struct {
	SchemaVersion int               `yaml:"schema_version"`
	FileType      string            `yaml:"file_type"`
	Kind          string            `yaml:"kind"`
	Payload       map[string]string `yaml:"payload,omitempty"`
	CreatedAt     string            `yaml:"created_at"`
}

func NewTask(kind string, payload map[string]string, now time.Time) Task {
	return Task{
		SchemaVersion: CurrentSchemaVersion,
		FileType:      FileTypeTask,
		Kind:          kind,
		Payload:       payload,
		CreatedAt:     now.UTC().Format(time.RFC3339),
	}
}

// Heartbeat is the liveness document, rewritten whole once per cycle.
// Freshness decisions belong to the heartbeat package; this is only the
// wire shape.
type Heartbeat struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Identity      string `yaml:"identity"`
	Host          string `yaml:"host"`
	PID           int    `yaml:"pid"`
	Session       string `yaml:"session"`
	Mode          Mode   `yaml:"mode"`
	PollSeconds   int    `yaml:"poll_seconds"`
	Status        string `yaml:"status,omitempty"`
	UTC           string `yaml:"utc"`
}

// Lease is the exclusive ownership marker for a worker identity. Presence
// alone does not imply liveness; readers must corroborate with the
// identity's heartbeat before believing it.
type Lease struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Identity      string `yaml:"identity"`
	Host          string `yaml:"host"`
	PID           int    `yaml:"pid"`
	Session       string `yaml:"session"`
	AcquiredAt    string `yaml:"acquired_at"`
}

// ControlRequest asks the supervisor on the target identity's host to
// perform one maintenance operation.
type ControlRequest struct {
	SchemaVersion int         `yaml:"schema_version"`
	FileType      string      `yaml:"file_type"`
	Kind          ControlKind `yaml:"kind"`
	Identity      string      `yaml:"identity"`
	RequestedBy   string      `yaml:"requested_by,omitempty"`
	CreatedAt     string      `yaml:"created_at"`
}

func NewControlRequest(kind ControlKind, identity, requestedBy string, now time.Time) ControlRequest {
	return ControlRequest{
		SchemaVersion: CurrentSchemaVersion,
		FileType:      FileTypeControlRequest,
		Kind:          kind,
		Identity:      identity,
		RequestedBy:   requestedBy,
		CreatedAt:     now.UTC().Format(time.RFC3339),
	}
}

// Record is the terminal document written once per completed or failed
// task or control request. Records are append-only; the name carries
// trigger + identity + stamp so concurrent writers never collide.
type Record struct {
	SchemaVersion   int     `yaml:"schema_version"`
	FileType        string  `yaml:"file_type"`
	Trigger         string  `yaml:"trigger"`
	Identity        string  `yaml:"identity"`
	Host            string  `yaml:"host"`
	Status          Status  `yaml:"status"`
	StartedAt       string  `yaml:"started_at"`
	EndedAt         string  `yaml:"ended_at"`
	DurationSeconds float64 `yaml:"duration_seconds"`
	Error           string  `yaml:"error,omitempty"`
}

func NewRecord(trigger, identity, host string, status Status, started, ended time.Time, errMsg string) Record {
	return Record{
		SchemaVersion:   CurrentSchemaVersion,
		FileType:        FileTypeRecord,
		Trigger:         trigger,
		Identity:        identity,
		Host:            host,
		Status:          status,
		StartedAt:       started.UTC().Format(time.RFC3339),
		EndedAt:         ended.UTC().Format(time.RFC3339),
		DurationSeconds: ended.Sub(started).Seconds(),
		Error:           errMsg,
	}
}
