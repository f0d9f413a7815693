// Package types defines core domain types for the Crucible execution service.
//
//nolint:revive // types is a common Go package naming convention
package types

import "time"

// Version is the service version, overridden at build time via ldflags.
const Version = "0.1.0"

// SessionStatus is the lifecycle state of an editing session.
type SessionStatus string

const (
	// SessionActive indicates the session accepts autosaves and run requests.
	SessionActive SessionStatus = "ACTIVE"
	// SessionInactive indicates the session is closed. New executions are
	// refused; existing execution records remain readable.
	SessionInactive SessionStatus = "INACTIVE"
)

// ExecutionStatus is the lifecycle state of an execution record.
// Transitions form a DAG: QUEUED -> RUNNING -> {COMPLETED, FAILED, TIMEOUT},
// with QUEUED -> FAILED permitted when admission or worker setup fails
// before the run starts.
type ExecutionStatus string

const (
	// ExecutionQueued indicates the execution is admitted and waiting for a worker.
	ExecutionQueued ExecutionStatus = "QUEUED"
	// ExecutionRunning indicates a worker has picked up the job.
	ExecutionRunning ExecutionStatus = "RUNNING"
	// ExecutionCompleted indicates the run exited with code 0.
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	// ExecutionFailed indicates a compile error, non-zero exit, or
	// infrastructure failure.
	ExecutionFailed ExecutionStatus = "FAILED"
	// ExecutionTimeout indicates the run was killed at the wall-clock limit.
	ExecutionTimeout ExecutionStatus = "TIMEOUT"
)

// Terminal reports whether the status is a terminal state.
// Terminal rows are immutable.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimeout:
		return true
	default:
		return false
	}
}

// Language is an immutable runtime descriptor row. Seeded at install,
// never mutated at runtime.
type Language struct {
	ID                 int64  `db:"id" json:"id"`
	Name               string `db:"name" json:"name"`
	Runtime            string `db:"runtime" json:"runtime"`
	Version            string `db:"version" json:"version"`
	FileName           string `db:"file_name" json:"file_name"`
	TemplateCode       string `db:"template_code" json:"template_code"`
	DefaultTimeLimitMS int    `db:"default_time_limit_ms" json:"default_time_limit_ms"`
	DefaultMemoryMB    int    `db:"default_memory_mb" json:"default_memory_mb"`
}

// Session is a long-lived editing context bound to one language.
type Session struct {
	ID         string        `db:"id" json:"session_id"`
	LanguageID int64         `db:"language_id" json:"language_id"`
	SourceCode string        `db:"source_code" json:"source_code"`
	Status     SessionStatus `db:"status" json:"status"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time     `db:"updated_at" json:"updated_at"`
}

// Execution is one attempt to run a session's current source under limits.
// Stdout, Stderr, ExitCode and the timestamps are nullable until the row
// reaches a terminal state.
type Execution struct {
	ID              string          `db:"id" json:"execution_id"`
	SessionID       string          `db:"session_id" json:"session_id"`
	Status          ExecutionStatus `db:"status" json:"status"`
	Stdout          *string         `db:"stdout" json:"stdout,omitempty"`
	Stderr          *string         `db:"stderr" json:"stderr,omitempty"`
	ExecutionTimeMS *float64        `db:"execution_time_ms" json:"execution_time_ms,omitempty"`
	ExitCode        *int            `db:"exit_code" json:"exit_code,omitempty"`
	Timeout         bool            `db:"timeout" json:"timeout"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	StartedAt       *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt      *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// JobPayload is the queue payload for one execution. The job id equals the
// execution id, which gives the queue a natural deduplication key.
type JobPayload struct {
	ExecutionID   string `msgpack:"execution_id" json:"execution_id"`
	SessionID     string `msgpack:"session_id" json:"session_id"`
	TimeLimitMS   int    `msgpack:"time_limit_ms" json:"time_limit_ms"`
	MemoryLimitMB int    `msgpack:"memory_limit_mb" json:"memory_limit_mb"`
}
