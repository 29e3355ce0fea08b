// Package record persists job executions: one row per queued job with its
// status, chain back-pointer, stats, completion info and an append-only log.
package record

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Log levels accepted by AppendLog.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// LogEntry is one line of an execution's log
type LogEntry struct {
	ID       int64                  `json:"id,omitempty"`
	Level    string                 `json:"level"`
	Key      string                 `json:"key,omitempty"`
	Message  string                 `json:"message,omitempty"`
	Context  map[string]interface{} `json:"context,omitempty"`
	LoggedAt time.Time              `json:"logged_at"`
}

// Execution is the persisted record of one queued job.
type Execution struct {
	// Identity
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params"`

	Status     Status     `json:"status"`
	Logs       []LogEntry `json:"logs,omitempty"` // loaded by GetExecution only
	RetryCount int        `json:"retry_count"`

	// Chain
	SourceJobID     string `json:"source_job_id,omitempty"`
	SourceEventName string `json:"source_event_name,omitempty"`
	LoopPrevented   bool   `json:"loop_prevented,omitempty"`
	LoopReason      string `json:"loop_reason,omitempty"`

	// Output
	Stats          json.RawMessage `json:"stats,omitempty"`
	CompletionInfo json.RawMessage `json:"completion_info,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ErrorStack     string          `json:"error_stack,omitempty"`

	// Timing
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// StatusUpdate changes an execution's status. Nil fields are left untouched.
type StatusUpdate struct {
	Status       Status
	StartedAt    *time.Time
	EndedAt      *time.Time
	ErrorMessage *string
	ErrorStack   *string
	RetryCount   *int
}

// Filters narrow ListExecutions. Zero fields match everything.
type Filters struct {
	Name        string    `json:"name,omitempty"`
	Status      Status    `json:"status,omitempty"`
	SourceJobID string    `json:"source_job_id,omitempty"`
	Since       time.Time `json:"since,omitempty"`
	Limit       int       `json:"limit,omitempty"` // default 50
	Offset      int       `json:"offset,omitempty"`
}

// DefaultListLimit caps ListExecutions when Filters.Limit is zero.
const DefaultListLimit = 50

// Store is the job record store an engine reads and writes.
type Store interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) error
	// GetExecution returns (nil, nil) when id does not exist.
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filters Filters) ([]*Execution, error)
	AppendLog(ctx context.Context, id string, entry LogEntry) error
	UpdateStats(ctx context.Context, id string, stats json.RawMessage) error
	UpdateCompletionInfo(ctx context.Context, id string, info json.RawMessage) error
	// Cleanup deletes terminal executions that ended before olderThan.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}
