// Package task holds the data model for the durable task queue ("ABSURD",
// spec §3.3-3.4, §3.6) and the Store port every persistence backend
// implements.
package task

import (
	"context"
	"encoding/json"
	"time"
)

// Status is a task's lifecycle state (spec §3.3).
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusDeadLetter  Status = "dead_letter"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether status is immutable (spec invariant 2).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeadLetter, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is one row of the durable task table.
type Task struct {
	ID             string
	QueueName      string
	TaskName       string
	Params         json.RawMessage
	Status         Status
	Priority       int
	Attempts       int
	MaxAttempts    int
	CreatedAt      time.Time
	ScheduledAt    time.Time
	ClaimedAt      *time.Time
	ClaimedBy      string
	LeaseExpiresAt *time.Time
	LastError      string
	ParentTaskID   string
	Result         json.RawMessage
}

// Spec is the set of fields a caller provides to Spawn; the store fills
// in ID, CreatedAt, and the initial Status/Attempts.
type Spec struct {
	QueueName   string
	TaskName    string
	Params      json.RawMessage
	Priority    int
	ScheduledAt time.Time
	MaxAttempts int
	ParentID    string
}

// ScheduledEntry is a cron entry that periodically spawns a templated
// task (spec §3.4).
type ScheduledEntry struct {
	Name           string
	CronExpr       string
	QueueName      string
	TaskName       string
	ParamsTemplate json.RawMessage
	LastFiredAt    *time.Time
	NextFireAt     time.Time
	Enabled        bool
}

// DeadLetterEntry records a task that reached a terminal failure (spec §3.6).
type DeadLetterEntry struct {
	TaskID        string
	OriginalTask  Task
	Reason        string
	FailedAt      time.Time
	ErrorHistory  []string
}

// Stats is the per-status count returned by Store.Stats.
type Stats struct {
	Pending, Running, Completed, Failed, DeadLetter, Cancelled int
}

// Store is the durable persistence port for the task queue (spec §4.D).
// Implementations must satisfy the claim algorithm contract: at most one
// claimant per task, strict (priority desc, scheduled_at asc, created_at
// asc) ordering, and lease-expiry reclaim.
type Store interface {
	EnsureSchema(ctx context.Context) error

	Spawn(ctx context.Context, spec Spec) (string, error)
	Claim(ctx context.Context, queue, workerID string, leaseTTL time.Duration) (*Task, error)
	Heartbeat(ctx context.Context, taskID, workerID string, leaseTTL time.Duration) error
	Complete(ctx context.Context, taskID, workerID string, result json.RawMessage) error
	Fail(ctx context.Context, taskID, workerID string, errMsg string, retryable bool, nextDelay time.Duration, dlqReason string) error
	Cancel(ctx context.Context, taskID string) error

	Get(ctx context.Context, taskID string) (*Task, error)
	List(ctx context.Context, queue string, status Status, limit int) ([]Task, error)
	Stats(ctx context.Context, queue string) (Stats, error)

	ListDeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetterEntry, error)
	ReplayDeadLetter(ctx context.Context, taskID string) (string, error)

	// Scheduled-entry persistence (spec §4.E).
	UpsertSchedule(ctx context.Context, entry ScheduledEntry) error
	ClaimDueSchedules(ctx context.Context, now time.Time) ([]ScheduledEntry, error)
	AdvanceSchedule(ctx context.Context, name string, firedAt, nextFireAt time.Time) error
}
