package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskKind selects the handler a scheduled task is dispatched to.
type TaskKind string

const (
	TaskKindDailyReset     TaskKind = "DAILY_RESET"
	TaskKindEventRetention TaskKind = "EVENT_RETENTION"
)

// TaskState is the lifecycle state of a scheduled task run.
type TaskState string

const (
	TaskStateScheduled TaskState = "SCHEDULED"
	TaskStateDue       TaskState = "DUE"
	TaskStateExecuting TaskState = "EXECUTING"
	TaskStateSucceeded TaskState = "SUCCEEDED"
	TaskStateFailed    TaskState = "FAILED"
)

// ScheduledResetTask is the scheduler's unit of work. UserID is nil for
// system-wide tasks (retention cleanup). Spec and timezone are snapshots;
// the scheduler re-reads the live configuration before executing.
type ScheduledResetTask struct {
	TaskID            uuid.UUID  `json:"task_id"`
	UserID            *string    `json:"user_id,omitempty"`
	Kind              TaskKind   `json:"kind"`
	ResetSpecSnapshot ResetSpec  `json:"reset_spec_snapshot"`
	TimezoneSnapshot  string     `json:"timezone_snapshot"`
	NextRunUTC        time.Time  `json:"next_run_utc"`
	LastRunUTC        *time.Time `json:"last_run_utc,omitempty"`
	RunCount          int        `json:"run_count"`
	FailureCount      int        `json:"failure_count"`
	IsActive          bool       `json:"is_active"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// SuccessRate returns the fraction of runs that did not fail. A task
// with no runs counts as fully healthy.
func (t *ScheduledResetTask) SuccessRate() float64 {
	if t.RunCount == 0 {
		return 1.0
	}
	return float64(t.RunCount-t.FailureCount) / float64(t.RunCount)
}
