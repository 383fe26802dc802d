// Package models contains the core domain models for the portfolio tracker
// refresh subsystem.
package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TaskKind identifies the unit of work a refresh task performs.
type TaskKind string

const (
	TaskKindFullRefresh    TaskKind = "full-refresh"
	TaskKindPriceUpdate    TaskKind = "price-update"
	TaskKindComputeIndex   TaskKind = "compute-index"
	TaskKindGenerateReport TaskKind = "generate-report"
	TaskKindCleanup        TaskKind = "cleanup"
)

// IsValid returns true if the kind is a known task kind.
func (k TaskKind) IsValid() bool {
	switch k {
	case TaskKindFullRefresh, TaskKindPriceUpdate, TaskKindComputeIndex,
		TaskKindGenerateReport, TaskKindCleanup:
		return true
	default:
		return false
	}
}

// ParseTaskKind converts a string to a TaskKind.
func ParseTaskKind(s string) (TaskKind, error) {
	k := TaskKind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, s)
	}
	return k, nil
}

// DefaultPriority returns the priority lane a kind belongs to.
// Price and index refreshes are user-visible and run in the high lane;
// reports and cleanup can wait.
func (k TaskKind) DefaultPriority() TaskPriority {
	switch k {
	case TaskKindFullRefresh, TaskKindPriceUpdate, TaskKindComputeIndex:
		return PriorityHigh
	default:
		return PriorityLow
	}
}

// Retryable returns true if failures of this kind should be retried.
// Only kinds dominated by upstream network calls are retried; the rest
// fail fast so a programming error surfaces immediately.
func (k TaskKind) Retryable() bool {
	switch k {
	case TaskKindFullRefresh, TaskKindPriceUpdate:
		return true
	default:
		return false
	}
}

// TaskPriority represents the queue lane for a task.
type TaskPriority string

const (
	PriorityHigh TaskPriority = "high"
	PriorityLow  TaskPriority = "low"
)

// IsValid returns true if the priority is a valid lane.
func (p TaskPriority) IsValid() bool {
	return p == PriorityHigh || p == PriorityLow
}

// ParseTaskPriority converts a string to a TaskPriority.
// An empty string maps to the low lane.
func ParseTaskPriority(s string) (TaskPriority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "low", "":
		return PriorityLow, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, s)
	}
}

// AllPriorities returns the lanes in dispatch order (high first).
func AllPriorities() []TaskPriority {
	return []TaskPriority{PriorityHigh, PriorityLow}
}

// TaskState represents the lifecycle state of a refresh task.
type TaskState string

const (
	TaskStatePending  TaskState = "pending"
	TaskStateStarted  TaskState = "started"
	TaskStateProgress TaskState = "progress"
	TaskStateSuccess  TaskState = "success"
	TaskStateFailure  TaskState = "failure"
	TaskStateRevoked  TaskState = "revoked"
)

// IsTerminal returns true for states that can never transition again.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateSuccess || s == TaskStateFailure || s == TaskStateRevoked
}

// IsActive returns true for states that occupy or will occupy a worker.
func (s TaskState) IsActive() bool {
	return s == TaskStatePending || s == TaskStateStarted || s == TaskStateProgress
}

// Task error codes, kept distinct so operators can tell "upstream never
// responded" from "upstream returned an error".
const (
	TaskErrCodeUpstream = "upstream_error"
	TaskErrCodeTimeout  = "timeout"
	TaskErrCodeStore    = "store_error"
	TaskErrCodeRevoked  = "revoked"
	TaskErrCodeQuota    = "quota_exhausted"
	TaskErrCodeInternal = "internal_error"
)

const (
	// DefaultTaskMaxRetries caps retry attempts for retryable kinds.
	DefaultTaskMaxRetries = 3

	// TaskRetention is how long terminal tasks are kept before cleanup.
	TaskRetention = time.Hour

	startedHeuristicPercent = 50
	fullPercent             = 100
)

// RefreshTask is a unit of background work tracked through the task table.
// Terminal tasks are immutable; only the executing worker mutates a task.
type RefreshTask struct {
	ID              string       `db:"id"               json:"id"`
	Kind            TaskKind     `db:"kind"             json:"kind"`
	Priority        TaskPriority `db:"priority"         json:"priority"`
	State           TaskState    `db:"state"            json:"state"`
	Args            []byte       `db:"args"             json:"-"`
	ProgressCurrent *int         `db:"progress_current" json:"progress_current,omitempty"`
	ProgressTotal   *int         `db:"progress_total"   json:"progress_total,omitempty"`
	Result          []byte       `db:"result"           json:"result,omitempty"`
	ErrorMessage    *string      `db:"error_message"    json:"error,omitempty"`
	ErrorCode       *string      `db:"error_code"       json:"error_code,omitempty"`
	RetryCount      int          `db:"retry_count"      json:"retry_count"`
	MaxRetries      int          `db:"max_retries"      json:"max_retries"`
	RevokeRequested bool         `db:"revoke_requested" json:"revoke_requested"`
	CreatedAt       time.Time    `db:"created_at"       json:"created_at"`
	StartedAt       *time.Time   `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time   `db:"completed_at"     json:"completed_at,omitempty"`
	NextRetryAt     *time.Time   `db:"next_retry_at"    json:"next_retry_at,omitempty"`
}

// NewRefreshTask creates a pending task with validation.
func NewRefreshTask(id string, kind TaskKind, priority TaskPriority, args []byte) (*RefreshTask, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, kind)
	}
	if !priority.IsValid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, priority)
	}

	maxRetries := 0
	if kind.Retryable() {
		maxRetries = DefaultTaskMaxRetries
	}

	return &RefreshTask{
		ID:         id,
		Kind:       kind,
		Priority:   priority,
		State:      TaskStatePending,
		Args:       args,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// PercentComplete computes the progress percentage for status polling:
// 100 on success, current/total when reported, a 50% heuristic while
// started without progress data, 0 while pending.
func (t *RefreshTask) PercentComplete() float64 {
	switch {
	case t.State == TaskStateSuccess:
		return fullPercent
	case t.ProgressCurrent != nil && t.ProgressTotal != nil && *t.ProgressTotal > 0:
		return float64(*t.ProgressCurrent) / float64(*t.ProgressTotal) * fullPercent
	case t.State == TaskStateStarted || t.State == TaskStateProgress:
		return startedHeuristicPercent
	default:
		return 0
	}
}

// ShouldRetry returns true if a failed execution can be retried.
func (t *RefreshTask) ShouldRetry() bool {
	return t.MaxRetries > 0 && t.RetryCount < t.MaxRetries
}

// IsExhausted returns true when all retries have been spent.
func (t *RefreshTask) IsExhausted() bool {
	return t.MaxRetries == 0 || t.RetryCount >= t.MaxRetries
}

// ClassifyError maps an execution error to a task error code.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTaskRevoked):
		return TaskErrCodeRevoked
	case errors.Is(err, context.DeadlineExceeded):
		return TaskErrCodeTimeout
	default:
		return TaskErrCodeUpstream
	}
}

// QueueStats summarizes active work for the list_active view.
type QueueStats struct {
	TotalActive    int `json:"total_active"`
	TotalScheduled int `json:"total_scheduled"`
	TotalReserved  int `json:"total_reserved"`
}

// ActiveTasks is the list_active response: active tasks grouped by lane
// plus aggregate counts.
type ActiveTasks struct {
	ByQueue map[TaskPriority][]RefreshTask `json:"by_queue"`
	Stats   QueueStats                     `json:"stats"`
}
