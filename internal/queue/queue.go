// Package queue is the enqueue/status/revoke surface over the persisted
// task table. Workers claim from the same table; the queue itself never
// executes anything.
package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/models"
)

// TaskStore is the persistence surface the queue needs.
type TaskStore interface {
	Enqueue(ctx context.Context, task *models.RefreshTask) error
	GetByID(ctx context.Context, id string) (*models.RefreshTask, error)
	RequestRevoke(ctx context.Context, id string) error
	ListActive(ctx context.Context) (*models.ActiveTasks, error)
	HasActiveKind(ctx context.Context, kind models.TaskKind) (bool, error)
}

// Queue accepts named units of work and exposes their state.
type Queue struct {
	store  TaskStore
	logger logger.Logger
}

// New creates a queue over the task store.
func New(store TaskStore, log logger.Logger) *Queue {
	return &Queue{store: store, logger: log}
}

// Enqueue creates a pending task and returns its id immediately.
// Execution is fire-and-forget; failures surface via status polling only.
func (q *Queue) Enqueue(ctx context.Context, kind models.TaskKind, priority models.TaskPriority, args []byte) (string, error) {
	task, err := models.NewRefreshTask(uuid.NewString(), kind, priority, args)
	if err != nil {
		return "", err
	}

	if err := q.store.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}

	q.logger.Info("task enqueued",
		logger.String("task_id", task.ID),
		logger.String("kind", string(kind)),
		logger.String("priority", string(priority)))
	return task.ID, nil
}

// GetStatus returns the last known task state without blocking.
func (q *Queue) GetStatus(ctx context.Context, id string) (*models.RefreshTask, error) {
	return q.store.GetByID(ctx, id)
}

// Revoke marks a task for termination. Pending tasks are revoked outright;
// running tasks abort at their next progress checkpoint. Revoking a
// terminal task is a no-op.
func (q *Queue) Revoke(ctx context.Context, id string) error {
	if err := q.store.RequestRevoke(ctx, id); err != nil {
		return err
	}
	q.logger.Info("task revocation requested", logger.String("task_id", id))
	return nil
}

// ListActive returns the active-task view grouped by lane.
func (q *Queue) ListActive(ctx context.Context) (*models.ActiveTasks, error) {
	return q.store.ListActive(ctx)
}

// HasActiveKind reports an in-flight task of the given kind. Used by the
// selector to coalesce duplicate refreshes.
func (q *Queue) HasActiveKind(ctx context.Context, kind models.TaskKind) (bool, error) {
	return q.store.HasActiveKind(ctx, kind)
}
