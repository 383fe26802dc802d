package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/portfolio-tracker/internal/models"
)

// taskSelectList is the column list for SELECT/RETURNING on refresh_tasks
// (single source for schema changes)
const taskSelectList = `id, kind, priority, state, args, progress_current, progress_total,
			result, error_message, error_code, retry_count, max_retries,
			revoke_requested, created_at, started_at, completed_at, next_retry_at`

// terminalStates guards every mutation: rows in these states are immutable.
const terminalStates = `('success', 'failure', 'revoked')`

// retryBackoffBase is the exponential backoff unit for retryable failures.
const retryBackoffBase = "1 minute"

// TaskRepository manages the refresh task queue in PostgreSQL.
type TaskRepository struct {
	db *sql.DB
}

// NewTaskRepository creates a new repository.
func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Enqueue inserts a new pending task.
func (r *TaskRepository) Enqueue(ctx context.Context, task *models.RefreshTask) error {
	query := `
		INSERT INTO refresh_tasks (id, kind, priority, state, args, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		task.ID, task.Kind, task.Priority, task.State, task.Args,
		task.MaxRetries, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the oldest runnable task in the given lane and
// transitions it to started. Uses FOR UPDATE SKIP LOCKED so concurrent
// workers never claim the same task. Returns models.ErrNotFound when the
// lane is empty.
func (r *TaskRepository) ClaimNext(ctx context.Context, lane models.TaskPriority) (*models.RefreshTask, error) {
	query := `
		UPDATE refresh_tasks
		SET state = 'started', started_at = NOW()
		WHERE id IN (
			SELECT id FROM refresh_tasks
			WHERE state = 'pending'
			  AND priority = $1
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskSelectList

	task, err := r.scanTaskRow(r.db.QueryRowContext(ctx, query, lane))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return task, nil
}

// execExpectOneRow runs an exec and returns models.ErrNotFound when no row
// was affected.
func (r *TaskRepository) execExpectOneRow(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("get affected rows: %w", rowsErr)
	}
	if rows == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpdateProgress records a progress checkpoint. No-op error on terminal rows.
func (r *TaskRepository) UpdateProgress(ctx context.Context, id string, current, total int) error {
	query := `
		UPDATE refresh_tasks
		SET state = 'progress', progress_current = $2, progress_total = $3
		WHERE id = $1 AND state NOT IN ` + terminalStates
	if err := r.execExpectOneRow(ctx, query, id, current, total); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// MarkSuccess transitions a task to success with its result payload.
func (r *TaskRepository) MarkSuccess(ctx context.Context, id string, result []byte) error {
	query := `
		UPDATE refresh_tasks
		SET state = 'success', result = $2, completed_at = NOW()
		WHERE id = $1 AND state NOT IN ` + terminalStates
	if err := r.execExpectOneRow(ctx, query, id, result); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark success: %w", err)
	}
	return nil
}

// MarkFailure records a failed execution. Retryable tasks with attempts left
// go back to pending with exponential backoff (base x 2^retry_count, applied
// in SQL); exhausted or non-retryable tasks become terminal failures.
func (r *TaskRepository) MarkFailure(ctx context.Context, id, errorMsg, errorCode string) error {
	query := `
		UPDATE refresh_tasks
		SET state = CASE WHEN retry_count + 1 < max_retries THEN 'pending' ELSE 'failure' END,
		    error_message = $2,
		    error_code = $3,
		    retry_count = retry_count + 1,
		    next_retry_at = CASE WHEN retry_count + 1 < max_retries
		        THEN NOW() + (INTERVAL '` + retryBackoffBase + `' * POWER(2, retry_count))
		        ELSE NULL END,
		    completed_at = CASE WHEN retry_count + 1 < max_retries THEN NULL ELSE NOW() END
		WHERE id = $1 AND state NOT IN ` + terminalStates
	if err := r.execExpectOneRow(ctx, query, id, errorMsg, errorCode); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark failure: %w", err)
	}
	return nil
}

// MarkFailureFinal transitions a task straight to terminal failure with no
// retry, regardless of attempts left. Used for structural errors.
func (r *TaskRepository) MarkFailureFinal(ctx context.Context, id, errorMsg, errorCode string) error {
	query := `
		UPDATE refresh_tasks
		SET state = 'failure', error_message = $2, error_code = $3, completed_at = NOW()
		WHERE id = $1 AND state NOT IN ` + terminalStates
	if err := r.execExpectOneRow(ctx, query, id, errorMsg, errorCode); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark failure final: %w", err)
	}
	return nil
}

// RequestRevoke flags a running task for termination, or revokes a pending
// task outright. Revoking a terminal task is a no-op, not an error.
func (r *TaskRepository) RequestRevoke(ctx context.Context, id string) error {
	query := `
		UPDATE refresh_tasks
		SET revoke_requested = TRUE,
		    state = CASE WHEN state = 'pending' THEN 'revoked' ELSE state END,
		    error_code = CASE WHEN state = 'pending' THEN 'revoked' ELSE error_code END,
		    completed_at = CASE WHEN state = 'pending' THEN NOW() ELSE completed_at END
		WHERE id = $1 AND state NOT IN ` + terminalStates

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("request revoke: %w", err)
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("get affected rows: %w", rowsErr)
	}
	if rows == 0 {
		// Either unknown id or already terminal. Distinguish for the API.
		var exists bool
		checkErr := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM refresh_tasks WHERE id = $1)`, id).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("request revoke: %w", checkErr)
		}
		if !exists {
			return models.ErrNotFound
		}
	}
	return nil
}

// RevokeRequested reads the revocation flag. Used by workers at progress
// checkpoints.
func (r *TaskRepository) RevokeRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := r.db.QueryRowContext(ctx,
		`SELECT revoke_requested FROM refresh_tasks WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, models.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("revoke requested: %w", err)
	}
	return requested, nil
}

// MarkRevoked transitions a task to the revoked terminal state.
func (r *TaskRepository) MarkRevoked(ctx context.Context, id string) error {
	query := `
		UPDATE refresh_tasks
		SET state = 'revoked', error_code = 'revoked', completed_at = NOW()
		WHERE id = $1 AND state NOT IN ` + terminalStates
	if err := r.execExpectOneRow(ctx, query, id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark revoked: %w", err)
	}
	return nil
}

// GetByID retrieves a single task.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*models.RefreshTask, error) {
	query := `SELECT ` + taskSelectList + ` FROM refresh_tasks WHERE id = $1`

	task, err := r.scanTaskRow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get by id: %w", err)
	}
	return task, nil
}

// ListActive returns all non-terminal tasks grouped by lane plus aggregate
// counts for the list_active view.
func (r *TaskRepository) ListActive(ctx context.Context) (*models.ActiveTasks, error) {
	query := `SELECT ` + taskSelectList + `
		FROM refresh_tasks
		WHERE state IN ('pending', 'started', 'progress')
		ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}

	active := &models.ActiveTasks{
		ByQueue: map[models.TaskPriority][]models.RefreshTask{
			models.PriorityHigh: {},
			models.PriorityLow:  {},
		},
	}
	now := time.Now()
	for i := range tasks {
		t := tasks[i]
		active.ByQueue[t.Priority] = append(active.ByQueue[t.Priority], t)
		active.Stats.TotalActive++
		switch {
		case t.State == models.TaskStatePending && t.NextRetryAt != nil && t.NextRetryAt.After(now):
			active.Stats.TotalScheduled++
		case t.State == models.TaskStateStarted || t.State == models.TaskStateProgress:
			active.Stats.TotalReserved++
		}
	}
	return active, nil
}

// HasActiveKind reports whether a task of the given kind is pending or
// running. The selector uses this to coalesce duplicate refreshes.
func (r *TaskRepository) HasActiveKind(ctx context.Context, kind models.TaskKind) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM refresh_tasks
			WHERE kind = $1 AND state IN ('pending', 'started', 'progress')
		)`, kind).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has active kind: %w", err)
	}
	return exists, nil
}

// Cleanup removes terminal tasks older than the retention window.
func (r *TaskRepository) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM refresh_tasks
		WHERE state IN ` + terminalStates + `
		  AND completed_at < NOW() - $1::interval`

	result, err := r.db.ExecContext(ctx, query, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup tasks: %w", err)
	}
	return result.RowsAffected()
}

// ResetStale returns orphaned started tasks to pending. This recovers tasks
// claimed by a worker that crashed before completing.
func (r *TaskRepository) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE refresh_tasks
		SET state = 'pending', started_at = NULL
		WHERE state IN ('started', 'progress')
		  AND started_at < NOW() - $1::interval`

	result, err := r.db.ExecContext(ctx, query, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("reset stale: %w", err)
	}
	return result.RowsAffected()
}

// rowScanner abstracts sql.Row and sql.Rows for task scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *TaskRepository) scanTaskRow(row rowScanner) (*models.RefreshTask, error) {
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func scanTask(row rowScanner) (*models.RefreshTask, error) {
	var t models.RefreshTask
	err := row.Scan(
		&t.ID, &t.Kind, &t.Priority, &t.State, &t.Args,
		&t.ProgressCurrent, &t.ProgressTotal,
		&t.Result, &t.ErrorMessage, &t.ErrorCode,
		&t.RetryCount, &t.MaxRetries, &t.RevokeRequested,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.NextRetryAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]models.RefreshTask, error) {
	var tasks []models.RefreshTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
