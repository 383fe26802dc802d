package worker_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/jonesrussell/portfolio-tracker/internal/database"
	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/models"
	"github.com/jonesrussell/portfolio-tracker/internal/refresh"
	"github.com/jonesrussell/portfolio-tracker/internal/telemetry"
	"github.com/jonesrussell/portfolio-tracker/internal/worker"
)

func TestDefaultConfig(t *testing.T) {
	cfg := worker.DefaultConfig()

	if cfg.WorkerCount != 4 {
		t.Errorf("WorkerCount = %d, want 4", cfg.WorkerCount)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.PollInterval)
	}
	if cfg.TaskTimeout != 30*time.Minute {
		t.Errorf("TaskTimeout = %v, want 30m", cfg.TaskTimeout)
	}
	if cfg.FairnessBurst != 5 {
		t.Errorf("FairnessBurst = %d, want 5", cfg.FairnessBurst)
	}
}

func TestConfig_Validation(t *testing.T) {
	cfg := worker.DefaultConfig()
	if cfg.WorkerCount <= 0 {
		t.Error("default WorkerCount should be positive")
	}
	if cfg.PollInterval <= 0 {
		t.Error("default PollInterval should be positive")
	}
	if cfg.TaskTimeout <= 0 {
		t.Error("default TaskTimeout should be positive")
	}
	if cfg.FairnessBurst <= 0 {
		t.Error("default FairnessBurst should be positive")
	}
}

func newTestPool(t *testing.T, cfg worker.Config, executors map[models.TaskKind]refresh.Executor) (*worker.Pool, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tasks := database.NewTaskRepository(db)
	market := database.NewMarketRepository(db)

	// The cache is only touched after a committed task; nil is safe here.
	pool := worker.NewPool(cfg, tasks, market, nil, executors,
		telemetry.NewProvider(), logger.NewNopLogger())
	return pool, mock
}

// stubExecutor delegates to a test-provided run function.
type stubExecutor struct {
	kind models.TaskKind
	run  func(ctx context.Context, exec *refresh.Execution) (*refresh.Outcome, error)
}

func (s *stubExecutor) Kind() models.TaskKind { return s.kind }

func (s *stubExecutor) Run(ctx context.Context, exec *refresh.Execution) (*refresh.Outcome, error) {
	return s.run(ctx, exec)
}

var taskColumns = []string{
	"id", "kind", "priority", "state", "args", "progress_current", "progress_total",
	"result", "error_message", "error_code", "retry_count", "max_retries",
	"revoke_requested", "created_at", "started_at", "completed_at", "next_retry_at",
}

// claimedTaskRow is a freshly claimed row as ClaimNext returns it.
func claimedTaskRow(id string, kind models.TaskKind, priority models.TaskPriority) *sqlmock.Rows {
	return sqlmock.NewRows(taskColumns).AddRow(
		id, string(kind), string(priority), "started", []byte("{}"),
		nil, nil, nil, nil, nil, 0, 3, false, time.Now(), time.Now(), nil, nil,
	)
}

// waitForExpectations polls until the mock's script has fully played out.
func waitForExpectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("unmet expectations: %v", mock.ExpectationsWereMet())
}

func TestPool_StartStop(t *testing.T) {
	cfg := worker.Config{
		WorkerCount:   2,
		PollInterval:  time.Minute, // one claim round per worker, then idle
		TaskTimeout:   time.Minute,
		FairnessBurst: 5,
	}
	pool, mock := newTestPool(t, cfg, nil)

	// Each worker probes both lanes once and finds them empty.
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 8; i++ {
		mock.ExpectQuery("UPDATE refresh_tasks").WillReturnError(sql.ErrNoRows)
	}

	if pool.IsRunning() {
		t.Error("IsRunning() = true before Start()")
	}

	pool.Start(context.Background())
	if !pool.IsRunning() {
		t.Error("IsRunning() = false after Start()")
	}
	if pool.BusyCount() != 0 {
		t.Errorf("BusyCount() = %d, want 0 with empty lanes", pool.BusyCount())
	}

	time.Sleep(50 * time.Millisecond)
	pool.Stop()
}

func TestPool_StartIsIdempotent(t *testing.T) {
	cfg := worker.Config{
		WorkerCount:   1,
		PollInterval:  time.Minute,
		TaskTimeout:   time.Minute,
		FairnessBurst: 5,
	}
	pool, mock := newTestPool(t, cfg, nil)

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 4; i++ {
		mock.ExpectQuery("UPDATE refresh_tasks").WillReturnError(sql.ErrNoRows)
	}

	ctx := context.Background()
	pool.Start(ctx)
	pool.Start(ctx) // second start is a no-op

	time.Sleep(20 * time.Millisecond)
	pool.Stop()
	pool.Stop() // second stop is a no-op
}

func TestPool_LowLaneServedAfterHighBurst(t *testing.T) {
	cfg := worker.Config{
		WorkerCount:   1,
		PollInterval:  time.Minute,
		TaskTimeout:   time.Minute,
		FairnessBurst: 2,
	}

	var mu sync.Mutex
	var served []models.TaskPriority
	record := func(_ context.Context, exec *refresh.Execution) (*refresh.Outcome, error) {
		mu.Lock()
		served = append(served, exec.Task.Priority)
		mu.Unlock()
		return &refresh.Outcome{Result: map[string]any{}}, nil
	}
	executors := map[models.TaskKind]refresh.Executor{
		models.TaskKindPriceUpdate:    &stubExecutor{kind: models.TaskKindPriceUpdate, run: record},
		models.TaskKindGenerateReport: &stubExecutor{kind: models.TaskKindGenerateReport, run: record},
	}

	pool, mock := newTestPool(t, cfg, executors)

	// Two consecutive high-lane dispatches exhaust the burst.
	highIDs := []string{"high-task-1", "high-task-2"}
	for _, id := range highIDs {
		mock.ExpectQuery("UPDATE refresh_tasks").
			WithArgs(models.PriorityHigh).
			WillReturnRows(claimedTaskRow(id, models.TaskKindPriceUpdate, models.PriorityHigh))
		mock.ExpectBegin()
		mock.ExpectCommit()
		mock.ExpectExec("UPDATE refresh_tasks").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	// The next claim has to offer the low lane first even though more
	// high-lane work may be waiting.
	mock.ExpectQuery("UPDATE refresh_tasks").
		WithArgs(models.PriorityLow).
		WillReturnRows(claimedTaskRow("low-task-1", models.TaskKindGenerateReport, models.PriorityLow))
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE refresh_tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Serving the low lane resets the streak, so the order flips back.
	mock.ExpectQuery("UPDATE refresh_tasks").
		WithArgs(models.PriorityHigh).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("UPDATE refresh_tasks").
		WithArgs(models.PriorityLow).
		WillReturnError(sql.ErrNoRows)

	pool.Start(context.Background())
	waitForExpectations(t, mock)
	pool.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := []models.TaskPriority{models.PriorityHigh, models.PriorityHigh, models.PriorityLow}
	if len(served) != len(want) {
		t.Fatalf("served %d tasks, want %d", len(served), len(want))
	}
	for i, priority := range want {
		if served[i] != priority {
			t.Errorf("dispatch %d lane = %v, want %v", i, served[i], priority)
		}
	}
}

func TestPool_RevokedTaskAbortsAtCheckpoint(t *testing.T) {
	cfg := worker.Config{
		WorkerCount:   1,
		PollInterval:  time.Minute,
		TaskTimeout:   time.Minute,
		FairnessBurst: 5,
	}

	const taskID = "22222222-2222-2222-2222-222222222222"

	var mu sync.Mutex
	var checkpointErr error
	executors := map[models.TaskKind]refresh.Executor{
		models.TaskKindPriceUpdate: &stubExecutor{
			kind: models.TaskKindPriceUpdate,
			run: func(ctx context.Context, exec *refresh.Execution) (*refresh.Outcome, error) {
				err := exec.Checkpoint(ctx, 0, 1)
				mu.Lock()
				checkpointErr = err
				mu.Unlock()
				if err != nil {
					return nil, err
				}
				return &refresh.Outcome{Result: map[string]any{}}, nil
			},
		},
	}

	pool, mock := newTestPool(t, cfg, executors)

	mock.ExpectQuery("UPDATE refresh_tasks").
		WithArgs(models.PriorityHigh).
		WillReturnRows(claimedTaskRow(taskID, models.TaskKindPriceUpdate, models.PriorityHigh))
	mock.ExpectBegin()

	// Revocation lands mid-execution; the next checkpoint sees the flag,
	// the transaction rolls back and the task goes terminal.
	mock.ExpectQuery("SELECT revoke_requested").
		WithArgs(taskID).
		WillReturnRows(sqlmock.NewRows([]string{"revoke_requested"}).AddRow(true))
	mock.ExpectRollback()
	mock.ExpectExec("UPDATE refresh_tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("UPDATE refresh_tasks").
		WithArgs(models.PriorityHigh).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("UPDATE refresh_tasks").
		WithArgs(models.PriorityLow).
		WillReturnError(sql.ErrNoRows)

	pool.Start(context.Background())
	waitForExpectations(t, mock)
	pool.Stop()

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(checkpointErr, models.ErrTaskRevoked) {
		t.Errorf("checkpoint error = %v, want %v", checkpointErr, models.ErrTaskRevoked)
	}
}
