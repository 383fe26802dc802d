// Package worker provides the background worker pool that executes refresh
// tasks claimed from the task queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonesrussell/portfolio-tracker/internal/cache"
	"github.com/jonesrussell/portfolio-tracker/internal/database"
	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/models"
	"github.com/jonesrussell/portfolio-tracker/internal/refresh"
	"github.com/jonesrussell/portfolio-tracker/internal/retry"
	"github.com/jonesrussell/portfolio-tracker/internal/telemetry"
)

const (
	defaultWorkerCount   = 4
	defaultPollInterval  = 2 * time.Second
	defaultTaskTimeout   = 30 * time.Minute
	defaultFairnessBurst = 5

	cleanupInterval  = 10 * time.Minute
	recoveryInterval = time.Minute
	staleStartedAge  = 45 * time.Minute
	finalizeTimeout  = 10 * time.Second
)

// Config holds worker pool settings.
type Config struct {
	WorkerCount   int
	PollInterval  time.Duration
	TaskTimeout   time.Duration
	FairnessBurst int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:   defaultWorkerCount,
		PollInterval:  defaultPollInterval,
		TaskTimeout:   defaultTaskTimeout,
		FairnessBurst: defaultFairnessBurst,
	}
}

// Pool claims tasks from the queue table and executes them. Each task runs
// in its own store transaction with a hard execution ceiling; cache
// invalidation happens only after the transaction commits.
type Pool struct {
	tasks     *database.TaskRepository
	market    *database.MarketRepository
	cache     *cache.Store
	executors map[models.TaskKind]refresh.Executor
	logger    logger.Logger
	telemetry *telemetry.Provider

	pollInterval  time.Duration
	taskTimeout   time.Duration
	workerCount   int
	fairnessBurst int

	// highStreak counts consecutive high-lane dispatches across all
	// workers; once it reaches the fairness burst, the next claim tries
	// the low lane first so reports and cleanup never starve.
	highStreak atomic.Int64
	busy       atomic.Int64

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewPool creates a worker pool.
func NewPool(
	cfg Config,
	tasks *database.TaskRepository,
	market *database.MarketRepository,
	cacheStore *cache.Store,
	executors map[models.TaskKind]refresh.Executor,
	tel *telemetry.Provider,
	log logger.Logger,
) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.FairnessBurst <= 0 {
		cfg.FairnessBurst = defaultFairnessBurst
	}

	return &Pool{
		tasks:         tasks,
		market:        market,
		cache:         cacheStore,
		executors:     executors,
		logger:        log,
		telemetry:     tel,
		pollInterval:  cfg.PollInterval,
		taskTimeout:   cfg.TaskTimeout,
		workerCount:   cfg.WorkerCount,
		fairnessBurst: cfg.FairnessBurst,
		stopChan:      make(chan struct{}),
	}
}

// Start launches the workers plus the cleanup and recovery loops.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}

	p.wg.Add(1)
	go p.runCleanup(ctx)

	p.wg.Add(1)
	go p.runRecovery(ctx)

	p.logger.Info("worker pool started",
		logger.Int("workers", p.workerCount),
		logger.Duration("poll_interval", p.pollInterval),
		logger.Duration("task_timeout", p.taskTimeout))
}

// Stop drains the pool. In-flight tasks finish or hit their timeout.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// IsRunning reports whether the pool has been started.
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// BusyCount returns the number of workers currently executing a task.
func (p *Pool) BusyCount() int {
	return int(p.busy.Load())
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()

	log := p.logger.With(logger.Int("worker_id", id))

	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.claimFair(ctx)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				log.Error("failed to claim task", logger.Error(err))
			}
			select {
			case <-time.After(p.pollInterval):
			case <-p.stopChan:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		p.busy.Add(1)
		p.telemetry.Metrics.BusyWorkers.Set(float64(p.busy.Load()))
		p.execute(ctx, task, log)
		p.busy.Add(-1)
		p.telemetry.Metrics.BusyWorkers.Set(float64(p.busy.Load()))
	}
}

// claimFair pulls high-lane work first, but after fairnessBurst consecutive
// high-lane dispatches it offers the low lane one turn.
func (p *Pool) claimFair(ctx context.Context) (*models.RefreshTask, error) {
	lanes := []models.TaskPriority{models.PriorityHigh, models.PriorityLow}
	if p.highStreak.Load() >= int64(p.fairnessBurst) {
		lanes = []models.TaskPriority{models.PriorityLow, models.PriorityHigh}
	}

	for _, lane := range lanes {
		task, err := p.tasks.ClaimNext(ctx, lane)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if lane == models.PriorityHigh {
			p.highStreak.Add(1)
		} else {
			p.highStreak.Store(0)
		}
		return task, nil
	}
	return nil, models.ErrNotFound
}

// execute runs one task inside a transaction with the hard timeout.
func (p *Pool) execute(ctx context.Context, task *models.RefreshTask, log logger.Logger) {
	taskCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	defer cancel()

	taskCtx, span := p.telemetry.Tracer.Start(taskCtx, "task.execute",
		trace.WithAttributes(
			attribute.String("task_id", task.ID),
			attribute.String("kind", string(task.Kind)),
			attribute.String("priority", string(task.Priority)),
		))
	defer span.End()

	log = log.With(
		logger.String("task_id", task.ID),
		logger.String("kind", string(task.Kind)))
	log.Info("task started", logger.Int("attempt", task.RetryCount+1))

	start := time.Now()
	outcome, err := p.runExecutor(taskCtx, task)
	duration := time.Since(start)

	p.telemetry.Metrics.TaskDuration.WithLabelValues(string(task.Kind)).Observe(duration.Seconds())

	if err != nil {
		p.finalizeFailure(task, err, log)
		return
	}

	p.finalizeSuccess(taskCtx, task, outcome, duration, log)
}

func (p *Pool) runExecutor(ctx context.Context, task *models.RefreshTask) (*refresh.Outcome, error) {
	executor, ok := p.executors[task.Kind]
	if !ok {
		return nil, fmt.Errorf("no executor registered for kind %q", task.Kind)
	}

	tx, err := p.market.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}

	// The transaction is closed on every exit path before the worker picks
	// up its next task.
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	execution := &refresh.Execution{
		Task:       task,
		Store:      p.market.WithTx(tx),
		Checkpoint: p.checkpoint(task),
	}

	outcome, err := executor.Run(ctx, execution)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return outcome, nil
}

// checkpoint returns the executor-facing progress callback. It aborts with
// models.ErrTaskRevoked when revocation was requested, and records progress
// outside the task transaction so pollers see it immediately.
func (p *Pool) checkpoint(task *models.RefreshTask) refresh.CheckpointFunc {
	return func(ctx context.Context, current, total int) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		revoked, err := p.tasks.RevokeRequested(ctx, task.ID)
		if err != nil {
			return err
		}
		if revoked {
			return models.ErrTaskRevoked
		}

		if err := p.tasks.UpdateProgress(ctx, task.ID, current, total); err != nil {
			return err
		}
		return nil
	}
}

func (p *Pool) finalizeSuccess(ctx context.Context, task *models.RefreshTask, outcome *refresh.Outcome, duration time.Duration, log logger.Logger) {
	// Invalidate affected cache domains only after the store write has
	// committed, so readers never see a cache rebuilt from pre-commit data.
	for _, pattern := range outcome.InvalidatePatterns {
		if _, err := p.cache.InvalidatePattern(ctx, pattern); err != nil {
			log.Warn("cache invalidation failed after commit",
				logger.String("pattern", pattern),
				logger.Error(err))
		} else {
			p.telemetry.Metrics.CacheInvalidations.Inc()
		}
	}

	result, err := json.Marshal(outcome.Result)
	if err != nil {
		log.Error("failed to marshal task result", logger.Error(err))
		result = nil
	}

	finCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if err := p.tasks.MarkSuccess(finCtx, task.ID, result); err != nil {
		log.Error("failed to mark task success", logger.Error(err))
		return
	}

	p.telemetry.Metrics.TasksProcessed.WithLabelValues(string(task.Kind), "success").Inc()
	log.Info("task completed", logger.Duration("duration", duration))
}

// finalizeFailure maps the execution error to a terminal (or retryable)
// state with a distinct error code.
func (p *Pool) finalizeFailure(task *models.RefreshTask, err error, log logger.Logger) {
	finCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	switch {
	case errors.Is(err, models.ErrTaskRevoked):
		if markErr := p.tasks.MarkRevoked(finCtx, task.ID); markErr != nil {
			log.Error("failed to mark task revoked", logger.Error(markErr))
		}
		p.telemetry.Metrics.TasksRevoked.Inc()
		p.telemetry.Metrics.TasksProcessed.WithLabelValues(string(task.Kind), "revoked").Inc()
		log.Warn("task revoked at checkpoint")
		return

	case errors.Is(err, context.DeadlineExceeded):
		// Distinct code: "upstream never responded" vs "upstream errored".
		p.markFailure(finCtx, task, err.Error(), models.TaskErrCodeTimeout, true, log)

	case errors.Is(err, models.ErrQuotaExhausted):
		// Retrying today cannot succeed; the window has to roll over.
		p.markFailure(finCtx, task, err.Error(), models.TaskErrCodeQuota, false, log)

	case retry.DefaultIsRetryable(err):
		p.markFailure(finCtx, task, err.Error(), models.TaskErrCodeUpstream, true, log)

	default:
		// Structural errors surface immediately with full detail.
		p.markFailure(finCtx, task, err.Error(), models.TaskErrCodeStore, false, log)
	}

	p.telemetry.Metrics.TasksFailed.WithLabelValues(string(task.Kind), models.ClassifyError(err)).Inc()
	log.Error("task failed",
		logger.Int("attempt", task.RetryCount+1),
		logger.Error(err))
}

func (p *Pool) markFailure(ctx context.Context, task *models.RefreshTask, msg, code string, transient bool, log logger.Logger) {
	var markErr error
	if transient && task.ShouldRetry() {
		// Back to pending with exponential backoff, applied in SQL.
		markErr = p.tasks.MarkFailure(ctx, task.ID, msg, code)
	} else {
		markErr = p.tasks.MarkFailureFinal(ctx, task.ID, msg, code)
	}
	if markErr != nil {
		log.Error("failed to mark task failure", logger.Error(markErr))
	}
}

// runCleanup periodically drops terminal tasks past the retention window.
func (p *Pool) runCleanup(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deleted, err := p.tasks.Cleanup(ctx, models.TaskRetention)
			if err != nil {
				p.logger.Error("task cleanup failed", logger.Error(err))
			} else if deleted > 0 {
				p.logger.Info("cleaned up terminal tasks", logger.Int64("deleted", deleted))
			}
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runRecovery resets tasks orphaned by a crashed worker back to pending.
func (p *Pool) runRecovery(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reset, err := p.tasks.ResetStale(ctx, staleStartedAge)
			if err != nil {
				p.logger.Error("task recovery failed", logger.Error(err))
			} else if reset > 0 {
				p.logger.Warn("recovered stale tasks", logger.Int64("reset", reset))
			}
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// GetStats returns pool statistics for diagnostics.
func (p *Pool) GetStats(ctx context.Context) (map[string]any, error) {
	active, err := p.tasks.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	p.telemetry.Metrics.QueueDepth.Set(float64(active.Stats.TotalActive))

	return map[string]any{
		"workers":         p.workerCount,
		"busy_workers":    p.BusyCount(),
		"total_active":    active.Stats.TotalActive,
		"total_scheduled": active.Stats.TotalScheduled,
		"total_reserved":  active.Stats.TotalReserved,
		"poll_interval":   p.pollInterval.String(),
		"task_timeout":    p.taskTimeout.String(),
		"running":         p.IsRunning(),
	}, nil
}
