package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonesrussell/portfolio-tracker/internal/cache"
	"github.com/jonesrussell/portfolio-tracker/internal/database"
	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/marketdata"
	"github.com/jonesrussell/portfolio-tracker/internal/models"
	"github.com/jonesrussell/portfolio-tracker/internal/quality"
	"github.com/jonesrussell/portfolio-tracker/internal/ratelimit"
)

const (
	// fetchBatchSize is the symbols-per-call batch, one governor call each.
	fetchBatchSize = 25

	// indexWindowDays is the window compute-index recomputes.
	indexWindowDays = 90

	// priceRetention is how long price history is kept by cleanup.
	priceRetention = 2 * 365 * 24 * time.Hour
)

// CheckpointFunc records progress and returns models.ErrTaskRevoked when the
// task has been flagged for termination. Executors call it between batches.
type CheckpointFunc func(ctx context.Context, current, total int) error

// Execution is everything an executor gets for one task run. Store is bound
// to the task's transaction; everything written through it commits or rolls
// back as a unit.
type Execution struct {
	Task       *models.RefreshTask
	Store      *database.MarketRepository
	Checkpoint CheckpointFunc
}

// Outcome is what a successful run produces: an opaque result payload and
// the cache patterns to invalidate after the transaction commits.
type Outcome struct {
	Result             map[string]any
	InvalidatePatterns []string
}

// Executor runs one task kind.
type Executor interface {
	Kind() models.TaskKind
	Run(ctx context.Context, exec *Execution) (*Outcome, error)
}

// ReportSink indexes derived documents for the dashboard. A nil sink
// disables indexing.
type ReportSink interface {
	IndexReport(ctx context.Context, id string, doc map[string]any) error
	IndexValues(ctx context.Context, values []models.IndexValue) error
}

// NewExecutors builds the executor set for all task kinds.
func NewExecutors(
	fetcher marketdata.Fetcher,
	governor *ratelimit.Governor,
	sink ReportSink,
	tasks *database.TaskRepository,
	budgets *database.BudgetRepository,
	expectedAssets int,
	log logger.Logger,
) map[models.TaskKind]Executor {
	execs := []Executor{
		&priceRefreshExecutor{kind: models.TaskKindFullRefresh, fetcher: fetcher, governor: governor, logger: log},
		&priceRefreshExecutor{kind: models.TaskKindPriceUpdate, fetcher: fetcher, governor: governor, logger: log},
		&computeIndexExecutor{sink: sink, logger: log},
		&generateReportExecutor{sink: sink, expectedAssets: expectedAssets, logger: log},
		&cleanupExecutor{tasks: tasks, budgets: budgets, logger: log},
	}

	byKind := make(map[models.TaskKind]Executor, len(execs))
	for _, e := range execs {
		byKind[e.Kind()] = e
	}
	return byKind
}

// priceRefreshExecutor serves both full-refresh and price-update: the only
// difference is the symbol scope and date window carried in the task args.
type priceRefreshExecutor struct {
	kind     models.TaskKind
	fetcher  marketdata.Fetcher
	governor *ratelimit.Governor
	logger   logger.Logger
}

func (e *priceRefreshExecutor) Kind() models.TaskKind { return e.kind }

func (e *priceRefreshExecutor) Run(ctx context.Context, exec *Execution) (*Outcome, error) {
	var args TaskArgs
	if len(exec.Task.Args) > 0 {
		if err := json.Unmarshal(exec.Task.Args, &args); err != nil {
			return nil, fmt.Errorf("decode task args: %w", err)
		}
	}

	symbols := args.Symbols
	if len(symbols) == 0 {
		listed, err := exec.Store.ListSymbols(ctx)
		if err != nil {
			return nil, err
		}
		symbols = listed
	}
	if len(symbols) == 0 {
		return &Outcome{Result: map[string]any{"rows_written": 0}}, nil
	}

	days := args.Days
	if days <= 0 {
		days = incrementalDays
	}
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -days)

	batches := (len(symbols) + fetchBatchSize - 1) / fetchBatchSize
	written := 0

	for i := 0; i < batches; i++ {
		if err := exec.Checkpoint(ctx, i, batches); err != nil {
			return nil, err
		}

		// The soft ceiling stops bulk work before the hard limit; critical
		// scope keeps fetching on the reserve.
		if args.Scope != ScopeCritical {
			allowed, ceilErr := e.governor.CanCall(ctx, e.fetcher.Provider())
			if ceilErr != nil {
				return nil, ceilErr
			}
			if !allowed {
				return nil, fmt.Errorf("soft ceiling reached for provider %s: %w",
					e.fetcher.Provider(), models.ErrQuotaExhausted)
			}
		}

		// Count the call before making it so a lost response still burns
		// budget; under-counting risks a quota violation, over-counting
		// only costs a spare call.
		if err := e.governor.RecordCall(ctx, e.fetcher.Provider()); err != nil {
			return nil, err
		}

		start := i * fetchBatchSize
		end := start + fetchBatchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		points, err := e.fetcher.Fetch(ctx, symbols[start:end], from, to)
		if err != nil {
			return nil, err
		}

		n, err := exec.Store.UpsertPrices(ctx, points)
		if err != nil {
			return nil, err
		}
		written += n
	}

	if err := exec.Checkpoint(ctx, batches, batches); err != nil {
		return nil, err
	}

	// Keep the derived index in step with the prices it is computed from,
	// inside the same transaction.
	dates, err := exec.Store.ComputeIndexValues(ctx, from, to)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Result: map[string]any{
			"rows_written": written,
			"index_dates":  dates,
			"symbols":      len(symbols),
			"from":         from.Format("2006-01-02"),
			"to":           to.Format("2006-01-02"),
		},
		InvalidatePatterns: []string{cache.NamespaceMarket + "*", cache.NamespaceIndex + "*"},
	}, nil
}

// computeIndexExecutor recomputes the index series over a fixed window and
// re-indexes it for the dashboard.
type computeIndexExecutor struct {
	sink   ReportSink
	logger logger.Logger
}

func (e *computeIndexExecutor) Kind() models.TaskKind { return models.TaskKindComputeIndex }

func (e *computeIndexExecutor) Run(ctx context.Context, exec *Execution) (*Outcome, error) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -indexWindowDays)

	if err := exec.Checkpoint(ctx, 0, 2); err != nil {
		return nil, err
	}

	dates, err := exec.Store.ComputeIndexValues(ctx, from, to)
	if err != nil {
		return nil, err
	}

	if err := exec.Checkpoint(ctx, 1, 2); err != nil {
		return nil, err
	}

	if e.sink != nil {
		values, valErr := exec.Store.IndexValues(ctx, from, to)
		if valErr != nil {
			return nil, valErr
		}
		if sinkErr := e.sink.IndexValues(ctx, values); sinkErr != nil {
			// Search indexing is derived data; the computed series in the
			// store is the record. Log and carry on.
			e.logger.Warn("index values search indexing failed", logger.Error(sinkErr))
		}
	}

	return &Outcome{
		Result:             map[string]any{"index_dates": dates},
		InvalidatePatterns: []string{cache.NamespaceIndex + "*"},
	}, nil
}

// generateReportExecutor builds a quality/summary report document and
// indexes it for the dashboard.
type generateReportExecutor struct {
	sink           ReportSink
	expectedAssets int
	logger         logger.Logger
}

func (e *generateReportExecutor) Kind() models.TaskKind { return models.TaskKindGenerateReport }

func (e *generateReportExecutor) Run(ctx context.Context, exec *Execution) (*Outcome, error) {
	if err := exec.Checkpoint(ctx, 0, 1); err != nil {
		return nil, err
	}

	stats, err := exec.Store.DatasetStats(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report := quality.Score(stats, e.expectedAssets, now)

	doc := map[string]any{
		"generated_at":     now.Format(time.RFC3339),
		"overall":          report.Overall,
		"assessment":       report.Assessment,
		"requires_refresh": report.RequiresRefresh,
		"freshness":        report.Freshness,
		"completeness":     report.Completeness,
		"accuracy":         report.Accuracy,
		"coverage":         report.Coverage,
		"asset_count":      stats.AssetCount,
		"price_rows":       stats.PriceRowCount,
	}

	if e.sink != nil {
		if sinkErr := e.sink.IndexReport(ctx, exec.Task.ID, doc); sinkErr != nil {
			return nil, fmt.Errorf("index report: %w", sinkErr)
		}
	}

	return &Outcome{
		Result:             map[string]any{"overall": report.Overall, "assessment": report.Assessment},
		InvalidatePatterns: []string{cache.NamespaceReport + "*"},
	}, nil
}

// cleanupExecutor trims expired rows: old prices, terminal tasks past
// retention, stale budget windows.
type cleanupExecutor struct {
	tasks   *database.TaskRepository
	budgets *database.BudgetRepository
	logger  logger.Logger
}

const budgetWindowKeepDays = 7

func (e *cleanupExecutor) Kind() models.TaskKind { return models.TaskKindCleanup }

func (e *cleanupExecutor) Run(ctx context.Context, exec *Execution) (*Outcome, error) {
	if err := exec.Checkpoint(ctx, 0, 3); err != nil {
		return nil, err
	}

	prices, err := exec.Store.CleanupPrices(ctx, priceRetention)
	if err != nil {
		return nil, err
	}

	if err := exec.Checkpoint(ctx, 1, 3); err != nil {
		return nil, err
	}

	tasks, err := e.tasks.Cleanup(ctx, models.TaskRetention)
	if err != nil {
		return nil, err
	}

	if err := exec.Checkpoint(ctx, 2, 3); err != nil {
		return nil, err
	}

	budgets, err := e.budgets.CleanupWindows(ctx, budgetWindowKeepDays)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Result: map[string]any{
			"prices_deleted":  prices,
			"tasks_deleted":   tasks,
			"budgets_deleted": budgets,
		},
	}, nil
}
