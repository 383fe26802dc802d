package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/models"
	"github.com/jonesrussell/portfolio-tracker/internal/queue"
	"github.com/jonesrussell/portfolio-tracker/internal/ratelimit"
)

const (
	// fullBackfillDays is the price window a full refresh covers.
	fullBackfillDays = 30
	// incrementalDays is the price window an incremental update covers.
	incrementalDays = 2

	// ScopeAll covers the whole asset universe; ScopeCritical is the
	// benchmark plus the configured critical symbols, fetched on the
	// budget reserve.
	ScopeAll      = "all"
	ScopeCritical = "critical"
)

// TaskArgs is the serialized argument payload for refresh tasks.
type TaskArgs struct {
	Scope   string   `json:"scope,omitempty"` // all | critical
	Symbols []string `json:"symbols,omitempty"`
	Days    int      `json:"days,omitempty"`
}

// StalenessSource reports the age of the stored dataset.
type StalenessSource interface {
	LatestPriceDate(ctx context.Context) (*time.Time, error)
}

// Service wires the selector to the governor, the queue and the store.
// Trigger is fire-and-forget: it returns a task id immediately and failures
// are only visible through status polling.
type Service struct {
	selector *Selector
	governor *ratelimit.Governor
	queue    *queue.Queue
	store    StalenessSource
	logger   logger.Logger

	provider        string
	benchmarkSymbol string
	criticalSymbols []string
	now             func() time.Time
}

// ServiceConfig holds refresh service settings.
type ServiceConfig struct {
	Provider        string
	ReserveCalls    int
	BenchmarkSymbol string
	CriticalSymbols []string
}

// NewService creates the refresh service.
func NewService(
	cfg ServiceConfig,
	governor *ratelimit.Governor,
	q *queue.Queue,
	store StalenessSource,
	log logger.Logger,
) *Service {
	return &Service{
		selector:        NewSelector(cfg.ReserveCalls),
		governor:        governor,
		queue:           q,
		store:           store,
		logger:          log,
		provider:        cfg.Provider,
		benchmarkSymbol: cfg.BenchmarkSymbol,
		criticalSymbols: cfg.CriticalSymbols,
		now:             time.Now,
	}
}

// TriggerResult is the immediate response to a refresh trigger.
type TriggerResult struct {
	Mode          Mode   `json:"mode"`
	TaskID        string `json:"task_id,omitempty"`
	StalenessDays int    `json:"staleness_days"`
	BudgetLeft    int    `json:"budget_remaining"`
}

// Trigger picks a refresh mode and enqueues the work. Cached mode enqueues
// nothing, issues no upstream calls and mutates nothing, no matter how often
// it is invoked.
func (s *Service) Trigger(ctx context.Context, explicit *Mode) (*TriggerResult, error) {
	staleness, err := s.stalenessDays(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute staleness: %w", err)
	}

	remaining, err := s.governor.BudgetRemaining(ctx, s.provider)
	if err != nil {
		return nil, fmt.Errorf("budget remaining: %w", err)
	}

	inFlight, err := s.refreshInFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("check in-flight: %w", err)
	}

	mode := s.selector.Select(Input{
		Explicit:        explicit,
		StalenessDays:   staleness,
		BudgetRemaining: remaining,
		InFlight:        inFlight,
	})

	result := &TriggerResult{
		Mode:          mode,
		StalenessDays: staleness,
		BudgetLeft:    remaining,
	}

	s.logger.Info("refresh mode selected",
		logger.String("mode", string(mode)),
		logger.Int("staleness_days", staleness),
		logger.Int("budget_remaining", remaining),
		logger.Bool("in_flight", inFlight))

	if mode == ModeCached {
		return result, nil
	}

	kind, args := s.plan(mode, staleness)
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal task args: %w", err)
	}

	taskID, err := s.queue.Enqueue(ctx, kind, kind.DefaultPriority(), payload)
	if err != nil {
		return nil, fmt.Errorf("enqueue refresh: %w", err)
	}
	result.TaskID = taskID
	return result, nil
}

// plan maps a mode to a task kind and arguments.
func (s *Service) plan(mode Mode, staleness int) (models.TaskKind, TaskArgs) {
	switch mode {
	case ModeFull:
		days := fullBackfillDays
		if staleness > days {
			days = staleness
		}
		return models.TaskKindFullRefresh, TaskArgs{Scope: ScopeAll, Days: days}
	case ModeMinimal:
		symbols := make([]string, 0, len(s.criticalSymbols)+1)
		if s.benchmarkSymbol != "" {
			symbols = append(symbols, s.benchmarkSymbol)
		}
		symbols = append(symbols, s.criticalSymbols...)
		return models.TaskKindPriceUpdate, TaskArgs{Scope: ScopeCritical, Symbols: symbols, Days: incrementalDays}
	default: // ModeIncremental
		return models.TaskKindPriceUpdate, TaskArgs{Scope: ScopeAll, Days: incrementalDays}
	}
}

// refreshInFlight reports whether any price-affecting refresh is already
// pending or running.
func (s *Service) refreshInFlight(ctx context.Context) (bool, error) {
	for _, kind := range []models.TaskKind{models.TaskKindFullRefresh, models.TaskKindPriceUpdate} {
		active, err := s.queue.HasActiveKind(ctx, kind)
		if err != nil {
			return false, err
		}
		if active {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) stalenessDays(ctx context.Context) (int, error) {
	latest, err := s.store.LatestPriceDate(ctx)
	if err != nil {
		return 0, err
	}
	stats := models.DatasetStats{LatestPriceDate: latest}
	return stats.StalenessDays(s.now()), nil
}
