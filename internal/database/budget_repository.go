package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/portfolio-tracker/internal/models"
)

// BudgetRepository persists the per-provider rate-limit counters. The
// counter must survive restarts: a crash-and-restart silently resetting the
// budget would cause a quota violation upstream.
type BudgetRepository struct {
	db *sql.DB
}

// NewBudgetRepository creates a new repository.
func NewBudgetRepository(db *sql.DB) *BudgetRepository {
	return &BudgetRepository{db: db}
}

// RecordCall atomically increments the call counter for the provider's
// current window and returns the updated count. The increment happens in a
// single upsert so concurrent workers never lose a call.
func (r *BudgetRepository) RecordCall(ctx context.Context, provider string, dailyLimit int, now time.Time) (int, error) {
	query := `
		INSERT INTO rate_budgets (provider, window_date, calls_used, daily_limit, updated_at)
		VALUES ($1, $2, 1, $3, NOW())
		ON CONFLICT (provider, window_date)
		DO UPDATE SET calls_used = rate_budgets.calls_used + 1, updated_at = NOW()
		RETURNING calls_used`

	var used int
	err := r.db.QueryRowContext(ctx, query, provider, models.BudgetWindow(now), dailyLimit).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("record call: %w", err)
	}
	return used, nil
}

// RecordOverride atomically consumes a manual override slot. Returns the
// number of overrides used in the window.
func (r *BudgetRepository) RecordOverride(ctx context.Context, provider string, dailyLimit int, now time.Time) (int, error) {
	query := `
		INSERT INTO rate_budgets (provider, window_date, calls_used, daily_limit, overrides_used, updated_at)
		VALUES ($1, $2, 0, $3, 1, NOW())
		ON CONFLICT (provider, window_date)
		DO UPDATE SET overrides_used = rate_budgets.overrides_used + 1, updated_at = NOW()
		RETURNING overrides_used`

	var used int
	err := r.db.QueryRowContext(ctx, query, provider, models.BudgetWindow(now), dailyLimit).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("record override: %w", err)
	}
	return used, nil
}

// Get returns the budget row for the provider's current window. A missing
// row means no calls have been made yet this window.
func (r *BudgetRepository) Get(ctx context.Context, provider string, dailyLimit int, now time.Time) (*models.RateBudget, error) {
	query := `
		SELECT provider, window_date, calls_used, daily_limit, overrides_used, updated_at
		FROM rate_budgets
		WHERE provider = $1 AND window_date = $2`

	var b models.RateBudget
	err := r.db.QueryRowContext(ctx, query, provider, models.BudgetWindow(now)).Scan(
		&b.Provider, &b.WindowDate, &b.CallsUsed, &b.DailyLimit, &b.OverridesUsed, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.RateBudget{
			Provider:   provider,
			WindowDate: models.BudgetWindow(now),
			DailyLimit: dailyLimit,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	return &b, nil
}

// CleanupWindows removes budget rows older than the retention period.
// Past windows are kept briefly for audit, then dropped.
func (r *BudgetRepository) CleanupWindows(ctx context.Context, keepDays int) (int64, error) {
	query := `
		DELETE FROM rate_budgets
		WHERE window_date < TO_CHAR(NOW() AT TIME ZONE 'UTC' - ($1 || ' days')::interval, 'YYYY-MM-DD')`

	result, err := r.db.ExecContext(ctx, query, keepDays)
	if err != nil {
		return 0, fmt.Errorf("cleanup budget windows: %w", err)
	}
	return result.RowsAffected()
}
