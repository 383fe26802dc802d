// Package ratelimit enforces upstream provider quotas. The governor is the
// only gate: providers do not hard-reject until the real limit, so the soft
// ceiling here is what keeps the service inside its quota.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/models"
	"github.com/jonesrussell/portfolio-tracker/internal/telemetry"
)

// softCeilingRatio is the fraction of the daily limit at which CanCall
// starts refusing non-critical callers.
const softCeilingRatio = 0.9

// maxOverridesPerWindow caps audited manual overrides past the soft ceiling.
const maxOverridesPerWindow = 1

// BudgetStore persists per-provider call counters across restarts.
type BudgetStore interface {
	RecordCall(ctx context.Context, provider string, dailyLimit int, now time.Time) (int, error)
	RecordOverride(ctx context.Context, provider string, dailyLimit int, now time.Time) (int, error)
	Get(ctx context.Context, provider string, dailyLimit int, now time.Time) (*models.RateBudget, error)
}

// Provider holds the quota configuration for one upstream provider.
type Provider struct {
	Name       string
	DailyLimit int
}

// Governor tracks calls against provider quotas and vetoes calls that would
// cross the soft ceiling. Counter increments are atomic at the store, so a
// RecordCall is never lost under concurrent workers.
type Governor struct {
	store     BudgetStore
	providers map[string]Provider
	telemetry *telemetry.Provider
	logger    logger.Logger
	now       func() time.Time
}

// NewGovernor creates a governor for the configured providers.
func NewGovernor(store BudgetStore, providers []Provider, tel *telemetry.Provider, log logger.Logger) *Governor {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name] = p
	}
	return &Governor{
		store:     store,
		providers: byName,
		telemetry: tel,
		logger:    log,
		now:       time.Now,
	}
}

// CanCall reports whether a non-critical call to the provider is permitted.
// False once the soft ceiling (90% of the daily limit) is crossed.
func (g *Governor) CanCall(ctx context.Context, provider string) (bool, error) {
	p, budget, err := g.budget(ctx, provider)
	if err != nil {
		return false, err
	}
	return budget.CallsUsed < g.softCeiling(p), nil
}

// RecordCall counts one upstream call. Returns models.ErrQuotaExhausted once
// the hard limit is reached; the call should not have been made.
func (g *Governor) RecordCall(ctx context.Context, provider string) error {
	p, ok := g.providers[provider]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownProvider, provider)
	}

	used, err := g.store.RecordCall(ctx, provider, p.DailyLimit, g.now())
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	g.telemetry.Metrics.ProviderCalls.WithLabelValues(provider).Inc()
	if used > p.DailyLimit {
		g.logger.Error("provider hard limit exceeded",
			logger.String("provider", provider),
			logger.Int("calls_used", used),
			logger.Int("daily_limit", p.DailyLimit))
		return models.ErrQuotaExhausted
	}
	return nil
}

// BudgetRemaining returns the raw calls left in the provider's window.
func (g *Governor) BudgetRemaining(ctx context.Context, provider string) (int, error) {
	_, budget, err := g.budget(ctx, provider)
	if err != nil {
		return 0, err
	}
	return budget.Remaining(), nil
}

// Budget returns the full budget row for diagnostics.
func (g *Governor) Budget(ctx context.Context, provider string) (*models.RateBudget, error) {
	_, budget, err := g.budget(ctx, provider)
	return budget, err
}

// AllowOverride permits one audited manual call past the soft ceiling per
// window. Every grant and refusal leaves an audit log entry.
func (g *Governor) AllowOverride(ctx context.Context, provider, requestedBy string) (bool, error) {
	p, budget, err := g.budget(ctx, provider)
	if err != nil {
		return false, err
	}

	if budget.CallsUsed >= p.DailyLimit {
		g.logger.Warn("override refused: hard limit reached",
			logger.String("provider", provider),
			logger.String("requested_by", requestedBy),
			logger.Int("calls_used", budget.CallsUsed))
		return false, nil
	}
	if budget.OverridesUsed >= maxOverridesPerWindow {
		g.logger.Warn("override refused: override already used this window",
			logger.String("provider", provider),
			logger.String("requested_by", requestedBy))
		return false, nil
	}

	used, err := g.store.RecordOverride(ctx, provider, p.DailyLimit, g.now())
	if err != nil {
		return false, fmt.Errorf("record override: %w", err)
	}
	if used > maxOverridesPerWindow {
		// Lost the race to another override request.
		return false, nil
	}

	g.logger.Warn("manual rate-limit override granted",
		logger.String("provider", provider),
		logger.String("requested_by", requestedBy),
		logger.Int("calls_used", budget.CallsUsed),
		logger.Int("daily_limit", p.DailyLimit))
	return true, nil
}

// Providers returns the configured provider names.
func (g *Governor) Providers() []string {
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	return names
}

func (g *Governor) softCeiling(p Provider) int {
	return int(float64(p.DailyLimit) * softCeilingRatio)
}

func (g *Governor) budget(ctx context.Context, provider string) (Provider, *models.RateBudget, error) {
	p, ok := g.providers[provider]
	if !ok {
		return Provider{}, nil, fmt.Errorf("%w: %s", models.ErrUnknownProvider, provider)
	}
	budget, err := g.store.Get(ctx, provider, p.DailyLimit, g.now())
	if err != nil {
		return Provider{}, nil, fmt.Errorf("get budget: %w", err)
	}
	return p, budget, nil
}
