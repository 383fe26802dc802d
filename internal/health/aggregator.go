// Package health merges store health, cache health and data freshness into
// one aggregate status. The aggregator holds no state of its own and is
// safe to call at arbitrary frequency.
package health

import (
	"context"
	"time"

	"github.com/jonesrussell/portfolio-tracker/internal/models"
)

const (
	// staleCriticalDays forces an error status.
	staleCriticalDays = 7
	// staleWarningDays forces a warning status.
	staleWarningDays = 2
	// hitRateWarning is the cache hit rate below which health degrades.
	hitRateWarning = 0.5
)

// StorePinger reports primary-store connectivity and readiness.
type StorePinger interface {
	Ping(ctx context.Context) error
	IndexReady(ctx context.Context) (bool, error)
	LatestPriceDate(ctx context.Context) (*time.Time, error)
}

// CacheReporter reports cache-tier health.
type CacheReporter interface {
	Health(ctx context.Context) models.CacheHealth
}

// Aggregator combines component statuses per fixed precedence rules:
// any critical condition forces error, any soft condition forces warning,
// otherwise healthy.
type Aggregator struct {
	store StorePinger
	cache CacheReporter
	now   func() time.Time
}

// NewAggregator creates an aggregator.
func NewAggregator(store StorePinger, cache CacheReporter) *Aggregator {
	return &Aggregator{
		store: store,
		cache: cache,
		now:   time.Now,
	}
}

// GetHealth recomputes the aggregate health from current component state.
func (a *Aggregator) GetHealth(ctx context.Context) models.HealthStatus {
	now := a.now()
	status := models.HealthStatus{
		Overall:   models.HealthUnknown,
		Timestamp: now,
	}

	// Database
	status.Database.Connected = a.store.Ping(ctx) == nil
	if status.Database.Connected {
		ready, err := a.store.IndexReady(ctx)
		status.Database.IndexReady = err == nil && ready
	}

	// Freshness
	daysOld := staleCriticalDays + 1 // unknown reads as critical
	if status.Database.Connected {
		if latest, err := a.store.LatestPriceDate(ctx); err == nil && latest != nil {
			status.DataFreshness.LastUpdate = latest
			daysOld = int(now.Sub(*latest).Hours() / 24)
			if daysOld < 0 {
				daysOld = 0
			}
		}
	}
	status.DataFreshness.DaysOld = daysOld
	status.Database.NeedsUpdate = daysOld > staleWarningDays

	// Cache
	status.Cache = a.cache.Health(ctx)

	status.Overall = combine(&status, daysOld)
	return status
}

func combine(status *models.HealthStatus, daysOld int) models.HealthState {
	// Critical conditions first.
	critical := !status.Database.Connected ||
		!status.Database.IndexReady ||
		status.Cache.Status == "error" ||
		daysOld > staleCriticalDays
	if critical {
		return models.HealthError
	}

	soft := status.Database.NeedsUpdate ||
		daysOld > staleWarningDays ||
		status.Cache.HitRate < hitRateWarning ||
		status.Cache.Status == "degraded"
	if soft {
		return models.HealthWarning
	}

	return models.HealthHealthy
}
