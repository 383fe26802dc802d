// Package cache provides a best-effort Redis cache tier. The cache is never
// a source of truth: every operation degrades to "unavailable" instead of
// failing the caller, and callers fall back to the primary store.
package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/models"
	"github.com/jonesrussell/portfolio-tracker/internal/telemetry"
)

// TTL tiers by data volatility.
const (
	// TTLHot covers current prices and allocations.
	TTLHot = 2 * time.Minute
	// TTLWarm covers historical series and benchmarks.
	TTLWarm = 15 * time.Minute
	// TTLCold covers reference and static metadata.
	TTLCold = 6 * time.Hour
)

// Cache key namespaces. Pattern invalidation operates on these prefixes.
const (
	NamespaceMarket = "market:"
	NamespaceIndex  = "index:"
	NamespaceReport = "report:"
)

// Health status values for the cache tier.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusError    = "error"
)

const (
	opTimeout         = 500 * time.Millisecond
	scanBatchSize     = 100
	degradedThreshold = 0.5 // hit rate below this marks the tier degraded
)

// Store wraps a Redis client with degrade-safe semantics and hit-rate
// accounting.
type Store struct {
	client    redis.UniversalClient
	telemetry *telemetry.Provider
	logger    logger.Logger

	hits        atomic.Int64
	misses      atomic.Int64
	unavailable atomic.Bool
}

// NewStore creates a cache store.
func NewStore(client redis.UniversalClient, tel *telemetry.Provider, log logger.Logger) *Store {
	return &Store{
		client:    client,
		telemetry: tel,
		logger:    log,
	}
}

// Get returns the cached value, or (nil, false) on miss. Backend errors are
// logged and reported as a miss; the caller reads through to the store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := s.client.Get(opCtx, key).Bytes()
	if err == nil {
		s.hits.Add(1)
		s.telemetry.Metrics.CacheHits.Inc()
		s.unavailable.Store(false)
		return val, true
	}

	s.misses.Add(1)
	s.telemetry.Metrics.CacheMisses.Inc()
	if !errors.Is(err, redis.Nil) {
		s.markUnavailable("get", key, err)
	}
	return nil, false
}

// Set writes a value with the given TTL. Best-effort: a backend error is
// logged and swallowed.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Set(opCtx, key, value, ttl).Err(); err != nil {
		s.markUnavailable("set", key, err)
		return
	}
	s.unavailable.Store(false)
}

// Delete removes a key. Best-effort.
func (s *Store) Delete(ctx context.Context, key string) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Del(opCtx, key).Err(); err != nil {
		s.markUnavailable("delete", key, err)
		return
	}
	s.unavailable.Store(false)
}

// InvalidatePattern removes every key matching the glob pattern and returns
// the number removed. Uses SCAN rather than KEYS so large keyspaces do not
// block the backend. Called after a refresh commits, never before.
func (s *Store) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	var cursor uint64
	deleted := 0

	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			s.markUnavailable("scan", pattern, err)
			return deleted, models.ErrCacheUnavailable
		}

		if len(keys) > 0 {
			n, delErr := s.client.Del(ctx, keys...).Result()
			if delErr != nil {
				s.markUnavailable("delete", pattern, delErr)
				return deleted, models.ErrCacheUnavailable
			}
			deleted += int(n)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	s.unavailable.Store(false)
	s.logger.Debug("cache pattern invalidated",
		logger.String("pattern", pattern),
		logger.Int("deleted", deleted))
	return deleted, nil
}

// HitRate returns the observed hit rate. 1.0 before any traffic so an idle
// cache is not reported as degraded.
func (s *Store) HitRate() float64 {
	hits := s.hits.Load()
	total := hits + s.misses.Load()
	if total == 0 {
		return 1.0
	}
	return float64(hits) / float64(total)
}

// Health reports the cache tier status for the health aggregator.
func (s *Store) Health(ctx context.Context) models.CacheHealth {
	health := models.CacheHealth{
		Status:  StatusOK,
		HitRate: s.HitRate(),
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	size, err := s.client.DBSize(opCtx).Result()
	switch {
	case err != nil:
		health.Status = StatusError
	case s.unavailable.Load():
		health.Status = StatusError
	case health.HitRate < degradedThreshold:
		health.Status = StatusDegraded
	}
	health.TotalEntries = size

	return health
}

func (s *Store) markUnavailable(op, key string, err error) {
	// Log on the transition only; a flapping backend should not flood logs.
	if s.unavailable.CompareAndSwap(false, true) {
		s.logger.Warn("cache backend unavailable, degrading to store reads",
			logger.String("op", op),
			logger.String("key", key),
			logger.Error(err))
	}
}
