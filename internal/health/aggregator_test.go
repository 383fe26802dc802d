package health_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonesrussell/portfolio-tracker/internal/health"
	"github.com/jonesrussell/portfolio-tracker/internal/models"
)

type fakeStore struct {
	pingErr    error
	indexReady bool
	latest     *time.Time
}

func (f *fakeStore) Ping(_ context.Context) error { return f.pingErr }

func (f *fakeStore) IndexReady(_ context.Context) (bool, error) { return f.indexReady, nil }

func (f *fakeStore) LatestPriceDate(_ context.Context) (*time.Time, error) { return f.latest, nil }

type fakeCache struct {
	health models.CacheHealth
}

func (f *fakeCache) Health(_ context.Context) models.CacheHealth { return f.health }

func healthyCache() models.CacheHealth {
	return models.CacheHealth{Status: "ok", HitRate: 0.9, TotalEntries: 10}
}

func daysAgo(n int) *time.Time {
	// A minute past the boundary so the day count is stable regardless of
	// when the test runs.
	t := time.Now().Add(-time.Duration(n)*24*time.Hour - time.Minute)
	return &t
}

func TestAggregator_GetHealth(t *testing.T) {
	testCases := []struct {
		name  string
		store *fakeStore
		cache *fakeCache
		want  models.HealthState
	}{
		{
			name:  "all green",
			store: &fakeStore{indexReady: true, latest: daysAgo(0)},
			cache: &fakeCache{health: healthyCache()},
			want:  models.HealthHealthy,
		},
		{
			name:  "database down forces error",
			store: &fakeStore{pingErr: errors.New("connection refused"), indexReady: true, latest: daysAgo(0)},
			cache: &fakeCache{health: healthyCache()},
			want:  models.HealthError,
		},
		{
			name:  "index not ready forces error",
			store: &fakeStore{indexReady: false, latest: daysAgo(0)},
			cache: &fakeCache{health: healthyCache()},
			want:  models.HealthError,
		},
		{
			name:  "data older than a week forces error",
			store: &fakeStore{indexReady: true, latest: daysAgo(8)},
			cache: &fakeCache{health: healthyCache()},
			want:  models.HealthError,
		},
		{
			name:  "data three days old warns",
			store: &fakeStore{indexReady: true, latest: daysAgo(3)},
			cache: &fakeCache{health: healthyCache()},
			want:  models.HealthWarning,
		},
		{
			name:  "low cache hit rate warns",
			store: &fakeStore{indexReady: true, latest: daysAgo(0)},
			cache: &fakeCache{health: models.CacheHealth{Status: "ok", HitRate: 0.3}},
			want:  models.HealthWarning,
		},
		{
			name:  "degraded cache warns",
			store: &fakeStore{indexReady: true, latest: daysAgo(0)},
			cache: &fakeCache{health: models.CacheHealth{Status: "degraded", HitRate: 0.9}},
			want:  models.HealthWarning,
		},
		{
			name:  "cache error forces error",
			store: &fakeStore{indexReady: true, latest: daysAgo(0)},
			cache: &fakeCache{health: models.CacheHealth{Status: "error", HitRate: 0.9}},
			want:  models.HealthError,
		},
		{
			name:  "no data at all forces error",
			store: &fakeStore{indexReady: true, latest: nil},
			cache: &fakeCache{health: healthyCache()},
			want:  models.HealthError,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			aggregator := health.NewAggregator(tc.store, tc.cache)
			status := aggregator.GetHealth(context.Background())

			if status.Overall != tc.want {
				t.Errorf("GetHealth().Overall = %v, want %v", status.Overall, tc.want)
			}
		})
	}
}

func TestAggregator_NeedsUpdateFlag(t *testing.T) {
	testCases := []struct {
		name    string
		daysOld int
		want    bool
	}{
		{name: "fresh data", daysOld: 0, want: false},
		{name: "two days old", daysOld: 2, want: false},
		{name: "three days old", daysOld: 3, want: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			aggregator := health.NewAggregator(
				&fakeStore{indexReady: true, latest: daysAgo(tc.daysOld)},
				&fakeCache{health: healthyCache()},
			)
			status := aggregator.GetHealth(context.Background())

			if status.Database.NeedsUpdate != tc.want {
				t.Errorf("NeedsUpdate with %d days old = %v, want %v", tc.daysOld, status.Database.NeedsUpdate, tc.want)
			}
		})
	}
}

func TestAggregator_ReportsFreshnessDetails(t *testing.T) {
	latest := daysAgo(4)
	aggregator := health.NewAggregator(
		&fakeStore{indexReady: true, latest: latest},
		&fakeCache{health: healthyCache()},
	)

	status := aggregator.GetHealth(context.Background())

	if status.DataFreshness.DaysOld != 4 {
		t.Errorf("DaysOld = %d, want 4", status.DataFreshness.DaysOld)
	}
	if status.DataFreshness.LastUpdate == nil {
		t.Fatal("LastUpdate = nil, want timestamp")
	}
	if !status.DataFreshness.LastUpdate.Equal(*latest) {
		t.Errorf("LastUpdate = %v, want %v", status.DataFreshness.LastUpdate, latest)
	}
}
