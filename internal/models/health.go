package models

import "time"

// HealthState is one of the four aggregate health levels.
type HealthState string

const (
	HealthHealthy HealthState = "healthy"
	HealthWarning HealthState = "warning"
	HealthError   HealthState = "error"
	HealthUnknown HealthState = "unknown"
)

// DatabaseHealth reports primary-store health for the aggregate view.
type DatabaseHealth struct {
	Connected   bool `json:"connected"`
	IndexReady  bool `json:"index_ready"`
	NeedsUpdate bool `json:"needs_update"`
}

// CacheHealth reports cache-tier health for the aggregate view.
type CacheHealth struct {
	Status       string  `json:"status"` // ok, degraded, error
	HitRate      float64 `json:"hit_rate"`
	TotalEntries int64   `json:"total_entries"`
}

// FreshnessHealth reports data age for the aggregate view.
type FreshnessHealth struct {
	DaysOld    int        `json:"days_old"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
}

// HealthStatus is the derived aggregate health. Recomputed per request;
// it has no independent state.
type HealthStatus struct {
	Overall       HealthState     `json:"overall"`
	Database      DatabaseHealth  `json:"database"`
	Cache         CacheHealth     `json:"cache"`
	DataFreshness FreshnessHealth `json:"data_freshness"`
	Timestamp     time.Time       `json:"timestamp"`
}
