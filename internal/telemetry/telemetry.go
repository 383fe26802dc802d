// Package telemetry provides Prometheus metrics and tracing for the refresh
// core.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "portfolio-tracker"

// Metrics holds the refresh core's Prometheus metrics.
type Metrics struct {
	TasksProcessed *prometheus.CounterVec
	TasksFailed    *prometheus.CounterVec
	TasksRevoked   prometheus.Counter
	TaskDuration   *prometheus.HistogramVec

	QueueDepth  prometheus.Gauge
	BusyWorkers prometheus.Gauge

	ProviderCalls  *prometheus.CounterVec
	BudgetConsumed *prometheus.GaugeVec

	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	CacheInvalidations prometheus.Counter
}

// Provider wraps the telemetry handles.
type Provider struct {
	Tracer  trace.Tracer
	Metrics *Metrics
}

var (
	providerOnce sync.Once
	provider     *Provider
)

// NewProvider initializes telemetry. Metrics register against the default
// Prometheus registry, so the provider is a process-wide singleton.
func NewProvider() *Provider {
	providerOnce.Do(func() {
		provider = &Provider{
			Tracer:  otel.Tracer(serviceName),
			Metrics: initMetrics(),
		}
	})
	return provider
}

// Handler returns the Prometheus handler for the /metrics endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.Handler()
}

func initMetrics() *Metrics {
	return &Metrics{
		TasksProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_tasks_processed_total",
			Help: "Refresh tasks completed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		TasksFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_tasks_failed_total",
			Help: "Refresh task failures, by kind and error code.",
		}, []string{"kind", "error_code"}),
		TasksRevoked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tracker_tasks_revoked_total",
			Help: "Refresh tasks revoked mid-execution.",
		}),
		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracker_task_duration_seconds",
			Help:    "Refresh task execution duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"kind"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_queue_depth",
			Help: "Active (pending + running) refresh tasks.",
		}),
		BusyWorkers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_busy_workers",
			Help: "Workers currently executing a task.",
		}),
		ProviderCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_provider_calls_total",
			Help: "Upstream provider calls recorded by the governor.",
		}, []string{"provider"}),
		BudgetConsumed: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tracker_budget_consumed",
			Help: "Calls used in the current rate-limit window.",
		}, []string{"provider"}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tracker_cache_hits_total",
			Help: "Cache reads served from Redis.",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tracker_cache_misses_total",
			Help: "Cache reads that fell through to the store.",
		}),
		CacheInvalidations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tracker_cache_invalidations_total",
			Help: "Pattern invalidations run after refresh commits.",
		}),
	}
}
