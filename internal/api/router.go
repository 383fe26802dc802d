// Package api exposes the refresh core over HTTP: trigger refreshes, poll
// tasks, read health/quality/budget status, and invalidate cache domains.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/portfolio-tracker/internal/cache"
	"github.com/jonesrussell/portfolio-tracker/internal/config"
	"github.com/jonesrussell/portfolio-tracker/internal/health"
	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/quality"
	"github.com/jonesrussell/portfolio-tracker/internal/queue"
	"github.com/jonesrussell/portfolio-tracker/internal/ratelimit"
	"github.com/jonesrussell/portfolio-tracker/internal/refresh"
	"github.com/jonesrussell/portfolio-tracker/internal/telemetry"
)

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 60 * time.Second
	defaultIdleTimeout  = 120 * time.Second
	serviceVersion      = "1.0.0"
)

// Router holds the API dependencies.
type Router struct {
	refresh   *refresh.Service
	queue     *queue.Queue
	governor  *ratelimit.Governor
	assessor  *quality.Assessor
	health    *health.Aggregator
	cache     *cache.Store
	telemetry *telemetry.Provider
	cfg       *config.Config
	logger    logger.Logger
}

// NewRouter creates an API router.
func NewRouter(
	refreshSvc *refresh.Service,
	q *queue.Queue,
	governor *ratelimit.Governor,
	assessor *quality.Assessor,
	healthAgg *health.Aggregator,
	cacheStore *cache.Store,
	tel *telemetry.Provider,
	cfg *config.Config,
	log logger.Logger,
) *Router {
	return &Router{
		refresh:   refreshSvc,
		queue:     q,
		governor:  governor,
		assessor:  assessor,
		health:    healthAgg,
		cache:     cacheStore,
		telemetry: tel,
		cfg:       cfg,
		logger:    log,
	}
}

// Engine builds the gin engine with middleware and routes.
func (r *Router) Engine() *gin.Engine {
	if !r.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware(r.cfg.Server.CORSOrigins))

	engine.GET("/health", r.getHealth)
	engine.GET("/metrics", gin.WrapH(r.telemetry.Handler()))

	v1 := engine.Group("/api/v1")

	v1.POST("/refresh", r.triggerRefresh)

	tasks := v1.Group("/tasks")
	tasks.GET("", r.listTasks)
	tasks.GET("/:id", r.getTask)
	tasks.DELETE("/:id", r.revokeTask)

	status := v1.Group("/status")
	status.GET("", r.getStatus)
	status.GET("/quality", r.getQuality)
	status.GET("/budget", r.getBudget)

	v1.POST("/budget/override", r.requestOverride)
	v1.POST("/cache/invalidate", r.invalidateCache)

	return engine
}

// NewHTTPServer wraps the engine in an http.Server with the configured
// timeouts. The caller owns startup and shutdown.
func (r *Router) NewHTTPServer() *http.Server {
	readTimeout := r.cfg.Server.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	writeTimeout := r.cfg.Server.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	return &http.Server{
		Addr:         r.cfg.Server.Address,
		Handler:      r.Engine(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
}
