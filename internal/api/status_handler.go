package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/portfolio-tracker/internal/cache"
	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/models"
)

const qualityCacheKey = cache.NamespaceReport + "quality"

// getHealth handles GET /health. The aggregate is recomputed on every call.
func (r *Router) getHealth(c *gin.Context) {
	status := r.health.GetHealth(c.Request.Context())

	httpStatus := http.StatusOK
	if status.Overall == models.HealthError {
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"service": "portfolio-tracker",
		"version": serviceVersion,
		"health":  status,
	})
}

// getStatus handles GET /api/v1/status: the full health aggregate plus the
// current budget across providers.
func (r *Router) getStatus(c *gin.Context) {
	ctx := c.Request.Context()

	status := r.health.GetHealth(ctx)

	budgets := make(map[string]*models.RateBudget)
	for _, name := range r.governor.Providers() {
		budget, err := r.governor.Budget(ctx, name)
		if err != nil {
			r.logger.Error("failed to read budget",
				logger.String("provider", name),
				logger.Error(err))
			continue
		}
		budgets[name] = budget
	}

	c.JSON(http.StatusOK, gin.H{
		"health":  status,
		"budgets": budgets,
	})
}

// getQuality handles GET /api/v1/status/quality. The report is a pure
// function of store state; it is cached briefly under the report namespace
// so dashboard polling does not hammer the aggregate queries.
func (r *Router) getQuality(c *gin.Context) {
	ctx := c.Request.Context()

	if cached, ok := r.cache.Get(ctx, qualityCacheKey); ok {
		c.Data(http.StatusOK, "application/json", cached)
		return
	}

	report, err := r.assessor.Assess(ctx, r.cfg.Refresh.ExpectedAssets)
	if err != nil {
		r.logger.Error("quality assessment failed", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to assess data quality"})
		return
	}

	if body, marshalErr := json.Marshal(report); marshalErr == nil {
		r.cache.Set(ctx, qualityCacheKey, body, cache.TTLHot)
	}

	c.JSON(http.StatusOK, report)
}

// getBudget handles GET /api/v1/status/budget: per-provider window usage.
func (r *Router) getBudget(c *gin.Context) {
	ctx := c.Request.Context()

	budgets := make(map[string]gin.H)
	for _, name := range r.governor.Providers() {
		budget, err := r.governor.Budget(ctx, name)
		if err != nil {
			r.logger.Error("failed to read budget",
				logger.String("provider", name),
				logger.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read rate budget"})
			return
		}

		r.telemetry.Metrics.BudgetConsumed.WithLabelValues(name).Set(float64(budget.CallsUsed))

		budgets[name] = gin.H{
			"window_date":    budget.WindowDate,
			"calls_used":     budget.CallsUsed,
			"daily_limit":    budget.DailyLimit,
			"remaining":      budget.Remaining(),
			"overrides_used": budget.OverridesUsed,
			"resets_at":      budget.WindowResetAt(),
		}
	}

	c.JSON(http.StatusOK, gin.H{"providers": budgets})
}
