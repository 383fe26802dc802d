package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/portfolio-tracker/internal/cache"
	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/models"
)

type invalidateCacheRequest struct {
	Pattern string `json:"pattern" binding:"required"`
}

// invalidateCache handles POST /api/v1/cache/invalidate. Patterns are
// restricted to the known namespaces so a typo cannot flush unrelated keys.
func (r *Router) invalidateCache(c *gin.Context) {
	var req invalidateCacheRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pattern is required"})
		return
	}

	if !allowedPattern(req.Pattern) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "pattern must be scoped to the market:, index: or report: namespace",
		})
		return
	}

	deleted, err := r.cache.InvalidatePattern(c.Request.Context(), req.Pattern)
	if err != nil {
		if errors.Is(err, models.ErrCacheUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cache backend unavailable"})
			return
		}
		r.logger.Error("cache invalidation failed",
			logger.String("pattern", req.Pattern),
			logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to invalidate cache"})
		return
	}

	r.telemetry.Metrics.CacheInvalidations.Inc()
	c.JSON(http.StatusOK, gin.H{
		"pattern": req.Pattern,
		"deleted": deleted,
	})
}

type overrideRequest struct {
	Provider    string `json:"provider" binding:"required"`
	RequestedBy string `json:"requested_by" binding:"required"`
}

// requestOverride handles POST /api/v1/budget/override: one audited manual
// call past the soft ceiling per window.
func (r *Router) requestOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider and requested_by are required"})
		return
	}

	granted, err := r.governor.AllowOverride(c.Request.Context(), req.Provider, req.RequestedBy)
	if err != nil {
		if errors.Is(err, models.ErrUnknownProvider) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		r.logger.Error("override request failed", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process override"})
		return
	}

	status := http.StatusOK
	if !granted {
		status = http.StatusTooManyRequests
	}
	c.JSON(status, gin.H{
		"provider": req.Provider,
		"granted":  granted,
	})
}

func allowedPattern(pattern string) bool {
	for _, ns := range []string{cache.NamespaceMarket, cache.NamespaceIndex, cache.NamespaceReport} {
		if strings.HasPrefix(pattern, ns) {
			return true
		}
	}
	return false
}
