package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/refresh"
)

// triggerRefreshRequest is the optional trigger body. An empty or absent
// mode defers the decision to the selector.
type triggerRefreshRequest struct {
	Mode string `json:"mode"`
}

// triggerRefresh handles POST /api/v1/refresh. The trigger is
// fire-and-forget: the response carries the chosen mode and, unless the
// cached mode was selected, the task id to poll.
func (r *Router) triggerRefresh(c *gin.Context) {
	var req triggerRefreshRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	var explicit *refresh.Mode
	mode, ok, err := refresh.ParseMode(req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ok {
		explicit = &mode
	}

	result, err := r.refresh.Trigger(c.Request.Context(), explicit)
	if err != nil {
		r.logger.Error("refresh trigger failed", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to trigger refresh"})
		return
	}

	status := http.StatusOK
	if result.TaskID != "" {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}
