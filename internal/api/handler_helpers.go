package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jonesrussell/portfolio-tracker/internal/models"
)

// parseTaskID validates the task id path parameter.
func parseTaskID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid task ID format",
		})
		return "", false
	}
	return id, true
}

// handleTaskError maps task store errors to HTTP responses.
func handleTaskError(c *gin.Context, err error, operation string) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "task not found",
		})
	case errors.Is(err, models.ErrTaskTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error": "task already finished",
		})
	case errors.Is(err, models.ErrInvalidTask):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to " + operation,
		})
	}
}
