package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/portfolio-tracker/internal/logger"
)

// listTasks handles GET /api/v1/tasks: active tasks grouped by lane plus
// aggregate counts.
func (r *Router) listTasks(c *gin.Context) {
	active, err := r.queue.ListActive(c.Request.Context())
	if err != nil {
		r.logger.Error("failed to list active tasks", logger.Error(err))
		handleTaskError(c, err, "list tasks")
		return
	}
	c.JSON(http.StatusOK, active)
}

// getTask handles GET /api/v1/tasks/:id. Status reads never block on the
// running task; they return the last recorded state.
func (r *Router) getTask(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}

	task, err := r.queue.GetStatus(c.Request.Context(), id)
	if err != nil {
		handleTaskError(c, err, "get task")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"task":             task,
		"percent_complete": task.PercentComplete(),
	})
}

// revokeTask handles DELETE /api/v1/tasks/:id. Pending tasks are revoked
// outright; running tasks stop at their next checkpoint. Revoking a task
// that already finished is a no-op.
func (r *Router) revokeTask(c *gin.Context) {
	id, ok := parseTaskID(c)
	if !ok {
		return
	}

	if err := r.queue.Revoke(c.Request.Context(), id); err != nil {
		handleTaskError(c, err, "revoke task")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id": id,
		"status":  "revocation requested",
	})
}
