package handlers

import (
	"net/http"
	"time"

	"wastesort-go/internal/core/processor"
	"wastesort-go/internal/utils"

	"github.com/gin-gonic/gin"
)

// SystemHandler reports host and process statistics
type SystemHandler struct {
	workerPool *processor.WorkerPool
	startedAt  time.Time
}

// NewSystemHandler creates a system handler. workerPool may be nil.
func NewSystemHandler(workerPool *processor.WorkerPool, startedAt time.Time) *SystemHandler {
	return &SystemHandler{
		workerPool: workerPool,
		startedAt:  startedAt,
	}
}

// RegisterRoutes registers the system routes below /api/system
func (h *SystemHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/stats", h.GetStats)
}

// GetStats returns CPU, memory and worker pool statistics
func (h *SystemHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, utils.GetSystemStats(h.workerPool, h.startedAt))
}
