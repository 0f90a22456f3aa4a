package handlers

import (
	"net/http"
	"strconv"

	"wastesort-go/internal/api/middleware"
	"wastesort-go/internal/core/models"
	"wastesort-go/internal/db/repository"
	"wastesort-go/internal/session"
	"wastesort-go/internal/util/timezone"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// AdminHandler serves the detection archive
type AdminHandler struct {
	repo       repository.Repository
	translator *middleware.Translator
}

// NewAdminHandler creates an admin handler. repo may be nil when the archive is disabled.
func NewAdminHandler(repo repository.Repository, translator *middleware.Translator) *AdminHandler {
	return &AdminHandler{
		repo:       repo,
		translator: translator,
	}
}

// RegisterRoutes registers the archive routes below /api/admin
func (h *AdminHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.Use(h.requireArchive)
	router.GET("/detections", h.ListDetections)
	router.DELETE("/detections/:id", h.DeleteDetection)
	router.GET("/dashboard-stats", h.GetDashboardStats)
}

func (h *AdminHandler) requireArchive(c *gin.Context) {
	if h.repo == nil {
		respondError(c, h.translator, http.StatusServiceUnavailable, "archive_disabled")
		c.Abort()
		return
	}
	c.Next()
}

// ListDetections searches the archive (q, category, page, pageSize)
func (h *AdminHandler) ListDetections(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("pageSize", strconv.Itoa(repository.DefaultPageSize)))
	if err != nil || pageSize < 1 || pageSize > 500 {
		pageSize = repository.DefaultPageSize
	}

	category := c.Query("category")
	if category != "" && category != "all" && !validCategory(category) {
		respondError(c, h.translator, http.StatusBadRequest, "invalid_request")
		return
	}

	records, total, err := h.repo.SearchDetections(models.DetectionFilter{
		Query:    c.Query("q"),
		Category: category,
		Limit:    pageSize,
		Offset:   (page - 1) * pageSize,
	})
	if err != nil {
		log.Errorf("Failed to search detections: %v", err)
		respondError(c, h.translator, http.StatusInternalServerError, "internal")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"detections": records,
		"pagination": gin.H{
			"page":     page,
			"pageSize": pageSize,
			"total":    total,
		},
	})
}

// DeleteDetection removes one archived detection
func (h *AdminHandler) DeleteDetection(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		respondError(c, h.translator, http.StatusBadRequest, "invalid_request")
		return
	}

	deleted, err := h.repo.DeleteDetection(uint(id))
	if err != nil {
		log.Errorf("Failed to delete detection %d: %v", id, err)
		respondError(c, h.translator, http.StatusInternalServerError, "internal")
		return
	}
	if !deleted {
		respondError(c, h.translator, http.StatusNotFound, "not_found")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Detection deleted successfully", "id": id})
}

// GetDashboardStats returns archive totals and the category distribution
func (h *AdminHandler) GetDashboardStats(c *gin.Context) {
	stats, err := h.repo.GetStatistics(timezone.Now())
	if err != nil {
		log.Errorf("Failed to compute archive statistics: %v", err)
		respondError(c, h.translator, http.StatusInternalServerError, "internal")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func validCategory(s string) bool {
	for _, cat := range session.Categories {
		if string(cat) == s {
			return true
		}
	}
	return false
}
