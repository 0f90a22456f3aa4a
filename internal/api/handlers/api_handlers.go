package handlers

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"wastesort-go/internal/api/middleware"
	"wastesort-go/internal/core/processor"
	"wastesort-go/internal/integrations/detector"
	"wastesort-go/internal/session"
	"wastesort-go/internal/util/timezone"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// MaxUploadSize limits uploaded images
const MaxUploadSize = 20 << 20

// APIHandler serves the detection session endpoints
type APIHandler struct {
	controller     *session.Controller
	imageProcessor *processor.ImageProcessor
	translator     *middleware.Translator
	defaultMode    session.Mode
}

// NewAPIHandler creates the session API handler
func NewAPIHandler(controller *session.Controller, imageProcessor *processor.ImageProcessor, translator *middleware.Translator, defaultMode session.Mode) *APIHandler {
	if defaultMode == "" {
		defaultMode = session.ModeSingle
	}
	return &APIHandler{
		controller:     controller,
		imageProcessor: imageProcessor,
		translator:     translator,
		defaultMode:    defaultMode,
	}
}

// RegisterRoutes registers the session routes below /api
func (h *APIHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/status", h.GetStatus)
	router.POST("/health/check", h.CheckHealth)

	router.POST("/detect", h.Detect)
	router.POST("/detect/camera", h.DetectCamera)
	router.POST("/capture", h.Capture)
	router.POST("/retake", h.Retake)

	router.GET("/history", h.GetHistory)
	router.DELETE("/history", h.ClearHistory)
	router.GET("/results", h.GetResults)
	router.GET("/stats", h.GetStats)
	router.GET("/export.csv", h.ExportCSV)
}

type detectRequest struct {
	Image string `json:"image"`
	Mode  string `json:"mode"`
}

// GetStatus returns the backend status, the last error and the busy flag
func (h *APIHandler) GetStatus(c *gin.Context) {
	status := h.controller.Status()
	c.JSON(http.StatusOK, gin.H{
		"backendStatus":   status,
		"statusLabel":     h.translator.T(middleware.LanguageFrom(c), "status."+string(status)),
		"lastError":       localizeMessage(c, h.translator, h.controller.LastError()),
		"busy":            h.controller.Busy(),
		"historyCapacity": h.controller.HistoryCapacity(),
	})
}

// CheckHealth probes the detection service
func (h *APIHandler) CheckHealth(c *gin.Context) {
	status, msg := h.controller.CheckHealth(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"backendStatus": status,
		"statusLabel":   h.translator.T(middleware.LanguageFrom(c), "status."+string(status)),
		"message":       localizeMessage(c, h.translator, msg),
	})
}

// Detect submits an uploaded image. It accepts a multipart "image" file or a
// JSON body {image, mode} where image is base64 or a data URI.
func (h *APIHandler) Detect(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)

	rawMode := c.Query("mode")
	var img []byte

	if strings.HasPrefix(c.ContentType(), "application/json") {
		var req detectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, h.translator, http.StatusBadRequest, "invalid_request")
			return
		}
		if rawMode == "" {
			rawMode = req.Mode
		}
		if req.Image != "" {
			decoded, err := base64.StdEncoding.DecodeString(detector.StripDataURI(req.Image))
			if err != nil {
				respondError(c, h.translator, http.StatusBadRequest, "invalid_request")
				return
			}
			img = decoded
		}
	} else {
		if rawMode == "" {
			rawMode = c.PostForm("mode")
		}
		file, _, err := c.Request.FormFile("image")
		if err != nil && !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart) {
			respondError(c, h.translator, http.StatusBadRequest, "invalid_request")
			return
		}
		if file != nil {
			defer file.Close()
			if img, err = io.ReadAll(file); err != nil {
				respondError(c, h.translator, http.StatusBadRequest, "invalid_request")
				return
			}
		}
	}

	mode, err := session.ParseMode(rawMode, h.defaultMode)
	if err != nil {
		// Passed through so the session records the rejection
		mode = session.Mode(rawMode)
	}

	detections, err := h.imageProcessor.ProcessImage(c.Request.Context(), img, mode)
	if err != nil {
		respondSessionError(c, h.translator, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"mode":       mode,
		"detections": detections,
		"count":      len(detections),
	})
}

// DetectCamera captures a frame and submits it
func (h *APIHandler) DetectCamera(c *gin.Context) {
	mode, err := session.ParseMode(c.Query("mode"), h.defaultMode)
	if err != nil {
		mode = session.Mode(c.Query("mode"))
	}

	detections, err := h.imageProcessor.CaptureAndProcess(c.Request.Context(), mode)
	if err != nil {
		h.respondCaptureError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"mode":       mode,
		"detections": detections,
		"count":      len(detections),
	})
}

// Capture grabs a frame and returns it as a JPEG data URI
func (h *APIHandler) Capture(c *gin.Context) {
	img, err := h.imageProcessor.Capture(c.Request.Context())
	if err != nil {
		h.respondCaptureError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"image": "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
		"size":  len(img),
	})
}

func (h *APIHandler) respondCaptureError(c *gin.Context, err error) {
	switch {
	case session.KindOf(err) != "":
		respondSessionError(c, h.translator, err)
	case errors.Is(err, processor.ErrNoSource):
		respondError(c, h.translator, http.StatusServiceUnavailable, "camera_disabled")
	default:
		log.Errorf("Camera capture failed: %v", err)
		respondError(c, h.translator, http.StatusBadGateway, "camera_failed")
	}
}

// Retake clears the current results
func (h *APIHandler) Retake(c *gin.Context) {
	h.controller.Retake()
	c.JSON(http.StatusOK, h.controller.Snapshot())
}

// ClearHistory empties the history. Requires confirm=true.
func (h *APIHandler) ClearHistory(c *gin.Context) {
	confirmed, _ := strconv.ParseBool(c.Query("confirm"))
	if !confirmed {
		respondError(c, h.translator, http.StatusBadRequest, "confirm_required")
		return
	}
	h.controller.ClearHistory()
	c.JSON(http.StatusOK, h.controller.Snapshot())
}

// GetHistory returns the history, newest first
func (h *APIHandler) GetHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"history":  h.controller.History(),
		"capacity": h.controller.HistoryCapacity(),
	})
}

// GetResults returns the results of the last accepted submission
func (h *APIHandler) GetResults(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"results": h.controller.Current()})
}

// GetStats returns the counters of the session
func (h *APIHandler) GetStats(c *gin.Context) {
	snap := h.controller.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"totalDetectionCount":  snap.TotalDetections,
		"averageConfidence":    snap.AverageConfidence,
		"historySize":          len(snap.History),
		"categoryDistribution": snap.Distribution,
	})
}

// ExportCSV downloads the history as CSV
func (h *APIHandler) ExportCSV(c *gin.Context) {
	history := h.controller.History()
	if len(history) == 0 {
		respondError(c, h.translator, http.StatusNotFound, "no_history")
		return
	}

	filename := session.ExportFilename(timezone.Now())
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Status(http.StatusOK)
	if err := session.WriteCSV(c.Writer, history, timezone.Location()); err != nil {
		log.Errorf("CSV export failed: %v", err)
	}
}
