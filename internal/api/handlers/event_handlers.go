package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"wastesort-go/internal/server/sse"
	"wastesort-go/internal/session"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// EventHandler streams session changes to the dashboard
type EventHandler struct {
	hub        *sse.Hub
	controller *session.Controller
}

// NewEventHandler creates an event handler
func NewEventHandler(hub *sse.Hub, controller *session.Controller) *EventHandler {
	return &EventHandler{
		hub:        hub,
		controller: controller,
	}
}

// RegisterRoutes registers the SSE route below /api
func (h *EventHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", h.handleSSE)
}

// handleSSE sends the current snapshot and then every state change
func (h *EventHandler) handleSSE(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	client := make(sse.Client, 10)
	if !h.hub.Register(client) {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	defer h.hub.Unregister(client)

	initial, err := json.Marshal(sse.SessionEventData{
		Type:      "snapshot",
		Timestamp: time.Now(),
		Session:   h.controller.Snapshot(),
	})
	if err != nil {
		log.Errorf("Failed to marshal initial SSE snapshot: %v", err)
		return
	}
	c.SSEvent("message", string(initial))
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-client:
			if !ok {
				return false
			}
			c.SSEvent("message", string(msg))
			return true
		case <-ctx.Done():
			return false
		}
	})
}
