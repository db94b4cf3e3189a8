package handlers

import (
	"io"

	"gatewatch/internal/sse"

	"github.com/gin-gonic/gin"
)

// SSEHandler streams live detection events to browser clients.
type SSEHandler struct {
	hub *sse.Hub
}

// NewSSEHandler creates the SSE handler.
func NewSSEHandler(hub *sse.Hub) *SSEHandler {
	return &SSEHandler{hub: hub}
}

// RegisterRoutes registers the event stream route.
func (h *SSEHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", h.StreamEvents)
}

// StreamEvents serves the server-sent event stream of detections.
func (h *SSEHandler) StreamEvents(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	client := make(sse.Client, 10)
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case msg, ok := <-client:
			if !ok {
				return false
			}
			c.SSEvent("detection", string(msg))
			return true
		}
	})
}
