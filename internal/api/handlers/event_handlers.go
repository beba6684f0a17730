package handlers

import (
	"net/http"

	"person-detect-go/internal/server/sse"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// clientBuffer is the number of messages a client may lag behind.
const clientBuffer = 10

// EventHandler streams hub broadcasts to SSE clients.
type EventHandler struct {
	hub *sse.Hub
}

// NewEventHandler creates an event handler.
func NewEventHandler(hub *sse.Hub) *EventHandler {
	return &EventHandler{hub: hub}
}

// RegisterRoutes registers the event stream route.
func (h *EventHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", h.Stream)
}

// Stream keeps the connection open and forwards every broadcast as a
// "message" event until the client disconnects or the hub shuts down.
func (h *EventHandler) Stream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	client := make(sse.Client, clientBuffer)
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return
		case msg, ok := <-client:
			if !ok {
				return
			}
			c.SSEvent("message", string(msg))
			c.Writer.Flush()
		}
	}
}
