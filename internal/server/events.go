package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type realtimeEventPayload struct {
	ContactIDs []string `json:"contactIds"`
	Timestamp  string   `json:"timestamp"`
	Source     string   `json:"source"`
}

// handleEventStream streams contacts-changed events for the session user until the client
// disconnects. A heartbeat keeps idle proxies from closing the connection.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, userID.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	// Flush headers so clients see the stream open before the first event.
	c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{Timestamp: formatTimestamp(time.Now()), Source: realtimeSourceBackend})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				ContactIDs: message.ContactIDs,
				Timestamp:  formatTimestamp(message.Timestamp),
				Source:     realtimeSourceBackend,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{Timestamp: formatTimestamp(tick), Source: realtimeSourceBackend})
			return true
		}
	})
}
