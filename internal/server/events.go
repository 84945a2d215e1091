package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/freightpoint/relay/internal/notify"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const heartbeatInterval = 25 * time.Second

type eventPayload struct {
	Event       string `json:"event"`
	Table       string `json:"table,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	UnreadCount int64  `json:"unread_count"`
	TimestampS  int64  `json:"timestamp_s"`
}

// handleEvents streams cache and feed change hints to one UI client over
// SSE. Every connected client receives every hint, which is what keeps
// sibling clients consistent without a network round trip.
func (h *httpHandler) handleEvents(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	messages, cancel := h.broadcaster.Subscribe(ctx)
	defer cancel()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case message, ok := <-messages:
			if !ok {
				return
			}
			body, err := json.Marshal(eventPayload{
				Event:       message.EventType,
				Table:       message.Table,
				RecipientID: message.RecipientID,
				UnreadCount: message.UnreadCount,
				TimestampS:  message.Timestamp.Unix(),
			})
			if err != nil {
				h.logger.Warn("failed to encode event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", message.EventType, body); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// PublishCacheHint forwards a cache change into the broadcaster. Wired as
// the cache store's change listener in main.
func PublishCacheHint(broadcaster *notify.Broadcaster, clock func() time.Time) func(table string) {
	if clock == nil {
		clock = time.Now
	}
	return func(table string) {
		broadcaster.Publish(notify.Message{
			EventType: notify.EventRecordsChanged,
			Table:     table,
			Timestamp: clock().UTC(),
		})
	}
}
