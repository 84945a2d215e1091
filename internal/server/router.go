package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/freightpoint/relay/internal/cache"
	"github.com/freightpoint/relay/internal/notify"
	"github.com/freightpoint/relay/internal/queue"
	"github.com/freightpoint/relay/internal/submit"
	"github.com/freightpoint/relay/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingFacade      = errors.New("submission facade dependency required")
	errMissingCache       = errors.New("cache store dependency required")
	errMissingPipeline    = errors.New("notification pipeline dependency required")
	errMissingQueue       = errors.New("queue service dependency required")
	errMissingBroadcaster = errors.New("broadcaster dependency required")
)

// Dependencies wires the loopback API that UI screens consume.
type Dependencies struct {
	Facade      *submit.Facade
	Cache       *cache.Store
	Pipeline    *notify.Pipeline
	Queue       *queue.Service
	Broadcaster *notify.Broadcaster
	Backend     transport.Backend
	RecipientID string
	UIOrigin    string
	Clock       func() time.Time
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin handler serving the UI-facing surface:
// submit, cached collections, the notification feed, queue diagnostics,
// and the SSE hint stream.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Facade == nil {
		return nil, errMissingFacade
	}
	if deps.Cache == nil {
		return nil, errMissingCache
	}
	if deps.Pipeline == nil {
		return nil, errMissingPipeline
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	origins := []string{"*"}
	if deps.UIOrigin != "" {
		origins = []string{deps.UIOrigin}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		facade:      deps.Facade,
		cache:       deps.Cache,
		pipeline:    deps.Pipeline,
		queue:       deps.Queue,
		broadcaster: deps.Broadcaster,
		backend:     deps.Backend,
		recipientID: deps.RecipientID,
		clock:       clock,
		logger:      logger,
	}

	v1 := router.Group("/v1")
	v1.POST("/mutations", handler.handleSubmit)
	v1.GET("/records/:table", handler.handleListRecords)
	v1.GET("/notifications", handler.handleNotificationFeed)
	v1.POST("/notifications/:id/read", handler.handleMarkAsRead)
	v1.GET("/queue", handler.handleListQueue)
	v1.GET("/queue/abandoned", handler.handleListAbandoned)
	v1.GET("/status", handler.handleStatus)
	v1.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	facade      *submit.Facade
	cache       *cache.Store
	pipeline    *notify.Pipeline
	queue       *queue.Service
	broadcaster *notify.Broadcaster
	backend     transport.Backend
	recipientID string
	clock       func() time.Time
	logger      *zap.Logger
}

type submitRequestPayload struct {
	Kind     string          `json:"kind"`
	EntityID string          `json:"entity_id"`
	Payload  json.RawMessage `json:"payload"`
}

type submitResponsePayload struct {
	LocalID  string `json:"local_id"`
	Accepted bool   `json:"accepted"`
	Queued   bool   `json:"queued"`
	Degraded bool   `json:"degraded"`
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Kind == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	receipt, err := h.facade.Submit(c.Request.Context(), queue.Kind(request.Kind), request.EntityID, request.Payload)
	if err != nil {
		var rejection *transport.RejectionError
		switch {
		case errors.As(err, &rejection):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "rejected", "reason": rejection.Reason})
		case errors.Is(err, submit.ErrOfflineDegraded):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline_degraded"})
		case errors.Is(err, queue.ErrInvalidKind):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "reason": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, submitResponsePayload{
		LocalID:  receipt.LocalID,
		Accepted: receipt.Accepted,
		Queued:   receipt.Queued,
		Degraded: receipt.Degraded,
	})
}

type recordPayload struct {
	ID                     string          `json:"id"`
	Version                int64           `json:"version"`
	ServerTimestampSeconds int64           `json:"server_timestamp_s"`
	Data                   json.RawMessage `json:"data"`
	LocalOnly              bool            `json:"local_only"`
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	table := c.Param("table")
	records := h.cache.List(table)
	payload := make([]recordPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, recordPayload{
			ID:                     record.ID,
			Version:                record.Version,
			ServerTimestampSeconds: record.ServerTimestampSeconds,
			Data:                   record.Data,
			LocalOnly:              record.LocalOnly,
		})
	}
	c.JSON(http.StatusOK, gin.H{"table": table, "records": payload})
}

type notificationPayload struct {
	ID               string          `json:"id"`
	RecipientID      string          `json:"recipient_id"`
	Kind             string          `json:"kind"`
	Payload          json.RawMessage `json:"payload"`
	CreatedAtSeconds int64           `json:"created_at_s"`
	ReadAtSeconds    *int64          `json:"read_at_s"`
}

func (h *httpHandler) handleNotificationFeed(c *gin.Context) {
	recipient := c.DefaultQuery("recipient", h.recipientID)

	feed, err := h.pipeline.Feed(c.Request.Context(), recipient)
	if err != nil {
		h.logger.Error("notification feed query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "feed_failed"})
		return
	}
	unread, err := h.pipeline.UnreadCount(c.Request.Context(), recipient)
	if err != nil {
		h.logger.Error("unread count query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "feed_failed"})
		return
	}

	payload := make([]notificationPayload, 0, len(feed))
	for _, record := range feed {
		payload = append(payload, notificationPayload{
			ID:               record.NotificationID,
			RecipientID:      record.RecipientID,
			Kind:             record.Kind,
			Payload:          json.RawMessage(record.PayloadJSON),
			CreatedAtSeconds: record.CreatedAtSeconds,
			ReadAtSeconds:    record.ReadAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"notifications": payload, "unread_count": unread})
}

func (h *httpHandler) handleMarkAsRead(c *gin.Context) {
	notificationID := c.Param("id")

	record, err := h.pipeline.MarkAsRead(c.Request.Context(), notificationID, h.clock().UTC())
	if err != nil {
		if errors.Is(err, notify.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("mark as read failed", zap.String("notification_id", notificationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mark_read_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": record.NotificationID, "read_at_s": record.ReadAtSeconds})
}

type queuedMutationPayload struct {
	ID               string          `json:"id"`
	Kind             string          `json:"kind"`
	EntityID         string          `json:"entity_id"`
	Payload          json.RawMessage `json:"payload"`
	CreatedAtSeconds int64           `json:"created_at_s"`
	Attempts         int             `json:"attempts"`
	LastError        string          `json:"last_error"`
	Status           string          `json:"status"`
}

func (h *httpHandler) handleListQueue(c *gin.Context) {
	h.respondQueueList(c, h.queue.ListAll)
}

func (h *httpHandler) handleListAbandoned(c *gin.Context) {
	h.respondQueueList(c, h.queue.ListAbandoned)
}

func (h *httpHandler) respondQueueList(c *gin.Context, list func(context.Context) ([]queue.Mutation, error)) {
	mutations, err := list(c.Request.Context())
	if err != nil {
		h.logger.Error("queue listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_list_failed"})
		return
	}
	payload := make([]queuedMutationPayload, 0, len(mutations))
	for _, mutation := range mutations {
		payload = append(payload, queuedMutationPayload{
			ID:               mutation.MutationID,
			Kind:             string(mutation.Kind),
			EntityID:         mutation.EntityID,
			Payload:          json.RawMessage(mutation.PayloadJSON),
			CreatedAtSeconds: mutation.CreatedAtSeconds,
			Attempts:         mutation.Attempts,
			LastError:        mutation.LastError,
			Status:           string(mutation.Status),
		})
	}
	c.JSON(http.StatusOK, gin.H{"mutations": payload})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	online := false
	if h.backend != nil {
		online = h.backend.Online(c.Request.Context())
	}
	c.JSON(http.StatusOK, gin.H{
		"online":      online,
		"degraded":    h.facade.Degraded(),
		"subscribers": h.broadcaster.SubscriberCount(),
	})
}
