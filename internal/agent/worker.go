package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/freightpoint/relay/internal/notify"
	"github.com/freightpoint/relay/internal/queue"
	"github.com/freightpoint/relay/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	errMissingQueue    = errors.New("queue service is required")
	errMissingBackend  = errors.New("backend client is required")
	errMissingPipeline = errors.New("notification pipeline is required")
)

// PlatformNotifier raises OS-level alerts. The tag is stable per
// notification id so a redelivered push replaces the visible alert instead
// of duplicating it.
type PlatformNotifier interface {
	Alert(tag, title, body string) error
}

// LogNotifier is the headless default: alerts go to the structured log.
// Desktop integrations supply their own PlatformNotifier.
type LogNotifier struct {
	Logger *zap.Logger
}

// Alert logs the alert instead of raising a desktop notification.
func (n *LogNotifier) Alert(tag, title, body string) error {
	logger := n.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("platform alert",
		zap.String("tag", tag),
		zap.String("title", title),
		zap.String("body", body))
	return nil
}

// ReconcileFunc installs a server-confirmed record into the page-side
// cache. localEntityID is the key the optimistic record rendered under,
// which differs from the envelope's id when the backend assigned identity.
type ReconcileFunc func(localEntityID string, envelope transport.RecordEnvelope)

// WorkerConfig carries the dependencies for the background worker.
// RecipientID addresses the synthetic rejection notifications the worker
// buffers for the local user.
type WorkerConfig struct {
	Queue         *queue.Service
	Backend       transport.Backend
	Pipeline      *notify.Pipeline
	Notifier      PlatformNotifier
	Reconcile     ReconcileFunc
	Limiter       *rate.Limiter
	RecipientID   string
	DrainInterval time.Duration
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Worker is the background execution context: a script independent of any
// UI client, woken by two platform events, a sync opportunity and an
// inbound push message. It drains the write queue strictly sequentially,
// one send in flight, to preserve per-entity ordering.
type Worker struct {
	queue         *queue.Service
	backend       transport.Backend
	pipeline      *notify.Pipeline
	notifier      PlatformNotifier
	reconcile     ReconcileFunc
	limiter       *rate.Limiter
	recipientID   string
	drainInterval time.Duration
	logger        *zap.Logger
	clock         func() time.Time

	syncSignals chan struct{}
	pushSignals chan []byte
}

// NewWorker validates configuration and returns a worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	if cfg.Pipeline == nil {
		return nil, errMissingPipeline
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = &LogNotifier{Logger: cfg.Logger}
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(2), 1)
	}

	drainInterval := cfg.DrainInterval
	if drainInterval <= 0 {
		drainInterval = 30 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Worker{
		queue:         cfg.Queue,
		backend:       cfg.Backend,
		pipeline:      cfg.Pipeline,
		notifier:      notifier,
		reconcile:     cfg.Reconcile,
		limiter:       limiter,
		recipientID:   strings.TrimSpace(cfg.RecipientID),
		drainInterval: drainInterval,
		logger:        logger,
		clock:         clock,
		syncSignals:   make(chan struct{}, 1),
		pushSignals:   make(chan []byte, 16),
	}, nil
}

// NotifySyncOpportunity wakes the worker for a drain cycle. Signals
// coalesce: a drain already pending absorbs further wakes.
func (w *Worker) NotifySyncOpportunity() {
	select {
	case w.syncSignals <- struct{}{}:
	default:
	}
}

// DeliverPush hands an inbound push payload to the worker's event loop.
func (w *Worker) DeliverPush(payload []byte) {
	select {
	case w.pushSignals <- payload:
	default:
		w.logger.Warn("push signal buffer full, dropping payload")
	}
}

// Run multiplexes platform events until ctx ends. A periodic tick creates
// sync opportunities so queued work is retried even when no connectivity
// event fires.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.syncSignals:
			w.drainCycle(ctx)
		case <-ticker.C:
			w.drainCycle(ctx)
		case payload := <-w.pushSignals:
			if err := w.HandlePushMessage(ctx, payload); err != nil {
				w.logger.Error("push message handling failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) drainCycle(ctx context.Context) {
	if err := w.HandleSyncOpportunity(ctx); err != nil {
		w.logger.Error("drain cycle failed", zap.Error(err))
	}
}

// HandleSyncOpportunity drains the queue until it is empty or a send fails
// transiently. The first transient failure ends the cycle; the next
// opportunity event resumes draining rather than hammering the network.
func (w *Worker) HandleSyncOpportunity(ctx context.Context) error {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}

		pending, err := w.queue.PeekNext(ctx)
		if err != nil {
			return fmt.Errorf("agent: peek next: %w", err)
		}
		if pending == nil {
			return nil
		}

		result, sendErr := w.sendOne(ctx, *pending)

		var rejection *transport.RejectionError
		switch {
		case sendErr == nil:
			if err := w.queue.MarkSucceeded(ctx, pending.MutationID); err != nil {
				return fmt.Errorf("agent: mark succeeded: %w", err)
			}
			if w.reconcile != nil {
				w.reconcile(pending.EntityID, result.Record)
			}
		case errors.As(sendErr, &rejection):
			// Terminal server rejection: no retry, keep the payload visible.
			discarded, err := w.queue.Discard(ctx, pending.MutationID, rejection.Reason)
			if err != nil {
				return fmt.Errorf("agent: discard rejected: %w", err)
			}
			w.logger.Warn("mutation rejected by backend",
				zap.String("mutation_id", discarded.MutationID),
				zap.String("kind", string(discarded.Kind)),
				zap.String("reason", rejection.Reason))
			w.bufferRejection(ctx, discarded, rejection.Reason)
			if err := w.notifier.Alert(pending.MutationID, "Change rejected", rejection.Reason); err != nil {
				w.logger.Warn("platform alert failed", zap.Error(err))
			}
		default:
			if _, err := w.queue.MarkFailed(ctx, pending.MutationID, sendErr); err != nil {
				return fmt.Errorf("agent: mark failed: %w", err)
			}
			w.logger.Info("drain paused after transient failure",
				zap.String("mutation_id", pending.MutationID),
				zap.Error(sendErr))
			return nil
		}
	}
}

// rejectionPayload is the body of the synthetic notification buffered for a
// terminally rejected mutation. It keeps the original payload so the user
// can retry manually without re-entering data.
type rejectionPayload struct {
	Reason       string          `json:"reason"`
	MutationID   string          `json:"mutation_id"`
	MutationKind string          `json:"mutation_kind"`
	EntityID     string          `json:"entity_id"`
	Payload      json.RawMessage `json:"payload"`
}

// bufferRejection persists a terminal rejection into the notification
// buffer. The alert is transient; the buffered record is what survives in
// the feed with the full original payload.
func (w *Worker) bufferRejection(ctx context.Context, discarded queue.Mutation, reason string) {
	if w.recipientID == "" {
		w.logger.Warn("no recipient configured, rejection not buffered",
			zap.String("mutation_id", discarded.MutationID))
		return
	}

	body, err := json.Marshal(rejectionPayload{
		Reason:       reason,
		MutationID:   discarded.MutationID,
		MutationKind: string(discarded.Kind),
		EntityID:     discarded.EntityID,
		Payload:      json.RawMessage(discarded.PayloadJSON),
	})
	if err != nil {
		w.logger.Error("failed to encode rejection payload",
			zap.String("mutation_id", discarded.MutationID),
			zap.Error(err))
		return
	}

	record := notify.Record{
		NotificationID:   "rejection-" + discarded.MutationID,
		RecipientID:      w.recipientID,
		Kind:             notify.KindMutationRejected,
		PayloadJSON:      string(body),
		CreatedAtSeconds: w.clock().UTC().Unix(),
	}
	if _, err := w.pipeline.Ingest(ctx, record, notify.SourceAgent); err != nil {
		w.logger.Error("failed to buffer rejection notification",
			zap.String("mutation_id", discarded.MutationID),
			zap.Error(err))
	}
}

// sendOne performs a single queue replay. A panic inside the send path is
// recovered and reported as a transient failure so the worker never
// crash-loops and the queued row survives.
func (w *Worker) sendOne(ctx context.Context, pending queue.Mutation) (result transport.MutationResult, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("agent: send panicked: %v", recovered)
		}
	}()

	return w.backend.SendMutation(ctx, transport.MutationRequest{
		MutationID: pending.MutationID,
		Kind:       string(pending.Kind),
		EntityID:   pending.EntityID,
		Payload:    json.RawMessage(pending.PayloadJSON),
	})
}

// HandlePushMessage parses a push payload into a notification, raises the
// platform alert under the notification's stable tag, and writes the record
// into the shared buffer so UI clients pick it up without a refetch.
func (w *Worker) HandlePushMessage(ctx context.Context, payload []byte) error {
	var envelope transport.NotificationEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("agent: decode push payload: %w", err)
	}

	record := notify.Record{
		NotificationID:   envelope.NotificationID,
		RecipientID:      envelope.RecipientID,
		Kind:             envelope.Kind,
		PayloadJSON:      string(envelope.Payload),
		CreatedAtSeconds: envelope.CreatedAtSeconds,
		ReadAtSeconds:    envelope.ReadAtSeconds,
	}

	if err := w.notifier.Alert(record.NotificationID, "FreightPoint", alertBody(record)); err != nil {
		w.logger.Warn("platform alert failed",
			zap.String("notification_id", record.NotificationID),
			zap.Error(err))
	}

	if _, err := w.pipeline.Ingest(ctx, record, notify.SourcePush); err != nil {
		return fmt.Errorf("agent: ingest push notification: %w", err)
	}
	return nil
}

func alertBody(record notify.Record) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(record.PayloadJSON), &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return record.Kind
}
