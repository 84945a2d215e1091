package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/freightpoint/relay/internal/cache"
	"github.com/freightpoint/relay/internal/queue"
	"github.com/freightpoint/relay/internal/transport"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var (
	errMissingQueue      = errors.New("queue service is required")
	errMissingCache      = errors.New("cache store is required")
	errMissingBackend    = errors.New("backend client is required")
	errMissingIDProvider = errors.New("id provider is required")

	// ErrOfflineDegraded indicates the durable queue is unwritable and the
	// backend is unreachable, so the submission cannot be accepted at all.
	ErrOfflineDegraded = errors.New("submit: offline support degraded and backend unreachable")
)

// FacadeError carries a stable operation.reason code alongside its cause.
type FacadeError struct {
	code string
	err  error
}

func (e *FacadeError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *FacadeError) Unwrap() error {
	return e.err
}

func (e *FacadeError) Code() string {
	return e.code
}

const (
	opFacadeNew = "submit.facade.new"
	opSubmit    = "submit.submit"
)

func newFacadeError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &FacadeError{code: code, err: cause}
}

// FacadeConfig carries the dependencies for the mutation submission facade.
type FacadeConfig struct {
	Queue      *queue.Service
	Cache      *cache.Store
	Backend    transport.Backend
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Facade is the single entry point UI screens call to submit a mutation.
// It never rejects synchronously for connectivity reasons: online sends
// that fail fall back to the durable queue exactly as in the offline case,
// making "offline" a detected condition rather than a precondition.
type Facade struct {
	queue      *queue.Service
	cache      *cache.Store
	backend    transport.Backend
	idProvider IDProvider
	validate   *validator.Validate
	clock      func() time.Time
	logger     *zap.Logger
	degraded   atomic.Bool
}

// NewFacade validates configuration and returns a facade.
func NewFacade(cfg FacadeConfig) (*Facade, error) {
	if cfg.Queue == nil {
		return nil, newFacadeError(opFacadeNew, "missing_queue", errMissingQueue)
	}
	if cfg.Cache == nil {
		return nil, newFacadeError(opFacadeNew, "missing_cache", errMissingCache)
	}
	if cfg.Backend == nil {
		return nil, newFacadeError(opFacadeNew, "missing_backend", errMissingBackend)
	}
	if cfg.IDProvider == nil {
		return nil, newFacadeError(opFacadeNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Facade{
		queue:      cfg.Queue,
		cache:      cfg.Cache,
		backend:    cfg.Backend,
		idProvider: cfg.IDProvider,
		validate:   validator.New(),
		clock:      clock,
		logger:     logger,
	}, nil
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	LocalID  string
	Accepted bool
	Queued   bool
	Degraded bool
}

// Submit validates and routes one mutation. The returned LocalID is the
// idempotency key shared by the optimistic record and the queued mutation,
// so the eventual acknowledgment reconciles against the right record.
func (f *Facade) Submit(ctx context.Context, kind queue.Kind, entityID string, payload json.RawMessage) (Receipt, error) {
	parsedKind, err := queue.ParseKind(string(kind))
	if err != nil {
		return Receipt{}, newFacadeError(opSubmit, "invalid_kind", err)
	}
	if err := validatePayload(f.validate, parsedKind, payload); err != nil {
		return Receipt{}, newFacadeError(opSubmit, "invalid_payload", err)
	}

	localID, err := f.idProvider.NewID()
	if err != nil {
		return Receipt{}, newFacadeError(opSubmit, "id_generation_failed", err)
	}

	targetEntity := strings.TrimSpace(entityID)
	if targetEntity == "" {
		// Creates have no server identity yet; the local id is the key the
		// optimistic record renders under until reconcile.
		targetEntity = localID
	}

	request := transport.MutationRequest{
		MutationID: localID,
		Kind:       string(parsedKind),
		EntityID:   targetEntity,
		Payload:    payload,
	}

	if f.backend.Online(ctx) {
		result, sendErr := f.backend.SendMutation(ctx, request)
		var rejection *transport.RejectionError
		switch {
		case sendErr == nil:
			f.installAuthoritative(localID, parsedKind, result.Record)
			return Receipt{LocalID: localID, Accepted: true, Degraded: f.degraded.Load()}, nil
		case errors.As(sendErr, &rejection):
			// Validation rejection is terminal and surfaced immediately.
			return Receipt{}, newFacadeError(opSubmit, "rejected", sendErr)
		default:
			f.logger.Info("direct send failed, falling back to queue",
				zap.String("mutation_id", localID),
				zap.Error(sendErr))
		}
	}

	return f.enqueueWithOptimistic(ctx, parsedKind, targetEntity, localID, payload)
}

func (f *Facade) enqueueWithOptimistic(ctx context.Context, kind queue.Kind, entityID, localID string, payload json.RawMessage) (Receipt, error) {
	if f.degraded.Load() {
		return Receipt{Degraded: true}, newFacadeError(opSubmit, "degraded", ErrOfflineDegraded)
	}

	table := tableForKind(kind)
	if _, err := f.cache.ApplyOptimistic(table, cache.Record{ID: entityID, Data: payload}); err != nil {
		return Receipt{}, newFacadeError(opSubmit, "optimistic_failed", err)
	}

	if _, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{
		MutationID:  localID,
		Kind:        kind,
		EntityID:    entityID,
		PayloadJSON: string(payload),
	}); err != nil {
		// Durable queue unwritable: offline capability is gone. Roll the
		// optimistic record back and run synchronous-only from here on.
		f.cache.DropLocal(table, entityID)
		f.degraded.Store(true)
		f.logger.Error("durable queue unwritable, degrading to synchronous-only mode",
			zap.String("mutation_id", localID),
			zap.Error(err))
		return Receipt{Degraded: true}, newFacadeError(opSubmit, "queue_unwritable", errors.Join(ErrOfflineDegraded, err))
	}

	return Receipt{LocalID: localID, Accepted: true, Queued: true, Degraded: false}, nil
}

// installAuthoritative reconciles a direct-send acknowledgment into the
// cache. When the backend assigned a different id than the local key, the
// optimistic record is dropped before the authoritative one lands.
func (f *Facade) installAuthoritative(localID string, kind queue.Kind, envelope transport.RecordEnvelope) {
	table := envelope.Table
	if table == "" {
		table = tableForKind(kind)
	}
	if envelope.RecordID != localID {
		f.cache.DropLocal(table, localID)
	}
	if _, err := f.cache.Reconcile(table, cache.Record{
		ID:                     envelope.RecordID,
		Version:                envelope.Version,
		ServerTimestampSeconds: envelope.ServerTimestampSeconds,
		Data:                   envelope.Data,
	}); err != nil {
		f.logger.Warn("reconcile after direct send failed",
			zap.String("record_id", envelope.RecordID),
			zap.Error(err))
	}
}

// Degraded reports whether offline capability is currently disabled
// because the durable queue could not be written.
func (f *Facade) Degraded() bool {
	return f.degraded.Load()
}
