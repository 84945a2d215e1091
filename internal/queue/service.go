package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "queue.service.new"
	opEnqueue       = "queue.enqueue"
	opPeekNext      = "queue.peek_next"
	opMarkSucceeded = "queue.mark_succeeded"
	opMarkFailed    = "queue.mark_failed"
	opDiscard       = "queue.discard"
	opList          = "queue.list"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig carries the dependencies for the durable write queue.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service persists pending mutations across process restarts and replays
// them in enqueue order. Every row is independently addressable by its
// mutation id, so interleaved access from the agent and the loopback API
// needs no cross-record locking.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates configuration and returns a queue service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// EnqueueRequest describes a mutation to persist for later replay.
type EnqueueRequest struct {
	MutationID  string
	Kind        Kind
	EntityID    string
	PayloadJSON string
}

// Enqueue persists the mutation as pending. It performs a single local
// write and never touches the network.
func (s *Service) Enqueue(ctx context.Context, request EnqueueRequest) (Mutation, error) {
	trimmedID := strings.TrimSpace(request.MutationID)
	if trimmedID == "" || len(trimmedID) > maxIdentifierLength {
		return Mutation{}, newServiceError(opEnqueue, "invalid_mutation_id", ErrInvalidMutationID)
	}
	if _, err := ParseKind(string(request.Kind)); err != nil {
		return Mutation{}, newServiceError(opEnqueue, "invalid_kind", err)
	}

	record := Mutation{
		MutationID:       trimmedID,
		Kind:             request.Kind,
		EntityID:         strings.TrimSpace(request.EntityID),
		PayloadJSON:      request.PayloadJSON,
		CreatedAtSeconds: s.clock().UTC().Unix(),
		Attempts:         0,
		LastError:        "",
		Status:           StatusPending,
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opEnqueue, "insert_failed", err, zap.String("mutation_id", trimmedID))
		return Mutation{}, newServiceError(opEnqueue, "insert_failed", err)
	}

	return record, nil
}

// PeekNext returns the oldest pending mutation without removing it, or nil
// when the queue holds no pending work. Ties on created_at_s break by
// mutation id so replay order is stable.
func (s *Service) PeekNext(ctx context.Context) (*Mutation, error) {
	var record Mutation
	err := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("created_at_s ASC, mutation_id ASC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opPeekNext, "query_failed", err)
		return nil, newServiceError(opPeekNext, "query_failed", err)
	}
	return &record, nil
}

// MarkSucceeded removes an acknowledged mutation from the queue.
func (s *Service) MarkSucceeded(ctx context.Context, mutationID string) error {
	result := s.db.WithContext(ctx).
		Where("mutation_id = ?", mutationID).
		Delete(&Mutation{})
	if result.Error != nil {
		s.logError(opMarkSucceeded, "delete_failed", result.Error, zap.String("mutation_id", mutationID))
		return newServiceError(opMarkSucceeded, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opMarkSucceeded, "not_found", ErrNotFound)
	}
	return nil
}

// MarkFailed records a transient send failure. Once attempts reach
// MaxAttempts the mutation flips to abandoned and is excluded from further
// automatic replay; the original payload stays on the row for manual retry.
func (s *Service) MarkFailed(ctx context.Context, mutationID string, sendErr error) (Mutation, error) {
	reason := ""
	if sendErr != nil {
		reason = sendErr.Error()
	}

	var record Mutation
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("mutation_id = ?", mutationID).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opMarkFailed, "not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opMarkFailed, "query_failed", err)
		}

		record.Attempts++
		record.LastError = reason
		if record.Attempts >= MaxAttempts {
			record.Status = StatusAbandoned
		}

		if err := tx.Save(&record).Error; err != nil {
			return newServiceError(opMarkFailed, "update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opMarkFailed, "transaction_failed", txErr, zap.String("mutation_id", mutationID))
		return Mutation{}, txErr
	}

	if record.Status == StatusAbandoned {
		s.logger.Warn("mutation abandoned after retry ceiling",
			zap.String("mutation_id", record.MutationID),
			zap.String("kind", string(record.Kind)),
			zap.Int("attempts", record.Attempts),
			zap.String("last_error", record.LastError))
	}

	return record, nil
}

// Discard removes a mutation the backend rejected terminally. The removed
// row is returned so the rejection reason and original payload can be
// surfaced to the user without re-entering data.
func (s *Service) Discard(ctx context.Context, mutationID string, reason string) (Mutation, error) {
	var record Mutation
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("mutation_id = ?", mutationID).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDiscard, "not_found", ErrNotFound)
		}
		if err != nil {
			return newServiceError(opDiscard, "query_failed", err)
		}
		record.LastError = reason
		return tx.Where("mutation_id = ?", mutationID).Delete(&Mutation{}).Error
	})
	if txErr != nil {
		s.logError(opDiscard, "transaction_failed", txErr, zap.String("mutation_id", mutationID))
		return Mutation{}, txErr
	}
	return record, nil
}

// ListAll returns every queued mutation, oldest first, for diagnostics.
func (s *Service) ListAll(ctx context.Context) ([]Mutation, error) {
	var records []Mutation
	if err := s.db.WithContext(ctx).
		Order("created_at_s ASC, mutation_id ASC").
		Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return records, nil
}

// ListAbandoned returns mutations that exhausted the retry ceiling.
func (s *Service) ListAbandoned(ctx context.Context) ([]Mutation, error) {
	var records []Mutation
	if err := s.db.WithContext(ctx).
		Where("status = ?", StatusAbandoned).
		Order("created_at_s ASC, mutation_id ASC").
		Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return records, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("write queue error", attrs...)
}
