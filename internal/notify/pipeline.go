package notify

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

// PipelineError carries a stable operation.reason code alongside its cause.
type PipelineError struct {
	code string
	err  error
}

func (e *PipelineError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *PipelineError) Unwrap() error {
	return e.err
}

func (e *PipelineError) Code() string {
	return e.code
}

const (
	opPipelineNew  = "notify.pipeline.new"
	opIngest       = "notify.ingest"
	opMarkAsRead   = "notify.mark_as_read"
	opUnreadCount  = "notify.unread_count"
	opFeed         = "notify.feed"
	opRemoveRecord = "notify.remove"
)

func newPipelineError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &PipelineError{code: code, err: cause}
}

// PipelineConfig carries the dependencies for the notification pipeline.
type PipelineConfig struct {
	Database    *gorm.DB
	Broadcaster *Broadcaster
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Pipeline unifies the two notification delivery paths (live subscription
// and push via the background worker) into one de-duplicated, unread-tracked
// feed per recipient. Whichever path delivers a notification first wins; the
// later duplicate is dropped.
type Pipeline struct {
	db          *gorm.DB
	broadcaster *Broadcaster
	clock       func() time.Time
	logger      *zap.Logger
}

// NewPipeline validates configuration and returns a pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Database == nil {
		return nil, newPipelineError(opPipelineNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Pipeline{
		db:          cfg.Database,
		broadcaster: cfg.Broadcaster,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Ingest merges one delivered notification into the buffer. The first
// delivery for an id inserts; a redelivery is dropped except that a newer
// server-side read-mark on the duplicate still converges (last write by
// timestamp). Returns true when the notification was newly inserted.
func (p *Pipeline) Ingest(ctx context.Context, record Record, source Source) (bool, error) {
	notificationID := strings.TrimSpace(record.NotificationID)
	if notificationID == "" {
		return false, newPipelineError(opIngest, "invalid_notification_id", ErrInvalidNotificationID)
	}
	recipientID := strings.TrimSpace(record.RecipientID)
	if recipientID == "" {
		return false, newPipelineError(opIngest, "invalid_recipient_id", ErrInvalidRecipientID)
	}
	record.NotificationID = notificationID
	record.RecipientID = recipientID

	inserted := false
	txErr := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		err := tx.Where("notification_id = ?", notificationID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(&record).Error; err != nil {
				return newPipelineError(opIngest, "insert_failed", err)
			}
			inserted = true
			return nil
		}
		if err != nil {
			return newPipelineError(opIngest, "query_failed", err)
		}

		if !readAtNewer(record.ReadAtSeconds, existing.ReadAtSeconds) {
			return nil
		}
		if err := tx.Model(&Record{}).
			Where("notification_id = ?", notificationID).
			Update("read_at_s", *record.ReadAtSeconds).Error; err != nil {
			return newPipelineError(opIngest, "update_failed", err)
		}
		inserted = false
		return nil
	})
	if txErr != nil {
		p.logError(opIngest, "transaction_failed", txErr,
			zap.String("notification_id", notificationID),
			zap.String("source", string(source)))
		return false, txErr
	}

	p.logger.Debug("notification ingested",
		zap.String("notification_id", notificationID),
		zap.String("source", string(source)),
		zap.Bool("inserted", inserted))
	p.publishFeedChanged(ctx, recipientID)
	return inserted, nil
}

// MarkAsRead sets the read timestamp for a notification. Marking an
// already-read record again is a no-op unless the new timestamp is later,
// so concurrent read-marks from sibling clients converge on the last write.
func (p *Pipeline) MarkAsRead(ctx context.Context, notificationID string, readAt time.Time) (Record, error) {
	trimmedID := strings.TrimSpace(notificationID)
	if trimmedID == "" {
		return Record{}, newPipelineError(opMarkAsRead, "invalid_notification_id", ErrInvalidNotificationID)
	}

	readAtSeconds := readAt.UTC().Unix()
	var record Record
	changed := false
	txErr := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("notification_id = ?", trimmedID).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newPipelineError(opMarkAsRead, "not_found", ErrNotFound)
		}
		if err != nil {
			return newPipelineError(opMarkAsRead, "query_failed", err)
		}

		if !readAtNewer(&readAtSeconds, record.ReadAtSeconds) {
			return nil
		}
		if err := tx.Model(&Record{}).
			Where("notification_id = ?", trimmedID).
			Update("read_at_s", readAtSeconds).Error; err != nil {
			return newPipelineError(opMarkAsRead, "update_failed", err)
		}
		record.ReadAtSeconds = &readAtSeconds
		changed = true
		return nil
	})
	if txErr != nil {
		p.logError(opMarkAsRead, "transaction_failed", txErr, zap.String("notification_id", trimmedID))
		return Record{}, txErr
	}

	if changed {
		p.publishFeedChanged(ctx, record.RecipientID)
	}
	return record, nil
}

// UnreadCount recomputes the recipient's unread total from the buffer. The
// count is always derived from the stored set, never incrementally patched,
// so it cannot drift from the list.
func (p *Pipeline) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	trimmedID := strings.TrimSpace(recipientID)
	if trimmedID == "" {
		return 0, newPipelineError(opUnreadCount, "invalid_recipient_id", ErrInvalidRecipientID)
	}

	var count int64
	if err := p.db.WithContext(ctx).Model(&Record{}).
		Where("recipient_id = ? AND read_at_s IS NULL", trimmedID).
		Count(&count).Error; err != nil {
		p.logError(opUnreadCount, "query_failed", err, zap.String("recipient_id", trimmedID))
		return 0, newPipelineError(opUnreadCount, "query_failed", err)
	}
	return count, nil
}

// Feed returns the recipient's notifications, newest first.
func (p *Pipeline) Feed(ctx context.Context, recipientID string) ([]Record, error) {
	trimmedID := strings.TrimSpace(recipientID)
	if trimmedID == "" {
		return nil, newPipelineError(opFeed, "invalid_recipient_id", ErrInvalidRecipientID)
	}

	var records []Record
	if err := p.db.WithContext(ctx).
		Where("recipient_id = ?", trimmedID).
		Order("created_at_s DESC, notification_id DESC").
		Find(&records).Error; err != nil {
		p.logError(opFeed, "query_failed", err, zap.String("recipient_id", trimmedID))
		return nil, newPipelineError(opFeed, "query_failed", err)
	}
	return records, nil
}

// Remove deletes a notification from the buffer.
func (p *Pipeline) Remove(ctx context.Context, notificationID string) error {
	trimmedID := strings.TrimSpace(notificationID)
	if trimmedID == "" {
		return newPipelineError(opRemoveRecord, "invalid_notification_id", ErrInvalidNotificationID)
	}

	var record Record
	err := p.db.WithContext(ctx).Where("notification_id = ?", trimmedID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newPipelineError(opRemoveRecord, "not_found", ErrNotFound)
	}
	if err != nil {
		return newPipelineError(opRemoveRecord, "query_failed", err)
	}

	if err := p.db.WithContext(ctx).
		Where("notification_id = ?", trimmedID).
		Delete(&Record{}).Error; err != nil {
		p.logError(opRemoveRecord, "delete_failed", err, zap.String("notification_id", trimmedID))
		return newPipelineError(opRemoveRecord, "delete_failed", err)
	}

	p.publishFeedChanged(ctx, record.RecipientID)
	return nil
}

func (p *Pipeline) publishFeedChanged(ctx context.Context, recipientID string) {
	if p.broadcaster == nil {
		return
	}
	count, err := p.UnreadCount(ctx, recipientID)
	if err != nil {
		p.logError(opIngest, "unread_recount_failed", err, zap.String("recipient_id", recipientID))
		return
	}
	p.broadcaster.Publish(Message{
		EventType:   EventFeedChanged,
		RecipientID: recipientID,
		UnreadCount: count,
		Timestamp:   p.clock().UTC(),
	})
}

// readAtNewer reports whether incoming is a strictly later read-mark than
// current. A nil incoming never wins; a nil current always loses.
func readAtNewer(incoming, current *int64) bool {
	if incoming == nil {
		return false
	}
	if current == nil {
		return true
	}
	return *incoming > *current
}

func (p *Pipeline) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("notification pipeline error", attrs...)
}
