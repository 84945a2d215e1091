package notify

import "errors"

// Source identifies which delivery path carried a notification into the
// pipeline.
type Source string

const (
	// SourceSubscription marks delivery over the live backend subscription.
	SourceSubscription Source = "subscription"
	// SourcePush marks delivery via a platform push message handled by the
	// background worker.
	SourcePush Source = "push"
	// SourceAgent marks a record the background worker synthesized itself,
	// such as a terminal mutation rejection.
	SourceAgent Source = "agent"
)

// KindMutationRejected is the kind of the synthetic notification buffered
// when the backend terminally rejects a queued mutation. Its payload carries
// the rejection reason and the original mutation payload so the user can
// retry manually without re-entering data.
const KindMutationRejected = "mutation_rejected"

var (
	// ErrInvalidNotificationID indicates an empty notification identifier.
	ErrInvalidNotificationID = errors.New("notify: invalid notification id")
	// ErrInvalidRecipientID indicates an empty recipient identifier.
	ErrInvalidRecipientID = errors.New("notify: invalid recipient id")
	// ErrNotFound indicates no buffered notification exists for the identifier.
	ErrNotFound = errors.New("notify: notification not found")
)

// Record is one buffered notification. The buffer is shared storage: the
// background worker writes push deliveries into it and every connected UI
// client reads from it, so rows survive process restart.
type Record struct {
	NotificationID   string `gorm:"column:notification_id;primaryKey;size:190;not null"`
	RecipientID      string `gorm:"column:recipient_id;size:190;not null;index:idx_notify_recipient_read,priority:1"`
	Kind             string `gorm:"column:kind;size:64;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	ReadAtSeconds    *int64 `gorm:"column:read_at_s;index:idx_notify_recipient_read,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "notification_buffer"
}

// Unread reports whether the notification has not been marked read.
func (r Record) Unread() bool {
	return r.ReadAtSeconds == nil
}
