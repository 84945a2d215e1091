package queue

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the mutation types UI screens may submit.
type Kind string

const (
	// KindCreateOrder creates a new order on the backend.
	KindCreateOrder Kind = "create_order"
	// KindUpdateOrderStatus transitions an existing order's status.
	KindUpdateOrderStatus Kind = "update_order_status"
	// KindAssignCourier attaches a courier to an order.
	KindAssignCourier Kind = "assign_courier"
	// KindCancelOrder cancels an order.
	KindCancelOrder Kind = "cancel_order"
	// KindConfirmDelivery records a completed delivery.
	KindConfirmDelivery Kind = "confirm_delivery"
)

// Status tracks a queued mutation's replay lifecycle.
type Status string

const (
	// StatusPending marks a mutation awaiting replay.
	StatusPending Status = "pending"
	// StatusAbandoned marks a mutation that exhausted its retry ceiling and
	// requires manual action.
	StatusAbandoned Status = "abandoned"
)

// MaxAttempts is the retry ceiling after which a mutation is abandoned
// rather than retried again.
const MaxAttempts = 5

const maxIdentifierLength = 190

var (
	// ErrInvalidMutationID indicates an empty or oversized mutation identifier.
	ErrInvalidMutationID = errors.New("queue: invalid mutation id")
	// ErrInvalidKind indicates an unknown mutation kind.
	ErrInvalidKind = errors.New("queue: invalid mutation kind")
	// ErrNotFound indicates no queued mutation exists for the identifier.
	ErrNotFound = errors.New("queue: mutation not found")
)

// ParseKind validates raw input against the known mutation kinds.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindCreateOrder:
		return KindCreateOrder, nil
	case KindUpdateOrderStatus:
		return KindUpdateOrderStatus, nil
	case KindAssignCourier:
		return KindAssignCourier, nil
	case KindCancelOrder:
		return KindCancelOrder, nil
	case KindConfirmDelivery:
		return KindConfirmDelivery, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
	}
}

// Mutation models a pending write persisted until the backend acknowledges it.
// MutationID doubles as the idempotency key echoed to the backend so retried
// sends are detected as duplicates server-side.
type Mutation struct {
	MutationID       string `gorm:"column:mutation_id;primaryKey;size:190;not null"`
	Kind             Kind   `gorm:"column:kind;size:64;not null"`
	EntityID         string `gorm:"column:entity_id;size:190;not null;index:idx_queue_entity_created,priority:1"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_queue_entity_created,priority:2"`
	Attempts         int    `gorm:"column:attempts;not null;default:0"`
	LastError        string `gorm:"column:last_error;type:text;not null;default:''"`
	Status           Status `gorm:"column:status;size:32;not null;default:'pending';index"`
}

// TableName provides the explicit table binding for GORM.
func (Mutation) TableName() string {
	return "write_queue"
}
