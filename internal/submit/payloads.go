package submit

import (
	"encoding/json"
	"fmt"

	"github.com/freightpoint/relay/internal/queue"
	"github.com/go-playground/validator/v10"
)

// TableOrders and TableDeliveries are the cached collections mutations
// land in.
const (
	TableOrders     = "orders"
	TableDeliveries = "deliveries"
)

// CreateOrderPayload is the body for queue.KindCreateOrder.
type CreateOrderPayload struct {
	VendorID       string `json:"vendor_id" validate:"required"`
	PickupAddress  string `json:"pickup_address" validate:"required"`
	DropoffAddress string `json:"dropoff_address" validate:"required"`
	ItemCount      int    `json:"item_count" validate:"required,gt=0"`
	Notes          string `json:"notes" validate:"max=2000"`
}

// UpdateOrderStatusPayload is the body for queue.KindUpdateOrderStatus.
type UpdateOrderStatusPayload struct {
	Status string `json:"status" validate:"required,oneof=pending accepted picking_up in_transit delivered cancelled"`
}

// AssignCourierPayload is the body for queue.KindAssignCourier.
type AssignCourierPayload struct {
	CourierID string `json:"courier_id" validate:"required"`
}

// CancelOrderPayload is the body for queue.KindCancelOrder.
type CancelOrderPayload struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// ConfirmDeliveryPayload is the body for queue.KindConfirmDelivery.
type ConfirmDeliveryPayload struct {
	DeliveredAtSeconds int64  `json:"delivered_at_s" validate:"required,gt=0"`
	ProofURL           string `json:"proof_url" validate:"omitempty,url"`
}

// tableForKind maps a mutation kind to the collection its optimistic and
// reconciled records live in.
func tableForKind(kind queue.Kind) string {
	if kind == queue.KindConfirmDelivery {
		return TableDeliveries
	}
	return TableOrders
}

// validatePayload decodes the raw payload into the kind's schema and runs
// struct validation. Unknown kinds are rejected upstream by queue.ParseKind.
func validatePayload(validate *validator.Validate, kind queue.Kind, payload []byte) error {
	var target any
	switch kind {
	case queue.KindCreateOrder:
		target = &CreateOrderPayload{}
	case queue.KindUpdateOrderStatus:
		target = &UpdateOrderStatusPayload{}
	case queue.KindAssignCourier:
		target = &AssignCourierPayload{}
	case queue.KindCancelOrder:
		target = &CancelOrderPayload{}
	case queue.KindConfirmDelivery:
		target = &ConfirmDeliveryPayload{}
	default:
		return fmt.Errorf("%w: %q", queue.ErrInvalidKind, kind)
	}

	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("submit: decode payload: %w", err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("submit: invalid payload: %w", err)
	}
	return nil
}
