package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// MutationRequest is the wire shape sent to the backend mutation endpoint.
// MutationID is the client-generated idempotency key; the backend treats a
// resent id as a duplicate and returns the original result.
type MutationRequest struct {
	MutationID string          `json:"id"`
	Kind       string          `json:"kind"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
}

// RecordEnvelope is the authoritative record echoed back on acceptance.
type RecordEnvelope struct {
	Table                  string          `json:"table"`
	RecordID               string          `json:"id"`
	Version                int64           `json:"version"`
	ServerTimestampSeconds int64           `json:"server_timestamp_s"`
	Data                   json.RawMessage `json:"data"`
}

// MutationResult is the backend's acknowledgment of a mutation.
type MutationResult struct {
	Accepted bool           `json:"accepted"`
	Record   RecordEnvelope `json:"record"`
}

// ChangeEventEnvelope is one server-pushed change on the subscription
// channel.
type ChangeEventEnvelope struct {
	Table                  string          `json:"table"`
	Op                     string          `json:"op"`
	RecordID               string          `json:"id"`
	Version                int64           `json:"version"`
	ServerTimestampSeconds int64           `json:"server_timestamp_s"`
	Data                   json.RawMessage `json:"data"`
}

// NotificationEnvelope is one notification insert/update on the
// subscription channel or inside a push message.
type NotificationEnvelope struct {
	NotificationID   string          `json:"id"`
	RecipientID      string          `json:"recipient_id"`
	Kind             string          `json:"kind"`
	Payload          json.RawMessage `json:"payload"`
	CreatedAtSeconds int64           `json:"created_at_s"`
	ReadAtSeconds    *int64          `json:"read_at_s"`
}

// Envelope multiplexes the subscription channel's event types.
type Envelope struct {
	Channel      string                `json:"channel"`
	Change       *ChangeEventEnvelope  `json:"change,omitempty"`
	Notification *NotificationEnvelope `json:"notification,omitempty"`
}

const (
	// ChannelChanges carries table change events.
	ChannelChanges = "changes"
	// ChannelNotifications carries notification inserts/updates.
	ChannelNotifications = "notifications"
)

// SubscriptionFilters scopes the subscription channel server-side.
type SubscriptionFilters struct {
	RecipientID string
	Tables      []string
}

// PushRegistration identifies this agent to the push-delivery service.
type PushRegistration struct {
	RecipientID string `json:"recipient_id"`
	DeviceToken string `json:"device_token"`
}

// RejectionError is a terminal server-side rejection (validation failure).
// The mutation must not be retried.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("transport: mutation rejected: %s", e.Reason)
}

// ErrOffline indicates the backend was unreachable; callers fall back to
// the durable queue.
var ErrOffline = errors.New("transport: backend unreachable")

// Backend is the hosted platform as seen by the agent. Implementations
// must honor idempotency keys on SendMutation.
type Backend interface {
	SendMutation(ctx context.Context, request MutationRequest) (MutationResult, error)
	RegisterPush(ctx context.Context, registration PushRegistration) error
	Subscribe(ctx context.Context, filters SubscriptionFilters) (<-chan Envelope, error)
	Online(ctx context.Context) bool
}
