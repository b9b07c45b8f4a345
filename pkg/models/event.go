package models

import "time"

// EventType is the closed set of provider notifications the engine acts on.
// Anything outside the set normalizes to EventTypeUnknown and is recorded
// without touching subscription state.
type EventType string

const (
	EventTypeSubscriptionCreated  EventType = "subscription.created"
	EventTypeSubscriptionUpdated  EventType = "subscription.updated"
	EventTypeSubscriptionCanceled EventType = "subscription.canceled"
	EventTypeInvoicePaid          EventType = "invoice.paid"
	EventTypeInvoicePaymentFailed EventType = "invoice.payment_failed"
	EventTypeUnknown              EventType = "unknown"
)

func (t EventType) Known() bool {
	return t != EventTypeUnknown && t != ""
}

// Event is one normalized provider notification. The same logical Event may
// be delivered many times; ID is stable across redeliveries.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	RawType    string    `json:"raw_type"`
	EntityID   string    `json:"entity_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Status     string    `json:"status,omitempty"`
	PlanID     string    `json:"plan_id,omitempty"`
	Payload    []byte    `json:"-"`
}

// StateChange is the notification published to the broker after a
// subscription mutation commits.
type StateChange struct {
	EventID    string    `json:"event_id"`
	EntityID   string    `json:"entity_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	PlanID     string    `json:"plan_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	ChangedAt  time.Time `json:"changed_at"`
}
