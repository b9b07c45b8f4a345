package subscription

import "time"

// State is the subscription lifecycle state derived from the provider's
// event stream.
type State string

const (
	StateIncomplete State = "incomplete"
	StateTrialing   State = "trialing"
	StateActive     State = "active"
	StatePastDue    State = "past_due"
	StateCanceled   State = "canceled"
)

const (
	PlanFree = "free"
	PlanPlus = "plus"
	PlanPro  = "pro"
)

// Subscription is one lifecycle of a paying entity. A canceled row is kept
// as history; a later creation event starts a fresh row with a new ID.
type Subscription struct {
	ID          string    `json:"id"`
	EntityID    string    `json:"entity_id"`
	State       State     `json:"state"`
	PlanID      string    `json:"plan_id"`
	// StateVersion is the provider timestamp of the last event that changed
	// this row. It never decreases.
	StateVersion time.Time `json:"state_version"`
	LastEventID  string    `json:"last_event_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
