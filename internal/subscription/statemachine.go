package subscription

import (
	"subsync/pkg/models"
)

// stateFromStatus maps the provider's subscription status string onto a
// lifecycle state. Unrecognized statuses land in incomplete rather than
// failing, since the provider's status vocabulary evolves independently.
func stateFromStatus(status string, fallback State) State {
	switch status {
	case "active":
		return StateActive
	case "trialing":
		return StateTrialing
	case "past_due":
		return StatePastDue
	case "canceled":
		return StateCanceled
	case "":
		return fallback
	default:
		return StateIncomplete
	}
}

// InitialState determines the lifecycle state for an entity's first sighting.
func InitialState(ev models.Event) State {
	switch ev.Type {
	case models.EventTypeSubscriptionCreated:
		return stateFromStatus(ev.Status, StateActive)
	case models.EventTypeSubscriptionUpdated:
		return stateFromStatus(ev.Status, StateIncomplete)
	case models.EventTypeSubscriptionCanceled:
		return StateCanceled
	case models.EventTypeInvoicePaid:
		return StateActive
	case models.EventTypeInvoicePaymentFailed:
		return StatePastDue
	default:
		return StateIncomplete
	}
}

// Next computes the transition for an event newer than the row's state
// version. The second return value reports whether the combination is
// defined; undefined combinations must still advance the state version so a
// later stale check cannot accept an older event.
func Next(current State, ev models.Event) (State, bool) {
	// Canceled is terminal for this lifecycle. A new creation event starts a
	// fresh lifecycle and is handled before the transition table.
	if current == StateCanceled {
		return current, false
	}

	switch ev.Type {
	case models.EventTypeSubscriptionCreated:
		return stateFromStatus(ev.Status, StateActive), true
	case models.EventTypeSubscriptionUpdated:
		return stateFromStatus(ev.Status, current), true
	case models.EventTypeSubscriptionCanceled:
		return StateCanceled, true
	case models.EventTypeInvoicePaid:
		return StateActive, true
	case models.EventTypeInvoicePaymentFailed:
		return StatePastDue, true
	default:
		return current, false
	}
}
