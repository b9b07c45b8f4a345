package webhook

import (
	"encoding/json"
	"time"

	"subsync/pkg/errors"
	"subsync/pkg/models"
)

// envelope is the provider's webhook wire format. Only the fields the
// engine acts on are decoded; the full body is retained on the event for
// the ledger.
type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			Customer          string            `json:"customer"`
			ClientReferenceID string            `json:"client_reference_id"`
			Status            string            `json:"status"`
			Metadata          map[string]string `json:"metadata"`
			Plan              struct {
				ID string `json:"id"`
			} `json:"plan"`
		} `json:"object"`
	} `json:"data"`
}

// eventTypeOf maps provider type strings onto the engine's closed set.
func eventTypeOf(rawType string) models.EventType {
	switch rawType {
	case "checkout.session.completed", "customer.subscription.created":
		return models.EventTypeSubscriptionCreated
	case "customer.subscription.updated":
		return models.EventTypeSubscriptionUpdated
	case "customer.subscription.deleted":
		return models.EventTypeSubscriptionCanceled
	case "invoice.paid":
		return models.EventTypeInvoicePaid
	case "invoice.payment_failed":
		return models.EventTypeInvoicePaymentFailed
	default:
		return models.EventTypeUnknown
	}
}

// Normalize parses an authenticated body into an Event. Bodies that do not
// carry the envelope basics (id, created) are malformed. Known event types
// additionally require an entity reference; unknown types are returned
// structurally intact so the ledger can record them.
func Normalize(body []byte) (models.Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return models.Event{}, errors.ErrValidation.WithCause(err).WithDetail("message", "body is not valid JSON")
	}

	if env.ID == "" {
		return models.Event{}, errors.ErrValidation.WithDetail("message", "envelope missing event id")
	}
	if env.Created == 0 {
		return models.Event{}, errors.ErrValidation.
			WithDetail("message", "envelope missing created timestamp").
			WithDetail("event_id", env.ID)
	}

	ev := models.Event{
		ID:         env.ID,
		Type:       eventTypeOf(env.Type),
		RawType:    env.Type,
		OccurredAt: time.Unix(env.Created, 0).UTC(),
		Status:     env.Data.Object.Status,
		Payload:    body,
	}

	ev.EntityID = env.Data.Object.Customer
	if ev.EntityID == "" {
		ev.EntityID = env.Data.Object.ClientReferenceID
	}

	if tier := env.Data.Object.Metadata["tier"]; tier != "" {
		ev.PlanID = tier
	} else {
		ev.PlanID = env.Data.Object.Plan.ID
	}

	if ev.Type.Known() && ev.EntityID == "" {
		return models.Event{}, errors.ErrValidation.
			WithDetail("message", "event missing customer reference").
			WithDetail("event_id", env.ID)
	}

	return ev, nil
}
