package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsync/pkg/errors"
	"subsync/pkg/models"
)

func TestNormalize_KnownTypes(t *testing.T) {
	tests := []struct {
		name     string
		rawType  string
		wantType models.EventType
	}{
		{"checkout completion", "checkout.session.completed", models.EventTypeSubscriptionCreated},
		{"subscription created", "customer.subscription.created", models.EventTypeSubscriptionCreated},
		{"subscription updated", "customer.subscription.updated", models.EventTypeSubscriptionUpdated},
		{"subscription deleted", "customer.subscription.deleted", models.EventTypeSubscriptionCanceled},
		{"invoice paid", "invoice.paid", models.EventTypeInvoicePaid},
		{"invoice payment failed", "invoice.payment_failed", models.EventTypeInvoicePaymentFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := []byte(`{
				"id": "evt_123",
				"type": "` + tt.rawType + `",
				"created": 1700000000,
				"data": {"object": {"customer": "cus_42", "status": "active"}}
			}`)

			ev, err := Normalize(body)
			require.NoError(t, err)
			assert.Equal(t, "evt_123", ev.ID)
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, tt.rawType, ev.RawType)
			assert.Equal(t, "cus_42", ev.EntityID)
			assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.OccurredAt)
			assert.Equal(t, body, ev.Payload)
		})
	}
}

func TestNormalize_UnknownTypeAccepted(t *testing.T) {
	body := []byte(`{"id": "evt_9", "type": "payment_intent.created", "created": 1700000000}`)

	ev, err := Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeUnknown, ev.Type)
	assert.Equal(t, "payment_intent.created", ev.RawType)
	assert.False(t, ev.Type.Known())
}

func TestNormalize_EntityFallsBackToClientReference(t *testing.T) {
	body := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"created": 1700000000,
		"data": {"object": {"client_reference_id": "user-77"}}
	}`)

	ev, err := Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, "user-77", ev.EntityID)
}

func TestNormalize_PlanFromMetadataTier(t *testing.T) {
	body := []byte(`{
		"id": "evt_1",
		"type": "customer.subscription.updated",
		"created": 1700000000,
		"data": {"object": {"customer": "cus_1", "metadata": {"tier": "pro"}, "plan": {"id": "price_123"}}}
	}`)

	ev, err := Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, "pro", ev.PlanID)
}

func TestNormalize_PlanFallsBackToPlanID(t *testing.T) {
	body := []byte(`{
		"id": "evt_1",
		"type": "customer.subscription.updated",
		"created": 1700000000,
		"data": {"object": {"customer": "cus_1", "plan": {"id": "plus"}}}
	}`)

	ev, err := Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, "plus", ev.PlanID)
}

func TestNormalize_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing id", `{"type": "invoice.paid", "created": 1700000000, "data": {"object": {"customer": "cus_1"}}}`},
		{"missing created", `{"id": "evt_1", "type": "invoice.paid", "data": {"object": {"customer": "cus_1"}}}`},
		{"known type without customer", `{"id": "evt_1", "type": "invoice.paid", "created": 1700000000}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize([]byte(tt.body))
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err))
		})
	}
}

func TestNormalize_RejectionKeepsEnvelopeID(t *testing.T) {
	// A known type missing its customer reference is malformed, but the
	// envelope id parsed fine and must survive into the rejection record.
	body := []byte(`{"id": "evt_traceable", "type": "invoice.paid", "created": 1700000000}`)

	_, err := Normalize(body)
	require.Error(t, err)
	assert.Equal(t, "evt_traceable", rejectedEventID(err))

	_, err = Normalize([]byte(`{"id": "evt_no_ts", "type": "invoice.paid", "data": {"object": {"customer": "cus_1"}}}`))
	require.Error(t, err)
	assert.Equal(t, "evt_no_ts", rejectedEventID(err))

	// Bodies that never yielded an id fall back to the placeholder.
	_, err = Normalize([]byte(`{{{`))
	require.Error(t, err)
	assert.Equal(t, "malformed", rejectedEventID(err))
}

func TestNormalize_UnknownTypeNeedsOnlyEnvelopeBasics(t *testing.T) {
	// No customer reference, still accepted because the type is unknown.
	body := []byte(`{"id": "evt_1", "type": "charge.refunded", "created": 1700000000}`)

	ev, err := Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeUnknown, ev.Type)
	assert.Empty(t, ev.EntityID)
}
