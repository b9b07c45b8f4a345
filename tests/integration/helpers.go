package integration

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"subsync/internal/audit"
	"subsync/internal/ledger"
	"subsync/internal/logger"
	"subsync/internal/reconciler"
	"subsync/internal/subscription"
	"subsync/internal/webhook"
	"subsync/pkg/models"
)

const reconcileTxTimeout = 10 * time.Second

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

// newReconciler assembles the real ingest pipeline against the test
// database, without a broker.
func newReconciler(infra *TestInfra) *reconciler.Service {
	return reconciler.NewService(
		infra.PostgresDB,
		ledger.NewRepository(infra.PostgresDB),
		subscription.NewRepository(infra.PostgresDB),
		audit.NewLogger(infra.PostgresDB, createTestLogger()),
		nil,
		createTestLogger(),
		reconcileTxTimeout,
	)
}

// testEvent builds a normalized event the way the ingress would, with a
// stored payload that re-normalizes to the same event.
func testEvent(t *testing.T, id, rawType, entityID string, occurredAt time.Time, status string) models.Event {
	t.Helper()

	envelope := map[string]interface{}{
		"id":      id,
		"type":    rawType,
		"created": occurredAt.Unix(),
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"customer": entityID,
				"status":   status,
			},
		},
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("failed to marshal test envelope: %v", err)
	}

	ev, err := webhook.Normalize(body)
	if err != nil {
		t.Fatalf("failed to normalize test envelope: %v", err)
	}
	return ev
}

func subscriptionCreated(t *testing.T, id, entityID string, occurredAt time.Time) models.Event {
	return testEvent(t, id, "checkout.session.completed", entityID, occurredAt, "active")
}

func subscriptionUpdated(t *testing.T, id, entityID string, occurredAt time.Time, status string) models.Event {
	return testEvent(t, id, "customer.subscription.updated", entityID, occurredAt, status)
}

func subscriptionCanceled(t *testing.T, id, entityID string, occurredAt time.Time) models.Event {
	return testEvent(t, id, "customer.subscription.deleted", entityID, occurredAt, "canceled")
}

func invoicePaid(t *testing.T, id, entityID string, occurredAt time.Time) models.Event {
	return testEvent(t, id, "invoice.paid", entityID, occurredAt, "")
}

func invoicePaymentFailed(t *testing.T, id, entityID string, occurredAt time.Time) models.Event {
	return testEvent(t, id, "invoice.payment_failed", entityID, occurredAt, "")
}

func uniqueEntity(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
