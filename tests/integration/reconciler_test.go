package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsync/internal/audit"
	"subsync/internal/ledger"
	"subsync/internal/subscription"
	"subsync/pkg/models"
)

var baseTime = time.Unix(1700000000, 0).UTC()

func TestReconciler_FirstEventCreatesSubscription(t *testing.T) {
	infra := SetupTestInfra(t)
	svc := newReconciler(infra)
	ctx := context.Background()

	entity := uniqueEntity("cus")
	result, err := svc.Apply(ctx, subscriptionCreated(t, "evt_create_1", entity, baseTime))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, result.Outcome)
	assert.False(t, result.Duplicate)
	assert.Equal(t, 1, result.DeliveryCount)

	repo := subscription.NewRepository(infra.PostgresDB)
	sub, err := repo.GetByEntity(ctx, entity)
	require.NoError(t, err)
	assert.Equal(t, subscription.StateActive, sub.State)
	assert.Equal(t, baseTime, sub.StateVersion.UTC())
	assert.Equal(t, "evt_create_1", sub.LastEventID)
}

func TestReconciler_RedeliveryIsIdempotent(t *testing.T) {
	infra := SetupTestInfra(t)
	svc := newReconciler(infra)
	ctx := context.Background()

	entity := uniqueEntity("cus")
	ev := subscriptionCreated(t, "evt_dup_1", entity, baseTime)

	first, err := svc.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, first.Outcome)

	second, err := svc.Apply(ctx, ev)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, ledger.OutcomeApplied, second.Outcome)
	assert.Equal(t, 2, second.DeliveryCount)

	third, err := svc.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 3, third.DeliveryCount)

	// State untouched by redeliveries.
	repo := subscription.NewRepository(infra.PostgresDB)
	sub, err := repo.GetByEntity(ctx, entity)
	require.NoError(t, err)
	assert.Equal(t, subscription.StateActive, sub.State)
	assert.Equal(t, "evt_dup_1", sub.LastEventID)
}

func TestReconciler_StaleEventIgnored(t *testing.T) {
	infra := SetupTestInfra(t)
	svc := newReconciler(infra)
	ctx := context.Background()

	entity := uniqueEntity("cus")

	// The cancellation arrives first even though it happened last.
	result, err := svc.Apply(ctx, subscriptionCanceled(t, "evt_cancel", entity, baseTime.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, result.Outcome)

	// The older update must not resurrect the subscription.
	result, err = svc.Apply(ctx, subscriptionUpdated(t, "evt_update", entity, baseTime.Add(time.Hour), "active"))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeStaleIgnored, result.Outcome)

	repo := subscription.NewRepository(infra.PostgresDB)
	sub, err := repo.GetByEntity(ctx, entity)
	require.NoError(t, err)
	assert.Equal(t, subscription.StateCanceled, sub.State)
}

func TestReconciler_OrderIndependence(t *testing.T) {
	infra := SetupTestInfra(t)
	svc := newReconciler(infra)
	ctx := context.Background()

	entityA := uniqueEntity("cus-a")
	entityB := uniqueEntity("cus-b")

	eventsFor := func(entity, suffix string) []models.Event {
		return []models.Event{
			subscriptionCreated(t, "evt_c_"+suffix, entity, baseTime),
			invoicePaymentFailed(t, "evt_f_"+suffix, entity, baseTime.Add(time.Hour)),
			invoicePaid(t, "evt_p_"+suffix, entity, baseTime.Add(2*time.Hour)),
			subscriptionUpdated(t, "evt_u_"+suffix, entity, baseTime.Add(3*time.Hour), "trialing"),
		}
	}

	// Entity A sees the events in provider order, entity B in reverse
	// delivery order.
	for _, ev := range eventsFor(entityA, "a") {
		_, err := svc.Apply(ctx, ev)
		require.NoError(t, err)
	}

	reversed := eventsFor(entityB, "b")
	for i := len(reversed) - 1; i >= 0; i-- {
		_, err := svc.Apply(ctx, reversed[i])
		require.NoError(t, err)
	}

	repo := subscription.NewRepository(infra.PostgresDB)
	subA, err := repo.GetByEntity(ctx, entityA)
	require.NoError(t, err)
	subB, err := repo.GetByEntity(ctx, entityB)
	require.NoError(t, err)

	assert.Equal(t, subA.State, subB.State)
	assert.Equal(t, subscription.StateTrialing, subA.State)
	assert.Equal(t, subA.StateVersion.UTC(), subB.StateVersion.UTC())
}

func TestReconciler_EqualTimestampTieBreak(t *testing.T) {
	infra := SetupTestInfra(t)
	svc := newReconciler(infra)
	ctx := context.Background()

	entity := uniqueEntity("cus")
	ts := baseTime

	// Same provider timestamp; the lexically greater event id wins
	// whichever delivery order they arrive in.
	_, err := svc.Apply(ctx, subscriptionUpdated(t, "evt_b", entity, ts, "past_due"))
	require.NoError(t, err)

	result, err := svc.Apply(ctx, subscriptionUpdated(t, "evt_a", entity, ts, "active"))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeStaleIgnored, result.Outcome)

	repo := subscription.NewRepository(infra.PostgresDB)
	sub, err := repo.GetByEntity(ctx, entity)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatePastDue, sub.State)
	assert.Equal(t, "evt_b", sub.LastEventID)
}

func TestReconciler_UnknownTypeRecordedWithoutStateChange(t *testing.T) {
	infra := SetupTestInfra(t)
	svc := newReconciler(infra)
	ctx := context.Background()

	entity := uniqueEntity("cus")
	result, err := svc.Apply(ctx, testEvent(t, "evt_unknown", "charge.refunded", entity, baseTime, ""))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeUnknownTypeIgnored, result.Outcome)

	repo := subscription.NewRepository(infra.PostgresDB)
	_, err = repo.GetByEntity(ctx, entity)
	require.Error(t, err)

	ledgerRepo := ledger.NewRepository(infra.PostgresDB)
	rec, err := ledgerRepo.Get(ctx, "evt_unknown")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ledger.OutcomeUnknownTypeIgnored, rec.Outcome)
}

func TestReconciler_CancellationStartsNewLifecycleOnRecreate(t *testing.T) {
	infra := SetupTestInfra(t)
	svc := newReconciler(infra)
	ctx := context.Background()

	entity := uniqueEntity("cus")

	_, err := svc.Apply(ctx, subscriptionCreated(t, "evt_life1", entity, baseTime))
	require.NoError(t, err)
	_, err = svc.Apply(ctx, subscriptionCanceled(t, "evt_life1_cancel", entity, baseTime.Add(time.Hour)))
	require.NoError(t, err)

	repo := subscription.NewRepository(infra.PostgresDB)
	canceled, err := repo.GetByEntity(ctx, entity)
	require.NoError(t, err)
	assert.Equal(t, subscription.StateCanceled, canceled.State)

	_, err = svc.Apply(ctx, subscriptionCreated(t, "evt_life2", entity, baseTime.Add(2*time.Hour)))
	require.NoError(t, err)

	current, err := repo.GetByEntity(ctx, entity)
	require.NoError(t, err)
	assert.Equal(t, subscription.StateActive, current.State)
	assert.NotEqual(t, canceled.ID, current.ID)

	// The canceled lifecycle is retained as history.
	var count int
	err = infra.PostgresDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE entity_id = $1`, entity).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestReconciler_PaymentFailureAndRecovery(t *testing.T) {
	infra := SetupTestInfra(t)
	svc := newReconciler(infra)
	ctx := context.Background()

	entity := uniqueEntity("cus")
	repo := subscription.NewRepository(infra.PostgresDB)

	_, err := svc.Apply(ctx, subscriptionCreated(t, "evt_pf_1", entity, baseTime))
	require.NoError(t, err)

	_, err = svc.Apply(ctx, invoicePaymentFailed(t, "evt_pf_2", entity, baseTime.Add(time.Hour)))
	require.NoError(t, err)
	sub, err := repo.GetByEntity(ctx, entity)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatePastDue, sub.State)

	_, err = svc.Apply(ctx, invoicePaid(t, "evt_pf_3", entity, baseTime.Add(2*time.Hour)))
	require.NoError(t, err)
	sub, err = repo.GetByEntity(ctx, entity)
	require.NoError(t, err)
	assert.Equal(t, subscription.StateActive, sub.State)
}

func TestReconciler_ConcurrentSameEvent(t *testing.T) {
	infra := SetupTestInfra(t)
	svc := newReconciler(infra)
	ctx := context.Background()

	entity := uniqueEntity("cus")
	ev := subscriptionCreated(t, "evt_concurrent", entity, baseTime)

	const workers = 8
	results := make([]ledger.Outcome, workers)
	duplicates := make([]bool, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.Apply(ctx, ev)
			results[i] = result.Outcome
			duplicates[i] = result.Duplicate
			errs[i] = err
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ledger.OutcomeApplied, results[i])
		if !duplicates[i] {
			applied++
		}
	}
	assert.Equal(t, 1, applied, "exactly one delivery may win")

	// A single lifecycle row exists despite the race.
	var count int
	err := infra.PostgresDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE entity_id = $1`, entity).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReconciler_ConcurrentDistinctEventsSameEntity(t *testing.T) {
	infra := SetupTestInfra(t)
	svc := newReconciler(infra)
	ctx := context.Background()

	entity := uniqueEntity("cus")
	events := []models.Event{
		subscriptionCreated(t, "evt_race_1", entity, baseTime),
		invoicePaymentFailed(t, "evt_race_2", entity, baseTime.Add(time.Minute)),
		invoicePaid(t, "evt_race_3", entity, baseTime.Add(2*time.Minute)),
		subscriptionUpdated(t, "evt_race_4", entity, baseTime.Add(3*time.Minute), "trialing"),
		subscriptionUpdated(t, "evt_race_5", entity, baseTime.Add(4*time.Minute), "active"),
	}

	errs := make([]error, len(events))
	var wg sync.WaitGroup
	for i, ev := range events {
		wg.Add(1)
		go func(i int, ev models.Event) {
			defer wg.Done()
			_, errs[i] = svc.Apply(ctx, ev)
		}(i, ev)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
	}

	// Whatever order the transactions committed in, the newest event
	// decides the row and nothing regresses it.
	repo := subscription.NewRepository(infra.PostgresDB)
	sub, err := repo.GetByEntity(ctx, entity)
	require.NoError(t, err)
	assert.Equal(t, subscription.StateActive, sub.State)
	assert.Equal(t, baseTime.Add(4*time.Minute), sub.StateVersion.UTC())
	assert.Equal(t, "evt_race_5", sub.LastEventID)

	var count int
	err = infra.PostgresDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE entity_id = $1`, entity).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Every delivery resolved cleanly: applied when it won the serialized
	// order, stale when a newer event committed first.
	ledgerRepo := ledger.NewRepository(infra.PostgresDB)
	for _, ev := range events {
		rec, err := ledgerRepo.Get(ctx, ev.ID)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Contains(t, []ledger.Outcome{ledger.OutcomeApplied, ledger.OutcomeStaleIgnored}, rec.Outcome,
			"event %s resolved to %s", ev.ID, rec.Outcome)
	}

	newest, err := ledgerRepo.Get(ctx, "evt_race_5")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, newest.Outcome)
}

func TestReconciler_AuditTrailPerDecision(t *testing.T) {
	infra := SetupTestInfra(t)
	svc := newReconciler(infra)
	ctx := context.Background()

	entity := uniqueEntity("cus")
	auditLog := audit.NewLogger(infra.PostgresDB, createTestLogger())

	_, err := svc.Apply(ctx, subscriptionCreated(t, "evt_audit_1", entity, baseTime.Add(time.Hour)))
	require.NoError(t, err)
	_, err = svc.Apply(ctx, subscriptionCreated(t, "evt_audit_1", entity, baseTime.Add(time.Hour)))
	require.NoError(t, err)
	_, err = svc.Apply(ctx, subscriptionUpdated(t, "evt_audit_0", entity, baseTime, "active"))
	require.NoError(t, err)

	entries, err := auditLog.ListByEntity(ctx, entity, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, audit.DecisionApplied, entries[0].Decision)
	assert.Equal(t, audit.DecisionDuplicateIgnored, entries[1].Decision)
	assert.Equal(t, audit.DecisionStaleIgnored, entries[2].Decision)

	// Sequence numbers are strictly increasing.
	assert.Less(t, entries[0].Seq, entries[1].Seq)
	assert.Less(t, entries[1].Seq, entries[2].Seq)
}
