package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsync/internal/audit"
)

func TestAuditLogger_AppendAndListByEntity(t *testing.T) {
	infra := SetupTestInfra(t)
	auditLog := audit.NewLogger(infra.PostgresDB, createTestLogger())
	ctx := context.Background()

	entity := uniqueEntity("cus")

	entries := []audit.Entry{
		{EventID: "evt_a1", EventType: "invoice.paid", EntityID: entity, Decision: audit.DecisionApplied},
		{EventID: "evt_a1", EventType: "invoice.paid", EntityID: entity, Decision: audit.DecisionDuplicateIgnored, Reason: "delivery 2"},
		{EventID: "evt_a2", EventType: "customer.subscription.updated", EntityID: entity, Decision: audit.DecisionStaleIgnored, Reason: "older than state version"},
	}
	for _, e := range entries {
		require.NoError(t, auditLog.Append(ctx, infra.PostgresDB, e))
	}

	listed, err := auditLog.ListByEntity(ctx, entity, 10)
	require.NoError(t, err)
	require.Len(t, listed, 3)

	assert.Equal(t, audit.DecisionApplied, listed[0].Decision)
	assert.Equal(t, "delivery 2", listed[1].Reason)
	assert.Equal(t, audit.DecisionStaleIgnored, listed[2].Decision)
	for _, e := range listed {
		assert.NotZero(t, e.Seq)
		assert.False(t, e.CreatedAt.IsZero())
	}
}

func TestAuditLogger_AppendWithinTransactionRollsBack(t *testing.T) {
	infra := SetupTestInfra(t)
	auditLog := audit.NewLogger(infra.PostgresDB, createTestLogger())
	ctx := context.Background()

	entity := uniqueEntity("cus")

	tx, err := infra.PostgresDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, auditLog.Append(ctx, tx, audit.Entry{
		EventID: "evt_tx", EventType: "invoice.paid", EntityID: entity, Decision: audit.DecisionApplied,
	}))
	require.NoError(t, tx.Rollback())

	listed, err := auditLog.ListByEntity(ctx, entity, 10)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestAuditLogger_ListByTimeRange(t *testing.T) {
	infra := SetupTestInfra(t)
	auditLog := audit.NewLogger(infra.PostgresDB, createTestLogger())
	ctx := context.Background()

	entity := uniqueEntity("cus")
	inside := time.Date(2023, 11, 14, 12, 0, 0, 0, time.UTC)

	require.NoError(t, auditLog.Append(ctx, infra.PostgresDB, audit.Entry{
		EventID: "evt_range_in", EventType: "invoice.paid", EntityID: entity,
		Decision: audit.DecisionApplied, CreatedAt: inside,
	}))
	require.NoError(t, auditLog.Append(ctx, infra.PostgresDB, audit.Entry{
		EventID: "evt_range_out", EventType: "invoice.paid", EntityID: entity,
		Decision: audit.DecisionApplied, CreatedAt: inside.Add(48 * time.Hour),
	}))

	listed, err := auditLog.ListByTimeRange(ctx, inside.Add(-time.Hour), inside.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "evt_range_in", listed[0].EventID)
}

func TestAuditLogger_ListEventIDsByTimeRange(t *testing.T) {
	infra := SetupTestInfra(t)
	auditLog := audit.NewLogger(infra.PostgresDB, createTestLogger())
	ctx := context.Background()

	entity := uniqueEntity("cus")
	at := time.Date(2023, 11, 14, 12, 0, 0, 0, time.UTC)

	// Applied events are listed once each; ignored decisions are excluded.
	require.NoError(t, auditLog.Append(ctx, infra.PostgresDB, audit.Entry{
		EventID: "evt_ids_1", EventType: "invoice.paid", EntityID: entity,
		Decision: audit.DecisionApplied, CreatedAt: at,
	}))
	require.NoError(t, auditLog.Append(ctx, infra.PostgresDB, audit.Entry{
		EventID: "evt_ids_1", EventType: "invoice.paid", EntityID: entity,
		Decision: audit.DecisionDuplicateIgnored, CreatedAt: at.Add(time.Minute),
	}))
	require.NoError(t, auditLog.Append(ctx, infra.PostgresDB, audit.Entry{
		EventID: "evt_ids_2", EventType: "invoice.paid", EntityID: entity,
		Decision: audit.DecisionApplied, CreatedAt: at.Add(2 * time.Minute),
	}))
	require.NoError(t, auditLog.Append(ctx, infra.PostgresDB, audit.Entry{
		EventID: "evt_ids_3", EventType: "customer.subscription.updated", EntityID: entity,
		Decision: audit.DecisionStaleIgnored, CreatedAt: at.Add(3 * time.Minute),
	}))

	ids, err := auditLog.ListEventIDsByTimeRange(ctx, at.Add(-time.Hour), at.Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt_ids_1", "evt_ids_2"}, ids)
}
