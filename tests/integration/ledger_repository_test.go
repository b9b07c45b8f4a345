package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsync/internal/ledger"
)

func TestLedgerRepository_FirstSeenThenDuplicate(t *testing.T) {
	infra := SetupTestInfra(t)
	repo := ledger.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	ev := subscriptionCreated(t, "evt_ledger_1", uniqueEntity("cus"), baseTime)

	tx, err := infra.PostgresDB.BeginTx(ctx, nil)
	require.NoError(t, err)

	cls, err := repo.ClassifyAndReserve(ctx, tx, ev, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, cls.FirstSeen)
	assert.Equal(t, 1, cls.DeliveryCount)

	require.NoError(t, repo.Finalize(ctx, tx, ev.ID, ledger.OutcomeApplied))
	require.NoError(t, tx.Commit())

	tx, err = infra.PostgresDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	cls, err = repo.ClassifyAndReserve(ctx, tx, ev, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, cls.FirstSeen)
	assert.Equal(t, ledger.OutcomeApplied, cls.PriorOutcome)
	assert.Equal(t, 2, cls.DeliveryCount)
}

func TestLedgerRepository_RollbackReleasesReservation(t *testing.T) {
	infra := SetupTestInfra(t)
	repo := ledger.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	ev := subscriptionCreated(t, "evt_ledger_rb", uniqueEntity("cus"), baseTime)

	tx, err := infra.PostgresDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = repo.ClassifyAndReserve(ctx, tx, ev, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	// The aborted reservation leaves no trace; the next delivery is first.
	rec, err := repo.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)

	tx, err = infra.PostgresDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	cls, err := repo.ClassifyAndReserve(ctx, tx, ev, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, cls.FirstSeen)
}

func TestLedgerRepository_PayloadRetained(t *testing.T) {
	infra := SetupTestInfra(t)
	repo := ledger.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	ev := subscriptionCreated(t, "evt_ledger_payload", uniqueEntity("cus"), baseTime)

	tx, err := infra.PostgresDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = repo.ClassifyAndReserve(ctx, tx, ev, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.Finalize(ctx, tx, ev.ID, ledger.OutcomeApplied))
	require.NoError(t, tx.Commit())

	rec, err := repo.Get(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, string(ev.Payload), string(rec.Payload))
	assert.Equal(t, ev.RawType, rec.EventType)
	assert.Equal(t, ev.EntityID, rec.EntityID)
}

func TestLedgerRepository_GetByIDsOrdersByProviderTime(t *testing.T) {
	infra := SetupTestInfra(t)
	repo := ledger.NewRepository(infra.PostgresDB)
	ctx := context.Background()

	entity := uniqueEntity("cus")
	events := []struct {
		id string
		at time.Time
	}{
		{"evt_order_c", baseTime.Add(2 * time.Hour)},
		{"evt_order_a", baseTime},
		{"evt_order_b", baseTime.Add(time.Hour)},
	}

	for _, e := range events {
		ev := subscriptionUpdated(t, e.id, entity, e.at, "active")
		tx, err := infra.PostgresDB.BeginTx(ctx, nil)
		require.NoError(t, err)
		_, err = repo.ClassifyAndReserve(ctx, tx, ev, time.Now().UTC())
		require.NoError(t, err)
		require.NoError(t, repo.Finalize(ctx, tx, ev.ID, ledger.OutcomeApplied))
		require.NoError(t, tx.Commit())
	}

	records, err := repo.GetByIDs(ctx, []string{"evt_order_c", "evt_order_a", "evt_order_b", "evt_missing"})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "evt_order_a", records[0].EventID)
	assert.Equal(t, "evt_order_b", records[1].EventID)
	assert.Equal(t, "evt_order_c", records[2].EventID)
}
