package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"subsync/pkg/models"
)

type Repository interface {
	ClassifyAndReserve(ctx context.Context, tx *sql.Tx, ev models.Event, now time.Time) (Classification, error)
	Finalize(ctx context.Context, tx *sql.Tx, eventID string, outcome Outcome) error
	Get(ctx context.Context, eventID string) (*Record, error)
	GetByIDs(ctx context.Context, eventIDs []string) ([]Record, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ClassifyAndReserve inserts the ledger row for a first delivery, or bumps
// the delivery count for a redelivery. Concurrent deliveries of the same
// event identifier serialize on the primary key: the loser blocks until the
// winner commits and then observes its recorded outcome, so exactly one
// caller ever sees FirstSeen.
func (r *PostgresRepository) ClassifyAndReserve(ctx context.Context, tx *sql.Tx, ev models.Event, now time.Time) (Classification, error) {
	query := `
		INSERT INTO webhook_events (event_id, event_type, entity_id, provider_ts, payload, outcome, first_seen_at, last_seen_at, delivery_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 1)
		ON CONFLICT (event_id) DO UPDATE
		SET last_seen_at = EXCLUDED.last_seen_at,
		    delivery_count = webhook_events.delivery_count + 1
		RETURNING outcome, delivery_count
	`

	var payload interface{}
	if len(ev.Payload) > 0 {
		payload = ev.Payload
	}

	var outcome string
	var count int
	err := tx.QueryRowContext(ctx, query,
		ev.ID, ev.RawType, ev.EntityID, ev.OccurredAt, payload, string(OutcomePending), now,
	).Scan(&outcome, &count)
	if err != nil {
		return Classification{}, fmt.Errorf("failed to reserve ledger row: %w", err)
	}

	return Classification{
		FirstSeen:     count == 1,
		PriorOutcome:  Outcome(outcome),
		DeliveryCount: count,
	}, nil
}

func (r *PostgresRepository) Finalize(ctx context.Context, tx *sql.Tx, eventID string, outcome Outcome) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE webhook_events SET outcome = $2 WHERE event_id = $1`,
		eventID, string(outcome),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize ledger row: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("ledger row for event %s not found", eventID)
	}

	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, eventID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT event_id, event_type, entity_id, provider_ts, payload, outcome, first_seen_at, last_seen_at, delivery_count
		FROM webhook_events
		WHERE event_id = $1
	`, eventID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger row: %w", err)
	}
	return rec, nil
}

func (r *PostgresRepository) GetByIDs(ctx context.Context, eventIDs []string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, event_type, entity_id, provider_ts, payload, outcome, first_seen_at, last_seen_at, delivery_count
		FROM webhook_events
		WHERE event_id = ANY($1)
		ORDER BY provider_ts, event_id
	`, pq.Array(eventIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger rows: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		records = append(records, *rec)
	}

	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var providerTS sql.NullTime
	var payload []byte
	var outcome string

	if err := s.Scan(
		&rec.EventID, &rec.EventType, &rec.EntityID, &providerTS, &payload,
		&outcome, &rec.FirstSeenAt, &rec.LastSeenAt, &rec.DeliveryCount,
	); err != nil {
		return nil, err
	}

	if providerTS.Valid {
		rec.ProviderTS = providerTS.Time
	}
	rec.Payload = payload
	rec.Outcome = Outcome(outcome)
	return &rec, nil
}
