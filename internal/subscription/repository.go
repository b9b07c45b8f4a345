package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	pkgerrors "subsync/pkg/errors"
)

// Store is the write-side interface used inside a reconciliation
// transaction.
type Store interface {
	LockEntity(ctx context.Context, tx *sql.Tx, entityID string) error
	GetCurrent(ctx context.Context, tx *sql.Tx, entityID string) (*Subscription, error)
	Insert(ctx context.Context, tx *sql.Tx, sub *Subscription) error
	Update(ctx context.Context, tx *sql.Tx, sub *Subscription) error
}

// Reader is the read path served to the query API.
type Reader interface {
	GetByEntity(ctx context.Context, entityID string) (*Subscription, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// LockEntity serializes all reconciliation work for one entity within the
// transaction. The lock is released on commit or rollback. Different
// entities hash to different lock keys and proceed in parallel.
func (r *PostgresRepository) LockEntity(ctx context.Context, tx *sql.Tx, entityID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, entityID); err != nil {
		return fmt.Errorf("failed to lock entity %s: %w", entityID, err)
	}
	return nil
}

// GetCurrent returns the entity's most recent lifecycle row, or nil when the
// entity has never been seen.
func (r *PostgresRepository) GetCurrent(ctx context.Context, tx *sql.Tx, entityID string) (*Subscription, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, entity_id, state, plan_id, state_version, last_event_id, created_at, updated_at
		FROM subscriptions
		WHERE entity_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, entityID)

	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, tx *sql.Tx, sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	_, err := tx.ExecContext(ctx, `
		INSERT INTO subscriptions (id, entity_id, state, plan_id, state_version, last_event_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sub.ID, sub.EntityID, string(sub.State), sub.PlanID, sub.StateVersion, sub.LastEventID, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, tx *sql.Tx, sub *Subscription) error {
	sub.UpdatedAt = time.Now()

	res, err := tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET state = $2, plan_id = $3, state_version = $4, last_event_id = $5, updated_at = $6
		WHERE id = $1
	`, sub.ID, string(sub.State), sub.PlanID, sub.StateVersion, sub.LastEventID, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("subscription %s not found", sub.ID)
	}
	return nil
}

func (r *PostgresRepository) GetByEntity(ctx context.Context, entityID string) (*Subscription, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, entity_id, state, plan_id, state_version, last_event_id, created_at, updated_at
		FROM subscriptions
		WHERE entity_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, entityID)

	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrNotFound.WithDetail("message", fmt.Sprintf("no subscription for entity '%s'", entityID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	var sub Subscription
	var state string
	if err := s.Scan(
		&sub.ID, &sub.EntityID, &state, &sub.PlanID,
		&sub.StateVersion, &sub.LastEventID, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.State = State(state)
	return &sub, nil
}
