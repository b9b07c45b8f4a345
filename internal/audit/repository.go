package audit

import (
	"context"
	"database/sql"
	"time"

	"subsync/internal/logger"
	"subsync/pkg/errors"
	"subsync/pkg/metrics"
)

// Querier lets Append run against either the reconciliation transaction
// or the bare connection pool for best-effort writes.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type Logger struct {
	db  *sql.DB
	log logger.Logger
}

func NewLogger(db *sql.DB, log logger.Logger) *Logger {
	return &Logger{db: db, log: log}
}

// Append writes a single entry through q. Sequence numbers are assigned by
// the database, so entries committed in the same transaction as a ledger
// update remain ordered with it.
func (l *Logger) Append(ctx context.Context, q Querier, entry Entry) error {
	query := `
		INSERT INTO billing_audit_log (event_id, event_type, entity_id, decision, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var entityID *string
	if entry.EntityID != "" {
		entityID = &entry.EntityID
	}

	var reason *string
	if entry.Reason != "" {
		reason = &entry.Reason
	}

	start := time.Now()
	_, err := q.ExecContext(ctx, query,
		entry.EventID, entry.EventType, entityID, entry.Decision, reason, createdAt,
	)

	if err != nil {
		metrics.IncDatabaseQuery("insert", "error")
		metrics.AuditAppendFailuresTotal.Inc()
		return errors.ErrServiceUnavailable.WithCause(err).WithDetail("message", "failed to append audit entry")
	}

	metrics.IncDatabaseQuery("insert", "success")
	l.log.DebugwCtx(ctx, "Audit entry appended",
		"event_id", entry.EventID,
		"decision", entry.Decision,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// AppendBestEffort records an entry outside any transaction. Failures are
// logged and swallowed so rejection bookkeeping never masks the response
// the caller owes the provider.
func (l *Logger) AppendBestEffort(ctx context.Context, entry Entry) {
	if err := l.Append(ctx, l.db, entry); err != nil {
		l.log.WarnwCtx(ctx, "Best-effort audit append failed", "error", err, "event_id", entry.EventID)
	}
}

func (l *Logger) ListByEntity(ctx context.Context, entityID string, limit int) ([]Entry, error) {
	query := `
		SELECT seq, event_id, event_type, COALESCE(entity_id, ''), decision, COALESCE(reason, ''), created_at
		FROM billing_audit_log
		WHERE entity_id = $1
		ORDER BY seq ASC
		LIMIT $2
	`
	return l.list(ctx, query, entityID, limit)
}

func (l *Logger) ListByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]Entry, error) {
	query := `
		SELECT seq, event_id, event_type, COALESCE(entity_id, ''), decision, COALESCE(reason, ''), created_at
		FROM billing_audit_log
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY seq ASC
		LIMIT $3
	`
	return l.list(ctx, query, from, to, limit)
}

// ListEventIDsByTimeRange returns the distinct event ids of entries that
// were applied in [from, to), in first-seen order. Replay uses this to
// build a job's worklist.
func (l *Logger) ListEventIDsByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]string, error) {
	query := `
		SELECT event_id
		FROM billing_audit_log
		WHERE created_at >= $1 AND created_at < $2 AND decision = $3
		GROUP BY event_id
		ORDER BY MIN(seq) ASC
		LIMIT $4
	`

	rows, err := l.db.QueryContext(ctx, query, from, to, DecisionApplied, limit)
	if err != nil {
		metrics.IncDatabaseQuery("select", "error")
		return nil, errors.ErrServiceUnavailable.WithCause(err)
	}
	metrics.IncDatabaseQuery("select", "success")
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.ErrInternal.WithCause(err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (l *Logger) list(ctx context.Context, query string, args ...interface{}) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		metrics.IncDatabaseQuery("select", "error")
		return nil, errors.ErrServiceUnavailable.WithCause(err)
	}
	metrics.IncDatabaseQuery("select", "success")
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.EventID, &e.EventType, &e.EntityID, &e.Decision, &e.Reason, &e.CreatedAt); err != nil {
			return nil, errors.ErrInternal.WithCause(err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
