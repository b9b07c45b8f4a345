package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"subsync/internal/audit"
	"subsync/internal/ledger"
	"subsync/internal/logger"
	"subsync/internal/subscription"
	pkgerrors "subsync/pkg/errors"
	"subsync/pkg/metrics"
	"subsync/pkg/models"
)

// Result is what a single delivery resolved to. For redeliveries Outcome is
// the outcome recorded when the event was first processed.
type Result struct {
	Outcome       ledger.Outcome
	Duplicate     bool
	DeliveryCount int
}

// Notifier publishes committed state changes. Implementations must not
// return delivery failures to the reconciler; the mutation is already
// durable by the time they run.
type Notifier interface {
	PublishStateChange(ctx context.Context, change models.StateChange)
}

type Service struct {
	db        *sql.DB
	ledger    ledger.Repository
	subs      subscription.Store
	auditLog  *audit.Logger
	notifier  Notifier
	logger    logger.Logger
	txTimeout time.Duration
}

func NewService(
	db *sql.DB,
	ledgerRepo ledger.Repository,
	subs subscription.Store,
	auditLog *audit.Logger,
	notifier Notifier,
	log logger.Logger,
	txTimeout time.Duration,
) *Service {
	return &Service{
		db:        db,
		ledger:    ledgerRepo,
		subs:      subs,
		auditLog:  auditLog,
		notifier:  notifier,
		logger:    log,
		txTimeout: txTimeout,
	}
}

// Apply processes one normalized event in a single transaction: classify it
// against the idempotency ledger, mutate subscription state when the event
// is new and not stale, and record the audit entry, all atomic with the
// ledger outcome. Redeliveries return the recorded outcome without touching
// subscription state.
func (s *Service) Apply(ctx context.Context, ev models.Event) (Result, error) {
	return s.apply(ctx, ev, false)
}

// Reapply is the replay entry point. A redelivery whose recorded outcome is
// applied goes back through the entity-locked transition path instead of
// short-circuiting, so replaying an audited window rebuilds a subscription
// row that a restore lost. The staleness comparison makes re-application a
// no-op whenever the row already carries the event's effect.
func (s *Service) Reapply(ctx context.Context, ev models.Event) (Result, error) {
	return s.apply(ctx, ev, true)
}

func (s *Service) apply(ctx context.Context, ev models.Event, reapply bool) (Result, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, s.transient(ctx, err, "failed to begin reconciliation transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	cls, err := s.ledger.ClassifyAndReserve(ctx, tx, ev, now)
	if err != nil {
		return Result{}, s.transient(ctx, err, "ledger classification failed")
	}

	if !cls.FirstSeen {
		// Only replayed events with an applied outcome re-enter the
		// transition path; every other redelivery resolves to whatever the
		// ledger recorded.
		if !reapply || cls.PriorOutcome != ledger.OutcomeApplied {
			return s.resolveDuplicate(ctx, tx, ev, cls, start)
		}
	}

	if !ev.Type.Known() {
		return s.resolveIgnored(ctx, tx, ev, ledger.OutcomeUnknownTypeIgnored, audit.Entry{
			EventID:   ev.ID,
			EventType: ev.RawType,
			EntityID:  ev.EntityID,
			Decision:  audit.DecisionUnknownIgnored,
			Reason:    fmt.Sprintf("unrecognized event type '%s'", ev.RawType),
		}, start)
	}

	if err := s.subs.LockEntity(ctx, tx, ev.EntityID); err != nil {
		return Result{}, s.transient(ctx, err, "failed to lock entity")
	}

	current, err := s.subs.GetCurrent(ctx, tx, ev.EntityID)
	if err != nil {
		return Result{}, s.transient(ctx, err, "failed to load subscription")
	}

	change, stale, err := s.mutate(ctx, tx, current, ev)
	if err != nil {
		return Result{}, s.transient(ctx, err, "failed to mutate subscription")
	}

	if stale {
		// A reapplied event that comes back stale already left its mark on
		// the row; the recorded outcome stays untouched.
		if !cls.FirstSeen {
			return s.resolveDuplicate(ctx, tx, ev, cls, start)
		}
		return s.resolveIgnored(ctx, tx, ev, ledger.OutcomeStaleIgnored, audit.Entry{
			EventID:   ev.ID,
			EventType: ev.RawType,
			EntityID:  ev.EntityID,
			Decision:  audit.DecisionStaleIgnored,
			Reason:    fmt.Sprintf("event at %s is older than state version %s", ev.OccurredAt.Format(time.RFC3339), current.StateVersion.Format(time.RFC3339)),
		}, start)
	}

	entry := audit.Entry{
		EventID:   ev.ID,
		EventType: ev.RawType,
		EntityID:  ev.EntityID,
		Decision:  audit.DecisionApplied,
	}
	if change.FromState == change.ToState && change.FromState != "" {
		entry.Reason = "state unchanged, version advanced"
	}
	if !cls.FirstSeen {
		entry.Reason = fmt.Sprintf("reapplied on delivery %d", cls.DeliveryCount)
	}
	if err := s.auditLog.Append(ctx, tx, entry); err != nil {
		return Result{}, s.transient(ctx, err, "failed to append audit entry")
	}

	if err := s.ledger.Finalize(ctx, tx, ev.ID, ledger.OutcomeApplied); err != nil {
		return Result{}, s.transient(ctx, err, "failed to finalize ledger outcome")
	}

	if err := tx.Commit(); err != nil {
		return Result{}, s.transient(ctx, err, "failed to commit reconciliation")
	}

	metrics.ObserveReconcileDuration(time.Since(start), string(ledger.OutcomeApplied))
	if change.FromState != change.ToState {
		metrics.IncTransition(change.FromState, change.ToState)
		if s.notifier != nil {
			s.notifier.PublishStateChange(ctx, change)
		}
	}

	s.logger.InfowCtx(ctx, "Event applied",
		"event_id", ev.ID,
		"event_type", ev.RawType,
		"entity_id", ev.EntityID,
		"from_state", change.FromState,
		"to_state", change.ToState,
	)

	return Result{Outcome: ledger.OutcomeApplied, DeliveryCount: cls.DeliveryCount}, nil
}

// mutate applies ev to the entity's current lifecycle row. It reports
// stale=true when the event is at or before the row's state version and
// must leave the row untouched.
func (s *Service) mutate(ctx context.Context, tx *sql.Tx, current *subscription.Subscription, ev models.Event) (models.StateChange, bool, error) {
	change := models.StateChange{
		EventID:    ev.ID,
		EntityID:   ev.EntityID,
		OccurredAt: ev.OccurredAt,
		ChangedAt:  time.Now().UTC(),
	}

	if current == nil {
		sub := &subscription.Subscription{
			EntityID:     ev.EntityID,
			State:        subscription.InitialState(ev),
			PlanID:       planOrDefault(ev.PlanID, subscription.PlanFree),
			StateVersion: ev.OccurredAt,
			LastEventID:  ev.ID,
		}
		if err := s.subs.Insert(ctx, tx, sub); err != nil {
			return change, false, err
		}
		change.ToState = string(sub.State)
		change.PlanID = sub.PlanID
		return change, false, nil
	}

	if isStale(current, ev) {
		return change, true, nil
	}

	// A creation event after cancellation starts a fresh lifecycle. The old
	// row stays behind as history.
	if current.State == subscription.StateCanceled && ev.Type == models.EventTypeSubscriptionCreated {
		sub := &subscription.Subscription{
			EntityID:     ev.EntityID,
			State:        subscription.InitialState(ev),
			PlanID:       planOrDefault(ev.PlanID, subscription.PlanFree),
			StateVersion: ev.OccurredAt,
			LastEventID:  ev.ID,
		}
		if err := s.subs.Insert(ctx, tx, sub); err != nil {
			return change, false, err
		}
		change.FromState = string(subscription.StateCanceled)
		change.ToState = string(sub.State)
		change.PlanID = sub.PlanID
		return change, false, nil
	}

	next, defined := subscription.Next(current.State, ev)

	change.FromState = string(current.State)
	change.ToState = string(next)

	current.StateVersion = ev.OccurredAt
	current.LastEventID = ev.ID
	if defined {
		current.State = next
		if ev.PlanID != "" {
			current.PlanID = ev.PlanID
		}
	}
	change.PlanID = current.PlanID

	if err := s.subs.Update(ctx, tx, current); err != nil {
		return change, false, err
	}
	return change, false, nil
}

// isStale compares the event against the row's state version. Equal
// timestamps fall back to an event id comparison so two events stamped in
// the same second resolve the same way on every replay.
func isStale(current *subscription.Subscription, ev models.Event) bool {
	if ev.OccurredAt.Before(current.StateVersion) {
		return true
	}
	return ev.OccurredAt.Equal(current.StateVersion) && ev.ID <= current.LastEventID
}

func (s *Service) resolveDuplicate(ctx context.Context, tx *sql.Tx, ev models.Event, cls ledger.Classification, start time.Time) (Result, error) {
	metrics.LedgerDuplicatesTotal.WithLabelValues(string(cls.PriorOutcome)).Inc()

	entry := audit.Entry{
		EventID:   ev.ID,
		EventType: ev.RawType,
		EntityID:  ev.EntityID,
		Decision:  audit.DecisionDuplicateIgnored,
		Reason:    fmt.Sprintf("delivery %d, prior outcome '%s'", cls.DeliveryCount, cls.PriorOutcome),
	}
	if err := s.auditLog.Append(ctx, tx, entry); err != nil {
		return Result{}, s.transient(ctx, err, "failed to append audit entry")
	}

	if err := tx.Commit(); err != nil {
		return Result{}, s.transient(ctx, err, "failed to commit duplicate bookkeeping")
	}

	metrics.ObserveReconcileDuration(time.Since(start), string(ledger.OutcomeDuplicateIgnored))
	s.logger.DebugwCtx(ctx, "Duplicate delivery ignored",
		"event_id", ev.ID,
		"delivery_count", cls.DeliveryCount,
		"prior_outcome", string(cls.PriorOutcome),
	)

	return Result{Outcome: cls.PriorOutcome, Duplicate: true, DeliveryCount: cls.DeliveryCount}, nil
}

func (s *Service) resolveIgnored(ctx context.Context, tx *sql.Tx, ev models.Event, outcome ledger.Outcome, entry audit.Entry, start time.Time) (Result, error) {
	if err := s.auditLog.Append(ctx, tx, entry); err != nil {
		return Result{}, s.transient(ctx, err, "failed to append audit entry")
	}
	if err := s.ledger.Finalize(ctx, tx, ev.ID, outcome); err != nil {
		return Result{}, s.transient(ctx, err, "failed to finalize ledger outcome")
	}
	if err := tx.Commit(); err != nil {
		return Result{}, s.transient(ctx, err, "failed to commit reconciliation")
	}

	metrics.ObserveReconcileDuration(time.Since(start), string(outcome))
	s.logger.InfowCtx(ctx, "Event ignored",
		"event_id", ev.ID,
		"event_type", ev.RawType,
		"outcome", string(outcome),
		"reason", entry.Reason,
	)

	return Result{Outcome: outcome, DeliveryCount: 1}, nil
}

// transient maps storage failures onto retryable service errors so the
// ingress layer answers with a status that makes the provider redeliver.
func (s *Service) transient(ctx context.Context, err error, msg string) error {
	s.logger.ErrorwCtx(ctx, "Reconciliation failed", "error", err, "detail", msg)

	if errors.Is(err, context.DeadlineExceeded) {
		return pkgerrors.ErrTimeout.WithCause(err).WithDetail("message", msg)
	}
	return pkgerrors.ErrServiceUnavailable.WithCause(err).WithDetail("message", msg).AsRetryable()
}

func planOrDefault(planID, fallback string) string {
	if planID != "" {
		return planID
	}
	return fallback
}
