package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"subsync/internal/audit"
	"subsync/internal/constants"
	"subsync/internal/ledger"
	"subsync/internal/logger"
	"subsync/internal/reconciler"
	"subsync/internal/webhook"
	"subsync/pkg/metrics"
	"subsync/pkg/models"
	"subsync/pkg/retry"
)

// Applier re-enters the same reconciliation path live traffic uses, with
// re-application enabled for events whose recorded outcome is applied.
type Applier interface {
	Reapply(ctx context.Context, ev models.Event) (reconciler.Result, error)
}

// Summary is the per-outcome tally of one replay run.
type Summary struct {
	Requested  int `json:"requested"`
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
	Ignored    int `json:"ignored"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Service re-drives stored deliveries through the reconciler. Events whose
// effect is still present on the subscription row resolve to duplicates;
// events whose row was lost (a restore, a manual reset) re-apply and rebuild
// it, so running a window any number of times converges to the same state.
type Service struct {
	ledger        ledger.Repository
	auditLog      *audit.Logger
	applier       Applier
	rdb           *redis.Client
	policy        retry.Policy
	batchLimit    int
	checkpointTTL time.Duration
	logger        logger.Logger
}

func NewService(
	ledgerRepo ledger.Repository,
	auditLog *audit.Logger,
	applier Applier,
	rdb *redis.Client,
	batchLimit int,
	checkpointTTL time.Duration,
	log logger.Logger,
) *Service {
	if batchLimit <= 0 {
		batchLimit = constants.DefaultReplayBatchLimit
	}

	return &Service{
		ledger:        ledgerRepo,
		auditLog:      auditLog,
		applier:       applier,
		rdb:           rdb,
		policy:        retry.DefaultPolicy(),
		batchLimit:    batchLimit,
		checkpointTTL: checkpointTTL,
		logger:        log,
	}
}

// ReplayEvents re-drives the given event ids in provider-timestamp order.
// Ids without a ledger row or without a stored payload are counted as
// skipped.
func (s *Service) ReplayEvents(ctx context.Context, eventIDs []string) (Summary, error) {
	records, err := s.ledger.GetByIDs(ctx, eventIDs)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to load ledger records: %w", err)
	}

	summary := Summary{Requested: len(eventIDs)}
	summary.Skipped = len(eventIDs) - len(records)

	s.replayRecords(ctx, records, "", &summary)
	return summary, nil
}

// ReplayRange re-drives every event the audit log saw applied in [from, to).
// jobID names the run; an interrupted run with the same jobID resumes after
// the last checkpointed event instead of re-walking the whole window.
func (s *Service) ReplayRange(ctx context.Context, jobID string, from, to time.Time) (Summary, error) {
	ids, err := s.auditLog.ListEventIDsByTimeRange(ctx, from, to, s.batchLimit)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to resolve replay window: %w", err)
	}

	records, err := s.ledger.GetByIDs(ctx, ids)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to load ledger records: %w", err)
	}

	summary := Summary{Requested: len(ids)}
	summary.Skipped = len(ids) - len(records)

	if cursor := s.loadCheckpoint(ctx, jobID); cursor != "" {
		records = afterCursor(records, cursor)
		s.logger.InfowCtx(ctx, "Resuming replay from checkpoint",
			"job_id", jobID, "cursor", cursor, "remaining", len(records))
	}

	s.replayRecords(ctx, records, jobID, &summary)
	return summary, nil
}

func (s *Service) replayRecords(ctx context.Context, records []ledger.Record, jobID string, summary *Summary) {
	for _, rec := range records {
		if len(rec.Payload) == 0 {
			summary.Skipped++
			metrics.IncReplayEvent("skipped")
			continue
		}

		ev, err := webhook.Normalize(rec.Payload)
		if err != nil {
			s.logger.WarnwCtx(ctx, "Stored payload no longer normalizes, skipping",
				"event_id", rec.EventID, "error", err)
			summary.Skipped++
			metrics.IncReplayEvent("skipped")
			continue
		}

		var result reconciler.Result
		err = retry.Retry(ctx, s.policy, func() error {
			var applyErr error
			result, applyErr = s.applier.Reapply(ctx, ev)
			return applyErr
		})
		if err != nil {
			s.logger.ErrorwCtx(ctx, "Replay of event failed", "event_id", rec.EventID, "error", err)
			summary.Failed++
			metrics.IncReplayEvent("failed")
			continue
		}

		switch {
		case result.Duplicate:
			summary.Duplicates++
			metrics.IncReplayEvent("duplicate")
		case result.Outcome == ledger.OutcomeApplied:
			summary.Applied++
			metrics.IncReplayEvent("applied")
		default:
			summary.Ignored++
			metrics.IncReplayEvent("ignored")
		}

		if jobID != "" {
			s.storeCheckpoint(ctx, jobID, rec.EventID)
		}
	}
}

func (s *Service) loadCheckpoint(ctx context.Context, jobID string) string {
	if s.rdb == nil || jobID == "" {
		return ""
	}
	cursor, err := s.rdb.Get(ctx, constants.ReplayCheckpointPrefix+jobID).Result()
	if err != nil {
		if err != redis.Nil {
			s.logger.WarnwCtx(ctx, "Failed to read replay checkpoint", "job_id", jobID, "error", err)
		}
		return ""
	}
	return cursor
}

func (s *Service) storeCheckpoint(ctx context.Context, jobID, eventID string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Set(ctx, constants.ReplayCheckpointPrefix+jobID, eventID, s.checkpointTTL).Err(); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to store replay checkpoint", "job_id", jobID, "error", err)
	}
}

// afterCursor drops every record up to and including the checkpointed event.
// The records keep ledger order, so everything before the cursor already
// committed in the interrupted run.
func afterCursor(records []ledger.Record, cursor string) []ledger.Record {
	for i, rec := range records {
		if rec.EventID == cursor {
			return records[i+1:]
		}
	}
	return records
}
