package webhook

import (
	"context"
	stderrors "errors"

	"subsync/internal/audit"
	"subsync/internal/logger"
	"subsync/internal/reconciler"
	"subsync/pkg/errors"
	"subsync/pkg/metrics"
	"subsync/pkg/models"
)

// Reconciler resolves one normalized event to a durable outcome.
type Reconciler interface {
	Apply(ctx context.Context, ev models.Event) (reconciler.Result, error)
}

// Service is the ingress pipeline: authenticate the raw delivery, normalize
// it, then hand it to the reconciler.
type Service struct {
	verifier   *Verifier
	reconciler Reconciler
	auditLog   *audit.Logger
	logger     logger.Logger
}

func NewService(verifier *Verifier, rec Reconciler, auditLog *audit.Logger, log logger.Logger) *Service {
	return &Service{
		verifier:   verifier,
		reconciler: rec,
		auditLog:   auditLog,
		logger:     log,
	}
}

// ProcessDelivery runs the full ingress pipeline for one raw delivery.
// Signature and structural failures return before anything durable is
// written, except for a best-effort rejection row in the audit log.
func (s *Service) ProcessDelivery(ctx context.Context, signatureHeader string, body []byte) (reconciler.Result, error) {
	if !s.verifier.Enabled() {
		s.logger.WarnwCtx(ctx, "Signing secret not configured, accepting unsigned delivery")
	} else if err := s.verifier.Verify(signatureHeader, body); err != nil {
		reason := failureReason(err)
		metrics.IncSignatureFailure(reason)
		metrics.IncDelivery("rejected")

		// Payload-free by design: nothing unauthenticated is stored.
		s.auditLog.AppendBestEffort(ctx, audit.Entry{
			EventID:  "unverified",
			Decision: audit.DecisionRejected,
			Reason:   "signature_invalid: " + reason,
		})
		return reconciler.Result{}, err
	}

	ev, err := Normalize(body)
	if err != nil {
		metrics.IncDelivery("malformed")
		s.auditLog.AppendBestEffort(ctx, audit.Entry{
			EventID:  rejectedEventID(err),
			Decision: audit.DecisionRejected,
			Reason:   err.Error(),
		})
		return reconciler.Result{}, err
	}

	result, err := s.reconciler.Apply(ctx, ev)
	if err != nil {
		metrics.IncDelivery("failed")
		return reconciler.Result{}, err
	}

	metrics.IncDelivery(string(result.Outcome))
	return result, nil
}

// rejectedEventID pulls the envelope id out of a normalization error when
// the body parsed far enough to carry one, so the rejection row in the
// audit log stays traceable to the provider's event.
func rejectedEventID(err error) string {
	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		if id, ok := appErr.Details["event_id"].(string); ok && id != "" {
			return id
		}
	}
	return "malformed"
}

// failureReason extracts the verifier's reason detail for metric labels.
func failureReason(err error) string {
	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		if reason, ok := appErr.Details["reason"].(string); ok {
			return reason
		}
	}
	return "unknown"
}
