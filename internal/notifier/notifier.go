package notifier

import (
	"context"
	"encoding/json"
	"time"

	"subsync/internal/broker"
	"subsync/internal/config"
	"subsync/internal/constants"
	"subsync/internal/logger"
	pkgerrors "subsync/pkg/errors"
	"subsync/pkg/metrics"
	"subsync/pkg/models"
	"subsync/pkg/retry"
)

// Publisher fans committed subscription state changes out to the broker.
// Delivery is best-effort: the state mutation is already durable, so a
// publish failure is logged and counted, never surfaced to the caller.
type Publisher struct {
	producer broker.Producer
	topic    string
	policy   retry.Policy
	logger   logger.Logger
}

func NewPublisher(producer broker.Producer, cfg config.KafkaConfig, log logger.Logger) *Publisher {
	policy := retry.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		Multiplier:      cfg.Retry.Multiplier,
		MaxElapsedTime:  cfg.Retry.MaxElapsedTime,
	}
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}

	return &Publisher{
		producer: producer,
		topic:    cfg.StateChangeTopic,
		policy:   policy,
		logger:   log,
	}
}

// PublishStateChange hands the change to the broker in the background and
// returns immediately; a broker outage never holds up the webhook ack.
func (p *Publisher) PublishStateChange(ctx context.Context, change models.StateChange) {
	if change.ChangedAt.IsZero() {
		change.ChangedAt = time.Now().UTC()
	}

	value, err := json.Marshal(change)
	if err != nil {
		p.logger.ErrorwCtx(ctx, "Failed to marshal state change", "error", err, "event_id", change.EventID)
		metrics.StateChangesPublishedTotal.WithLabelValues("error").Inc()
		return
	}

	// The mutation is already committed, so delivery runs off the request
	// path. The detached context keeps the retry loop alive after the
	// webhook ack while still bounding it.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.StateChangePublishTimeout)
	go func() {
		defer cancel()
		defer func() {
			if rErr := pkgerrors.RecoverPanic(recover()); rErr != nil {
				p.logger.ErrorwCtx(pubCtx, "Panic while publishing state change",
					"error", rErr, "event_id", change.EventID)
			}
		}()
		p.publish(pubCtx, change, value)
	}()
}

func (p *Publisher) publish(ctx context.Context, change models.StateChange, value []byte) {
	err := retry.Retry(ctx, p.policy, func() error {
		return p.producer.Publish(ctx, p.topic, change.EntityID, value)
	})
	if err != nil {
		p.logger.ErrorwCtx(ctx, "Failed to publish state change",
			"error", err,
			"event_id", change.EventID,
			"entity_id", change.EntityID,
			"topic", p.topic,
		)
		metrics.StateChangesPublishedTotal.WithLabelValues("error").Inc()
		return
	}

	metrics.StateChangesPublishedTotal.WithLabelValues("success").Inc()
	p.logger.DebugwCtx(ctx, "State change published",
		"event_id", change.EventID,
		"entity_id", change.EntityID,
		"from_state", change.FromState,
		"to_state", change.ToState,
	)
}
