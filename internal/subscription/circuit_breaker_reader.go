package subscription

import (
	"context"
	"fmt"

	"github.com/sony/gobreaker"

	"subsync/internal/config"
	"subsync/pkg/circuitbreaker"
	pkgerrors "subsync/pkg/errors"
)

// CircuitBreakerReader shields the query API from a struggling database.
// The ingest path is not wrapped: a reconciliation transaction must fail
// with its own transient error so the provider retries.
type CircuitBreakerReader struct {
	reader Reader
	cb     *circuitbreaker.Wrapper
}

func NewCircuitBreakerReader(reader Reader, cfg config.CircuitBreakerConfig) *CircuitBreakerReader {
	if !cfg.Enabled {
		return &CircuitBreakerReader{reader: reader}
	}

	cbConfig := circuitbreaker.DefaultConfig("subscription-read")
	if cfg.MaxRequests > 0 {
		cbConfig.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbConfig.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		cbConfig.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 && cfg.MinRequests > 0 {
		cbConfig.ReadyToTrip = func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(cfg.MinRequests) {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		}
	}

	return &CircuitBreakerReader{
		reader: reader,
		cb:     circuitbreaker.NewWrapper(cbConfig),
	}
}

// notFoundResult carries a not-found error through the breaker without
// counting it as a backend failure.
type notFoundResult struct {
	err error
}

func (r *CircuitBreakerReader) GetByEntity(ctx context.Context, entityID string) (*Subscription, error) {
	if r.cb == nil {
		return r.reader.GetByEntity(ctx, entityID)
	}

	result, err := r.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		sub, err := r.reader.GetByEntity(ctx, entityID)
		if err != nil && pkgerrors.IsNotFound(err) {
			return notFoundResult{err: err}, nil
		}
		return sub, err
	})

	r.cb.RecordRequest(err == nil)

	if err != nil {
		if r.cb.IsOpen() {
			return nil, fmt.Errorf("circuit breaker is open for subscription-read: %w", err)
		}
		return nil, err
	}

	switch v := result.(type) {
	case notFoundResult:
		return nil, v.err
	case *Subscription:
		return v, nil
	default:
		return nil, fmt.Errorf("reader returned invalid result type")
	}
}
