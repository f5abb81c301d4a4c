package retry

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/slot181/transit-filter-api/internal/apierror"
	"github.com/slot181/transit-filter-api/internal/config"
)

const maxBackoff = 10 * time.Second

// Engine wraps primary-provider calls with bounded exponential-backoff
// retries. Moderation calls are never retried through it.
type Engine struct {
	cfg    config.TimeoutConfig
	logger *logrus.Logger
}

// NewEngine creates a retry engine for the configured timing
func NewEngine(cfg config.TimeoutConfig, logger *logrus.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger}
}

// Func is one attempt of the wrapped call
type Func[T any] func(ctx context.Context) (T, error)

// Do runs fn until it succeeds or the retry budget is spent. The last error
// is returned as-is so the provider's real response envelope survives; no
// synthetic timeout error replaces it.
func Do[T any](ctx context.Context, e *Engine, fn Func[T]) (T, error) {
	var zero T
	start := time.Now()

	var lastErr error
	for attempt := 1; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !e.cfg.EnableRetry || apierror.IsNonRetryable(err) {
			return zero, lastErr
		}
		if attempt >= e.cfg.MaxRetryCount {
			return zero, lastErr
		}

		delay := backoff(e.cfg.RetryDelay, attempt)
		if time.Since(start)+delay >= e.cfg.MaxRetryTime {
			return zero, lastErr
		}

		e.logger.WithFields(logrus.Fields{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		}).Warn("Provider call failed, retrying after backoff")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// backoff computes the capped exponential delay before retry n+1
func backoff(base time.Duration, attempt int) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(1.5, float64(attempt-1)))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}
