package health

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	tripDuration = time.Minute
	tickInterval = 10 * time.Second
)

// ProviderBreaker is the failure-window circuit breaker guarding the primary
// provider. The moderation path has no breaker of its own: when the primary
// cannot serve, spending moderation budget is pointless, so moderation
// availability is coupled to this breaker.
type ProviderBreaker struct {
	maxErrors   int
	errorWindow time.Duration
	logger      *logrus.Logger

	mu              sync.Mutex
	failureCount    int
	lastFailureTime time.Time
	tripped         bool
	resetTime       time.Time

	ticker  *time.Ticker
	stop    chan struct{}
	stopped bool
}

// NewProviderBreaker creates a breaker and starts its maintenance tick
func NewProviderBreaker(maxErrors int, errorWindow time.Duration, logger *logrus.Logger) *ProviderBreaker {
	b := &ProviderBreaker{
		maxErrors:   maxErrors,
		errorWindow: errorWindow,
		logger:      logger,
		stop:        make(chan struct{}),
	}

	b.ticker = time.NewTicker(tickInterval)
	go func() {
		for {
			select {
			case <-b.ticker.C:
				b.maintain()
			case <-b.stop:
				return
			}
		}
	}()

	return b
}

// RecordFailure counts one provider failure and trips the breaker once the
// failure budget inside the error window is exhausted.
func (b *ProviderBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if !b.lastFailureTime.IsZero() && now.Sub(b.lastFailureTime) > b.errorWindow {
		b.failureCount = 0
	}

	b.failureCount++
	b.lastFailureTime = now

	if b.failureCount > b.maxErrors && !b.tripped {
		b.tripped = true
		b.resetTime = now.Add(tripDuration)
		b.failureCount = 0
		b.logger.WithField("reset_at", b.resetTime.Format(time.RFC3339)).Warn("Provider circuit breaker tripped")
	}
}

// RecordSuccess clears the failure count after a healthy call
func (b *ProviderBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
}

// Allow reports whether the primary provider may be called, clearing an
// expired trip lazily.
func (b *ProviderBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.allowLocked(time.Now())
}

// AllowModeration reports whether the moderation provider may be called.
// It mirrors the primary breaker's state.
func (b *ProviderBreaker) AllowModeration() bool {
	return b.Allow()
}

func (b *ProviderBreaker) allowLocked(now time.Time) bool {
	if b.tripped {
		if now.Before(b.resetTime) {
			return false
		}
		b.tripped = false
		b.failureCount = 0
		b.logger.Info("Provider circuit breaker reset")
	}
	return true
}

// maintain performs the same lazy clearing on a timer and drops stale
// failure counts outside the error window.
func (b *ProviderBreaker) maintain() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.allowLocked(now)

	if b.failureCount > 0 && now.Sub(b.lastFailureTime) > b.errorWindow {
		b.failureCount = 0
	}
}

// Stats reports breaker state for the admin endpoint
func (b *ProviderBreaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := map[string]interface{}{
		"tripped":       b.tripped,
		"failure_count": b.failureCount,
	}
	if b.tripped {
		stats["reset_time"] = b.resetTime.Unix()
	}
	return stats
}

// Stop stops the maintenance tick
func (b *ProviderBreaker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.stopped = true
	b.ticker.Stop()
	close(b.stop)
}

// BurstBreaker is the process-wide guard against request bursts. Requests
// flow through a token bucket; once the bucket is exhausted the breaker
// trips and rejects everything for a cooldown.
type BurstBreaker struct {
	limiter *rate.Limiter
	logger  *logrus.Logger

	mu        sync.Mutex
	tripped   bool
	resetTime time.Time
}

// NewBurstBreaker creates a burst breaker allowing threshold requests/second
func NewBurstBreaker(threshold int, logger *logrus.Logger) *BurstBreaker {
	return &BurstBreaker{
		limiter: rate.NewLimiter(rate.Limit(threshold), threshold),
		logger:  logger,
	}
}

// Allow admits one request, tripping for a minute when the rate is exceeded
func (b *BurstBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if b.tripped {
		if now.Before(b.resetTime) {
			return false
		}
		b.tripped = false
		b.logger.Info("Global burst breaker reset")
	}

	if !b.limiter.Allow() {
		b.tripped = true
		b.resetTime = now.Add(tripDuration)
		b.logger.Warn("Global burst breaker tripped")
		return false
	}

	return true
}

// Tripped reports whether the breaker is currently open
func (b *BurstBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.tripped && time.Now().Before(b.resetTime)
}
