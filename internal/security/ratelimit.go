package security

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/slot181/transit-filter-api/internal/config"
)

const (
	windowDuration  = time.Minute
	idleIPRetention = 5 * time.Minute
	sweepInterval   = time.Minute
)

// bucketKind discriminates the three parallel rate-limit tiers
type bucketKind string

const (
	kindPath     bucketKind = "path"
	kindIPPath   bucketKind = "ip_path"
	kindGlobalIP bucketKind = "global_ip"
)

// bucketKey is the composite key for one counter window
type bucketKey struct {
	kind  bucketKind
	route string
	ip    string
}

// window is one minute-window counter
type window struct {
	count       int
	windowStart time.Time
}

// TierStatus reports one tier's state after a check
type TierStatus struct {
	Name      string `json:"name"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Reset     int64  `json:"reset"`
}

// Result is the outcome of a rate-limit check. Limit/Remaining/Reset are the
// header values: remaining is the minimum across tiers, reset the earliest
// window expiry.
type Result struct {
	Limited   bool
	Limit     int
	Remaining int
	Reset     int64
	Tiers     []TierStatus
}

// MultiTierLimiter enforces three concurrent minute windows per request:
// total per route, per client-IP per route, and per client-IP across routes.
type MultiTierLimiter struct {
	limits config.RateLimitConfig
	logger *logrus.Logger

	mu       sync.Mutex
	windows  map[bucketKey]*window
	lastSeen map[string]time.Time

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	stopped     bool
}

// NewMultiTierLimiter creates a limiter and starts its background sweep
func NewMultiTierLimiter(limits config.RateLimitConfig, logger *logrus.Logger) *MultiTierLimiter {
	l := &MultiTierLimiter{
		limits:    limits,
		logger:    logger,
		windows:   make(map[bucketKey]*window),
		lastSeen:  make(map[string]time.Time),
		stopSweep: make(chan struct{}),
	}

	l.startSweep()

	return l
}

// routeLimit returns the configured requests-per-minute for a route
func (l *MultiTierLimiter) routeLimit(route string) int {
	switch route {
	case "chat":
		return l.limits.ChatRPM
	case "images":
		return l.limits.ImagesRPM
	case "audio":
		return l.limits.AudioRPM
	case "models":
		return l.limits.ModelsRPM
	default:
		return l.limits.ChatRPM
	}
}

// Check records one request against all three tiers and reports whether it
// must be limited. Exactly one call per inbound request.
func (l *MultiTierLimiter) Check(route, clientIP string) *Result {
	now := time.Now()
	pathLimit := l.routeLimit(route)
	// A computed per-IP route limit of zero disables that tier rather than
	// blocking every request on low-RPM routes.
	ipPathLimit := pathLimit / 4
	globalLimit := l.limits.GlobalIPRPM

	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastSeen[clientIP] = now

	tiers := []struct {
		key   bucketKey
		name  string
		limit int
	}{
		{bucketKey{kindPath, route, ""}, "path", pathLimit},
		{bucketKey{kindIPPath, route, clientIP}, "ip_path", ipPathLimit},
		{bucketKey{kindGlobalIP, "", clientIP}, "global_ip", globalLimit},
	}

	result := &Result{Remaining: -1}

	for _, tier := range tiers {
		if tier.limit <= 0 {
			continue
		}

		w, ok := l.windows[tier.key]
		if !ok {
			w = &window{windowStart: now}
			l.windows[tier.key] = w
		}
		if now.Sub(w.windowStart) > windowDuration {
			w.count = 0
			w.windowStart = now
		}

		w.count++

		remaining := tier.limit - w.count
		if remaining < 0 {
			remaining = 0
		}
		reset := w.windowStart.Add(windowDuration).Unix()

		result.Tiers = append(result.Tiers, TierStatus{
			Name:      tier.name,
			Limit:     tier.limit,
			Remaining: remaining,
			Reset:     reset,
		})

		if w.count > tier.limit {
			result.Limited = true
		}
		if result.Remaining < 0 || remaining < result.Remaining {
			result.Remaining = remaining
			result.Limit = tier.limit
		}
		if result.Reset == 0 || reset < result.Reset {
			result.Reset = reset
		}
	}

	if result.Remaining < 0 {
		result.Remaining = 0
	}

	if result.Limited {
		l.logger.WithFields(logrus.Fields{
			"route":     route,
			"client_ip": clientIP,
		}).Warn("Rate limit exceeded")
	}

	return result
}

// startSweep starts the reclamation goroutine
func (l *MultiTierLimiter) startSweep() {
	l.sweepTicker = time.NewTicker(sweepInterval)

	go func() {
		for {
			select {
			case <-l.sweepTicker.C:
				l.sweep()
			case <-l.stopSweep:
				return
			}
		}
	}()
}

// sweep resets expired windows and drops counters for client IPs that have
// been idle beyond the retention period, bounding memory under churn.
func (l *MultiTierLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	for key, w := range l.windows {
		if now.Sub(w.windowStart) > windowDuration {
			w.count = 0
			w.windowStart = now
		}
		if key.ip != "" {
			if seen, ok := l.lastSeen[key.ip]; !ok || now.Sub(seen) > idleIPRetention {
				delete(l.windows, key)
			}
		}
	}

	removed := 0
	for ip, seen := range l.lastSeen {
		if now.Sub(seen) > idleIPRetention {
			delete(l.lastSeen, ip)
			removed++
		}
	}

	if removed > 0 {
		l.logger.WithField("reclaimed_ips", removed).Debug("Rate limit sweep completed")
	}
}

// Stats reports limiter occupancy for the admin endpoint
func (l *MultiTierLimiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]interface{}{
		"tracked_windows": len(l.windows),
		"tracked_ips":     len(l.lastSeen),
	}
}

// Stop stops the background sweep
func (l *MultiTierLimiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return
	}
	l.stopped = true
	l.sweepTicker.Stop()
	close(l.stopSweep)
}
