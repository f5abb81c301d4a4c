package security

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slot181/transit-filter-api/internal/config"
)

func newTestLimiter(t *testing.T, limits config.RateLimitConfig) *MultiTierLimiter {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	l := NewMultiTierLimiter(limits, logger)
	t.Cleanup(l.Stop)
	return l
}

func TestCheck_WithinLimit(t *testing.T) {
	l := newTestLimiter(t, config.RateLimitConfig{
		ChatRPM: 60, ImagesRPM: 10, AudioRPM: 20, ModelsRPM: 100, GlobalIPRPM: 100,
	})

	result := l.Check("chat", "1.2.3.4")
	assert.False(t, result.Limited)
	assert.GreaterOrEqual(t, result.Remaining, 0)
	assert.Greater(t, result.Reset, time.Now().Unix()-1)
}

func TestCheck_RouteLimitExceeded(t *testing.T) {
	// CHAT_RPM=2 keeps the per-IP tier disabled (floor(2*0.25)=0), so the
	// route window is the binding one.
	l := newTestLimiter(t, config.RateLimitConfig{
		ChatRPM: 2, ImagesRPM: 10, AudioRPM: 20, ModelsRPM: 100, GlobalIPRPM: 100,
	})

	first := l.Check("chat", "1.2.3.4")
	assert.False(t, first.Limited)

	second := l.Check("chat", "1.2.3.4")
	assert.False(t, second.Limited)
	assert.Equal(t, 0, second.Remaining)

	third := l.Check("chat", "1.2.3.4")
	assert.True(t, third.Limited)
	assert.Equal(t, 0, third.Remaining)
}

func TestCheck_IPPathTier(t *testing.T) {
	// Route limit 40 gives a per-IP tier of 10. A single IP must be cut off
	// at 10 while the route still has capacity for other clients.
	l := newTestLimiter(t, config.RateLimitConfig{
		ChatRPM: 40, ImagesRPM: 10, AudioRPM: 20, ModelsRPM: 100, GlobalIPRPM: 100,
	})

	for i := 0; i < 10; i++ {
		result := l.Check("chat", "10.0.0.1")
		require.False(t, result.Limited, "request %d", i+1)
	}

	result := l.Check("chat", "10.0.0.1")
	assert.True(t, result.Limited)

	other := l.Check("chat", "10.0.0.2")
	assert.False(t, other.Limited)
}

func TestCheck_GlobalIPTier(t *testing.T) {
	l := newTestLimiter(t, config.RateLimitConfig{
		ChatRPM: 1000, ImagesRPM: 1000, AudioRPM: 1000, ModelsRPM: 1000, GlobalIPRPM: 3,
	})

	// Spread across routes so only the global-ip window accumulates.
	routes := []string{"chat", "images", "audio", "models"}
	for i := 0; i < 3; i++ {
		result := l.Check(routes[i], "10.0.0.9")
		require.False(t, result.Limited)
	}

	result := l.Check(routes[3], "10.0.0.9")
	assert.True(t, result.Limited)

	tierNames := make([]string, 0, len(result.Tiers))
	for _, tier := range result.Tiers {
		tierNames = append(tierNames, tier.Name)
	}
	assert.Contains(t, tierNames, "global_ip")
}

func TestCheck_WindowExpiryResets(t *testing.T) {
	l := newTestLimiter(t, config.RateLimitConfig{
		ChatRPM: 2, ImagesRPM: 10, AudioRPM: 20, ModelsRPM: 100, GlobalIPRPM: 100,
	})

	l.Check("chat", "1.2.3.4")
	l.Check("chat", "1.2.3.4")
	assert.True(t, l.Check("chat", "1.2.3.4").Limited)

	// Age every window past the minute boundary.
	l.mu.Lock()
	for _, w := range l.windows {
		w.windowStart = time.Now().Add(-61 * time.Second)
	}
	l.mu.Unlock()

	result := l.Check("chat", "1.2.3.4")
	assert.False(t, result.Limited)
	assert.Equal(t, 1, result.Limit-result.Remaining)
}

func TestCheck_WindowResetIdempotent(t *testing.T) {
	l := newTestLimiter(t, config.RateLimitConfig{
		ChatRPM: 10, ImagesRPM: 10, AudioRPM: 20, ModelsRPM: 100, GlobalIPRPM: 100,
	})

	first := l.Check("chat", "5.6.7.8")

	l.mu.Lock()
	for _, w := range l.windows {
		w.windowStart = time.Now().Add(-61 * time.Second)
	}
	l.mu.Unlock()

	second := l.Check("chat", "5.6.7.8")
	assert.Equal(t, first.Limited, second.Limited)
	assert.Equal(t, first.Remaining, second.Remaining)
}

func TestSweep_ReclaimsIdleIPs(t *testing.T) {
	l := newTestLimiter(t, config.RateLimitConfig{
		ChatRPM: 60, ImagesRPM: 10, AudioRPM: 20, ModelsRPM: 100, GlobalIPRPM: 100,
	})

	for i := 0; i < 5; i++ {
		l.Check("chat", fmt.Sprintf("10.0.0.%d", i))
	}

	l.mu.Lock()
	for ip := range l.lastSeen {
		l.lastSeen[ip] = time.Now().Add(-6 * time.Minute)
	}
	l.mu.Unlock()

	l.sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.lastSeen)
	for key := range l.windows {
		assert.Empty(t, key.ip, "per-IP window %v should have been reclaimed", key)
	}
}

func TestCheck_TierBreakdownOnLimit(t *testing.T) {
	l := newTestLimiter(t, config.RateLimitConfig{
		ChatRPM: 2, ImagesRPM: 10, AudioRPM: 20, ModelsRPM: 100, GlobalIPRPM: 100,
	})

	l.Check("chat", "1.2.3.4")
	l.Check("chat", "1.2.3.4")
	result := l.Check("chat", "1.2.3.4")

	require.True(t, result.Limited)
	require.NotEmpty(t, result.Tiers)
	for _, tier := range result.Tiers {
		assert.NotEmpty(t, tier.Name)
		assert.Greater(t, tier.Limit, 0)
		assert.GreaterOrEqual(t, tier.Remaining, 0)
	}
}

func TestStats(t *testing.T) {
	l := newTestLimiter(t, config.RateLimitConfig{
		ChatRPM: 60, ImagesRPM: 10, AudioRPM: 20, ModelsRPM: 100, GlobalIPRPM: 100,
	})

	l.Check("chat", "1.2.3.4")
	stats := l.Stats()

	assert.Equal(t, 1, stats["tracked_ips"])
	assert.Equal(t, 3, stats["tracked_windows"])
}
