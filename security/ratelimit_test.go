package security

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestRateLimiter(t *testing.T, cfg RateLimiterConfig) (*RateLimiter, *time.Time) {
	t.Helper()
	rl := NewRateLimiterWithConfig(cfg)
	t.Cleanup(rl.Stop)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestNewRateLimiterWithConfig_Defaults(t *testing.T) {
	rl, _ := newTestRateLimiter(t, RateLimiterConfig{Rate: 10, MaxEntries: -1})
	assert.Equal(t, 10, rl.burst, "burst defaults to rate")
	assert.Equal(t, DefaultRateLimiterMaxEntries, rl.maxEntries)
	assert.Equal(t, rate.Every(100*time.Millisecond), rl.limit)
	assert.NotNil(t, rl.logger)
}

func TestRateLimiter_Window(t *testing.T) {
	// 3 requests per 10s, the shape the sign-in rules use.
	rl, now := newTestRateLimiter(t, RateLimiterConfig{Rate: 3, Per: 10 * time.Second})

	for i := range 3 {
		require.True(t, rl.Allow(testIP), "request %d", i+1)
	}
	ok, retry := rl.AllowWithRetry(testIP)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.Less(t, retry, 4*time.Second)

	assert.True(t, rl.Allow("10.0.0.2"), "identifiers are limited independently")

	*now = now.Add(retry + time.Millisecond)
	assert.True(t, rl.Allow(testIP), "a token refills after the reported delay")
	assert.False(t, rl.Allow(testIP))
}

func TestRateLimiter_ZeroRateDeniesAfterBurst(t *testing.T) {
	rl, now := newTestRateLimiter(t, RateLimiterConfig{Rate: 0, Burst: 1})
	assert.True(t, rl.Allow(testIP))
	ok, retry := rl.AllowWithRetry(testIP)
	assert.False(t, ok)
	assert.Zero(t, retry, "no finite retry delay without refill")

	*now = now.Add(time.Hour)
	ok, retry = rl.AllowWithRetry(testIP)
	assert.False(t, ok)
	assert.Zero(t, retry)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl, now := newTestRateLimiter(t, RateLimiterConfig{Rate: 10})
	rl.Allow("idle")
	*now = now.Add(time.Hour)
	rl.Allow("active")

	rl.Cleanup(30 * time.Minute)

	assert.NotContains(t, rl.limiters, "idle")
	assert.Contains(t, rl.limiters, "active")
	assert.Equal(t, 1, rl.lruList.Len())
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl, _ := newTestRateLimiter(t, RateLimiterConfig{Rate: 1, Burst: 1, MaxEntries: 2})
	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("a")
	rl.Allow("c")

	assert.Len(t, rl.limiters, 2)
	assert.NotContains(t, rl.limiters, "b", "least recently used is evicted")
	assert.Equal(t, int64(1), rl.totalEvictions)
	assert.True(t, rl.Allow("b"), "evicted identifiers start with a full bucket")
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiterWithConfig(RateLimiterConfig{Rate: 1000, Burst: 1000, MaxEntries: 50})
	defer rl.Stop()

	var wg sync.WaitGroup
	for g := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				rl.Allow(fmt.Sprintf("ip-%d-%d", g, i%10))
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, len(rl.limiters), 50)
}
