package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/giantswarm/mcp-auth/instrumentation"
)

const (
	// DefaultRateLimiterMaxEntries bounds the number of tracked identifiers
	DefaultRateLimiterMaxEntries = 10000

	// DefaultRateLimiterIdleTimeout removes limiters nobody used for this long
	DefaultRateLimiterIdleTimeout = 30 * time.Minute

	defaultRateLimiterCleanupInterval = 5 * time.Minute
)

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiterConfig configures a token-bucket RateLimiter.
type RateLimiterConfig struct {
	// Rate is the sustained number of requests allowed per Per
	Rate int

	// Per is the refill period for Rate (default: 1s)
	Per time.Duration

	// Burst is the bucket size (default: Rate)
	Burst int

	// MaxEntries bounds the tracked identifiers, 0 means unlimited
	// (default: DefaultRateLimiterMaxEntries when negative)
	MaxEntries int

	Logger *slog.Logger
}

// RateLimiter provides per-identifier rate limiting using token bucket algorithm
// with LRU eviction to prevent unbounded memory growth.
type RateLimiter struct {
	limiters        map[string]*list.Element // identifier -> list element
	lruList         *list.List               // LRU list of *rateLimiterEntry
	mu              sync.RWMutex
	limit           rate.Limit
	burst           int
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time

	totalEvictions int64
	totalCleanups  int64
}

// NewRateLimiterWithConfig creates a new rate limiter from cfg.
// When MaxEntries is reached, least recently used entries are evicted.
func NewRateLimiterWithConfig(cfg RateLimiterConfig) *RateLimiter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries < 0 {
		logger.Warn("Invalid maxEntries, using default", "maxEntries", cfg.MaxEntries)
		cfg.MaxEntries = DefaultRateLimiterMaxEntries
	}
	if cfg.Per <= 0 {
		cfg.Per = time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(cfg.Rate, 1)
	}

	limit := rate.Limit(0)
	if cfg.Rate > 0 {
		limit = rate.Every(cfg.Per / time.Duration(cfg.Rate))
	}

	rl := &RateLimiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		limit:           limit,
		burst:           cfg.Burst,
		maxEntries:      cfg.MaxEntries,
		logger:          logger,
		cleanupInterval: defaultRateLimiterCleanupInterval,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}

	// Start background cleanup goroutine
	go rl.cleanupLoop()

	return rl
}

// SetInstrumentation exposes the number of tracked identifiers as the
// auth.rate_limit.active_limiters gauge.
func (rl *RateLimiter) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	if err := inst.RegisterRateLimiterCallback(func() int64 {
		rl.mu.RLock()
		defer rl.mu.RUnlock()
		return int64(len(rl.limiters))
	}); err != nil {
		rl.logger.Warn("Failed to register rate limiter gauge", "error", err)
	}
}

// Allow checks if a request from the given identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	ok, _ := rl.AllowWithRetry(identifier)
	return ok
}

// AllowWithRetry is Allow that also reports how long the caller should
// wait before the next request would be accepted.
func (rl *RateLimiter) AllowWithRetry(identifier string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	var entry *rateLimiterEntry
	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry = elem.Value.(*rateLimiterEntry)
	} else {
		if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
			rl.evictLRU()
		}
		entry = &rateLimiterEntry{
			identifier: identifier,
			limiter:    rate.NewLimiter(rl.limit, rl.burst),
		}
		rl.limiters[identifier] = rl.lruList.PushFront(entry)
	}
	entry.lastAccess = now

	if rl.limit == 0 && entry.limiter.TokensAt(now) < 1 {
		// Without refill a denied identifier never recovers.
		return false, 0
	}
	r := entry.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		if delay == rate.InfDuration {
			return false, 0
		}
		return false, delay
	}
	return true, 0
}

// evictLRU removes the least recently used entry from the cache.
// Must be called with mutex locked.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"identifier", entry.identifier,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

// cleanupLoop periodically removes inactive rate limiters to prevent memory leaks
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(DefaultRateLimiterIdleTimeout)
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes inactive limiters that haven't been accessed for the given duration.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0

	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*rateLimiterEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.limiters, entry.identifier)
			rl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop gracefully stops the cleanup goroutine.
// Safe to call multiple times.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}
