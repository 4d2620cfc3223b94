package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRegistrationsPerHour is the default limit for client registrations per IP per hour
	DefaultMaxRegistrationsPerHour = 10

	// DefaultRegistrationWindow is the default time window for registration limiting
	DefaultRegistrationWindow = time.Hour

	// DefaultWindowCleanupInterval is how often the cleanup goroutine runs
	DefaultWindowCleanupInterval = 15 * time.Minute

	// DefaultMaxWindowEntries is the maximum number of identifiers to track
	DefaultMaxWindowEntries = 10000
)

// windowEntry tracks event timestamps for one identifier
type windowEntry struct {
	identifier string
	events     []time.Time // timestamps inside the current window
	lastAccess time.Time
}

// WindowLimiter allows at most maxPerWindow events per identifier in any
// sliding window. It backs the client registration limit, where a token
// bucket would refill too quickly to stop registration churn.
type WindowLimiter struct {
	entries         map[string]*list.Element // identifier -> list element
	lruList         *list.List               // LRU list of *windowEntry
	mu              sync.RWMutex
	maxPerWindow    int
	window          time.Duration
	maxEntries      int
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	now             func() time.Time

	// Statistics
	totalBlocked   int64
	totalAllowed   int64
	totalEvictions int64
	totalCleanups  int64
}

// NewRegistrationLimiter creates a WindowLimiter with the client
// registration defaults.
func NewRegistrationLimiter(logger *slog.Logger) *WindowLimiter {
	return NewWindowLimiter(DefaultMaxRegistrationsPerHour, DefaultRegistrationWindow, DefaultMaxWindowEntries, logger)
}

// NewWindowLimiter creates a sliding-window limiter.
func NewWindowLimiter(maxPerWindow int, window time.Duration, maxEntries int, logger *slog.Logger) *WindowLimiter {
	return newWindowLimiterWithCleanupInterval(maxPerWindow, window, maxEntries, DefaultWindowCleanupInterval, logger)
}

func newWindowLimiterWithCleanupInterval(maxPerWindow int, window time.Duration, maxEntries int, cleanupInterval time.Duration, logger *slog.Logger) *WindowLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultMaxRegistrationsPerHour
		logger.Warn("Invalid maxPerWindow, using default", "maxPerWindow", maxPerWindow)
	}
	if window <= 0 {
		window = DefaultRegistrationWindow
		logger.Warn("Invalid window, using default", "window", window)
	}
	if maxEntries < 0 {
		maxEntries = DefaultMaxWindowEntries
		logger.Warn("Invalid maxEntries, using default", "maxEntries", maxEntries)
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultWindowCleanupInterval
	}

	wl := &WindowLimiter{
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		maxPerWindow:    maxPerWindow,
		window:          window,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}

	go wl.cleanupLoop()

	logger.Debug("Window limiter initialized",
		"max_per_window", maxPerWindow,
		"window", window,
		"max_entries", maxEntries)

	return wl
}

// Allow records an event for identifier and reports whether it fits in
// the window.
func (wl *WindowLimiter) Allow(identifier string) bool {
	ok, _ := wl.AllowWithRetry(identifier)
	return ok
}

// AllowWithRetry is Allow that also returns when the oldest event in the
// window expires, if the event was rejected.
func (wl *WindowLimiter) AllowWithRetry(identifier string) (bool, time.Duration) {
	now := wl.now()
	windowStart := now.Add(-wl.window)

	wl.mu.Lock()
	defer wl.mu.Unlock()

	if elem, exists := wl.entries[identifier]; exists {
		wl.lruList.MoveToFront(elem)
		entry := elem.Value.(*windowEntry)
		entry.lastAccess = now

		// In-place filtering of expired timestamps
		n := 0
		for _, t := range entry.events {
			if t.After(windowStart) {
				entry.events[n] = t
				n++
			}
		}
		entry.events = entry.events[:n]

		if len(entry.events) >= wl.maxPerWindow {
			wl.totalBlocked++
			wl.logger.Warn("Window rate limit exceeded",
				"identifier", identifier,
				"events_in_window", len(entry.events),
				"max_per_window", wl.maxPerWindow,
				"window", wl.window,
				"total_blocked", wl.totalBlocked)
			return false, entry.events[0].Add(wl.window).Sub(now)
		}

		entry.events = append(entry.events, now)
		wl.totalAllowed++
		return true, 0
	}

	if wl.maxEntries > 0 && len(wl.entries) >= wl.maxEntries {
		wl.evictLRU()
	}

	entry := &windowEntry{
		identifier: identifier,
		events:     []time.Time{now},
		lastAccess: now,
	}
	wl.entries[identifier] = wl.lruList.PushFront(entry)
	wl.totalAllowed++
	return true, 0
}

// evictLRU removes the least recently used entry.
// Must be called with mutex locked.
func (wl *WindowLimiter) evictLRU() {
	elem := wl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*windowEntry)
	delete(wl.entries, entry.identifier)
	wl.lruList.Remove(elem)
	wl.totalEvictions++

	wl.logger.Debug("Window limiter LRU eviction",
		"identifier", entry.identifier,
		"total_evictions", wl.totalEvictions,
		"current_entries", len(wl.entries))
}

func (wl *WindowLimiter) cleanupLoop() {
	ticker := time.NewTicker(wl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wl.Cleanup()
		case <-wl.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries idle for more than twice the window.
func (wl *WindowLimiter) Cleanup() {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	now := wl.now()
	maxIdleTime := wl.window * 2
	removed := 0

	var next *list.Element
	for elem := wl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*windowEntry)
		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(wl.entries, entry.identifier)
			wl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		wl.totalCleanups++
		wl.logger.Debug("Window limiter cleanup completed",
			"removed", removed,
			"remaining", len(wl.entries),
			"total_cleanups", wl.totalCleanups)
	}
}

// Stop stops the cleanup goroutine. Safe to call multiple times concurrently.
func (wl *WindowLimiter) Stop() {
	wl.stopOnce.Do(func() {
		close(wl.stopCleanup)
	})
}

// WindowStats holds window limiter statistics for monitoring
type WindowStats struct {
	CurrentEntries int
	MaxEntries     int
	TotalBlocked   int64
	TotalAllowed   int64
	TotalEvictions int64
	TotalCleanups  int64
	MaxPerWindow   int
	Window         string
	MemoryPressure float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current limiter statistics.
func (wl *WindowLimiter) GetStats() WindowStats {
	wl.mu.RLock()
	defer wl.mu.RUnlock()

	stats := WindowStats{
		CurrentEntries: len(wl.entries),
		MaxEntries:     wl.maxEntries,
		TotalBlocked:   wl.totalBlocked,
		TotalAllowed:   wl.totalAllowed,
		TotalEvictions: wl.totalEvictions,
		TotalCleanups:  wl.totalCleanups,
		MaxPerWindow:   wl.maxPerWindow,
		Window:         wl.window.String(),
	}
	if wl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(wl.maxEntries) * 100.0
	}
	return stats
}
