// Package security provides the security building blocks used by the
// mcp-auth core and its plugins: rate limiting, encryption of tokens at
// rest, client IP resolution, request IDs, response headers, the dynamic
// host allow-list and audit logging.
//
// # Rate Limiting
//
// RateLimiter is a per-identifier token bucket (golang.org/x/time/rate)
// with LRU eviction so that a distributed attack cannot grow memory
// without bound. WindowLimiter counts events in a sliding window and is
// used for dynamic client registration, where registrations per hour is
// the meaningful unit.
//
// Default configuration:
//   - MaxEntries: 10,000 unique identifiers
//   - CleanupInterval: 5 minutes
//   - IdleTimeout: 30 minutes
//
// Example:
//
//	limiter := security.NewRateLimiterWithConfig(security.RateLimiterConfig{
//	    Rate: 100, Per: time.Minute, Logger: logger,
//	})
//	defer limiter.Stop()
//
//	if ok, retryAfter := limiter.AllowWithRetry(clientIP); !ok {
//	    w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
//	    w.WriteHeader(http.StatusTooManyRequests)
//	}
//
// # Host Allow-List
//
// HostAllowList resolves the per-request base URL from X-Forwarded-Host.
// Entries are exact hosts or "*.domain" wildcards. A request from an
// unlisted host is rejected with HOST_NOT_ALLOWED unless a fallback URL
// is configured.
//
// # Audit Logging
//
// Auditor writes security events through slog with user IDs hashed.
// A nil *Auditor drops all events.
package security
