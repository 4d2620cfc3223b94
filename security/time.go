package security

import "time"

// DefaultClockSkewGracePeriod absorbs small clock differences between
// this server, its clients and upstream providers.
const DefaultClockSkewGracePeriod = 5 * time.Second

// ExpiresWithin reports whether expiresAt falls before now plus margin, so
// a token about to expire is treated as expired and refreshed early. A zero
// expiresAt never expires.
func ExpiresWithin(expiresAt, now time.Time, margin time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt.Add(-margin))
}
