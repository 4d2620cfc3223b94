package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPResolver decides which request attribute identifies the client for
// rate limiting and audit logs.
type IPResolver struct {
	// TrustProxy enables X-Forwarded-For and X-Real-IP. Enable it only
	// behind a reverse proxy that overwrites these headers.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server.
	// Zero counts as one.
	TrustedProxyCount int

	// Headers are single-value headers checked before X-Forwarded-For,
	// e.g. "CF-Connecting-IP". Only consulted when TrustProxy is set.
	Headers []string
}

// ClientIP returns the client address of r.
func (c IPResolver) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		for _, h := range c.Headers {
			if ip, ok := parseIP(r.Header.Get(h)); ok {
				return ip
			}
		}
		if ip, ok := c.forwardedFor(r.Header.Get("X-Forwarded-For")); ok {
			return ip
		}
		if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedFor picks the entry appended by the outermost trusted proxy.
// Entries left of it are client controlled; with fewer entries than
// proxies the leftmost one is used.
func (c IPResolver) forwardedFor(xff string) (string, bool) {
	if xff == "" {
		return "", false
	}
	hops := strings.Split(xff, ",")
	proxies := max(c.TrustedProxyCount, 1)
	return parseIP(hops[max(len(hops)-proxies-1, 0)])
}

func parseIP(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if _, err := netip.ParseAddr(s); err != nil {
		return "", false
	}
	return s, true
}
