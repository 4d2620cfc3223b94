package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/internal/util"
)

// ErrNoAllowedHosts is returned when a HostAllowList is built without hosts.
var ErrNoAllowedHosts = errors.New("allowed hosts list must not be empty")

// Protocol selection for dynamically resolved base URLs.
const (
	ProtocolAuto  = "auto"
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
)

// HostAllowListConfig configures dynamic base URL resolution from the
// Host and X-Forwarded-Host headers.
type HostAllowListConfig struct {
	// AllowedHosts are exact hosts ("app.example.com", "localhost:3000")
	// or single-label wildcards ("*.vercel.app"). Required.
	AllowedHosts []string

	// Protocol is "http", "https" or "auto" (default). Auto trusts
	// X-Forwarded-Proto and otherwise picks http only for loopback hosts.
	Protocol string

	// Fallback is used instead of rejecting requests from unknown hosts.
	Fallback string

	// BasePath is appended to the resolved origin.
	BasePath string
}

// HostAllowList resolves a per-request base URL from forwarded headers,
// restricted to a fixed set of host patterns.
type HostAllowList struct {
	patterns []string
	protocol string
	fallback string
	basePath string
}

// NewHostAllowList validates cfg. An empty host list is a configuration
// error.
func NewHostAllowList(cfg HostAllowListConfig) (*HostAllowList, error) {
	if len(cfg.AllowedHosts) == 0 {
		return nil, ErrNoAllowedHosts
	}
	patterns := make([]string, 0, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			return nil, fmt.Errorf("allowed hosts list contains an empty entry")
		}
		if strings.Contains(h, "://") || strings.Contains(h, "/") {
			return nil, fmt.Errorf("allowed host %q must be a host, not a URL", h)
		}
		if strings.Contains(h[1:], "*") || (strings.HasPrefix(h, "*") && !strings.HasPrefix(h, "*.")) {
			return nil, fmt.Errorf("allowed host %q: only a leading \"*.\" wildcard is supported", h)
		}
		patterns = append(patterns, h)
	}

	protocol := cfg.Protocol
	switch protocol {
	case "":
		protocol = ProtocolAuto
	case ProtocolAuto, ProtocolHTTP, ProtocolHTTPS:
	default:
		return nil, fmt.Errorf("invalid protocol %q: want http, https or auto", protocol)
	}

	if cfg.Fallback != "" {
		u, err := url.Parse(cfg.Fallback)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid fallback URL %q", cfg.Fallback)
		}
	}

	return &HostAllowList{
		patterns: patterns,
		protocol: protocol,
		fallback: util.NormalizeURL(cfg.Fallback),
		basePath: cfg.BasePath,
	}, nil
}

// Allowed reports whether host (optionally with port) matches an entry.
func (l *HostAllowList) Allowed(host string) bool {
	return l.match(strings.ToLower(host))
}

func (l *HostAllowList) match(host string) bool {
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	for _, p := range l.patterns {
		if p == host || p == hostname {
			return true
		}
		if suffix, ok := strings.CutPrefix(p, "*"); ok {
			// "*.vercel.app" matches exactly one extra label
			label, found := strings.CutSuffix(hostname, suffix)
			if found && label != "" && !strings.Contains(label, ".") {
				return true
			}
		}
	}
	return false
}

// RequestHost returns the forwarded host of r, falling back to Host.
func RequestHost(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return r.Host
}

// Resolve returns the base URL for r. The exact request host is reflected,
// never the matching pattern. Hosts outside the list are rejected with a
// HOST_NOT_ALLOWED error unless a fallback is configured.
func (l *HostAllowList) Resolve(r *http.Request) (string, error) {
	host := RequestHost(r)
	if host == "" || !l.match(strings.ToLower(host)) {
		if l.fallback != "" {
			return util.JoinURL(l.fallback, l.basePath), nil
		}
		return "", apierror.BadRequest(apierror.CodeHostNotAllowed,
			fmt.Sprintf("host %q is not in the allowed hosts list", host))
	}
	return util.JoinURL(l.scheme(r, host)+"://"+host, l.basePath), nil
}

func (l *HostAllowList) scheme(r *http.Request, host string) string {
	switch l.protocol {
	case ProtocolHTTP, ProtocolHTTPS:
		return l.protocol
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == ProtocolHTTP || proto == ProtocolHTTPS {
		return proto
	}
	if r.TLS != nil {
		return ProtocolHTTPS
	}
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	if util.IsLoopbackHostname(hostname) {
		return ProtocolHTTP
	}
	return ProtocolHTTPS
}
