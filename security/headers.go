package security

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// baseHeaders are set on every auth response. Sessions and tokens must
// never be cached or framed.
var baseHeaders = map[string]string{
	"X-Frame-Options":         "DENY",
	"X-Content-Type-Options":  "nosniff",
	"X-XSS-Protection":        "1; mode=block",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store, no-cache, must-revalidate, private",
	"Pragma":                  "no-cache",
}

// SetSecurityHeaders sets baseHeaders, plus HSTS when serverURL is HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	h := w.Header()
	for k, v := range baseHeaders {
		h.Set(k, v)
	}
	if u, err := url.Parse(serverURL); err == nil && u.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// CORSConfig controls the CORS headers set on bearer-protected resources.
type CORSConfig struct {
	// AllowedOrigin is reflected in Access-Control-Allow-Origin. Empty
	// means the authorization server's origin.
	AllowedOrigin string

	AllowedMethods []string
	AllowedHeaders []string

	// MaxAge in seconds for preflight caching (default: 86400)
	MaxAge int
}

// SetCORSHeaders sets CORS response headers. defaultOrigin is used when
// cfg.AllowedOrigin is empty.
func SetCORSHeaders(w http.ResponseWriter, cfg CORSConfig, defaultOrigin string) {
	origin := cfg.AllowedOrigin
	if origin == "" {
		origin = OriginOf(defaultOrigin)
	}
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Authorization", "Content-Type", "Mcp-Session-Id", "Mcp-Protocol-Version"}
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 86400
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	h.Set("Access-Control-Allow-Headers", strings.Join(headers, ", "))
	h.Set("Access-Control-Expose-Headers", "WWW-Authenticate, Mcp-Session-Id")
	h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
	if origin != "*" {
		h.Add("Vary", "Origin")
	}
}

// OriginOf returns scheme://host of rawURL, or rawURL when it cannot be parsed.
func OriginOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}
