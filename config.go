package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/instrumentation"
	"github.com/giantswarm/mcp-auth/internal/util"
	"github.com/giantswarm/mcp-auth/session"
)

const (
	// DefaultBasePath is where endpoints are mounted when Config.BasePath is empty
	DefaultBasePath = "/api/auth"

	// MinSecretLength is the recommended minimum secret size in bytes
	MinSecretLength = 32
)

var (
	// ErrSecretRequired is returned when Config.Secret is empty
	ErrSecretRequired = errors.New("secret is required")

	// ErrBaseURLRequired is returned when neither a base URL nor allowed hosts are configured
	ErrBaseURLRequired = errors.New("base URL is required unless dynamic base URL resolution is configured")
)

// Config holds the instance configuration.
// Structured using composition for better organization.
type Config struct {
	// Secret signs and derives keys for sessions, tokens and encryption.
	// Required.
	Secret string

	// BaseURL is the public origin of the server, e.g. "https://auth.example.com".
	// Required unless DynamicBaseURL is set.
	BaseURL string

	// BasePath is the mount point of every endpoint (default: "/api/auth")
	BasePath string

	// TrustedOrigins are origins callback and redirect URLs may point to,
	// in addition to the base URL's origin
	TrustedOrigins []string

	// DynamicBaseURL resolves the base URL per request from the Host and
	// X-Forwarded-Host headers, restricted to an allow-list
	DynamicBaseURL *DynamicBaseURLConfig

	// Database stores users, sessions, accounts and plugin models
	// (default: an in-memory adapter)
	Database adapter.Adapter

	// Session lifetime and cookie settings
	Session SessionConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Instrumentation enables metrics and tracing (optional)
	Instrumentation *instrumentation.Instrumentation

	// GenerateID assigns record IDs (default: random UUIDs)
	GenerateID func() string

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// DynamicBaseURLConfig configures per-request base URL resolution.
type DynamicBaseURLConfig struct {
	// AllowedHosts are exact hosts or "*.domain" wildcards. Must not be empty.
	AllowedHosts []string

	// Protocol is "http", "https" or "auto" (default)
	Protocol string

	// Fallback is used for unknown hosts instead of rejecting the request
	Fallback string
}

// SessionConfig holds session settings.
type SessionConfig struct {
	// ExpiresIn is the session lifetime (default: 7 days)
	ExpiresIn time.Duration

	// UpdateAge is how old a session must be before its expiry is
	// extended (default: 1 day, negative disables)
	UpdateAge time.Duration

	// Cookie controls the session cookie
	Cookie session.CookieConfig
}

// SecurityConfig holds security settings (secure by default).
type SecurityConfig struct {
	// EncryptionKey is the AES-256 key (32 bytes) for account tokens at
	// rest. When empty a key is derived from Secret.
	EncryptionKey []byte

	// DisableTokenEncryption stores provider tokens in plain text.
	// WARNING: a database leak exposes every linked account.
	DisableTokenEncryption bool

	// EnableAuditLogging enables security audit logging
	EnableAuditLogging bool

	// TrustProxy trusts X-Forwarded-For and X-Real-IP.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server (default: 1)
	TrustedProxyCount int

	// ClientIPHeaders are checked before X-Forwarded-For when TrustProxy
	// is set, e.g. "CF-Connecting-IP"
	ClientIPHeaders []string

	// AllowInsecureCookies keeps the Secure flag off on HTTPS deployments.
	// WARNING: session cookies may leak over plain HTTP.
	AllowInsecureCookies bool
}

// validate rejects configurations the instance cannot run with.
func validate(cfg *Config) error {
	if cfg.Secret == "" {
		return ErrSecretRequired
	}
	if cfg.BaseURL == "" {
		if cfg.DynamicBaseURL == nil {
			return ErrBaseURLRequired
		}
		return nil
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL must use http or https, got %q", cfg.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("base URL must have a host, got %q", cfg.BaseURL)
	}
	return nil
}

// applySecureDefaults fills in defaults. Security features are on unless
// explicitly disabled.
func applySecureDefaults(cfg *Config) {
	cfg.BasePath = normalizeBasePath(cfg.BasePath)
	cfg.BaseURL = util.NormalizeURL(cfg.BaseURL)

	if cfg.GenerateID == nil {
		cfg.GenerateID = uuid.NewString
	}
	if cfg.Security.TrustProxy && cfg.Security.TrustedProxyCount == 0 {
		cfg.Security.TrustedProxyCount = 1
	}
	if cfg.Session.Cookie.Path == "" {
		cfg.Session.Cookie.Path = "/"
	}
	if !cfg.Security.AllowInsecureCookies && cookiesShouldBeSecure(cfg) {
		cfg.Session.Cookie.Secure = true
	}
}

func cookiesShouldBeSecure(cfg *Config) bool {
	if strings.HasPrefix(cfg.BaseURL, "https://") {
		return true
	}
	if d := cfg.DynamicBaseURL; d != nil {
		return d.Protocol == "https" || strings.HasPrefix(d.Fallback, "https://")
	}
	return false
}

func normalizeBasePath(p string) string {
	if p == "" {
		return DefaultBasePath
	}
	p = "/" + strings.Trim(p, "/")
	if p == "/" {
		return ""
	}
	return p
}

// logSecurityWarnings logs warnings for insecure configuration.
func logSecurityWarnings(cfg *Config, logger *slog.Logger) {
	if len(cfg.Secret) < MinSecretLength {
		logger.Warn("⚠️  SECURITY WARNING: Secret is shorter than recommended",
			"length", len(cfg.Secret),
			"recommended_minimum", MinSecretLength,
			"risk", "derived signing and encryption keys have reduced entropy",
			"recommendation", "Generate a secret with: openssl rand -base64 32")
	}
	if u, err := url.Parse(cfg.BaseURL); err == nil && u.Scheme == "http" && !util.IsLoopbackHostname(u.Hostname()) {
		logger.Warn("⚠️  SECURITY WARNING: Base URL uses plain HTTP",
			"base_url", cfg.BaseURL,
			"risk", "session cookies and tokens travel unencrypted",
			"recommendation", "Serve the instance over HTTPS")
	}
	if cfg.Security.DisableTokenEncryption {
		logger.Warn("⚠️  SECURITY WARNING: Account token encryption is DISABLED",
			"risk", "provider tokens are readable by anyone with database access",
			"recommendation", "Remove DisableTokenEncryption")
	}
	if cfg.Security.AllowInsecureCookies && cookiesShouldBeSecure(cfg) {
		logger.Warn("⚠️  SECURITY WARNING: Secure cookie flag is DISABLED on an HTTPS deployment",
			"risk", "session cookies can be sent over plain HTTP",
			"recommendation", "Remove AllowInsecureCookies")
	}
	if cfg.Security.TrustProxy {
		logger.Info("Proxy headers are trusted for client IP resolution",
			"trusted_proxy_count", cfg.Security.TrustedProxyCount,
			"note", "Only enable behind a reverse proxy that overwrites X-Forwarded-For")
	}
	if !cfg.Security.EnableAuditLogging {
		logger.Info("Security audit logging is disabled")
	}
}
