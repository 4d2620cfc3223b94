// Package mcp turns an instance into the OAuth 2.1 authorization server of
// MCP servers.
//
// MCP clients register themselves dynamically (RFC 7591), send the user
// through /mcp/authorize with PKCE and redeem the code at /mcp/token for
// a short-lived JWT access token and a rotating refresh token. Discovery
// documents (RFC 8414, RFC 9728) are served under /.well-known, and
// Protect guards the MCP endpoint itself.
package mcp

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/hkdf"

	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/discovery"
	"github.com/giantswarm/mcp-auth/instrumentation"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/schema"
	"github.com/giantswarm/mcp-auth/security"
	"github.com/giantswarm/mcp-auth/session"
	"github.com/giantswarm/mcp-auth/verifier"
)

// ID is the plugin ID.
const ID = "mcp"

// Operation names.
const (
	OperationRegister            = "mcpRegister"
	OperationAuthorize           = "mcpAuthorize"
	OperationToken               = "mcpToken"
	OperationRevoke              = "mcpRevoke"
	OperationUserInfo            = "mcpUserInfo"
	OperationAuthorizationServer = "mcpAuthorizationServerMetadata"
	OperationProtectedResource   = "mcpProtectedResourceMetadata"
)

// Models contributed by the plugin.
const (
	ModelClient       = "oauthClient"
	ModelRefreshToken = "oauthRefreshToken"
)

const (
	// DefaultAccessTokenTTL is the lifetime of issued access tokens
	DefaultAccessTokenTTL = time.Hour

	// DefaultRefreshTokenTTL is the lifetime of a refresh token family
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// DefaultCodeTTL is the lifetime of authorization codes
	DefaultCodeTTL = 10 * time.Minute

	// DefaultLoginPage receives users without a session
	DefaultLoginPage = "/sign-in"

	// ScopeOfflineAccess is always accepted and requests nothing extra
	ScopeOfflineAccess = "offline_access"
)

// DefaultScopes are supported when Config.Scopes is empty.
var DefaultScopes = []string{"openid", "profile", "email", ScopeOfflineAccess}

// Config configures the plugin.
type Config struct {
	// Issuer identifies the authorization server in tokens and metadata
	// and is the base of every advertised endpoint, so it must be the URL
	// the auth endpoints are served under (default: the instance base URL).
	// Required when the base URL is resolved per request.
	Issuer string

	// Resource is the protected MCP server's identifier and the audience
	// of issued tokens (default: the issuer's origin)
	Resource string

	// LoginPage receives unauthenticated users of /mcp/authorize with a
	// callbackURL query parameter (default: /sign-in)
	LoginPage string

	// Scopes the server supports (default: DefaultScopes)
	Scopes []string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CodeTTL         time.Duration

	// RegistrationToken, when set, must be presented as a bearer token to
	// register clients
	RegistrationToken string

	// MaxRegistrationsPerHour bounds registrations per client IP
	// (default: the registration limiter's default)
	MaxRegistrationsPerHour int

	// AllowPlainPKCE accepts the plain challenge method
	AllowPlainPKCE bool

	// Verifier is consulted by Protect and /mcp/userinfo after the
	// plugin's own tokens, for example a verifier.JWKS of another issuer
	Verifier verifier.Verifier

	// CORS of Protect (default origin: the issuer's origin)
	CORS security.CORSConfig

	// BcryptCost of client secrets (default: bcrypt.DefaultCost)
	BcryptCost int
}

// Plugin implements the MCP authorization server.
type Plugin struct {
	config  Config
	issuer  string
	signer  *verifier.HMAC
	verify  verifier.Verifier
	limiter *security.WindowLimiter
	ac      *plugin.AuthContext
	logger  *slog.Logger
	now     func() time.Time
}

var (
	_ plugin.SchemaContributor    = (*Plugin)(nil)
	_ plugin.EndpointContributor  = (*Plugin)(nil)
	_ plugin.LifecycleContributor = (*Plugin)(nil)
	_ plugin.Validator            = (*Plugin)(nil)
)

// New creates the plugin.
func New(cfg Config) *Plugin {
	if cfg.LoginPage == "" {
		cfg.LoginPage = DefaultLoginPage
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Plugin{config: cfg, logger: slog.Default(), now: time.Now}
}

// ID implements plugin.Plugin.
func (p *Plugin) ID() string { return ID }

// Validate checks the configured URLs and lifetimes.
func (p *Plugin) Validate() error {
	for name, raw := range map[string]string{"issuer": p.config.Issuer, "resource": p.config.Resource} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s %q must be an absolute URL", name, raw)
		}
		if u.Fragment != "" {
			return fmt.Errorf("%s %q must not contain a fragment", name, raw)
		}
	}
	if p.config.RefreshTokenTTL < p.config.AccessTokenTTL {
		return errors.New("refresh token TTL must not be shorter than the access token TTL")
	}
	if p.config.BcryptCost < bcrypt.MinCost || p.config.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return nil
}

// Schema implements plugin.SchemaContributor.
func (p *Plugin) Schema() schema.Schema {
	userRef := &schema.Reference{Model: session.ModelUser, Field: "id", OnDelete: "cascade"}
	return schema.Schema{
		ModelClient: {Fields: map[string]schema.Field{
			"clientId":                {Type: schema.TypeString, Required: true, Unique: true},
			"clientSecretHash":        {Type: schema.TypeString},
			"clientName":              {Type: schema.TypeString},
			"clientType":              {Type: schema.TypeString, Required: true},
			"redirectUris":            {Type: schema.TypeString, Required: true},
			"tokenEndpointAuthMethod": {Type: schema.TypeString, Required: true},
			"scope":                   {Type: schema.TypeString},
			"registeredFromIp":        {Type: schema.TypeString},
			"createdAt":               {Type: schema.TypeDate, Required: true},
			"updatedAt":               {Type: schema.TypeDate, Required: true},
		}},
		ModelRefreshToken: {Fields: map[string]schema.Field{
			"tokenHash": {Type: schema.TypeString, Required: true, Unique: true},
			"familyId":  {Type: schema.TypeString, Required: true},
			"clientId":  {Type: schema.TypeString, Required: true},
			"userId":    {Type: schema.TypeString, Required: true, References: userRef},
			"scope":     {Type: schema.TypeString},
			"expiresAt": {Type: schema.TypeDate, Required: true},
			"rotatedAt": {Type: schema.TypeDate},
			"createdAt": {Type: schema.TypeDate, Required: true},
			"updatedAt": {Type: schema.TypeDate, Required: true},
		}},
	}
}

// Init derives the token signing key and starts the registration limiter.
func (p *Plugin) Init(_ context.Context, ac *plugin.AuthContext) (*plugin.InitResult, error) {
	p.ac = ac
	if ac.Logger != nil {
		p.logger = ac.Logger
	}

	p.issuer = p.config.Issuer
	if p.issuer == "" {
		u, err := url.Parse(ac.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, errors.New("issuer is required when the base URL is resolved per request")
		}
		p.issuer = ac.BaseURL
	}
	if p.config.Resource == "" {
		p.config.Resource = security.OriginOf(p.issuer)
	}
	if strings.HasPrefix(p.issuer, "http://") {
		p.logger.Warn("⚠️  SECURITY WARNING: MCP authorization server issuer is not HTTPS",
			"issuer", p.issuer,
			"risk", "Tokens and codes can be intercepted in transit",
			"recommendation", "Serve the issuer over HTTPS outside local development")
	}

	key := make([]byte, verifier.MinHMACSecretLength)
	r := hkdf.New(sha256.New, []byte(ac.Secret), nil, []byte("mcp-auth mcp access token signing"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	signer, err := verifier.NewHMAC(verifier.HMACConfig{
		Secret:    key,
		Issuer:    p.issuer,
		Audiences: []string{p.config.Resource},
		Logger:    p.logger,
	})
	if err != nil {
		return nil, err
	}
	p.signer = signer
	p.verify = signer
	if p.config.Verifier != nil {
		p.verify = verifier.Chain(signer, p.config.Verifier)
	}

	if p.config.MaxRegistrationsPerHour > 0 {
		p.limiter = security.NewWindowLimiter(p.config.MaxRegistrationsPerHour, time.Hour, security.DefaultMaxWindowEntries, p.logger)
	} else {
		p.limiter = security.NewRegistrationLimiter(p.logger)
	}
	return nil, nil
}

// Close stops the registration limiter.
func (p *Plugin) Close() error {
	if p.limiter != nil {
		p.limiter.Stop()
	}
	return nil
}

// SetClock overrides the clock used for codes and refresh tokens.
func (p *Plugin) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// Issuer returns the issuer identifier, known after initialization.
func (p *Plugin) Issuer() string { return p.issuer }

// Resource returns the protected resource identifier.
func (p *Plugin) Resource() string { return p.config.Resource }

// Endpoints implements plugin.EndpointContributor.
func (p *Plugin) Endpoints() map[string]*plugin.Endpoint {
	return map[string]*plugin.Endpoint{
		OperationRegister: {
			Method:  http.MethodPost,
			Path:    "/mcp/register",
			Handler: p.register,
		},
		OperationAuthorize: {
			Method:  http.MethodGet,
			Path:    "/mcp/authorize",
			Handler: p.authorize,
		},
		OperationToken: {
			Method:  http.MethodPost,
			Path:    "/mcp/token",
			Handler: p.token,
		},
		OperationRevoke: {
			Method:  http.MethodPost,
			Path:    "/mcp/revoke",
			Handler: p.revoke,
		},
		OperationUserInfo: {
			Method:  http.MethodGet,
			Path:    "/mcp/userinfo",
			Handler: p.userInfo,
		},
		OperationAuthorizationServer: {
			Method:  http.MethodGet,
			Path:    discovery.AuthorizationServerPath,
			Handler: p.authorizationServerMetadata,
		},
		OperationProtectedResource: {
			Method:  http.MethodGet,
			Path:    discovery.ProtectedResourcePath,
			Handler: p.protectedResourceMetadata,
		},
	}
}

func (p *Plugin) metrics() *instrumentation.Metrics {
	if p.ac == nil {
		return nil
	}
	return p.ac.Metrics()
}

func (p *Plugin) db() adapter.Adapter { return p.ac.Adapter }

// hashToken returns the storage key of an opaque token.
func hashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return fmt.Sprintf("%x", sum)
}

func splitScope(scope string) []string { return strings.Fields(scope) }
