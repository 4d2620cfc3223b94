package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	gooidc "github.com/coreos/go-oidc/v3/oidc"

	"github.com/giantswarm/mcp-auth/providers"
	"github.com/giantswarm/mcp-auth/token"
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{gooidc.ScopeOpenID, "profile", "email"}

// Config configures an OIDC provider.
type Config struct {
	providers.Config

	// ID is the provider ID (default: "oidc")
	ID string

	// IssuerURL is discovered through /.well-known/openid-configuration
	IssuerURL string

	// DefaultScopes override the package DefaultScopes
	DefaultScopes []string

	// AuthParams are added to every authorization URL
	AuthParams map[string]string

	// MapProfile maps ID token and userinfo claims (default: providers.StandardClaims)
	MapProfile providers.ProfileMapper

	// Discovery is shared between providers; nil creates a private client
	Discovery *DiscoveryClient

	Logger *slog.Logger
}

// Provider is a discovered OIDC issuer. Identity comes from the verified
// ID token when the token response carries one, and from the userinfo
// endpoint otherwise.
type Provider struct {
	*providers.Generic

	issuer     string
	idTokens   *gooidc.IDTokenVerifier
	mapProfile providers.ProfileMapper
	logger     *slog.Logger
}

var _ providers.Provider = (*Provider)(nil)

// New discovers cfg.IssuerURL and creates the provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if cfg.ID == "" {
		cfg.ID = "oidc"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MapProfile == nil {
		cfg.MapProfile = providers.StandardClaims
	}
	defaults := cfg.DefaultScopes
	if len(defaults) == 0 {
		defaults = DefaultScopes
	}
	disc := cfg.Discovery
	if disc == nil {
		disc = NewDiscoveryClient(cfg.HTTPClient, 0, cfg.Logger)
	}

	d, err := disc.Discover(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", cfg.ID, err)
	}

	var userInfo providers.UserInfoFunc
	if d.Document.UserInfoEndpoint == "" {
		userInfo = func(context.Context, *http.Client, *token.Set) (*providers.UserInfo, error) {
			return nil, providers.ErrUserInfoUnavailable
		}
	}

	generic, err := providers.NewGeneric(providers.GenericConfig{
		Config: cfg.Config,
		ID:     cfg.ID,
		Endpoints: providers.Endpoints{
			AuthURL:     d.Document.AuthorizationEndpoint,
			TokenURL:    d.Document.TokenEndpoint,
			UserInfoURL: d.Document.UserInfoEndpoint,
			RevokeURL:   d.Document.RevocationEndpoint,
			HealthURL:   d.Document.Issuer + "/.well-known/openid-configuration",
		},
		DefaultScopes: defaults,
		MapProfile:    cfg.MapProfile,
		GetUserInfo:   userInfo,
		AuthParams:    cfg.AuthParams,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Provider{
		Generic:    generic,
		issuer:     d.Document.Issuer,
		idTokens:   d.IDTokenVerifier(cfg.ClientID),
		mapProfile: cfg.MapProfile,
		logger:     cfg.Logger,
	}, nil
}

// Issuer returns the discovered issuer identifier.
func (p *Provider) Issuer() string { return p.issuer }

// VerifyIDToken checks the signature, issuer, audience and expiry of
// rawIDToken and returns its claims.
func (p *Provider) VerifyIDToken(ctx context.Context, rawIDToken string) (map[string]any, error) {
	idToken, err := p.idTokens.Verify(gooidc.ClientContext(ctx, p.HTTPClient()), rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("invalid ID token: %w", err)
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode ID token claims: %w", err)
	}
	return claims, nil
}

// UserInfo prefers the ID token's claims and falls back to the userinfo
// endpoint when there is no ID token or it lacks an email.
func (p *Provider) UserInfo(ctx context.Context, tokens *token.Set) (*providers.UserInfo, error) {
	if tokens == nil {
		return nil, providers.ErrUserInfoUnavailable
	}
	if tokens.IDToken == "" {
		return p.Generic.UserInfo(ctx, tokens)
	}

	claims, err := p.VerifyIDToken(ctx, tokens.IDToken)
	if err != nil {
		return nil, err
	}
	info, err := p.mapProfile(claims)
	if err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, providers.ErrUserInfoUnavailable
	}
	if info.Email == "" && tokens.AccessToken != "" {
		p.logger.Debug("ID token has no email, calling userinfo", "provider", p.Name())
		if fromEndpoint, err := p.Generic.UserInfo(ctx, tokens); err == nil && fromEndpoint.ID == info.ID {
			return fromEndpoint, nil
		}
	}
	info.Raw = claims
	return info, nil
}
