package providers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/giantswarm/mcp-auth/token"
)

// DefaultRequestTimeout bounds provider API calls when the caller's
// context has no deadline.
const DefaultRequestTimeout = 30 * time.Second

var (
	// ErrRefreshNotSupported is returned by providers that issue
	// non-expiring tokens
	ErrRefreshNotSupported = errors.New("provider does not support token refresh")

	// ErrUserInfoUnavailable is returned when neither an ID token nor a
	// userinfo endpoint can identify the user
	ErrUserInfoUnavailable = errors.New("provider returned no user info")

	// ErrClientSecretRequired is returned by presets for confidential clients
	ErrClientSecretRequired = errors.New("client secret is required")
)

// Provider is an upstream OAuth 2.0 / OIDC identity provider.
type Provider interface {
	// Name returns the provider ID (e.g. "google", "github")
	Name() string

	// AuthorizationURL builds the URL users are redirected to
	AuthorizationURL(req AuthRequest) string

	// ExchangeCode redeems an authorization code. codeVerifier is empty
	// when PKCE is not used; redirectURI must match the authorization request.
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*token.Set, error)

	// UserInfo identifies the user the tokens were issued for
	UserInfo(ctx context.Context, tokens *token.Set) (*UserInfo, error)

	// RefreshToken exchanges a refresh token for a new token set
	RefreshToken(ctx context.Context, refreshToken string) (*token.Set, error)

	// RevokeToken revokes a token at the provider when supported
	RevokeToken(ctx context.Context, tok string) error

	// HealthCheck verifies that the provider is reachable
	HealthCheck(ctx context.Context) error
}

// AuthRequest holds the parameters of one authorization redirect.
type AuthRequest struct {
	State       string
	RedirectURI string

	// CodeChallenge and CodeChallengeMethod enable PKCE when set
	CodeChallenge       string
	CodeChallengeMethod string

	// Scopes override the provider's default scopes
	Scopes []string

	// Nonce is sent to OIDC providers
	Nonce string

	// Extra query parameters
	Extra map[string]string
}

// UserInfo represents user information from a provider
type UserInfo struct {
	// ID is the unique user identifier from the provider
	ID string

	// Email is the user's email address
	Email string

	// EmailVerified indicates if the email is verified
	EmailVerified bool

	// Name is the user's full name
	Name string

	// Picture is the URL of the user's profile picture
	Picture string

	// Groups carries group memberships for providers that expose them
	Groups []string

	// Raw is the decoded profile as returned by the provider
	Raw map[string]any
}

// Config is shared by every provider preset.
type Config struct {
	ClientID     string
	ClientSecret string

	// Scopes override the preset's defaults
	Scopes []string

	// HTTPClient is an optional custom HTTP client
	HTTPClient *http.Client

	// RequestTimeout is the timeout for provider API calls (default: 30s)
	RequestTimeout time.Duration
}
