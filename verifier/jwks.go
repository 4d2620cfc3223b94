package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSConfig configures a verifier for tokens signed by a remote issuer.
type JWKSConfig struct {
	Issuer string

	// Audiences accepted; a token must carry at least one
	Audiences []string

	// JWKSURL skips OIDC discovery when set
	JWKSURL string

	// AllowedAlgs (default: RS256, ES256)
	AllowedAlgs []string

	// Leeway tolerated on time claims (default: DefaultLeeway)
	Leeway time.Duration

	// HTTPClient is used for discovery (default: http.DefaultClient)
	HTTPClient *http.Client

	Logger *slog.Logger
}

// JWKS verifies asymmetric JWTs against an auto-refreshing key set.
type JWKS struct {
	cfg     JWKSConfig
	keyfunc keyfunc.Keyfunc
	parser  *jwt.Parser
	logger  *slog.Logger
}

var _ Verifier = (*JWKS)(nil)

// NewJWKS discovers the issuer's jwks_uri unless JWKSURL is given and
// starts refreshing the key set until ctx is cancelled.
func NewJWKS(ctx context.Context, cfg JWKSConfig) (*JWKS, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.Audiences) == 0 {
		return nil, errors.New("at least one audience is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256", "ES256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = DefaultLeeway
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		discoverCtx := ctx
		if cfg.HTTPClient != nil {
			discoverCtx = oidc.ClientContext(ctx, cfg.HTTPClient)
		}
		provider, err := oidc.NewProvider(discoverCtx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery failed: %w", err)
		}
		var meta struct {
			JWKSURI string `json:"jwks_uri"`
		}
		if err := provider.Claims(&meta); err != nil {
			return nil, fmt.Errorf("invalid discovery metadata: %w", err)
		}
		if meta.JWKSURI == "" {
			return nil, errors.New("discovery incomplete: missing jwks_uri")
		}
		jwksURL = meta.JWKSURI
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	cfg.Logger.Info("JWKS verifier ready", "issuer", cfg.Issuer, "jwks_uri", jwksURL)
	return &JWKS{
		cfg:     cfg,
		keyfunc: kf,
		logger:  cfg.Logger,
		parser: jwt.NewParser(
			jwt.WithValidMethods(cfg.AllowedAlgs),
			jwt.WithExpirationRequired(),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithLeeway(cfg.Leeway),
		),
	}, nil
}

// Verify returns the token's claims, or nil when it is not valid.
func (v *JWKS) Verify(_ context.Context, token string) *Claims {
	if token == "" {
		return nil
	}
	parsed, err := v.parser.Parse(token, v.keyfunc.Keyfunc)
	if err != nil {
		v.logger.Debug("JWKS token rejected", "error", err)
		return nil
	}
	m, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}
	c := claimsFromMap(m)
	if c.Subject == "" {
		v.logger.Debug("JWKS token rejected", "error", "missing sub")
		return nil
	}
	if !audIntersects(c.Audience, v.cfg.Audiences) {
		v.logger.Debug("JWKS token rejected", "error", "audience mismatch")
		return nil
	}
	return c
}
