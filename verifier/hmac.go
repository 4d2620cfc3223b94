package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinHMACSecretLength is the minimum signing key size in bytes.
const MinHMACSecretLength = 32

// HMACConfig configures an HS256 signer and verifier.
type HMACConfig struct {
	Secret []byte
	Issuer string

	// Audiences accepted on verification; the first is used when signing
	Audiences []string

	// Leeway tolerated on time claims (default: DefaultLeeway)
	Leeway time.Duration

	Logger *slog.Logger
}

// HMAC signs and verifies HS256 access tokens with a shared secret.
type HMAC struct {
	cfg    HMACConfig
	parser *jwt.Parser
	logger *slog.Logger
	now    func() time.Time
}

var _ Verifier = (*HMAC)(nil)

// NewHMAC validates cfg and creates the verifier.
func NewHMAC(cfg HMACConfig) (*HMAC, error) {
	if len(cfg.Secret) < MinHMACSecretLength {
		return nil, fmt.Errorf("hmac secret must be at least %d bytes", MinHMACSecretLength)
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = DefaultLeeway
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &HMAC{cfg: cfg, logger: cfg.Logger, now: time.Now}
	h.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(func() time.Time { return h.now() }),
	)
	return h, nil
}

// SignRequest describes one access token.
type SignRequest struct {
	Subject  string
	ClientID string
	Scopes   []string
	Audience string // default: the first configured audience
	TTL      time.Duration
}

// Sign issues an HS256 JWT and returns it with its expiry.
func (h *HMAC) Sign(req SignRequest) (string, time.Time, error) {
	if req.Subject == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	if req.TTL <= 0 {
		return "", time.Time{}, errors.New("ttl must be positive")
	}
	aud := req.Audience
	if aud == "" && len(h.cfg.Audiences) > 0 {
		aud = h.cfg.Audiences[0]
	}

	now := h.now()
	exp := now.Add(req.TTL)
	claims := jwt.MapClaims{
		"iss": h.cfg.Issuer,
		"sub": req.Subject,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
		"jti": uuid.NewString(),
	}
	if aud != "" {
		claims["aud"] = aud
	}
	if req.ClientID != "" {
		claims["client_id"] = req.ClientID
	}
	if len(req.Scopes) > 0 {
		claims["scope"] = strings.Join(req.Scopes, " ")
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["typ"] = "at+jwt"
	signed, err := tok.SignedString(h.cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, time.Unix(exp.Unix(), 0), nil
}

// Verify returns the token's claims, or nil when it is not valid.
func (h *HMAC) Verify(_ context.Context, token string) *Claims {
	if token == "" {
		return nil
	}
	parsed, err := h.parser.Parse(token, func(*jwt.Token) (any, error) {
		return h.cfg.Secret, nil
	})
	if err != nil {
		h.logger.Debug("HMAC token rejected", "error", err)
		return nil
	}
	m, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}
	c := claimsFromMap(m)
	if c.Subject == "" {
		h.logger.Debug("HMAC token rejected", "error", "missing sub")
		return nil
	}
	if len(h.cfg.Audiences) > 0 && !audIntersects(c.Audience, h.cfg.Audiences) {
		h.logger.Debug("HMAC token rejected", "error", "audience mismatch")
		return nil
	}
	return c
}
