// Package verifier checks bearer tokens presented to protected resources.
//
// Verifiers follow a null-return policy: any failure (bad signature,
// wrong issuer or audience, expiry, unreachable key set) yields a nil
// *Claims and is only logged at debug level.
package verifier

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultLeeway is the clock skew tolerated on exp, nbf and iat.
const DefaultLeeway = 60 * time.Second

// Claims is the verified identity behind a bearer token.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
	IssuedAt  time.Time

	// Raw holds every claim of the token
	Raw map[string]any
}

// HasScope reports whether scope was granted.
func (c *Claims) HasScope(scope string) bool {
	return c != nil && slices.Contains(c.Scopes, scope)
}

// Decode unmarshals the raw claims into v.
func (c *Claims) Decode(v any) error {
	b, err := json.Marshal(c.Raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Verifier turns a bearer token into claims, or nil.
type Verifier interface {
	Verify(ctx context.Context, token string) *Claims
}

// Func adapts a function to Verifier.
type Func func(ctx context.Context, token string) *Claims

func (f Func) Verify(ctx context.Context, token string) *Claims { return f(ctx, token) }

// Chain tries each verifier in order and returns the first claims.
func Chain(verifiers ...Verifier) Verifier {
	return Func(func(ctx context.Context, token string) *Claims {
		for _, v := range verifiers {
			if c := v.Verify(ctx, token); c != nil {
				return c
			}
		}
		return nil
	})
}

func claimsFromMap(m jwt.MapClaims) *Claims {
	c := &Claims{Raw: map[string]any(m)}
	c.Subject, _ = m.GetSubject()
	c.Issuer, _ = m.GetIssuer()
	if aud, err := m.GetAudience(); err == nil {
		c.Audience = []string(aud)
	}
	if exp, err := m.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, err := m.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	if s, ok := m["client_id"].(string); ok {
		c.ClientID = s
	} else if s, ok := m["azp"].(string); ok {
		c.ClientID = s
	}
	if s, ok := m["scope"].(string); ok {
		c.Scopes = strings.Fields(s)
	}
	return c
}

func audIntersects(have, wants []string) bool {
	for _, w := range wants {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}
