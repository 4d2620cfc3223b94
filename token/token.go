// Package token implements the client side of the OAuth 2.0 token
// lifecycle against upstream providers: authorization-code exchange
// (with PKCE) and refresh-token exchange, with expiry tracking for both
// the access and the refresh token.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-auth/security"
)

var (
	// ErrRefreshFailed wraps every failed refresh-token exchange
	ErrRefreshFailed = errors.New("refresh token exchange failed")

	// ErrExchangeFailed wraps every failed authorization-code exchange
	ErrExchangeFailed = errors.New("authorization code exchange failed")

	// ErrMissingAccessToken is returned when the token response has no access_token
	ErrMissingAccessToken = errors.New("token response is missing access_token")
)

// Set is the result of a token exchange. Values are never mutated: each
// refresh returns a new Set.
type Set struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	IDToken      string
	Scopes       []string

	// AccessTokenExpiresAt is nil when the provider sent no expires_in
	AccessTokenExpiresAt *time.Time

	// RefreshTokenExpiresAt is nil when the provider sent no
	// refresh_token_expires_in
	RefreshTokenExpiresAt *time.Time
}

// AccessTokenExpired reports whether the access token expired at now or
// expires within skew of it. A token without expiry never expires.
func (s *Set) AccessTokenExpired(now time.Time, skew time.Duration) bool {
	if s == nil || s.AccessTokenExpiresAt == nil {
		return false
	}
	return security.ExpiresWithin(*s.AccessTokenExpiresAt, now, skew)
}

// RefreshTokenExpired reports whether the refresh token expired at now.
func (s *Set) RefreshTokenExpired(now time.Time) bool {
	if s == nil || s.RefreshTokenExpiresAt == nil {
		return false
	}
	return now.After(*s.RefreshTokenExpiresAt)
}

// RefreshRequest describes a refresh_token grant.
type RefreshRequest struct {
	RefreshToken  string
	ClientID      string
	ClientSecret  string
	TokenEndpoint string

	// HTTPClient is used for the token request (default: http.DefaultClient)
	HTTPClient *http.Client

	// Now overrides the clock used to compute expiries
	Now func() time.Time
}

// ExchangeRequest describes an authorization_code grant.
type ExchangeRequest struct {
	Code          string
	CodeVerifier  string
	RedirectURI   string
	ClientID      string
	ClientSecret  string
	TokenEndpoint string

	HTTPClient *http.Client
	Now        func() time.Time
}

func oauthConfig(clientID, clientSecret, tokenEndpoint, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func withClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

func clock(now func() time.Time) time.Time {
	if now == nil {
		return time.Now()
	}
	return now()
}

// RefreshAccessToken exchanges a refresh token at the provider. A
// response without refresh_token keeps the prior refresh token. Expiries
// are set only for the lifetimes the provider reported. Failures are
// returned wrapped in ErrRefreshFailed and never retried.
func RefreshAccessToken(ctx context.Context, req RefreshRequest) (*Set, error) {
	if req.RefreshToken == "" {
		return nil, fmt.Errorf("%w: refresh token is required", ErrRefreshFailed)
	}
	if req.TokenEndpoint == "" {
		return nil, fmt.Errorf("%w: token endpoint is required", ErrRefreshFailed)
	}

	now := clock(req.Now)
	conf := oauthConfig(req.ClientID, req.ClientSecret, req.TokenEndpoint, "")
	tok, err := conf.TokenSource(withClient(ctx, req.HTTPClient), &oauth2.Token{RefreshToken: req.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	set, err := fromOAuth2(tok, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if set.RefreshToken == "" {
		set.RefreshToken = req.RefreshToken
	}
	return set, nil
}

// ExchangeAuthorizationCode redeems an authorization code, sending the
// PKCE verifier when one is set.
func ExchangeAuthorizationCode(ctx context.Context, req ExchangeRequest) (*Set, error) {
	if req.Code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrExchangeFailed)
	}

	now := clock(req.Now)
	conf := oauthConfig(req.ClientID, req.ClientSecret, req.TokenEndpoint, req.RedirectURI)

	var opts []oauth2.AuthCodeOption
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(req.CodeVerifier))
	}
	tok, err := conf.Exchange(withClient(ctx, req.HTTPClient), req.Code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}

	set, err := fromOAuth2(tok, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	return set, nil
}

// fromOAuth2 converts a token response. Lifetimes are taken from the raw
// expires_in and refresh_token_expires_in fields so that absence can be
// told apart from zero.
func fromOAuth2(tok *oauth2.Token, now time.Time) (*Set, error) {
	if tok.AccessToken == "" {
		return nil, ErrMissingAccessToken
	}

	set := &Set{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
	}

	if secs, ok := extraSeconds(tok, "expires_in"); ok {
		t := now.Add(time.Duration(secs) * time.Second)
		set.AccessTokenExpiresAt = &t
	} else if tok.ExpiresIn > 0 {
		t := now.Add(time.Duration(tok.ExpiresIn) * time.Second)
		set.AccessTokenExpiresAt = &t
	}

	if secs, ok := extraSeconds(tok, "refresh_token_expires_in"); ok {
		t := now.Add(time.Duration(secs) * time.Second)
		set.RefreshTokenExpiresAt = &t
	}

	if idToken, ok := tok.Extra("id_token").(string); ok {
		set.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		set.Scopes = strings.Fields(strings.ReplaceAll(scope, ",", " "))
	}
	return set, nil
}

// extraSeconds reads a numeric field from the raw token response. JSON
// responses decode numbers as float64, form-encoded ones as strings.
func extraSeconds(tok *oauth2.Token, field string) (int64, bool) {
	switch v := tok.Extra(field).(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		if v == "" {
			return 0, false
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// RetrieveError returns the provider's error response, if err carries one.
func RetrieveError(err error) (*oauth2.RetrieveError, bool) {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
