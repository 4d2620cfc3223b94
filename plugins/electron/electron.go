// Package electron hands a browser session over to a desktop app with a
// PKCE-protected, single-use exchange.
//
// The app opens the browser with a code challenge and state. Once signed
// in, the browser calls /electron/authorize, which stores a short-lived
// verification record and redirects to the app's deep link with an opaque
// token. The app then redeems the token at /electron/token with its code
// verifier and receives its own session.
package electron

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/pkce"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/session"
)

// ID is the plugin ID.
const ID = "electron"

// Operation names.
const (
	OperationAuthorize = "electronAuthorize"
	OperationToken     = "electronToken"
)

const (
	// DefaultTTL bounds how long a handoff token can be redeemed
	DefaultTTL = 5 * time.Minute

	// DefaultRedirectURL is the app's deep link
	DefaultRedirectURL = "app://auth/callback"

	identifierPrefix = "electron:"
)

// Error codes contributed by the plugin. Invalid and expired tokens use
// apierror.CodeInvalidOrExpiredToken, state failures use
// apierror.CodeStateNotFound and apierror.CodeStateMismatch.
var (
	ErrMissingCodeChallenge = apierror.Code{Code: "MISSING_CODE_CHALLENGE", Message: "missing code challenge"}
	ErrInvalidCodeVerifier  = apierror.Code{Code: "INVALID_CODE_VERIFIER", Message: "invalid code verifier"}
	ErrInvalidChallenge     = apierror.Code{Code: "INVALID_CODE_CHALLENGE_METHOD", Message: "unsupported code challenge method"}
)

// Config configures the plugin.
type Config struct {
	// TTL of the handoff record (default: 5 minutes)
	TTL time.Duration

	// RedirectURL is the deep link receiving token and state
	// (default: app://auth/callback)
	RedirectURL string
}

// Plugin implements the desktop handoff.
type Plugin struct {
	config Config
}

var (
	_ plugin.EndpointContributor  = (*Plugin)(nil)
	_ plugin.ErrorCodeContributor = (*Plugin)(nil)
	_ plugin.Validator            = (*Plugin)(nil)
)

// New creates the plugin.
func New(cfg Config) *Plugin {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = DefaultRedirectURL
	}
	return &Plugin{config: cfg}
}

// ID implements plugin.Plugin.
func (p *Plugin) ID() string { return ID }

// Validate checks the deep link.
func (p *Plugin) Validate() error {
	u, err := url.Parse(p.config.RedirectURL)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("redirect URL %q must be an absolute URL", p.config.RedirectURL)
	}
	return nil
}

// ErrorCodes implements plugin.ErrorCodeContributor.
func (p *Plugin) ErrorCodes() apierror.Codes {
	return apierror.Codes{
		ErrMissingCodeChallenge.Code: ErrMissingCodeChallenge,
		ErrInvalidCodeVerifier.Code:  ErrInvalidCodeVerifier,
		ErrInvalidChallenge.Code:     ErrInvalidChallenge,
	}
}

// Record is the stored handoff.
type Record struct {
	UserID              string `json:"userId"`
	CodeChallenge       string `json:"codeChallenge"`
	CodeChallengeMethod string `json:"codeChallengeMethod"`
	State               string `json:"state"`
}

type authorizeInput struct {
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	State               string `json:"state"`
}

type tokenInput struct {
	Token        string `json:"token"`
	CodeVerifier string `json:"code_verifier"`
	State        string `json:"state"`
}

// AuthorizeBody answers /electron/authorize.
type AuthorizeBody struct {
	Token    string `json:"token"`
	URL      string `json:"url"`
	Redirect bool   `json:"redirect"`
}

// Endpoints implements plugin.EndpointContributor.
func (p *Plugin) Endpoints() map[string]*plugin.Endpoint {
	return map[string]*plugin.Endpoint{
		OperationAuthorize: {
			Method:         http.MethodPost,
			Path:           "/electron/authorize",
			Input:          authorizeInput{},
			RequireSession: true,
			Handler:        p.authorize,
		},
		OperationToken: {
			Method:  http.MethodPost,
			Path:    "/electron/token",
			Input:   tokenInput{},
			Handler: p.token,
		},
	}
}

func (p *Plugin) authorize(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	var in authorizeInput
	if err := rc.Decode(&in); err != nil {
		return nil, err
	}
	method := pkce.MethodS256
	if in.CodeChallengeMethod != "" {
		m, err := pkce.NormalizeMethod(in.CodeChallengeMethod)
		if err != nil {
			return nil, ErrInvalidChallenge.Err(http.StatusBadRequest)
		}
		method = m
	}

	tok, err := session.GenerateToken()
	if err != nil {
		return nil, err
	}
	value, err := json.Marshal(Record{
		UserID:              rc.User.ID,
		CodeChallenge:       in.CodeChallenge,
		CodeChallengeMethod: method,
		State:               in.State,
	})
	if err != nil {
		return nil, err
	}
	if _, err := rc.Auth.Internal.CreateVerification(ctx, identifierPrefix+tok, string(value), p.config.TTL); err != nil {
		return nil, err
	}

	return plugin.JSON(AuthorizeBody{
		Token:    tok,
		URL:      p.deepLink(tok, in.State),
		Redirect: true,
	}), nil
}

func (p *Plugin) deepLink(tok, state string) string {
	u, err := url.Parse(p.config.RedirectURL)
	if err != nil {
		return p.config.RedirectURL
	}
	q := u.Query()
	q.Set("token", tok)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// token redeems a handoff. Checks run in a fixed order and each failure
// has its own code.
func (p *Plugin) token(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	var in tokenInput
	if err := rc.Decode(&in); err != nil {
		return nil, err
	}
	internal := rc.Auth.Internal

	v, err := internal.FindVerification(ctx, identifierPrefix+in.Token)
	if err != nil {
		return nil, err
	}
	var rec Record
	if v == nil || json.Unmarshal([]byte(v.Value), &rec) != nil {
		return nil, p.reject(ctx, rc, "", "invalid_or_expired_token",
			apierror.BadRequest(apierror.CodeInvalidOrExpiredToken, "invalid or expired token"))
	}
	if rec.State == "" {
		return nil, p.reject(ctx, rc, rec.UserID, "state_not_found",
			apierror.BadRequest(apierror.CodeStateNotFound, "state not found"))
	}
	if subtle.ConstantTimeCompare([]byte(rec.State), []byte(in.State)) != 1 {
		return nil, p.reject(ctx, rc, rec.UserID, "state_mismatch",
			apierror.BadRequest(apierror.CodeStateMismatch, "state mismatch"))
	}
	if rec.CodeChallenge == "" {
		return nil, p.reject(ctx, rc, rec.UserID, "missing_code_challenge",
			ErrMissingCodeChallenge.Err(http.StatusBadRequest))
	}
	if !pkce.Verify(in.CodeVerifier, rec.CodeChallenge, rec.CodeChallengeMethod) {
		rc.Auth.Metrics().RecordPKCEValidationFailed(ctx, rec.CodeChallengeMethod, "mismatch")
		return nil, p.reject(ctx, rc, rec.UserID, "invalid_code_verifier",
			ErrInvalidCodeVerifier.Err(http.StatusBadRequest))
	}

	// The record is single-use.
	consumed, err := internal.DeleteVerification(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, p.reject(ctx, rc, rec.UserID, "token_already_used",
			apierror.BadRequest(apierror.CodeInvalidOrExpiredToken, "invalid or expired token"))
	}
	user, err := internal.FindUserByID(ctx, rec.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apierror.NotFound(apierror.CodeUserNotFound, "user not found")
	}
	return plugin.SignIn(ctx, rc, user, "electron")
}

func (p *Plugin) reject(ctx context.Context, rc *plugin.RequestContext, userID, reason string, err *apierror.Error) error {
	rc.Logger().Warn("Electron token exchange rejected", "reason", reason, "ip", rc.ClientIP)
	rc.Auth.Auditor.LogAuthFailure(ctx, userID, ID, rc.ClientIP, reason)
	return err
}
