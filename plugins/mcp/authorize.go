package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"

	"github.com/giantswarm/mcp-auth/pkce"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/security"
	"github.com/giantswarm/mcp-auth/session"
)

const codePrefix = "mcp-code:"

// authorizationCode is the stored grant behind an issued code.
type authorizationCode struct {
	ClientID            string `json:"clientId"`
	UserID              string `json:"userId"`
	RedirectURI         string `json:"redirectUri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"codeChallenge"`
	CodeChallengeMethod string `json:"codeChallengeMethod"`
}

// checkScopes rejects scopes the server does not support and, when the
// client registered a scope, scopes outside of it.
func (p *Plugin) checkScopes(requested, registered []string) *Error {
	for _, s := range requested {
		if !slices.Contains(p.config.Scopes, s) {
			return ErrInvalidScope(fmt.Sprintf("scope %q is not supported", s))
		}
		if len(registered) > 0 && s != ScopeOfflineAccess && !slices.Contains(registered, s) {
			return ErrInvalidScope(fmt.Sprintf("scope %q was not registered by the client", s))
		}
	}
	return nil
}

// authorize implements the authorization endpoint. Requests naming an
// unknown client or an unregistered redirect URI are answered directly;
// every other failure is reported to the client's redirect URI.
func (p *Plugin) authorize(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	clientID := rc.Field("client_id")
	redirectURI := rc.Field("redirect_uri")
	state := rc.Field("state")

	client, err := p.findClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		rc.Logger().Warn("Authorization request for unknown client", "client_id", clientID, "ip", rc.ClientIP)
		return ErrInvalidRequest("unknown client_id").Response(), nil
	}
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if !slices.Contains(client.RedirectURIs, redirectURI) {
		rc.Logger().Warn("Authorization request with unregistered redirect_uri",
			"client_id", clientID, "redirect_uri", redirectURI, "ip", rc.ClientIP)
		return ErrInvalidRedirectURI("redirect_uri is not registered for this client").Response(), nil
	}

	fail := func(e *Error) (*plugin.Response, error) {
		return plugin.Redirect(redirectWithParams(redirectURI, map[string]string{
			"error":             e.Code,
			"error_description": e.Description,
			"state":             state,
		})), nil
	}

	if rt := rc.Field("response_type"); rt != "code" {
		return fail(&Error{Code: ErrorCodeUnsupportedResponseType, Description: "response_type must be code"})
	}
	challenge := rc.Field("code_challenge")
	if challenge == "" {
		p.metrics().RecordPKCEValidationFailed(ctx, "", "missing_challenge")
		return fail(ErrInvalidRequest("code_challenge is required"))
	}
	method, err := pkce.NormalizeMethod(rc.Field("code_challenge_method"))
	if err != nil || (method == pkce.MethodPlain && !p.config.AllowPlainPKCE) {
		p.metrics().RecordPKCEValidationFailed(ctx, method, "unsupported_method")
		return fail(ErrInvalidRequest("code_challenge_method must be S256"))
	}
	scope := rc.Field("scope")
	if e := p.checkScopes(splitScope(scope), client.Scopes); e != nil {
		return fail(e)
	}

	if err := plugin.ResolveSession(ctx, rc); err != nil {
		return nil, err
	}
	if rc.User == nil {
		callback := rc.BaseURL + "/mcp/authorize?" + rc.Request.URL.RawQuery
		return plugin.Redirect(redirectWithParams(p.config.LoginPage, map[string]string{"callbackURL": callback})), nil
	}

	code, err := session.GenerateToken()
	if err != nil {
		return nil, err
	}
	value, err := json.Marshal(authorizationCode{
		ClientID:            client.ClientID,
		UserID:              rc.User.ID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
	})
	if err != nil {
		return nil, err
	}
	if _, err := rc.Auth.Internal.CreateVerification(ctx, codePrefix+hashToken(code), string(value), p.config.CodeTTL); err != nil {
		return nil, err
	}

	rc.Auth.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventAuthorizationCodeIssued,
		UserID:    rc.User.ID,
		ClientID:  client.ClientID,
		IPAddress: rc.ClientIP,
		Details:   map[string]any{"scope": scope, "pkce_method": method},
	})
	return plugin.Redirect(redirectWithParams(redirectURI, map[string]string{"code": code, "state": state})), nil
}

// redirectWithParams adds the non-empty params to target's query.
func redirectWithParams(target string, params map[string]string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
