package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/instrumentation"
	"github.com/giantswarm/mcp-auth/pkce"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/security"
	"github.com/giantswarm/mcp-auth/session"
	"github.com/giantswarm/mcp-auth/verifier"
)

// TokenResponse is the RFC 6749 section 5.1 token answer.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// UserInfo is the /mcp/userinfo answer.
type UserInfo struct {
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
}

type refreshToken struct {
	ID       string
	FamilyID string
	ClientID string
	UserID   string
	Scope    string
	expired  bool
	rotated  bool
}

func noStore(resp *plugin.Response) *plugin.Response {
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	resp.Headers.Set("Cache-Control", "no-store")
	resp.Headers.Set("Pragma", "no-cache")
	return resp
}

// token implements the token endpoint for the authorization_code and
// refresh_token grants.
func (p *Plugin) token(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	grantType := rc.Field("grant_type")
	switch grantType {
	case "authorization_code", "refresh_token":
	case "":
		return noStore(ErrInvalidRequest("grant_type is required").Response()), nil
	default:
		return noStore(ErrUnsupportedGrantType(grantType).Response()), nil
	}

	client, oerr := p.authenticateClient(ctx, rc)
	if oerr != nil {
		return noStore(oerr.Response()), nil
	}

	var resp *TokenResponse
	if grantType == "authorization_code" {
		resp, oerr = p.exchangeCode(ctx, rc, client)
	} else {
		resp, oerr = p.refresh(ctx, rc, client)
	}
	if oerr != nil {
		return noStore(oerr.Response()), nil
	}
	return noStore(plugin.JSON(resp)), nil
}

func (p *Plugin) exchangeCode(ctx context.Context, rc *plugin.RequestContext, client *Client) (*TokenResponse, *Error) {
	code := rc.Field("code")
	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	internal := rc.Auth.Internal
	v, err := internal.FindVerification(ctx, codePrefix+hashToken(code))
	if err != nil {
		rc.Logger().Error("Failed to load authorization code", "error", err)
		return nil, ErrServerError("failed to load authorization code")
	}
	if v == nil {
		p.logAuthFailure(ctx, rc, client.ClientID, "invalid_authorization_code")
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}
	// Codes are single-use whatever the outcome.
	consumed, err := internal.DeleteVerification(ctx, v.ID)
	if err != nil {
		rc.Logger().Error("Failed to delete authorization code", "error", err)
		return nil, ErrServerError("failed to consume authorization code")
	}
	if !consumed {
		p.logAuthFailure(ctx, rc, client.ClientID, "authorization_code_reused")
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}

	var grant authorizationCode
	if err := json.Unmarshal([]byte(v.Value), &grant); err != nil {
		return nil, ErrInvalidGrant("authorization code is invalid or expired")
	}
	if grant.ClientID != client.ClientID {
		p.logAuthFailure(ctx, rc, client.ClientID, "authorization_code_client_mismatch")
		return nil, ErrInvalidGrant("authorization code was issued to another client")
	}
	if rc.Field("redirect_uri") != grant.RedirectURI {
		p.logAuthFailure(ctx, rc, client.ClientID, "redirect_uri_mismatch")
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	instrumentation.AddPKCEAttributes(trace.SpanFromContext(ctx), grant.CodeChallengeMethod)
	if err := pkce.Check(rc.Field("code_verifier"), grant.CodeChallenge, grant.CodeChallengeMethod); err != nil {
		p.metrics().RecordPKCEValidationFailed(ctx, grant.CodeChallengeMethod, "mismatch")
		rc.Auth.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventPKCEValidationFailed,
			UserID:    grant.UserID,
			ClientID:  client.ClientID,
			IPAddress: rc.ClientIP,
			Details:   map[string]any{"method": grant.CodeChallengeMethod},
		})
		return nil, ErrInvalidGrant("code_verifier does not match the code challenge")
	}

	user, err := internal.FindUserByID(ctx, grant.UserID)
	if err != nil {
		rc.Logger().Error("Failed to load user", "error", err)
		return nil, ErrServerError("failed to load user")
	}
	if user == nil {
		return nil, ErrInvalidGrant("user no longer exists")
	}

	resp, oerr := p.issue(ctx, rc, client, user.ID, grant.Scope, uuid.NewString())
	if oerr != nil {
		return nil, oerr
	}
	p.metrics().RecordCodeExchange(ctx, client.ClientID, grant.CodeChallengeMethod)
	rc.Auth.Auditor.LogTokenIssued(ctx, user.ID, client.ClientID, rc.ClientIP, grant.Scope)
	return resp, nil
}

// refresh rotates a refresh token. Presenting a token that was already
// rotated revokes its whole family.
func (p *Plugin) refresh(ctx context.Context, rc *plugin.RequestContext, client *Client) (*TokenResponse, *Error) {
	raw := rc.Field("refresh_token")
	if raw == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}
	rt, err := p.findRefreshToken(ctx, raw)
	if err != nil {
		rc.Logger().Error("Failed to load refresh token", "error", err)
		return nil, ErrServerError("failed to load refresh token")
	}
	if rt == nil {
		p.logAuthFailure(ctx, rc, client.ClientID, "invalid_refresh_token")
		return nil, ErrInvalidGrant("refresh token is invalid")
	}
	if rt.ClientID != client.ClientID {
		p.logAuthFailure(ctx, rc, client.ClientID, "refresh_token_client_mismatch")
		return nil, ErrInvalidGrant("refresh token was issued to another client")
	}
	if rt.rotated {
		n, err := p.revokeFamily(ctx, rt.FamilyID)
		if err != nil {
			rc.Logger().Error("Failed to revoke refresh token family", "family_id", rt.FamilyID, "error", err)
		}
		rc.Logger().Warn("⚠️  SECURITY WARNING: refresh token reuse detected",
			"client_id", client.ClientID,
			"user_id", rt.UserID,
			"ip", rc.ClientIP,
			"revoked", n,
			"risk", "The refresh token may have been stolen",
			"recommendation", "The token family was revoked; the client must re-authorize")
		rc.Auth.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventRefreshTokenReuseDetected,
			UserID:    rt.UserID,
			ClientID:  client.ClientID,
			IPAddress: rc.ClientIP,
			Details:   map[string]any{"family_id": rt.FamilyID, "revoked": n},
		})
		return nil, ErrInvalidGrant("refresh token was already used")
	}
	if rt.expired {
		if _, err := p.revokeFamily(ctx, rt.FamilyID); err != nil {
			rc.Logger().Warn("Failed to delete expired refresh tokens", "family_id", rt.FamilyID, "error", err)
		}
		return nil, ErrInvalidGrant("refresh token has expired")
	}

	scope := rt.Scope
	if requested := rc.Field("scope"); requested != "" {
		granted := splitScope(rt.Scope)
		for _, s := range splitScope(requested) {
			if !slices.Contains(granted, s) {
				return nil, ErrInvalidScope(fmt.Sprintf("scope %q exceeds the original grant", s))
			}
		}
		scope = requested
	}

	user, err := rc.Auth.Internal.FindUserByID(ctx, rt.UserID)
	if err != nil {
		rc.Logger().Error("Failed to load user", "error", err)
		return nil, ErrServerError("failed to load user")
	}
	if user == nil {
		return nil, ErrInvalidGrant("user no longer exists")
	}

	now := p.now()
	if _, err := p.db().Update(ctx, ModelRefreshToken,
		adapter.Record{"rotatedAt": now, "updatedAt": now},
		[]adapter.Where{adapter.Eq("id", rt.ID)}); err != nil {
		rc.Logger().Error("Failed to rotate refresh token", "error", err)
		return nil, ErrServerError("failed to rotate refresh token")
	}

	resp, oerr := p.issue(ctx, rc, client, user.ID, scope, rt.FamilyID)
	if oerr != nil {
		return nil, oerr
	}
	p.metrics().RecordTokenRefresh(ctx, ID, true)
	rc.Auth.Auditor.LogTokenRefreshed(ctx, user.ID, client.ClientID, rc.ClientIP, true)
	return resp, nil
}

// issue signs an access token and stores a new refresh token in family.
func (p *Plugin) issue(ctx context.Context, rc *plugin.RequestContext, client *Client, userID, scope, family string) (*TokenResponse, *Error) {
	instrumentation.AddOAuthFlowAttributes(trace.SpanFromContext(ctx), client.ClientID, userID, scope)
	access, _, err := p.signer.Sign(verifier.SignRequest{
		Subject:  userID,
		ClientID: client.ClientID,
		Scopes:   splitScope(scope),
		TTL:      p.config.AccessTokenTTL,
	})
	if err != nil {
		rc.Logger().Error("Failed to sign access token", "error", err)
		return nil, ErrServerError("failed to issue access token")
	}

	refresh, err := session.GenerateToken()
	if err != nil {
		return nil, ErrServerError("failed to issue refresh token")
	}
	now := p.now()
	if _, err := p.db().Create(ctx, ModelRefreshToken, adapter.Record{
		"tokenHash": hashToken(refresh),
		"familyId":  family,
		"clientId":  client.ClientID,
		"userId":    userID,
		"scope":     scope,
		"expiresAt": now.Add(p.config.RefreshTokenTTL),
		"createdAt": now,
		"updatedAt": now,
	}); err != nil {
		rc.Logger().Error("Failed to save refresh token", "error", err)
		return nil, ErrServerError("failed to issue refresh token")
	}

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(p.config.AccessTokenTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        scope,
	}, nil
}

func (p *Plugin) findRefreshToken(ctx context.Context, raw string) (*refreshToken, error) {
	rec, err := p.db().FindOne(ctx, ModelRefreshToken, []adapter.Where{adapter.Eq("tokenHash", hashToken(raw))})
	if err != nil || rec == nil {
		return nil, err
	}
	rt := &refreshToken{
		ID:       rec.String("id"),
		FamilyID: rec.String("familyId"),
		ClientID: rec.String("clientId"),
		UserID:   rec.String("userId"),
		Scope:    rec.String("scope"),
		rotated:  rec.TimePtr("rotatedAt") != nil,
	}
	if exp, ok := rec.Time("expiresAt"); !ok || !p.now().Before(exp) {
		rt.expired = true
	}
	return rt, nil
}

func (p *Plugin) revokeFamily(ctx context.Context, family string) (int, error) {
	return p.db().DeleteMany(ctx, ModelRefreshToken, []adapter.Where{adapter.Eq("familyId", family)})
}

// revoke implements RFC 7009. Access tokens are self-contained and stay
// valid until they expire; revoking a refresh token drops its family.
func (p *Plugin) revoke(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	client, oerr := p.authenticateClient(ctx, rc)
	if oerr != nil {
		return oerr.Response(), nil
	}
	raw := rc.Field("token")
	if raw == "" {
		return ErrInvalidRequest("token is required").Response(), nil
	}
	if hint := rc.Field("token_type_hint"); hint == "access_token" {
		return plugin.JSON(struct{}{}), nil
	}

	rt, err := p.findRefreshToken(ctx, raw)
	if err != nil {
		return nil, err
	}
	if rt == nil || rt.ClientID != client.ClientID {
		return plugin.JSON(struct{}{}), nil
	}
	n, err := p.revokeFamily(ctx, rt.FamilyID)
	if err != nil {
		return nil, err
	}
	rc.Logger().Info("Revoked refresh token family", "client_id", client.ClientID, "user_id", rt.UserID, "revoked", n)
	rc.Auth.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventSessionRevoked,
		UserID:    rt.UserID,
		ClientID:  client.ClientID,
		IPAddress: rc.ClientIP,
		Details:   map[string]any{"family_id": rt.FamilyID, "revoked": n},
	})
	return plugin.JSON(struct{}{}), nil
}

// userInfo returns the profile of the access token's subject.
func (p *Plugin) userInfo(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	unauthorized := func(desc string) (*plugin.Response, error) {
		resp := ErrInvalidToken(desc).Response()
		resp.Headers = http.Header{"WWW-Authenticate": []string{
			p.formatWWWAuthenticate("", ErrorCodeInvalidToken, desc),
		}}
		return resp, nil
	}

	tok := session.BearerToken(rc.Request)
	if tok == "" {
		return unauthorized("missing bearer token")
	}
	claims := p.verify.Verify(ctx, tok)
	if claims == nil {
		return unauthorized("the access token is invalid or expired")
	}
	user, err := rc.Auth.Internal.FindUserByID(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return unauthorized("the token subject no longer exists")
	}

	info := UserInfo{Subject: user.ID}
	if len(claims.Scopes) == 0 || claims.HasScope("email") {
		info.Email = user.Email
		info.EmailVerified = user.EmailVerified
	}
	if len(claims.Scopes) == 0 || claims.HasScope("profile") {
		info.Name = user.Name
		info.Picture = user.Image
	}
	return plugin.JSON(info), nil
}
