package mcp

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/internal/util"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/security"
	"github.com/giantswarm/mcp-auth/session"
)

// Client types
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Token endpoint authentication methods (RFC 7591)
const (
	TokenEndpointAuthMethodNone  = "none"
	TokenEndpointAuthMethodBasic = "client_secret_basic"
	TokenEndpointAuthMethodPost  = "client_secret_post"
)

// blockedRedirectSchemes can execute code or read local data in a browser.
var blockedRedirectSchemes = []string{"javascript", "data", "vbscript", "file", "about", "blob"}

// Client is a registered OAuth client.
type Client struct {
	ID                      string
	ClientID                string
	ClientSecretHash        string
	ClientName              string
	ClientType              string
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	Scopes                  []string
}

func clientFromRecord(rec adapter.Record) *Client {
	return &Client{
		ID:                      rec.String("id"),
		ClientID:                rec.String("clientId"),
		ClientSecretHash:        rec.String("clientSecretHash"),
		ClientName:              rec.String("clientName"),
		ClientType:              rec.String("clientType"),
		RedirectURIs:            strings.Fields(rec.String("redirectUris")),
		TokenEndpointAuthMethod: rec.String("tokenEndpointAuthMethod"),
		Scopes:                  splitScope(rec.String("scope")),
	}
}

// ClientRegistrationRequest is the RFC 7591 registration body.
type ClientRegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`

	// ClientType is "public" or "confidential"; token_endpoint_auth_method
	// "none" always means public
	ClientType string `json:"client_type,omitempty"`
}

// ClientRegistrationResponse is the RFC 7591 registration answer.
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientType              string   `json:"client_type"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope,omitempty"`
}

// resolveClientTypeAndAuthMethod derives the client type from the auth
// method as RFC 7591 section 2 describes.
func resolveClientTypeAndAuthMethod(clientType, authMethod string) (string, string) {
	if authMethod == TokenEndpointAuthMethodNone {
		clientType = ClientTypePublic
	} else if clientType == "" {
		clientType = ClientTypeConfidential
	}
	if authMethod == "" {
		if clientType == ClientTypePublic {
			authMethod = TokenEndpointAuthMethodNone
		} else {
			authMethod = TokenEndpointAuthMethodBasic
		}
	}
	return clientType, authMethod
}

func (p *Plugin) register(ctx context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
	if p.config.RegistrationToken != "" {
		tok := session.BearerToken(rc.Request)
		if subtle.ConstantTimeCompare([]byte(tok), []byte(p.config.RegistrationToken)) != 1 {
			rc.Logger().Warn("Client registration rejected: invalid registration token", "ip", rc.ClientIP)
			p.auditRegistrationRejected(ctx, rc, "invalid_registration_token")
			return ErrInvalidToken("a valid registration access token is required").Response(), nil
		}
	}

	if allowed, retryAfter := p.limiter.AllowWithRetry(rc.ClientIP); !allowed {
		rc.Logger().Warn("Client registration rate limit exceeded", "ip", rc.ClientIP)
		p.metrics().RecordRateLimitExceeded(ctx, "registration")
		rc.Auth.Auditor.LogRateLimitExceeded(ctx, rc.ClientIP, rc.Path)
		resp := (&Error{
			Code:        ErrorCodeTemporarilyUnavailable,
			Description: "too many client registrations",
			Status:      http.StatusTooManyRequests,
		}).Response()
		resp.Headers = http.Header{"Retry-After": []string{strconv.Itoa(int(retryAfter.Seconds()) + 1)}}
		return resp, nil
	}

	var req ClientRegistrationRequest
	if err := rc.Decode(&req); err != nil {
		return ErrInvalidClientMetadata("malformed registration request").Response(), nil
	}
	if oerr := p.validateRegistration(&req); oerr != nil {
		rc.Logger().Warn("Client registration rejected", "ip", rc.ClientIP, "error", oerr.Description)
		p.auditRegistrationRejected(ctx, rc, oerr.Code)
		return oerr.Response(), nil
	}

	clientType, authMethod := resolveClientTypeAndAuthMethod(req.ClientType, req.TokenEndpointAuthMethod)
	clientID, err := session.GenerateToken()
	if err != nil {
		return nil, err
	}
	var secret, secretHash string
	if clientType == ClientTypeConfidential {
		if secret, err = session.GenerateToken(); err != nil {
			return nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), p.config.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client secret: %w", err)
		}
		secretHash = string(hash)
	}

	now := p.now()
	if _, err := p.db().Create(ctx, ModelClient, adapter.Record{
		"clientId":                clientID,
		"clientSecretHash":        secretHash,
		"clientName":              req.ClientName,
		"clientType":              clientType,
		"redirectUris":            strings.Join(req.RedirectURIs, " "),
		"tokenEndpointAuthMethod": authMethod,
		"scope":                   req.Scope,
		"registeredFromIp":        rc.ClientIP,
		"createdAt":               now,
		"updatedAt":               now,
	}); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	p.metrics().RecordClientRegistration(ctx, clientType)
	rc.Auth.Auditor.LogClientRegistered(ctx, clientID, clientType, rc.ClientIP)
	rc.Logger().Info("Registered new OAuth client",
		"client_id", clientID,
		"client_name", req.ClientName,
		"client_type", clientType,
		"token_endpoint_auth_method", authMethod,
		"ip", rc.ClientIP)

	return &plugin.Response{
		Status: http.StatusCreated,
		Body: ClientRegistrationResponse{
			ClientID:                clientID,
			ClientSecret:            secret,
			ClientIDIssuedAt:        now.Unix(),
			ClientName:              req.ClientName,
			ClientType:              clientType,
			RedirectURIs:            req.RedirectURIs,
			TokenEndpointAuthMethod: authMethod,
			GrantTypes:              []string{"authorization_code", "refresh_token"},
			ResponseTypes:           []string{"code"},
			Scope:                   req.Scope,
		},
	}, nil
}

func (p *Plugin) validateRegistration(req *ClientRegistrationRequest) *Error {
	if len(req.RedirectURIs) == 0 {
		return ErrInvalidRedirectURI("at least one redirect_uri is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := p.validateRedirectURI(uri); err != nil {
			return ErrInvalidRedirectURI(err.Error())
		}
	}
	switch req.TokenEndpointAuthMethod {
	case "", TokenEndpointAuthMethodNone, TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost:
	default:
		return ErrInvalidClientMetadata(fmt.Sprintf("token_endpoint_auth_method %q is not supported", req.TokenEndpointAuthMethod))
	}
	switch req.ClientType {
	case "", ClientTypePublic, ClientTypeConfidential:
	default:
		return ErrInvalidClientMetadata(fmt.Sprintf("client_type %q is not supported", req.ClientType))
	}
	for _, gt := range req.GrantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return ErrInvalidClientMetadata(fmt.Sprintf("grant type %q is not supported", gt))
		}
	}
	for _, rt := range req.ResponseTypes {
		if rt != "code" {
			return ErrInvalidClientMetadata(fmt.Sprintf("response type %q is not supported", rt))
		}
	}
	if err := p.checkScopes(splitScope(req.Scope), nil); err != nil {
		return ErrInvalidClientMetadata(err.Description)
	}
	return nil
}

// validateRedirectURI applies the OAuth 2.0 Security BCP rules: absolute,
// no fragment, no script-capable scheme, and HTTPS unless the host is a
// loopback address or the issuer itself is plain HTTP.
func (p *Plugin) validateRedirectURI(raw string) error {
	if strings.ContainsAny(raw, " \t\r\n") {
		return fmt.Errorf("redirect_uri must not contain whitespace")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("redirect_uri %q is not an absolute URI", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}
	scheme := strings.ToLower(u.Scheme)
	if slices.Contains(blockedRedirectSchemes, scheme) {
		return fmt.Errorf("redirect_uri scheme %q is not allowed", scheme)
	}
	if scheme != "http" && scheme != "https" {
		return nil
	}
	if u.Host == "" {
		return fmt.Errorf("redirect_uri %q has no host", raw)
	}
	if scheme == "http" && !util.IsLoopbackHostname(u.Hostname()) && strings.HasPrefix(p.issuer, "https://") {
		return fmt.Errorf("redirect_uri must use HTTPS")
	}
	return nil
}

func (p *Plugin) findClient(ctx context.Context, clientID string) (*Client, error) {
	if clientID == "" {
		return nil, nil
	}
	rec, err := p.db().FindOne(ctx, ModelClient, []adapter.Where{adapter.Eq("clientId", clientID)})
	if err != nil || rec == nil {
		return nil, err
	}
	return clientFromRecord(rec), nil
}

// authenticateClient identifies the client of a token or revocation
// request from Basic auth or form parameters. Confidential clients must
// present their secret.
func (p *Plugin) authenticateClient(ctx context.Context, rc *plugin.RequestContext) (*Client, *Error) {
	clientID, secret := rc.Field("client_id"), rc.Field("client_secret")
	if id, s, ok := rc.Request.BasicAuth(); ok {
		clientID, secret = id, s
		if u, err := url.QueryUnescape(id); err == nil {
			clientID = u
		}
		if u, err := url.QueryUnescape(s); err == nil {
			secret = u
		}
	}
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := p.findClient(ctx, clientID)
	if err != nil {
		rc.Logger().Error("Failed to load client", "client_id", clientID, "error", err)
		return nil, ErrServerError("failed to load client")
	}
	if client == nil {
		p.logAuthFailure(ctx, rc, clientID, "unknown_client")
		return nil, ErrInvalidClient("client authentication failed")
	}
	if client.ClientType != ClientTypeConfidential {
		return client, nil
	}
	if secret == "" {
		p.logAuthFailure(ctx, rc, clientID, "confidential_client_auth_required")
		return nil, ErrInvalidClient("client authentication required")
	}
	if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)) != nil {
		p.logAuthFailure(ctx, rc, clientID, "client_authentication_failed")
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

func (p *Plugin) logAuthFailure(ctx context.Context, rc *plugin.RequestContext, clientID, reason string) {
	rc.Logger().Warn("Client authentication failed", "client_id", clientID, "ip", rc.ClientIP, "reason", reason)
	rc.Auth.Auditor.LogAuthFailure(ctx, "", clientID, rc.ClientIP, reason)
}

func (p *Plugin) auditRegistrationRejected(ctx context.Context, rc *plugin.RequestContext, reason string) {
	rc.Auth.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventClientRegistrationRejected,
		IPAddress: rc.ClientIP,
		Details:   map[string]any{"reason": reason},
	})
}
