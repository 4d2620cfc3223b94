package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-auth/discovery"
	"github.com/giantswarm/mcp-auth/pkce"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/security"
	"github.com/giantswarm/mcp-auth/session"
	"github.com/giantswarm/mcp-auth/verifier"
)

type claimsContextKey struct{}

// ContextWithClaims returns ctx carrying the verified claims.
func ContextWithClaims(ctx context.Context, c *verifier.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, c)
}

// ClaimsFromContext returns the claims stored by Protect.
func ClaimsFromContext(ctx context.Context) (*verifier.Claims, bool) {
	c, ok := ctx.Value(claimsContextKey{}).(*verifier.Claims)
	return c, ok && c != nil
}

// formatWWWAuthenticate builds an RFC 6750 section 3 challenge pointing
// clients at the protected resource metadata (RFC 9728 section 5.1).
func (p *Plugin) formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	params := []string{fmt.Sprintf(`resource_metadata="%s"`, discovery.ProtectedResourceMetadataURL(p.config.Resource))}
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, quoteEscape(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}
	return "Bearer " + strings.Join(params, ", ")
}

// quoteEscape escapes backslashes, then quotes, for an RFC 7230 quoted-string.
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// jsonRPCError is how MCP transports report failures before a session exists.
type jsonRPCError struct {
	JSONRPC string `json:"jsonrpc"`
	Error   struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	ID any `json:"id"`
}

func writeJSONRPCError(w http.ResponseWriter, status int, message string) {
	body := jsonRPCError{JSONRPC: "2.0"}
	body.Error.Code = -32000
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Protect guards an MCP endpoint. Requests need a bearer token issued by
// this plugin (or accepted by Config.Verifier) carrying every scope in
// requiredScopes. The verified claims are available to next through
// ClaimsFromContext.
func (p *Plugin) Protect(next http.Handler, requiredScopes ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetCORSHeaders(w, p.config.CORS, security.OriginOf(p.issuer))
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		ip := p.ac.IPResolver.ClientIP(r)
		tok := session.BearerToken(r)
		if tok == "" {
			w.Header().Set("WWW-Authenticate", p.formatWWWAuthenticate(strings.Join(requiredScopes, " "), "", ""))
			writeJSONRPCError(w, http.StatusUnauthorized, "Unauthorized: authentication required")
			return
		}
		claims := p.verify.Verify(r.Context(), tok)
		if claims == nil {
			p.logger.Warn("Token validation failed", "ip", ip, "path", r.URL.Path)
			p.ac.Auditor.LogAuthFailure(r.Context(), "", "", ip, "invalid_access_token")
			w.Header().Set("WWW-Authenticate",
				p.formatWWWAuthenticate(strings.Join(requiredScopes, " "), ErrorCodeInvalidToken, "the access token is invalid or expired"))
			writeJSONRPCError(w, http.StatusUnauthorized, "Unauthorized: invalid or expired token")
			return
		}

		var missing []string
		for _, s := range requiredScopes {
			if !claims.HasScope(s) {
				missing = append(missing, s)
			}
		}
		if len(missing) > 0 {
			p.logger.Warn("Insufficient scope", "ip", ip, "subject", claims.Subject, "missing", missing)
			w.Header().Set("WWW-Authenticate",
				p.formatWWWAuthenticate(strings.Join(requiredScopes, " "), "insufficient_scope", "the access token lacks required scopes"))
			writeJSONRPCError(w, http.StatusForbidden, "Forbidden: insufficient scope")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

func (p *Plugin) codeChallengeMethods() []string {
	if p.config.AllowPlainPKCE {
		return []string{pkce.MethodS256, pkce.MethodPlain}
	}
	return []string{pkce.MethodS256}
}

// AuthorizationServerMetadata returns the RFC 8414 document. Endpoints
// share the issuer's origin even when the base URL is resolved per request.
func (p *Plugin) AuthorizationServerMetadata() discovery.AuthorizationServerMetadata {
	baseURL := p.issuer
	return discovery.AuthorizationServerMetadata{
		Issuer:                            p.issuer,
		AuthorizationEndpoint:             baseURL + "/mcp/authorize",
		TokenEndpoint:                     baseURL + "/mcp/token",
		RegistrationEndpoint:              baseURL + "/mcp/register",
		UserInfoEndpoint:                  baseURL + "/mcp/userinfo",
		RevocationEndpoint:                baseURL + "/mcp/revoke",
		ScopesSupported:                   p.config.Scopes,
		ResponseTypesSupported:            []string{"code"},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{TokenEndpointAuthMethodNone, TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost},
		CodeChallengeMethodsSupported:     p.codeChallengeMethods(),
	}
}

// ProtectedResourceMetadata returns the RFC 9728 document.
func (p *Plugin) ProtectedResourceMetadata() discovery.ProtectedResourceMetadata {
	return discovery.ProtectedResourceMetadata{
		Resource:               p.config.Resource,
		AuthorizationServers:   []string{p.issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        p.config.Scopes,
	}
}

func (p *Plugin) authorizationServerMetadata(_ context.Context, _ *plugin.RequestContext) (*plugin.Response, error) {
	return cacheable(plugin.JSON(p.AuthorizationServerMetadata())), nil
}

func (p *Plugin) protectedResourceMetadata(_ context.Context, _ *plugin.RequestContext) (*plugin.Response, error) {
	return cacheable(plugin.JSON(p.ProtectedResourceMetadata())), nil
}

func cacheable(resp *plugin.Response) *plugin.Response {
	resp.Headers = http.Header{
		"Cache-Control":               []string{"public, max-age=60"},
		"Access-Control-Allow-Origin": []string{"*"},
	}
	return resp
}
