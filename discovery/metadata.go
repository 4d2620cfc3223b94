// Package discovery serves and caches OAuth 2.0 discovery documents:
// Authorization Server Metadata (RFC 8414) and Protected Resource
// Metadata (RFC 9728).
package discovery

import (
	"strings"
)

const (
	// AuthorizationServerPath is the RFC 8414 well-known path
	AuthorizationServerPath = "/.well-known/oauth-authorization-server"

	// ProtectedResourcePath is the RFC 9728 well-known path
	ProtectedResourcePath = "/.well-known/oauth-protected-resource"
)

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414)
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the URL of the dynamic client registration endpoint (RFC 7591)
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// JWKSURI is the URL of the server's JSON Web Key Set
	JWKSURI string `json:"jwks_uri,omitempty"`

	// UserInfoEndpoint is the OIDC userinfo endpoint
	UserInfoEndpoint string `json:"userinfo_endpoint,omitempty"`

	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`

	// RevocationEndpoint is the URL of the OAuth 2.0 token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`
}

// ProtectedResourceMetadata represents OAuth 2.0 Protected Resource Metadata (RFC 9728)
type ProtectedResourceMetadata struct {
	// Resource is the identifier for the protected resource
	Resource string `json:"resource"`

	// AuthorizationServers lists the authorization servers that can issue tokens for this resource
	AuthorizationServers []string `json:"authorization_servers"`

	// BearerMethodsSupported lists the ways Bearer tokens can be sent (RFC 6750)
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`

	// ScopesSupported lists the scopes understood by this resource
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// JWKSURI is the resource's key set, if it signs responses
	JWKSURI string `json:"jwks_uri,omitempty"`
}

// ProtectedResourceMetadataURL returns where resource publishes its
// RFC 9728 document.
func ProtectedResourceMetadataURL(resource string) string {
	return strings.TrimSuffix(resource, "/") + ProtectedResourcePath
}

// AuthorizationServerMetadataURL returns the RFC 8414 document URL of issuer.
func AuthorizationServerMetadataURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + AuthorizationServerPath
}
