// Package oidc provides an OpenID Connect provider built on go-oidc.
//
// Issuers are discovered through /.well-known/openid-configuration with
// SSRF protection (providers.ValidateIssuerURL) and HTTPS enforcement on
// every endpoint. ID tokens returned by the token endpoint are verified
// against the issuer's JWKS before their claims are used.
//
//	p, err := oidc.New(ctx, oidc.Config{
//	    Config:    providers.Config{ClientID: id, ClientSecret: secret},
//	    IssuerURL: "https://accounts.example.com",
//	})
package oidc
