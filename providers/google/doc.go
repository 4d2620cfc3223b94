// Package google is the Google preset of the generic OAuth provider.
//
// It uses Google's OAuth 2.0 endpoints from golang.org/x/oauth2/google,
// the OpenID Connect userinfo endpoint and the token revocation endpoint.
// "openid", "email" and "profile" are requested by default; set Offline
// to receive a refresh token.
//
//	p, err := google.New(google.Config{
//	    Config:  providers.Config{ClientID: id, ClientSecret: secret},
//	    Offline: true,
//	})
package google
