// Package providers defines the upstream identity provider contract used
// by the genericoauth plugin, and Generic, a configurable OAuth 2.0
// provider the presets are built from.
//
// Presets live in subpackages:
//   - providers/google: Google OAuth 2.0
//   - providers/github: GitHub OAuth Apps, with organization checks
//   - providers/oidc: any OpenID Connect issuer, through discovery
//   - providers/dex: Dex, an oidc preset with connector_id support
//
// Providers build authorization URLs (PKCE, nonce), exchange codes and
// refresh tokens through the token package, and identify the user from an
// ID token or a userinfo endpoint.
//
//	p, err := providers.NewGeneric(providers.GenericConfig{
//	    Config: providers.Config{ClientID: id, ClientSecret: secret},
//	    ID:     "gitlab",
//	    Endpoints: providers.Endpoints{
//	        AuthURL:     "https://gitlab.com/oauth/authorize",
//	        TokenURL:    "https://gitlab.com/oauth/token",
//	        UserInfoURL: "https://gitlab.com/oauth/userinfo",
//	    },
//	    DefaultScopes: []string{"openid", "email"},
//	})
//
// Issuer URLs, scopes, connector IDs and groups claims are validated with
// the helpers in validation.go.
package providers
