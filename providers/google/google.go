package google

import (
	"log/slog"

	"golang.org/x/oauth2/google"

	"github.com/giantswarm/mcp-auth/providers"
)

// ProviderID is the provider ID of the preset.
const ProviderID = "google"

const (
	userInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	revokeURL   = "https://oauth2.googleapis.com/revoke"
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"openid", "email", "profile"}

// Config configures the Google provider.
type Config struct {
	providers.Config

	// Offline requests a refresh token (access_type=offline, prompt=consent)
	Offline bool

	// HostedDomain restricts the account chooser to one Workspace domain
	HostedDomain string

	// Endpoints overrides Google's URLs, for tests
	Endpoints *providers.Endpoints

	Logger *slog.Logger
}

// New creates the Google provider.
func New(cfg Config) (*providers.Generic, error) {
	if cfg.ClientSecret == "" {
		return nil, providers.ErrClientSecretRequired
	}

	endpoints := providers.Endpoints{
		AuthURL:     google.Endpoint.AuthURL,
		TokenURL:    google.Endpoint.TokenURL,
		UserInfoURL: userInfoURL,
		RevokeURL:   revokeURL,
	}
	if cfg.Endpoints != nil {
		endpoints = *cfg.Endpoints
	}

	params := map[string]string{}
	if cfg.Offline {
		params["access_type"] = "offline"
		params["prompt"] = "consent"
	}
	if cfg.HostedDomain != "" {
		params["hd"] = cfg.HostedDomain
	}

	return providers.NewGeneric(providers.GenericConfig{
		Config:        cfg.Config,
		ID:            ProviderID,
		Endpoints:     endpoints,
		DefaultScopes: DefaultScopes,
		AuthParams:    params,
		Logger:        cfg.Logger,
	})
}
