// Package dex is the Dex (https://dexidp.io/) preset of the OIDC provider.
// It requests the groups and offline_access scopes and can pin a Dex
// connector with connector_id to skip the connector selection screen.
package dex

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/mcp-auth/providers"
	"github.com/giantswarm/mcp-auth/providers/oidc"
)

// ProviderID is the default provider ID.
const ProviderID = "dex"

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"openid", "profile", "email", "groups", "offline_access"}

// Config configures the Dex provider.
type Config struct {
	providers.Config

	// IssuerURL is the Dex issuer, e.g. https://dex.example.com
	IssuerURL string

	// ConnectorID selects a Dex connector ("github", "ldap", ...)
	ConnectorID string

	// ID overrides the provider ID (default: "dex")
	ID string

	Discovery *oidc.DiscoveryClient
	Logger    *slog.Logger
}

// New discovers the Dex issuer and creates the provider.
func New(ctx context.Context, cfg Config) (*oidc.Provider, error) {
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if err := providers.ValidateConnectorID(cfg.ConnectorID); err != nil {
		return nil, fmt.Errorf("invalid connector ID: %w", err)
	}
	id := cfg.ID
	if id == "" {
		id = ProviderID
	}

	var params map[string]string
	if cfg.ConnectorID != "" {
		params = map[string]string{"connector_id": cfg.ConnectorID}
	}
	return oidc.New(ctx, oidc.Config{
		Config:        cfg.Config,
		ID:            id,
		IssuerURL:     cfg.IssuerURL,
		DefaultScopes: DefaultScopes,
		AuthParams:    params,
		Discovery:     cfg.Discovery,
		Logger:        cfg.Logger,
	})
}
