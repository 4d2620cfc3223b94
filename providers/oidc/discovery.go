package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"

	"github.com/giantswarm/mcp-auth/providers"
)

// DefaultDiscoveryTTL is how long a discovered issuer is reused.
const DefaultDiscoveryTTL = time.Hour

// DiscoveryDocument is the subset of the OpenID Provider metadata the
// providers use.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	JWKSUri                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// Discovered is a validated issuer: its metadata plus the go-oidc
// provider used to verify ID tokens.
type Discovered struct {
	Document *DiscoveryDocument
	provider *gooidc.Provider
}

// IDTokenVerifier returns a verifier for ID tokens issued to clientID.
func (d *Discovered) IDTokenVerifier(clientID string) *gooidc.IDTokenVerifier {
	return d.provider.Verifier(&gooidc.Config{ClientID: clientID})
}

type cachedDiscovery struct {
	discovered *Discovered
	fetchedAt  time.Time
}

// DiscoveryClient fetches and caches OIDC discovery documents. Issuer
// URLs are checked with providers.ValidateIssuerURL and every discovered
// endpoint must use HTTPS.
//
// The client is safe for concurrent use.
type DiscoveryClient struct {
	httpClient     *http.Client
	cache          sync.Map // issuer -> *cachedDiscovery
	cacheTTL       time.Duration
	logger         *slog.Logger
	skipValidation bool // tests only: httptest servers listen on loopback
	now            func() time.Time
}

// NewDiscoveryClient creates a discovery client. A nil httpClient uses a
// 10s timeout client, a zero cacheTTL uses DefaultDiscoveryTTL.
func NewDiscoveryClient(httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) *DiscoveryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cacheTTL == 0 {
		cacheTTL = DefaultDiscoveryTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryClient{
		httpClient: httpClient,
		cacheTTL:   cacheTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// Discover returns the validated metadata of issuerURL.
func (c *DiscoveryClient) Discover(ctx context.Context, issuerURL string) (*Discovered, error) {
	if !c.skipValidation {
		if err := providers.ValidateIssuerURL(issuerURL); err != nil {
			return nil, fmt.Errorf("invalid issuer URL: %w", err)
		}
	}

	if cached, ok := c.cache.Load(issuerURL); ok {
		entry := cached.(*cachedDiscovery)
		if c.now().Sub(entry.fetchedAt) < c.cacheTTL {
			c.logger.Debug("OIDC discovery cache hit", "issuer", issuerURL)
			return entry.discovered, nil
		}
		c.logger.Debug("OIDC discovery cache expired", "issuer", issuerURL)
	}

	provider, err := gooidc.NewProvider(gooidc.ClientContext(ctx, c.httpClient), strings.TrimSuffix(issuerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OIDC discovery document: %w", err)
	}
	var doc DiscoveryDocument
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if err := validateDocument(&doc); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	d := &Discovered{Document: &doc, provider: provider}
	c.cache.Store(issuerURL, &cachedDiscovery{discovered: d, fetchedAt: c.now()})

	c.logger.Info("OIDC discovery successful",
		"issuer", issuerURL,
		"authorization_endpoint", doc.AuthorizationEndpoint,
		"token_endpoint", doc.TokenEndpoint)
	return d, nil
}

// validateDocument requires HTTPS on every endpoint the providers call.
func validateDocument(doc *DiscoveryDocument) error {
	required := []struct{ name, url string }{
		{"issuer", doc.Issuer},
		{"authorization_endpoint", doc.AuthorizationEndpoint},
		{"token_endpoint", doc.TokenEndpoint},
		{"jwks_uri", doc.JWKSUri},
	}
	for _, ep := range required {
		if ep.url == "" {
			return fmt.Errorf("%s is required but missing", ep.name)
		}
		if !strings.HasPrefix(ep.url, "https://") {
			return fmt.Errorf("%s must use HTTPS: %s", ep.name, ep.url)
		}
	}

	optional := []struct{ name, url string }{
		{"userinfo_endpoint", doc.UserInfoEndpoint},
		{"revocation_endpoint", doc.RevocationEndpoint},
	}
	for _, ep := range optional {
		if ep.url != "" && !strings.HasPrefix(ep.url, "https://") {
			return fmt.Errorf("%s must use HTTPS if present: %s", ep.name, ep.url)
		}
	}
	return nil
}

// ClearCache forgets every discovered issuer.
func (c *DiscoveryClient) ClearCache() {
	count := 0
	c.cache.Range(func(key, _ any) bool {
		c.cache.Delete(key)
		count++
		return true
	})
	c.logger.Debug("OIDC discovery cache cleared", "entries_removed", count)
}
