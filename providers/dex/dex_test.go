package dex

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/mcp-auth/providers"
)

const issuer = "https://example.com"

// newDex serves discovery for https://example.com and returns a client
// that dials the test server for that host. httptest certificates are
// valid for example.com, so TLS and issuer validation stay enabled.
func newDex(t *testing.T) *http.Client {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 issuer,
			"authorization_endpoint": issuer + "/auth",
			"token_endpoint":         issuer + "/token",
			"userinfo_endpoint":      issuer + "/userinfo",
			"jwks_uri":               issuer + "/keys",
		})
	}))
	t.Cleanup(srv.Close)

	tr := srv.Client().Transport.(*http.Transport).Clone()
	addr := srv.Listener.Addr().String()
	tr.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, network, addr)
	}
	return &http.Client{Transport: tr}
}

func TestNew(t *testing.T) {
	client := newDex(t)

	p, err := New(context.Background(), Config{
		Config:      providers.Config{ClientID: "cid", ClientSecret: "secret", HTTPClient: client},
		IssuerURL:   issuer,
		ConnectorID: "github",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Name() != ProviderID {
		t.Errorf("Name() = %q, want %q", p.Name(), ProviderID)
	}

	raw := p.AuthorizationURL(providers.AuthRequest{State: "s", RedirectURI: "https://app.example.com/cb"})
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("AuthorizationURL() = %q: %v", raw, err)
	}
	if u.Host != "example.com" || u.Path != "/auth" {
		t.Errorf("AuthorizationURL() = %q, want discovered endpoint", raw)
	}
	q := u.Query()
	if q.Get("connector_id") != "github" {
		t.Errorf("connector_id = %q, want github", q.Get("connector_id"))
	}
	if got := q.Get("scope"); got != strings.Join(DefaultScopes, " ") {
		t.Errorf("scope = %q, want %q", got, strings.Join(DefaultScopes, " "))
	}
}

func TestNew_WithoutConnector(t *testing.T) {
	p, err := New(context.Background(), Config{
		Config:    providers.Config{ClientID: "cid", ClientSecret: "secret", HTTPClient: newDex(t)},
		IssuerURL: issuer,
		ID:        "corp-dex",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Name() != "corp-dex" {
		t.Errorf("Name() = %q, want corp-dex", p.Name())
	}
	if strings.Contains(p.AuthorizationURL(providers.AuthRequest{State: "s"}), "connector_id") {
		t.Error("AuthorizationURL() should not carry connector_id")
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "missing secret",
			cfg:     Config{Config: providers.Config{ClientID: "cid"}, IssuerURL: issuer},
			wantErr: "client secret is required",
		},
		{
			name:    "bad connector",
			cfg:     Config{Config: providers.Config{ClientID: "cid", ClientSecret: "s"}, IssuerURL: issuer, ConnectorID: "git hub"},
			wantErr: "invalid characters",
		},
		{
			name:    "missing issuer",
			cfg:     Config{Config: providers.Config{ClientID: "cid", ClientSecret: "s"}},
			wantErr: "issuer URL is required",
		},
		{
			name:    "http issuer",
			cfg:     Config{Config: providers.Config{ClientID: "cid", ClientSecret: "s"}, IssuerURL: "http://dex.example.com"},
			wantErr: "must use HTTPS",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("New() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestNew_TooManyScopes(t *testing.T) {
	scopes := make([]string, 51)
	for i := range scopes {
		scopes[i] = "s"
	}
	_, err := New(context.Background(), Config{
		Config:    providers.Config{ClientID: "cid", ClientSecret: "s", Scopes: scopes, HTTPClient: newDex(t)},
		IssuerURL: issuer,
	})
	if err == nil || !strings.Contains(err.Error(), "exceeds maximum of 50 items") {
		t.Errorf("New() error = %v, want scope limit", err)
	}
}
