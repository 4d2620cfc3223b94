package oidc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/mcp-auth/providers"
	"github.com/giantswarm/mcp-auth/token"
)

const testClientID = "mcp-client"

// testIssuer is a minimal OIDC issuer: discovery, JWKS, token and
// userinfo endpoints.
type testIssuer struct {
	srv      *httptest.Server
	key      *rsa.PrivateKey
	idClaims jwt.MapClaims
	userinfo map[string]any
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	ti := &testIssuer{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(documentFor(ti.srv.URL))
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &key.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"},
		}})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		resp := map[string]any{
			"access_token": "at-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if ti.idClaims != nil {
			resp["id_token"] = ti.sign(t, ti.idClaims)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(ti.userinfo)
	})
	ti.srv = httptest.NewTLSServer(mux)
	t.Cleanup(ti.srv.Close)
	return ti
}

func (ti *testIssuer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(ti.key)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return s
}

func (ti *testIssuer) provider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(context.Background(), Config{
		Config: providers.Config{
			ClientID:     testClientID,
			ClientSecret: "secret",
			HTTPClient:   ti.srv.Client(),
		},
		ID:         "corp",
		IssuerURL:  ti.srv.URL,
		AuthParams: map[string]string{"prompt": "consent"},
		Discovery:  newTestClient(ti.srv.Client(), time.Hour),
		Logger:     slog.Default(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(context.Background(), Config{Config: providers.Config{ClientID: "x"}}); err == nil {
		t.Error("New() without issuer should fail")
	}
	_, err := New(context.Background(), Config{
		Config:    providers.Config{ClientID: "x"},
		IssuerURL: "https://192.168.1.1",
	})
	if !errors.Is(err, providers.ErrNonPublicIssuer) || !strings.Contains(err.Error(), "private IP") {
		t.Errorf("New() error = %v, want SSRF rejection", err)
	}
}

func TestProvider_AuthorizationURL(t *testing.T) {
	ti := newTestIssuer(t)
	p := ti.provider(t)

	if p.Name() != "corp" {
		t.Errorf("Name() = %q, want corp", p.Name())
	}
	if p.Issuer() != ti.srv.URL {
		t.Errorf("Issuer() = %q, want %q", p.Issuer(), ti.srv.URL)
	}

	raw := p.AuthorizationURL(providers.AuthRequest{
		State:         "st",
		RedirectURI:   "https://app.example.com/cb",
		CodeChallenge: "chal",
		Nonce:         "n-1",
	})
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("AuthorizationURL() is not a URL: %v", err)
	}
	if !strings.HasPrefix(raw, ti.srv.URL+"/auth?") {
		t.Errorf("AuthorizationURL() = %q, want discovered endpoint", raw)
	}
	q := u.Query()
	checks := map[string]string{
		"client_id":             testClientID,
		"state":                 "st",
		"redirect_uri":          "https://app.example.com/cb",
		"code_challenge":        "chal",
		"code_challenge_method": "S256",
		"nonce":                 "n-1",
		"prompt":                "consent",
		"scope":                 "openid profile email",
	}
	for k, want := range checks {
		if got := q.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestProvider_UserInfoFromIDToken(t *testing.T) {
	ti := newTestIssuer(t)
	p := ti.provider(t)
	now := time.Now()
	ti.idClaims = jwt.MapClaims{
		"iss":            ti.srv.URL,
		"aud":            testClientID,
		"sub":            "user-42",
		"email":          "ada@example.com",
		"email_verified": true,
		"name":           "Ada",
		"groups":         []string{"admins"},
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}

	set, err := p.ExchangeCode(context.Background(), "good-code", "verifier", "https://app.example.com/cb")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if set.IDToken == "" {
		t.Fatal("ExchangeCode() dropped the id_token")
	}

	info, err := p.UserInfo(context.Background(), set)
	if err != nil {
		t.Fatalf("UserInfo() error = %v", err)
	}
	if info.ID != "user-42" || info.Email != "ada@example.com" || !info.EmailVerified {
		t.Errorf("UserInfo() = %+v", info)
	}
	if len(info.Groups) != 1 || info.Groups[0] != "admins" {
		t.Errorf("Groups = %v, want [admins]", info.Groups)
	}
}

func TestProvider_RejectsForeignIDToken(t *testing.T) {
	ti := newTestIssuer(t)
	p := ti.provider(t)
	now := time.Now()

	tests := []struct {
		name   string
		claims jwt.MapClaims
	}{
		{"wrong audience", jwt.MapClaims{"iss": ti.srv.URL, "aud": "other", "sub": "u", "exp": now.Add(time.Hour).Unix(), "iat": now.Unix()}},
		{"wrong issuer", jwt.MapClaims{"iss": "https://evil.example.com", "aud": testClientID, "sub": "u", "exp": now.Add(time.Hour).Unix(), "iat": now.Unix()}},
		{"expired", jwt.MapClaims{"iss": ti.srv.URL, "aud": testClientID, "sub": "u", "exp": now.Add(-time.Hour).Unix(), "iat": now.Add(-2 * time.Hour).Unix()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.UserInfo(context.Background(), &token.Set{AccessToken: "at-1", IDToken: ti.sign(t, tt.claims)})
			if err == nil || !strings.Contains(err.Error(), "invalid ID token") {
				t.Errorf("UserInfo() error = %v, want invalid ID token", err)
			}
		})
	}
}

func TestProvider_UserInfoEndpointFallback(t *testing.T) {
	ti := newTestIssuer(t)
	p := ti.provider(t)
	ti.userinfo = map[string]any{"sub": "user-7", "email": "grace@example.com", "name": "Grace"}

	info, err := p.UserInfo(context.Background(), &token.Set{AccessToken: "at-1"})
	if err != nil {
		t.Fatalf("UserInfo() error = %v", err)
	}
	if info.ID != "user-7" || info.Email != "grace@example.com" {
		t.Errorf("UserInfo() = %+v", info)
	}

	if _, err := p.UserInfo(context.Background(), &token.Set{AccessToken: "wrong"}); err == nil {
		t.Error("UserInfo() with a rejected access token should fail")
	}
}

func TestProvider_ExchangeFailure(t *testing.T) {
	ti := newTestIssuer(t)
	p := ti.provider(t)
	if _, err := p.ExchangeCode(context.Background(), "bad-code", "v", "https://app.example.com/cb"); err == nil {
		t.Error("ExchangeCode() with a rejected code should fail")
	}
}
