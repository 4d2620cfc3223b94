package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/giantswarm/mcp-auth/pkce"
	"github.com/giantswarm/mcp-auth/providers"
)

// FakeUser is an identity the fake provider can sign in.
type FakeUser struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

type fakeGrant struct {
	user                FakeUser
	redirectURI         string
	codeChallenge       string
	codeChallengeMethod string
}

// FakeProvider is an upstream OAuth 2.0 provider backed by httptest. It
// issues codes through Approve, redeems them at /token with PKCE checks,
// rotates refresh tokens and answers /userinfo.
type FakeProvider struct {
	Server *httptest.Server

	// ExpiresIn is sent as expires_in when positive
	ExpiresIn int

	// RefreshExpiresIn is sent as refresh_token_expires_in when positive
	RefreshExpiresIn int

	// KeepRefreshToken omits refresh_token from refresh responses
	KeepRefreshToken bool

	mu       sync.Mutex
	codes    map[string]fakeGrant
	access   map[string]FakeUser
	refresh  map[string]FakeUser
	requests []url.Values
	seq      int
}

// NewFakeProvider starts a fake provider that is closed with the test.
func NewFakeProvider(t *testing.T) *FakeProvider {
	t.Helper()
	f := &FakeProvider{
		ExpiresIn: 3600,
		codes:     map[string]fakeGrant{},
		access:    map[string]FakeUser{},
		refresh:   map[string]FakeUser{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", f.serveToken)
	mux.HandleFunc("/userinfo", f.serveUserInfo)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// Endpoints returns the provider URLs.
func (f *FakeProvider) Endpoints() providers.Endpoints {
	return providers.Endpoints{
		AuthURL:     f.Server.URL + "/authorize",
		TokenURL:    f.Server.URL + "/token",
		UserInfoURL: f.Server.URL + "/userinfo",
	}
}

// Provider builds a Generic provider named id that talks to f.
func (f *FakeProvider) Provider(t *testing.T, id string) *providers.Generic {
	t.Helper()
	p, err := providers.NewGeneric(providers.GenericConfig{
		Config: providers.Config{
			ClientID:     "fake-client",
			ClientSecret: "fake-secret",
			HTTPClient:   f.Server.Client(),
		},
		ID:            id,
		Endpoints:     f.Endpoints(),
		DefaultScopes: []string{"openid", "email", "profile"},
	})
	if err != nil {
		t.Fatalf("NewGeneric() error = %v", err)
	}
	return p
}

// Approve plays the user consenting at authURL. It returns the callback
// URL the provider would redirect to, carrying a fresh code and the state.
func (f *FakeProvider) Approve(t *testing.T, authURL string, user FakeUser) string {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse authorization URL: %v", err)
	}
	q := u.Query()
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		t.Fatalf("authorization URL %q has no redirect_uri", authURL)
	}

	f.mu.Lock()
	f.seq++
	code := fmt.Sprintf("code-%d", f.seq)
	f.codes[code] = fakeGrant{
		user:                user,
		redirectURI:         redirectURI,
		codeChallenge:       q.Get("code_challenge"),
		codeChallengeMethod: q.Get("code_challenge_method"),
	}
	f.mu.Unlock()

	cb, err := url.Parse(redirectURI)
	if err != nil {
		t.Fatalf("parse redirect_uri: %v", err)
	}
	cq := cb.Query()
	cq.Set("code", code)
	cq.Set("state", q.Get("state"))
	cb.RawQuery = cq.Encode()
	return cb.String()
}

// IssueRefreshToken registers a refresh token for user, for tests that
// start from an existing account.
func (f *FakeProvider) IssueRefreshToken(user FakeUser) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	rt := fmt.Sprintf("rt-%d", f.seq)
	f.refresh[rt] = user
	return rt
}

// TokenRequests returns the form bodies received at /token.
func (f *FakeProvider) TokenRequests() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.requests...)
}

func writeTokenError(w http.ResponseWriter, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}

func (f *FakeProvider) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, "invalid_request", err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.PostForm)

	var user FakeUser
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		g, ok := f.codes[r.PostForm.Get("code")]
		if !ok {
			writeTokenError(w, "invalid_grant", "unknown code")
			return
		}
		delete(f.codes, r.PostForm.Get("code"))
		if g.redirectURI != r.PostForm.Get("redirect_uri") {
			writeTokenError(w, "invalid_grant", "redirect_uri mismatch")
			return
		}
		if g.codeChallenge != "" && !pkce.Verify(r.PostForm.Get("code_verifier"), g.codeChallenge, g.codeChallengeMethod) {
			writeTokenError(w, "invalid_grant", "PKCE verification failed")
			return
		}
		user = g.user
	case "refresh_token":
		u, ok := f.refresh[r.PostForm.Get("refresh_token")]
		if !ok {
			writeTokenError(w, "invalid_grant", "unknown refresh token")
			return
		}
		user = u
		if !f.KeepRefreshToken {
			delete(f.refresh, r.PostForm.Get("refresh_token"))
		}
	default:
		writeTokenError(w, "unsupported_grant_type", r.PostForm.Get("grant_type"))
		return
	}

	f.seq++
	at := fmt.Sprintf("at-%d", f.seq)
	f.access[at] = user
	resp := map[string]any{
		"access_token": at,
		"token_type":   "Bearer",
		"scope":        "openid email profile",
	}
	if f.ExpiresIn > 0 {
		resp["expires_in"] = f.ExpiresIn
	}
	if r.PostForm.Get("grant_type") == "authorization_code" || !f.KeepRefreshToken {
		rt := fmt.Sprintf("rt-%d", f.seq)
		f.refresh[rt] = user
		resp["refresh_token"] = rt
		if f.RefreshExpiresIn > 0 {
			resp["refresh_token_expires_in"] = f.RefreshExpiresIn
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *FakeProvider) serveUserInfo(w http.ResponseWriter, r *http.Request) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	user, ok := f.access[tok]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sub":            user.Subject,
		"email":          user.Email,
		"email_verified": user.EmailVerified,
		"name":           user.Name,
	})
}
