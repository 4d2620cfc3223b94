package ratelimit_test

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/giantswarm/mcp-auth"
	"github.com/giantswarm/mcp-auth/internal/testutil"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/plugins/ratelimit"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	baseURL    = "http://localhost:3000/api/auth"
)

func newAuth(t *testing.T, cfg ratelimit.Config) *auth.Auth {
	t.Helper()
	a, err := auth.New(context.Background(), auth.Config{
		Secret:  testSecret,
		BaseURL: "http://localhost:3000",
	}, ratelimit.New(cfg))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func get(a *auth.Auth, path, client string) (int, http.Header, string) {
	req := testutil.NewHTTPRequest(http.MethodGet, baseURL+path)
	if client != "" {
		req = req.WithHeader("X-Client", client)
	}
	rr := req.Do(a.Handler())
	return rr.Code, rr.Header(), rr.Body.String()
}

func TestLimit_ShortCircuitsWith429(t *testing.T) {
	a := newAuth(t, ratelimit.Config{
		Rules: map[string]ratelimit.Rule{"/ok": {Window: time.Minute, Max: 2}},
	})

	for i := 0; i < 2; i++ {
		status, _, body := get(a, "/ok", "")
		require.Equal(t, http.StatusOK, status, body)
	}

	status, header, body := get(a, "/ok", "")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Contains(t, body, `"code":"TOO_MANY_REQUESTS"`)

	retry, err := strconv.Atoi(header.Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retry, 0)
	assert.LessOrEqual(t, retry, 60)
}

func TestLimit_PerCaller(t *testing.T) {
	a := newAuth(t, ratelimit.Config{
		Rules: map[string]ratelimit.Rule{"/ok": {Window: time.Minute, Max: 1}},
		Key:   func(rc *plugin.RequestContext) string { return rc.Header.Get("X-Client") },
	})

	status, _, _ := get(a, "/ok", "alice")
	assert.Equal(t, http.StatusOK, status)
	status, _, _ = get(a, "/ok", "alice")
	assert.Equal(t, http.StatusTooManyRequests, status)

	status, _, _ = get(a, "/ok", "bob")
	assert.Equal(t, http.StatusOK, status, "callers have separate buckets")
}

func TestLimit_GlobalLimitAndSkipPaths(t *testing.T) {
	a := newAuth(t, ratelimit.Config{
		Window:    time.Minute,
		Max:       1,
		Rules:     map[string]ratelimit.Rule{},
		SkipPaths: []string{"/ok"},
	})

	for i := 0; i < 3; i++ {
		status, _, _ := get(a, "/ok", "")
		assert.Equal(t, http.StatusOK, status, "skipped paths are never limited")
	}

	status, _, _ := get(a, "/get-session", "")
	assert.NotEqual(t, http.StatusTooManyRequests, status)
	status, _, _ = get(a, "/get-session", "")
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ratelimit.Config
		wantErr bool
	}{
		{name: "defaults", cfg: ratelimit.Config{}},
		{name: "negative max", cfg: ratelimit.Config{Max: -1}, wantErr: true},
		{name: "empty rule", cfg: ratelimit.Config{Rules: map[string]ratelimit.Rule{"/x": {}}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ratelimit.New(tt.cfg).Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
