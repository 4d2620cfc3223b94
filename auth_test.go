package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/plugin"
	"github.com/giantswarm/mcp-auth/schema"
	"github.com/giantswarm/mcp-auth/security"
	"github.com/giantswarm/mcp-auth/session"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// echoPlugin exposes the resolved base URL and a well-known document.
type echoPlugin struct {
	id     string
	closed bool
}

func (p *echoPlugin) ID() string { return p.id }

func (p *echoPlugin) Endpoints() map[string]*plugin.Endpoint {
	return map[string]*plugin.Endpoint{
		p.id + ".base": {
			Method: http.MethodGet,
			Path:   "/" + p.id + "/base",
			Handler: func(_ context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
				return plugin.JSON(map[string]string{"baseURL": rc.BaseURL}), nil
			},
		},
		p.id + ".wellKnown": {
			Method: http.MethodGet,
			Path:   "/.well-known/" + p.id,
			Handler: func(context.Context, *plugin.RequestContext) (*plugin.Response, error) {
				return plugin.JSON(map[string]string{"plugin": p.id}), nil
			},
		},
	}
}

func (p *echoPlugin) Close() error {
	p.closed = true
	return nil
}

func newTestAuth(t *testing.T, cfg Config, plugins ...plugin.Plugin) *Auth {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	if cfg.BaseURL == "" && cfg.DynamicBaseURL == nil {
		cfg.BaseURL = "http://localhost:3000"
	}
	a, err := New(context.Background(), cfg, plugins...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
		errText string
	}{
		{
			name:    "missing secret",
			cfg:     Config{BaseURL: "https://auth.example.com"},
			wantErr: ErrSecretRequired,
		},
		{
			name:    "missing base URL",
			cfg:     Config{Secret: testSecret},
			wantErr: ErrBaseURLRequired,
		},
		{
			name:    "base URL without scheme",
			cfg:     Config{Secret: testSecret, BaseURL: "auth.example.com"},
			errText: "http or https",
		},
		{
			name:    "empty allowed hosts",
			cfg:     Config{Secret: testSecret, DynamicBaseURL: &DynamicBaseURLConfig{}},
			wantErr: security.ErrNoAllowedHosts,
		},
		{
			name:    "bad encryption key",
			cfg:     Config{Secret: testSecret, BaseURL: "https://auth.example.com", Security: SecurityConfig{EncryptionKey: []byte("short")}},
			errText: "invalid encryption key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfg)
			if err == nil {
				t.Fatal("New() error = nil, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
			if tt.errText != "" && !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("New() error = %v, want it to contain %q", err, tt.errText)
			}
		})
	}
}

func TestNew_DuplicatePlugin(t *testing.T) {
	_, err := New(context.Background(), Config{Secret: testSecret, BaseURL: "https://auth.example.com"},
		&echoPlugin{id: "echo"}, &echoPlugin{id: "echo"})
	if !errors.Is(err, plugin.ErrDuplicatePlugin) {
		t.Fatalf("New() error = %v, want ErrDuplicatePlugin", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	a := newTestAuth(t, Config{BaseURL: "https://auth.example.com/"}, &echoPlugin{id: "echo"})

	assert.Equal(t, DefaultBasePath, a.config.BasePath)
	assert.True(t, a.config.Session.Cookie.Secure, "cookies should be secure on https")
	assert.Equal(t, "https://auth.example.com/api/auth", a.Context().BaseURL)
	assert.Equal(t, []string{"https://auth.example.com"}, a.Context().TrustedOrigins)
	assert.NotEmpty(t, a.Context().GenerateID())

	assert.True(t, a.HasPlugin("echo"))
	p, ok := a.GetPlugin("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", p.ID())

	eps := a.Endpoints()
	for _, op := range []string{OperationOK, OperationGetSession, OperationSignOut, "echo.base"} {
		assert.Contains(t, eps, op)
	}
	assert.Equal(t, plugin.CoreID, eps[OperationOK].Owner())
	assert.Equal(t, "echo", eps["echo.base"].Owner())

	codes := a.ErrorCodes()
	assert.Equal(t, apierror.CodeHostNotAllowed, codes["HOST_NOT_ALLOWED"].Code)

	assert.True(t, a.Schema().Has(session.ModelSession, "token"))
}

func TestNormalizeBasePath(t *testing.T) {
	tests := map[string]string{
		"":           DefaultBasePath,
		"/":          "",
		"auth":       "/auth",
		"/v1/auth/":  "/v1/auth",
		"//nested//": "/nested",
	}
	for in, want := range tests {
		if got := normalizeBasePath(in); got != want {
			t.Errorf("normalizeBasePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandler_CoreEndpoints(t *testing.T) {
	a := newTestAuth(t, Config{})
	h := a.Handler()

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/api/auth/ok", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(security.RequestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/auth/get-session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))

	rec = do(t, h, httptest.NewRequest(http.MethodPost, "/api/auth/sign-out", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, apierror.CodeUnauthorized, body.Code)

	rec = do(t, h, httptest.NewRequest(http.MethodGet, "/api/auth/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, httptest.NewRequest(http.MethodDelete, "/api/auth/ok", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_SessionLifecycle(t *testing.T) {
	a := newTestAuth(t, Config{})
	h := a.Handler()
	ctx := context.Background()

	user, err := a.Context().Internal.CreateUser(ctx, session.NewUser{Name: "Ada", Email: "Ada@Example.com"})
	require.NoError(t, err)
	s, err := a.Context().Internal.CreateSession(ctx, user.ID, session.Meta{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/get-session", nil)
	req.AddCookie(&http.Cookie{Name: session.DefaultCookieName, Value: s.Token})
	rec := do(t, h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var got SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.User)
	assert.Equal(t, "ada@example.com", got.User.Email)
	assert.Equal(t, s.ID, got.Session.ID)

	req = httptest.NewRequest(http.MethodPost, "/api/auth/sign-out", nil)
	req.Header.Set("Authorization", "Bearer "+s.Token)
	rec = do(t, h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.DefaultCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "sign-out should clear the session cookie")

	found, _, err := a.Context().Internal.FindSession(ctx, s.Token)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestHandler_DynamicBaseURL(t *testing.T) {
	t.Run("wildcard host is reflected", func(t *testing.T) {
		a := newTestAuth(t, Config{DynamicBaseURL: &DynamicBaseURLConfig{
			AllowedHosts: []string{"*.vercel.app", "localhost:3000"},
		}}, &echoPlugin{id: "echo"})

		req := httptest.NewRequest(http.MethodGet, "/api/auth/echo/base", nil)
		req.Header.Set("X-Forwarded-Host", "preview-123.vercel.app")
		req.Header.Set("X-Forwarded-Proto", "https")
		rec := do(t, a.Handler(), req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"baseURL":"https://preview-123.vercel.app/api/auth"}`, rec.Body.String())
	})

	t.Run("unknown host is rejected", func(t *testing.T) {
		a := newTestAuth(t, Config{DynamicBaseURL: &DynamicBaseURLConfig{
			AllowedHosts: []string{"app.example.com"},
		}}, &echoPlugin{id: "echo"})

		req := httptest.NewRequest(http.MethodGet, "/api/auth/echo/base", nil)
		req.Host = "evil.example.net"
		rec := do(t, a.Handler(), req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		var body errorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, apierror.CodeHostNotAllowed, body.Code)
		assert.Equal(t, `host "evil.example.net" is not in the allowed hosts list`, body.Message)
	})

	t.Run("fallback is used silently", func(t *testing.T) {
		a := newTestAuth(t, Config{DynamicBaseURL: &DynamicBaseURLConfig{
			AllowedHosts: []string{"app.example.com"},
			Fallback:     "https://app.example.com",
		}}, &echoPlugin{id: "echo"})

		req := httptest.NewRequest(http.MethodGet, "/api/auth/echo/base", nil)
		req.Host = "evil.example.net"
		rec := do(t, a.Handler(), req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"baseURL":"https://app.example.com/api/auth"}`, rec.Body.String())
		assert.True(t, a.config.Session.Cookie.Secure)
	})
}

// hostTracker records the base URL its before hook sees into the request
// values and the results its after hook observes.
type hostTracker struct {
	mu      sync.Mutex
	results []plugin.Result
}

func (p *hostTracker) ID() string { return "tracker" }

func (p *hostTracker) Endpoints() map[string]*plugin.Endpoint {
	return map[string]*plugin.Endpoint{
		"tracker.seen": {
			Method: http.MethodGet,
			Path:   "/tracker/seen",
			Handler: func(_ context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
				seen, _ := rc.Value("seen")
				return plugin.JSON(map[string]any{"baseURL": rc.BaseURL, "seen": seen}), nil
			},
		},
	}
}

func (p *hostTracker) Hooks() plugin.Hooks {
	return plugin.Hooks{
		Before: []plugin.BeforeHook{{
			Handler: func(_ context.Context, rc *plugin.RequestContext) (*plugin.Response, error) {
				var seen []string
				if v, ok := rc.Value("seen"); ok {
					seen = v.([]string)
				}
				rc.Set("seen", append(seen, rc.BaseURL))
				return nil, nil
			},
		}},
		After: []plugin.AfterHook{{
			Handler: func(_ context.Context, _ *plugin.RequestContext, result plugin.Result) error {
				p.mu.Lock()
				defer p.mu.Unlock()
				p.results = append(p.results, result)
				return nil
			},
		}},
	}
}

func TestHandler_ConcurrentRequestsAreIsolated(t *testing.T) {
	a := newTestAuth(t, Config{DynamicBaseURL: &DynamicBaseURLConfig{
		AllowedHosts: []string{"a.example.com", "b.example.com"},
	}}, &hostTracker{})
	h := a.Handler()

	const n = 40
	hosts := []string{"a.example.com", "b.example.com"}
	type seenBody struct {
		BaseURL string   `json:"baseURL"`
		Seen    []string `json:"seen"`
	}
	bodies := make([]seenBody, n)
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/api/auth/tracker/seen", nil)
			req.Header.Set("X-Forwarded-Host", hosts[i%2])
			req.Header.Set("X-Forwarded-Proto", "https")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			codes[i] = rec.Code
			_ = json.Unmarshal(rec.Body.Bytes(), &bodies[i])
		}()
	}
	wg.Wait()

	for i := range n {
		want := "https://" + hosts[i%2] + "/api/auth"
		require.Equal(t, http.StatusOK, codes[i])
		assert.Equal(t, want, bodies[i].BaseURL, "request %d", i)
		assert.Equal(t, []string{want}, bodies[i].Seen, "request %d sees its own host exactly once", i)
	}
}

func TestHandler_HostRejectionReachesAfterHooks(t *testing.T) {
	tracker := &hostTracker{}
	a := newTestAuth(t, Config{DynamicBaseURL: &DynamicBaseURLConfig{
		AllowedHosts: []string{"app.example.com"},
	}}, tracker)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/tracker/seen", nil)
	req.Host = "evil.example.net"
	rec := do(t, a.Handler(), req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Len(t, tracker.results, 1)
	result := tracker.results[0]
	assert.True(t, result.ShortCircuited)
	require.NotNil(t, result.Response)
	assert.Equal(t, http.StatusBadRequest, result.Response.Status)
	e, ok := result.Response.Body.(*apierror.Error)
	require.True(t, ok)
	assert.Equal(t, apierror.CodeHostNotAllowed, e.Code)
}

func TestHandler_WellKnownAtRoot(t *testing.T) {
	a := newTestAuth(t, Config{}, &echoPlugin{id: "echo"})
	for _, path := range []string{"/.well-known/echo", "/api/auth/.well-known/echo"} {
		rec := do(t, a.Handler(), httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestAuth_Execute(t *testing.T) {
	a := newTestAuth(t, Config{})
	out, err := a.Execute(context.Background(), OperationOK, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, plugin.StateResponded, out.Final())

	out, err = a.Execute(context.Background(), "missing", httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, []plugin.State{plugin.StateReceived, plugin.StateErrored}, out.Trace)
	assert.Equal(t, http.StatusNotFound, out.Err.Status)
}

type migratingAdapter struct {
	adapter.Adapter
	migrated schema.Schema
}

func (m *migratingAdapter) Migrate(_ context.Context, s schema.Schema) error {
	m.migrated = s
	return nil
}

func TestAuth_MigrateAndClose(t *testing.T) {
	echo := &echoPlugin{id: "echo"}
	a := newTestAuth(t, Config{}, echo)
	require.NoError(t, a.Migrate(context.Background()), "memory adapter has nothing to migrate")
	require.NoError(t, a.Close())
	assert.True(t, echo.closed)

	db := &migratingAdapter{Adapter: a.database}
	b := newTestAuth(t, Config{Database: db})
	require.NoError(t, b.Migrate(context.Background()))
	assert.Contains(t, db.migrated, session.ModelUser)
}
