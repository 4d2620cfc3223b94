package plugin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/adapter/memory"
	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/schema"
	"github.com/giantswarm/mcp-auth/session"
)

// fakePlugin implements every capability through optional fields.
type fakePlugin struct {
	id        string
	schema    schema.Schema
	endpoints map[string]*Endpoint
	hooks     Hooks
	codes     apierror.Codes
	deps      []string
	validate  error
	dbHooks   []adapter.Hook
	init      func(ctx context.Context, ac *AuthContext) (*InitResult, error)
}

func (p *fakePlugin) ID() string                      { return p.id }
func (p *fakePlugin) Schema() schema.Schema           { return p.schema }
func (p *fakePlugin) Endpoints() map[string]*Endpoint { return p.endpoints }
func (p *fakePlugin) Hooks() Hooks                    { return p.hooks }
func (p *fakePlugin) ErrorCodes() apierror.Codes      { return p.codes }
func (p *fakePlugin) DependsOn() []string             { return p.deps }
func (p *fakePlugin) Validate() error                 { return p.validate }
func (p *fakePlugin) DatabaseHooks() []adapter.Hook   { return p.dbHooks }

func (p *fakePlugin) Init(ctx context.Context, ac *AuthContext) (*InitResult, error) {
	if p.init == nil {
		return nil, nil
	}
	return p.init(ctx, ac)
}

func okHandler(body any) HandlerFunc {
	return func(context.Context, *RequestContext) (*Response, error) {
		return JSON(body), nil
	}
}

func mustCompose(t *testing.T, plugins ...Plugin) (*Composition, *AuthContext) {
	t.Helper()
	c, err := Compose(plugins, WithCoreSchema(session.CoreSchema()))
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	mem := memory.New()
	wrapped := adapter.WithHooks(mem, c.DatabaseHooks())
	ac := &AuthContext{
		BaseURL:  "http://localhost:8080/api/auth",
		BasePath: "/api/auth",
		Adapter:  wrapped,
		Internal: session.NewManager(wrapped, session.Config{}),
	}
	if err := c.Initialize(context.Background(), ac); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return c, ac
}

func newRC(t *testing.T, ac *AuthContext, method, path, body string) *RequestContext {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rc, err := NewRequestContext(req, ac)
	if err != nil {
		t.Fatalf("NewRequestContext() error = %v", err)
	}
	return rc
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakePlugin{id: "a"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(&fakePlugin{id: "a"}); !errors.Is(err, ErrDuplicatePlugin) {
		t.Errorf("Register() duplicate error = %v, want ErrDuplicatePlugin", err)
	}
	if err := r.Register(&fakePlugin{}); err == nil {
		t.Error("Register() with empty id should fail")
	}
	r.Seal()
	if err := r.Register(&fakePlugin{id: "b"}); !errors.Is(err, ErrRegistrySealed) {
		t.Errorf("Register() after Seal error = %v, want ErrRegistrySealed", err)
	}
	if !r.HasPlugin("a") || r.HasPlugin("b") {
		t.Errorf("HasPlugin() mismatch: ids = %v", r.IDs())
	}
	if _, ok := r.GetPlugin("a"); !ok {
		t.Error("GetPlugin(a) not found")
	}
}

func TestCompose_Conflicts(t *testing.T) {
	tests := []struct {
		name    string
		plugins []Plugin
		wantErr string
	}{
		{
			name:    "duplicate plugin",
			plugins: []Plugin{&fakePlugin{id: "x"}, &fakePlugin{id: "x"}},
			wantErr: "duplicate plugin id",
		},
		{
			name:    "validation failure",
			plugins: []Plugin{&fakePlugin{id: "oauth", validate: errors.New("providerId is required")}},
			wantErr: "providerId is required",
		},
		{
			name: "dependency registered later",
			plugins: []Plugin{
				&fakePlugin{id: "testutils", deps: []string{"credential"}},
				&fakePlugin{id: "credential"},
			},
			wantErr: `"testutils" depends on "credential", which must be registered before it`,
		},
		{
			name:    "missing dependency",
			plugins: []Plugin{&fakePlugin{id: "testutils", deps: []string{"credential"}}},
			wantErr: "not registered",
		},
		{
			name: "incompatible schema field",
			plugins: []Plugin{
				&fakePlugin{id: "a", schema: schema.Schema{"user": {Fields: map[string]schema.Field{"role": {Type: schema.TypeString}}}}},
				&fakePlugin{id: "b", schema: schema.Schema{"user": {Fields: map[string]schema.Field{"role": {Type: schema.TypeNumber}}}}},
			},
			wantErr: "user.role",
		},
		{
			name: "duplicate operation",
			plugins: []Plugin{
				&fakePlugin{id: "a", endpoints: map[string]*Endpoint{"signIn": {Method: "POST", Path: "/a", Handler: okHandler(nil)}}},
				&fakePlugin{id: "b", endpoints: map[string]*Endpoint{"signIn": {Method: "POST", Path: "/b", Handler: okHandler(nil)}}},
			},
			wantErr: `endpoint "signIn" is contributed by both "a" and "b"`,
		},
		{
			name: "duplicate route",
			plugins: []Plugin{
				&fakePlugin{id: "a", endpoints: map[string]*Endpoint{"one": {Method: "post", Path: "/x", Handler: okHandler(nil)}}},
				&fakePlugin{id: "b", endpoints: map[string]*Endpoint{"two": {Method: "POST", Path: "/x", Handler: okHandler(nil)}}},
			},
			wantErr: `route POST /x is contributed by both "a"`,
		},
		{
			name: "conflicting error code",
			plugins: []Plugin{
				&fakePlugin{id: "a", codes: apierror.Codes{"INVALID_REQUEST": {Code: "INVALID_REQUEST", Message: "other"}}},
			},
			wantErr: `error code "INVALID_REQUEST"`,
		},
		{
			name: "input that is not a struct",
			plugins: []Plugin{
				&fakePlugin{id: "a", endpoints: map[string]*Endpoint{"one": {Method: "POST", Path: "/x", Handler: okHandler(nil), Input: "nope"}}},
			},
			wantErr: `endpoint "one"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compose(tt.plugins)
			if err == nil {
				t.Fatalf("Compose() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Compose() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestCompose_Merges(t *testing.T) {
	shared := schema.Field{Type: schema.TypeString}
	a := &fakePlugin{
		id:     "a",
		schema: schema.Schema{"user": {Fields: map[string]schema.Field{"nickname": shared}}},
		codes:  apierror.Codes{"CUSTOM": {Code: "CUSTOM", Message: "custom"}},
		endpoints: map[string]*Endpoint{
			"getA": {Path: "/a", Handler: okHandler("a")},
		},
		hooks: Hooks{Before: []BeforeHook{{Name: "a1", Handler: func(context.Context, *RequestContext) (*Response, error) { return nil, nil }}}},
	}
	b := &fakePlugin{
		id:     "b",
		deps:   []string{"a"},
		schema: schema.Schema{"user": {Fields: map[string]schema.Field{"nickname": shared}}},
		codes:  apierror.Codes{"CUSTOM": {Code: "CUSTOM", Message: "custom"}},
		hooks: Hooks{Before: []BeforeHook{
			{Handler: func(context.Context, *RequestContext) (*Response, error) { return nil, nil }},
		}},
	}

	c, ac := mustCompose(t, a, b)

	if !c.Schema().Has("user", "nickname") || !c.Schema().Has("user", "email") {
		t.Errorf("Schema() missing merged fields: %v", c.Schema()["user"].FieldNames())
	}
	if _, ok := c.ErrorCodes()["CUSTOM"]; !ok {
		t.Error("ErrorCodes() missing CUSTOM")
	}
	if _, ok := ac.ErrorCodes()["UNAUTHORIZED"]; !ok {
		t.Error("AuthContext.ErrorCodes() missing base code UNAUTHORIZED")
	}
	ep, ok := c.Endpoint("getA")
	if !ok || ep.Method != http.MethodGet || ep.Owner() != "a" {
		t.Errorf("Endpoint(getA) = %+v, %v", ep, ok)
	}
	if got := c.BeforeHooks(); len(got) != 2 || got[0] != "a1" || got[1] != "b.before[0]" {
		t.Errorf("BeforeHooks() = %v", got)
	}
	if !ac.HasPlugin("a") || !ac.HasPlugin("b") {
		t.Error("AuthContext.HasPlugin() should see every plugin")
	}
}

func TestCompose_CoreEndpointsConflict(t *testing.T) {
	core := map[string]*Endpoint{"ok": {Path: "/ok", Handler: okHandler(nil)}}
	p := &fakePlugin{id: "p", endpoints: map[string]*Endpoint{"ok": {Path: "/other", Handler: okHandler(nil)}}}
	_, err := Compose([]Plugin{p}, WithCoreEndpoints(core))
	if err == nil || !strings.Contains(err.Error(), `"core" and "p"`) {
		t.Errorf("Compose() error = %v, want core/p conflict", err)
	}
}

func TestInitialize(t *testing.T) {
	var sawOther bool
	first := &fakePlugin{
		id: "first",
		init: func(_ context.Context, ac *AuthContext) (*InitResult, error) {
			sawOther = ac.HasPlugin("second")
			return &InitResult{Context: map[string]any{"test": 42}}, nil
		},
	}
	second := &fakePlugin{id: "second"}

	_, ac := mustCompose(t, first, second)
	if !sawOther {
		t.Error("Init should see plugins registered after it")
	}
	got, ok := ExtensionAs[int](ac, "test")
	if !ok || got != 42 {
		t.Errorf("ExtensionAs(test) = %v, %v", got, ok)
	}

	t.Run("extension attached twice", func(t *testing.T) {
		dup := func(context.Context, *AuthContext) (*InitResult, error) {
			return &InitResult{Context: map[string]any{"x": 1}}, nil
		}
		c, err := Compose([]Plugin{&fakePlugin{id: "a", init: dup}, &fakePlugin{id: "b", init: dup}})
		if err != nil {
			t.Fatalf("Compose() error = %v", err)
		}
		if err := c.Initialize(context.Background(), &AuthContext{}); err == nil {
			t.Error("Initialize() should fail on duplicate extension")
		}
	})

	t.Run("init error", func(t *testing.T) {
		c, err := Compose([]Plugin{&fakePlugin{id: "a", init: func(context.Context, *AuthContext) (*InitResult, error) {
			return nil, errors.New("boom")
		}}})
		if err != nil {
			t.Fatalf("Compose() error = %v", err)
		}
		err = c.Initialize(context.Background(), &AuthContext{})
		if err == nil || !strings.Contains(err.Error(), `plugin "a": init: boom`) {
			t.Errorf("Initialize() error = %v", err)
		}
		if err := c.Initialize(context.Background(), &AuthContext{}); !errors.Is(err, ErrAlreadyInitialized) {
			t.Errorf("second Initialize() error = %v, want ErrAlreadyInitialized", err)
		}
	})
}

func TestDatabaseHooks_Order(t *testing.T) {
	var calls []string
	record := func(name string) adapter.HookFunc {
		return func(context.Context, adapter.Record) error {
			calls = append(calls, name)
			return nil
		}
	}
	ev := adapter.Event{Model: session.ModelUser, Operation: adapter.OpCreate, Phase: adapter.After}
	a := &fakePlugin{
		id:      "a",
		dbHooks: []adapter.Hook{{Name: "a-static", Event: ev, Fn: record("a-static")}},
		init: func(context.Context, *AuthContext) (*InitResult, error) {
			return &InitResult{DatabaseHooks: []adapter.Hook{{Name: "a-init", Event: ev, Fn: record("a-init")}}}, nil
		},
	}
	b := &fakePlugin{id: "b", dbHooks: []adapter.Hook{{Name: "b-static", Event: ev, Fn: record("b-static")}}}

	c, ac := mustCompose(t, a, b)

	want := []string{"a-static", "b-static", "a-init"}
	if got := c.DatabaseHooks().Chain(ev); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Chain() = %v, want %v", got, want)
	}
	if _, err := ac.Internal.CreateUser(context.Background(), session.NewUser{Email: "a@example.com"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Errorf("hook calls = %v, want %v", calls, want)
	}
}
