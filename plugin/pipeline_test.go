package plugin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/session"
)

type recorder struct{ calls []string }

func (r *recorder) before(name string, resp *Response, err error) BeforeHook {
	return BeforeHook{Name: name, Handler: func(context.Context, *RequestContext) (*Response, error) {
		r.calls = append(r.calls, name)
		return resp, err
	}}
}

func (r *recorder) after(name string, errorSafe bool, seen *Result) AfterHook {
	return AfterHook{Name: name, ErrorSafe: errorSafe, Handler: func(_ context.Context, _ *RequestContext, res Result) error {
		r.calls = append(r.calls, name)
		if seen != nil {
			*seen = res
		}
		return nil
	}}
}

func (r *recorder) handler(body any, err error) HandlerFunc {
	return func(context.Context, *RequestContext) (*Response, error) {
		r.calls = append(r.calls, "handler")
		if err != nil {
			return nil, err
		}
		return JSON(body), nil
	}
}

func traceOf(states ...State) []State { return states }

func TestExecute_States(t *testing.T) {
	tests := []struct {
		name       string
		before     func(r *recorder) []BeforeHook
		handlerErr error
		wantCalls  []string
		wantTrace  []State
		wantStatus int
		wantCode   string
	}{
		{
			name: "happy path",
			before: func(r *recorder) []BeforeHook {
				return []BeforeHook{r.before("b1", nil, nil), r.before("b2", nil, nil)}
			},
			wantCalls:  []string{"b1", "b2", "handler", "a-safe", "a-plain"},
			wantTrace:  traceOf(StateReceived, StateBeforeHooks, StateHandler, StateAfterHooks, StateResponded),
			wantStatus: http.StatusOK,
		},
		{
			name: "short circuit skips later hooks and handler",
			before: func(r *recorder) []BeforeHook {
				return []BeforeHook{
					r.before("b1", &Response{Status: http.StatusTooManyRequests}, nil),
					r.before("b2", nil, nil),
				}
			},
			wantCalls:  []string{"b1", "a-safe", "a-plain"},
			wantTrace:  traceOf(StateReceived, StateBeforeHooks, StateAfterHooks, StateResponded),
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name: "before hook error runs only error-safe after hooks",
			before: func(r *recorder) []BeforeHook {
				return []BeforeHook{
					r.before("b1", nil, apierror.Forbidden(apierror.CodeForbidden, "no")),
					r.before("b2", nil, nil),
				}
			},
			wantCalls:  []string{"b1", "a-safe"},
			wantTrace:  traceOf(StateReceived, StateBeforeHooks, StateAfterHooks, StateErrored),
			wantStatus: http.StatusForbidden,
			wantCode:   apierror.CodeForbidden,
		},
		{
			name:       "handler error becomes a response",
			before:     func(*recorder) []BeforeHook { return nil },
			handlerErr: errors.New("database exploded"),
			wantCalls:  []string{"handler", "a-safe", "a-plain"},
			wantTrace:  traceOf(StateReceived, StateBeforeHooks, StateHandler, StateAfterHooks, StateResponded),
			wantStatus: http.StatusInternalServerError,
			wantCode:   apierror.CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			var seen Result
			p := &fakePlugin{
				id:        "p",
				endpoints: map[string]*Endpoint{"op": {Method: "POST", Path: "/op", Handler: r.handler("ok", tt.handlerErr)}},
				hooks: Hooks{
					Before: tt.before(r),
					After:  []AfterHook{r.after("a-safe", true, &seen), r.after("a-plain", false, nil)},
				},
			}
			c, ac := mustCompose(t, p)

			out := c.Execute(context.Background(), "op", newRC(t, ac, "POST", "/api/auth/op", ""))

			if !slices.Equal(r.calls, tt.wantCalls) {
				t.Errorf("calls = %v, want %v", r.calls, tt.wantCalls)
			}
			if !slices.Equal(out.Trace, tt.wantTrace) {
				t.Errorf("Trace = %v, want %v", out.Trace, tt.wantTrace)
			}
			status := 0
			if out.Err != nil {
				status = out.Err.Status
				if out.Err.Code != tt.wantCode {
					t.Errorf("Err.Code = %q, want %q", out.Err.Code, tt.wantCode)
				}
			} else if out.Response != nil {
				status = out.Response.Status
			}
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
			if seen.Err == nil && out.Err != nil {
				t.Error("after hook did not see the error result")
			}
		})
	}
}

func TestExecute_AfterHooksCannotAlterResult(t *testing.T) {
	p := &fakePlugin{
		id: "p",
		endpoints: map[string]*Endpoint{"op": {Path: "/op", Handler: func(context.Context, *RequestContext) (*Response, error) {
			return &Response{Status: http.StatusOK, Headers: http.Header{"X-Test": {"orig"}}}, nil
		}}},
		hooks: Hooks{After: []AfterHook{
			{Name: "mutator", Handler: func(_ context.Context, _ *RequestContext, res Result) error {
				res.Response.Status = http.StatusTeapot
				res.Response.Headers.Set("X-Test", "changed")
				return errors.New("ignored")
			}},
			{Name: "panicker", Handler: func(context.Context, *RequestContext, Result) error {
				panic("after hook panic")
			}},
		}},
	}
	c, ac := mustCompose(t, p)
	out := c.Execute(context.Background(), "op", newRC(t, ac, "GET", "/op", ""))

	if out.Final() != StateResponded {
		t.Fatalf("Final() = %s, want RESPONDED", out.Final())
	}
	if out.Response.Status != http.StatusOK || out.Response.Headers.Get("X-Test") != "orig" {
		t.Errorf("after hook altered the response: %+v", out.Response)
	}
}

func TestExecute_Panics(t *testing.T) {
	t.Run("handler", func(t *testing.T) {
		p := &fakePlugin{id: "p", endpoints: map[string]*Endpoint{"op": {Path: "/op", Handler: func(context.Context, *RequestContext) (*Response, error) {
			panic("boom")
		}}}}
		c, ac := mustCompose(t, p)
		out := c.Execute(context.Background(), "op", newRC(t, ac, "GET", "/op", ""))
		if out.Err == nil || out.Err.Status != http.StatusInternalServerError {
			t.Fatalf("Err = %v, want 500", out.Err)
		}
		if out.Final() != StateResponded {
			t.Errorf("Final() = %s, want RESPONDED", out.Final())
		}
	})

	t.Run("before hook", func(t *testing.T) {
		p := &fakePlugin{
			id:        "p",
			endpoints: map[string]*Endpoint{"op": {Path: "/op", Handler: okHandler(nil)}},
			hooks: Hooks{Before: []BeforeHook{{Name: "bad", Handler: func(context.Context, *RequestContext) (*Response, error) {
				panic("boom")
			}}}},
		}
		c, ac := mustCompose(t, p)
		out := c.Execute(context.Background(), "op", newRC(t, ac, "GET", "/op", ""))
		if out.Final() != StateErrored {
			t.Errorf("Final() = %s, want ERRORED", out.Final())
		}
	})
}

func TestExecute_Matcher(t *testing.T) {
	var calls []string
	p := &fakePlugin{
		id: "p",
		endpoints: map[string]*Endpoint{
			"a": {Path: "/a", Handler: okHandler(nil)},
			"b": {Path: "/b", Handler: okHandler(nil)},
		},
		hooks: Hooks{Before: []BeforeHook{{
			Name:    "only-a",
			Matcher: PathMatcher("/a"),
			Handler: func(_ context.Context, rc *RequestContext) (*Response, error) {
				calls = append(calls, rc.Path)
				return nil, nil
			},
		}}},
	}
	c, ac := mustCompose(t, p)
	c.Execute(context.Background(), "a", newRC(t, ac, "GET", "/a", ""))
	c.Execute(context.Background(), "b", newRC(t, ac, "GET", "/b", ""))
	if !slices.Equal(calls, []string{"/a"}) {
		t.Errorf("calls = %v, want [/a]", calls)
	}
}

func TestExecute_UnknownOperation(t *testing.T) {
	c, ac := mustCompose(t)
	out := c.Execute(context.Background(), "nope", newRC(t, ac, "GET", "/nope", ""))
	if out.Err == nil || out.Err.Status != http.StatusNotFound {
		t.Errorf("Err = %v, want 404", out.Err)
	}
}

func TestExecute_RequireSession(t *testing.T) {
	p := &fakePlugin{id: "p", endpoints: map[string]*Endpoint{"me": {
		Path:           "/me",
		RequireSession: true,
		Handler: func(_ context.Context, rc *RequestContext) (*Response, error) {
			return JSON(map[string]string{"email": rc.User.Email}), nil
		},
	}}}
	c, ac := mustCompose(t, p)
	ctx := context.Background()

	out := c.Execute(ctx, "me", newRC(t, ac, "GET", "/me", ""))
	if out.Err == nil || out.Err.Code != apierror.CodeUnauthorized {
		t.Fatalf("Err = %v, want UNAUTHORIZED", out.Err)
	}

	u, err := ac.Internal.CreateUser(ctx, session.NewUser{Email: "me@example.com"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	s, err := ac.Internal.CreateSession(ctx, u.ID, session.Meta{})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer "+s.Token)
	rc, err := NewRequestContext(req, ac)
	if err != nil {
		t.Fatalf("NewRequestContext() error = %v", err)
	}
	out = c.Execute(ctx, "me", rc)
	if out.Err != nil {
		t.Fatalf("Err = %v", out.Err)
	}
	if body := out.Response.Body.(map[string]string); body["email"] != "me@example.com" {
		t.Errorf("body = %v", body)
	}
}

func TestExecute_InputValidation(t *testing.T) {
	type profile struct {
		Handle string `json:"handle" jsonschema:"minLength=2"`
	}
	type signUp struct {
		Email    string   `json:"email" jsonschema:"required"`
		Password string   `json:"password" jsonschema:"required"`
		Age      int      `json:"age,omitempty"`
		Role     string   `json:"role,omitempty" jsonschema:"enum=admin,enum=member"`
		Profile  *profile `json:"profile,omitempty"`
	}
	p := &fakePlugin{id: "p", endpoints: map[string]*Endpoint{"signUp": {
		Method:  "POST",
		Path:    "/sign-up",
		Input:   signUp{},
		Handler: okHandler("created"),
	}}}
	c, ac := mustCompose(t, p)

	tests := []struct {
		name     string
		body     string
		wantCode string
		wantMsg  string
	}{
		{name: "valid", body: `{"email":"a@b.c","password":"secret","age":3,"role":"member","profile":{"handle":"ada"}}`},
		{name: "missing field", body: `{"email":"a@b.c"}`, wantCode: apierror.CodeValidation, wantMsg: `missing properties: ["password"]`},
		{name: "empty body", body: "", wantCode: apierror.CodeValidation, wantMsg: `"email"`},
		{name: "wrong type", body: `{"email":1,"password":"x"}`, wantCode: apierror.CodeValidation, wantMsg: `want "string"`},
		{name: "fractional integer", body: `{"email":"a","password":"x","age":1.5}`, wantCode: apierror.CodeValidation, wantMsg: `want "integer"`},
		{name: "enum", body: `{"email":"a","password":"x","role":"root"}`, wantCode: apierror.CodeValidation, wantMsg: "enum"},
		{name: "nested minLength", body: `{"email":"a","password":"x","profile":{"handle":"a"}}`, wantCode: apierror.CodeValidation, wantMsg: "minLength"},
		{name: "nested type", body: `{"email":"a","password":"x","profile":{"handle":7}}`, wantCode: apierror.CodeValidation, wantMsg: "/properties/profile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := c.Execute(context.Background(), "signUp", newRC(t, ac, "POST", "/sign-up", tt.body))
			if tt.wantCode == "" {
				if out.Err != nil {
					t.Fatalf("Err = %v", out.Err)
				}
				return
			}
			if out.Err == nil || out.Err.Code != tt.wantCode || out.Err.Status != http.StatusBadRequest {
				t.Fatalf("Err = %v, want %s", out.Err, tt.wantCode)
			}
			if !strings.Contains(out.Err.Message, tt.wantMsg) {
				t.Errorf("Message = %q, want %q", out.Err.Message, tt.wantMsg)
			}
		})
	}
}

func TestExecute_FormInputValidation(t *testing.T) {
	type tokenRequest struct {
		GrantType string `json:"grant_type"`
		TTL       int    `json:"ttl,omitempty"`
		Offline   bool   `json:"offline,omitempty"`
	}
	p := &fakePlugin{id: "p", endpoints: map[string]*Endpoint{"token": {
		Method:  "POST",
		Path:    "/token",
		Input:   tokenRequest{},
		Handler: okHandler("issued"),
	}}}
	c, ac := mustCompose(t, p)

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "scalars parse", body: "grant_type=code&ttl=60&offline=true"},
		{name: "missing required", body: "ttl=60", wantErr: true},
		{name: "unparsable integer", body: "grant_type=code&ttl=soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/token", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rc, err := NewRequestContext(req, ac)
			if err != nil {
				t.Fatalf("NewRequestContext() error = %v", err)
			}
			out := c.Execute(context.Background(), "token", rc)
			if got := out.Err != nil; got != tt.wantErr {
				t.Fatalf("Err = %v, wantErr %v", out.Err, tt.wantErr)
			}
			if tt.wantErr && out.Err.Code != apierror.CodeValidation {
				t.Errorf("Code = %s, want %s", out.Err.Code, apierror.CodeValidation)
			}
			if !tt.wantErr && rc.Field("ttl") != "60" {
				t.Errorf("Field(ttl) = %q, form input must stay raw", rc.Field("ttl"))
			}
		})
	}
}

func TestNewRequestContext_Form(t *testing.T) {
	req := httptest.NewRequest("POST", "/token", strings.NewReader("grant_type=authorization_code&code=abc"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rc, err := NewRequestContext(req, &AuthContext{})
	if err != nil {
		t.Fatalf("NewRequestContext() error = %v", err)
	}
	if rc.Field("grant_type") != "authorization_code" || rc.Field("code") != "abc" {
		t.Errorf("Input = %v", rc.Input)
	}

	bad := httptest.NewRequest("POST", "/x", strings.NewReader("{"))
	bad.Header.Set("Content-Type", "application/json")
	if _, err := NewRequestContext(bad, &AuthContext{}); !apierror.Is(err, apierror.CodeInvalidRequest) {
		t.Errorf("NewRequestContext() malformed error = %v", err)
	}
}
