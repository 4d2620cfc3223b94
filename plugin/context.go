package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/elnormous/contenttype"

	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/instrumentation"
	"github.com/giantswarm/mcp-auth/security"
	"github.com/giantswarm/mcp-auth/session"
)

// MaxBodySize bounds request bodies read by the pipeline.
const MaxBodySize = 1 << 20

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
	formMediaType = contenttype.NewMediaType("application/x-www-form-urlencoded")
)

// AuthContext is shared by every request and every plugin of one
// instance. Its fields are set during construction and read-only
// afterwards; extensions are attached during Init.
type AuthContext struct {
	Secret         string
	BaseURL        string
	BasePath       string
	TrustedOrigins []string

	// Adapter runs database hooks around writes
	Adapter adapter.Adapter

	// Internal is the user, session, account and verification store
	Internal *session.Manager

	GenerateID      func() string
	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Cookies         session.CookieConfig
	IPResolver      security.IPResolver

	registry   *Registry
	errorCodes apierror.Codes
	dbHooks    *adapter.HookRegistry

	mu         sync.RWMutex
	extensions map[string]any
}

// HasPlugin reports whether a plugin with id is part of the instance.
func (ac *AuthContext) HasPlugin(id string) bool {
	return ac.registry != nil && ac.registry.HasPlugin(id)
}

// GetPlugin returns the plugin with id.
func (ac *AuthContext) GetPlugin(id string) (Plugin, bool) {
	if ac.registry == nil {
		return nil, false
	}
	return ac.registry.GetPlugin(id)
}

// ErrorCodes returns the merged error codes.
func (ac *AuthContext) ErrorCodes() apierror.Codes {
	return ac.errorCodes
}

// DatabaseHooks returns the ordered database hook registry.
func (ac *AuthContext) DatabaseHooks() *adapter.HookRegistry {
	return ac.dbHooks
}

// Metrics returns the instance metrics, nil when instrumentation is off.
func (ac *AuthContext) Metrics() *instrumentation.Metrics {
	if ac == nil || ac.Instrumentation == nil {
		return nil
	}
	return ac.Instrumentation.Metrics()
}

// Extension returns a context extension attached by a plugin's Init.
func (ac *AuthContext) Extension(name string) (any, bool) {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	v, ok := ac.extensions[name]
	return v, ok
}

// ExtensionAs returns the extension name as a T.
func ExtensionAs[T any](ac *AuthContext, name string) (T, bool) {
	v, ok := ac.Extension(name)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

func (ac *AuthContext) attach(owner, name string, v any) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.extensions == nil {
		ac.extensions = map[string]any{}
	}
	if _, exists := ac.extensions[name]; exists {
		return fmt.Errorf("plugin %q: context extension %q is already attached", owner, name)
	}
	ac.extensions[name] = v
	return nil
}

// RequestContext is created fresh for every request. Hooks may write to
// it freely; nothing here is visible to other requests.
type RequestContext struct {
	Method    string
	Path      string
	Operation string
	Params    map[string]string
	Query     url.Values
	Header    http.Header
	Body      []byte

	// Input is the decoded JSON or form body
	Input map[string]any

	// BaseURL is the base URL resolved for this request
	BaseURL  string
	ClientIP string

	Session *session.Session
	User    *session.User

	Request *http.Request
	Auth    *AuthContext

	form   bool
	values map[string]any
}

// NewRequestContext reads and decodes r's body. Bodies other than JSON
// and form encoding are kept raw.
func NewRequestContext(r *http.Request, ac *AuthContext) (*RequestContext, error) {
	rc := &RequestContext{
		Method:  r.Method,
		Path:    r.URL.Path,
		Params:  map[string]string{},
		Query:   r.URL.Query(),
		Header:  r.Header.Clone(),
		Request: r,
		Auth:    ac,
		values:  map[string]any{},
	}
	if ac != nil {
		rc.BaseURL = ac.BaseURL
		rc.ClientIP = ac.IPResolver.ClientIP(r)
	}

	if r.Body == nil || r.Body == http.NoBody {
		return rc, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize+1))
	if err != nil {
		return nil, apierror.BadRequest(apierror.CodeInvalidRequest, "failed to read request body").WithCause(err)
	}
	if len(body) > MaxBodySize {
		return nil, apierror.New(http.StatusRequestEntityTooLarge, apierror.CodeInvalidRequest, "request body too large")
	}
	rc.Body = body
	r.Body = io.NopCloser(bytes.NewReader(body))
	if len(bytes.TrimSpace(body)) == 0 {
		return rc, nil
	}

	ctype, err := contenttype.GetMediaType(r)
	switch {
	case err == nil && ctype.Matches(formMediaType):
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, apierror.BadRequest(apierror.CodeInvalidRequest, "malformed form body").WithCause(err)
		}
		rc.form = true
		rc.Input = make(map[string]any, len(form))
		for k := range form {
			rc.Input[k] = form.Get(k)
		}
	case err != nil || ctype.Matches(jsonMediaType) || ctype.Subtype == "*":
		var input map[string]any
		if err := json.Unmarshal(body, &input); err != nil {
			return nil, apierror.BadRequest(apierror.CodeInvalidRequest, "malformed JSON body").WithCause(err)
		}
		rc.Input = input
	}
	return rc, nil
}

// Set stores a per-request value.
func (rc *RequestContext) Set(key string, v any) {
	if rc.values == nil {
		rc.values = map[string]any{}
	}
	rc.values[key] = v
}

// Value returns a per-request value.
func (rc *RequestContext) Value(key string) (any, bool) {
	v, ok := rc.values[key]
	return v, ok
}

// Decode unmarshals the input into v.
func (rc *RequestContext) Decode(v any) error {
	data, err := json.Marshal(rc.Input)
	if err != nil {
		return apierror.BadRequest(apierror.CodeInvalidRequest, "invalid request body").WithCause(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apierror.BadRequest(apierror.CodeValidation, "invalid request body").WithCause(err)
	}
	return nil
}

// Field returns a string input field, falling back to the query string.
func (rc *RequestContext) Field(name string) string {
	if s, ok := rc.Input[name].(string); ok {
		return s
	}
	return rc.Query.Get(name)
}

// Logger returns the instance logger annotated with the request ID.
func (rc *RequestContext) Logger() *slog.Logger {
	var base *slog.Logger
	if rc.Auth != nil {
		base = rc.Auth.Logger
	}
	if rc.Request == nil {
		if base == nil {
			return slog.Default()
		}
		return base
	}
	return security.LoggerWithRequestID(rc.Request.Context(), base)
}
