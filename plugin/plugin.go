// Package plugin holds the plugin contract, the composition engine that
// merges plugin contributions into one instance, and the request pipeline
// that runs before hooks, the endpoint handler and after hooks.
package plugin

import (
	"context"
	"net/http"

	"github.com/invopop/jsonschema"

	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/schema"
)

// Plugin is the only required part of a plugin. Everything else is
// discovered through the optional capability interfaces below.
type Plugin interface {
	ID() string
}

// SchemaContributor adds models and fields.
type SchemaContributor interface {
	Schema() schema.Schema
}

// EndpointContributor adds endpoints keyed by operation name.
type EndpointContributor interface {
	Endpoints() map[string]*Endpoint
}

// HookContributor adds request hooks.
type HookContributor interface {
	Hooks() Hooks
}

// LifecycleContributor is initialized once, after every plugin is
// registered and before the first request.
type LifecycleContributor interface {
	Init(ctx context.Context, ac *AuthContext) (*InitResult, error)
}

// ErrorCodeContributor adds error codes to the instance's code map.
type ErrorCodeContributor interface {
	ErrorCodes() apierror.Codes
}

// DatabaseHookContributor adds database hooks known at construction time.
type DatabaseHookContributor interface {
	DatabaseHooks() []adapter.Hook
}

// Dependent declares plugins that must be registered before this one.
type Dependent interface {
	DependsOn() []string
}

// Validator checks required options before composition.
type Validator interface {
	Validate() error
}

// InitResult is what Init may contribute.
type InitResult struct {
	// Context extensions, attached to the AuthContext by name
	Context map[string]any

	// DatabaseHooks are appended after the static database hooks
	DatabaseHooks []adapter.Hook
}

// HandlerFunc handles one endpoint call.
type HandlerFunc func(ctx context.Context, rc *RequestContext) (*Response, error)

// Endpoint is one HTTP operation contributed by a plugin or the core.
type Endpoint struct {
	Method  string
	Path    string // relative to the base path, e.g. "/sign-in/email"
	Handler HandlerFunc

	// RequireSession makes the pipeline resolve the session before the
	// handler and answer 401 when there is none.
	RequireSession bool

	// Input is a prototype struct describing the JSON body. Its schema
	// is reflected at composition time and enforced per request.
	Input any

	inputSchema *jsonschema.Schema
	input       *inputValidator
	owner       string
}

// Owner returns the ID of the plugin that contributed the endpoint.
func (e *Endpoint) Owner() string { return e.owner }

// InputSchema returns the reflected JSON schema of Input, or nil.
func (e *Endpoint) InputSchema() *jsonschema.Schema { return e.inputSchema }

// Response is what handlers and short-circuiting hooks return.
type Response struct {
	Status  int
	Body    any
	Headers http.Header
	Cookies []*http.Cookie

	// Redirect, when set, answers with a 302 to this location
	Redirect string
}

// JSON returns a 200 response with body.
func JSON(body any) *Response {
	return &Response{Status: http.StatusOK, Body: body}
}

// Redirect returns a 302 response to location.
func Redirect(location string) *Response {
	return &Response{Status: http.StatusFound, Redirect: location}
}

// Clone returns a copy that shares Body but not headers or cookies.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Headers = r.Headers.Clone()
	c.Cookies = append([]*http.Cookie(nil), r.Cookies...)
	return &c
}

// Matcher selects the requests a hook applies to. A nil Matcher matches all.
type Matcher func(rc *RequestContext) bool

// BeforeHook runs before the handler. Returning a Response short-circuits
// the remaining before hooks and the handler.
type BeforeHook struct {
	Name    string
	Matcher Matcher
	Handler func(ctx context.Context, rc *RequestContext) (*Response, error)

	plugin string
}

// AfterHook observes the final result. It cannot change it.
type AfterHook struct {
	Name    string
	Matcher Matcher

	// ErrorSafe hooks also run when a before hook failed
	ErrorSafe bool

	Handler func(ctx context.Context, rc *RequestContext, result Result) error

	plugin string
}

// Hooks is what a HookContributor returns.
type Hooks struct {
	Before []BeforeHook
	After  []AfterHook
}

// Result is the final outcome handed to after hooks.
type Result struct {
	Response *Response
	Err      *apierror.Error

	// ShortCircuited is set when a before hook answered the request
	ShortCircuited bool
}

// PathMatcher matches requests whose path equals one of paths.
func PathMatcher(paths ...string) Matcher {
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[p] = true
	}
	return func(rc *RequestContext) bool { return set[rc.Path] }
}
