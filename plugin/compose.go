package plugin

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/giantswarm/mcp-auth/adapter"
	"github.com/giantswarm/mcp-auth/apierror"
	"github.com/giantswarm/mcp-auth/schema"
)

// CoreID owns the schema and endpoints the instance itself contributes.
const CoreID = "core"

// ErrAlreadyInitialized is returned by a second Initialize.
var ErrAlreadyInitialized = errors.New("composition is already initialized")

// Option configures Compose.
type Option func(*composeOptions)

type composeOptions struct {
	schema    schema.Schema
	endpoints map[string]*Endpoint
	before    []BeforeHook
}

// WithCoreSchema seeds the merged schema with the core models.
func WithCoreSchema(s schema.Schema) Option {
	return func(o *composeOptions) { o.schema = s }
}

// WithCoreEndpoints adds endpoints owned by the core ahead of any plugin.
func WithCoreEndpoints(endpoints map[string]*Endpoint) Option {
	return func(o *composeOptions) { o.endpoints = endpoints }
}

// WithCoreBeforeHooks adds before hooks owned by the core. They run ahead
// of every plugin hook.
func WithCoreBeforeHooks(hooks ...BeforeHook) Option {
	return func(o *composeOptions) { o.before = append(o.before, hooks...) }
}

// Composition is the merged result of a plugin list. It is immutable once
// Initialize returns.
type Composition struct {
	registry   *Registry
	schema     schema.Schema
	endpoints  map[string]*Endpoint
	errorCodes apierror.Codes
	before     []BeforeHook
	after      []AfterHook
	dbHooks    *adapter.HookRegistry

	initOnce    sync.Once
	initialized bool
}

// Compose registers, validates and merges plugins in list order.
// Any conflict fails the whole composition.
func Compose(plugins []Plugin, opts ...Option) (*Composition, error) {
	var o composeOptions
	for _, opt := range opts {
		opt(&o)
	}

	c := &Composition{
		registry:   NewRegistry(),
		endpoints:  map[string]*Endpoint{},
		errorCodes: apierror.BaseCodes(),
		dbHooks:    adapter.NewHookRegistry(),
	}

	for _, p := range plugins {
		if err := c.registry.Register(p); err != nil {
			return nil, err
		}
	}
	c.registry.Seal()

	for _, p := range plugins {
		if v, ok := p.(Validator); ok {
			if err := v.Validate(); err != nil {
				return nil, fmt.Errorf("plugin %q: %w", p.ID(), err)
			}
		}
	}

	if err := checkDependencies(plugins); err != nil {
		return nil, err
	}

	merger := schema.NewMerger()
	if o.schema != nil {
		if err := merger.Add(CoreID, o.schema); err != nil {
			return nil, err
		}
	}
	for _, p := range plugins {
		if sc, ok := p.(SchemaContributor); ok {
			if err := merger.Add(p.ID(), sc.Schema()); err != nil {
				return nil, err
			}
		}
	}
	c.schema = merger.Schema()

	routes := map[string]string{}
	if err := c.addEndpoints(CoreID, o.endpoints, routes); err != nil {
		return nil, err
	}
	for _, p := range plugins {
		if ec, ok := p.(EndpointContributor); ok {
			if err := c.addEndpoints(p.ID(), ec.Endpoints(), routes); err != nil {
				return nil, err
			}
		}
	}

	for _, p := range plugins {
		if ec, ok := p.(ErrorCodeContributor); ok {
			if err := c.errorCodes.Merge(ec.ErrorCodes()); err != nil {
				return nil, fmt.Errorf("plugin %q: %w", p.ID(), err)
			}
		}
	}

	for i, h := range o.before {
		if h.Handler == nil {
			return nil, fmt.Errorf("core before hook %d has no handler", i)
		}
		h.plugin = CoreID
		if h.Name == "" {
			h.Name = fmt.Sprintf("%s.before[%d]", CoreID, i)
		}
		c.before = append(c.before, h)
	}
	for _, p := range plugins {
		hc, ok := p.(HookContributor)
		if !ok {
			continue
		}
		hooks := hc.Hooks()
		for i, h := range hooks.Before {
			if h.Handler == nil {
				return nil, fmt.Errorf("plugin %q: before hook %d has no handler", p.ID(), i)
			}
			h.plugin = p.ID()
			if h.Name == "" {
				h.Name = fmt.Sprintf("%s.before[%d]", p.ID(), i)
			}
			c.before = append(c.before, h)
		}
		for i, h := range hooks.After {
			if h.Handler == nil {
				return nil, fmt.Errorf("plugin %q: after hook %d has no handler", p.ID(), i)
			}
			h.plugin = p.ID()
			if h.Name == "" {
				h.Name = fmt.Sprintf("%s.after[%d]", p.ID(), i)
			}
			c.after = append(c.after, h)
		}
	}

	for _, p := range plugins {
		if dc, ok := p.(DatabaseHookContributor); ok {
			if err := c.appendDatabaseHooks(p.ID(), dc.DatabaseHooks()); err != nil {
				return nil, err
			}
		}
	}

	return c, nil
}

// checkDependencies requires every dependency to appear earlier in the list.
func checkDependencies(plugins []Plugin) error {
	seen := map[string]bool{}
	all := map[string]bool{}
	for _, p := range plugins {
		all[p.ID()] = true
	}
	for _, p := range plugins {
		if d, ok := p.(Dependent); ok {
			for _, dep := range d.DependsOn() {
				if seen[dep] {
					continue
				}
				if all[dep] {
					return fmt.Errorf("plugin %q depends on %q, which must be registered before it", p.ID(), dep)
				}
				return fmt.Errorf("plugin %q depends on %q, which is not registered", p.ID(), dep)
			}
		}
		seen[p.ID()] = true
	}
	return nil
}

func routeKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

func (c *Composition) addEndpoints(owner string, endpoints map[string]*Endpoint, routes map[string]string) error {
	for _, op := range slices.Sorted(maps.Keys(endpoints)) {
		src := endpoints[op]
		if src == nil || src.Handler == nil {
			return fmt.Errorf("plugin %q: endpoint %q has no handler", owner, op)
		}
		if !strings.HasPrefix(src.Path, "/") {
			return fmt.Errorf("plugin %q: endpoint %q path %q must start with /", owner, op, src.Path)
		}
		if existing, ok := c.endpoints[op]; ok {
			return fmt.Errorf("endpoint %q is contributed by both %q and %q", op, existing.owner, owner)
		}

		ep := *src
		if ep.Method == "" {
			ep.Method = http.MethodGet
		}
		ep.Method = strings.ToUpper(ep.Method)
		ep.owner = owner

		key := routeKey(ep.Method, ep.Path)
		if other, ok := routes[key]; ok {
			return fmt.Errorf("route %s is contributed by both %q (%s) and %q (%s)",
				key, c.endpoints[other].owner, other, owner, op)
		}

		if ep.Input != nil {
			s, err := reflectInput(ep.Input)
			if err != nil {
				return fmt.Errorf("plugin %q: endpoint %q: %w", owner, op, err)
			}
			ep.inputSchema = s
			if ep.input, err = newInputValidator(s); err != nil {
				return fmt.Errorf("plugin %q: endpoint %q: %w", owner, op, err)
			}
		}

		routes[key] = op
		c.endpoints[op] = &ep
	}
	return nil
}

func reflectInput(input any) (s *jsonschema.Schema, err error) {
	// Reflect panics on types it cannot describe.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cannot reflect input schema: %v", r)
		}
	}()
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	s = r.Reflect(input)
	if s.Type != "object" {
		return nil, fmt.Errorf("input must be a struct, got schema type %q", s.Type)
	}
	return s, nil
}

func (c *Composition) appendDatabaseHooks(owner string, hooks []adapter.Hook) error {
	for i, h := range hooks {
		if h.Name == "" {
			h.Name = fmt.Sprintf("%s.%s[%d]", owner, h.Event, i)
		}
		if err := c.dbHooks.Append(h); err != nil {
			return fmt.Errorf("plugin %q: %w", owner, err)
		}
	}
	return nil
}

// Initialize binds ac to the composition and runs every plugin's Init in
// registration order. Context extensions are attached by name and Init
// database hooks are appended after the static ones.
func (c *Composition) Initialize(ctx context.Context, ac *AuthContext) error {
	err := ErrAlreadyInitialized
	c.initOnce.Do(func() {
		err = c.initialize(ctx, ac)
	})
	return err
}

func (c *Composition) initialize(ctx context.Context, ac *AuthContext) error {
	ac.registry = c.registry
	ac.errorCodes = c.errorCodes
	ac.dbHooks = c.dbHooks

	for _, p := range c.registry.Plugins() {
		lc, ok := p.(LifecycleContributor)
		if !ok {
			continue
		}
		res, err := lc.Init(ctx, ac)
		if err != nil {
			return fmt.Errorf("plugin %q: init: %w", p.ID(), err)
		}
		if res == nil {
			continue
		}
		for _, name := range slices.Sorted(maps.Keys(res.Context)) {
			if err := ac.attach(p.ID(), name, res.Context[name]); err != nil {
				return err
			}
		}
		if err := c.appendDatabaseHooks(p.ID(), res.DatabaseHooks); err != nil {
			return err
		}
	}
	c.initialized = true
	return nil
}

// Registry returns the sealed plugin registry.
func (c *Composition) Registry() *Registry { return c.registry }

// Schema returns the merged schema.
func (c *Composition) Schema() schema.Schema { return c.schema }

// ErrorCodes returns the merged error codes.
func (c *Composition) ErrorCodes() apierror.Codes { return maps.Clone(c.errorCodes) }

// DatabaseHooks returns the ordered database hook registry.
func (c *Composition) DatabaseHooks() *adapter.HookRegistry { return c.dbHooks }

// Endpoint returns the endpoint registered under operation.
func (c *Composition) Endpoint(operation string) (*Endpoint, bool) {
	ep, ok := c.endpoints[operation]
	return ep, ok
}

// Operations returns the endpoint operation names sorted.
func (c *Composition) Operations() []string {
	return slices.Sorted(maps.Keys(c.endpoints))
}

// BeforeHooks returns the before hook names in execution order.
func (c *Composition) BeforeHooks() []string {
	names := make([]string, len(c.before))
	for i, h := range c.before {
		names[i] = h.Name
	}
	return names
}

// AfterHooks returns the after hook names in execution order.
func (c *Composition) AfterHooks() []string {
	names := make([]string, len(c.after))
	for i, h := range c.after {
		names[i] = h.Name
	}
	return names
}

// Endpoints returns the merged endpoints keyed by operation name.
func (c *Composition) Endpoints() map[string]*Endpoint {
	return maps.Clone(c.endpoints)
}
