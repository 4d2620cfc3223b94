package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Operation is the kind of write a database hook observes.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Phase places a hook before or after the write.
type Phase string

const (
	Before Phase = "before"
	After  Phase = "after"
)

// Event identifies one hook chain, e.g. "user.create.after".
type Event struct {
	Model     string
	Operation Operation
	Phase     Phase
}

func (e Event) String() string {
	return e.Model + "." + string(e.Operation) + "." + string(e.Phase)
}

// ParseEvent parses "model.operation.phase".
func ParseEvent(s string) (Event, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || parts[0] == "" {
		return Event{}, fmt.Errorf("invalid hook event %q: want model.operation.phase", s)
	}
	e := Event{Model: parts[0], Operation: Operation(parts[1]), Phase: Phase(parts[2])}
	if err := e.validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (e Event) validate() error {
	switch e.Operation {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("invalid hook operation %q", e.Operation)
	}
	switch e.Phase {
	case Before, After:
	default:
		return fmt.Errorf("invalid hook phase %q", e.Phase)
	}
	if e.Model == "" {
		return errors.New("hook model is required")
	}
	return nil
}

// HookFunc observes a record. Before hooks may mutate it in place and abort
// the write by returning an error.
type HookFunc func(ctx context.Context, rec Record) error

// Hook is one named entry of a chain.
type Hook struct {
	Name  string
	Event Event
	Fn    HookFunc
}

// HookRegistry keeps an ordered list of hooks per event. Appending never
// replaces an existing hook.
type HookRegistry struct {
	mu     sync.RWMutex
	chains map[Event][]Hook
}

// NewHookRegistry creates an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{chains: map[Event][]Hook{}}
}

// Append adds h to the end of its event's chain.
func (r *HookRegistry) Append(h Hook) error {
	if h.Fn == nil {
		return fmt.Errorf("database hook %q has no function", h.Name)
	}
	if err := h.Event.validate(); err != nil {
		return fmt.Errorf("database hook %q: %w", h.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[h.Event] = append(r.chains[h.Event], h)
	return nil
}

// Chain returns the hook names registered for e, in execution order.
func (r *HookRegistry) Chain(e Event) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.chains[e]))
	for _, h := range r.chains[e] {
		names = append(names, h.Name)
	}
	return names
}

// Has reports whether any hook is registered for e.
func (r *HookRegistry) Has(e Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chains[e]) > 0
}

// Run calls every hook of e in order and stops at the first error.
func (r *HookRegistry) Run(ctx context.Context, e Event, rec Record) error {
	r.mu.RLock()
	chain := r.chains[e]
	r.mu.RUnlock()

	for _, h := range chain {
		if err := h.Fn(ctx, rec); err != nil {
			return fmt.Errorf("%s hook %q: %w", e, h.Name, err)
		}
	}
	return nil
}

// hookedAdapter runs database hooks around writes of the wrapped adapter.
type hookedAdapter struct {
	Adapter
	hooks *HookRegistry
}

// WithHooks wraps inner so that Create, Update and DeleteMany run the
// registry's before and after chains.
func WithHooks(inner Adapter, hooks *HookRegistry) Adapter {
	return &hookedAdapter{Adapter: inner, hooks: hooks}
}

func (a *hookedAdapter) Create(ctx context.Context, model string, data Record) (Record, error) {
	data = data.Clone()
	if err := a.hooks.Run(ctx, Event{model, OpCreate, Before}, data); err != nil {
		return nil, err
	}
	rec, err := a.Adapter.Create(ctx, model, data)
	if err != nil {
		return nil, err
	}
	if err := a.hooks.Run(ctx, Event{model, OpCreate, After}, rec.Clone()); err != nil {
		return rec, err
	}
	return rec, nil
}

func (a *hookedAdapter) Update(ctx context.Context, model string, update Record, where []Where) (Record, error) {
	update = update.Clone()
	if err := a.hooks.Run(ctx, Event{model, OpUpdate, Before}, update); err != nil {
		return nil, err
	}
	rec, err := a.Adapter.Update(ctx, model, update, where)
	if err != nil || rec == nil {
		return rec, err
	}
	if err := a.hooks.Run(ctx, Event{model, OpUpdate, After}, rec.Clone()); err != nil {
		return rec, err
	}
	return rec, nil
}

func (a *hookedAdapter) DeleteMany(ctx context.Context, model string, where []Where) (int, error) {
	before := Event{model, OpDelete, Before}
	after := Event{model, OpDelete, After}
	if !a.hooks.Has(before) && !a.hooks.Has(after) {
		return a.Adapter.DeleteMany(ctx, model, where)
	}

	doomed, err := a.Adapter.FindMany(ctx, model, where)
	if err != nil {
		return 0, err
	}
	for _, rec := range doomed {
		if err := a.hooks.Run(ctx, before, rec.Clone()); err != nil {
			return 0, err
		}
	}
	n, err := a.Adapter.DeleteMany(ctx, model, where)
	if err != nil {
		return n, err
	}
	for _, rec := range doomed {
		if err := a.hooks.Run(ctx, after, rec); err != nil {
			return n, err
		}
	}
	return n, nil
}
