package plugin

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrRegistrySealed is returned by Register after composition finished
	ErrRegistrySealed = errors.New("plugin registry is sealed")

	// ErrDuplicatePlugin is returned when two plugins share an ID
	ErrDuplicatePlugin = errors.New("duplicate plugin id")
)

// Registry is the set of composed plugins. It only grows while the
// instance is being constructed and is read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	order   []string
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: map[string]Plugin{}}
}

// Register adds p.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return errors.New("plugin is nil")
	}
	id := p.ID()
	if id == "" {
		return errors.New("plugin id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: cannot register %q", ErrRegistrySealed, id)
	}
	if _, ok := r.plugins[id]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicatePlugin, id)
	}
	r.plugins[id] = p
	r.order = append(r.order, id)
	return nil
}

// Seal prevents further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// HasPlugin reports whether a plugin with id is registered.
func (r *Registry) HasPlugin(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plugins[id]
	return ok
}

// GetPlugin returns the plugin with id.
func (r *Registry) GetPlugin(id string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// IDs returns the plugin IDs in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Plugins returns the plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.plugins[id])
	}
	return out
}
