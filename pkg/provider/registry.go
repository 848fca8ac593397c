package provider

import (
	"fmt"
	"sync"
)

// Registry holds providers keyed by ID. The first provider registered
// becomes the default.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	def       string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds p under p.ID(). Re-registering an ID is an error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.ID()
	if id == "" {
		return fmt.Errorf("provider has empty id")
	}
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.providers[id] = p
	r.order = append(r.order, id)
	if r.def == "" {
		r.def = id
	}
	return nil
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Default returns the default provider, or false if none is registered.
func (r *Registry) Default() (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.def == "" {
		return nil, false
	}
	return r.providers[r.def], true
}

// SetDefault makes a registered provider the default.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return fmt.Errorf("unknown provider: %q", id)
	}
	r.def = id
	return nil
}

// List returns providers in registration order.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
