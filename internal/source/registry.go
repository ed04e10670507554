package source

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured adapters keyed by service name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its service name. Registering a second
// adapter with the same service name is an error.
func (r *Registry) Register(a Adapter) error {
	name := a.Describe().ServiceName

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[name]; ok {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter registered for serviceName.
func (r *Registry) Get(serviceName string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[serviceName]
	return a, ok
}

// All returns every registered adapter ordered by service name.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Adapter, 0, len(names))
	for _, name := range names {
		out = append(out, r.adapters[name])
	}
	return out
}
