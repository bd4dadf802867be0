package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps provider names to adapters. It holds no delivery state and
// is safe for concurrent use; Register is expected to be rare (startup or
// configuration reload) and takes the write lock.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register stores adapter under name, replacing any existing entry.
func (r *Registry) Register(name string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[name] = adapter
}

// Resolve returns the adapter registered under name. It returns an error
// wrapping ErrNotFound when there is none.
func (r *Registry) Resolve(name string) (Adapter, error) {
	r.mu.RLock()
	adapter, ok := r.adapters[name]
	r.mu.RUnlock()

	if !ok || adapter == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return adapter, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
