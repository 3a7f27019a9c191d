package collector

import (
	"fmt"
	"sync"
)

// Registry selects a configured Destination by name at wiring time,
// adapted from the teacher's internal/plugin/registry.go
// Register-returns-error-on-duplicate idiom — narrowed here to a flat
// name->Destination lookup since this package has no plugin dependency
// graph to resolve, just a choice between "direct" and "aggregator".
type Registry struct {
	mu   sync.Mutex
	dest map[string]Destination
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{dest: make(map[string]Destination)}
}

// Register adds a named Destination. Registering the same name twice is
// an error, not a silent overwrite.
func (r *Registry) Register(name string, d Destination) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.dest[name]; exists {
		return fmt.Errorf("destination %q already registered", name)
	}
	r.dest[name] = d
	return nil
}

// Get resolves a previously registered Destination by name.
func (r *Registry) Get(name string) (Destination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dest[name]
	if !ok {
		return nil, fmt.Errorf("destination %q not registered", name)
	}
	return d, nil
}
