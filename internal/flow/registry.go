package flow

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry maps flow names to definitions. It is filled at startup and read afterwards.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]*Flow
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{flows: make(map[string]*Flow)}
}

// Register stores f under f.Name, replacing any earlier definition with that name.
// The step graph is not validated here; see Flow.Validate.
func (r *Registry) Register(f *Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.flows[f.Name]; exists {
		slog.Debug("Registry.Register: replacing flow", "flow", f.Name)
	} else {
		slog.Debug("Registry.Register: registering flow", "flow", f.Name, "steps", len(f.Steps))
	}
	r.flows[f.Name] = f
}

// Lookup returns the flow registered under name.
func (r *Registry) Lookup(name string) (*Flow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[name]
	return f, ok
}

// Names returns the registered flow names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.flows))
	for name := range r.flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAll runs Flow.Validate on every registered flow and logs the problems found.
// It returns the total number of problems.
func (r *Registry) ValidateAll() int {
	count := 0
	for _, name := range r.Names() {
		f, _ := r.Lookup(name)
		for _, problem := range f.Validate() {
			slog.Warn("Registry.ValidateAll: flow problem", "flow", name, "problem", problem)
			count++
		}
	}
	return count
}
