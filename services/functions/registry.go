package functions

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Registry maps function names to implementations.
//
// By default a later registration shadows an earlier one, which is how
// workflow-local overrides replace builtins. A strict registry rejects
// re-registration instead. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	funcs  map[string]Func
	strict bool
}

// NewRegistry creates an empty last-writer-wins registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// NewStrictRegistry creates an empty registry that rejects duplicate names.
func NewStrictRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func), strict: true}
}

// Register adds fn under name.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("%w: register: empty function name", ErrInvalidInput)
	}
	if fn == nil {
		return fmt.Errorf("%w: register %q: nil function", ErrInvalidInput, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[name]; exists && r.strict {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister is Register that panics on error. Intended for static wiring.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Resolve returns the function registered under name or ErrNotFound.
func (r *Registry) Resolve(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return fn, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[name]
	return ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.funcs))
}

// Len returns the number of registered functions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.funcs)
}

// Clone returns an independent last-writer-wins copy of r.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Registry{funcs: maps.Clone(r.funcs)}
}

// WithOverrides returns a clone of r with overrides registered on top.
// Nil entries are ignored.
func (r *Registry) WithOverrides(overrides map[string]Func) *Registry {
	c := r.Clone()
	for name, fn := range overrides {
		if fn != nil && name != "" {
			c.funcs[name] = fn
		}
	}
	return c
}
