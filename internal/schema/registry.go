package schema

import (
	"fmt"
	"sort"
)

// Registry is the immutable-after-init table of Component definitions, per
// spec.md §9's "singletons become an immutable-after-init configuration
// value" design note: build it once at startup with Register, then Freeze
// it before handing it to the store/executor so the read path never locks.
type Registry struct {
	components map[string]*Component
	frozen     bool
}

// NewRegistry returns an empty, mutable Registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]*Component)}
}

// Register adds a Component definition. It returns an error if the name is
// already taken, the definition is invalid, or the registry is frozen.
func (r *Registry) Register(c Component) error {
	if r.frozen {
		return fmt.Errorf("registry is frozen: cannot register %s", c.Name)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if _, exists := r.components[c.Name]; exists {
		return fmt.Errorf("component %s already registered", c.Name)
	}
	cc := c
	r.components[c.Name] = &cc
	return nil
}

// Freeze makes the registry read-only. Called once at startup, after which
// concurrent reads require no locking.
func (r *Registry) Freeze() { r.frozen = true }

// Lookup returns a Component definition by name.
func (r *Registry) Lookup(name string) (*Component, bool) {
	c, ok := r.components[name]
	return c, ok
}

// MustLookup panics if name is not registered; intended for call sites that
// have already validated the name exists (e.g. inside the store, after the
// executor checked it).
func (r *Registry) MustLookup(name string) *Component {
	c, ok := r.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("schema: component %s not registered", name))
	}
	return c
}

// Names returns every registered Component name, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.components))
	for name := range r.components {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
