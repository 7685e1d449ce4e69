package aggregate

import (
	"fmt"
	"sync"
)

// Registry holds the specs active per child entity type. Registration
// validates each spec so malformed configuration fails at startup rather than
// on the first event.
type Registry struct {
	mu       sync.RWMutex
	ordered  []*Spec
	bySource map[string][]*Spec
	byField  map[planKey]*Spec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bySource: make(map[string][]*Spec),
		byField:  make(map[planKey]*Spec),
	}
}

// Register validates and adds specs. Either every spec is added or none is.
func (r *Registry) Register(specs ...*Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := make(map[planKey]struct{}, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return err
		}
		k := planKey{parent: ParentRef{Type: spec.ParentType}, field: spec.Field}
		if _, dup := r.byField[k]; dup {
			return fmt.Errorf("%w: %s.%s already registered", ErrInvalidSpec, spec.ParentType, spec.Field)
		}
		if _, dup := pending[k]; dup {
			return fmt.Errorf("%w: %s.%s registered twice", ErrInvalidSpec, spec.ParentType, spec.Field)
		}
		pending[k] = struct{}{}
	}
	for _, spec := range specs {
		r.ordered = append(r.ordered, spec)
		r.bySource[spec.Source] = append(r.bySource[spec.Source], spec)
		r.byField[planKey{parent: ParentRef{Type: spec.ParentType}, field: spec.Field}] = spec
	}
	return nil
}

// For returns the specs computed over the given child type.
func (r *Registry) For(source string) []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Spec(nil), r.bySource[source]...)
}

// ForParent returns the specs stored on the given parent type.
func (r *Registry) ForParent(parentType string) []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Spec
	for _, spec := range r.ordered {
		if spec.ParentType == parentType {
			out = append(out, spec)
		}
	}
	return out
}

// Lookup finds the spec stored in parentType.field.
func (r *Registry) Lookup(parentType, field string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.byField[planKey{parent: ParentRef{Type: parentType}, field: field}]
	return spec, ok
}

// Specs returns every registered spec in registration order.
func (r *Registry) Specs() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Spec(nil), r.ordered...)
}
