// Package aggregate maintains denormalized Count, Sum and Min values stored on
// parent records. Child lifecycle events are classified into signed deltas
// against the affected parents, or into full recompute requests where no
// incremental delta can be derived from local information.
package aggregate

import (
	"fmt"
	"strings"
)

// Kind identifies the reduction applied to qualifying children.
type Kind string

// Supported aggregate kinds.
const (
	KindCount Kind = "count"
	KindSum   Kind = "sum"
	KindMin   Kind = "min"
)

// ParseKind converts a configuration string into a Kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindCount:
		return KindCount, nil
	case KindSum:
		return KindSum, nil
	case KindMin:
		return KindMin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, raw)
	}
}

// ParentRef identifies the parent record holding a denormalized field. The
// zero value means the child is currently unparented.
type ParentRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// IsZero reports whether the reference is absent.
func (p ParentRef) IsZero() bool { return p.ID == "" }

func (p ParentRef) String() string {
	if p.IsZero() {
		return "<none>"
	}
	return p.Type + "/" + p.ID
}

// ParentFunc resolves the parent reference of a child snapshot. Returning
// ErrUnresolvableParent suppresses the update for that snapshot.
type ParentFunc func(Snapshot) (ParentRef, error)

// AttributeParent reads the parent ID from a child attribute.
func AttributeParent(parentType, key string) ParentFunc {
	return func(s Snapshot) (ParentRef, error) {
		if s == nil {
			return ParentRef{}, nil
		}
		raw, ok := s.Value(key)
		if !ok || raw == nil {
			return ParentRef{}, nil
		}
		switch v := raw.(type) {
		case string:
			return ParentRef{Type: parentType, ID: v}, nil
		case *string:
			if v == nil {
				return ParentRef{}, nil
			}
			return ParentRef{Type: parentType, ID: *v}, nil
		case fmt.Stringer:
			return ParentRef{Type: parentType, ID: v.String()}, nil
		default:
			return ParentRef{}, fmt.Errorf("parent key %q holds %T, want string", key, raw)
		}
	}
}

// Spec configures one denormalized field. A Spec must not be mutated once it
// has been registered.
type Spec struct {
	// Name labels the aggregate in logs, metrics and drift reports.
	Name string
	// Source is the child entity type the aggregate is computed over.
	Source string
	// ParentType is the entity type holding Field.
	ParentType string
	// Field is the parent attribute storing the aggregate.
	Field string
	Kind  Kind
	// Operand is the child attribute reduced by Sum and Min.
	Operand string
	// Filter restricts the qualifying children. Nil matches everything.
	Filter Predicate
	// Membership overrides Filter when set.
	Membership func(Snapshot) bool
	Parent     ParentFunc
}

// Label returns Name, falling back to the parent field.
func (s *Spec) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ParentType + "." + s.Field
}

// Validate checks the spec for registration.
func (s *Spec) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil spec", ErrInvalidSpec)
	}
	switch s.Kind {
	case KindCount:
	case KindSum, KindMin:
		if s.Operand == "" {
			return fmt.Errorf("%w: %s aggregate %s requires an operand", ErrInvalidSpec, s.Kind, s.Label())
		}
	default:
		return fmt.Errorf("%w: %q on %s", ErrUnsupportedKind, s.Kind, s.Label())
	}
	if s.Source == "" {
		return fmt.Errorf("%w: %s has no source type", ErrInvalidSpec, s.Label())
	}
	if s.ParentType == "" || s.Field == "" {
		return fmt.Errorf("%w: %s has no parent field", ErrInvalidSpec, s.Label())
	}
	if s.Parent == nil {
		return fmt.Errorf("%w: %s has no parent accessor", ErrInvalidSpec, s.Label())
	}
	return nil
}
