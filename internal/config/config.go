// Package config loads aggregate definitions from YAML.
//
//	aggregates:
//	  - name: active_members
//	    source: member
//	    parent_type: group
//	    parent_key: group_id
//	    field: active_member_count
//	    kind: count
//	    where:
//	      status: active
//	      role: [admin, owner]
//	    exclude:
//	      archived: true
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"colonytally/pkg/aggregate"
)

// EnvAggregates names the environment variable holding the default config path.
const EnvAggregates = "COLONYTALLY_AGGREGATES"

// File is the top-level YAML document.
type File struct {
	Aggregates []Aggregate `yaml:"aggregates" validate:"required,min=1,dive"`
	// StrictDrift makes the drift rule block commits instead of warning.
	StrictDrift bool `yaml:"strict_drift"`
}

// Aggregate declares one denormalized field.
type Aggregate struct {
	Name       string         `yaml:"name" validate:"omitempty,attr"`
	Source     string         `yaml:"source" validate:"required,attr"`
	ParentType string         `yaml:"parent_type" validate:"required,attr"`
	ParentKey  string         `yaml:"parent_key" validate:"required,attr"`
	Field      string         `yaml:"field" validate:"required,attr,nefield=ParentKey"`
	Kind       string         `yaml:"kind" validate:"required,oneof=count sum min"`
	Operand    string         `yaml:"operand" validate:"omitempty,attr"`
	Where      map[string]any `yaml:"where"`
	Exclude    map[string]any `yaml:"exclude"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("attr", validateAttr)
	return v
}

// validateAttr accepts identifiers made of letters, digits, '_' and '.'.
func validateAttr(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

// Parse decodes and validates a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode aggregates: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads path, falling back to COLONYTALLY_AGGREGATES when path is empty.
func Load(path string) (*File, error) {
	if path == "" {
		path = os.Getenv(EnvAggregates)
	}
	if path == "" {
		return nil, fmt.Errorf("no aggregate config: pass a path or set %s", EnvAggregates)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks struct tags and cross-entry constraints.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", aggregate.ErrInvalidSpec, strings.Join(msgs, "; "))
		}
		return err
	}
	seen := make(map[string]int, len(f.Aggregates))
	for i, a := range f.Aggregates {
		if a.Kind != string(aggregate.KindCount) && a.Operand == "" {
			return fmt.Errorf("%w: aggregates[%d]: %s aggregate requires an operand", aggregate.ErrInvalidSpec, i, a.Kind)
		}
		key := a.ParentType + "." + a.Field
		if j, ok := seen[key]; ok {
			return fmt.Errorf("%w: aggregates[%d] and aggregates[%d] both write %s", aggregate.ErrInvalidSpec, j, i, key)
		}
		seen[key] = i
	}
	return nil
}

// Spec converts the declaration into an aggregate spec.
func (a Aggregate) Spec() (*aggregate.Spec, error) {
	kind, err := aggregate.ParseKind(a.Kind)
	if err != nil {
		return nil, err
	}
	spec := &aggregate.Spec{
		Name:       a.Name,
		Source:     a.Source,
		ParentType: a.ParentType,
		Field:      a.Field,
		Kind:       kind,
		Operand:    a.Operand,
		Parent:     aggregate.AttributeParent(a.ParentType, a.ParentKey),
	}
	var preds []aggregate.Predicate
	preds = append(preds, matchers(a.Where)...)
	if excl := matchers(a.Exclude); len(excl) > 0 {
		preds = append(preds, aggregate.Not(aggregate.Any(excl...)))
	}
	if len(preds) > 0 {
		spec.Filter = aggregate.All(preds...)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// matchers turns a where map into predicates in key order. Lists become In.
func matchers(where map[string]any) []aggregate.Predicate {
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	preds := make([]aggregate.Predicate, 0, len(keys))
	for _, k := range keys {
		if list, ok := where[k].([]any); ok {
			preds = append(preds, aggregate.In(k, list...))
			continue
		}
		preds = append(preds, aggregate.Equals(k, where[k]))
	}
	return preds
}

// Specs converts every declaration.
func (f *File) Specs() ([]*aggregate.Spec, error) {
	out := make([]*aggregate.Spec, 0, len(f.Aggregates))
	for i, a := range f.Aggregates {
		spec, err := a.Spec()
		if err != nil {
			return nil, fmt.Errorf("aggregates[%d]: %w", i, err)
		}
		out = append(out, spec)
	}
	return out, nil
}

// Registry builds a registry holding every declared spec.
func (f *File) Registry() (*aggregate.Registry, error) {
	specs, err := f.Specs()
	if err != nil {
		return nil, err
	}
	reg := aggregate.NewRegistry()
	if err := reg.Register(specs...); err != nil {
		return nil, err
	}
	return reg, nil
}

// Tracker builds a tracker over Registry.
func (f *File) Tracker() (*aggregate.Tracker, error) {
	reg, err := f.Registry()
	if err != nil {
		return nil, err
	}
	return aggregate.NewTracker(reg), nil
}
