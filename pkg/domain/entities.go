package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"colonytally/pkg/aggregate"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is a typed bag of attributes. Child records reference their parent
// through an attribute holding the parent ID; parent records carry the
// denormalized aggregate fields as plain attributes.
type Record struct {
	Base
	Type       EntityType     `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Reserved attribute names resolved from the record header.
const (
	FieldID   = "id"
	FieldType = "type"
)

// Value implements aggregate.Snapshot.
func (r Record) Value(field string) (any, bool) {
	switch field {
	case FieldID:
		return r.ID, true
	case FieldType:
		return string(r.Type), true
	}
	v, ok := r.Attributes[field]
	return v, ok
}

// Ref returns the aggregate parent reference of the record.
func (r Record) Ref() aggregate.ParentRef {
	return aggregate.ParentRef{Type: string(r.Type), ID: r.ID}
}

// Int reads an integer attribute. Unset and nil values report false.
func (r Record) Int(field string) (int64, bool, error) {
	return aggregate.StoredValue(r, field)
}

// Set assigns an attribute, allocating the map on first use.
func (r *Record) Set(field string, value any) {
	if r.Attributes == nil {
		r.Attributes = make(map[string]any)
	}
	r.Attributes[field] = value
}

// Keys lists the attribute names in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r.Attributes))
	for k := range r.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy whose attribute map, nested maps and slices do not
// alias the receiver.
func (r Record) Clone() Record {
	out := r
	if r.Attributes != nil {
		out.Attributes = make(map[string]any, len(r.Attributes))
		for k, v := range r.Attributes {
			out.Attributes[k] = cloneValue(v)
		}
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	case *string:
		if t == nil {
			return t
		}
		s := *t
		return &s
	default:
		return v
	}
}

// Increment returns a deferred attribute value that adds n to whatever the
// store holds when the record is written. The caller's copy of the record
// keeps the deferred value until it is read back.
func Increment(n int64) aggregate.Deferred {
	return aggregate.Deferred{Expr: strconv.FormatInt(n, 10)}
}

// ApplyDeferred evaluates an increment produced by Increment against the
// currently stored value.
func ApplyDeferred(current any, d aggregate.Deferred) (int64, error) {
	by, err := strconv.ParseInt(strings.TrimSpace(d.Expr), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unsupported deferred expression %q", d.Expr)
	}
	base, _, err := aggregate.StoredValue(Record{Attributes: map[string]any{"v": current}}, "v")
	if err != nil {
		return 0, err
	}
	n, ok := aggregate.CheckedAdd(base, by)
	if !ok {
		return 0, fmt.Errorf("%w: %d %+d", aggregate.ErrOverflow, base, by)
	}
	return n, nil
}

// DeferredOf reports whether v is a deferred attribute value.
func DeferredOf(v any) (aggregate.Deferred, bool) {
	switch t := v.(type) {
	case aggregate.Deferred:
		return t, true
	case *aggregate.Deferred:
		if t != nil {
			return *t, true
		}
	}
	return aggregate.Deferred{}, false
}

// Reference names a child type whose records point at a parent through Key.
// Deleting the parent with a reference cascades to those children.
type Reference struct {
	Type EntityType
	Key  string
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before *Record
	After  *Record
}

// Event converts the change into the child lifecycle event consumed by the
// aggregate tracker.
func (c Change) Event() aggregate.Event {
	ev := aggregate.Event{Action: aggregate.Action(c.Action), Source: string(c.Entity)}
	if c.Before != nil {
		ev.Before = *c.Before
	}
	if c.After != nil {
		ev.After = *c.After
	}
	return ev
}

// RecordID returns the ID of the record the change touched.
func (c Change) RecordID() string {
	if c.After != nil {
		return c.After.ID
	}
	if c.Before != nil {
		return c.Before.ID
	}
	return ""
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine together with the
// aggregate plans applied by the transaction.
type Result struct {
	Violations []Violation
	Plans      []aggregate.Plan
}

// Merge appends violations and plans from another result.
func (r *Result) Merge(other Result) {
	r.Violations = append(r.Violations, other.Violations...)
	r.Plans = append(r.Plans, other.Plans...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return fmt.Sprintf("transaction blocked by rules: %s: %s", v.Rule, v.Message)
		}
	}
	return "transaction blocked by rules"
}
