package aggregate

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
)

// Snapshot is an immutable point-in-time view of a record.
type Snapshot interface {
	Value(field string) (any, bool)
}

// Predicate decides whether a snapshot qualifies for an aggregate.
type Predicate interface {
	Match(Snapshot) bool
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(Snapshot) bool

// Match implements Predicate.
func (f PredicateFunc) Match(s Snapshot) bool { return f(s) }

// Always matches every snapshot.
func Always() Predicate {
	return PredicateFunc(func(Snapshot) bool { return true })
}

// Equals matches snapshots whose field equals value. A missing field only
// matches a nil value.
func Equals(field string, value any) Predicate {
	want := normalizeValue(value)
	return PredicateFunc(func(s Snapshot) bool {
		got, ok := s.Value(field)
		if !ok {
			return want == nil
		}
		return valuesEqual(normalizeValue(got), want)
	})
}

// In matches snapshots whose field equals any of values.
func In(field string, values ...any) Predicate {
	wants := make([]any, 0, len(values))
	for _, v := range values {
		wants = append(wants, normalizeValue(v))
	}
	return PredicateFunc(func(s Snapshot) bool {
		got, ok := s.Value(field)
		var norm any
		if ok {
			norm = normalizeValue(got)
		}
		for _, want := range wants {
			if valuesEqual(norm, want) {
				return true
			}
		}
		return false
	})
}

// All matches when every predicate matches. An empty list matches.
func All(preds ...Predicate) Predicate {
	return PredicateFunc(func(s Snapshot) bool {
		for _, p := range preds {
			if p != nil && !p.Match(s) {
				return false
			}
		}
		return true
	})
}

// Any matches when at least one predicate matches.
func Any(preds ...Predicate) Predicate {
	return PredicateFunc(func(s Snapshot) bool {
		for _, p := range preds {
			if p != nil && p.Match(s) {
				return true
			}
		}
		return false
	})
}

// Not negates p.
func Not(p Predicate) Predicate {
	return PredicateFunc(func(s Snapshot) bool { return !p.Match(s) })
}

// normalizeValue folds the numeric representations produced by Go literals,
// JSON decoding and YAML decoding onto int64, so integers compare exactly.
// Only fractional or out-of-range values stay float64.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case nil:
		return nil
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint:
		return normalizeUint(uint64(n))
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return normalizeUint(n)
	case float32:
		return normalizeFloat(float64(n))
	case float64:
		return normalizeFloat(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return u
		}
		if f, err := n.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return n.String()
	case *string:
		if n == nil {
			return nil
		}
		return *n
	default:
		return v
	}
}

func normalizeUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
