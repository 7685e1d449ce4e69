package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Deferred marks an attribute value that is a pending expression rather than
// a number, for example an increment queued against the backing store that
// has not been read back yet. Snapshots may carry it; arithmetic never does.
type Deferred struct {
	Expr string `json:"expr"`
}

func (d Deferred) String() string { return "deferred(" + d.Expr + ")" }

type operandState uint8

const (
	operandNull operandState = iota
	operandConcrete
	operandDeferred
)

// Operand is the raw Sum/Min input read from a snapshot: null, a concrete
// number, or a deferred expression awaiting materialization.
type Operand struct {
	state operandState
	value int64
	expr  Deferred
}

// Concrete returns a materialized operand.
func Concrete(v int64) Operand { return Operand{state: operandConcrete, value: v} }

// Null returns the operand of a missing or nil attribute.
func Null() Operand { return Operand{} }

// Pending returns an operand that must be materialized before use.
func Pending(d Deferred) Operand { return Operand{state: operandDeferred, expr: d} }

// IsDeferred reports whether the operand still needs materialization.
func (o Operand) IsDeferred() bool { return o.state == operandDeferred }

// Resolved is a materialized operand. Only resolution produces it, so a
// deferred expression cannot reach delta arithmetic.
type Resolved struct {
	value int64
	valid bool
}

// Value returns the number and whether the operand was non-null.
func (r Resolved) Value() (int64, bool) { return r.value, r.valid }

// Int returns the number, treating null as zero.
func (r Resolved) Int() int64 { return r.value }

// ReadOperand extracts the operand attribute from a snapshot.
func ReadOperand(s Snapshot, field string) (Operand, error) {
	raw, ok := s.Value(field)
	if !ok {
		return Null(), nil
	}
	return operandFromValue(field, raw)
}

func operandFromValue(field string, raw any) (Operand, error) {
	switch v := raw.(type) {
	case nil:
		return Null(), nil
	case Deferred:
		return Pending(v), nil
	case *Deferred:
		if v == nil {
			return Null(), nil
		}
		return Pending(*v), nil
	case int:
		return Concrete(int64(v)), nil
	case int32:
		return Concrete(int64(v)), nil
	case int64:
		return Concrete(v), nil
	case uint32:
		return Concrete(int64(v)), nil
	case *int64:
		if v == nil {
			return Null(), nil
		}
		return Concrete(*v), nil
	case float64:
		if v != math.Trunc(v) || math.Abs(v) >= 1<<63 {
			return Operand{}, fmt.Errorf("%w: %s=%v", ErrNonIntegerOperand, field, v)
		}
		return Concrete(int64(v)), nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return Concrete(n), nil
		}
		f, err := v.Float64()
		switch {
		case err == nil:
			return operandFromValue(field, f)
		case errors.Is(err, strconv.ErrRange):
			return Operand{}, fmt.Errorf("%w: %s=%s", ErrNonIntegerOperand, field, v)
		default:
			return Operand{}, fmt.Errorf("%w: %s=%s: %v", ErrSymbolicOperand, field, v, err)
		}
	default:
		return Operand{}, fmt.Errorf("%w: %s holds %T", ErrSymbolicOperand, field, raw)
	}
}

// Resolve materializes op. Deferred operands are re-read through the
// provider; anything still not concrete afterwards is a fatal spec error.
func Resolve(ctx context.Context, op Operand, s Snapshot, field string, provider Provider) (Resolved, error) {
	switch op.state {
	case operandNull:
		return Resolved{}, nil
	case operandConcrete:
		return Resolved{value: op.value, valid: true}, nil
	}
	if provider == nil {
		return Resolved{}, fmt.Errorf("%w: %s=%s and no provider to materialize it", ErrSymbolicOperand, field, op.expr)
	}
	raw, err := provider.Materialize(ctx, s, field)
	if err != nil {
		return Resolved{}, fmt.Errorf("%w: materialize %s: %v", ErrSymbolicOperand, field, err)
	}
	fresh, err := operandFromValue(field, raw)
	if err != nil {
		return Resolved{}, err
	}
	if fresh.IsDeferred() {
		return Resolved{}, fmt.Errorf("%w: %s still deferred after materialization", ErrSymbolicOperand, field)
	}
	return Resolve(ctx, fresh, s, field, nil)
}

// StoredValue interprets the current content of an aggregate field. A nil or
// missing value is unset; anything that is not an integer is an error.
func StoredValue(s Snapshot, field string) (int64, bool, error) {
	op, err := ReadOperand(s, field)
	if err != nil {
		return 0, false, err
	}
	switch op.state {
	case operandConcrete:
		return op.value, true, nil
	case operandDeferred:
		return 0, false, fmt.Errorf("%w: stored %s is %s", ErrSymbolicOperand, field, op.expr)
	}
	return 0, false, nil
}
