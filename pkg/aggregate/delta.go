package aggregate

import (
	"context"
	"fmt"
)

// Op is the operation a Delta asks the applier to perform.
type Op uint8

// Delta operations.
const (
	// OpAdd applies field += Amount.
	OpAdd Op = iota
	// OpSet assigns Amount. The tracker emits it when a Min aggregate gains
	// its first qualifying child; refresh corrections also use it.
	OpSet
	// OpRecompute asks the applier to rescan every qualifying child.
	OpRecompute
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpSet:
		return "set"
	case OpRecompute:
		return "recompute"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Op) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Op) UnmarshalText(b []byte) error {
	switch string(b) {
	case "add":
		*o = OpAdd
	case "set":
		*o = OpSet
	case "recompute":
		*o = OpRecompute
	default:
		return fmt.Errorf("unknown delta op %q", b)
	}
	return nil
}

// Delta is the adjustment one event implies for one parent field.
type Delta struct {
	Op     Op    `json:"op"`
	Amount int64 `json:"amount,omitempty"`
}

// Add returns an increment delta.
func Add(n int64) Delta { return Delta{Op: OpAdd, Amount: n} }

// Set returns an assignment delta.
func Set(v int64) Delta { return Delta{Op: OpSet, Amount: v} }

// Recompute returns the full recompute marker.
func Recompute() Delta { return Delta{Op: OpRecompute} }

// IsNoop reports whether applying the delta changes nothing.
func (d Delta) IsNoop() bool { return d.Op == OpAdd && d.Amount == 0 }

func (d Delta) String() string {
	switch d.Op {
	case OpAdd:
		return fmt.Sprintf("%+d", d.Amount)
	case OpSet:
		return fmt.Sprintf("=%d", d.Amount)
	default:
		return d.Op.String()
	}
}

// calculator derives deltas for one spec against one provider.
type calculator struct {
	spec     *Spec
	provider Provider
}

func (c calculator) operand(ctx context.Context, s Snapshot) (Resolved, error) {
	op, err := ReadOperand(s, c.spec.Operand)
	if err != nil {
		return Resolved{}, err
	}
	return Resolve(ctx, op, s, c.spec.Operand, c.provider)
}

// enter is the delta for s joining parent's qualifying set.
func (c calculator) enter(ctx context.Context, s Snapshot, parent ParentRef) (Delta, error) {
	switch c.spec.Kind {
	case KindCount:
		return Add(1), nil
	case KindSum:
		v, err := c.operand(ctx, s)
		if err != nil {
			return Delta{}, err
		}
		return Add(v.Int()), nil
	case KindMin:
		v, err := c.operand(ctx, s)
		if err != nil {
			return Delta{}, err
		}
		return c.minAdd(ctx, parent, v)
	}
	return Delta{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, c.spec.Kind)
}

// exit is the delta for s leaving parent's qualifying set.
func (c calculator) exit(ctx context.Context, s Snapshot, parent ParentRef) (Delta, error) {
	switch c.spec.Kind {
	case KindCount:
		return Add(-1), nil
	case KindSum:
		v, err := c.operand(ctx, s)
		if err != nil {
			return Delta{}, err
		}
		n, ok := CheckedSub(0, v.Int())
		if !ok {
			return Delta{}, fmt.Errorf("%w: %s: negating %d", ErrOverflow, c.spec.Label(), v.Int())
		}
		return Add(n), nil
	case KindMin:
		v, err := c.operand(ctx, s)
		if err != nil {
			return Delta{}, err
		}
		return c.minRemove(ctx, parent, v)
	}
	return Delta{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, c.spec.Kind)
}

// change is the delta for a child that stays in parent's qualifying set while
// its operand may move.
func (c calculator) change(ctx context.Context, before, after Snapshot, parent ParentRef) (Delta, error) {
	switch c.spec.Kind {
	case KindCount:
		return Add(0), nil
	case KindSum:
		old, err := c.operand(ctx, before)
		if err != nil {
			return Delta{}, err
		}
		cur, err := c.operand(ctx, after)
		if err != nil {
			return Delta{}, err
		}
		n, ok := CheckedSub(cur.Int(), old.Int())
		if !ok {
			return Delta{}, fmt.Errorf("%w: %s: %d - %d", ErrOverflow, c.spec.Label(), cur.Int(), old.Int())
		}
		return Add(n), nil
	case KindMin:
		old, err := c.operand(ctx, before)
		if err != nil {
			return Delta{}, err
		}
		cur, err := c.operand(ctx, after)
		if err != nil {
			return Delta{}, err
		}
		if old == cur {
			return Add(0), nil
		}
		// remove old, then add new; a removal that can touch the minimum
		// short-circuits to a recompute.
		removal, err := c.minRemove(ctx, parent, old)
		if err != nil || removal.Op == OpRecompute {
			return removal, err
		}
		return c.minAdd(ctx, parent, cur)
	}
	return Delta{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, c.spec.Kind)
}

func (c calculator) minAdd(ctx context.Context, parent ParentRef, v Resolved) (Delta, error) {
	n, ok := v.Value()
	if !ok {
		return Add(0), nil
	}
	current, set, err := c.stored(ctx, parent)
	if err != nil {
		return Delta{}, err
	}
	if !set {
		return Set(n), nil
	}
	d, ok := CheckedSub(min(current, n), current)
	if !ok {
		return Recompute(), nil
	}
	return Add(d), nil
}

func (c calculator) minRemove(ctx context.Context, parent ParentRef, v Resolved) (Delta, error) {
	n, ok := v.Value()
	if !ok {
		return Add(0), nil
	}
	current, set, err := c.stored(ctx, parent)
	if err != nil {
		return Delta{}, err
	}
	if set && n > current {
		return Add(0), nil
	}
	return Recompute(), nil
}

func (c calculator) stored(ctx context.Context, parent ParentRef) (int64, bool, error) {
	if c.provider == nil {
		return 0, false, fmt.Errorf("%s: min aggregate needs the stored value of %s", c.spec.Label(), parent)
	}
	return c.provider.Stored(ctx, parent, c.spec.Field)
}

// CheckedAdd returns a+b and whether it fits in int64.
func CheckedAdd(a, b int64) (int64, bool) {
	s := a + b
	return s, (b >= 0) == (s >= a)
}

// CheckedSub returns a-b and whether it fits in int64.
func CheckedSub(a, b int64) (int64, bool) {
	s := a - b
	return s, (b >= 0) == (s <= a)
}
