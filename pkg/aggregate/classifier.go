package aggregate

import (
	"context"
	"errors"
	"fmt"
)

// Entry is one adjustment of one parent field.
type Entry struct {
	Parent ParentRef `json:"parent"`
	Field  string    `json:"field"`
	Delta  Delta     `json:"delta"`
	Spec   *Spec     `json:"-"`
}

// Classify turns one child event into the entries it implies for spec. The
// result holds at most two entries; on reparenting the old parent is retired
// before the new one is credited.
func Classify(ctx context.Context, spec *Spec, ev Event, provider Provider) ([]Entry, error) {
	c := classifier{calc: calculator{spec: spec, provider: provider}}
	switch ev.Action {
	case ActionCreate:
		if ev.After == nil {
			return nil, fmt.Errorf("classify %s: create event without after snapshot", spec.Label())
		}
		if !Evaluate(spec, ev.After) {
			return nil, nil
		}
		return c.single(ctx, ev.After, c.calc.enter)
	case ActionDelete:
		if ev.Before == nil {
			return nil, fmt.Errorf("classify %s: delete event without before snapshot", spec.Label())
		}
		if !Evaluate(spec, ev.Before) {
			return nil, nil
		}
		return c.single(ctx, ev.Before, c.calc.exit)
	case ActionUpdate:
		if ev.Before == nil || ev.After == nil {
			return nil, fmt.Errorf("classify %s: update event requires before and after snapshots", spec.Label())
		}
		return c.update(ctx, ev.Before, ev.After)
	default:
		return nil, fmt.Errorf("classify %s: unknown action %q", spec.Label(), ev.Action)
	}
}

type classifier struct {
	calc calculator
}

type deltaFunc func(context.Context, Snapshot, ParentRef) (Delta, error)

func (c classifier) single(ctx context.Context, s Snapshot, fn deltaFunc) ([]Entry, error) {
	ref, err := c.parentOf(s)
	if err != nil {
		return nil, err
	}
	e, ok, err := c.entry(ctx, ref, func(p ParentRef) (Delta, error) { return fn(ctx, s, p) })
	if err != nil || !ok {
		return nil, err
	}
	return []Entry{e}, nil
}

func (c classifier) update(ctx context.Context, before, after Snapshot) ([]Entry, error) {
	wasIn := Evaluate(c.calc.spec, before)
	isIn := Evaluate(c.calc.spec, after)
	if !wasIn && !isIn {
		return nil, nil
	}
	pBefore, err := c.parentOf(before)
	if err != nil {
		return nil, err
	}
	pAfter, err := c.parentOf(after)
	if err != nil {
		return nil, err
	}

	if pBefore == pAfter {
		var fn func(ParentRef) (Delta, error)
		switch {
		case wasIn && isIn:
			fn = func(p ParentRef) (Delta, error) { return c.calc.change(ctx, before, after, p) }
		case isIn:
			fn = func(p ParentRef) (Delta, error) { return c.calc.enter(ctx, after, p) }
		default:
			fn = func(p ParentRef) (Delta, error) { return c.calc.exit(ctx, before, p) }
		}
		e, ok, err := c.entry(ctx, pAfter, fn)
		if err != nil || !ok {
			return nil, err
		}
		return []Entry{e}, nil
	}

	var out []Entry
	if wasIn {
		e, ok, err := c.entry(ctx, pBefore, func(p ParentRef) (Delta, error) { return c.calc.exit(ctx, before, p) })
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	if isIn {
		e, ok, err := c.entry(ctx, pAfter, func(p ParentRef) (Delta, error) { return c.calc.enter(ctx, after, p) })
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// parentOf applies the spec's accessor; an unresolvable parent reads as none.
func (c classifier) parentOf(s Snapshot) (ParentRef, error) {
	ref, err := c.calc.spec.Parent(s)
	if errors.Is(err, ErrUnresolvableParent) {
		return ParentRef{}, nil
	}
	if err != nil {
		return ParentRef{}, fmt.Errorf("resolve parent for %s: %w", c.calc.spec.Label(), err)
	}
	return ref, nil
}

// entry confirms the parent with the provider and computes the delta. The
// bool is false when the parent is absent or unresolvable.
func (c classifier) entry(ctx context.Context, ref ParentRef, fn func(ParentRef) (Delta, error)) (Entry, bool, error) {
	if ref.IsZero() {
		return Entry{}, false, nil
	}
	parent := ref
	if c.calc.provider != nil {
		resolved, err := c.calc.provider.ResolveParent(ctx, ref)
		if errors.Is(err, ErrUnresolvableParent) {
			return Entry{}, false, nil
		}
		if err != nil {
			return Entry{}, false, fmt.Errorf("resolve parent %s: %w", ref, err)
		}
		if resolved.IsZero() {
			return Entry{}, false, nil
		}
		parent = resolved
	}
	d, err := fn(parent)
	if errors.Is(err, ErrUnresolvableParent) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%s delta for %s: %w", c.calc.spec.Label(), parent, err)
	}
	return Entry{Parent: parent, Field: c.calc.spec.Field, Delta: d, Spec: c.calc.spec}, true, nil
}
