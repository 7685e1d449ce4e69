package aggregate

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Tracker plans the aggregate adjustments implied by child events. It holds
// no state besides the registry and is safe for concurrent use.
type Tracker struct {
	registry *Registry
}

// NewTracker constructs a tracker over reg. A nil registry tracks nothing.
func NewTracker(reg *Registry) *Tracker {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Tracker{registry: reg}
}

// Registry exposes the spec registry.
func (t *Tracker) Registry() *Registry { return t.registry }

// Plan classifies ev against every spec registered for its source type. Any
// error aborts the whole event; no partial plan is returned.
func (t *Tracker) Plan(ctx context.Context, ev Event, provider Provider) (Plan, error) {
	specs := t.registry.For(ev.Source)
	if len(specs) == 0 {
		return Plan{}, nil
	}
	var entries []Entry
	for _, spec := range specs {
		got, err := Classify(ctx, spec, ev, provider)
		if err != nil {
			return Plan{}, err
		}
		entries = append(entries, got...)
	}
	return NewPlan(entries...), nil
}

// PlanAll plans independent events in parallel. Every plan is computed
// against the same provider state, so events touching the same parent must
// be planned and applied one at a time instead.
func (t *Tracker) PlanAll(ctx context.Context, events []Event, provider Provider) ([]Plan, error) {
	plans := make([]Plan, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, ev := range events {
		i, ev := i, ev
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := t.Plan(gctx, ev, provider)
			if err != nil {
				return fmt.Errorf("event %d: %w", i, err)
			}
			plans[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return plans, nil
}

// Compute reduces children to the exact aggregate of spec for parent. Children
// belonging to other parents or failing membership are skipped. For Min, set
// is false when no qualifying child carries an operand.
func Compute(ctx context.Context, spec *Spec, parent ParentRef, children []Snapshot, provider Provider) (value int64, set bool, err error) {
	var count, sum, low int64
	found := false
	for _, child := range children {
		ref, err := spec.Parent(child)
		if errors.Is(err, ErrUnresolvableParent) {
			continue
		}
		if err != nil {
			return 0, false, fmt.Errorf("compute %s: %w", spec.Label(), err)
		}
		if ref != parent || !Evaluate(spec, child) {
			continue
		}
		count++
		if spec.Kind == KindCount {
			continue
		}
		op, err := ReadOperand(child, spec.Operand)
		if err != nil {
			return 0, false, fmt.Errorf("compute %s: %w", spec.Label(), err)
		}
		r, err := Resolve(ctx, op, child, spec.Operand, provider)
		if err != nil {
			return 0, false, fmt.Errorf("compute %s: %w", spec.Label(), err)
		}
		n, ok := r.Value()
		if !ok {
			continue
		}
		if spec.Kind == KindSum {
			var ok bool
			if sum, ok = CheckedAdd(sum, n); !ok {
				return 0, false, fmt.Errorf("%w: compute %s for %s", ErrOverflow, spec.Label(), parent)
			}
		}
		if !found || n < low {
			low = n
		}
		found = true
	}
	switch spec.Kind {
	case KindCount:
		return count, true, nil
	case KindSum:
		return sum, true, nil
	case KindMin:
		return low, found, nil
	default:
		return 0, false, fmt.Errorf("%w: %q", ErrUnsupportedKind, spec.Kind)
	}
}
