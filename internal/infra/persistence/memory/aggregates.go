package memory

import (
	"context"
	"fmt"

	"colonytally/pkg/aggregate"
	"colonytally/pkg/domain"
)

// ResolveParent reports whether ref names a record of the expected type in
// the transaction state.
func (tx *transaction) ResolveParent(_ context.Context, ref aggregate.ParentRef) (aggregate.ParentRef, error) {
	r, ok := tx.state.records[ref.ID]
	if !ok || string(r.Type) != ref.Type {
		return aggregate.ParentRef{}, fmt.Errorf("%w: %s", aggregate.ErrUnresolvableParent, ref)
	}
	return ref, nil
}

// Stored returns the aggregate field currently held by parent.
func (tx *transaction) Stored(_ context.Context, parent aggregate.ParentRef, field string) (int64, bool, error) {
	r, ok := tx.state.records[parent.ID]
	if !ok {
		return 0, false, fmt.Errorf("%w: %s", domain.ErrNotFound, parent)
	}
	return aggregate.StoredValue(r, field)
}

// Materialize reads the stored value of a snapshot attribute written as a
// deferred expression.
func (tx *transaction) Materialize(_ context.Context, s aggregate.Snapshot, field string) (any, error) {
	raw, _ := s.Value(domain.FieldID)
	id, _ := raw.(string)
	r, ok := tx.state.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrNotFound, id)
	}
	v, _ := r.Value(field)
	return v, nil
}

type fieldWrite struct {
	id    string
	field string
	value any
}

// ApplyPlan writes every entry to the parent records. All values are
// computed before the first write, so a failing entry leaves the state
// untouched.
func (tx *transaction) ApplyPlan(ctx context.Context, plan aggregate.Plan) error {
	writes := make([]fieldWrite, 0, plan.Len())
	for _, e := range plan.Entries {
		parent, ok := tx.state.records[e.Parent.ID]
		if !ok {
			return fmt.Errorf("apply %s to %s: %w", e.Field, e.Parent, domain.ErrNotFound)
		}
		value, err := tx.nextValue(ctx, parent, e)
		if err != nil {
			return fmt.Errorf("apply %s to %s: %w", e.Field, e.Parent, err)
		}
		writes = append(writes, fieldWrite{id: parent.ID, field: e.Field, value: value})
	}
	for _, w := range writes {
		r := tx.state.records[w.id]
		r.Set(w.field, w.value)
		tx.state.records[w.id] = r
	}
	return nil
}

func (tx *transaction) nextValue(ctx context.Context, parent Record, e aggregate.Entry) (any, error) {
	switch e.Delta.Op {
	case aggregate.OpAdd:
		cur, _, err := aggregate.StoredValue(parent, e.Field)
		if err != nil {
			return nil, err
		}
		next, ok := aggregate.CheckedAdd(cur, e.Delta.Amount)
		if !ok {
			return nil, fmt.Errorf("%w: %d %s", aggregate.ErrOverflow, cur, e.Delta)
		}
		return next, nil
	case aggregate.OpSet:
		return e.Delta.Amount, nil
	case aggregate.OpRecompute:
		spec := e.Spec
		if spec == nil {
			var ok bool
			spec, ok = tx.store.tracker.Registry().Lookup(e.Parent.Type, e.Field)
			if !ok {
				return nil, fmt.Errorf("%w: no aggregate registered for %s.%s", aggregate.ErrInvalidSpec, e.Parent.Type, e.Field)
			}
		}
		return tx.compute(ctx, spec, e.Parent)
	default:
		return nil, fmt.Errorf("unknown delta op %v", e.Delta.Op)
	}
}

// compute returns the exact aggregate, or nil for a Min without operands.
func (tx *transaction) compute(ctx context.Context, spec *aggregate.Spec, parent aggregate.ParentRef) (any, error) {
	children := tx.state.list(domain.EntityType(spec.Source))
	snaps := make([]aggregate.Snapshot, len(children))
	for i, c := range children {
		snaps[i] = c
	}
	v, set, err := aggregate.Compute(ctx, spec, parent, snaps, tx)
	if err != nil {
		return nil, err
	}
	if !set {
		return nil, nil
	}
	return v, nil
}

// Refresh overwrites every aggregate field registered for the parent type
// with its exact value and records the update.
func (tx *transaction) Refresh(ref aggregate.ParentRef) (Record, error) {
	current, ok := tx.state.records[ref.ID]
	if !ok || string(current.Type) != ref.Type {
		return Record{}, fmt.Errorf("%w: %s", domain.ErrNotFound, ref)
	}
	next := current.Clone()
	for _, spec := range tx.store.tracker.Registry().ForParent(ref.Type) {
		v, err := tx.compute(tx.ctx, spec, ref)
		if err != nil {
			return Record{}, fmt.Errorf("refresh %s: %w", spec.Label(), err)
		}
		next.Set(spec.Field, v)
	}
	next.UpdatedAt = tx.now
	before := current.Clone()
	tx.state.records[ref.ID] = next
	written := next.Clone()
	if err := tx.recordChange(Change{Entity: next.Type, Action: domain.ActionUpdate, Before: &before, After: &written}); err != nil {
		tx.state.records[ref.ID] = current
		return Record{}, err
	}
	return tx.state.records[ref.ID].Clone(), nil
}
