package core

import (
	"context"
	"fmt"

	"colonytally/pkg/aggregate"
	"colonytally/pkg/domain"
)

// Drift reports a parent whose stored aggregate differs from the value
// recomputed from its children.
type Drift struct {
	Aggregate   string    `json:"aggregate"`
	Parent      ParentRef `json:"parent"`
	Field       string    `json:"field"`
	Stored      *int64    `json:"stored"`
	Expected    *int64    `json:"expected"`
	StoredError string    `json:"stored_error,omitempty"`
}

func (d Drift) String() string {
	return fmt.Sprintf("%s on %s: stored %s, expected %s", d.Aggregate, d.Parent, formatOptional(d.Stored), formatOptional(d.Expected))
}

func formatOptional(v *int64) string {
	if v == nil {
		return "unset"
	}
	return fmt.Sprint(*v)
}

// viewProvider answers tracker lookups from a read-only view.
type viewProvider struct {
	view TransactionView
}

func (p viewProvider) ResolveParent(_ context.Context, ref ParentRef) (ParentRef, error) {
	r, ok := p.view.FindRecord(ref.ID)
	if !ok || string(r.Type) != ref.Type {
		return ParentRef{}, fmt.Errorf("%w: %s", aggregate.ErrUnresolvableParent, ref)
	}
	return ref, nil
}

func (p viewProvider) Stored(_ context.Context, parent ParentRef, field string) (int64, bool, error) {
	r, ok := p.view.FindRecord(parent.ID)
	if !ok {
		return 0, false, fmt.Errorf("%w: %s", aggregate.ErrUnresolvableParent, parent)
	}
	return r.Int(field)
}

// Materialize evaluates a deferred operand the way a commit would: against
// the committed value, or zero for a record that does not exist yet.
func (p viewProvider) Materialize(_ context.Context, s aggregate.Snapshot, field string) (any, error) {
	id, _ := s.Value(domain.FieldID)
	r, ok := p.view.FindRecord(fmt.Sprint(id))
	raw, _ := s.Value(field)
	if d, deferred := domain.DeferredOf(raw); deferred {
		var base any
		if ok {
			base, _ = r.Value(field)
		}
		return domain.ApplyDeferred(base, d)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %v", domain.ErrNotFound, id)
	}
	v, _ := r.Value(field)
	return v, nil
}

func snapshots(records []Record) []aggregate.Snapshot {
	out := make([]aggregate.Snapshot, len(records))
	for i, r := range records {
		out[i] = r
	}
	return out
}

// checkParent recomputes spec for parent. Count and Sum treat an unset
// stored field as zero.
func checkParent(ctx context.Context, view TransactionView, spec *aggregate.Spec, parent Record, children []aggregate.Snapshot) (Drift, bool, error) {
	ref := parent.Ref()
	want, wantSet, err := aggregate.Compute(ctx, spec, ref, children, viewProvider{view: view})
	if err != nil {
		return Drift{}, false, err
	}
	d := Drift{Aggregate: spec.Label(), Parent: ref, Field: spec.Field}
	if wantSet {
		d.Expected = &want
	}
	got, gotSet, err := parent.Int(spec.Field)
	if err != nil {
		d.StoredError = err.Error()
		return d, true, nil
	}
	if !gotSet && spec.Kind != aggregate.KindMin {
		gotSet = true
	}
	if gotSet {
		d.Stored = &got
	}
	if gotSet == wantSet && got == want {
		return Drift{}, false, nil
	}
	return d, true, nil
}

// verifySpec checks every parent of spec in view.
func verifySpec(ctx context.Context, view TransactionView, spec *aggregate.Spec) ([]Drift, error) {
	children := snapshots(view.ListRecords(EntityType(spec.Source)))
	var out []Drift
	for _, parent := range view.ListRecords(EntityType(spec.ParentType)) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d, drifted, err := checkParent(ctx, view, spec, parent, children)
		if err != nil {
			return nil, fmt.Errorf("verify %s on %s: %w", spec.Label(), parent.Ref(), err)
		}
		if drifted {
			out = append(out, d)
		}
	}
	return out, nil
}
