package core

import (
	"context"
	"errors"
	"sort"

	"colonytally/pkg/aggregate"
	"colonytally/pkg/domain"
)

// AggregateDriftRuleName identifies violations raised by the drift rule.
const AggregateDriftRuleName = "aggregate_drift"

// NewAggregateDriftRule returns a rule that recomputes the aggregates of every
// parent touched by a transaction and flags stored values that disagree.
// Strict mode blocks the commit.
func NewAggregateDriftRule(tracker *aggregate.Tracker, strict bool) domain.Rule {
	severity := domain.SeverityWarn
	if strict {
		severity = domain.SeverityBlock
	}
	return aggregateDriftRule{tracker: tracker, severity: severity}
}

type aggregateDriftRule struct {
	tracker  *aggregate.Tracker
	severity domain.Severity
}

func (aggregateDriftRule) Name() string { return AggregateDriftRuleName }

type driftTarget struct {
	spec   *aggregate.Spec
	parent string
}

func (r aggregateDriftRule) Evaluate(ctx context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	if r.tracker == nil {
		return domain.Result{}, nil
	}
	reg := r.tracker.Registry()
	targets := make(map[driftTarget]struct{})
	for _, change := range changes {
		for _, spec := range reg.ForParent(string(change.Entity)) {
			if id := change.RecordID(); id != "" {
				targets[driftTarget{spec: spec, parent: id}] = struct{}{}
			}
		}
		for _, spec := range reg.For(string(change.Entity)) {
			for _, side := range []*domain.Record{change.Before, change.After} {
				if side == nil {
					continue
				}
				ref, err := spec.Parent(*side)
				if errors.Is(err, aggregate.ErrUnresolvableParent) || ref.IsZero() {
					continue
				}
				if err != nil {
					return domain.Result{}, err
				}
				targets[driftTarget{spec: spec, parent: ref.ID}] = struct{}{}
			}
		}
	}

	ordered := make([]driftTarget, 0, len(targets))
	for t := range targets {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].parent != ordered[j].parent {
			return ordered[i].parent < ordered[j].parent
		}
		return ordered[i].spec.Field < ordered[j].spec.Field
	})

	res := domain.Result{}
	children := make(map[string][]aggregate.Snapshot)
	for _, t := range ordered {
		parent, ok := view.FindRecord(t.parent)
		if !ok || string(parent.Type) != t.spec.ParentType {
			continue
		}
		kids, ok := children[t.spec.Source]
		if !ok {
			kids = snapshots(view.ListRecords(domain.EntityType(t.spec.Source)))
			children[t.spec.Source] = kids
		}
		d, drifted, err := checkParent(ctx, view, t.spec, parent, kids)
		if err != nil {
			return domain.Result{}, err
		}
		if !drifted {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     AggregateDriftRuleName,
			Severity: r.severity,
			Message:  d.String(),
			Entity:   parent.Type,
			EntityID: parent.ID,
		})
	}
	return res, nil
}
