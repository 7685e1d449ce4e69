package aggregate

// Plan is the ordered set of adjustments produced by one event.
type Plan struct {
	Entries []Entry `json:"entries"`
}

// Empty reports whether the plan has nothing to apply.
func (p Plan) Empty() bool { return len(p.Entries) == 0 }

// Len returns the number of entries.
func (p Plan) Len() int { return len(p.Entries) }

// Recomputes returns the entries that request a full recompute.
func (p Plan) Recomputes() []Entry {
	var out []Entry
	for _, e := range p.Entries {
		if e.Delta.Op == OpRecompute {
			out = append(out, e)
		}
	}
	return out
}

type planKey struct {
	parent ParentRef
	field  string
}

// NewPlan deduplicates entries by parent field, keeping the position of the
// first occurrence. Absent parents and no-op deltas are dropped.
func NewPlan(entries ...Entry) Plan {
	index := make(map[planKey]int, len(entries))
	merged := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Parent.IsZero() {
			continue
		}
		k := planKey{parent: e.Parent, field: e.Field}
		if i, ok := index[k]; ok {
			merged[i].Delta = mergeDelta(merged[i].Delta, e.Delta)
			continue
		}
		index[k] = len(merged)
		merged = append(merged, e)
	}
	out := merged[:0]
	for _, e := range merged {
		if e.Delta.IsNoop() {
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return Plan{}
	}
	return Plan{Entries: out}
}

// mergeDelta folds next into prev as if both were applied in order.
func mergeDelta(prev, next Delta) Delta {
	switch {
	case prev.Op == OpRecompute || next.Op == OpRecompute:
		return Recompute()
	case next.Op == OpSet:
		return next
	case prev.Op == OpSet:
		if n, ok := CheckedAdd(prev.Amount, next.Amount); ok {
			return Set(n)
		}
		return Recompute()
	default:
		if n, ok := CheckedAdd(prev.Amount, next.Amount); ok {
			return Add(n)
		}
		return Recompute()
	}
}
