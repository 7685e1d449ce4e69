package aggregate

import (
	"context"
	"fmt"
	"sort"
)

// snap is a map-backed Snapshot.
type snap map[string]any

func (s snap) Value(field string) (any, bool) {
	v, ok := s[field]
	return v, ok
}

func (s snap) with(kv ...any) snap {
	out := make(snap, len(s)+len(kv)/2)
	for k, v := range s {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}

// world is a tiny parent/child store implementing Provider and Applier so
// tests can check plans against the ground truth.
type world struct {
	registry *Registry
	parents  map[ParentRef]map[string]int64
	children map[string]snap
	// materialized answers Materialize calls keyed by child id.
	materialized map[string]any
}

func newWorld(reg *Registry, parents ...ParentRef) *world {
	w := &world{
		registry:     reg,
		parents:      make(map[ParentRef]map[string]int64),
		children:     make(map[string]snap),
		materialized: make(map[string]any),
	}
	for _, p := range parents {
		w.parents[p] = make(map[string]int64)
	}
	return w
}

func (w *world) ResolveParent(_ context.Context, ref ParentRef) (ParentRef, error) {
	if _, ok := w.parents[ref]; !ok {
		return ParentRef{}, ErrUnresolvableParent
	}
	return ref, nil
}

func (w *world) Stored(_ context.Context, parent ParentRef, field string) (int64, bool, error) {
	fields, ok := w.parents[parent]
	if !ok {
		return 0, false, ErrUnresolvableParent
	}
	v, set := fields[field]
	return v, set, nil
}

func (w *world) Materialize(_ context.Context, s Snapshot, field string) (any, error) {
	id, _ := s.Value("id")
	v, ok := w.materialized[fmt.Sprint(id)]
	if !ok {
		return nil, fmt.Errorf("no materialized value for %v.%s", id, field)
	}
	return v, nil
}

func (w *world) ApplyPlan(ctx context.Context, plan Plan) error {
	for _, e := range plan.Entries {
		fields, ok := w.parents[e.Parent]
		if !ok {
			return fmt.Errorf("parent %s missing", e.Parent)
		}
		switch e.Delta.Op {
		case OpAdd:
			fields[e.Field] += e.Delta.Amount
		case OpSet:
			fields[e.Field] = e.Delta.Amount
		case OpRecompute:
			v, set, err := Compute(ctx, e.Spec, e.Parent, w.childList(), w)
			if err != nil {
				return err
			}
			if set {
				fields[e.Field] = v
			} else {
				delete(fields, e.Field)
			}
		}
	}
	return nil
}

func (w *world) childList() []Snapshot {
	ids := make([]string, 0, len(w.children))
	for id := range w.children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, w.children[id])
	}
	return out
}

// create, update and remove mutate the child set and return the event the
// collaborator would emit.
func (w *world) create(s snap) Event {
	w.children[s["id"].(string)] = s
	return Event{Action: ActionCreate, Source: "member", After: s}
}

func (w *world) update(s snap) Event {
	id := s["id"].(string)
	before := w.children[id]
	w.children[id] = s
	return Event{Action: ActionUpdate, Source: "member", Before: before, After: s}
}

func (w *world) remove(id string) Event {
	before := w.children[id]
	delete(w.children, id)
	return Event{Action: ActionDelete, Source: "member", Before: before}
}

func groupRef(id string) ParentRef { return ParentRef{Type: "group", ID: id} }

func countSpec(filter Predicate) *Spec {
	return &Spec{
		Name:       "members_count",
		Source:     "member",
		ParentType: "group",
		Field:      "members_count",
		Kind:       KindCount,
		Filter:     filter,
		Parent:     AttributeParent("group", "group_id"),
	}
}

func sumSpec() *Spec {
	return &Spec{
		Name:       "points_sum",
		Source:     "member",
		ParentType: "group",
		Field:      "points_sum",
		Kind:       KindSum,
		Operand:    "points",
		Parent:     AttributeParent("group", "group_id"),
	}
}

func minSpec() *Spec {
	return &Spec{
		Name:       "points_min",
		Source:     "member",
		ParentType: "group",
		Field:      "points_min",
		Kind:       KindMin,
		Operand:    "points",
		Parent:     AttributeParent("group", "group_id"),
	}
}

func mustRegistry(specs ...*Spec) *Registry {
	reg := NewRegistry()
	if err := reg.Register(specs...); err != nil {
		panic(err)
	}
	return reg
}
