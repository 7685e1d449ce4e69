package aggregate

import "context"

// Action is the lifecycle event kind observed on a child record.
type Action string

// Lifecycle actions.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Event carries the snapshots of one child lifecycle event. Create carries
// only After, Delete only Before (the pre-delete state), Update both.
type Event struct {
	Action Action
	Source string
	Before Snapshot
	After  Snapshot
}

// Provider supplies the state the core cannot derive from snapshots alone.
type Provider interface {
	// ResolveParent confirms that ref still exists. Implementations return
	// ErrUnresolvableParent when it does not.
	ResolveParent(ctx context.Context, ref ParentRef) (ParentRef, error)
	// Stored returns the current value of field on parent; set is false when
	// the field holds no value.
	Stored(ctx context.Context, parent ParentRef, field string) (value int64, set bool, err error)
	// Materialize re-reads a deferred attribute of the snapshot's record.
	Materialize(ctx context.Context, s Snapshot, field string) (any, error)
}

// Applier applies a plan atomically: every add lands as field += amount with
// respect to concurrent appliers, and recompute entries overwrite the field
// with the aggregate over all current qualifying children.
type Applier interface {
	ApplyPlan(ctx context.Context, plan Plan) error
}
