// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"colonytally/pkg/aggregate"
	"colonytally/pkg/domain"

	"github.com/google/uuid"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var (
	_ domain.PersistentStore = (*Store)(nil)
	_ aggregate.Provider     = (*transaction)(nil)
	_ aggregate.Applier      = (*transaction)(nil)
)

type (
	// Record aliases domain.Record for in-memory persistence operations.
	Record = domain.Record
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	// PersistentStore aliases domain.PersistentStore abstraction.
	PersistentStore = domain.PersistentStore
)

type memoryState struct {
	records map[string]Record
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Records map[string]Record `json:"records"`
}

func newMemoryState() memoryState {
	return memoryState{records: make(map[string]Record)}
}

func (s memoryState) clone() memoryState {
	out := memoryState{records: make(map[string]Record, len(s.records))}
	for k, v := range s.records {
		out.records[k] = v.Clone()
	}
	return out
}

func (s memoryState) list(t domain.EntityType) []Record {
	out := make([]Record, 0)
	for _, r := range s.records {
		if r.Type == t {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	return Snapshot{Records: state.clone().records}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	return memoryState{records: s.Records}.clone()
}

// migrateSnapshot normalizes a snapshot loaded from an older or hand-edited
// source: untyped records are dropped and IDs are aligned with map keys.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Records == nil {
		snapshot.Records = map[string]Record{}
	}
	for id, r := range snapshot.Records {
		if r.Type == "" || id == "" {
			delete(snapshot.Records, id)
			continue
		}
		if r.ID != id {
			r.ID = id
			snapshot.Records[id] = r
		}
	}
	return snapshot
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu      sync.RWMutex
	state   memoryState
	engine  *RulesEngine
	tracker *aggregate.Tracker
	nowFn   func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
// Every change is planned by tracker and the plan is applied inside the same
// transaction. A nil tracker maintains no aggregates.
func NewStore(engine *RulesEngine, tracker *aggregate.Tracker) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	if tracker == nil {
		tracker = aggregate.NewTracker(nil)
	}
	return &Store{
		state:   newMemoryState(),
		engine:  engine,
		tracker: tracker,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Tracker exposes the aggregate tracker applied to every transaction.
func (s *Store) Tracker() *aggregate.Tracker {
	return s.tracker
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc overrides the time provider.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// RunInTransaction executes fn within a transactional copy of the store
// state. Aggregate plans are applied as each change is recorded; rules run
// once fn returns and may block the commit.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		ctx:   ctx,
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	result := Result{Plans: tx.plans}
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result.Merge(res)
		if res.HasBlocking() {
			return result, domain.RuleViolationError{Result: result}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the committed state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

// Refresh recomputes the aggregate fields of ref in a dedicated transaction.
func (s *Store) Refresh(ctx context.Context, ref aggregate.ParentRef) (Record, error) {
	var out Record
	_, err := s.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		out, err = tx.Refresh(ref)
		return err
	})
	return out, err
}

// GetRecord retrieves a record by ID from committed state.
func (s *Store) GetRecord(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.records[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// ListRecords returns all records of type t from committed state, ordered by ID.
func (s *Store) ListRecords(t domain.EntityType) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.list(t)
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListRecords returns all records of type t within the snapshot.
func (v transactionView) ListRecords(t domain.EntityType) []Record {
	return v.state.list(t)
}

// FindRecord retrieves a record by ID from the snapshot.
func (v transactionView) FindRecord(id string) (Record, bool) {
	r, ok := v.state.records[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// transaction represents a mutation set applied to the store state.
type transaction struct {
	ctx     context.Context
	store   *Store
	state   memoryState
	changes []Change
	plans   []aggregate.Plan
	now     time.Time
}

// Snapshot returns a read-only view over the transaction state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// FindRecord retrieves a record by ID from the transaction state.
func (tx *transaction) FindRecord(id string) (Record, bool) {
	return transactionView{state: &tx.state}.FindRecord(id)
}

// ListRecords returns all records of type t from the transaction state.
func (tx *transaction) ListRecords(t domain.EntityType) []Record {
	return tx.state.list(t)
}

// recordChange appends the change and applies the aggregate plan it implies.
func (tx *transaction) recordChange(change Change) error {
	plan, err := tx.store.tracker.Plan(tx.ctx, change.Event(), tx)
	if err != nil {
		return fmt.Errorf("track %s %s %q: %w", change.Action, change.Entity, change.RecordID(), err)
	}
	if !plan.Empty() {
		if err := tx.ApplyPlan(tx.ctx, plan); err != nil {
			return err
		}
		tx.plans = append(tx.plans, plan)
	}
	tx.changes = append(tx.changes, change)
	return nil
}

// CreateRecord stores a new record within the transaction. Deferred
// attribute values are evaluated for storage, while the change handed to the
// tracker keeps them as written.
func (tx *transaction) CreateRecord(r Record) (Record, error) {
	if err := validateRecord(r); err != nil {
		return Record{}, err
	}
	if r.ID == "" {
		r.ID = tx.store.newID()
	}
	if _, exists := tx.state.records[r.ID]; exists {
		return Record{}, fmt.Errorf("%w: %s %q", domain.ErrDuplicateID, r.Type, r.ID)
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	stored, err := materialize(r, Record{})
	if err != nil {
		return Record{}, err
	}
	tx.state.records[r.ID] = stored
	written := r.Clone()
	if err := tx.recordChange(Change{Entity: r.Type, Action: domain.ActionCreate, After: &written}); err != nil {
		delete(tx.state.records, r.ID)
		return Record{}, err
	}
	return tx.state.records[r.ID].Clone(), nil
}

// UpdateRecord mutates a record using the provided mutator function.
func (tx *transaction) UpdateRecord(id string, mutator func(*Record) error) (Record, error) {
	current, ok := tx.state.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", domain.ErrNotFound, id)
	}
	before := current.Clone()
	next := current.Clone()
	if err := mutator(&next); err != nil {
		return Record{}, err
	}
	next.ID = id
	next.CreatedAt = before.CreatedAt
	next.UpdatedAt = tx.now
	if next.Type != before.Type {
		return Record{}, fmt.Errorf("%w: %q cannot change type from %s to %s", domain.ErrInvalidRecord, id, before.Type, next.Type)
	}
	if err := validateRecord(next); err != nil {
		return Record{}, err
	}
	stored, err := materialize(next, before)
	if err != nil {
		return Record{}, err
	}
	tx.state.records[id] = stored
	written := next.Clone()
	if err := tx.recordChange(Change{Entity: next.Type, Action: domain.ActionUpdate, Before: &before, After: &written}); err != nil {
		tx.state.records[id] = before
		return Record{}, err
	}
	return tx.state.records[id].Clone(), nil
}

// DeleteRecord removes a record, then every record named by cascade whose
// reference key points at it. The parent goes first, so the removed
// children's aggregate adjustments target a parent that no longer exists
// and are skipped.
func (tx *transaction) DeleteRecord(id string, cascade ...domain.Reference) error {
	current, ok := tx.state.records[id]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrNotFound, id)
	}
	delete(tx.state.records, id)
	before := current.Clone()
	if err := tx.recordChange(Change{Entity: current.Type, Action: domain.ActionDelete, Before: &before}); err != nil {
		tx.state.records[id] = current
		return err
	}
	for _, ref := range cascade {
		for _, child := range tx.state.list(ref.Type) {
			if !referencesID(child, ref.Key, id) {
				continue
			}
			if err := tx.DeleteRecord(child.ID); err != nil {
				return fmt.Errorf("cascade delete %s %q: %w", ref.Type, child.ID, err)
			}
		}
	}
	return nil
}

func referencesID(r Record, key, id string) bool {
	v, ok := r.Value(key)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case string:
		return t == id
	case *string:
		return t != nil && *t == id
	}
	return false
}

func validateRecord(r Record) error {
	if r.Type == "" {
		return fmt.Errorf("%w: record type is required", domain.ErrInvalidRecord)
	}
	for _, reserved := range []string{domain.FieldID, domain.FieldType} {
		if _, ok := r.Attributes[reserved]; ok {
			return fmt.Errorf("%w: attribute %q is reserved", domain.ErrInvalidRecord, reserved)
		}
	}
	return nil
}

// materialize evaluates deferred attributes of r against the values held by
// previous, producing the record as it is stored.
func materialize(r, previous Record) (Record, error) {
	out := r.Clone()
	for k, v := range r.Attributes {
		d, ok := domain.DeferredOf(v)
		if !ok {
			continue
		}
		prev, _ := previous.Value(k)
		n, err := domain.ApplyDeferred(prev, d)
		if err != nil {
			return Record{}, fmt.Errorf("%w: %s.%s: %v", domain.ErrInvalidRecord, r.Type, k, err)
		}
		out.Attributes[k] = n
	}
	return out, nil
}
