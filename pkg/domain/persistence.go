package domain

import (
	"context"
	"errors"

	"colonytally/pkg/aggregate"
)

// Record lookup and validation failures shared by every store.
var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicateID   = errors.New("record already exists")
	ErrInvalidRecord = errors.New("invalid record")
)

// Transaction exposes the record operations that a persistence implementation
// must support within an atomic scope. Every mutation is handed to the
// aggregate tracker before the call returns, so later reads in the same
// transaction observe the adjusted parent fields.
type Transaction interface {
	Snapshot() TransactionView
	CreateRecord(Record) (Record, error)
	UpdateRecord(id string, mutator func(*Record) error) (Record, error)
	// DeleteRecord removes the record, then the children named by cascade.
	DeleteRecord(id string, cascade ...Reference) error
	FindRecord(id string) (Record, bool)
	ListRecords(t EntityType) []Record
	// Refresh recomputes every registered aggregate field of the parent from
	// its current children.
	Refresh(ref aggregate.ParentRef) (Record, error)
}

// TransactionView provides read-only access to snapshot data for rules.
type TransactionView interface {
	ListRecords(t EntityType) []Record
	FindRecord(id string) (Record, bool)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetRecord(id string) (Record, bool)
	ListRecords(t EntityType) []Record
	// Refresh runs Transaction.Refresh in its own transaction.
	Refresh(ctx context.Context, ref aggregate.ParentRef) (Record, error)
	Tracker() *aggregate.Tracker
}
