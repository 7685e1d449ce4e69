package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"colonytally/pkg/domain"
)

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil, nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.FindRecord("missing"); ok {
			t.Fatalf("expected missing record lookup")
		}
		created, err := tx.CreateRecord(domain.Record{Type: "frog", Attributes: map[string]any{"name": "Test"}})
		if err != nil {
			return err
		}
		if created.ID == "" {
			t.Fatalf("expected generated ID")
		}
		view := tx.Snapshot()
		if len(view.ListRecords("frog")) != 1 {
			t.Fatalf("snapshot mismatch")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	if len(store.ListRecords("frog")) != 1 {
		t.Fatalf("expected persisted record")
	}
	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if len(store.ListRecords("frog")) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	if len(store.ListRecords("frog")) != 1 {
		t.Fatalf("expected restored state")
	}
	if store.RulesEngine() == nil {
		t.Fatalf("expected rules engine")
	}
	if store.NowFunc() == nil {
		t.Fatalf("expected now func")
	}
	if store.Tracker() == nil {
		t.Fatalf("expected default tracker")
	}
}

func TestStoreRuleViolation(t *testing.T) {
	store := NewStore(domain.NewRulesEngine(), nil)
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateRecord(domain.Record{Type: "frog"})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	if len(store.ListRecords("frog")) != 0 {
		t.Fatalf("blocked transaction must not commit")
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(ctx context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	res.Merge(domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock}}})
	return res, nil
}

func TestUpdateRecordErrors(t *testing.T) {
	store := NewStore(nil, nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.UpdateRecord("missing", func(*domain.Record) error { return nil }); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected missing record error, got %v", err)
		}
		r, err := tx.CreateRecord(domain.Record{Type: "unit", Attributes: map[string]any{"capacity": 2}})
		if err != nil {
			return err
		}
		if _, err := tx.UpdateRecord(r.ID, func(*domain.Record) error { return fmt.Errorf("boom") }); err == nil {
			t.Fatalf("expected mutator error")
		}
		if _, err := tx.UpdateRecord(r.ID, func(rec *domain.Record) error {
			rec.Type = "other"
			return nil
		}); !errors.Is(err, domain.ErrInvalidRecord) {
			t.Fatalf("expected type change to be rejected, got %v", err)
		}
		got, ok := tx.FindRecord(r.ID)
		if !ok || got.Type != "unit" {
			t.Fatalf("failed updates must leave the record untouched: %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestCreateRecordValidation(t *testing.T) {
	store := NewStore(nil, nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateRecord(domain.Record{}); !errors.Is(err, domain.ErrInvalidRecord) {
			t.Fatalf("expected missing type error, got %v", err)
		}
		if _, err := tx.CreateRecord(domain.Record{Type: "unit", Attributes: map[string]any{"id": "x"}}); !errors.Is(err, domain.ErrInvalidRecord) {
			t.Fatalf("expected reserved attribute error, got %v", err)
		}
		if _, err := tx.CreateRecord(domain.Record{Base: domain.Base{ID: "u1"}, Type: "unit"}); err != nil {
			return err
		}
		if _, err := tx.CreateRecord(domain.Record{Base: domain.Base{ID: "u1"}, Type: "unit"}); !errors.Is(err, domain.ErrDuplicateID) {
			t.Fatalf("expected duplicate error, got %v", err)
		}
		if err := tx.DeleteRecord("missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found on delete, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestRunInTransactionDiscardsStateOnError(t *testing.T) {
	store := NewStore(nil, nil)
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateRecord(domain.Record{Type: "unit"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if len(store.ListRecords("unit")) != 0 {
		t.Fatalf("failed transaction must not commit")
	}
}

func TestStoreTimestampsAndView(t *testing.T) {
	store := NewStore(nil, nil)
	fixed := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateRecord(domain.Record{Base: domain.Base{ID: "b"}, Type: "unit"})
		if err != nil {
			return err
		}
		_, err = tx.CreateRecord(domain.Record{Base: domain.Base{ID: "a"}, Type: "unit"})
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, ok := store.GetRecord("a")
	if !ok || !got.CreatedAt.Equal(fixed) || !got.UpdatedAt.Equal(fixed) {
		t.Fatalf("expected fixed timestamps, got %+v", got)
	}
	err := store.View(ctx, func(v domain.TransactionView) error {
		list := v.ListRecords("unit")
		if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
			t.Fatalf("expected records ordered by id, got %+v", list)
		}
		if _, ok := v.FindRecord("b"); !ok {
			t.Fatalf("expected view lookup")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestImportStateMigratesSnapshot(t *testing.T) {
	store := NewStore(nil, nil)
	store.ImportState(Snapshot{Records: map[string]domain.Record{
		"k1": {Base: domain.Base{ID: "stale"}, Type: "unit"},
		"k2": {Base: domain.Base{ID: "k2"}},
	}})
	got, ok := store.GetRecord("k1")
	if !ok || got.ID != "k1" {
		t.Fatalf("expected id aligned with key, got %+v", got)
	}
	if _, ok := store.GetRecord("k2"); ok {
		t.Fatalf("expected untyped record to be dropped")
	}
}
