package core

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"colonytally/internal/infra/persistence/memory"
	"colonytally/internal/infra/persistence/postgres"
	"colonytally/internal/infra/persistence/postgres/testutil"
	"colonytally/internal/infra/persistence/sqlite"
)

func TestOpenPersistentStoreDrivers(t *testing.T) {
	tracker := newTestTracker(t)

	t.Setenv("COLONYTALLY_STORAGE_DRIVER", "memory")
	store, err := OpenPersistentStore(NewRulesEngine(), tracker)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected *memory.Store, got %T", store)
	}
	if store.Tracker() != tracker {
		t.Fatalf("expected tracker to be wired")
	}

	t.Setenv("COLONYTALLY_STORAGE_DRIVER", "")
	t.Setenv("COLONYTALLY_SQLITE_PATH", filepath.Join(t.TempDir(), "tally.db"))
	store, err = OpenPersistentStore(NewRulesEngine(), tracker)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	ss, ok := store.(*sqlite.Store)
	if !ok {
		t.Fatalf("expected *sqlite.Store, got %T", store)
	}
	defer func() { _ = ss.Close() }()
	svc := NewService(store)
	seedGroup(t, svc)
	expectField(t, svc, "g1", "points_sum", 8)

	t.Setenv("COLONYTALLY_STORAGE_DRIVER", "bogus")
	if _, err := OpenPersistentStore(nil, nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestOpenPersistentStorePostgres(t *testing.T) {
	db, _ := testutil.NewStubDB()
	restore := postgres.OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	t.Setenv("COLONYTALLY_STORAGE_DRIVER", "postgres")
	t.Setenv("COLONYTALLY_POSTGRES_DSN", "postgres://stub")
	store, err := OpenPersistentStore(NewRulesEngine(), newTestTracker(t))
	if err != nil {
		t.Fatalf("postgres: %v", err)
	}
	if _, ok := store.(*postgres.Store); !ok {
		t.Fatalf("expected *postgres.Store, got %T", store)
	}
	if _, err := store.RunInTransaction(context.Background(), func(Transaction) error { return nil }); err != nil {
		t.Fatalf("empty transaction: %v", err)
	}

	failing, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore2 := postgres.OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return failing, nil })
	defer restore2()
	store, err = OpenPersistentStore(nil, nil)
	if err == nil || store != nil {
		t.Fatalf("expected ping failure with nil store, got %v %v", store, err)
	}
}
