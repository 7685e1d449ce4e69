package core

import (
	"fmt"
	"os"

	"colonytally/internal/infra/persistence/memory"
	"colonytally/pkg/aggregate"
	"colonytally/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

type (
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)

// OpenPersistentStore selects a backend using environment variables.
// Defaults to sqlite when unset.
//
//	COLONYTALLY_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	COLONYTALLY_SQLITE_PATH: path to sqlite file (default ./colonytally.db)
//	COLONYTALLY_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(engine *RulesEngine, tracker *aggregate.Tracker) (PersistentStore, error) {
	driver := os.Getenv("COLONYTALLY_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(engine, tracker), nil
	case StorageSQLite:
		ss, err := NewSQLiteStore(os.Getenv("COLONYTALLY_SQLITE_PATH"), engine, tracker)
		if err != nil {
			return nil, err
		}
		return ss, nil
	case StoragePostgres:
		ps, err := NewPostgresStore(os.Getenv("COLONYTALLY_POSTGRES_DSN"), engine, tracker)
		if err != nil {
			return nil, err
		}
		return ps, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
