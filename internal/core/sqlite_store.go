package core

import (
	"colonytally/internal/infra/persistence/sqlite"
	"colonytally/pkg/aggregate"
)

// NewSQLiteStore constructs a SQLite-backed persistent store using the
// provided file path (may be empty for default).
func NewSQLiteStore(path string, engine *RulesEngine, tracker *aggregate.Tracker) (*sqlite.Store, error) {
	return sqlite.NewStore(path, engine, tracker)
}
