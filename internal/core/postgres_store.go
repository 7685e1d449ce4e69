package core

import (
	"colonytally/internal/infra/persistence/postgres"
	"colonytally/pkg/aggregate"
)

// NewPostgresStore constructs a Postgres-backed store from the provided DSN.
func NewPostgresStore(dsn string, engine *RulesEngine, tracker *aggregate.Tracker) (*postgres.Store, error) {
	return postgres.NewStore(dsn, engine, tracker)
}
