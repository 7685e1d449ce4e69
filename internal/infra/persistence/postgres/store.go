// Package postgres provides a Postgres-backed persistent store that mirrors the
// in-memory semantics while keeping one JSONB row per record.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"colonytally/internal/infra/persistence/memory"
	"colonytally/pkg/aggregate"
	"colonytally/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with OpenPersistentStore defaults while allowing overrides via env.
	defaultDSN = "postgres://localhost/colonytally?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS records_type_idx ON records (type)`,
}

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
	// persisted holds the payload last written per record ID.
	persisted map[string][]byte
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It ensures the records table exists and hydrates the in-memory store from it.
func NewStore(dsn string, engine *domain.RulesEngine, tracker *aggregate.Tracker) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, persisted, err := loadSnapshot(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore(engine, tracker)
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db, persisted: persisted}, nil
}

// RunInTransaction applies the provided function within a transaction, then writes the changed records to Postgres if successful.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.persist(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// Refresh recomputes the aggregate fields of ref and persists the result.
func (s *Store) Refresh(ctx context.Context, ref aggregate.ParentRef) (domain.Record, error) {
	var out domain.Record
	_, err := s.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		out, err = tx.Refresh(ref)
		return err
	})
	return out, err
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func applySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, map[string][]byte, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, type, payload FROM records`)
	if err != nil {
		return memory.Snapshot{}, nil, fmt.Errorf("select records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := memory.Snapshot{Records: map[string]domain.Record{}}
	persisted := map[string][]byte{}
	for rows.Next() {
		var (
			id, typ string
			payload []byte
		)
		if err := rows.Scan(&id, &typ, &payload); err != nil {
			return memory.Snapshot{}, nil, fmt.Errorf("scan record: %w", err)
		}
		var r domain.Record
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&r); err != nil {
			return memory.Snapshot{}, nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		r.ID = id
		r.Type = domain.EntityType(typ)
		snapshot.Records[id] = r
		persisted[id] = append([]byte(nil), payload...)
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, nil, fmt.Errorf("iterate records: %w", err)
	}
	return snapshot, persisted, nil
}

// persist writes records whose payload changed since the last write and
// deletes rows for records that no longer exist, in one database transaction.
func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()

	next := make(map[string][]byte, len(snapshot.Records))
	var upserts []string
	for id, r := range snapshot.Records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", id, err)
		}
		next[id] = data
		if !bytes.Equal(s.persisted[id], data) {
			upserts = append(upserts, id)
		}
	}
	var deletes []string
	for id := range s.persisted {
		if _, ok := next[id]; !ok {
			deletes = append(deletes, id)
		}
	}
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}
	sort.Strings(upserts)
	sort.Strings(deletes)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, id := range upserts {
		r := snapshot.Records[id]
		if _, err := tx.ExecContext(ctx, `INSERT INTO records (id, type, payload, updated_at) VALUES ($1,$2,$3,$4) ON CONFLICT (id) DO UPDATE SET type=EXCLUDED.type, payload=EXCLUDED.payload, updated_at=EXCLUDED.updated_at`,
			id, string(r.Type), next[id], updatedAt(r)); err != nil {
			return fmt.Errorf("upsert %s: %w", id, err)
		}
	}
	for _, id := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id=$1`, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	s.persisted = next
	return nil
}

func updatedAt(r domain.Record) time.Time {
	if r.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return r.UpdatedAt
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
