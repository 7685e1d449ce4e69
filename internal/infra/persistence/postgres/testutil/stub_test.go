package testutil

import (
	"context"
	"database/sql/driver"
	"testing"
)

func TestStubDBUpsertsDeletesAndQueries(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()

	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	upsert := "INSERT INTO records (id, type) VALUES ($1,$2) ON CONFLICT (id) DO UPDATE SET type=EXCLUDED.type"
	for _, typ := range []string{"group", "member"} {
		if _, err := conn.ExecContext(ctx, upsert, []driver.NamedValue{{Value: "r1"}, {Value: typ}}); err != nil {
			t.Fatalf("ExecContext insert: %v", err)
		}
	}
	rows := conn.Rows("records")
	if len(rows) != 1 || rows[0]["type"] != "member" {
		t.Fatalf("expected conflict to replace the row, got %v", rows)
	}

	r, err := conn.QueryContext(ctx, "SELECT id, type FROM records", nil)
	if err != nil {
		t.Fatalf("QueryContext: %v", err)
	}
	dest := make([]driver.Value, 2)
	if err := r.Next(dest); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if dest[0] != "r1" || dest[1] != "member" {
		t.Fatalf("unexpected row values: %v", dest)
	}

	res, err := conn.ExecContext(ctx, "DELETE FROM records WHERE id=$1", []driver.NamedValue{{Value: "r1"}})
	if err != nil {
		t.Fatalf("ExecContext delete: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("expected one deleted row, got %d", n)
	}
	if len(conn.Rows("records")) != 0 {
		t.Fatalf("expected table to be empty")
	}
}

func TestStubDBFailureSwitches(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()
	conn.FailPing = true
	if err := conn.Ping(ctx); err == nil {
		t.Fatalf("expected ping failure")
	}
	conn.FailTables = map[string]bool{"records": true}
	if _, err := conn.QueryContext(ctx, "SELECT id FROM records", nil); err == nil {
		t.Fatalf("expected query failure")
	}
	if _, err := conn.ExecContext(ctx, "DELETE FROM nowhere", []driver.NamedValue{{Value: "x"}}); err == nil {
		t.Fatalf("expected malformed delete to fail")
	}
}
