package protocol_test

import (
	"database/sql"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"warden/pkg/protocol"
)

func openMemDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("exec schema DDL: %v", err)
	}
	return db
}

func TestSchemaCreatesExpectedTables(t *testing.T) {
	db := openMemDB(t)

	expected := []string{
		"work_items", "item_dependencies", "item_issues", "handoffs", "gate_results",
		"sessions", "claim_events", "conflict_matrix", "reprioritization_audit",
		"blocked_decisions", "learning_overrides",
	}
	for _, table := range expected {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("expected table %q not found: %v", table, err)
		}
	}
}

func TestSchemaIsIdempotent(t *testing.T) {
	db := openMemDB(t)
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("second exec of schema DDL: %v", err)
	}
}

func TestSchema_OneLiveClaimPerItem(t *testing.T) {
	db := openMemDB(t)

	insert := `INSERT INTO sessions (session_id, terminal_identity, status, claimed_item_id) VALUES (?, ?, ?, ?)`
	if _, err := db.Exec(insert, "s1", "conv-1", "active", "X-1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := db.Exec(insert, "s2", "conv-2", "active", "X-1")
	if err == nil || !strings.Contains(err.Error(), "UNIQUE") {
		t.Fatalf("second live claim err = %v, want UNIQUE violation", err)
	}
	// Sessions that hold nothing never collide.
	for _, id := range []string{"s3", "s4"} {
		if _, err := db.Exec(insert, id, "conv-"+id, "active", nil); err != nil {
			t.Fatalf("unclaimed session %s: %v", id, err)
		}
	}
}
