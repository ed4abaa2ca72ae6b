package db

import (
	"database/sql"
	"path/filepath"
	"testing"
)

// TestMigrationTransactionSafety verifies that goose applies every embedded
// migration: the outcome table and its indexes exist, and goose_db_version
// records both versions.
func TestMigrationTransactionSafety(t *testing.T) {
	d := openTestDB(t)

	for _, table := range []string{"ai_rules_log", "goose_db_version"} {
		var name string
		err := d.Conn().QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q should exist after migrations: %v", table, err)
		}
	}

	for _, index := range []string{"idx_ai_rules_log_group", "idx_ai_rules_log_created_at"} {
		var name string
		err := d.Conn().QueryRow(
			`SELECT name FROM sqlite_master WHERE type='index' AND name=?`, index,
		).Scan(&name)
		if err != nil {
			t.Errorf("index %q should exist after migrations: %v", index, err)
		}
	}

	var maxVersion int64
	err := d.Conn().QueryRow(
		`SELECT COALESCE(MAX(version_id), 0) FROM goose_db_version WHERE version_id > 0`,
	).Scan(&maxVersion)
	if err != nil {
		t.Fatalf("query goose_db_version: %v", err)
	}
	if maxVersion != 2 {
		t.Fatalf("expected goose_db_version max version 2, got %d", maxVersion)
	}
}

// TestReopenIsIdempotent verifies a second Open applies nothing new.
func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	d, err := Open(path)
	if err != nil {
		t.Fatalf("initial Open: %v", err)
	}
	_ = d.Close()

	d, err = Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer d.Close()

	var count int
	err = d.Conn().QueryRow(
		`SELECT COUNT(*) FROM goose_db_version WHERE version_id > 0`,
	).Scan(&count)
	if err != nil {
		t.Fatalf("count goose_db_version: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 applied migrations after reopen, got %d", count)
	}
}

// TestMigrationFailureSurfaces verifies that Open returns an error when a
// migration cannot be applied instead of silently skipping it.
func TestMigrationFailureSurfaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	d, err := Open(path)
	if err != nil {
		t.Fatalf("initial Open: %v", err)
	}
	_ = d.Close()

	// Forget version 2 so goose re-runs CREATE INDEX against an existing index.
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("raw open: %v", err)
	}
	if _, err := conn.Exec(`DELETE FROM goose_db_version WHERE version_id = 2`); err != nil {
		_ = conn.Close()
		t.Fatalf("delete version: %v", err)
	}
	_ = conn.Close()

	d2, err := Open(path)
	if err == nil {
		_ = d2.Close()
		t.Fatal("expected Open to fail when re-applying migration 2")
	}
}
