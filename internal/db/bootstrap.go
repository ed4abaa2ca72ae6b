package db

import (
	"database/sql"
	"fmt"
)

// legacySchemaVersion is the migration version equivalent to the
// ai_rules_log table created by databases predating goose tracking.
const legacySchemaVersion = 1

// bootstrapFromLegacy marks the base migration as applied when the database
// already holds an ai_rules_log table but has never been tracked by goose,
// so existing outcome history is kept instead of failing on CREATE TABLE.
func bootstrapFromLegacy(conn *sql.DB) error {
	// Check if the legacy table exists
	var count int
	err := conn.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='ai_rules_log'`,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("check legacy table: %w", err)
	}
	if count == 0 {
		return nil // Fresh database, no bootstrap needed
	}

	// Check if goose table already exists (already bootstrapped)
	err = conn.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='goose_db_version'`,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("check goose table: %w", err)
	}
	if count > 0 {
		return nil // Already bootstrapped
	}

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin bootstrap: %w", err)
	}

	// Create goose tracking table
	_, err = tx.Exec(`CREATE TABLE goose_db_version (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version_id INTEGER NOT NULL,
		is_applied INTEGER NOT NULL,
		tstamp TIMESTAMP DEFAULT (datetime('now'))
	)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("create goose_db_version: %w", err)
	}

	// Version 0 is goose's own initialization marker.
	for v := 0; v <= legacySchemaVersion; v++ {
		_, err = tx.Exec(
			`INSERT INTO goose_db_version (version_id, is_applied, tstamp) VALUES (?, 1, datetime('now'))`,
			v,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert goose version %d: %w", v, err)
		}
	}

	return tx.Commit()
}
