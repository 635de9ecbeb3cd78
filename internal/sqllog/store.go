package sqllog

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - UNIQUE index on the item key
const currentSchemaVersion = 1

// lockRowID marks the ownership row.
const lockRowID = -1

// openDB opens the database at path with the pragmas and schema applied.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 makes a duplicate item insert fail instead of silently
// shadowing the existing row at recovery.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_recovery_log_item
		ON recovery_log(log_name, server_name, service_id, ru_id, section_id, data_index)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// claimOwnership records owner in the lock row of logName and returns the
// previous owner, or "" if the log had none.
func claimOwnership(ctx context.Context, db *sql.DB, logName, owner string, serviceID int) (string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("claim ownership: %w", err)
	}
	defer tx.Rollback()

	var previous string
	err = tx.QueryRowContext(ctx, `
		SELECT server_name FROM recovery_log
		WHERE log_name = ? AND ru_id = ?
	`, logName, lockRowID).Scan(&previous)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO recovery_log
			(server_name, service_id, log_name, ru_id, section_id, data_index, data)
			VALUES (?, ?, ?, ?, 1, 1, X'0000')
		`, owner, serviceID, logName, lockRowID)
	case err != nil:
	case previous != owner:
		_, err = tx.ExecContext(ctx, `
			UPDATE recovery_log SET server_name = ?
			WHERE log_name = ? AND ru_id = ?
		`, owner, logName, lockRowID)
	}
	if err != nil {
		return "", fmt.Errorf("claim ownership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("claim ownership: %w", err)
	}
	return previous, nil
}
