package repository

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested upload does not exist.
var ErrNotFound = errors.New("not found")

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	// Checkpoint writes from many workers; wait instead of failing on lock.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS uploads (
			id TEXT PRIMARY KEY,
			headers TEXT NOT NULL,
			records TEXT NOT NULL,
			row_states TEXT NOT NULL,
			filtered_records TEXT NOT NULL DEFAULT '[]',
			approved_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			org_tags TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_created_at ON uploads(created_at)`,

		// Cached gateway documents are stored raw; historical feeds spell
		// every field either camelCase or snake_case.
		`CREATE TABLE IF NOT EXISTS reconciled_transactions (
			id TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			fetched_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reconciled_txn_camel ON reconciled_transactions(CAST(json_extract(doc, '$.transactionId') AS TEXT))`,
		`CREATE INDEX IF NOT EXISTS idx_reconciled_txn_snake ON reconciled_transactions(CAST(json_extract(doc, '$.transaction_id') AS TEXT))`,

		`CREATE TABLE IF NOT EXISTS chargebacks (
			id TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			fetched_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chargebacks_orig_camel ON chargebacks(CAST(json_extract(doc, '$.originalTransactionUniqueId') AS TEXT))`,
		`CREATE INDEX IF NOT EXISTS idx_chargebacks_orig_snake ON chargebacks(CAST(json_extract(doc, '$.original_transaction_unique_id') AS TEXT))`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return nil
}

// inChunks calls fn with consecutive slices of at most size ids.
func inChunks(ids []string, size int, fn func([]string) error) error {
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
