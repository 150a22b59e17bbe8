package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/uptrace/bun/driver/sqliteshim"
)

// Open opens the SQLite database backing the relational store, saga records,
// archive index and upload staging, with pragmas suited to concurrent use.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	// Enable Foreign Keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}
