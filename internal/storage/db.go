package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// The batch writer and the query API share one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationRentalSessions,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// boot_success and ssh_success are NULL until the phase resolves.
// benchmarks and errors hold JSON documents.
const migrationRentalSessions = `
CREATE TABLE IF NOT EXISTS rental_sessions (
	session_id TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	cluster_name TEXT NOT NULL,
	marketplace TEXT NOT NULL,
	gpu_model TEXT NOT NULL,
	instance_id TEXT,
	start_time DATETIME NOT NULL,

	boot_success INTEGER,
	boot_time_ms REAL,
	ssh_success INTEGER,
	ssh_latency_ms REAL,

	benchmarks TEXT NOT NULL DEFAULT '{}',
	errors TEXT NOT NULL DEFAULT '[]',

	termination_time DATETIME,
	termination_status TEXT,

	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_rental_sessions_marketplace ON rental_sessions(marketplace);
CREATE INDEX IF NOT EXISTS idx_rental_sessions_start_time ON rental_sessions(start_time);
`
