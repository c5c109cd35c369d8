// Package db opens the embedded SQLite databases that back the tree store
// and the document store.
//
// The database runs in embedded mode using ncruces/go-sqlite3 with WAL
// enabled, so listeners can read snapshots while a writer commits.
//
// Settings applied on open:
//   - WAL journal: concurrent readers during writes
//   - busy_timeout=5000: writers wait for locks instead of failing
//   - foreign_keys=ON
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps an SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// If the database doesn't exist, it is created. The caller MUST call Close()
// when done to ensure the WAL is checkpointed.
//
// Example:
//
//	database, err := db.Open(".livequery/tree.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	filePath := strings.TrimPrefix(path, "file:")

	// Ensure parent directory exists
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	d := &DB{
		conn: conn,
		path: filePath,
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := d.conn.Exec(p); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return d, nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// RawDB returns the underlying sql.DB connection.
func (d *DB) RawDB() *sql.DB {
	return d.conn
}

// InitSchema executes schema, which must be idempotent
// (CREATE ... IF NOT EXISTS).
func (d *DB) InitSchema(ctx context.Context, schema string) error {
	if _, err := d.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (d *DB) Close() error {
	if d.conn == nil {
		return nil
	}

	if _, err := d.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := d.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	d.conn = nil
	return nil
}
