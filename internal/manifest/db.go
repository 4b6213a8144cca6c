// Package manifest records which files were pulled from and pushed to
// each device, so repeated runs skip unchanged files.
package manifest

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite manifest database.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the manifest database.
func Open(configDir string) (*DB, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dbPath := filepath.Join(configDir, "manifest.db")
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Pulls from several devices run at once; sqlite takes one writer.
	sqlDB.SetMaxOpenConns(1)
	// Enable WAL mode for better concurrent access
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	m := &DB{db: sqlDB, path: dbPath}
	if err := m.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return m, nil
}

// Close closes the database.
func (m *DB) Close() error {
	return m.db.Close()
}

// Path returns the path to the manifest database file.
func (m *DB) Path() string {
	return m.path
}

func (m *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_serial TEXT NOT NULL,
		remote_path TEXT NOT NULL,
		local_path TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		mtime INTEGER NOT NULL DEFAULT 0,
		pulled_at DATETIME,
		UNIQUE(device_serial, remote_path)
	);

	CREATE TABLE IF NOT EXISTS pushes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_serial TEXT NOT NULL,
		local_path TEXT NOT NULL,
		remote_path TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		mtime INTEGER NOT NULL DEFAULT 0,
		pushed_at DATETIME NOT NULL,
		UNIQUE(device_serial, remote_path)
	);

	CREATE INDEX IF NOT EXISTS idx_files_device ON files(device_serial);
	CREATE INDEX IF NOT EXISTS idx_pushes_device ON pushes(device_serial);
	`
	if _, err := m.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
