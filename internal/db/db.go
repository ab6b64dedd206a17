// Package db provides database connection management for the local store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "petlink.db"

// DB wraps the sql.DB with PetLink-specific configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens a SQLite database in dataDir.
// The database is opened with:
// - WAL mode so UI reads do not block the sync writer
// - synchronous=FULL so an acknowledged commit survives power loss
// - a busy timeout for lock contention
// - Foreign key constraints enabled
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, FileName))
}

// OpenPath opens the SQLite database file at path.
func OpenPath(path string) (*DB, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"

	// modernc.org/sqlite is pure Go, which keeps the mobile build CGO-free
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &DB{DB: db, path: path}, nil
}

// Setup opens the database in dataDir and applies all pending migrations.
func Setup(dataDir string) (*DB, error) {
	database, err := Open(dataDir)
	if err != nil {
		return nil, err
	}
	if err := Migrate(database.DB); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
