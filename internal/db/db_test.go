// Package db tests for database connection management.
package db

import (
	"os"
	"path/filepath"
	"testing"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(tmpDir, FileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", db.Path(), dbPath)
	}

	var result int
	if err := db.QueryRow("SELECT 1").Scan(&result); err != nil || result != 1 {
		t.Errorf("Database query failed: %v (result %d)", err, result)
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Errorf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Errorf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}

	// FULL == 2
	var syncMode int
	if err := db.QueryRow("PRAGMA synchronous").Scan(&syncMode); err != nil {
		t.Errorf("Failed to check synchronous: %v", err)
	}
	if syncMode != 2 {
		t.Errorf("synchronous = %d, want 2 (FULL)", syncMode)
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	if _, err := Open("/dev/null/invalid_path/that/cannot/be/created"); err == nil {
		t.Error("Open() with invalid path should return error")
	}
}

// TestSetup verifies the schema is present after Setup.
func TestSetup(t *testing.T) {
	db, err := Setup(t.TempDir())
	if err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"action_queue", "pets", "alerts", "success_stories", "conflict_log"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

// TestSetup_reopen verifies data survives close and reopen.
func TestSetup_reopen(t *testing.T) {
	dir := t.TempDir()

	db, err := Setup(dir)
	if err != nil {
		t.Fatalf("Setup() failed: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO pets (id, owner_id, name) VALUES ('p1', 'o1', 'Max')`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	db.Close()

	db, err = Setup(dir)
	if err != nil {
		t.Fatalf("second Setup() failed: %v", err)
	}
	defer db.Close()

	var name string
	if err := db.QueryRow(`SELECT name FROM pets WHERE id = 'p1'`).Scan(&name); err != nil || name != "Max" {
		t.Errorf("name = %q, err = %v", name, err)
	}
}
