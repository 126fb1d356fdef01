// Package db tests for database migration management.
package db

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	apperrors "github.com/okcolf/colfexpress/internal/errors"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__create_items.up.sql":   {Data: []byte(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT);`)},
		"V1__create_items.down.sql": {Data: []byte(`DROP TABLE items;`)},
		"V2__add_notes.up.sql":      {Data: []byte(`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT);`)},
		"V2__add_notes.down.sql":    {Data: []byte(`DROP TABLE notes;`)},
		"README.md":                 {Data: []byte("not a migration")},
		"Vx__bogus.up.sql":          {Data: []byte("garbage")},
	}
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n); err != nil {
		t.Fatalf("sqlite_master query failed: %v", err)
	}
	return n == 1
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, fstest.MapFS{})

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Initialize(); err != nil {
		t.Fatalf("second Initialize() failed: %v", err)
	}
	if !tableExists(t, db, "schema_migrations") {
		t.Error("schema_migrations table not found")
	}

	// Checksums must be full SHA-256 hex digests.
	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		1, 123456, "short", "abc")
	if err == nil {
		t.Error("short checksum should violate the CHECK constraint")
	}
}

// TestCurrentVersion verifies version tracking.
func TestCurrentVersion(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, fstest.MapFS{})

	if _, err := m.CurrentVersion(); err == nil {
		t.Error("CurrentVersion() should fail before Initialize()")
	}

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	version, err := m.CurrentVersion()
	if err != nil || version != 0 {
		t.Errorf("CurrentVersion() = %d, %v; want 0", version, err)
	}

	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		3, 123456, "initial", strings.Repeat("a", 64))
	if err != nil {
		t.Fatalf("Failed to insert migration: %v", err)
	}
	version, _ = m.CurrentVersion()
	if version != 3 {
		t.Errorf("CurrentVersion() = %d, want 3", version)
	}
}

// TestUp_appliesInOrder verifies migration files are applied once, in order.
func TestUp_appliesInOrder(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, testMigrations())
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if !tableExists(t, db, "items") || !tableExists(t, db, "notes") {
		t.Fatal("migrations not applied")
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied %d migrations, want 2", len(applied))
	}
	if applied[0].Version != 1 || applied[0].Description != "create_items" {
		t.Errorf("first migration = %+v", applied[0])
	}
	if len(applied[1].Checksum) != 64 {
		t.Errorf("checksum = %q", applied[1].Checksum)
	}

	// Running Up again should skip already applied migrations
	if err := m.Up(); err != nil {
		t.Errorf("Up() second time failed: %v", err)
	}
}

// TestUp_modifiedMigration verifies checksum drift is rejected.
func TestUp_modifiedMigration(t *testing.T) {
	db := openRaw(t)
	fsys := testMigrations()
	m := NewMigrator(db, fsys)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	fsys["V1__create_items.up.sql"] = &fstest.MapFile{Data: []byte(`CREATE TABLE items (id INTEGER PRIMARY KEY);`)}

	err := m.Up()
	if !apperrors.Is(err, apperrors.ErrMigration) {
		t.Errorf("Up() error = %v, want MIGRATION_FAILED", err)
	}
}

// TestUp_badSQL verifies a failing migration is not recorded.
func TestUp_badSQL(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte(`CREATE TABLE (`)},
	})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); !apperrors.Is(err, apperrors.ErrMigration) {
		t.Errorf("Up() error = %v, want MIGRATION_FAILED", err)
	}
	if version, _ := m.CurrentVersion(); version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestDown verifies the latest migration is rolled back.
func TestDown(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, testMigrations())
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Down(); err == nil || !strings.Contains(err.Error(), "no migrations to rollback") {
		t.Errorf("Down() on empty schema = %v", err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if tableExists(t, db, "notes") {
		t.Error("notes should be dropped")
	}
	if !tableExists(t, db, "items") {
		t.Error("items should remain")
	}
	if version, _ := m.CurrentVersion(); version != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", version)
	}
}

// TestMigrations_embedded verifies the shipped schema applies and reverts.
func TestMigrations_embedded(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, Migrations)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	for _, table := range []string{
		"workers", "employers", "contracts", "work_sessions", "payments",
		"logs", "kv", "forms", "sync_intents", "cache_generations", "cache_entries",
	} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s missing", table)
		}
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if tableExists(t, db, "workers") {
		t.Error("workers should be dropped by Down()")
	}
}
