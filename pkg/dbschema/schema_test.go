package dbschema

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestValidator_ValidateTables_EmptyDatabaseFails(t *testing.T) {
	db := openTestDB(t)
	validator := NewValidator(db)

	if err := validator.ValidateTables(RequiredSessionTables); err == nil {
		t.Error("ValidateTables should fail against an empty database")
	}
}

func TestValidator_ValidateTables_PassesAfterMigrations(t *testing.T) {
	db := openTestDB(t)

	if err := ApplySessionStoreSchema(db); err != nil {
		t.Fatalf("failed to apply session store schema: %v", err)
	}
	if err := ApplyEventLogSchema(db); err != nil {
		t.Fatalf("failed to apply event log schema: %v", err)
	}

	validator := NewValidator(db)
	if err := validator.ValidateTables(RequiredSessionTables); err != nil {
		t.Errorf("ValidateTables(RequiredSessionTables) should pass: %v", err)
	}
	if err := validator.ValidateTables(RequiredEventTables); err != nil {
		t.Errorf("ValidateTables(RequiredEventTables) should pass: %v", err)
	}
}

func TestValidator_ValidateTables_MissingTableReportsName(t *testing.T) {
	db := openTestDB(t)

	if err := ApplySessionStoreSchema(db); err != nil {
		t.Fatalf("failed to apply session store schema: %v", err)
	}

	validator := NewValidator(db)
	err := validator.ValidateTables(RequiredEventTables)
	if err == nil {
		t.Fatal("expected ValidateTables to report the missing events table")
	}
}

func TestApplySessionStoreSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := ApplySessionStoreSchema(db); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	if err := ApplySessionStoreSchema(db); err != nil {
		t.Fatalf("second apply should be a no-op, got: %v", err)
	}
}
