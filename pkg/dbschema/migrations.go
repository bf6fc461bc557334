package dbschema

import (
	"database/sql"
	"fmt"
)

// Migration is a single schema change applied and recorded at most once.
// There is no file-based migrations directory to load from here — the two
// schemas below are applied directly as migration "001" so that
// schema_migrations still records what ran.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// ApplySessionStoreSchema and ApplyEventLogSchema run their respective
// schema once, tracked through a schema_migrations table so repeated
// startups are idempotent.
func ApplySessionStoreSchema(db *sql.DB) error {
	return applyOnce(db, Migration{
		Version:     "001_session_store",
		Description: "sessions, commands, dashboard_stats tables",
		SQL:         SessionStoreSchema,
	})
}

func ApplyEventLogSchema(db *sql.DB) error {
	return applyOnce(db, Migration{
		Version:     "001_event_log",
		Description: "events table",
		SQL:         EventLogSchema,
	})
}

func applyOnce(db *sql.DB, m Migration) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("dbschema: failed to create migration table: %w", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version).Scan(&count); err != nil {
		return fmt.Errorf("dbschema: failed to check migration state: %w", err)
	}
	if count > 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("dbschema: failed to begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("dbschema: failed to apply migration %s: %w", m.Version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
		return fmt.Errorf("dbschema: failed to record migration %s: %w", m.Version, err)
	}
	return tx.Commit()
}
