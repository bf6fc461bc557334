// Package dbschema owns the session-store and event-log schemas plus a
// validator that checks a freshly-migrated database against them.
package dbschema

import (
	"database/sql"
	"fmt"
)

// SessionStoreSchema is applied to the transactional session store.
const SessionStoreSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_hash       TEXT PRIMARY KEY,
	ip_address         TEXT NOT NULL DEFAULT '',
	country            TEXT NOT NULL DEFAULT '',
	city               TEXT NOT NULL DEFAULT '',
	latitude           REAL NOT NULL DEFAULT 0,
	longitude          REAL NOT NULL DEFAULT 0,
	isp                TEXT NOT NULL DEFAULT '',
	user_agent         TEXT NOT NULL DEFAULT '',
	browser            TEXT NOT NULL DEFAULT '',
	os                 TEXT NOT NULL DEFAULT '',
	device_category    TEXT NOT NULL DEFAULT '',
	screen_width       INTEGER NOT NULL DEFAULT 0,
	screen_height      INTEGER NOT NULL DEFAULT 0,
	timezone           TEXT NOT NULL DEFAULT '',
	network_type       TEXT NOT NULL DEFAULT '',
	battery_level      INTEGER,
	mode               TEXT NOT NULL DEFAULT 'normal',
	current_latency_ms INTEGER NOT NULL DEFAULT 0,
	total_events       INTEGER NOT NULL DEFAULT 0,
	risk_score         INTEGER NOT NULL DEFAULT 0,
	is_bot             INTEGER NOT NULL DEFAULT 0,
	violation_count    INTEGER NOT NULL DEFAULT 0,
	connected          INTEGER NOT NULL DEFAULT 0,
	first_seen         DATETIME NOT NULL,
	last_seen          DATETIME NOT NULL,
	last_violation_at  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen);
CREATE INDEX IF NOT EXISTS idx_sessions_risk_score ON sessions(risk_score);
CREATE INDEX IF NOT EXISTS idx_sessions_connected ON sessions(connected);

CREATE TABLE IF NOT EXISTS commands (
	id              TEXT PRIMARY KEY,
	session_hash    TEXT NOT NULL,
	type            TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	admin_id        TEXT NOT NULL DEFAULT '',
	admin_ip        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'pending',
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	acknowledged_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_commands_session_time ON commands(session_hash, created_at);

CREATE TABLE IF NOT EXISTS dashboard_stats (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	total_sessions    INTEGER NOT NULL DEFAULT 0,
	active_sessions   INTEGER NOT NULL DEFAULT 0,
	high_risk_count   INTEGER NOT NULL DEFAULT 0,
	refreshed_at      DATETIME NOT NULL
);
`

// EventLogSchema is applied to the append-only event-log store.
const EventLogSchema = `
CREATE TABLE IF NOT EXISTS events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_hash   TEXT NOT NULL,
	event_type     TEXT NOT NULL DEFAULT '',
	ip_address_u32 INTEGER NOT NULL DEFAULT 0,
	has_ip         INTEGER NOT NULL DEFAULT 0,
	timestamp_unix INTEGER NOT NULL,
	payload        TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_session_time ON events(session_hash, timestamp_unix);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp_unix);
`

// RequiredSessionTables and RequiredEventTables name what ValidateTables
// checks for.
var (
	RequiredSessionTables = []string{"sessions", "commands", "dashboard_stats"}
	RequiredEventTables   = []string{"events"}
)

// Validator checks that a database matches the tables this package expects,
// guarding against a half-migrated database reaching production traffic.
type Validator struct {
	db *sql.DB
}

func NewValidator(db *sql.DB) *Validator {
	return &Validator{db: db}
}

// tableExists runs a zero-row SELECT against name rather than querying a
// driver-specific catalog table, so the same Validator works against both
// the SQLite and MySQL backends.
func (v *Validator) tableExists(name string) (bool, error) {
	rows, err := v.db.Query(fmt.Sprintf("SELECT 1 FROM %s WHERE 1=0", name))
	if err != nil {
		return false, nil
	}
	defer rows.Close()
	return true, nil
}

// ValidateTables confirms every table in want exists, returning the first
// missing one as an error.
func (v *Validator) ValidateTables(want []string) error {
	for _, table := range want {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("dbschema: failed to check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("dbschema: required table %q does not exist", table)
		}
	}
	return nil
}
