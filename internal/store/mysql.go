package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/trafficctl/shiftd/internal/eventsink"
	"github.com/trafficctl/shiftd/pkg/dbschema"
	"github.com/trafficctl/shiftd/pkg/protocol"
)

// MySQLStore is the alternate C6 backend for deployments that outgrow a
// single SQLite file: direct *sql.DB access since MySQL's InnoDB handles
// concurrent writers itself, unlike SQLite, so no writer goroutine is
// needed, plus ON DUPLICATE KEY UPDATE upserts and a schema created eagerly
// on construction.
type MySQLStore struct {
	db  *sql.DB
	log *slog.Logger
}

// NewMySQLFromDSN opens a MySQL session store. dsn is in the
// go-sql-driver/mysql "user:password@tcp(host:port)/dbname" form.
func NewMySQLFromDSN(dsn string, log *slog.Logger) (*MySQLStore, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	db, err := sql.Open("mysql", dsn+"?parseTime=true")
	if err != nil {
		return nil, fmt.Errorf("store: mysql: failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: mysql: failed to connect: %w", err)
	}

	if err := createMySQLSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	validator := dbschema.NewValidator(db)
	if err := validator.ValidateTables(dbschema.RequiredSessionTables); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: mysql: session store schema incomplete: %w", err)
	}
	if err := validator.ValidateTables(dbschema.RequiredEventTables); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: mysql: event log schema incomplete: %w", err)
	}

	return &MySQLStore{db: db, log: log}, nil
}

func createMySQLSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_hash       VARCHAR(64) PRIMARY KEY,
		ip_address         VARCHAR(45) NOT NULL DEFAULT '',
		country             VARCHAR(100) NOT NULL DEFAULT '',
		city                VARCHAR(100) NOT NULL DEFAULT '',
		latitude            DOUBLE NOT NULL DEFAULT 0,
		longitude           DOUBLE NOT NULL DEFAULT 0,
		isp                 VARCHAR(255) NOT NULL DEFAULT '',
		user_agent          TEXT,
		browser             VARCHAR(100) NOT NULL DEFAULT '',
		os                  VARCHAR(100) NOT NULL DEFAULT '',
		device_category     VARCHAR(20) NOT NULL DEFAULT '',
		screen_width        INT NOT NULL DEFAULT 0,
		screen_height       INT NOT NULL DEFAULT 0,
		timezone            VARCHAR(64) NOT NULL DEFAULT '',
		network_type        VARCHAR(32) NOT NULL DEFAULT '',
		battery_level       INT NULL,
		mode                VARCHAR(16) NOT NULL DEFAULT 'normal',
		current_latency_ms  INT NOT NULL DEFAULT 0,
		total_events        BIGINT NOT NULL DEFAULT 0,
		risk_score          INT NOT NULL DEFAULT 0,
		is_bot              TINYINT(1) NOT NULL DEFAULT 0,
		violation_count     INT NOT NULL DEFAULT 0,
		connected           TINYINT(1) NOT NULL DEFAULT 0,
		first_seen          DATETIME NOT NULL,
		last_seen           DATETIME NOT NULL,
		last_violation_at   DATETIME NULL,
		INDEX idx_sessions_last_seen (last_seen),
		INDEX idx_sessions_risk_score (risk_score)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

	CREATE TABLE IF NOT EXISTS commands (
		id              VARCHAR(64) PRIMARY KEY,
		session_hash    VARCHAR(64) NOT NULL,
		type            VARCHAR(32) NOT NULL,
		payload         TEXT,
		admin_id        VARCHAR(100) NOT NULL DEFAULT '',
		admin_ip        VARCHAR(45) NOT NULL DEFAULT '',
		status          VARCHAR(16) NOT NULL DEFAULT 'pending',
		error_message   TEXT,
		created_at      DATETIME NOT NULL,
		acknowledged_at DATETIME NULL,
		INDEX idx_commands_session_time (session_hash, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

	CREATE TABLE IF NOT EXISTS dashboard_stats (
		id               INT PRIMARY KEY,
		total_sessions   BIGINT NOT NULL DEFAULT 0,
		active_sessions  BIGINT NOT NULL DEFAULT 0,
		high_risk_count  BIGINT NOT NULL DEFAULT 0,
		refreshed_at     DATETIME NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;

	CREATE TABLE IF NOT EXISTS events (
		id             BIGINT AUTO_INCREMENT PRIMARY KEY,
		session_hash   VARCHAR(64) NOT NULL,
		event_type     VARCHAR(64) NOT NULL DEFAULT '',
		ip_address_u32 BIGINT UNSIGNED NOT NULL DEFAULT 0,
		has_ip         TINYINT(1) NOT NULL DEFAULT 0,
		timestamp_unix BIGINT NOT NULL,
		payload        MEDIUMTEXT,
		INDEX idx_events_session_time (session_hash, timestamp_unix)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("store: mysql: failed to create schema: %w", err)
	}
	return nil
}

func (s *MySQLStore) Close() error { return s.db.Close() }

func (s *MySQLStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: mysql: ping failed: %w", err)
	}
	return nil
}

func (s *MySQLStore) UpsertSession(ctx context.Context, state protocol.SessionState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_hash, ip_address, country, city, latitude, longitude, isp,
			user_agent, browser, os, device_category, screen_width, screen_height,
			timezone, network_type, battery_level, mode, current_latency_ms,
			total_events, risk_score, is_bot, violation_count, connected,
			first_seen, last_seen, last_violation_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON DUPLICATE KEY UPDATE
			ip_address=VALUES(ip_address), country=VALUES(country), city=VALUES(city),
			latitude=VALUES(latitude), longitude=VALUES(longitude), isp=VALUES(isp),
			user_agent=VALUES(user_agent), browser=VALUES(browser), os=VALUES(os),
			device_category=VALUES(device_category), screen_width=VALUES(screen_width),
			screen_height=VALUES(screen_height), timezone=VALUES(timezone),
			network_type=VALUES(network_type), battery_level=VALUES(battery_level),
			connected=VALUES(connected), last_seen=VALUES(last_seen)
	`,
		state.SessionHash, state.IPAddress, state.Geo.Country, state.Geo.City,
		state.Geo.Latitude, state.Geo.Longitude, state.Geo.ISP,
		state.Device.UserAgent, state.Device.Browser, state.Device.OS, state.Device.DeviceCategory,
		state.Device.ScreenWidth, state.Device.ScreenHeight, state.Device.Timezone, state.Device.NetworkType,
		state.Device.BatteryLevel, string(state.Mode), state.CurrentLatencyMs,
		state.TotalEvents, state.RiskScore, boolToInt(state.IsBot), state.ViolationCount,
		boolToInt(state.Connected), state.FirstSeen, state.LastSeen, state.LastViolationAt,
	)
	if err != nil {
		return fmt.Errorf("store: mysql: failed to upsert session: %w", err)
	}
	return nil
}

func (s *MySQLStore) SetConnected(ctx context.Context, sessionHash string, connected bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET connected = ?, last_seen = ? WHERE session_hash = ?`,
		boolToInt(connected), time.Now(), sessionHash)
	return err
}

func (s *MySQLStore) IncrementEventCount(ctx context.Context, sessionHash string, delta int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET total_events = total_events + ?, last_seen = ? WHERE session_hash = ?`,
		delta, time.Now(), sessionHash)
	return err
}

func (s *MySQLStore) SetMode(ctx context.Context, sessionHash string, mode protocol.Mode, latencyMs int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET mode = ?, current_latency_ms = ? WHERE session_hash = ?`,
		string(mode), latencyMs, sessionHash)
	return err
}

func (s *MySQLStore) SetRisk(ctx context.Context, sessionHash string, score int, isBot bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET risk_score = ?, is_bot = ? WHERE session_hash = ?`,
		score, boolToInt(isBot), sessionHash)
	return err
}

func (s *MySQLStore) IncrementViolations(ctx context.Context, sessionHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET violation_count = violation_count + 1, last_violation_at = ? WHERE session_hash = ?`,
		time.Now(), sessionHash)
	return err
}

func (s *MySQLStore) LogCommand(ctx context.Context, audit protocol.CommandAudit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, session_hash, type, payload, admin_id, admin_ip, status, error_message, created_at, acknowledged_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`,
		audit.Command.ID, audit.SessionHash, string(audit.Command.Type), string(audit.Command.Payload),
		audit.AdminID, audit.AdminIP, string(audit.Status), audit.ErrorMessage,
		audit.Command.CreatedAt, audit.AcknowledgedAt,
	)
	return err
}

func (s *MySQLStore) UpdateCommandStatus(ctx context.Context, commandID string, status protocol.CommandStatus, errMsg string) error {
	var ackedAt interface{}
	if status == protocol.CommandAcknowledged {
		ackedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `UPDATE commands SET status = ?, error_message = ?, acknowledged_at = ? WHERE id = ?`,
		string(status), errMsg, ackedAt, commandID)
	return err
}

func (s *MySQLStore) GetActiveSessions(ctx context.Context, minutesAgo int) ([]protocol.SessionState, error) {
	cutoff := time.Now().Add(-time.Duration(minutesAgo) * time.Minute)
	rows, err := s.db.QueryContext(ctx, sessionSelectColumns+` FROM sessions WHERE last_seen >= ? ORDER BY last_seen DESC`, cutoff)
	if err != nil {
		s.log.Warn("mysql: GetActiveSessions query failed, degrading to empty", "error", err)
		return []protocol.SessionState{}, nil
	}
	defer func() { _ = rows.Close() }()

	out := []protocol.SessionState{}
	for rows.Next() {
		state, err := scanSession(rows)
		if err != nil {
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

func (s *MySQLStore) GetHighRiskSessions(ctx context.Context) ([]protocol.SessionState, error) {
	rows, err := s.db.QueryContext(ctx, sessionSelectColumns+` FROM sessions WHERE risk_score > 80 OR is_bot = 1 ORDER BY risk_score DESC`)
	if err != nil {
		s.log.Warn("mysql: GetHighRiskSessions query failed, degrading to empty", "error", err)
		return []protocol.SessionState{}, nil
	}
	defer func() { _ = rows.Close() }()

	out := []protocol.SessionState{}
	for rows.Next() {
		state, err := scanSession(rows)
		if err != nil {
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

func (s *MySQLStore) GetSession(ctx context.Context, sessionHash string) (*protocol.SessionState, []TimelineEntry, []protocol.CommandAudit, error) {
	row := s.db.QueryRowContext(ctx, sessionSelectColumns+` FROM sessions WHERE session_hash = ?`, sessionHash)
	state, err := scanSession(row)
	if err != nil {
		return nil, nil, nil, err
	}

	timeline, err := s.getTimeline(ctx, sessionHash, 50)
	if err != nil {
		timeline = []TimelineEntry{}
	}
	history, err := s.GetCommandHistory(ctx, sessionHash, 50)
	if err != nil {
		history = []protocol.CommandAudit{}
	}
	return &state, timeline, history, nil
}

func (s *MySQLStore) getTimeline(ctx context.Context, sessionHash string, limit int) ([]TimelineEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, timestamp_unix, payload FROM events
		WHERE session_hash = ? ORDER BY timestamp_unix DESC LIMIT ?
	`, sessionHash, limit)
	if err != nil {
		return []TimelineEntry{}, nil
	}
	defer func() { _ = rows.Close() }()

	out := []TimelineEntry{}
	for rows.Next() {
		var e TimelineEntry
		var ts int64
		if err := rows.Scan(&e.EventType, &ts, &e.Payload); err != nil {
			continue
		}
		e.Timestamp = time.Unix(ts, 0)
		out = append(out, e)
	}
	return out, nil
}

func (s *MySQLStore) GetCommandHistory(ctx context.Context, sessionHash string, limit int) ([]protocol.CommandAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_hash, type, payload, admin_id, admin_ip, status, error_message, created_at, acknowledged_at
		FROM commands WHERE session_hash = ? ORDER BY created_at DESC LIMIT ?
	`, sessionHash, limit)
	if err != nil {
		s.log.Warn("mysql: GetCommandHistory query failed, degrading to empty", "error", err)
		return []protocol.CommandAudit{}, nil
	}
	defer func() { _ = rows.Close() }()

	out := []protocol.CommandAudit{}
	for rows.Next() {
		var a protocol.CommandAudit
		var payload string
		var ackedAt sql.NullTime
		if err := rows.Scan(&a.Command.ID, &a.SessionHash, &a.Command.Type, &payload,
			&a.AdminID, &a.AdminIP, &a.Status, &a.ErrorMessage, &a.Command.CreatedAt, &ackedAt); err != nil {
			continue
		}
		a.Command.Payload = json.RawMessage(payload)
		if ackedAt.Valid {
			t := ackedAt.Time
			a.AcknowledgedAt = &t
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *MySQLStore) GetDashboardStats(ctx context.Context) (DashboardStats, error) {
	var stats DashboardStats
	row := s.db.QueryRowContext(ctx, `SELECT total_sessions, active_sessions, high_risk_count, refreshed_at FROM dashboard_stats WHERE id = 1`)
	if err := row.Scan(&stats.TotalSessions, &stats.ActiveSessions, &stats.HighRiskCount, &stats.RefreshedAt); err != nil {
		s.log.Warn("mysql: GetDashboardStats query failed, degrading to zero snapshot", "error", err)
		return DashboardStats{}, nil
	}
	return stats, nil
}

func (s *MySQLStore) RefreshDashboardStats(ctx context.Context) error {
	var total, active, highRisk int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE connected = 1`).Scan(&active); err != nil {
		return err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE risk_score > 80 OR is_bot = 1`).Scan(&highRisk); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dashboard_stats (id, total_sessions, active_sessions, high_risk_count, refreshed_at)
		VALUES (1, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE total_sessions=VALUES(total_sessions), active_sessions=VALUES(active_sessions),
			high_risk_count=VALUES(high_risk_count), refreshed_at=VALUES(refreshed_at)
	`, total, active, highRisk, time.Now())
	return err
}

func (s *MySQLStore) PurgeDisconnectedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE connected = 0 AND last_seen < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// WriteBatch implements eventsink.Writer.
func (s *MySQLStore) WriteBatch(ctx context.Context, rows []eventsink.Normalized) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (session_hash, event_type, ip_address_u32, has_ip, timestamp_unix, payload)
		VALUES (?,?,?,?,?,?)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.SessionHash, r.EventType, r.IPAddressU32, boolToInt(r.HasIP), r.TimestampUnix, string(r.PayloadJSON)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const sessionSelectColumns = `SELECT session_hash, ip_address, country, city, latitude, longitude, isp,
	user_agent, browser, os, device_category, screen_width, screen_height,
	timezone, network_type, battery_level, mode, current_latency_ms,
	total_events, risk_score, is_bot, violation_count, connected,
	first_seen, last_seen, last_violation_at`
