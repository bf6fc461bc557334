package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/trafficctl/shiftd/internal/eventsink"
	"github.com/trafficctl/shiftd/pkg/dbschema"
	"github.com/trafficctl/shiftd/pkg/protocol"
)

// SQLiteConfig holds the tunables for the SQLite-backed store.
type SQLiteConfig struct {
	Path            string
	MaxConnections  int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:            "./data/shiftd.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// writeOperation is queued onto the single writer goroutine that owns
// every write to the database.
type writeOperation struct {
	run    func(*sql.DB) error
	result chan error
}

// SQLiteStore is the default C6 backend. One goroutine owns every write to
// keep SQLite's single-writer constraint from producing SQLITE_BUSY under
// concurrent connection handlers; reads run directly against the pool,
// which WAL mode allows concurrently with the writer.
type SQLiteStore struct {
	db       *sql.DB
	log      *slog.Logger
	writeCh  chan writeOperation
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewSQLiteStore(cfg SQLiteConfig, log *slog.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: failed to apply sqlite pragmas: %w", err)
	}

	if err := dbschema.ApplySessionStoreSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: failed to apply session store schema: %w", err)
	}
	if err := dbschema.ApplyEventLogSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: failed to apply event log schema: %w", err)
	}

	validator := dbschema.NewValidator(db)
	if err := validator.ValidateTables(dbschema.RequiredSessionTables); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: session store schema incomplete: %w", err)
	}
	if err := validator.ValidateTables(dbschema.RequiredEventTables); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: event log schema incomplete: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		log:      log,
		writeCh:  make(chan writeOperation, 100),
		shutdown: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writeCh:
			err := op.run(s.db)
			if err != nil {
				s.log.Warn("store write failed, retrying once", "error", err)
				time.Sleep(5 * time.Second)
				err = op.run(s.db)
				if err != nil {
					s.log.Error("store write failed after retry", "error", err)
				}
			}
			op.result <- err
		case <-s.shutdown:
			return
		}
	}
}

func (s *SQLiteStore) executeWrite(run func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("store: closed")
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writeCh <- writeOperation{run: run, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return fmt.Errorf("store: write operation timeout")
	case <-s.shutdown:
		return fmt.Errorf("store: shutting down")
	}
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
	return s.db.Close()
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping failed: %w", err)
	}
	return nil
}

// UpsertSession writes (or updates) a session row at handshake time.
func (s *SQLiteStore) UpsertSession(ctx context.Context, state protocol.SessionState) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sessions (
				session_hash, ip_address, country, city, latitude, longitude, isp,
				user_agent, browser, os, device_category, screen_width, screen_height,
				timezone, network_type, battery_level, mode, current_latency_ms,
				total_events, risk_score, is_bot, violation_count, connected,
				first_seen, last_seen, last_violation_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(session_hash) DO UPDATE SET
				ip_address=excluded.ip_address, country=excluded.country, city=excluded.city,
				latitude=excluded.latitude, longitude=excluded.longitude, isp=excluded.isp,
				user_agent=excluded.user_agent, browser=excluded.browser, os=excluded.os,
				device_category=excluded.device_category, screen_width=excluded.screen_width,
				screen_height=excluded.screen_height, timezone=excluded.timezone,
				network_type=excluded.network_type, battery_level=excluded.battery_level,
				connected=excluded.connected, last_seen=excluded.last_seen
		`,
			state.SessionHash, state.IPAddress, state.Geo.Country, state.Geo.City,
			state.Geo.Latitude, state.Geo.Longitude, state.Geo.ISP,
			state.Device.UserAgent, state.Device.Browser, state.Device.OS, state.Device.DeviceCategory,
			state.Device.ScreenWidth, state.Device.ScreenHeight, state.Device.Timezone, state.Device.NetworkType,
			state.Device.BatteryLevel, string(state.Mode), state.CurrentLatencyMs,
			state.TotalEvents, state.RiskScore, boolToInt(state.IsBot), state.ViolationCount,
			boolToInt(state.Connected), state.FirstSeen, state.LastSeen, state.LastViolationAt,
		)
		return err
	})
}

func (s *SQLiteStore) SetConnected(ctx context.Context, sessionHash string, connected bool) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE sessions SET connected = ?, last_seen = ? WHERE session_hash = ?`,
			boolToInt(connected), time.Now(), sessionHash)
		return err
	})
}

func (s *SQLiteStore) IncrementEventCount(ctx context.Context, sessionHash string, delta int64) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE sessions SET total_events = total_events + ?, last_seen = ? WHERE session_hash = ?`,
			delta, time.Now(), sessionHash)
		return err
	})
}

func (s *SQLiteStore) SetMode(ctx context.Context, sessionHash string, mode protocol.Mode, latencyMs int) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE sessions SET mode = ?, current_latency_ms = ? WHERE session_hash = ?`,
			string(mode), latencyMs, sessionHash)
		return err
	})
}

func (s *SQLiteStore) SetRisk(ctx context.Context, sessionHash string, score int, isBot bool) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE sessions SET risk_score = ?, is_bot = ? WHERE session_hash = ?`,
			score, boolToInt(isBot), sessionHash)
		return err
	})
}

func (s *SQLiteStore) IncrementViolations(ctx context.Context, sessionHash string) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `UPDATE sessions SET violation_count = violation_count + 1, last_violation_at = ? WHERE session_hash = ?`,
			time.Now(), sessionHash)
		return err
	})
}

func (s *SQLiteStore) LogCommand(ctx context.Context, audit protocol.CommandAudit) error {
	return s.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO commands (id, session_hash, type, payload, admin_id, admin_ip, status, error_message, created_at, acknowledged_at)
			VALUES (?,?,?,?,?,?,?,?,?,?)
		`,
			audit.Command.ID, audit.SessionHash, string(audit.Command.Type), string(audit.Command.Payload),
			audit.AdminID, audit.AdminIP, string(audit.Status), audit.ErrorMessage,
			audit.Command.CreatedAt, audit.AcknowledgedAt,
		)
		return err
	})
}

func (s *SQLiteStore) UpdateCommandStatus(ctx context.Context, commandID string, status protocol.CommandStatus, errMsg string) error {
	return s.executeWrite(func(db *sql.DB) error {
		var ackedAt interface{}
		if status == protocol.CommandAcknowledged {
			ackedAt = time.Now()
		}
		_, err := db.ExecContext(ctx, `UPDATE commands SET status = ?, error_message = ?, acknowledged_at = ? WHERE id = ?`,
			string(status), errMsg, ackedAt, commandID)
		return err
	})
}

func (s *SQLiteStore) GetActiveSessions(ctx context.Context, minutesAgo int) ([]protocol.SessionState, error) {
	cutoff := time.Now().Add(-time.Duration(minutesAgo) * time.Minute)
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_hash, ip_address, country, city, latitude, longitude, isp,
			user_agent, browser, os, device_category, screen_width, screen_height,
			timezone, network_type, battery_level, mode, current_latency_ms,
			total_events, risk_score, is_bot, violation_count, connected,
			first_seen, last_seen, last_violation_at
		FROM sessions WHERE last_seen >= ? ORDER BY last_seen DESC
	`, cutoff)
	if err != nil {
		s.log.Warn("GetActiveSessions query failed, degrading to empty", "error", err)
		return []protocol.SessionState{}, nil
	}
	defer func() { _ = rows.Close() }()

	out := []protocol.SessionState{}
	for rows.Next() {
		state, err := scanSession(rows)
		if err != nil {
			s.log.Warn("GetActiveSessions scan failed, skipping row", "error", err)
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

func (s *SQLiteStore) GetHighRiskSessions(ctx context.Context) ([]protocol.SessionState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_hash, ip_address, country, city, latitude, longitude, isp,
			user_agent, browser, os, device_category, screen_width, screen_height,
			timezone, network_type, battery_level, mode, current_latency_ms,
			total_events, risk_score, is_bot, violation_count, connected,
			first_seen, last_seen, last_violation_at
		FROM sessions WHERE risk_score > 80 OR is_bot = 1 ORDER BY risk_score DESC
	`)
	if err != nil {
		s.log.Warn("GetHighRiskSessions query failed, degrading to empty", "error", err)
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

func (s *SQLiteStore) GetSession(ctx context.Context, sessionHash string) (*protocol.SessionState, []TimelineEntry, []protocol.CommandAudit, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_hash, ip_address, country, city, latitude, longitude, isp,
			user_agent, browser, os, device_category, screen_width, screen_height,
			timezone, network_type, battery_level, mode, current_latency_ms,
			total_events, risk_score, is_bot, violation_count, connected,
			first_seen, last_seen, last_violation_at
		FROM sessions WHERE session_hash = ?
	`, sessionHash)

	state, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil, err
		}
		s.log.Warn("GetSession failed, degrading", "error", err)
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

func (s *SQLiteStore) getTimeline(ctx context.Context, sessionHash string, limit int) ([]TimelineEntry, error) {
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

func (s *SQLiteStore) GetCommandHistory(ctx context.Context, sessionHash string, limit int) ([]protocol.CommandAudit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_hash, type, payload, admin_id, admin_ip, status, error_message, created_at, acknowledged_at
		FROM commands WHERE session_hash = ? ORDER BY created_at DESC LIMIT ?
	`, sessionHash, limit)
	if err != nil {
		s.log.Warn("GetCommandHistory query failed, degrading to empty", "error", err)
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

func (s *SQLiteStore) GetDashboardStats(ctx context.Context) (DashboardStats, error) {
	var stats DashboardStats
	row := s.db.QueryRowContext(ctx, `SELECT total_sessions, active_sessions, high_risk_count, refreshed_at FROM dashboard_stats WHERE id = 1`)
	if err := row.Scan(&stats.TotalSessions, &stats.ActiveSessions, &stats.HighRiskCount, &stats.RefreshedAt); err != nil {
		s.log.Warn("GetDashboardStats query failed, degrading to zero snapshot", "error", err)
		return DashboardStats{}, nil
	}
	return stats, nil
}

// RefreshDashboardStats implements C9 task (a).
func (s *SQLiteStore) RefreshDashboardStats(ctx context.Context) error {
	return s.executeWrite(func(db *sql.DB) error {
		var total, active, highRisk int64
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
			return err
		}
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE connected = 1`).Scan(&active); err != nil {
			return err
		}
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE risk_score > 80 OR is_bot = 1`).Scan(&highRisk); err != nil {
			return err
		}
		_, err := db.ExecContext(ctx, `
			INSERT INTO dashboard_stats (id, total_sessions, active_sessions, high_risk_count, refreshed_at)
			VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				total_sessions=excluded.total_sessions, active_sessions=excluded.active_sessions,
				high_risk_count=excluded.high_risk_count, refreshed_at=excluded.refreshed_at
		`, total, active, highRisk, time.Now())
		return err
	})
}

// PurgeDisconnectedOlderThan implements C9 task (b).
func (s *SQLiteStore) PurgeDisconnectedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var affected int64
	err := s.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE connected = 0 AND last_seen < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// WriteBatch implements eventsink.Writer against the shared database file.
func (s *SQLiteStore) WriteBatch(ctx context.Context, rows []eventsink.Normalized) error {
	if len(rows) == 0 {
		return nil
	}
	return s.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
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
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (protocol.SessionState, error) {
	var s protocol.SessionState
	var mode string
	var isBot, connected int
	var batteryLevel sql.NullInt64
	var lastViolationAt sql.NullTime

	err := row.Scan(
		&s.SessionHash, &s.IPAddress, &s.Geo.Country, &s.Geo.City, &s.Geo.Latitude, &s.Geo.Longitude, &s.Geo.ISP,
		&s.Device.UserAgent, &s.Device.Browser, &s.Device.OS, &s.Device.DeviceCategory,
		&s.Device.ScreenWidth, &s.Device.ScreenHeight, &s.Device.Timezone, &s.Device.NetworkType,
		&batteryLevel, &mode, &s.CurrentLatencyMs, &s.TotalEvents, &s.RiskScore, &isBot, &s.ViolationCount,
		&connected, &s.FirstSeen, &s.LastSeen, &lastViolationAt,
	)
	if err != nil {
		return protocol.SessionState{}, err
	}

	s.Mode = protocol.Mode(mode)
	s.IsBot = isBot != 0
	s.Connected = connected != 0
	if batteryLevel.Valid {
		lvl := int(batteryLevel.Int64)
		s.Device.BatteryLevel = &lvl
	}
	if lastViolationAt.Valid {
		t := lastViolationAt.Time
		s.LastViolationAt = &t
	}
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
