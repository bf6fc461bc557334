// Package store implements the durable session-store adapter behind two
// interchangeable backends, SQLite (default) and MySQL (alternate),
// selected by config. It satisfies wsconn.SessionStore and eventsink.Writer
// directly so the connection handler and the event sink never know which
// backend is live.
package store

import (
	"context"
	"time"

	"github.com/trafficctl/shiftd/internal/eventsink"
	"github.com/trafficctl/shiftd/pkg/protocol"
)

// TimelineEntry is one row of a session's recent event history, as
// returned by GET /admin/sessions/{hash}.
type TimelineEntry struct {
	EventType string
	Timestamp time.Time
	Payload   string
}

// DashboardStats is the materialized snapshot C9 refreshes every 60s and
// GET /admin/analytics reads.
type DashboardStats struct {
	TotalSessions  int64
	ActiveSessions int64
	HighRiskCount  int64
	RefreshedAt    time.Time
}

// SessionStore is the durable store's full contract: the write operations
// the connection handler and admin API drive, plus the read views the
// admin dashboard queries. It embeds eventsink.Writer so a single backend
// can serve both the session-store and event-log roles when, as with the
// default SQLite deployment, they share one database file.
type SessionStore interface {
	eventsink.Writer

	UpsertSession(ctx context.Context, state protocol.SessionState) error
	SetConnected(ctx context.Context, sessionHash string, connected bool) error
	IncrementEventCount(ctx context.Context, sessionHash string, delta int64) error
	SetMode(ctx context.Context, sessionHash string, mode protocol.Mode, latencyMs int) error
	SetRisk(ctx context.Context, sessionHash string, score int, isBot bool) error
	IncrementViolations(ctx context.Context, sessionHash string) error
	LogCommand(ctx context.Context, audit protocol.CommandAudit) error
	UpdateCommandStatus(ctx context.Context, commandID string, status protocol.CommandStatus, errMsg string) error

	// GetActiveSessions returns sessions seen within the last minutesAgo
	// minutes. Degrades to an empty slice on timeout or error.
	GetActiveSessions(ctx context.Context, minutesAgo int) ([]protocol.SessionState, error)
	GetSession(ctx context.Context, sessionHash string) (*protocol.SessionState, []TimelineEntry, []protocol.CommandAudit, error)
	GetHighRiskSessions(ctx context.Context) ([]protocol.SessionState, error)
	GetCommandHistory(ctx context.Context, sessionHash string, limit int) ([]protocol.CommandAudit, error)
	GetDashboardStats(ctx context.Context) (DashboardStats, error)
	RefreshDashboardStats(ctx context.Context) error

	// PurgeDisconnectedOlderThan implements C9 task (b): delete
	// disconnected sessions whose last_seen predates the cutoff.
	PurgeDisconnectedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
