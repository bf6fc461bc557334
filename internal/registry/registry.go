// Package registry implements the in-memory session-and-connection
// registry and its mode state machine: a sessionHash-keyed map of entries,
// each guarded by its own lock, plus a connectionId index, both under one
// registry-wide lock.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/trafficctl/shiftd/pkg/protocol"
)

// Deliverer is the outbound capability a bound connection exposes to the
// registry/command bus. See protocol.Deliverer.
type Deliverer = protocol.Deliverer

// entry is the registry's per-session bookkeeping: durable state plus the
// currently bound connection, if any.
type entry struct {
	mu    sync.Mutex
	state protocol.SessionState
	conn  Deliverer
}

// Registry owns one lock per session.
type Registry struct {
	mu       sync.RWMutex
	byHash   map[string]*entry
	byConnID map[string]string // connectionId -> sessionHash, for unbind-by-connection

	log *slog.Logger
}

func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		byHash:   make(map[string]*entry),
		byConnID: make(map[string]string),
		log:      log,
	}
}

// ErrTerminated is returned by Bind when the session is sticky-terminated.
var ErrTerminated = protocol.ErrTerminated

func (r *Registry) getOrCreateEntry(hash string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byHash[hash]
	if !ok {
		e = &entry{state: protocol.SessionState{
			SessionHash: hash,
			Mode:        protocol.ModeNormal,
			FirstSeen:   time.Now(),
		}}
		r.byHash[hash] = e
	}
	return e
}

// Bind is atomic per-session: it replaces any prior connection bound to
// the same sessionHash on this node, and rejects binding onto a
// terminated session.
func (r *Registry) Bind(connectionID, sessionHash string, ip string, geo protocol.GeoInfo, device protocol.DeviceMetadata, conn Deliverer) (protocol.SessionState, error) {
	e := r.getOrCreateEntry(sessionHash)

	e.mu.Lock()
	if e.state.Mode == protocol.ModeTerminated {
		e.mu.Unlock()
		return protocol.SessionState{}, ErrTerminated
	}

	prev := e.conn
	e.conn = conn
	now := time.Now()
	if e.state.FirstSeen.IsZero() {
		e.state.FirstSeen = now
	}
	e.state.IPAddress = ip
	e.state.Geo = geo
	e.state.Device = device
	e.state.Connected = true
	e.state.LastSeen = now
	state := e.state
	e.mu.Unlock()

	r.mu.Lock()
	r.byConnID[connectionID] = sessionHash
	r.mu.Unlock()

	if prev != nil && prev.ConnectionID() != connectionID {
		r.log.Info("superseding prior connection", "session_hash", sessionHash, "old_connection_id", prev.ConnectionID(), "new_connection_id", connectionID)
		go func() { _ = prev.Close() }()
	}

	return state, nil
}

// Unbind is idempotent: it marks the session disconnected only if this
// connection was the bound one.
func (r *Registry) Unbind(connectionID string) {
	r.mu.Lock()
	hash, ok := r.byConnID[connectionID]
	if ok {
		delete(r.byConnID, connectionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.mu.RLock()
	e, ok := r.byHash[hash]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.conn != nil && e.conn.ConnectionID() == connectionID {
		e.conn = nil
		e.state.Connected = false
	}
	e.mu.Unlock()
}

// Transition changes a session's mode and latency. terminated is sticky:
// once set, further transitions are rejected.
func (r *Registry) Transition(sessionHash string, newMode protocol.Mode, latencyMs int) (protocol.SessionState, error) {
	e := r.getOrCreateEntry(sessionHash)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Mode == protocol.ModeTerminated {
		return e.state, ErrTerminated
	}

	if newMode == protocol.ModeUpspin {
		latencyMs = 0
	}
	e.state.Mode = newMode
	e.state.CurrentLatencyMs = latencyMs
	return e.state, nil
}

// Touch bumps a session's event count and last-seen timestamp.
func (r *Registry) Touch(sessionHash string, eventsDelta int64) protocol.SessionState {
	e := r.getOrCreateEntry(sessionHash)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.TotalEvents += eventsDelta
	e.state.LastSeen = time.Now()
	return e.state
}

// SetRisk updates the risk score and bot flag computed by C1.
func (r *Registry) SetRisk(sessionHash string, score int, isBot bool) {
	e := r.getOrCreateEntry(sessionHash)

	e.mu.Lock()
	e.state.RiskScore = score
	e.state.IsBot = isBot
	e.mu.Unlock()
}

// RecordViolation bumps the violation counter on the session, mirroring
// the limiter's own bookkeeping into the snapshot read by admins.
func (r *Registry) RecordViolation(sessionHash string) {
	e := r.getOrCreateEntry(sessionHash)
	now := time.Now()

	e.mu.Lock()
	e.state.ViolationCount++
	e.state.LastViolationAt = &now
	e.mu.Unlock()
}

// GetConnection returns the connection currently bound to sessionHash, if any.
func (r *Registry) GetConnection(sessionHash string) (Deliverer, bool) {
	r.mu.RLock()
	e, ok := r.byHash[sessionHash]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn, e.conn != nil
}

// Get returns a snapshot of a single session's state.
func (r *Registry) Get(sessionHash string) (protocol.SessionState, bool) {
	r.mu.RLock()
	e, ok := r.byHash[sessionHash]
	r.mu.RUnlock()
	if !ok {
		return protocol.SessionState{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// Filter selects sessions for admin queries.
type Filter func(protocol.SessionState) bool

// Snapshot returns every session matching filter (or all, if nil).
func (r *Registry) Snapshot(filter Filter) []protocol.SessionState {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byHash))
	for _, e := range r.byHash {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]protocol.SessionState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		s := e.state
		e.mu.Unlock()
		if filter == nil || filter(s) {
			out = append(out, s)
		}
	}
	return out
}

// Stats reports registry-wide counters for the admin /admin/stats route.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connected := 0
	for _, e := range r.byHash {
		e.mu.Lock()
		if e.state.Connected {
			connected++
		}
		e.mu.Unlock()
	}
	return map[string]int{
		"total_sessions":  len(r.byHash),
		"active_connections": connected,
	}
}

// Purge drops disconnected entries older than olderThan — used by
// background maintenance for the disconnected-session cleanup.
func (r *Registry) Purge(olderThan time.Duration) int {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for hash, e := range r.byHash {
		e.mu.Lock()
		stale := !e.state.Connected && now.Sub(e.state.LastSeen) > olderThan
		e.mu.Unlock()
		if stale {
			delete(r.byHash, hash)
			removed++
		}
	}
	return removed
}
