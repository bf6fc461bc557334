package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/trafficctl/shiftd/internal/eventsink"
	"github.com/trafficctl/shiftd/internal/store"
	"github.com/trafficctl/shiftd/pkg/protocol"
)

const adminOpTimeout = 2 * time.Second

func adminIdentity(c *gin.Context) string {
	if id := c.GetHeader("X-Admin-ID"); id != "" {
		return id
	}
	return "admin"
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

// pushCommand is the common tail of every command route: build the
// envelope, hand it to the command bus (best-effort, never blocking), and
// persist an audit row. A persistence failure is logged but does not
// change the HTTP outcome — the command was already handed to the bus.
// The envelope is returned so the caller can include its id in the HTTP
// response for admin/ack correlation.
func (s *Server) pushCommand(c *gin.Context, hash string, typ protocol.CommandType, payload interface{}) (protocol.CommandEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return protocol.CommandEnvelope{}, err
	}
	cmd := protocol.CommandEnvelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   raw,
		CreatedAt: time.Now(),
	}

	busErr := s.bus.Publish(hash, cmd)

	audit := protocol.CommandAudit{
		Command:     cmd,
		SessionHash: hash,
		AdminID:     adminIdentity(c),
		AdminIP:     c.ClientIP(),
		Status:      protocol.CommandSent,
	}
	if busErr != nil {
		audit.Status = protocol.CommandFailed
		audit.ErrorMessage = busErr.Error()
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), adminOpTimeout)
	defer cancel()
	if err := s.st.LogCommand(ctx, audit); err != nil {
		s.log.Warn("failed to persist command audit", "session_hash", hash, "error", err)
	}
	return cmd, busErr
}

// persistMode schedules the durable write alongside the registry's
// in-memory mode change.
func (s *Server) persistMode(hash string, mode protocol.Mode, latencyMs int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), adminOpTimeout)
		defer cancel()
		if err := s.st.SetMode(ctx, hash, mode, latencyMs); err != nil {
			s.log.Warn("setMode failed, continuing with in-memory state", "session_hash", hash, "error", err)
		}
	}()
}

func (s *Server) handleUpspin(c *gin.Context) {
	hash := c.Param("hash")
	if !protocol.IsValidSessionHash(hash) {
		fail(c, http.StatusBadRequest, protocol.ErrInvalidSessionHash)
		return
	}

	state, err := s.reg.Transition(hash, protocol.ModeUpspin, 0)
	if errors.Is(err, protocol.ErrTerminated) {
		c.JSON(http.StatusOK, gin.H{"success": false, "sessionHash": hash, "error": protocol.ErrTerminated.Error(), "mode": state.Mode})
		return
	}
	s.persistMode(hash, protocol.ModeUpspin, 0)

	cmd, busErr := s.pushCommand(c, hash, protocol.CommandSetLatency, gin.H{"latency_ms": 0})
	c.JSON(http.StatusOK, gin.H{"success": busErr == nil, "sessionHash": hash, "mode": state.Mode, "latency_ms": 0, "command": cmd})
}

type latencyRequest struct {
	LatencyMs *int `json:"latency_ms"`
}

func (s *Server) handleDownspin(c *gin.Context) {
	hash := c.Param("hash")
	if !protocol.IsValidSessionHash(hash) {
		fail(c, http.StatusBadRequest, protocol.ErrInvalidSessionHash)
		return
	}

	var req latencyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
	}
	latencyMs := 2000
	if req.LatencyMs != nil {
		latencyMs = *req.LatencyMs
	}
	if latencyMs < 0 {
		fail(c, http.StatusBadRequest, protocol.ErrInvalidLatency)
		return
	}
	latencyMs = eventsink.ClampLatencyMs(latencyMs)

	state, err := s.reg.Transition(hash, protocol.ModeDownspin, latencyMs)
	if errors.Is(err, protocol.ErrTerminated) {
		c.JSON(http.StatusOK, gin.H{"success": false, "sessionHash": hash, "error": protocol.ErrTerminated.Error(), "mode": state.Mode})
		return
	}
	s.persistMode(hash, protocol.ModeDownspin, latencyMs)

	cmd, busErr := s.pushCommand(c, hash, protocol.CommandSetLatency, gin.H{"latency_ms": latencyMs})
	c.JSON(http.StatusOK, gin.H{"success": busErr == nil, "sessionHash": hash, "mode": state.Mode, "latency_ms": latencyMs, "command": cmd})
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTerminate(c *gin.Context) {
	hash := c.Param("hash")
	if !protocol.IsValidSessionHash(hash) {
		fail(c, http.StatusBadRequest, protocol.ErrInvalidSessionHash)
		return
	}

	var req terminateRequest
	if c.Request.ContentLength != 0 {
		_ = c.ShouldBindJSON(&req)
	}

	state, err := s.reg.Transition(hash, protocol.ModeTerminated, 0)
	if errors.Is(err, protocol.ErrTerminated) {
		// Already terminated: idempotent, still reports success since the
		// desired end state is already in effect.
		c.JSON(http.StatusOK, gin.H{"success": true, "sessionHash": hash, "mode": state.Mode})
		return
	}
	s.persistMode(hash, protocol.ModeTerminated, 0)

	cmd, busErr := s.pushCommand(c, hash, protocol.CommandTerminate, gin.H{"reason": req.Reason})
	c.JSON(http.StatusOK, gin.H{"success": busErr == nil, "sessionHash": hash, "mode": state.Mode, "command": cmd})
}

type notifyRequest struct {
	Message  string `json:"message"`
	Type     string `json:"type"`
	Duration int    `json:"duration"`
}

func (s *Server) handleNotify(c *gin.Context) {
	hash := c.Param("hash")
	if !protocol.IsValidSessionHash(hash) {
		fail(c, http.StatusBadRequest, protocol.ErrInvalidSessionHash)
		return
	}

	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if req.Message == "" {
		fail(c, http.StatusBadRequest, protocol.ErrMissingMessage)
		return
	}

	cmd, busErr := s.pushCommand(c, hash, protocol.CommandToastAlert, req)
	c.JSON(http.StatusOK, gin.H{"success": busErr == nil, "sessionHash": hash, "command": cmd})
}

type redirectRequest struct {
	URL    string `json:"url"`
	NewTab bool   `json:"newTab"`
}

func (s *Server) handleRedirect(c *gin.Context) {
	hash := c.Param("hash")
	if !protocol.IsValidSessionHash(hash) {
		fail(c, http.StatusBadRequest, protocol.ErrInvalidSessionHash)
		return
	}

	var req redirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if req.URL == "" {
		fail(c, http.StatusBadRequest, protocol.ErrMissingURL)
		return
	}

	cmd, busErr := s.pushCommand(c, hash, protocol.CommandRedirect, req)
	c.JSON(http.StatusOK, gin.H{"success": busErr == nil, "sessionHash": hash, "command": cmd})
}

type batchActionRequest struct {
	Action        string   `json:"action"`
	SessionHashes []string `json:"sessionHashes"`
	Payload       json.RawMessage `json:"payload"`
}

// handleBatchAction runs the same per-session logic as the single-session
// routes, fanned out over a list, with per-session failures reported
// individually rather than aborting the whole batch.
func (s *Server) handleBatchAction(c *gin.Context) {
	var req batchActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	results := make(map[string]bool, len(req.SessionHashes))
	for _, hash := range req.SessionHashes {
		if !protocol.IsValidSessionHash(hash) {
			results[hash] = false
			continue
		}
		results[hash] = s.applyBatchAction(c, hash, req.Action, req.Payload)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "results": results})
}

func (s *Server) applyBatchAction(c *gin.Context, hash, action string, payload json.RawMessage) bool {
	switch action {
	case "upspin":
		if _, err := s.reg.Transition(hash, protocol.ModeUpspin, 0); err != nil {
			return false
		}
		s.persistMode(hash, protocol.ModeUpspin, 0)
		_, busErr := s.pushCommand(c, hash, protocol.CommandSetLatency, gin.H{"latency_ms": 0})
		return busErr == nil
	case "downspin":
		latencyMs := 2000
		var body latencyRequest
		if len(payload) > 0 && json.Unmarshal(payload, &body) == nil && body.LatencyMs != nil {
			latencyMs = *body.LatencyMs
		}
		latencyMs = eventsink.ClampLatencyMs(latencyMs)
		if _, err := s.reg.Transition(hash, protocol.ModeDownspin, latencyMs); err != nil {
			return false
		}
		s.persistMode(hash, protocol.ModeDownspin, latencyMs)
		_, busErr := s.pushCommand(c, hash, protocol.CommandSetLatency, gin.H{"latency_ms": latencyMs})
		return busErr == nil
	case "terminate":
		_, err := s.reg.Transition(hash, protocol.ModeTerminated, 0)
		if errors.Is(err, protocol.ErrTerminated) {
			// Already terminated: idempotent success, no further command.
			return true
		}
		if err != nil {
			return false
		}
		s.persistMode(hash, protocol.ModeTerminated, 0)
		_, busErr := s.pushCommand(c, hash, protocol.CommandTerminate, gin.H{})
		return busErr == nil
	default:
		return false
	}
}

func (s *Server) handleListSessions(c *gin.Context) {
	minutes := protocol.ClampInt(queryInt(c, "minutes", 60), 1, 1440)
	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)

	sessions := s.reg.Snapshot(func(st protocol.SessionState) bool {
		return st.LastSeen.After(cutoff) || st.Connected
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleGetSession(c *gin.Context) {
	hash := c.Param("hash")
	if !protocol.IsValidSessionHash(hash) {
		fail(c, http.StatusBadRequest, protocol.ErrInvalidSessionHash)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), adminOpTimeout)
	defer cancel()

	state, timeline, commands, err := s.st.GetSession(ctx, hash)
	if err != nil || state == nil {
		if live, ok := s.reg.Get(hash); ok {
			c.JSON(http.StatusOK, gin.H{"success": true, "session": live, "timeline": []store.TimelineEntry{}, "commands": []protocol.CommandAudit{}})
			return
		}
		fail(c, http.StatusNotFound, protocol.ErrSessionNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "session": state, "timeline": timeline, "commands": commands})
}

func (s *Server) handleHighRisk(c *gin.Context) {
	sessions := s.reg.Snapshot(func(st protocol.SessionState) bool {
		return st.IsBot || st.RiskScore >= 80
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleAnalytics(c *gin.Context) {
	hours := protocol.ClampInt(queryInt(c, "hours", 24), 1, 720)
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	all := s.reg.Snapshot(nil)
	geo := make(map[string]int)
	bots := 0
	active := 0
	for _, st := range all {
		if st.LastSeen.Before(cutoff) {
			continue
		}
		if st.Geo.Country != "" {
			geo[st.Geo.Country]++
		}
		if st.IsBot {
			bots++
		}
		if st.Connected {
			active++
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), adminOpTimeout)
	defer cancel()
	dbStats, _ := s.st.GetDashboardStats(ctx)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"summary": gin.H{
			"totalSessions":  len(all),
			"activeSessions": active,
			"windowHours":    hours,
		},
		"geoDistribution": geo,
		"botCandidates":   bots,
		"dbStats":         dbStats,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	reg := s.reg.Stats()
	online := reg["active_connections"]

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"websocket": gin.H{
			"totalConnections":  reg["total_sessions"],
			"activeConnections": reg["active_connections"],
			"rateLimiter":       s.lim.Stats(),
		},
		"online":    online,
		"timestamp": time.Now(),
		"eventSink": gin.H{
			"queueLen": s.sink.QueueLen(),
			"dropped":  s.sink.Dropped(),
		},
		"uptimeSeconds": time.Since(s.startedAt).Seconds(),
	})
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
