package wsconn

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/trafficctl/shiftd/internal/eventsink"
	"github.com/trafficctl/shiftd/internal/limiter"
	"github.com/trafficctl/shiftd/internal/registry"
	"github.com/trafficctl/shiftd/pkg/protocol"
)

// idleTimeout is the "no traffic of any kind" deadline before a
// connection is considered dead.
const idleTimeout = 90 * time.Second

// pingInterval is how often the server emits a JSON {type:"ping"} frame.
const pingInterval = 30 * time.Second

// throttleDebounce bounds how often an auto-throttle SET_LATENCY is issued
// for the same session.
const throttleDebounce = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler owns the upgrade, per-socket state machine, inbound frame
// dispatch, and the admission/auto-throttle/auto-ban glue that ties the
// limiter, registry, command bus, and event sink together.
type Handler struct {
	nodeID string

	reg   *registry.Registry
	lim   *limiter.Limiter
	bus   CommandPublisher
	sink  EventEnqueuer
	store SessionStore
	geo   GeoEnricher
	ua    DeviceClassifier

	log *slog.Logger

	throttleMu sync.Mutex
	throttleAt map[string]time.Time
}

func NewHandler(nodeID string, reg *registry.Registry, lim *limiter.Limiter, bus CommandPublisher, sink EventEnqueuer, store SessionStore, geo GeoEnricher, ua DeviceClassifier, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		nodeID:     nodeID,
		reg:        reg,
		lim:        lim,
		bus:        bus,
		sink:       sink,
		store:      store,
		geo:        geo,
		ua:         ua,
		log:        log,
		throttleAt: make(map[string]time.Time),
	}
}

// HandleWebSocket upgrades the request and spawns the per-connection
// lifecycle goroutine. ACCEPTED state: a connectionId is assigned and the
// "connected" frame is sent immediately.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	connectionID := uuid.NewString()
	peerIP := clientIP(r)
	c := NewConnection(conn, connectionID, peerIP)

	if err := c.WriteJSON(protocol.NewConnectedFrame(connectionID, time.Now().UnixMilli())); err != nil {
		h.log.Warn("failed to send connected frame", "connection_id", connectionID, "error", err)
	}

	go h.pingLoop(c)
	go h.readPump(c)
}

func (h *Handler) pingLoop(c *Connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.WriteJSON(protocol.NewPingFrame(time.Now().UnixMilli())); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// readPump owns the BOUND -> CLOSED half of the per-socket state machine:
// it reads frames in order, dispatches them, and on exit unbinds the
// session and closes the socket.
func (h *Handler) readPump(c *Connection) {
	defer h.onDisconnect(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		c.Touch()
		_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		var frame protocol.InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.log.Warn("dropping unparseable frame", "connection_id", c.ConnectionID(), "error", err)
			continue
		}
		frame.Raw = data

		h.dispatch(c, frame)
	}
}

func (h *Handler) onDisconnect(c *Connection) {
	_ = c.Close()
	h.reg.Unbind(c.ConnectionID())

	hash := c.SessionHash()
	if hash == "" {
		return
	}
	h.bus.UntrackPresence(hash)

	// Best-effort async setConnected(false); disconnect bookkeeping must
	// never block the socket teardown.
	go h.retrySetDisconnected(hash)
}

func (h *Handler) retrySetDisconnected(hash string) {
	backoff := []time.Duration{0, 200 * time.Millisecond, time.Second}
	for _, delay := range backoff {
		if delay > 0 {
			time.Sleep(delay)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := h.store.SetConnected(ctx, hash, false)
		cancel()
		if err == nil {
			return
		}
		h.log.Warn("setConnected(false) failed, retrying", "session_hash", hash, "error", err)
	}
}

func (h *Handler) dispatch(c *Connection, frame protocol.InboundFrame) {
	bound := c.SessionHash()
	effectiveHash := frame.SessionHash
	if effectiveHash == "" {
		effectiveHash = bound
	}

	if bound == "" && frame.Type != protocol.FrameHandshake {
		h.log.Debug("dropping frame on unbound connection", "connection_id", c.ConnectionID(), "type", frame.Type)
		return
	}

	if frame.Type != protocol.FrameHandshake && effectiveHash != "" {
		if state, ok := h.reg.Get(effectiveHash); ok && state.Mode == protocol.ModeTerminated {
			h.log.Debug("dropping frame on terminated session", "connection_id", c.ConnectionID(), "session_hash", effectiveHash, "type", frame.Type)
			return
		}
	}

	admitKey := effectiveHash
	if admitKey == "" {
		admitKey = c.ConnectionID()
	}

	decision := h.lim.Admit(admitKey, 1)
	if !decision.Allowed {
		if decision.Reason == "banned" {
			h.sendBanTermination(c)
			return
		}
		// reason == "rate_limit"
		if effectiveHash != "" {
			h.reg.RecordViolation(effectiveHash)
			h.maybeAutoThrottle(effectiveHash)
		}
		return
	}

	switch frame.Type {
	case protocol.FrameHandshake:
		h.handleHandshake(c, frame)
	case protocol.FrameBatch:
		h.handleBatch(c, effectiveHash, frame)
	case protocol.FrameEvent, protocol.FrameInteraction:
		h.handleSingleEvent(c, effectiveHash, frame)
	case protocol.FrameCommandAck:
		h.handleCommandAck(effectiveHash, frame)
	case protocol.FramePong:
		// liveness already updated by the caller's Touch().
	default:
		h.log.Warn("dropping unrecognized frame type", "connection_id", c.ConnectionID(), "type", frame.Type)
	}
}

func (h *Handler) sendBanTermination(c *Connection) {
	cmd := protocol.CommandEnvelope{
		ID:        uuid.NewString(),
		Type:      protocol.CommandTerminate,
		Payload:   mustJSON(map[string]string{"reason": "Too many requests - temporarily banned"}),
		CreatedAt: time.Now(),
	}
	_ = c.WriteJSON(protocol.NewCommandFrame(cmd))
	_ = c.CloseWithReason("banned")
}

// maybeAutoThrottle issues at most one auto-throttle SET_LATENCY per
// session per throttleDebounce window.
func (h *Handler) maybeAutoThrottle(sessionHash string) {
	cfg := h.lim.Config()
	if !cfg.AutoThrottle {
		return
	}
	stats := h.lim.ViolationStats(sessionHash)
	if !stats.ShouldThrottle {
		return
	}

	now := time.Now()
	h.throttleMu.Lock()
	last, ok := h.throttleAt[sessionHash]
	if ok && now.Sub(last) < throttleDebounce {
		h.throttleMu.Unlock()
		return
	}
	h.throttleAt[sessionHash] = now
	h.throttleMu.Unlock()

	if _, err := h.reg.Transition(sessionHash, protocol.ModeDownspin, cfg.ThrottleLatencyMs); err != nil {
		return
	}
	h.persistMode(sessionHash, protocol.ModeDownspin, cfg.ThrottleLatencyMs)

	cmd := protocol.CommandEnvelope{
		ID:        uuid.NewString(),
		Type:      protocol.CommandSetLatency,
		Payload:   mustJSON(map[string]int{"latency_ms": cfg.ThrottleLatencyMs}),
		CreatedAt: now,
	}
	if err := h.bus.Publish(sessionHash, cmd); err != nil {
		h.log.Warn("failed to publish auto-throttle command", "session_hash", sessionHash, "error", err)
	}
}

// persistMode schedules the durable write alongside the in-memory mode
// change, mirroring handleHandshake's and recomputeRisk's best-effort
// async store calls.
func (h *Handler) persistMode(sessionHash string, mode protocol.Mode, latencyMs int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.store.SetMode(ctx, sessionHash, mode, latencyMs); err != nil {
			h.log.Warn("setMode failed, continuing with in-memory state", "session_hash", sessionHash, "error", err)
		}
	}()
}

func (h *Handler) handleHandshake(c *Connection, frame protocol.InboundFrame) {
	if !protocol.IsValidSessionHash(frame.SessionHash) {
		h.log.Warn("dropping handshake with invalid sessionHash", "connection_id", c.ConnectionID())
		return
	}

	meta := protocol.DeviceMetadata{}
	if frame.Metadata != nil {
		meta = *frame.Metadata
	}

	geo := protocol.GeoInfo{}
	if h.geo != nil {
		geo = h.geo.Lookup(c.PeerIP())
	}
	geo = eventsink.ClampGeo(geo)
	if h.ua != nil && meta.UserAgent != "" {
		meta.Browser, meta.OS, meta.DeviceCategory = h.ua.Classify(meta.UserAgent)
	}
	meta = eventsink.ClampDeviceMetadata(meta)

	state, err := h.reg.Bind(c.ConnectionID(), frame.SessionHash, c.PeerIP(), geo, meta, c)
	if err != nil {
		h.log.Info("rejecting handshake on terminated session", "session_hash", frame.SessionHash)
		_ = c.CloseWithReason("terminated")
		return
	}
	c.SetSessionHash(frame.SessionHash)
	h.bus.TrackPresence(frame.SessionHash, h.nodeID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.store.UpsertSession(ctx, state); err != nil {
			h.log.Warn("upsertSession failed, continuing with in-memory state", "session_hash", frame.SessionHash, "error", err)
		}
	}()
}

func (h *Handler) handleBatch(c *Connection, sessionHash string, frame protocol.InboundFrame) {
	if sessionHash == "" {
		return
	}
	now := time.Now()
	for i := range frame.Events {
		stampEvent(&frame.Events[i], sessionHash, c.PeerIP(), now)
		h.sink.Enqueue(frame.Events[i])
	}
	n := int64(len(frame.Events))
	c.IncrementEventCount(n)
	h.reg.Touch(sessionHash, n)
	h.recomputeRisk(sessionHash)
}

func (h *Handler) handleSingleEvent(c *Connection, sessionHash string, frame protocol.InboundFrame) {
	if sessionHash == "" {
		return
	}
	var evt protocol.Event
	if err := json.Unmarshal(frame.Raw, &evt); err != nil {
		h.log.Warn("dropping unparseable event frame", "session_hash", sessionHash, "error", err)
		return
	}
	stampEvent(&evt, sessionHash, c.PeerIP(), time.Now())
	h.sink.Enqueue(evt)
	c.IncrementEventCount(1)
	h.reg.Touch(sessionHash, 1)
	h.recomputeRisk(sessionHash)
}

func (h *Handler) recomputeRisk(sessionHash string) {
	stats := h.lim.ViolationStats(sessionHash)
	score, isBot := limiter.RiskScore(stats)
	score = eventsink.ClampRiskScore(score)
	h.reg.SetRisk(sessionHash, score, isBot)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.store.SetRisk(ctx, sessionHash, score, isBot); err != nil {
			h.log.Warn("setRisk failed, continuing with in-memory state", "session_hash", sessionHash, "error", err)
		}
	}()
}

func (h *Handler) handleCommandAck(sessionHash string, frame protocol.InboundFrame) {
	if frame.CommandID == "" {
		return
	}
	status := protocol.CommandAcknowledged
	errMsg := ""
	if frame.Result != nil && frame.Result.Error != "" {
		status = protocol.CommandFailed
		errMsg = frame.Result.Error
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.store.UpdateCommandStatus(ctx, frame.CommandID, status, errMsg); err != nil {
			h.log.Warn("updateCommandStatus failed", "command_id", frame.CommandID, "session_hash", sessionHash, "error", err)
		}
	}()
}

func stampEvent(evt *protocol.Event, sessionHash, ip string, now time.Time) {
	if evt.SessionHash == "" {
		evt.SessionHash = sessionHash
	}
	if evt.IPAddress == "" {
		evt.IPAddress = ip
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = now
	}
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host := r.RemoteAddr
	if i := lastColon(host); i >= 0 {
		return host[:i]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
