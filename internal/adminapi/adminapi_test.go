package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/trafficctl/shiftd/internal/eventsink"
	"github.com/trafficctl/shiftd/internal/registry"
	"github.com/trafficctl/shiftd/internal/store"
	"github.com/trafficctl/shiftd/pkg/protocol"
)

// fakeRegistry is the minimal Registry stand-in the route handlers drive.
type fakeRegistry struct {
	sessions map[string]protocol.SessionState
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{sessions: make(map[string]protocol.SessionState)}
}

func (f *fakeRegistry) Get(hash string) (protocol.SessionState, bool) {
	s, ok := f.sessions[hash]
	return s, ok
}

func (f *fakeRegistry) Transition(hash string, mode protocol.Mode, latencyMs int) (protocol.SessionState, error) {
	s, ok := f.sessions[hash]
	if !ok {
		s = protocol.SessionState{SessionHash: hash, Mode: protocol.ModeNormal}
	}
	if s.Mode == protocol.ModeTerminated {
		return s, protocol.ErrTerminated
	}
	s.Mode = mode
	s.CurrentLatencyMs = latencyMs
	f.sessions[hash] = s
	return s, nil
}

func (f *fakeRegistry) Snapshot(filter registry.Filter) []protocol.SessionState {
	out := make([]protocol.SessionState, 0, len(f.sessions))
	for _, s := range f.sessions {
		if filter == nil || filter(s) {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeRegistry) Stats() map[string]int {
	return map[string]int{"total_sessions": len(f.sessions)}
}

type fakeLimiter struct{}

func (fakeLimiter) Stats() map[string]int { return map[string]int{"tracked_keys": 0} }

type fakeBus struct {
	published []protocol.CommandEnvelope
}

func (f *fakeBus) Publish(sessionHash string, cmd protocol.CommandEnvelope) error {
	f.published = append(f.published, cmd)
	return nil
}
func (f *fakeBus) TrackPresence(string, string) {}
func (f *fakeBus) UntrackPresence(string)        {}
func (f *fakeBus) Close() error                  { return nil }

type fakeSink struct {
	enqueued []protocol.Event
}

func (f *fakeSink) Enqueue(evt protocol.Event) bool {
	f.enqueued = append(f.enqueued, evt)
	return true
}
func (f *fakeSink) Dropped() int64 { return 0 }
func (f *fakeSink) QueueLen() int  { return len(f.enqueued) }

// fakeStore stubs every store.SessionStore method; tests only exercise the
// handful the admin routes actually call.
type fakeStore struct {
	audits []protocol.CommandAudit
}

func (f *fakeStore) WriteBatch(ctx context.Context, rows []eventsink.Normalized) error { return nil }
func (f *fakeStore) UpsertSession(ctx context.Context, state protocol.SessionState) error {
	return nil
}
func (f *fakeStore) SetConnected(ctx context.Context, hash string, connected bool) error { return nil }
func (f *fakeStore) IncrementEventCount(ctx context.Context, hash string, delta int64) error {
	return nil
}
func (f *fakeStore) SetMode(ctx context.Context, hash string, mode protocol.Mode, latencyMs int) error {
	return nil
}
func (f *fakeStore) SetRisk(ctx context.Context, hash string, score int, isBot bool) error {
	return nil
}
func (f *fakeStore) IncrementViolations(ctx context.Context, hash string) error { return nil }
func (f *fakeStore) LogCommand(ctx context.Context, audit protocol.CommandAudit) error {
	f.audits = append(f.audits, audit)
	return nil
}
func (f *fakeStore) UpdateCommandStatus(ctx context.Context, id string, status protocol.CommandStatus, errMsg string) error {
	return nil
}
func (f *fakeStore) GetActiveSessions(ctx context.Context, minutesAgo int) ([]protocol.SessionState, error) {
	return nil, nil
}
func (f *fakeStore) GetSession(ctx context.Context, hash string) (*protocol.SessionState, []store.TimelineEntry, []protocol.CommandAudit, error) {
	return nil, nil, nil, context.DeadlineExceeded
}
func (f *fakeStore) GetHighRiskSessions(ctx context.Context) ([]protocol.SessionState, error) {
	return nil, nil
}
func (f *fakeStore) GetCommandHistory(ctx context.Context, hash string, limit int) ([]protocol.CommandAudit, error) {
	return nil, nil
}
func (f *fakeStore) GetDashboardStats(ctx context.Context) (store.DashboardStats, error) {
	return store.DashboardStats{}, nil
}
func (f *fakeStore) RefreshDashboardStats(ctx context.Context) error { return nil }
func (f *fakeStore) PurgeDisconnectedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeStore) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                           { return nil }

func newTestServer() (*Server, *fakeRegistry, *fakeBus, *fakeStore, *fakeSink) {
	reg := newFakeRegistry()
	bus := &fakeBus{}
	st := &fakeStore{}
	sink := &fakeSink{}
	s := New(Config{APIKey: "secret"}, reg, fakeLimiter{}, bus, st, sink, nil)
	return s, reg, bus, st, sink
}

const validHash = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestUpspin_RequiresAPIKey(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/"+validHash+"/upspin", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without API key, got %d", rec.Code)
	}
}

func TestUpspin_PublishesCommandAndUpdatesMode(t *testing.T) {
	s, reg, bus, st, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/"+validHash+"/upspin", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := reg.sessions[validHash].Mode; got != protocol.ModeUpspin {
		t.Fatalf("expected mode upspin, got %q", got)
	}
	if len(bus.published) != 1 || bus.published[0].Type != protocol.CommandSetLatency {
		t.Fatalf("expected one SET_LATENCY command, got %+v", bus.published)
	}
	if len(st.audits) != 1 {
		t.Fatalf("expected one audit row, got %d", len(st.audits))
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"sessionHash":"`+validHash+`"`) {
		t.Fatalf("expected sessionHash in response, got %s", body)
	}
	if !strings.Contains(body, `"latency_ms":0`) {
		t.Fatalf("expected snake_case latency_ms in response, got %s", body)
	}
	if !strings.Contains(body, `"command":{`) || !strings.Contains(body, bus.published[0].ID) {
		t.Fatalf("expected response to echo the published command (with its id) for admin/ack correlation, got %s", body)
	}
}

// TestDownspin_UsesSnakeCaseLatencyPayload guards against the SET_LATENCY
// command payload drifting from the wire contract's snake_case latency_ms
// key (the auto-throttle path in wsconn already gets this right).
func TestDownspin_UsesSnakeCaseLatencyPayload(t *testing.T) {
	s, _, bus, _, _ := newTestServer()
	body := strings.NewReader(`{"latency_ms":2000}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/"+validHash+"/downspin", body)
	req.Header.Set("X-API-Key", "secret")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(bus.published) != 1 {
		t.Fatalf("expected one published command, got %d", len(bus.published))
	}
	payload := string(bus.published[0].Payload)
	if !strings.Contains(payload, `"latency_ms":2000`) {
		t.Fatalf("expected command payload to use snake_case latency_ms, got %s", payload)
	}
	if strings.Contains(payload, "latencyMs") {
		t.Fatalf("command payload must not use camelCase latencyMs, got %s", payload)
	}

	respBody := rec.Body.String()
	if !strings.Contains(respBody, `"latency_ms":2000`) {
		t.Fatalf("expected response body to echo snake_case latency_ms, got %s", respBody)
	}
	if !strings.Contains(respBody, `"command":{`) {
		t.Fatalf("expected response to include the generated command, got %s", respBody)
	}
}

func TestTerminate_IsSticky(t *testing.T) {
	s, reg, _, _, _ := newTestServer()
	reg.sessions[validHash] = protocol.SessionState{SessionHash: validHash, Mode: protocol.ModeTerminated}

	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/"+validHash+"/terminate", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for idempotent re-terminate, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"success":true`) {
		t.Fatalf("expected success:true on idempotent terminate, got %s", rec.Body.String())
	}
}

func TestNotify_RejectsEmptyMessage(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	body := strings.NewReader(`{"message":""}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/sessions/"+validHash+"/notify", body)
	req.Header.Set("X-API-Key", "secret")
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", rec.Code)
	}
}

func TestBeacon_AlwaysReturns204(t *testing.T) {
	s, _, _, _, sink := newTestServer()
	body := strings.NewReader(`{"events":[{"sessionHash":"` + validHash + `","type":"click"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/beacon", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(sink.enqueued) != 1 {
		t.Fatalf("expected one enqueued event, got %d", len(sink.enqueued))
	}
}

func TestBeacon_MalformedBodyStillReturns204(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/beacon", strings.NewReader(`not json`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 even on malformed body, got %d", rec.Code)
	}
}

func TestHealth_ReportsHealthyWithNoDependencyErrors(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestStats_ReturnsDocumentedShape guards the wire contract for GET
// /admin/stats: websocket.{totalConnections,activeConnections,rateLimiter}
// and a top-level online field must be present, not the flattened
// registry/rateLimiter/eventSink keys this handler used to emit.
func TestStats_ReturnsDocumentedShape(t *testing.T) {
	s, _, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Success   bool `json:"success"`
		WebSocket struct {
			TotalConnections  int            `json:"totalConnections"`
			ActiveConnections int            `json:"activeConnections"`
			RateLimiter       map[string]int `json:"rateLimiter"`
		} `json:"websocket"`
		Online    int    `json:"online"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body.Success {
		t.Fatalf("expected success=true, got %s", rec.Body.String())
	}
	if body.WebSocket.RateLimiter == nil {
		t.Fatalf("expected websocket.rateLimiter to be present, got %s", rec.Body.String())
	}
	if body.Timestamp == "" {
		t.Fatalf("expected a timestamp, got %s", rec.Body.String())
	}
}

// TestAnalytics_ReturnsDocumentedShape guards the wire contract for GET
// /admin/analytics: botCandidates must be a top-level key, not nested
// inside summary.
func TestAnalytics_ReturnsDocumentedShape(t *testing.T) {
	s, reg, _, _, _ := newTestServer()
	reg.sessions[validHash] = protocol.SessionState{
		SessionHash: validHash,
		Mode:        protocol.ModeNormal,
		IsBot:       true,
		Connected:   true,
		LastSeen:    time.Now(),
		Geo:         protocol.GeoInfo{Country: "US"},
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/analytics", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Success         bool           `json:"success"`
		Summary         map[string]any `json:"summary"`
		GeoDistribution map[string]int `json:"geoDistribution"`
		BotCandidates   int            `json:"botCandidates"`
		DBStats         any            `json:"dbStats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !body.Success {
		t.Fatalf("expected success=true, got %s", rec.Body.String())
	}
	if body.BotCandidates != 1 {
		t.Fatalf("expected top-level botCandidates=1, got %d (body %s)", body.BotCandidates, rec.Body.String())
	}
	if body.GeoDistribution["US"] != 1 {
		t.Fatalf("expected geoDistribution[US]=1, got %+v", body.GeoDistribution)
	}
}
