package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/trafficctl/shiftd/pkg/protocol"
)

// fakeConn is a minimal Deliverer double, standing in for the real
// wsconn.Connection in unit tests.
type fakeConn struct {
	id     string
	closed bool
}

func (f *fakeConn) WriteJSON(v interface{}) error { return nil }
func (f *fakeConn) Close() error                   { f.closed = true; return nil }
func (f *fakeConn) ConnectionID() string           { return f.id }

func validHash(n int) string {
	s := fmt.Sprintf("%064d", n)
	return s[len(s)-64:]
}

func TestRegistry_BindCreatesSession(t *testing.T) {
	r := New(nil)
	hash := validHash(1)

	conn := &fakeConn{id: "conn-1"}
	state, err := r.Bind("conn-1", hash, "1.2.3.4", protocol.GeoInfo{}, protocol.DeviceMetadata{}, conn)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if !state.Connected {
		t.Error("expected session marked connected after bind")
	}

	got, ok := r.GetConnection(hash)
	if !ok || got != conn {
		t.Error("expected bound connection to be retrievable")
	}
}

func TestRegistry_BindRejectsTerminated(t *testing.T) {
	r := New(nil)
	hash := validHash(2)

	if _, err := r.Transition(hash, protocol.ModeTerminated, 0); err != nil {
		t.Fatalf("unexpected error transitioning fresh session: %v", err)
	}

	_, err := r.Bind("conn-1", hash, "", protocol.GeoInfo{}, protocol.DeviceMetadata{}, &fakeConn{id: "conn-1"})
	if err != ErrTerminated {
		t.Fatalf("expected ErrTerminated, got %v", err)
	}
}

func TestRegistry_AtMostOneBoundConnectionPerSession(t *testing.T) {
	r := New(nil)
	hash := validHash(3)

	first := &fakeConn{id: "conn-1"}
	second := &fakeConn{id: "conn-2"}

	if _, err := r.Bind("conn-1", hash, "", protocol.GeoInfo{}, protocol.DeviceMetadata{}, first); err != nil {
		t.Fatalf("first bind failed: %v", err)
	}
	if _, err := r.Bind("conn-2", hash, "", protocol.GeoInfo{}, protocol.DeviceMetadata{}, second); err != nil {
		t.Fatalf("second bind failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond) // async close of superseded connection

	got, ok := r.GetConnection(hash)
	if !ok || got != second {
		t.Fatalf("expected second connection bound, got %v (ok=%v)", got, ok)
	}
	if !first.closed {
		t.Error("expected superseded connection to be closed")
	}
}

func TestRegistry_UnbindOnlyClearsOwningConnection(t *testing.T) {
	r := New(nil)
	hash := validHash(4)

	conn := &fakeConn{id: "conn-1"}
	r.Bind("conn-1", hash, "", protocol.GeoInfo{}, protocol.DeviceMetadata{}, conn)

	// Unbinding a connection ID that never bound this session is a no-op.
	r.Unbind("conn-unknown")
	if _, ok := r.GetConnection(hash); !ok {
		t.Error("unrelated unbind should not clear an existing binding")
	}

	r.Unbind("conn-1")
	if _, ok := r.GetConnection(hash); ok {
		t.Error("expected connection cleared after unbind")
	}

	state, _ := r.Get(hash)
	if state.Connected {
		t.Error("expected session marked disconnected after unbind")
	}
}

func TestRegistry_TransitionIsStickyAtTerminated(t *testing.T) {
	r := New(nil)
	hash := validHash(5)

	if _, err := r.Transition(hash, protocol.ModeDownspin, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Transition(hash, protocol.ModeTerminated, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state, err := r.Transition(hash, protocol.ModeNormal, 0)
	if err != ErrTerminated {
		t.Fatalf("expected ErrTerminated, got %v", err)
	}
	if state.Mode != protocol.ModeTerminated {
		t.Errorf("expected mode to remain terminated, got %v", state.Mode)
	}
}

func TestRegistry_UpspinClearsLatency(t *testing.T) {
	r := New(nil)
	hash := validHash(6)

	r.Transition(hash, protocol.ModeDownspin, 2000)
	state, _ := r.Transition(hash, protocol.ModeUpspin, 999)

	if state.CurrentLatencyMs != 0 {
		t.Errorf("expected upspin to clear latency, got %d", state.CurrentLatencyMs)
	}
}

func TestRegistry_SnapshotFilter(t *testing.T) {
	r := New(nil)
	r.Transition(validHash(7), protocol.ModeNormal, 0)
	r.SetRisk(validHash(7), 10, false)
	r.Transition(validHash(8), protocol.ModeNormal, 0)
	r.SetRisk(validHash(8), 90, true)

	highRisk := r.Snapshot(func(s protocol.SessionState) bool { return s.IsBot })
	if len(highRisk) != 1 {
		t.Fatalf("expected 1 high-risk session, got %d", len(highRisk))
	}
}

func TestRegistry_ConcurrentBindUnbind(t *testing.T) {
	r := New(nil)

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)

	for i := 0; i < n; i++ {
		go func(id int) {
			defer wg.Done()
			hash := validHash(id)
			connID := fmt.Sprintf("conn-%d", id)
			r.Bind(connID, hash, "", protocol.GeoInfo{}, protocol.DeviceMetadata{}, &fakeConn{id: connID})
			r.Touch(hash, 1)
			r.Unbind(connID)
		}(i)
	}
	wg.Wait()

	stats := r.Stats()
	if stats["total_sessions"] != n {
		t.Errorf("expected %d tracked sessions, got %d", n, stats["total_sessions"])
	}
	if stats["active_connections"] != 0 {
		t.Errorf("expected 0 active connections after unbind, got %d", stats["active_connections"])
	}
}

func TestRegistry_PurgeRemovesOnlyStaleDisconnected(t *testing.T) {
	r := New(nil)
	hash := validHash(9)

	conn := &fakeConn{id: "conn-1"}
	r.Bind("conn-1", hash, "", protocol.GeoInfo{}, protocol.DeviceMetadata{}, conn)
	r.Unbind("conn-1")

	if n := r.Purge(time.Hour); n != 0 {
		t.Errorf("expected no purge for a recently-disconnected session, got %d", n)
	}

	time.Sleep(5 * time.Millisecond)
	if n := r.Purge(time.Millisecond); n != 1 {
		t.Errorf("expected 1 purge for a stale disconnected session, got %d", n)
	}
}
