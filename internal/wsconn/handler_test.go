package wsconn

import (
	"context"
	"testing"

	"github.com/trafficctl/shiftd/internal/limiter"
	"github.com/trafficctl/shiftd/internal/registry"
	"github.com/trafficctl/shiftd/pkg/protocol"
)

// fakePublisher, fakeEnqueuer and fakeSessionStore are minimal doubles for
// the handler's command-bus, event-sink, and session-store dependencies.
type fakePublisher struct{ published int }

func (f *fakePublisher) Publish(sessionHash string, cmd protocol.CommandEnvelope) error {
	f.published++
	return nil
}
func (f *fakePublisher) TrackPresence(string, string) {}
func (f *fakePublisher) UntrackPresence(string)        {}

type fakeEnqueuer struct{ enqueued int }

func (f *fakeEnqueuer) Enqueue(evt protocol.Event) bool {
	f.enqueued++
	return true
}

type fakeSessionStore struct{}

func (fakeSessionStore) UpsertSession(ctx context.Context, state protocol.SessionState) error { return nil }
func (fakeSessionStore) SetConnected(ctx context.Context, hash string, connected bool) error   { return nil }
func (fakeSessionStore) IncrementEventCount(ctx context.Context, hash string, delta int64) error {
	return nil
}
func (fakeSessionStore) SetRisk(ctx context.Context, hash string, score int, isBot bool) error { return nil }
func (fakeSessionStore) SetMode(ctx context.Context, hash string, mode protocol.Mode, latencyMs int) error {
	return nil
}
func (fakeSessionStore) IncrementViolations(ctx context.Context, hash string) error { return nil }
func (fakeSessionStore) UpdateCommandStatus(ctx context.Context, commandID string, status protocol.CommandStatus, errMsg string) error {
	return nil
}

func newTestHandler() (*Handler, *registry.Registry, *fakeEnqueuer) {
	reg := registry.New(nil)
	lim := limiter.New(limiter.DefaultConfig(), nil)
	bus := &fakePublisher{}
	sink := &fakeEnqueuer{}
	h := NewHandler("node-1", reg, lim, bus, sink, fakeSessionStore{}, nil, nil, nil)
	return h, reg, sink
}

const testHash = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"

// TestDispatch_DropsFramesOnTerminatedSession guards the invariant that
// once a session is sticky-terminated, inbound frames on the still-open
// socket stop reaching the event sink, not just stop receiving new
// commands.
func TestDispatch_DropsFramesOnTerminatedSession(t *testing.T) {
	h, reg, sink := newTestHandler()

	wsConn := dialTestConnection(t)
	defer wsConn.Close()
	c := NewConnection(wsConn, "conn-1", "127.0.0.1")
	defer c.Close()

	if _, err := reg.Bind("conn-1", testHash, "127.0.0.1", protocol.GeoInfo{}, protocol.DeviceMetadata{}, c); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	c.SetSessionHash(testHash)

	if _, err := reg.Transition(testHash, protocol.ModeTerminated, 0); err != nil {
		t.Fatalf("transition to terminated failed: %v", err)
	}

	frame := protocol.InboundFrame{Type: protocol.FrameEvent, SessionHash: testHash, Raw: []byte(`{"type":"event"}`)}
	h.dispatch(c, frame)

	if sink.enqueued != 0 {
		t.Fatalf("expected terminated session's event frame to be dropped, got %d enqueued", sink.enqueued)
	}
}
