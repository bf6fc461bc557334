package wsconn

import (
	"context"

	"github.com/trafficctl/shiftd/pkg/protocol"
)

// CommandPublisher is the command bus's inbound-facing surface: the
// handler uses it to push auto-throttle commands through the bus rather
// than writing to the socket directly. The auto-ban TERMINATE is the
// exception: it is written straight to the socket just before closing it.
type CommandPublisher interface {
	Publish(sessionHash string, cmd protocol.CommandEnvelope) error
	TrackPresence(sessionHash, nodeID string)
	UntrackPresence(sessionHash string)
}

// EventEnqueuer is C5's inbound-facing surface.
type EventEnqueuer interface {
	Enqueue(evt protocol.Event) bool
}

// SessionStore is the subset of C6 the connection handler needs directly.
type SessionStore interface {
	UpsertSession(ctx context.Context, state protocol.SessionState) error
	SetConnected(ctx context.Context, sessionHash string, connected bool) error
	IncrementEventCount(ctx context.Context, sessionHash string, delta int64) error
	SetRisk(ctx context.Context, sessionHash string, score int, isBot bool) error
	SetMode(ctx context.Context, sessionHash string, mode protocol.Mode, latencyMs int) error
	IncrementViolations(ctx context.Context, sessionHash string) error
	UpdateCommandStatus(ctx context.Context, commandID string, status protocol.CommandStatus, errMsg string) error
}

// GeoEnricher is C8's pure lookup.
type GeoEnricher interface {
	Lookup(ip string) protocol.GeoInfo
}

// DeviceClassifier enriches handshake metadata from the client-reported
// userAgent metadata field, the other half of C8.
type DeviceClassifier interface {
	Classify(userAgent string) (browser, os, deviceCategory string)
}
