package commandbus

import (
	"log/slog"

	"github.com/trafficctl/shiftd/pkg/protocol"
)

// LocalBus is the single-node backend: publish and subscribe collapse into
// a direct registry lookup, since there is only one node that could hold
// the session's socket.
type LocalBus struct {
	lookup   ConnectionLookup
	presence *presenceIndex
	log      *slog.Logger
}

func NewLocalBus(lookup ConnectionLookup, log *slog.Logger) *LocalBus {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &LocalBus{lookup: lookup, presence: newPresenceIndex(), log: log}
}

// Publish delivers directly since there is exactly one subscriber (this
// node). A session with no bound connection is dropped silently — the
// admin write-through to the durable store is the audit trail.
func (b *LocalBus) Publish(sessionHash string, cmd protocol.CommandEnvelope) error {
	conn, ok := b.lookup.GetConnection(sessionHash)
	if !ok {
		b.log.Debug("dropping command for unbound session", "session_hash", sessionHash, "command_type", cmd.Type)
		return nil
	}
	frame := protocol.NewCommandFrame(cmd)
	if err := conn.WriteJSON(frame); err != nil {
		b.log.Warn("failed to deliver command", "session_hash", sessionHash, "command_type", cmd.Type, "error", err)
		return err
	}
	return nil
}

func (b *LocalBus) TrackPresence(sessionHash, nodeID string) { b.presence.track(sessionHash, nodeID) }
func (b *LocalBus) UntrackPresence(sessionHash string)       { b.presence.untrack(sessionHash) }
func (b *LocalBus) Close() error                             { return nil }
