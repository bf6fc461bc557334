// Package commandbus implements the pub/sub bridge between the admin API
// and whichever connection-handler node currently holds a session's
// socket, plus the presence index that makes multi-node delivery
// possible. The single-node path delivers synchronously through a direct
// registry lookup; the multi-node path publishes over Redis pub/sub.
package commandbus

import (
	"sync"

	"github.com/trafficctl/shiftd/pkg/protocol"
)

// envelope is what travels on the topic: the target session plus the
// command to deliver to it.
type envelope struct {
	SessionHash string                    `json:"sessionHash"`
	Command     protocol.CommandEnvelope  `json:"command"`
}

// Delivery is what a subscriber receives off the topic.
type Delivery = envelope

// ConnectionLookup resolves a sessionHash to the live Deliverer bound to
// it on this node.
type ConnectionLookup interface {
	GetConnection(sessionHash string) (protocol.Deliverer, bool)
}

// Bus is the interface both backends satisfy. Publish is always
// best-effort and never blocks the caller.
type Bus interface {
	Publish(sessionHash string, cmd protocol.CommandEnvelope) error
	TrackPresence(sessionHash, nodeID string)
	UntrackPresence(sessionHash string)
	Close() error
}

// presenceIndex maps sessionHash -> nodeId, per the GLOSSARY definition.
// In a single-node deployment it degenerates to "is this session live
// anywhere I can see", which is this node.
type presenceIndex struct {
	mu sync.RWMutex
	m  map[string]string
}

func newPresenceIndex() *presenceIndex {
	return &presenceIndex{m: make(map[string]string)}
}

func (p *presenceIndex) track(sessionHash, nodeID string) {
	p.mu.Lock()
	p.m[sessionHash] = nodeID
	p.mu.Unlock()
}

func (p *presenceIndex) untrack(sessionHash string) {
	p.mu.Lock()
	delete(p.m, sessionHash)
	p.mu.Unlock()
}

func (p *presenceIndex) nodeFor(sessionHash string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.m[sessionHash]
	return n, ok
}
