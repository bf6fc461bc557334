// Package wsconn implements one Connection per accepted socket: framing,
// dispatch, keepalive, and backpressure through a single-writer goroutine
// and a bounded outbound queue with an explicit "slow_consumer" close
// reason on overflow.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// outboundQueueCapacity is the bound on enqueued-but-unsent frames per
// connection.
const outboundQueueCapacity = 256

var (
	ErrConnectionClosed = errors.New("wsconn: connection closed")
	ErrSlowConsumer      = errors.New("wsconn: outbound queue overflow")
)

// Connection wraps a single gorilla/websocket socket. All writes are
// serialized through one goroutine; reads happen on the caller's goroutine
// (the handler's readPump).
type Connection struct {
	conn         *websocket.Conn
	connectionID string
	peerIP       string

	writeCh chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	closeOnce sync.Once
	closeReason atomic.Value // string

	sessionHash atomic.Value // string
	connectedAt time.Time
	lastActivity atomic.Value // time.Time
	eventCount  atomic.Int64
}

func NewConnection(conn *websocket.Conn, connectionID, peerIP string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		connectionID: connectionID,
		peerIP:       peerIP,
		writeCh:      make(chan []byte, outboundQueueCapacity),
		ctx:          ctx,
		cancel:       cancel,
		connectedAt:  time.Now(),
	}
	c.sessionHash.Store("")
	c.lastActivity.Store(time.Now())
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	defer func() {
		for len(c.writeCh) > 0 {
			<-c.writeCh
		}
	}()

	for {
		select {
		case data, ok := <-c.writeCh:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON marshals v and enqueues it on the outbound queue. A full queue
// is a backpressure failure: the socket is closed with reason
// "slow_consumer" and the write is reported as failed.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case c.writeCh <- data:
		return nil
	default:
		_ = c.CloseWithReason("slow_consumer")
		return ErrSlowConsumer
	}
}

func (c *Connection) CloseWithReason(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Connection) Close() error {
	return c.CloseWithReason("closed")
}

func (c *Connection) ConnectionID() string { return c.connectionID }
func (c *Connection) PeerIP() string       { return c.peerIP }
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

func (c *Connection) SessionHash() string {
	v, _ := c.sessionHash.Load().(string)
	return v
}

func (c *Connection) SetSessionHash(hash string) {
	c.sessionHash.Store(hash)
}

func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now())
}

func (c *Connection) LastActivity() time.Time {
	t, _ := c.lastActivity.Load().(time.Time)
	return t
}

func (c *Connection) IncrementEventCount(delta int64) int64 {
	return c.eventCount.Add(delta)
}

func (c *Connection) EventCount() int64 {
	return c.eventCount.Load()
}
