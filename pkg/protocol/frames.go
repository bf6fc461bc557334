package protocol

import "encoding/json"

// FrameType enumerates the client->server and server->client frame kinds
// exchanged over the /ws socket.
const (
	FrameHandshake   = "handshake"
	FrameBatch       = "batch"
	FrameEvent       = "event"
	FrameInteraction = "interaction"
	FramePong        = "pong"
	FrameCommandAck  = "command_ack"

	FrameConnected = "connected"
	FramePing      = "ping"
	FrameCommand   = "command"
)

// InboundFrame is the envelope every client->server frame is first parsed
// into; the remaining fields are dispatched based on Type.
type InboundFrame struct {
	Type        string          `json:"type"`
	SessionHash string          `json:"sessionHash"`
	Metadata    *DeviceMetadata `json:"metadata,omitempty"`
	Events      []Event         `json:"events,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	CommandID   string          `json:"commandId,omitempty"`
	CommandType string          `json:"commandType,omitempty"`
	Result      *AckResult      `json:"result,omitempty"`

	// single event/interaction frames carry their fields at the top level;
	// they are re-parsed into an Event by the caller.
	Raw json.RawMessage `json:"-"`
}

// AckResult is the client-reported outcome of executing a command.
type AckResult struct {
	Error string `json:"error,omitempty"`
}

// ConnectedFrame is sent immediately after a socket is accepted.
type ConnectedFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	Timestamp    int64  `json:"timestamp"`
}

// PingFrame is emitted every 30s to each connection.
type PingFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// CommandFrame carries a command envelope down to a client.
type CommandFrame struct {
	Type    string          `json:"type"`
	Command CommandEnvelope `json:"command"`
}

func NewConnectedFrame(connectionID string, ts int64) ConnectedFrame {
	return ConnectedFrame{Type: FrameConnected, ConnectionID: connectionID, Timestamp: ts}
}

func NewPingFrame(ts int64) PingFrame {
	return PingFrame{Type: FramePing, Timestamp: ts}
}

func NewCommandFrame(cmd CommandEnvelope) CommandFrame {
	return CommandFrame{Type: FrameCommand, Command: cmd}
}
