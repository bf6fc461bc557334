// Package protocol defines the wire types shared between the WebSocket
// connection handler, the admin API, and the persistence layer.
package protocol

import (
	"encoding/json"
	"time"
)

// Mode is the operator-visible session mode.
type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeUpspin     Mode = "upspin"
	ModeDownspin   Mode = "downspin"
	ModeTerminated Mode = "terminated"
)

// CommandType enumerates every remote command the server can push to a client.
type CommandType string

const (
	CommandSetLatency    CommandType = "SET_LATENCY"
	CommandTerminate     CommandType = "TERMINATE"
	CommandToastAlert    CommandType = "TOAST_ALERT"
	CommandRedirect      CommandType = "REDIRECT"
	CommandRefreshPage   CommandType = "REFRESH_PAGE"
	CommandClearStorage  CommandType = "CLEAR_STORAGE"
	CommandLogMessage    CommandType = "LOG_MESSAGE"
	CommandUpdateConfig  CommandType = "UPDATE_CONFIG"
	CommandCustomEvent   CommandType = "CUSTOM_EVENT"
)

func IsValidCommandType(t CommandType) bool {
	switch t {
	case CommandSetLatency, CommandTerminate, CommandToastAlert, CommandRedirect,
		CommandRefreshPage, CommandClearStorage, CommandLogMessage, CommandUpdateConfig, CommandCustomEvent:
		return true
	default:
		return false
	}
}

// CommandEnvelope is the unit of outbound control traffic.
type CommandEnvelope struct {
	ID        string          `json:"id"`
	Type      CommandType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// CommandStatus tracks the audit lifecycle of a command.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
)

// CommandAudit is the durable record of an admin-issued command.
type CommandAudit struct {
	Command        CommandEnvelope
	SessionHash    string
	AdminID        string
	AdminIP        string
	Status         CommandStatus
	ErrorMessage   string
	AcknowledgedAt *time.Time
}

// DeviceMetadata is the device/browser information reported at handshake,
// optionally enriched server-side from its client-reported userAgent field.
type DeviceMetadata struct {
	UserAgent     string  `json:"userAgent"`
	PageURL       string  `json:"pageUrl"`
	Referrer      string  `json:"referrer"`
	ScreenWidth   int     `json:"screenWidth"`
	ScreenHeight  int     `json:"screenHeight"`
	Timezone      string  `json:"timezone"`
	NetworkType   string  `json:"networkType"`
	BatteryLevel  *int    `json:"batteryLevel,omitempty"`
	Timestamp     int64   `json:"timestamp"`
	Browser       string  `json:"browser,omitempty"`
	OS            string  `json:"os,omitempty"`
	DeviceCategory string `json:"deviceCategory,omitempty"`
}

// GeoInfo is the result of a GeoIP lookup.
type GeoInfo struct {
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"lat,omitempty"`
	Longitude float64 `json:"lon,omitempty"`
	ISP       string  `json:"isp,omitempty"`
}

// SessionState is the in-memory + durable representation of a session.
type SessionState struct {
	SessionHash      string
	IPAddress        string
	Geo              GeoInfo
	Device           DeviceMetadata
	Mode             Mode
	CurrentLatencyMs int
	TotalEvents      int64
	RiskScore        int
	IsBot            bool
	ViolationCount   int
	Connected        bool
	FirstSeen        time.Time
	LastSeen         time.Time
	LastViolationAt  *time.Time
}

// Event is an opaque telemetry record produced by a client.
type Event struct {
	SessionHash string                 `json:"sessionHash"`
	IPAddress   string                 `json:"ipAddress,omitempty"`
	Type        string                 `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	Fields      map[string]interface{} `json:"-"`
}

// UnmarshalJSON keeps unknown fields in Fields while still parsing the
// well-known sessionHash/ipAddress/type/timestamp keys.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Fields = raw
	if v, ok := raw["sessionHash"].(string); ok {
		e.SessionHash = v
	}
	if v, ok := raw["ipAddress"].(string); ok {
		e.IPAddress = v
	}
	if v, ok := raw["type"].(string); ok {
		e.Type = v
	}
	switch v := raw["timestamp"].(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			e.Timestamp = ts
		}
	case float64:
		e.Timestamp = time.UnixMilli(int64(v)).UTC()
	}
	return nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Fields)+3)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["sessionHash"] = e.SessionHash
	if e.IPAddress != "" {
		out["ipAddress"] = e.IPAddress
	}
	out["type"] = e.Type
	out["timestamp"] = e.Timestamp
	return json.Marshal(out)
}
