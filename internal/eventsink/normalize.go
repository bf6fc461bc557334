package eventsink

import (
	"encoding/binary"
	"net"

	"github.com/trafficctl/shiftd/pkg/protocol"
)

// Normalized is the bounded, validated row handed to the event log:
// bounded string lengths, an IPv4 converted to its 32-bit integer form,
// and a truncated payload. It carries no numeric event fields beyond the
// timestamp, so no range clamping is applied to event rows; the Clamp*
// helpers below bound handshake, geo, latency and risk values instead.
type Normalized struct {
	SessionHash   string
	EventType     string
	IPAddressU32  uint32
	HasIP         bool
	TimestampUnix int64
	PayloadJSON   []byte
}

const (
	maxSessionHashLen = 64
	maxEventTypeLen   = 64
	maxPayloadBytes   = 10000
)

// ipv4ToUint32 validates and converts an IPv4 address to a 32-bit integer.
// Non-IPv4 addresses (including IPv6) are reported as invalid — the row is
// still written, just without an IP.
func ipv4ToUint32(ip string) (uint32, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, false
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v4), true
}

// Normalize applies the length bounds and IPv4 conversion to a raw inbound
// event.
func Normalize(evt protocol.Event, payload []byte) Normalized {
	n := Normalized{
		SessionHash:   protocol.TruncateString(evt.SessionHash, maxSessionHashLen),
		EventType:     protocol.TruncateString(evt.Type, maxEventTypeLen),
		TimestampUnix: evt.Timestamp.Unix(),
		PayloadJSON:   truncateBytes(payload, maxPayloadBytes),
	}
	if ip, ok := ipv4ToUint32(evt.IPAddress); ok {
		n.IPAddressU32 = ip
		n.HasIP = true
	}
	return n
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// ClampDeviceMetadata bounds every numeric field of a handshake's device
// metadata to a sane range.
func ClampDeviceMetadata(m protocol.DeviceMetadata) protocol.DeviceMetadata {
	m.ScreenWidth = protocol.ClampInt(m.ScreenWidth, 0, 10000)
	m.ScreenHeight = protocol.ClampInt(m.ScreenHeight, 0, 10000)
	if m.BatteryLevel != nil {
		lvl := protocol.ClampInt(*m.BatteryLevel, 0, 100)
		m.BatteryLevel = &lvl
	}
	return m
}

// ClampLatencyMs bounds a requested client-side delay to [0, 60000].
func ClampLatencyMs(ms int) int {
	return protocol.ClampInt(ms, 0, 60000)
}

// ClampGeo bounds a lookup's lat/lon to valid ranges, defensive against a
// corrupt or mocked GeoIP backend.
func ClampGeo(g protocol.GeoInfo) protocol.GeoInfo {
	g.Latitude = protocol.ClampFloat(g.Latitude, -90, 90)
	g.Longitude = protocol.ClampFloat(g.Longitude, -180, 180)
	return g
}

// ClampRiskScore bounds a computed score to [0, 100].
func ClampRiskScore(score int) int {
	return protocol.ClampInt(score, 0, 100)
}
