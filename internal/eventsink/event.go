// Package eventsink is the batched, bounded, drop-on-overflow write path
// from client telemetry into the append-only event log, spec.md §4.5 (C5).
package eventsink

import (
	"encoding/binary"
	"net"
	"strings"
	"time"
)

// maxStringLen bounds free-text fields so one oversized client payload
// cannot blow out a row, §4.5.
const maxStringLen = 2048

// maxPayloadBytes bounds the opaque per-event JSON payload, §4.5.
const maxPayloadBytes = 10000

// RawEvent is the as-received shape of a client event, before bounding
// and clamping. Fields the client omits are stamped by the caller
// (sessionHash, IP, timestamp) before normalization, §3 "Event".
type RawEvent struct {
	SessionHash     string
	IPAddress       string
	EventType       string
	InteractionType string
	Timestamp       time.Time
	ScreenWidth     int
	ScreenHeight    int
	LatencyMs       int
	Lat             float64
	Lon             float64
	BatteryLevel    *int
	RiskScore       int
	PayloadJSON     []byte
}

// NormalizedEvent is a RawEvent after the §4.5 bounding/clamping pass,
// ready for durable insertion.
type NormalizedEvent struct {
	SessionHash     string
	IPAddressV4     uint32
	EventType       string
	InteractionType string
	Timestamp       time.Time
	ScreenWidth     int
	ScreenHeight    int
	LatencyMs       int
	Lat             float64
	Lon             float64
	BatteryLevel    *int
	RiskScore       int
	PayloadJSON     []byte
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func boundString(s string) string {
	if len(s) <= maxStringLen {
		return s
	}
	return s[:maxStringLen]
}

// ipv4ToUint32 parses a textual IPv4 address into its 32-bit integer
// encoding. Non-IPv4 addresses (including IPv6 and malformed input)
// yield 0 — the event is still accepted, per §4.5 "IPv4 validated and
// converted"; the row's other fields are still meaningful.
func ipv4ToUint32(addr string) uint32 {
	addr = strings.TrimSpace(addr)
	ip := net.ParseIP(addr)
	if ip == nil {
		return 0
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// Normalize applies the §4.5 bounding/clamping pass to a raw event.
func Normalize(raw RawEvent) NormalizedEvent {
	payload := raw.PayloadJSON
	if len(payload) > maxPayloadBytes {
		payload = payload[:maxPayloadBytes]
	}

	var battery *int
	if raw.BatteryLevel != nil {
		b := clampInt(*raw.BatteryLevel, 0, 100)
		battery = &b
	}

	return NormalizedEvent{
		SessionHash:     boundString(raw.SessionHash),
		IPAddressV4:     ipv4ToUint32(raw.IPAddress),
		EventType:       boundString(raw.EventType),
		InteractionType: boundString(raw.InteractionType),
		Timestamp:       raw.Timestamp,
		ScreenWidth:     clampInt(raw.ScreenWidth, 0, 10000),
		ScreenHeight:    clampInt(raw.ScreenHeight, 0, 10000),
		LatencyMs:       clampInt(raw.LatencyMs, 0, 60000),
		Lat:             clampFloat(raw.Lat, -90, 90),
		Lon:             clampFloat(raw.Lon, -180, 180),
		BatteryLevel:    battery,
		RiskScore:       clampInt(raw.RiskScore, 0, 100),
		PayloadJSON:     payload,
	}
}
