package eventsink

import (
	"strings"
	"testing"
	"time"
)

func TestNormalize_ClampsOutOfRangeNumerics(t *testing.T) {
	battery := 250
	raw := RawEvent{
		SessionHash:  "abc",
		IPAddress:    "203.0.113.5",
		EventType:    "click",
		Timestamp:    time.Now(),
		ScreenWidth:  -5,
		ScreenHeight: 99999,
		LatencyMs:    -100,
		Lat:          200,
		Lon:          -400,
		BatteryLevel: &battery,
		RiskScore:    500,
	}
	n := Normalize(raw)

	if n.ScreenWidth != 0 {
		t.Errorf("expected screen width clamped to 0, got %d", n.ScreenWidth)
	}
	if n.ScreenHeight != 10000 {
		t.Errorf("expected screen height clamped to 10000, got %d", n.ScreenHeight)
	}
	if n.LatencyMs != 0 {
		t.Errorf("expected latency clamped to 0, got %d", n.LatencyMs)
	}
	if n.Lat != 90 {
		t.Errorf("expected lat clamped to 90, got %f", n.Lat)
	}
	if n.Lon != -180 {
		t.Errorf("expected lon clamped to -180, got %f", n.Lon)
	}
	if n.BatteryLevel == nil || *n.BatteryLevel != 100 {
		t.Errorf("expected battery clamped to 100, got %v", n.BatteryLevel)
	}
	if n.RiskScore != 100 {
		t.Errorf("expected risk score clamped to 100, got %d", n.RiskScore)
	}
}

func TestNormalize_IPv4RoundTrips(t *testing.T) {
	n := Normalize(RawEvent{IPAddress: "1.2.3.4"})
	if n.IPAddressV4 != (1<<24 | 2<<16 | 3<<8 | 4) {
		t.Errorf("unexpected ipv4 encoding: %d", n.IPAddressV4)
	}
}

func TestNormalize_NonIPv4AddressYieldsZeroWithoutRejectingEvent(t *testing.T) {
	n := Normalize(RawEvent{IPAddress: "::1", EventType: "click"})
	if n.IPAddressV4 != 0 {
		t.Errorf("expected 0 for non-IPv4 address, got %d", n.IPAddressV4)
	}
	if n.EventType != "click" {
		t.Errorf("event should still be accepted: %+v", n)
	}
}

func TestNormalize_BoundsOversizedStringsAndPayload(t *testing.T) {
	longStr := strings.Repeat("a", maxStringLen+500)
	bigPayload := []byte(strings.Repeat("x", maxPayloadBytes+500))

	n := Normalize(RawEvent{SessionHash: longStr, PayloadJSON: bigPayload})
	if len(n.SessionHash) != maxStringLen {
		t.Errorf("expected session hash truncated to %d, got %d", maxStringLen, len(n.SessionHash))
	}
	if len(n.PayloadJSON) != maxPayloadBytes {
		t.Errorf("expected payload truncated to %d, got %d", maxPayloadBytes, len(n.PayloadJSON))
	}
}

func TestNormalize_NilBatteryStaysNil(t *testing.T) {
	n := Normalize(RawEvent{})
	if n.BatteryLevel != nil {
		t.Errorf("expected nil battery level to stay nil, got %v", *n.BatteryLevel)
	}
}
