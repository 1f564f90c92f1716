package ws

import (
	"encoding/json"
	"time"

	"github.com/trafficctl/control-plane/internal/command"
)

// inboundFrame is the generic shape every client frame is first decoded
// into, §6.1. Per-type payloads are re-decoded from raw once the type is
// known.
type inboundFrame struct {
	Type        string          `json:"type"`
	SessionHash string          `json:"sessionHash"`
	Metadata    json.RawMessage `json:"metadata"`
	Events      json.RawMessage `json:"events"`
	Timestamp   *time.Time      `json:"timestamp"`
	CommandID   string          `json:"commandId"`
	CommandType string          `json:"commandType"`
	Result      json.RawMessage `json:"result"`

	raw json.RawMessage
}

type handshakeMetadata struct {
	UserAgent    string `json:"userAgent"`
	PageURL      string `json:"pageUrl"`
	Referrer     string `json:"referrer"`
	ScreenWidth  int    `json:"screenWidth"`
	ScreenHeight int    `json:"screenHeight"`
	Timezone     string `json:"timezone"`
	NetworkType  string `json:"networkType"`
	BatteryLevel *int   `json:"batteryLevel"`
}

type ackResult struct {
	Error string `json:"error"`
}

// connectedFrame is the first server->client frame, sent on accept.
type connectedFrame struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connectionId"`
	Timestamp    time.Time `json:"timestamp"`
}

// pingFrame is emitted every 30s to drive the idle-timeout keepalive.
type pingFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// commandFrame wraps an outbound command envelope, §6.1 "command".
type commandFrame struct {
	Type    string           `json:"type"`
	Command command.Envelope `json:"command"`
}

func newConnectedFrame(connectionID string) connectedFrame {
	return connectedFrame{Type: "connected", ConnectionID: connectionID, Timestamp: time.Now()}
}

func newPingFrame() pingFrame {
	return pingFrame{Type: "ping", Timestamp: time.Now()}
}

func newCommandFrame(env command.Envelope) commandFrame {
	return commandFrame{Type: "command", Command: env}
}

func errorFrame(msg string) map[string]string {
	return map[string]string{"type": "error", "error": msg}
}
