// Package command defines the remote command envelope exchanged between
// the admin API, the command bus, and connected sessions.
package command

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates the remote commands a session can be asked to honor.
type Type string

const (
	SetLatency   Type = "SET_LATENCY"
	Terminate    Type = "TERMINATE"
	ToastAlert   Type = "TOAST_ALERT"
	Redirect     Type = "REDIRECT"
	RefreshPage  Type = "REFRESH_PAGE"
	ClearStorage Type = "CLEAR_STORAGE"
	LogMessage   Type = "LOG_MESSAGE"
	UpdateConfig Type = "UPDATE_CONFIG"
	CustomEvent  Type = "CUSTOM_EVENT"
)

// Envelope is the unit of outbound control traffic, §3 "Command envelope".
type Envelope struct {
	ID        string      `json:"id"`
	Type      Type        `json:"type"`
	Payload   interface{} `json:"payload"`
	CreatedAt time.Time   `json:"createdAt"`
}

// New builds a command envelope with a fresh ID and the current timestamp.
func New(t Type, payload interface{}) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// SetLatencyPayload is the payload shape for SET_LATENCY commands.
type SetLatencyPayload struct {
	LatencyMs int `json:"latency_ms"`
}

// TerminatePayload is the payload shape for TERMINATE commands.
type TerminatePayload struct {
	Reason string `json:"reason"`
}

// ToastAlertPayload is the payload shape for TOAST_ALERT commands.
type ToastAlertPayload struct {
	Message  string `json:"message"`
	Type     string `json:"type"`
	Duration int    `json:"duration"`
}

// RedirectPayload is the payload shape for REDIRECT commands.
type RedirectPayload struct {
	URL    string `json:"url"`
	NewTab bool   `json:"newTab"`
}

// Status is the lifecycle of a command as recorded in the audit trail.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
)

// AuditRecord is the durable record of an admin-issued command, §3.
type AuditRecord struct {
	Envelope       Envelope
	SessionHash    string
	AdminID        string
	AdminIP        string
	Status         Status
	ErrorMessage   string
	AcknowledgedAt *time.Time
}
