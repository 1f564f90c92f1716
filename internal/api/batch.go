package api

import (
	"encoding/json"
	"net/http"

	"github.com/trafficctl/control-plane/internal/command"
	"github.com/trafficctl/control-plane/internal/httpx"
	"github.com/trafficctl/control-plane/internal/session"
)

type batchActionRequest struct {
	Action        string          `json:"action"`
	SessionHashes []string        `json:"sessionHashes"`
	Payload       json.RawMessage `json:"payload"`
}

// batchEntryResult is the per-session outcome in a batch-action response,
// carrying the same sessionHash/command detail as the single-session
// routes so admins can correlate results without a follow-up lookup,
// spec.md §4.6.
type batchEntryResult struct {
	SessionHash string            `json:"sessionHash"`
	Success     bool              `json:"success"`
	LatencyMs   *int              `json:"latency_ms,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Command     *command.Envelope `json:"command,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// POST /admin/batch-action — {action, sessionHashes[], payload?}. Unknown
// actions for an individual entry are skipped rather than failing the
// whole batch, spec.md §4.6.
func (h *Handler) handleBatchAction(w http.ResponseWriter, r *http.Request) {
	var body batchActionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var downspinPayload downspinRequest
	var terminatePayload terminateRequest
	if len(body.Payload) > 0 {
		_ = json.Unmarshal(body.Payload, &downspinPayload)
		_ = json.Unmarshal(body.Payload, &terminatePayload)
	}

	adminID, adminIP := adminIdentity(r)
	results := make(map[string]batchEntryResult, len(body.SessionHashes))

	for _, hash := range body.SessionHashes {
		switch body.Action {
		case "upspin":
			_, err := h.registry.Transition(hash, session.ModeUpspin, 0)
			if err != nil {
				results[hash] = batchEntryResult{SessionHash: hash, Error: err.Error()}
				continue
			}
			env := command.New(command.SetLatency, command.SetLatencyPayload{LatencyMs: 0})
			h.publishAndAudit(adminID, adminIP, hash, env)
			latencyMs := 0
			results[hash] = batchEntryResult{SessionHash: hash, Success: true, LatencyMs: &latencyMs, Command: &env}

		case "downspin":
			latencyMs := 2000
			if downspinPayload.LatencyMs != nil {
				latencyMs = *downspinPayload.LatencyMs
			}
			_, err := h.registry.Transition(hash, session.ModeDownspin, latencyMs)
			if err != nil {
				results[hash] = batchEntryResult{SessionHash: hash, Error: err.Error()}
				continue
			}
			env := command.New(command.SetLatency, command.SetLatencyPayload{LatencyMs: latencyMs})
			h.publishAndAudit(adminID, adminIP, hash, env)
			results[hash] = batchEntryResult{SessionHash: hash, Success: true, LatencyMs: &latencyMs, Command: &env}

		case "terminate":
			reason := terminatePayload.Reason
			if reason == "" {
				reason = "terminated by administrator"
			}
			_, err := h.registry.Transition(hash, session.ModeTerminated, 0)
			if err != nil {
				results[hash] = batchEntryResult{SessionHash: hash, Error: err.Error()}
				continue
			}
			env := command.New(command.Terminate, command.TerminatePayload{Reason: reason})
			h.publishAndAudit(adminID, adminIP, hash, env)
			if deliverer, ok := h.registry.Deliverer(hash); ok {
				deliverer.Close("terminated")
			}
			results[hash] = batchEntryResult{SessionHash: hash, Success: true, Reason: reason, Command: &env}

		default:
			// Unknown action: skip this entry, per spec.md §4.6.
			continue
		}
	}

	httpx.Success(w, map[string]interface{}{"results": results})
}
