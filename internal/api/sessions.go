package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/trafficctl/control-plane/internal/command"
	"github.com/trafficctl/control-plane/internal/httpx"
	"github.com/trafficctl/control-plane/internal/session"
)

func adminIdentity(r *http.Request) (adminID, adminIP string) {
	adminID = r.Header.Get("X-Admin-Id")
	adminIP = r.RemoteAddr
	return
}

// sessionView is the wire shape of a session in admin responses.
type sessionView struct {
	SessionHash      string `json:"sessionHash"`
	IPAddress        string `json:"ipAddress"`
	Country          string `json:"country"`
	City             string `json:"city"`
	Mode             string `json:"mode"`
	CurrentLatencyMs int    `json:"currentLatencyMs"`
	TotalEvents      int    `json:"totalEvents"`
	RiskScore        int    `json:"riskScore"`
	IsBot            bool   `json:"isBot"`
	ViolationCount   int    `json:"violationCount"`
	Connected        bool   `json:"connected"`
	FirstSeen        string `json:"firstSeen"`
	LastSeen         string `json:"lastSeen"`
}

func toSessionView(s session.State) sessionView {
	return sessionView{
		SessionHash:      s.SessionHash,
		IPAddress:        s.IPAddress,
		Country:          s.Geo.Country,
		City:             s.Geo.City,
		Mode:             string(s.Mode),
		CurrentLatencyMs: s.CurrentLatencyMs,
		TotalEvents:      s.TotalEvents,
		RiskScore:        s.RiskScore,
		IsBot:            s.IsBot,
		ViolationCount:   s.ViolationCount,
		Connected:        s.Connected,
		FirstSeen:        s.FirstSeen.Format(timeFormat),
		LastSeen:         s.LastSeen.Format(timeFormat),
	}
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// GET /admin/sessions?minutes=<1..1440>
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	minutes := clampQueryInt(r, "minutes", 15, 1, 1440)
	states := h.registry.Snapshot(session.ActiveSince(minutes))

	views := make([]sessionView, 0, len(states))
	for _, s := range states {
		views = append(views, toSessionView(s))
	}
	httpx.JSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"count":    len(views),
		"sessions": views,
	})
}

// GET /admin/sessions/{hash}
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	st, ok := h.registry.Get(hash)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "session not found")
		return
	}

	history, err := h.repo.GetCommandHistory(r.Context(), hash, 50)
	if err != nil {
		history = nil
	}

	httpx.JSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"session":  toSessionView(st),
		"timeline": history,
		"commands": history,
	})
}

// POST /admin/sessions/{hash}/upspin — body ignored.
func (h *Handler) handleUpspin(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	_, err := h.registry.Transition(hash, session.ModeUpspin, 0)
	if err != nil {
		httpx.Error(w, http.StatusConflict, err.Error())
		return
	}

	adminID, adminIP := adminIdentity(r)
	env := command.New(command.SetLatency, command.SetLatencyPayload{LatencyMs: 0})
	h.publishAndAudit(adminID, adminIP, hash, env)

	httpx.Success(w, map[string]interface{}{
		"sessionHash": hash,
		"latency_ms":  0,
		"command":     env,
	})
}

type downspinRequest struct {
	LatencyMs *int `json:"latency_ms"`
}

// POST /admin/sessions/{hash}/downspin — {latency_ms?} default 2000.
func (h *Handler) handleDownspin(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	var body downspinRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	latencyMs := 2000
	if body.LatencyMs != nil {
		latencyMs = *body.LatencyMs
	}

	_, err := h.registry.Transition(hash, session.ModeDownspin, latencyMs)
	if err != nil {
		httpx.Error(w, http.StatusConflict, err.Error())
		return
	}

	adminID, adminIP := adminIdentity(r)
	env := command.New(command.SetLatency, command.SetLatencyPayload{LatencyMs: latencyMs})
	h.publishAndAudit(adminID, adminIP, hash, env)

	httpx.Success(w, map[string]interface{}{
		"sessionHash": hash,
		"latency_ms":  latencyMs,
		"command":     env,
	})
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

// POST /admin/sessions/{hash}/terminate — {reason?}.
func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	var body terminateRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "terminated by administrator"
	}

	_, err := h.registry.Transition(hash, session.ModeTerminated, 0)
	if err != nil {
		httpx.Error(w, http.StatusConflict, err.Error())
		return
	}

	adminID, adminIP := adminIdentity(r)
	env := command.New(command.Terminate, command.TerminatePayload{Reason: body.Reason})
	h.publishAndAudit(adminID, adminIP, hash, env)

	if deliverer, ok := h.registry.Deliverer(hash); ok {
		deliverer.Close("terminated")
	}

	httpx.Success(w, map[string]interface{}{
		"sessionHash": hash,
		"reason":      body.Reason,
		"command":     env,
	})
}

type notifyRequest struct {
	Message  string `json:"message"`
	Type     string `json:"type"`
	Duration int    `json:"duration"`
}

// POST /admin/sessions/{hash}/notify — {message, type?, duration?}.
func (h *Handler) handleNotify(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	var body notifyRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Message == "" {
		httpx.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	adminID, adminIP := adminIdentity(r)
	env := command.New(command.ToastAlert, command.ToastAlertPayload{
		Message: body.Message, Type: body.Type, Duration: body.Duration,
	})
	h.publishAndAudit(adminID, adminIP, hash, env)

	httpx.Success(w, map[string]interface{}{
		"sessionHash": hash,
		"message":     body.Message,
		"command":     env,
	})
}

type redirectRequest struct {
	URL    string `json:"url"`
	NewTab bool   `json:"newTab"`
}

// POST /admin/sessions/{hash}/redirect — {url, newTab?}.
func (h *Handler) handleRedirect(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	var body redirectRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.URL == "" {
		httpx.Error(w, http.StatusBadRequest, "url is required")
		return
	}

	adminID, adminIP := adminIdentity(r)
	env := command.New(command.Redirect, command.RedirectPayload{URL: body.URL, NewTab: body.NewTab})
	h.publishAndAudit(adminID, adminIP, hash, env)

	httpx.Success(w, map[string]interface{}{
		"sessionHash": hash,
		"url":         body.URL,
		"command":     env,
	})
}

func clampQueryInt(r *http.Request, name string, def, lo, hi int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
