// Package ws is the connection handler (C3): WebSocket accept, framing,
// the handshake/batch/event/interaction/pong/command_ack dispatch of
// spec.md §4.3, and the keepalive/idle-timeout state machine. Grounded on
// the teacher's internal/terminal.WebSocketHandler (coder/websocket
// Accept/Read/Write, one goroutine pair per connection), generalized
// from a PTY-attach protocol to the telemetry/command wire protocol of
// spec.md §6.1.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/trafficctl/control-plane/internal/command"
	"github.com/trafficctl/control-plane/internal/commandbus"
	"github.com/trafficctl/control-plane/internal/eventsink"
	"github.com/trafficctl/control-plane/internal/geoip"
	"github.com/trafficctl/control-plane/internal/ratelimit"
	"github.com/trafficctl/control-plane/internal/session"
	"github.com/trafficctl/control-plane/internal/store"
)

const (
	pingInterval = 30 * time.Second
	idleTimeout  = 90 * time.Second

	// throttleDebounce bounds auto-throttle commands to at most one per
	// session per window, resolving the Open Question in spec.md §9 (the
	// source may emit SET_LATENCY on every violating frame).
	throttleDebounce = 5 * time.Second
)

// Handler upgrades and services `/ws` connections.
type Handler struct {
	registry       *session.Registry
	limiter        *ratelimit.Limiter
	geo            *geoip.Lookup
	sink           *eventsink.Sink
	repo           store.Repository
	bus            commandbus.Bus
	allowAny       bool
	allowedOrigins map[string]struct{}

	throttleMu   sync.Mutex
	lastThrottle map[string]time.Time
}

// DeliverCommand resolves sessionHash's currently-bound connection, if
// any, and pushes env to it. Wired as the commandbus onDelivery callback
// so C4 never needs to know about the wire frame shape.
func DeliverCommand(registry *session.Registry, sessionHash string, env command.Envelope) {
	deliverer, ok := registry.Deliverer(sessionHash)
	if !ok {
		return
	}
	if err := deliverer.Send(newCommandFrame(env)); err != nil {
		slog.Warn("ws: command delivery failed", "session_hash", sessionHash, "error", err)
	}
}

// New creates a connection handler. allowedOrigins empty (or containing
// "*") allows any origin, matching the teacher's dev-mode fallback.
func New(registry *session.Registry, limiter *ratelimit.Limiter, geo *geoip.Lookup, sink *eventsink.Sink, repo store.Repository, bus commandbus.Bus, allowedOrigins []string) *Handler {
	h := &Handler{
		registry:       registry,
		limiter:        limiter,
		geo:            geo,
		sink:           sink,
		repo:           repo,
		bus:            bus,
		lastThrottle:   make(map[string]time.Time),
		allowedOrigins: make(map[string]struct{}, len(allowedOrigins)),
	}
	if len(allowedOrigins) == 0 {
		h.allowAny = true
	}
	for _, o := range allowedOrigins {
		if o == "*" {
			h.allowAny = true
		}
		h.allowedOrigins[o] = struct{}{}
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.allowAny {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, ok := h.allowedOrigins[origin]
	if !ok {
		slog.Warn("ws: origin rejected", "origin", origin)
	}
	return ok
}

// ServeHTTP implements http.Handler for the `/ws` upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("ws: accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := newConn(wsConn, cancel)
	connectionID := "c-" + uuid.NewString()
	peerIP := clientIP(r)

	sess := &connState{
		handler:      h,
		conn:         c,
		connectionID: connectionID,
		peerIP:       peerIP,
	}

	go c.writeLoop(ctx)
	go pingLoop(ctx, c)
	_ = c.Send(newConnectedFrame(connectionID))

	defer func() {
		cancel()
		if sess.sessionHash != "" {
			h.registry.Unbind(connectionID)
			go h.asyncSetDisconnected(sess.sessionHash)
		}
	}()

	sess.readLoop(ctx, wsConn)
}

// pingLoop emits a {type:"ping"} frame every 30s, the server-side half of
// the keepalive/idle-timeout state machine in spec.md §4.3. The idle
// timeout itself is enforced by the read deadline in readLoop.
func pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Send(newPingFrame())
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// asyncSetDisconnected persists the disconnect asynchronously with a
// bounded timeout and a single best-effort retry, resolving the open
// question in spec.md §9: a synchronous store call on every socket close
// can drop writes during a disconnect storm, so the write is enqueued
// off the accept goroutine instead.
func (h *Handler) asyncSetDisconnected(sessionHash string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.repo.SetConnected(ctx, sessionHash, false); err != nil {
		slog.Warn("ws: setConnected(false) failed, retrying once", "session_hash", sessionHash, "error", err)
		retryCtx, retryCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer retryCancel()
		if err := h.repo.SetConnected(retryCtx, sessionHash, false); err != nil {
			slog.Warn("ws: setConnected(false) retry failed, giving up", "session_hash", sessionHash, "error", err)
		}
	}
}

// maybeAutoThrottle issues a debounced SET_LATENCY for sessionHash when the
// limiter's violation stats cross the auto-throttle threshold, §4.1/§4.3
// step 4. At most one auto-throttle command is published per session per
// throttleDebounce window, per the Open Question decision in spec.md §9.
func (h *Handler) maybeAutoThrottle(sessionHash string) {
	if !h.limiter.AutoThrottleEnabled() {
		return
	}
	if !h.limiter.ViolationStats(sessionHash).ShouldThrottle {
		return
	}

	h.throttleMu.Lock()
	now := time.Now()
	if last, ok := h.lastThrottle[sessionHash]; ok && now.Sub(last) < throttleDebounce {
		h.throttleMu.Unlock()
		return
	}
	h.lastThrottle[sessionHash] = now
	h.throttleMu.Unlock()

	latencyMs := h.limiter.ThrottleLatencyMs()
	if _, err := h.registry.Transition(sessionHash, session.ModeDownspin, latencyMs); err != nil {
		slog.Warn("ws: auto-throttle transition rejected", "session_hash", sessionHash, "error", err)
		return
	}

	env := command.New(command.SetLatency, command.SetLatencyPayload{LatencyMs: latencyMs})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := h.bus.Publish(ctx, sessionHash, env); err != nil {
			slog.Warn("ws: auto-throttle publish failed", "session_hash", sessionHash, "error", err)
		}
	}()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rec := command.AuditRecord{Envelope: env, SessionHash: sessionHash, AdminID: "system:auto-throttle", Status: command.StatusSent}
		if err := h.repo.LogCommand(ctx, rec); err != nil {
			slog.Warn("ws: auto-throttle logCommand failed", "session_hash", sessionHash, "error", err)
		}
	}()
}

// connState is the per-connection dispatch state, owned exclusively by
// the goroutine running readLoop (the Connection entity of spec.md §3).
type connState struct {
	handler      *Handler
	conn         *conn
	connectionID string
	peerIP       string
	sessionHash  string
	eventCount   int
	terminated   bool
}

func (s *connState) readLoop(ctx context.Context, wsConn *websocket.Conn) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, idleTimeout)
		_, data, err := wsConn.Read(readCtx)
		cancel()
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				slog.Debug("ws: read error", "connection_id", s.connectionID, "error", err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("ws: dropping malformed frame", "connection_id", s.connectionID, "error", err)
			continue
		}
		frame.raw = data

		if !s.admitFrame(frame) {
			if s.terminated {
				return
			}
			continue
		}

		s.dispatch(ctx, frame)
	}
}

// admitFrame runs the §4.3 step 4 pre-dispatch gate shared by every frame
// type, including the handshake itself: drop anything before a handshake,
// then admit(sessionHash ?? connectionId) before any work — including
// registry.Bind — happens. Without admitting the handshake frame by its
// own sessionHash, a banned sessionHash could simply reconnect on a fresh
// socket and hand the same sessionHash to handleHandshake unchecked.
// Returns false if frame must not be dispatched; s.terminated is set if
// the connection was closed as a result (banned).
func (s *connState) admitFrame(frame inboundFrame) bool {
	if s.sessionHash == "" && frame.Type != "handshake" {
		slog.Warn("ws: dropping frame before handshake", "connection_id", s.connectionID, "type", frame.Type)
		return false
	}

	admitKey := admitKeyFor(s.sessionHash, frame.SessionHash, s.connectionID)
	decision := s.handler.limiter.Admit(admitKey, 1)
	if decision.Allowed {
		return true
	}

	switch decision.Reason {
	case ratelimit.ReasonBanned:
		_ = s.conn.Send(newCommandFrame(command.New(command.Terminate, command.TerminatePayload{
			Reason: "Too many requests - temporarily banned",
		})))
		s.conn.Close("banned")
		s.terminated = true
	case ratelimit.ReasonRateLimit:
		if s.sessionHash != "" {
			s.handler.maybeAutoThrottle(s.sessionHash)
		}
	}
	return false
}

// admitKeyFor resolves the admission key for an inbound frame per
// spec.md §4.3 step 4's admit(sessionHash ?? connectionId): the bound
// session hash once known, else the frame's own sessionHash (handshake),
// else the connection id.
func admitKeyFor(boundSessionHash, frameSessionHash, connectionID string) string {
	if boundSessionHash != "" {
		return boundSessionHash
	}
	if frameSessionHash != "" {
		return frameSessionHash
	}
	return connectionID
}

func (s *connState) dispatch(ctx context.Context, frame inboundFrame) {
	switch frame.Type {
	case "handshake":
		s.handleHandshake(ctx, frame)
	case "batch":
		s.handleBatch(frame)
	case "event", "interaction":
		s.handleSingleEvent(frame)
	case "command_ack":
		s.handleCommandAck(ctx, frame)
	case "pong":
		// liveness only; idle timeout reset happens via the read itself.
	default:
		slog.Warn("ws: dropping unknown frame type", "connection_id", s.connectionID, "type", frame.Type)
	}
}

func (s *connState) handleHandshake(ctx context.Context, frame inboundFrame) {
	if frame.SessionHash == "" {
		slog.Warn("ws: handshake missing sessionHash", "connection_id", s.connectionID)
		return
	}

	var meta handshakeMetadata
	if len(frame.Metadata) > 0 {
		if err := json.Unmarshal(frame.Metadata, &meta); err != nil {
			slog.Warn("ws: malformed handshake metadata", "connection_id", s.connectionID, "error", err)
		}
	}

	geoInfo := s.handler.geo.Enrich(s.peerIP)
	device := session.DeviceMeta{
		UserAgent:    meta.UserAgent,
		PageURL:      meta.PageURL,
		Referrer:     meta.Referrer,
		ScreenWidth:  meta.ScreenWidth,
		ScreenHeight: meta.ScreenHeight,
		Timezone:     meta.Timezone,
		NetworkType:  meta.NetworkType,
		BatteryLevel: meta.BatteryLevel,
	}

	st, err := s.handler.registry.Bind(s.connectionID, frame.SessionHash, s.peerIP, session.GeoInfo{
		Country: geoInfo.Country, City: geoInfo.City, ISP: geoInfo.ISP, Lat: geoInfo.Lat, Lon: geoInfo.Lon,
	}, device, s.conn)
	if err != nil {
		slog.Warn("ws: bind rejected", "connection_id", s.connectionID, "session_hash", frame.SessionHash, "error", err)
		_ = s.conn.Send(errorFrame("session_terminated"))
		s.conn.Close("session_terminated")
		return
	}

	s.sessionHash = frame.SessionHash

	go func() {
		upsertCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.handler.repo.Upsert(upsertCtx, st); err != nil {
			slog.Warn("ws: upsert on handshake failed", "session_hash", s.sessionHash, "error", err)
		}
	}()
}

func (s *connState) handleBatch(frame inboundFrame) {
	var rawEvents []json.RawMessage
	if len(frame.Events) > 0 {
		if err := json.Unmarshal(frame.Events, &rawEvents); err != nil {
			slog.Warn("ws: malformed batch events", "connection_id", s.connectionID, "error", err)
			return
		}
	}
	for _, re := range rawEvents {
		s.enqueueEvent(re)
	}
	s.handler.registry.Touch(s.sessionHash, len(rawEvents))
	s.recomputeRisk()
}

func (s *connState) handleSingleEvent(frame inboundFrame) {
	s.enqueueEvent(frame.raw)
	s.handler.registry.Touch(s.sessionHash, 1)
	s.recomputeRisk()
}

func (s *connState) enqueueEvent(raw json.RawMessage) {
	var shape struct {
		Type            string     `json:"type"`
		InteractionType string     `json:"interactionType"`
		Timestamp       *time.Time `json:"timestamp"`
		LatencyMs       int        `json:"latencyMs"`
		Lat             float64    `json:"lat"`
		Lon             float64    `json:"lon"`
	}
	_ = json.Unmarshal(raw, &shape)

	ts := time.Now()
	if shape.Timestamp != nil {
		ts = *shape.Timestamp
	}

	s.handler.sink.Enqueue(eventsink.RawEvent{
		SessionHash:     s.sessionHash,
		IPAddress:       s.peerIP,
		EventType:       shape.Type,
		InteractionType: shape.InteractionType,
		Timestamp:       ts,
		LatencyMs:       shape.LatencyMs,
		Lat:             shape.Lat,
		Lon:             shape.Lon,
		PayloadJSON:     raw,
	})
	s.eventCount++
}

func (s *connState) recomputeRisk() {
	score, isBot := s.handler.limiter.RiskScore(s.sessionHash)
	s.handler.registry.SetRisk(s.sessionHash, score, isBot)
	go func() {
		riskCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.handler.repo.SetRisk(riskCtx, s.sessionHash, score, isBot); err != nil {
			slog.Warn("ws: setRisk failed", "session_hash", s.sessionHash, "error", err)
		}
	}()
}

func (s *connState) handleCommandAck(ctx context.Context, frame inboundFrame) {
	if frame.CommandID == "" {
		return
	}
	status := command.StatusAcknowledged
	errMsg := ""
	if len(frame.Result) > 0 {
		var res ackResult
		if err := json.Unmarshal(frame.Result, &res); err == nil && res.Error != "" {
			status = command.StatusFailed
			errMsg = res.Error
		}
	}

	go func() {
		updCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		now := time.Now()
		if err := s.handler.repo.UpdateCommandStatus(updCtx, frame.CommandID, status, errMsg, &now); err != nil {
			slog.Warn("ws: updateCommandStatus failed", "command_id", frame.CommandID, "error", err)
		}
	}()
}
