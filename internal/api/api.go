// Package api implements the admin HTTP surface of spec.md §4.6/§6.3
// (C7): session control routes, analytics, and the beacon/health
// endpoints. Grounded on the teacher's internal/api package (chi router,
// a Handler holding shared dependencies, JSON/Error response helpers),
// generalized from container-session management to traffic-shaping
// command dispatch. Auth is new — the teacher has none, relying on
// anonymous cookie identity — and uses internal/httpx.RequireAPIKey per
// spec.md §9's hardened-variant requirement.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/trafficctl/control-plane/internal/command"
	"github.com/trafficctl/control-plane/internal/commandbus"
	"github.com/trafficctl/control-plane/internal/eventsink"
	"github.com/trafficctl/control-plane/internal/geoip"
	"github.com/trafficctl/control-plane/internal/ratelimit"
	"github.com/trafficctl/control-plane/internal/session"
	"github.com/trafficctl/control-plane/internal/store"
)

// Pinger is satisfied by any dependency GET /health should report on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the dependencies shared by every admin/beacon/health
// route.
type Handler struct {
	registry  *session.Registry
	limiter   *ratelimit.Limiter
	bus       commandbus.Bus
	repo      store.Repository
	sink      *eventsink.Sink
	geo       *geoip.Lookup
	startedAt time.Time

	clickhouse Pinger
	redis      Pinger
}

// New creates the admin API handler. clickhouse and redis may be nil
// (e.g. an in-process command bus has no external Redis to ping); a nil
// Pinger reports healthy, matching the "never fatal" rule for C4's
// presence-index backend in spec.md §6.
func New(registry *session.Registry, limiter *ratelimit.Limiter, bus commandbus.Bus, repo store.Repository, sink *eventsink.Sink, geo *geoip.Lookup, clickhouse, redis Pinger) *Handler {
	return &Handler{
		registry:   registry,
		limiter:    limiter,
		bus:        bus,
		repo:       repo,
		sink:       sink,
		geo:        geo,
		startedAt:  time.Now(),
		clickhouse: clickhouse,
		redis:      redis,
	}
}

// publishAndAudit publishes a command to sessionHash and writes the audit
// record through C6, per spec.md §4.6 "on every successful call emit an
// audit record to C6". Both calls degrade gracefully on their own; this
// helper exists only to keep every route's dispatch symmetrical.
func (h *Handler) publishAndAudit(adminID, adminIP, sessionHash string, env command.Envelope) {
	rec := command.AuditRecord{
		Envelope:    env,
		SessionHash: sessionHash,
		AdminID:     adminID,
		AdminIP:     adminIP,
		Status:      command.StatusSent,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.repo.LogCommand(ctx, rec); err != nil {
			slog.Warn("api: logCommand failed", "session_hash", sessionHash, "command_type", env.Type, "error", err)
		}
	}()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := h.bus.Publish(ctx, sessionHash, env); err != nil {
			slog.Warn("api: publish failed", "session_hash", sessionHash, "command_type", env.Type, "error", err)
		}
	}()
}
