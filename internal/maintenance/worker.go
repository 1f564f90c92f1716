// Package maintenance runs the background sweeps described in spec.md
// §4.7/§9: periodic dashboard-stat logging and pruning of long-disconnected
// sessions. Grounded on the teacher's internal/container.StartTTLWorker
// ticker-loop shape, generalized from container TTL sweeps to session/store
// hygiene — the rate limiter's own idle-bucket eviction already runs itself
// (internal/ratelimit.Limiter.evictLoop) and is not duplicated here.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/trafficctl/control-plane/internal/session"
	"github.com/trafficctl/control-plane/internal/store"
)

const (
	dashboardInterval  = 60 * time.Second
	sessionGCInterval  = 24 * time.Hour
	disconnectedMaxAge = 7 * 24 * time.Hour
)

// Worker owns the periodic sweeps. It holds no state of its own beyond
// what's needed to talk to the registry and store; dashboard stats are
// logged rather than cached, since C7's /admin/stats and /admin/analytics
// routes already query the registry/store live.
type Worker struct {
	registry *session.Registry
	repo     store.Repository
}

// New creates a maintenance worker.
func New(registry *session.Registry, repo store.Repository) *Worker {
	return &Worker{registry: registry, repo: repo}
}

// Run blocks until ctx is canceled, driving both sweeps on independent
// tickers. Call it in its own goroutine from cmd/server/main.go.
func (w *Worker) Run(ctx context.Context) {
	dashboardTicker := time.NewTicker(dashboardInterval)
	defer dashboardTicker.Stop()
	gcTicker := time.NewTicker(sessionGCInterval)
	defer gcTicker.Stop()

	slog.Info("maintenance worker started",
		"dashboard_interval", dashboardInterval,
		"session_gc_interval", sessionGCInterval)

	for {
		select {
		case <-dashboardTicker.C:
			w.refreshDashboard(ctx)
		case <-gcTicker.C:
			w.pruneStaleSessions(ctx)
		case <-ctx.Done():
			slog.Info("maintenance worker shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (w *Worker) refreshDashboard(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stats, err := w.repo.GetDashboardStats(ctx)
	if err != nil {
		slog.Warn("maintenance: dashboard stats refresh failed", "error", err)
		return
	}
	slog.Info("dashboard snapshot",
		"active_sessions", stats.ActiveSessions,
		"connected_now", stats.ConnectedNow,
		"high_risk_sessions", stats.HighRiskSessions,
		"terminated_today", stats.TerminatedToday,
		"commands_today", stats.CommandsToday,
		"events_today", stats.EventsToday,
		"registry_count", w.registry.Count(),
	)
}

// pruneStaleSessions removes disconnected sessions that have been idle
// past disconnectedMaxAge from the in-process registry. The registry only
// holds what's bound to this node, so nothing in C6 needs deleting here:
// historical rows stay in Postgres for audit/analytics purposes.
func (w *Worker) pruneStaleSessions(ctx context.Context) {
	_ = ctx
	cutoff := time.Now().Add(-disconnectedMaxAge)
	removed := w.registry.DeleteOlderThan(cutoff)
	if removed > 0 {
		slog.Info("maintenance: pruned stale disconnected sessions", "count", removed)
	}
}
