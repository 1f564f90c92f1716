// Package store is the durable-write side of session state: upserts for
// session metadata and the command audit trail, spec.md §4.5 (C6). Every
// write is graceful-degradation — on a store error the caller logs and
// moves on, because the in-memory registry in internal/session remains
// the live source of truth (spec.md §4.5, §7). Read paths that time out
// return empty results rather than errors for the same reason.
package store

import (
	"context"
	"time"

	"github.com/trafficctl/control-plane/internal/command"
	"github.com/trafficctl/control-plane/internal/session"
)

// DashboardStats is the aggregate view backing the admin dashboard, the
// dbStats field of GET /admin/analytics (spec.md §6.3).
type DashboardStats struct {
	ActiveSessions   int
	ConnectedNow     int
	HighRiskSessions int
	TerminatedToday  int
	CommandsToday    int
	EventsToday      int64
}

// Repository is the durable counterpart to internal/session.Registry.
// Implementations must never block the caller on a down database beyond
// a bounded timeout; every method is expected to degrade to its zero
// value plus a logged error rather than propagate upward indefinitely.
type Repository interface {
	// Upsert creates or refreshes a session row keyed by sessionHash,
	// the entry point when C3 first binds a connection (spec.md §4.3).
	Upsert(ctx context.Context, s session.State) error

	// SetConnected records liveness transitions as sessions connect and
	// disconnect.
	SetConnected(ctx context.Context, sessionHash string, connected bool) error

	// IncrementEventCount bumps the durable event counter by delta.
	IncrementEventCount(ctx context.Context, sessionHash string, delta int) error

	// SetMode persists a mode/latency transition already validated and
	// applied in-memory by internal/session.Registry.
	SetMode(ctx context.Context, sessionHash string, mode session.Mode, latencyMs int) error

	// SetRisk persists an updated risk score and bot flag.
	SetRisk(ctx context.Context, sessionHash string, riskScore int, isBot bool) error

	// IncrementViolations bumps the durable violation counter and stamps
	// the last-violation timestamp.
	IncrementViolations(ctx context.Context, sessionHash string, at time.Time) error

	// LogCommand writes the initial audit record for a dispatched
	// command, spec.md §4.6 "audit record to C6".
	LogCommand(ctx context.Context, rec command.AuditRecord) error

	// UpdateCommandStatus updates a previously logged command's delivery
	// status, e.g. on a command_ack frame (spec.md §4.3).
	UpdateCommandStatus(ctx context.Context, commandID string, status command.Status, errMsg string, ackedAt *time.Time) error

	// GetActiveSessions returns sessions last seen within minutesAgo.
	GetActiveSessions(ctx context.Context, minutesAgo int) ([]session.State, error)

	// GetSession returns a single session by hash, or ok=false if absent
	// or the read timed out.
	GetSession(ctx context.Context, sessionHash string) (s session.State, ok bool, err error)

	// GetHighRiskSessions returns sessions currently flagged as bots or
	// above the high-risk threshold.
	GetHighRiskSessions(ctx context.Context) ([]session.State, error)

	// GetCommandHistory returns up to limit audit records for
	// sessionHash, most recent first.
	GetCommandHistory(ctx context.Context, sessionHash string, limit int) ([]command.AuditRecord, error)

	// GetDashboardStats aggregates the counters backing the admin
	// dashboard.
	GetDashboardStats(ctx context.Context) (DashboardStats, error)

	// Ping verifies connectivity, used by the /health endpoint.
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}
