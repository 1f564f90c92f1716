package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trafficctl/control-plane/internal/command"
	"github.com/trafficctl/control-plane/internal/session"
	"github.com/trafficctl/control-plane/internal/store"
)

func marshalPayload(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

const sessionColumns = `session_hash, ip_address, geo_country, geo_city, geo_isp, geo_lat, geo_lon,
	user_agent, page_url, referrer, screen_width, screen_height, timezone, network_type,
	battery_level, mode, current_latency_ms, total_events, risk_score, is_bot,
	violation_count, first_seen, last_seen, last_violation_at, connected`

func scanSession(row pgx.Row) (session.State, error) {
	var st session.State
	var mode string
	var lastViolationAt *time.Time
	err := row.Scan(
		&st.SessionHash, &st.IPAddress, &st.Geo.Country, &st.Geo.City, &st.Geo.ISP, &st.Geo.Lat, &st.Geo.Lon,
		&st.Device.UserAgent, &st.Device.PageURL, &st.Device.Referrer, &st.Device.ScreenWidth, &st.Device.ScreenHeight,
		&st.Device.Timezone, &st.Device.NetworkType, &st.Device.BatteryLevel,
		&mode, &st.CurrentLatencyMs, &st.TotalEvents, &st.RiskScore, &st.IsBot,
		&st.ViolationCount, &st.FirstSeen, &st.LastSeen, &lastViolationAt, &st.Connected,
	)
	if err != nil {
		return session.State{}, err
	}
	st.Mode = session.Mode(mode)
	if lastViolationAt != nil {
		st.LastViolationAt = *lastViolationAt
	}
	return st, nil
}

// GetSession returns a single session by hash. A read timeout degrades to
// ok=false, not an error, per the read-path graceful-degradation rule.
func (s *Store) GetSession(ctx context.Context, sessionHash string) (session.State, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_hash = $1`, sessionHash)
	st, err := scanSession(row)
	if err == pgx.ErrNoRows {
		return session.State{}, false, nil
	}
	if err != nil {
		if isTimeout(err) {
			slog.Warn("postgres: GetSession timed out, degrading to not found", "session_hash", sessionHash)
			return session.State{}, false, nil
		}
		return session.State{}, false, fmt.Errorf("postgres: get session: %w", err)
	}
	return st, true, nil
}

// GetActiveSessions returns sessions last seen within minutesAgo. A
// timed-out read degrades to an empty slice.
func (s *Store) GetActiveSessions(ctx context.Context, minutesAgo int) ([]session.State, error) {
	cutoff := time.Now().Add(-time.Duration(minutesAgo) * time.Minute)
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE last_seen >= $1 ORDER BY last_seen DESC`, cutoff)
	if err != nil {
		return emptyOnTimeout[session.State](err, "GetActiveSessions")
	}
	defer rows.Close()
	return scanSessions(rows)
}

// GetHighRiskSessions returns sessions flagged as bots or at/above the
// high-risk threshold (risk_score >= 80; the ratelimit package sets the
// bot flag only for scores above 80).
func (s *Store) GetHighRiskSessions(ctx context.Context) ([]session.State, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE is_bot OR risk_score >= 80 ORDER BY risk_score DESC`)
	if err != nil {
		return emptyOnTimeout[session.State](err, "GetHighRiskSessions")
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows pgx.Rows) ([]session.State, error) {
	var out []session.State
	for rows.Next() {
		st, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan session row: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetCommandHistory returns up to limit audit records for sessionHash,
// most recent first.
func (s *Store) GetCommandHistory(ctx context.Context, sessionHash string, limit int) ([]command.AuditRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT command_id, command_type, payload_json, session_hash, admin_id, admin_ip, status, error_message, created_at, acknowledged_at
FROM command_audit WHERE session_hash = $1 ORDER BY created_at DESC LIMIT $2`, sessionHash, limit)
	if err != nil {
		return emptyOnTimeout[command.AuditRecord](err, "GetCommandHistory")
	}
	defer rows.Close()

	var out []command.AuditRecord
	for rows.Next() {
		var rec command.AuditRecord
		var payload []byte
		var status string
		if err := rows.Scan(&rec.Envelope.ID, &rec.Envelope.Type, &payload, &rec.SessionHash,
			&rec.AdminID, &rec.AdminIP, &status, &rec.ErrorMessage, &rec.Envelope.CreatedAt, &rec.AcknowledgedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan command audit row: %w", err)
		}
		rec.Status = command.Status(status)
		var payloadVal interface{}
		if err := json.Unmarshal(payload, &payloadVal); err == nil {
			rec.Envelope.Payload = payloadVal
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetDashboardStats aggregates the counters backing the admin dashboard.
func (s *Store) GetDashboardStats(ctx context.Context) (store.DashboardStats, error) {
	var stats store.DashboardStats
	row := s.pool.QueryRow(ctx, `
SELECT
	count(*) FILTER (WHERE last_seen >= now() - interval '15 minutes'),
	count(*) FILTER (WHERE connected),
	count(*) FILTER (WHERE is_bot OR risk_score >= 80),
	count(*) FILTER (WHERE mode = 'terminated' AND last_seen >= date_trunc('day', now())),
	coalesce(sum(total_events) FILTER (WHERE last_seen >= date_trunc('day', now())), 0)
FROM sessions`)
	if err := row.Scan(&stats.ActiveSessions, &stats.ConnectedNow, &stats.HighRiskSessions, &stats.TerminatedToday, &stats.EventsToday); err != nil {
		if isTimeout(err) {
			slog.Warn("postgres: GetDashboardStats timed out, degrading to zero stats")
			return store.DashboardStats{}, nil
		}
		return store.DashboardStats{}, fmt.Errorf("postgres: get dashboard stats: %w", err)
	}

	cmdRow := s.pool.QueryRow(ctx, `SELECT count(*) FROM command_audit WHERE created_at >= date_trunc('day', now())`)
	if err := cmdRow.Scan(&stats.CommandsToday); err != nil && !isTimeout(err) {
		return store.DashboardStats{}, fmt.Errorf("postgres: get commands today: %w", err)
	}
	return stats, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func emptyOnTimeout[T any](err error, op string) ([]T, error) {
	if isTimeout(err) {
		slog.Warn("postgres: read timed out, degrading to empty result", "op", op)
		return nil, nil
	}
	return nil, fmt.Errorf("postgres: %s: %w", op, err)
}
