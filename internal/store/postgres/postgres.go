// Package postgres implements internal/store.Repository against Postgres
// via pgx/v5, spec.md §4.5 (C6). The adapter keeps the teacher's SQLite
// shape (a Repository interface plus one concrete adapter, ON CONFLICT
// upserts, exponential-backoff retry around transient errors) but is
// generalized to a connection-pooled Postgres backend: the admin API and
// the ingest path hit this store concurrently from many goroutines,
// which is beyond what a single SQLite writer can give without
// serializing every admin action behind ingest traffic. Pulled in from
// the holomush example repo, which uses pgx/v5 as its transactional
// store driver.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trafficctl/control-plane/internal/command"
	"github.com/trafficctl/control-plane/internal/session"
	"github.com/trafficctl/control-plane/internal/store"
)

// Store implements store.Repository using a pgxpool connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres at dsn, verifies reachability, and ensures
// the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
	session_hash       TEXT PRIMARY KEY,
	ip_address         TEXT NOT NULL DEFAULT '',
	geo_country        TEXT NOT NULL DEFAULT '',
	geo_city           TEXT NOT NULL DEFAULT '',
	geo_isp            TEXT NOT NULL DEFAULT '',
	geo_lat            DOUBLE PRECISION NOT NULL DEFAULT 0,
	geo_lon            DOUBLE PRECISION NOT NULL DEFAULT 0,
	user_agent         TEXT NOT NULL DEFAULT '',
	page_url           TEXT NOT NULL DEFAULT '',
	referrer           TEXT NOT NULL DEFAULT '',
	screen_width       INTEGER NOT NULL DEFAULT 0,
	screen_height      INTEGER NOT NULL DEFAULT 0,
	timezone           TEXT NOT NULL DEFAULT '',
	network_type       TEXT NOT NULL DEFAULT '',
	battery_level      INTEGER,
	mode               TEXT NOT NULL DEFAULT 'normal',
	current_latency_ms INTEGER NOT NULL DEFAULT 0,
	total_events       BIGINT NOT NULL DEFAULT 0,
	risk_score         INTEGER NOT NULL DEFAULT 0,
	is_bot             BOOLEAN NOT NULL DEFAULT FALSE,
	violation_count    INTEGER NOT NULL DEFAULT 0,
	first_seen         TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen          TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_violation_at  TIMESTAMPTZ,
	connected          BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen);
CREATE INDEX IF NOT EXISTS idx_sessions_risk ON sessions(risk_score) WHERE is_bot OR risk_score >= 80;

CREATE TABLE IF NOT EXISTS command_audit (
	command_id      TEXT PRIMARY KEY,
	session_hash    TEXT NOT NULL,
	command_type    TEXT NOT NULL,
	payload_json    JSONB NOT NULL,
	admin_id        TEXT NOT NULL DEFAULT '',
	admin_ip        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	acknowledged_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_command_audit_session ON command_audit(session_hash, created_at DESC);
`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// withRetry runs op at most 3 times in all, backing off exponentially
// (50ms, then 100ms) between attempts on a retryable Postgres error, the
// Postgres analogue of the teacher's SQLITE_BUSY retry loop.
func withRetry(ctx context.Context, op func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("postgres: retryable error, backing off", "attempt", i+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Upsert creates or refreshes a session row.
func (s *Store) Upsert(ctx context.Context, st session.State) error {
	const q = `
INSERT INTO sessions (
	session_hash, ip_address, geo_country, geo_city, geo_isp, geo_lat, geo_lon,
	user_agent, page_url, referrer, screen_width, screen_height, timezone, network_type,
	battery_level, mode, current_latency_ms, total_events, risk_score, is_bot,
	violation_count, first_seen, last_seen, last_violation_at, connected
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
ON CONFLICT (session_hash) DO UPDATE SET
	ip_address = EXCLUDED.ip_address,
	geo_country = EXCLUDED.geo_country,
	geo_city = EXCLUDED.geo_city,
	geo_isp = EXCLUDED.geo_isp,
	geo_lat = EXCLUDED.geo_lat,
	geo_lon = EXCLUDED.geo_lon,
	user_agent = EXCLUDED.user_agent,
	page_url = EXCLUDED.page_url,
	referrer = EXCLUDED.referrer,
	screen_width = EXCLUDED.screen_width,
	screen_height = EXCLUDED.screen_height,
	timezone = EXCLUDED.timezone,
	network_type = EXCLUDED.network_type,
	battery_level = EXCLUDED.battery_level,
	last_seen = EXCLUDED.last_seen,
	connected = EXCLUDED.connected`

	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, q,
			st.SessionHash, st.IPAddress, st.Geo.Country, st.Geo.City, st.Geo.ISP, st.Geo.Lat, st.Geo.Lon,
			st.Device.UserAgent, st.Device.PageURL, st.Device.Referrer, st.Device.ScreenWidth, st.Device.ScreenHeight,
			st.Device.Timezone, st.Device.NetworkType, st.Device.BatteryLevel,
			string(st.Mode), st.CurrentLatencyMs, st.TotalEvents, st.RiskScore, st.IsBot,
			st.ViolationCount, nonZeroOrNow(st.FirstSeen), nonZeroOrNow(st.LastSeen), nilIfZero(st.LastViolationAt), st.Connected,
		)
		return err
	})
}

func nonZeroOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func nilIfZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// SetConnected records a liveness transition.
func (s *Store) SetConnected(ctx context.Context, sessionHash string, connected bool) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `UPDATE sessions SET connected = $1, last_seen = now() WHERE session_hash = $2`, connected, sessionHash)
		return err
	})
}

// IncrementEventCount bumps the durable event counter by delta.
func (s *Store) IncrementEventCount(ctx context.Context, sessionHash string, delta int) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `UPDATE sessions SET total_events = total_events + $1, last_seen = now() WHERE session_hash = $2`, delta, sessionHash)
		return err
	})
}

// SetMode persists a mode/latency transition.
func (s *Store) SetMode(ctx context.Context, sessionHash string, mode session.Mode, latencyMs int) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `UPDATE sessions SET mode = $1, current_latency_ms = $2 WHERE session_hash = $3`, string(mode), latencyMs, sessionHash)
		return err
	})
}

// SetRisk persists an updated risk score and bot flag.
func (s *Store) SetRisk(ctx context.Context, sessionHash string, riskScore int, isBot bool) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `UPDATE sessions SET risk_score = $1, is_bot = $2 WHERE session_hash = $3`, riskScore, isBot, sessionHash)
		return err
	})
}

// IncrementViolations bumps the durable violation counter.
func (s *Store) IncrementViolations(ctx context.Context, sessionHash string, at time.Time) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `UPDATE sessions SET violation_count = violation_count + 1, last_violation_at = $1 WHERE session_hash = $2`, at, sessionHash)
		return err
	})
}

// LogCommand writes the initial audit record for a dispatched command.
func (s *Store) LogCommand(ctx context.Context, rec command.AuditRecord) error {
	payload, err := marshalPayload(rec.Envelope.Payload)
	if err != nil {
		return fmt.Errorf("postgres: marshal command payload: %w", err)
	}
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO command_audit (command_id, session_hash, command_type, payload_json, admin_id, admin_ip, status, error_message, created_at, acknowledged_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (command_id) DO NOTHING`,
			rec.Envelope.ID, rec.SessionHash, string(rec.Envelope.Type), payload,
			rec.AdminID, rec.AdminIP, string(rec.Status), rec.ErrorMessage,
			rec.Envelope.CreatedAt, rec.AcknowledgedAt,
		)
		return err
	})
}

// UpdateCommandStatus updates a previously logged command's status.
func (s *Store) UpdateCommandStatus(ctx context.Context, commandID string, status command.Status, errMsg string, ackedAt *time.Time) error {
	return withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
UPDATE command_audit SET status = $1, error_message = $2, acknowledged_at = COALESCE($3, acknowledged_at)
WHERE command_id = $4`, string(status), errMsg, ackedAt, commandID)
		return err
	})
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var _ store.Repository = (*Store)(nil)
