package eventsink

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseWriter persists normalized events into the append-only
// events table using the native PrepareBatch API. Every column is bound
// positionally rather than interpolated into SQL text, per spec.md §9's
// hardened-variant requirement that the event log never build queries by
// string concatenation. Grounded on the clickhouse-go/v2 dependency
// pulled in via the tbourn-chatbot and dantte-lp-gobfd example
// manifests.
type ClickHouseWriter struct {
	conn driver.Conn
}

// NewClickHouseWriter opens a native-protocol connection to addr
// (host:port) using database/username/password, and verifies
// reachability with a ping.
func NewClickHouseWriter(ctx context.Context, addr, database, username, password string) (*ClickHouseWriter, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	return &ClickHouseWriter{conn: conn}, nil
}

// EnsureSchema creates the events table if it does not already exist.
// MergeTree keeps insert-heavy telemetry append-only and cheap to scan by
// time range, matching the event log's write pattern (§3 "Event" /
// §4.5).
func (w *ClickHouseWriter) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS traffic_events (
	session_hash     String,
	ip_address_v4    UInt32,
	event_type       LowCardinality(String),
	interaction_type LowCardinality(String),
	ts               DateTime64(3),
	screen_width     UInt16,
	screen_height    UInt16,
	latency_ms       UInt32,
	lat              Float64,
	lon              Float64,
	battery_level    Nullable(UInt8),
	risk_score       UInt8,
	payload_json     String
) ENGINE = MergeTree
ORDER BY (session_hash, ts)
`
	return w.conn.Exec(ctx, ddl)
}

// WriteBatch implements eventsink.Writer. Rows failing column binding
// abort the whole batch; ClickHouse batches are all-or-nothing by
// design, which is what lets the Sink safely re-queue on failure.
func (w *ClickHouseWriter) WriteBatch(ctx context.Context, rows []NormalizedEvent) error {
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO traffic_events")
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.SessionHash,
			r.IPAddressV4,
			r.EventType,
			r.InteractionType,
			r.Timestamp,
			uint16(r.ScreenWidth),
			uint16(r.ScreenHeight),
			uint32(r.LatencyMs),
			r.Lat,
			r.Lon,
			batteryColumn(r.BatteryLevel),
			uint8(r.RiskScore),
			string(r.PayloadJSON),
		); err != nil {
			return fmt.Errorf("clickhouse: append row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send batch: %w", err)
	}
	return nil
}

func batteryColumn(b *int) *uint8 {
	if b == nil {
		return nil
	}
	v := uint8(*b)
	return &v
}

// Close releases the underlying connection pool.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

// Ping verifies connectivity, used by the /health endpoint.
func (w *ClickHouseWriter) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}
