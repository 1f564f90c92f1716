package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// isRetryable reports whether err represents a transient Postgres
// condition worth a bounded retry-with-backoff, the generalization of
// the teacher's SQLITE_BUSY/"database is locked" check to Postgres error
// codes. 40001 is serialization_failure, 40P01 is deadlock_detected,
// 55P03 is lock_not_available.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	default:
		return false
	}
}
