package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// BackoffDelays is the write-retry schedule for connection failures.
// Logic errors (constraint violations, version conflicts) never retry.
var BackoffDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// IsConnectionError reports whether the failure is worth retrying:
// broken pool connections, network errors and the Postgres class 08
// connection exceptions. Everything else is a logic error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08"
	}
	return false
}

// WithBackoff runs fn, retrying connection failures on the backoff
// schedule. The context bounds the whole sequence.
func WithBackoff(ctx context.Context, logger zerolog.Logger, op string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil || !IsConnectionError(err) {
		return err
	}

	for _, delay := range BackoffDelays {
		logger.Warn().Err(err).Str("op", op).Dur("retry_in", delay).Msg("database connection failure, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		err = fn(ctx)
		if err == nil || !IsConnectionError(err) {
			return err
		}
	}
	return err
}
