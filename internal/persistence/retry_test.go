package persistence

import (
	"context"
	"database/sql/driver"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad_conn", driver.ErrBadConn, true},
		{"wrapped_bad_conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"net_timeout", &net.OpError{Op: "dial", Err: fmt.Errorf("timeout")}, true},
		{"pq_connection_class", &pq.Error{Code: "08006"}, true},
		{"pq_unique_violation", &pq.Error{Code: "23505"}, false},
		{"plain_error", fmt.Errorf("constraint failed"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionError(tt.err))
		})
	}
}

func TestWithBackoff_RetriesOnlyConnectionErrors(t *testing.T) {
	orig := BackoffDelays
	BackoffDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { BackoffDelays = orig }()

	t.Run("recovers_after_transient_failure", func(t *testing.T) {
		calls := 0
		err := WithBackoff(context.Background(), zerolog.Nop(), "save", func(context.Context) error {
			calls++
			if calls < 3 {
				return driver.ErrBadConn
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("logic_error_not_retried", func(t *testing.T) {
		calls := 0
		err := WithBackoff(context.Background(), zerolog.Nop(), "save", func(context.Context) error {
			calls++
			return fmt.Errorf("version conflict")
		})
		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives_up_after_schedule", func(t *testing.T) {
		calls := 0
		err := WithBackoff(context.Background(), zerolog.Nop(), "save", func(context.Context) error {
			calls++
			return driver.ErrBadConn
		})
		assert.Error(t, err)
		assert.Equal(t, 4, calls)
	})
}
