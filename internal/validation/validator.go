package validation

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/quantarch/pyramid/internal/broker"
	"github.com/quantarch/pyramid/internal/clock"
	"github.com/quantarch/pyramid/internal/config"
	"github.com/quantarch/pyramid/internal/metrics"
)

// Validator runs both admission stages. One instance serves all
// instruments; it keeps no per-signal state.
type Validator struct {
	broker  broker.Client
	cfg     config.ValidationConfig
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger

	// quoteDelays is the broker backoff schedule, trimmed to
	// cfg.QuoteAttempts. Tests shorten it.
	quoteDelays []time.Duration
}

// New builds a validator on the shared broker client.
func New(client broker.Client, cfg config.ValidationConfig, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) *Validator {
	attempts := cfg.QuoteAttempts
	if attempts < 1 || attempts > len(broker.RetryDelays) {
		attempts = len(broker.RetryDelays)
	}
	return &Validator{
		broker:      client,
		cfg:         cfg,
		clock:       clk,
		metrics:     m,
		logger:      logger.With().Str("component", "validator").Logger(),
		quoteDelays: broker.RetryDelays[:attempts],
	}
}
