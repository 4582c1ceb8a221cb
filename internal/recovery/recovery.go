// Package recovery rebuilds the in-memory book from the database on
// startup and leader takeover. Recovered state replaces, never merges:
// whatever was in memory is discarded wholesale.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantarch/pyramid/internal/domain"
	"github.com/quantarch/pyramid/internal/persistence"
	"github.com/quantarch/pyramid/internal/portfolio"
)

// ErrorCode classifies recovery failures for the operator.
type ErrorCode string

const (
	// CodeDBUnavailable: the database could not be reached after the
	// backoff schedule. Retry later; nothing is wrong with the data.
	CodeDBUnavailable ErrorCode = "DB_UNAVAILABLE"

	// CodeDataCorrupt: a stored row violates a position invariant.
	// Manual intervention required, the process must not trade.
	CodeDataCorrupt ErrorCode = "DATA_CORRUPT"

	// CodeValidationFailed: rows are individually sound but the stored
	// aggregate does not reconcile with recomputed sums.
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"
)

// Error is a classified recovery failure.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("recovery failed (%s): %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Loader rebuilds portfolio state from the store.
type Loader struct {
	store  persistence.Store
	specs  map[domain.Instrument]domain.InstrumentSpec
	logger zerolog.Logger

	// DegradedStart installs an empty book when the database cannot be
	// reached, instead of returning DB_UNAVAILABLE. Operator opt-in.
	DegradedStart bool
}

// NewLoader builds a recovery loader over the instrument catalog.
func NewLoader(store persistence.Store, specs map[domain.Instrument]domain.InstrumentSpec, logger zerolog.Logger) *Loader {
	return &Loader{
		store:  store,
		specs:  specs,
		logger: logger.With().Str("component", "recovery").Logger(),
	}
}

// LoadState fetches durable state, validates it and installs it into the
// book. On any *Error the book is left untouched and the caller must not
// activate trading.
func (l *Loader) LoadState(ctx context.Context, state *portfolio.State, initialCapital float64) error {
	l.logger.Info().Msg("state recovery started")
	start := time.Now()

	var (
		positions []domain.Position
		pyramids  []domain.PyramidState
		aggregate *domain.PortfolioAggregate
	)

	err := persistence.WithBackoff(ctx, l.logger, "load_state", func(ctx context.Context) error {
		var err error
		if positions, err = l.store.GetOpenPositions(ctx); err != nil {
			return err
		}
		if pyramids, err = l.store.GetPyramidStates(ctx); err != nil {
			return err
		}
		aggregate, err = l.store.GetPortfolioAggregate(ctx)
		return err
	})

	freshStart := false
	if errors.Is(err, persistence.ErrNotFound) {
		// First boot: no aggregate row yet. Seed from configuration.
		freshStart = true
		aggregate = &domain.PortfolioAggregate{
			InitialCapital: decimal.NewFromFloat(initialCapital),
			ClosedEquity:   decimal.Zero,
		}
		err = nil
	}
	if err != nil {
		if persistence.IsConnectionError(err) || errors.Is(err, context.DeadlineExceeded) {
			if l.DegradedStart {
				l.logger.Error().Err(err).
					Msg("database unavailable, starting with an empty book; durable state will not be recovered")
				state.Replace(nil, map[domain.Instrument]domain.PyramidState{},
					domain.PortfolioAggregate{
						InitialCapital: decimal.NewFromFloat(initialCapital),
						ClosedEquity:   decimal.Zero,
					})
				return nil
			}
			return &Error{Code: CodeDBUnavailable, Err: err}
		}
		return &Error{Code: CodeDataCorrupt, Err: err}
	}

	if freshStart && (len(positions) > 0 || len(pyramids) > 0) {
		return &Error{Code: CodeDataCorrupt,
			Err: fmt.Errorf("positions or pyramid rows exist without a portfolio aggregate")}
	}

	for i := range positions {
		if err := positions[i].Validate(); err != nil {
			return &Error{Code: CodeDataCorrupt, Err: err}
		}
	}

	pyramidMap := make(map[domain.Instrument]domain.PyramidState, len(pyramids))
	for _, ps := range pyramids {
		if _, ok := l.specs[ps.Instrument]; !ok {
			return &Error{Code: CodeDataCorrupt,
				Err: fmt.Errorf("pyramid state for unknown instrument %s", ps.Instrument)}
		}
		pyramidMap[ps.Instrument] = ps
	}
	for i := range positions {
		if _, ok := l.specs[positions[i].Instrument]; !ok {
			return &Error{Code: CodeDataCorrupt,
				Err: fmt.Errorf("position %s references unknown instrument %s",
					positions[i].ID, positions[i].Instrument)}
		}
	}

	// Reconcile on a scratch book first so the live book stays untouched
	// when the stored aggregate disagrees with recomputed sums.
	scratch := portfolio.NewState(0, l.specs)
	scratch.Replace(positions, pyramidMap, *aggregate)
	if !freshStart {
		if err := scratch.Reconcile(*aggregate); err != nil {
			return &Error{Code: CodeValidationFailed, Err: err}
		}
	}

	state.Replace(positions, pyramidMap, *aggregate)

	l.logger.Info().
		Int("positions", len(positions)).
		Int("pyramid_states", len(pyramidMap)).
		Float64("equity", state.Equity()).
		Bool("fresh_start", freshStart).
		Dur("took", time.Since(start)).
		Msg("state recovery complete")
	return nil
}
