package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantarch/pyramid/internal/clock"
	"github.com/quantarch/pyramid/internal/config"
	"github.com/quantarch/pyramid/internal/domain"
	"github.com/quantarch/pyramid/internal/engine"
	"github.com/quantarch/pyramid/internal/metrics"
	"github.com/quantarch/pyramid/internal/persistence/memory"
	"github.com/quantarch/pyramid/internal/portfolio"
	"github.com/quantarch/pyramid/internal/validation"
)

// processingDelay is the simulated wire-to-engine latency per signal;
// small enough to keep every replayed signal in the fresh tier.
const processingDelay = time.Second

// Report summarizes a finished replay.
type Report struct {
	Signals      int                         `json:"signals"`
	ParseErrors  int                         `json:"parse_errors"`
	Outcomes     map[domain.SignalStatus]int `json:"outcomes"`
	FinalEquity  float64                     `json:"final_equity"`
	OpenLegs     int                         `json:"open_legs"`
	StartedAt    *time.Time                  `json:"first_signal_at,omitempty"`
	FinishedAt   *time.Time                  `json:"last_signal_at,omitempty"`
	StopAdvances int                         `json:"stop_advances"`
}

// Runner replays a signal stream through the live engine wiring.
type Runner struct {
	cfg    *config.Config
	state  *portfolio.State
	broker *SimBroker
	engine *engine.Engine
	clock  *clock.Fake
	logger zerolog.Logger
}

// alwaysLeader satisfies the engine's leadership check; a backtest is its
// own single instance.
type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool     { return true }
func (alwaysLeader) InstanceID() string { return "backtest" }

// NewRunner assembles the replay harness. slippagePct applies adverse
// slippage to every simulated fill.
func NewRunner(cfg *config.Config, slippagePct float64, logger zerolog.Logger) *Runner {
	clk := clock.NewFake(time.Unix(0, 0).UTC())
	m := metrics.NewForTest()
	state := portfolio.NewState(cfg.Portfolio.InitialCapital, cfg.InstrumentSpecs())
	sim := NewSimBroker(slippagePct)
	validator := validation.New(sim, cfg.Validation, clk, m, logger)
	eng := engine.New(cfg, state, memory.New(), validator, sim, alwaysLeader{}, clk, m, logger)

	return &Runner{
		cfg:    cfg,
		state:  state,
		broker: sim,
		engine: eng,
		clock:  clk,
		logger: logger.With().Str("component", "backtest").Logger(),
	}
}

// State exposes the book for post-run inspection.
func (r *Runner) State() *portfolio.State { return r.state }

// Run replays the stream to exhaustion and reports.
func (r *Runner) Run(ctx context.Context, stream *Stream) (*Report, error) {
	report := &Report{Outcomes: make(map[domain.SignalStatus]int)}

	for {
		payload, line, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return report, fmt.Errorf("signal stream read failed at line %d: %w", line, err)
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Signals++
		if err := r.replayOne(ctx, payload, report); err != nil {
			report.ParseErrors++
			r.logger.Warn().Err(err).Int("line", line).Msg("signal skipped")
		}
	}

	report.FinalEquity = r.state.Equity()
	report.OpenLegs = len(r.state.OpenPositions())
	return report, nil
}

// replayOne advances the fake clock to the signal's timestamp, marks the
// simulated market at the signal price and runs the engine.
func (r *Runner) replayOne(ctx context.Context, payload []byte, report *Report) error {
	var header struct {
		Timestamp  string  `json:"timestamp"`
		Instrument string  `json:"instrument"`
		Price      float64 `json:"price"`
	}
	if err := json.Unmarshal(payload, &header); err != nil {
		return fmt.Errorf("malformed replay line: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, header.Timestamp)
	if err != nil {
		return fmt.Errorf("bad replay timestamp %q: %w", header.Timestamp, err)
	}
	ts = ts.UTC()

	r.clock.Set(ts.Add(processingDelay))
	if report.StartedAt == nil {
		report.StartedAt = &ts
	}
	report.FinishedAt = &ts

	sig, err := domain.ParseSignal(payload, r.clock.Now())
	if err != nil {
		return err
	}
	if sig.Price > 0 {
		r.broker.SetPrice(sig.Instrument, sig.Price)
	}

	// A replayed close also feeds the trailing ratchet, the way the live
	// sweep job would between signals.
	if sig.Type != domain.SignalExit && sig.Price > 0 {
		report.StopAdvances += r.engine.UpdateTrailingStops(ctx, map[domain.Instrument]engine.Mark{
			sig.Instrument: {Close: sig.Price, ATR: sig.ATR},
		})
	}

	outcome, err := r.engine.ProcessSignal(ctx, sig, payload)
	if err != nil {
		return err
	}
	report.Outcomes[outcome.Status]++
	return nil
}
