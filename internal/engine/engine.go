// Package engine is the live trading core: it serializes signals per
// instrument, runs both validation stages, sizes and gates entries,
// drives the executor and keeps memory and database in step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantarch/pyramid/internal/clock"
	"github.com/quantarch/pyramid/internal/config"
	"github.com/quantarch/pyramid/internal/domain"
	"github.com/quantarch/pyramid/internal/execution"
	"github.com/quantarch/pyramid/internal/gates"
	"github.com/quantarch/pyramid/internal/metrics"
	"github.com/quantarch/pyramid/internal/persistence"
	"github.com/quantarch/pyramid/internal/portfolio"
	"github.com/quantarch/pyramid/internal/stops"
	"github.com/quantarch/pyramid/internal/validation"
)

// Reason codes for leadership refusals. Followers answer at HTTP 200 so
// the upstream's retry heuristics stay quiet; a retry would land on an
// instance that will never execute.
const (
	ReasonNotLeader      = "not_leader"
	ReasonLostLeadership = "lost_leadership"
)

// Leadership is the slice of the coordinator the engine needs.
type Leadership interface {
	IsLeader() bool
	InstanceID() string
}

// Outcome is the engine's answer for one signal, echoed in the webhook
// response and the audit log.
type Outcome struct {
	Status      domain.SignalStatus `json:"status"`
	Reason      string              `json:"reason,omitempty"`
	Fingerprint string              `json:"fingerprint"`
	Lots        int                 `json:"lots,omitempty"`
	Execution   *execution.Result   `json:"execution,omitempty"`

	// Stage-2 provenance: which price the engine acted on, and whether
	// the execution gate was bypassed for lack of a broker quote.
	ValidationBypassed bool    `json:"validation_bypassed,omitempty"`
	SourcePrice        float64 `json:"source_price_used,omitempty"`
}

// auditResult is the result summary persisted on the signal_log row. A
// bypassed validation must be visible in the audit trail, not only in
// metrics.
func (o Outcome) auditResult() string {
	parts := make([]string, 0, 2)
	if o.Reason != "" {
		parts = append(parts, o.Reason)
	}
	if o.ValidationBypassed {
		parts = append(parts, "validation_bypassed=true")
	}
	return strings.Join(parts, "; ")
}

// Engine processes validated signals against the portfolio book.
type Engine struct {
	cfg       *config.Config
	state     *portfolio.State
	store     persistence.Store
	validator *validation.Validator
	executor  execution.Executor
	gates     *gates.Evaluator
	stops     *stops.Manager
	leader    Leadership
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// Per-instrument locks: signals for different instruments run
	// concurrently, signals for the same instrument strictly in order.
	lockMu sync.Mutex
	locks  map[domain.Instrument]*sync.Mutex
}

// New wires the engine.
func New(cfg *config.Config, state *portfolio.State, store persistence.Store,
	validator *validation.Validator, executor execution.Executor,
	leader Leadership, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) *Engine {

	return &Engine{
		cfg:       cfg,
		state:     state,
		store:     store,
		validator: validator,
		executor:  executor,
		gates: gates.NewEvaluator(gates.Config{
			ATRSpacingMultiplier: cfg.Risk.ATRSpacingMultiplier,
			RiskCapPct:           cfg.Risk.RiskCapPct,
			VolCapPct:            cfg.Risk.VolCapPct,
			MarginCapPct:         cfg.Risk.MarginCapPct,
		}),
		stops:   stops.NewManager(stops.DefaultConfig()),
		leader:  leader,
		clock:   clk,
		metrics: m,
		logger:  logger.With().Str("component", "engine").Logger(),
		locks:   make(map[domain.Instrument]*sync.Mutex),
	}
}

func (e *Engine) instrumentLock(instrument domain.Instrument) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu, ok := e.locks[instrument]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[instrument] = mu
	}
	return mu
}

// ProcessSignal runs one signal end to end. Every refusal, leadership
// included, is a terminal Outcome status; the error return is reserved
// for transport-level failures.
func (e *Engine) ProcessSignal(ctx context.Context, sig *domain.Signal, payload []byte) (Outcome, error) {
	if !e.leader.IsLeader() {
		e.metrics.SignalsRejected.WithLabelValues(ReasonNotLeader).Inc()
		return Outcome{Status: domain.SignalStatusRejected, Reason: ReasonNotLeader}, nil
	}

	fp := sig.Fingerprint()
	logger := e.logger.With().
		Str("fingerprint", fp[:12]).
		Str("type", string(sig.Type)).
		Str("instrument", string(sig.Instrument)).
		Logger()

	dup, err := e.store.IsDuplicateFingerprint(ctx, fp, e.cfg.Pipeline.DedupWindow)
	if err != nil {
		logger.Warn().Err(err).Msg("dedup check failed, falling through to unique insert")
	}
	if dup {
		e.metrics.DuplicateSignals.Inc()
		logger.Info().Msg("duplicate signal dropped")
		return Outcome{Status: domain.SignalStatusDuplicate, Fingerprint: fp,
			Reason: "fingerprint seen within dedup window"}, nil
	}

	err = e.store.LogSignal(ctx, &domain.SignalLogEntry{
		Fingerprint: fp,
		Payload:     payload,
		ReceivedAt:  e.clock.Now(),
		ProcessedBy: e.leader.InstanceID(),
		Status:      domain.SignalStatusExecuting,
	})
	if errors.Is(err, persistence.ErrDuplicate) {
		// Lost the insert race against another request with the same alert.
		e.metrics.DuplicateSignals.Inc()
		return Outcome{Status: domain.SignalStatusDuplicate, Fingerprint: fp,
			Reason: "fingerprint seen within dedup window"}, nil
	}
	if err != nil {
		logger.Warn().Err(err).Msg("signal audit insert failed, processing anyway")
	}

	// Leadership can move during the audit round trip; a demoted instance
	// must not touch the book.
	if !e.leader.IsLeader() {
		e.metrics.SignalsRejected.WithLabelValues(ReasonLostLeadership).Inc()
		e.finalize(ctx, fp, domain.SignalStatusRejected, ReasonLostLeadership)
		return Outcome{Status: domain.SignalStatusRejected, Reason: ReasonLostLeadership,
			Fingerprint: fp}, nil
	}

	mu := e.instrumentLock(sig.Instrument)
	mu.Lock()
	defer mu.Unlock()

	outcome := e.dispatch(ctx, sig, fp, logger)
	outcome.Fingerprint = fp
	e.finalize(ctx, fp, outcome.Status, outcome.auditResult())
	e.metrics.SignalsProcessed.WithLabelValues(string(outcome.Status)).Inc()
	return outcome, nil
}

func (e *Engine) dispatch(ctx context.Context, sig *domain.Signal, fp string, logger zerolog.Logger) Outcome {
	cond := e.validator.ValidateCondition(sig)
	if !cond.IsValid {
		e.metrics.SignalsRejected.WithLabelValues("condition").Inc()
		logger.Info().Str("reason", cond.Reason).Msg("signal rejected by condition gate")
		return Outcome{Status: domain.SignalStatusRejected, Reason: cond.Reason}
	}

	switch sig.Type {
	case domain.SignalBaseEntry:
		return e.handleBaseEntry(ctx, sig, fp, cond.DelayTier, logger)
	case domain.SignalPyramid:
		return e.handlePyramid(ctx, sig, fp, cond.DelayTier, logger)
	case domain.SignalExit:
		return e.handleExit(ctx, sig, fp, cond.DelayTier, logger)
	case domain.SignalEODMonitor:
		logger.Info().RawJSON("position_status", nonEmpty(sig.PositionStatus)).
			Msg("eod monitor snapshot logged")
		return Outcome{Status: domain.SignalStatusIgnored, Reason: "eod monitor is informational"}
	default:
		return Outcome{Status: domain.SignalStatusRejected,
			Reason: fmt.Sprintf("unsupported signal type %s", sig.Type)}
	}
}

func nonEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

// finalize moves the audit row to its terminal status.
func (e *Engine) finalize(ctx context.Context, fp string, status domain.SignalStatus, result string) {
	err := persistence.WithBackoff(ctx, e.logger, "signal_status", func(ctx context.Context) error {
		return e.store.UpdateSignalStatus(ctx, fp, status, result)
	})
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		e.logger.Warn().Err(err).Str("fingerprint", fp[:12]).Msg("failed to finalize signal audit row")
	}
}

// syncAggregate pushes the current portfolio summary to the store. A
// version conflict means another instance wrote a newer summary, which
// only happens when this one lost leadership mid-flight.
func (e *Engine) syncAggregate(ctx context.Context) {
	agg := e.state.Aggregate()
	agg.UpdatedAt = e.clock.Now()

	err := persistence.WithBackoff(ctx, e.logger, "aggregate", func(ctx context.Context) error {
		return e.store.SavePortfolioAggregate(ctx, &agg)
	})
	switch {
	case err == nil:
	case errors.Is(err, persistence.ErrVersionConflict):
		e.critical(err, "aggregate sync lost to a newer writer, another instance may be trading")
	default:
		e.critical(err, "portfolio aggregate sync failed, memory is ahead of the database")
	}
}

// critical logs a fill-vs-database divergence. The book in memory stays
// authoritative; the operator reconciles the store.
func (e *Engine) critical(err error, msg string) {
	e.logger.Error().
		Err(err).
		Str("severity", "critical").
		Str("alert", "🚨 PERSISTENCE DIVERGENCE").
		Msg(msg)
}

// UpdateTrailingStops feeds fresh closes into every open leg's trail and
// persists any stop that advanced.
func (e *Engine) UpdateTrailingStops(ctx context.Context, marks map[domain.Instrument]Mark) int {
	advanced := 0
	for _, p := range e.state.OpenPositions() {
		mark, ok := marks[p.Instrument]
		if !ok {
			continue
		}

		mu := e.instrumentLock(p.Instrument)
		mu.Lock()
		current, ok := e.state.Position(p.ID)
		if !ok || current.Status != domain.PositionOpen {
			mu.Unlock()
			continue
		}
		if e.stops.Update(&current, mark.Close, mark.ATR) {
			if err := e.state.ApplyStop(current.ID, current.CurrentStop, current.HighestClose); err != nil {
				e.logger.Warn().Err(err).Str("position_id", current.ID).Msg("stop apply refused")
				mu.Unlock()
				continue
			}
			advanced++
			e.logger.Info().
				Str("position_id", current.ID).
				Float64("stop", current.CurrentStop).
				Float64("highest_close", current.HighestClose).
				Msg("trailing stop advanced")
			e.persistPosition(ctx, current.ID)
		}
		mu.Unlock()
	}
	if advanced > 0 {
		e.syncAggregate(ctx)
	}
	return advanced
}

// Mark is a close/ATR pair for trailing-stop sweeps.
type Mark struct {
	Close float64
	ATR   float64
}

// persistPosition writes the current in-memory copy of a leg through to
// the store.
func (e *Engine) persistPosition(ctx context.Context, id string) {
	p, ok := e.state.Position(id)
	if !ok {
		return
	}
	err := persistence.WithBackoff(ctx, e.logger, "position", func(ctx context.Context) error {
		cp := p
		return e.store.UpdatePosition(ctx, &cp)
	})
	if err != nil {
		e.critical(err, "position update failed, memory is ahead of the database")
	}
}

// executeAndObserve runs the executor and records latency and status.
func (e *Engine) executeAndObserve(ctx context.Context, order execution.Order) execution.Result {
	start := time.Now()
	res := e.executor.Execute(ctx, order)
	e.metrics.OrderFillLatency.Observe(time.Since(start).Seconds())
	e.metrics.OrdersExecuted.WithLabelValues(string(res.Status)).Inc()
	return res
}
