package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantarch/pyramid/internal/broker"
	"github.com/quantarch/pyramid/internal/domain"
	"github.com/quantarch/pyramid/internal/execution"
	"github.com/quantarch/pyramid/internal/gates"
	"github.com/quantarch/pyramid/internal/persistence"
	"github.com/quantarch/pyramid/internal/sizing"
	"github.com/quantarch/pyramid/internal/validation"
)

func (e *Engine) handleBaseEntry(ctx context.Context, sig *domain.Signal, fp string,
	tier validation.DelayTier, logger zerolog.Logger) Outcome {

	spec, ok := e.state.Spec(sig.Instrument)
	if !ok {
		return Outcome{Status: domain.SignalStatusRejected,
			Reason: fmt.Sprintf("unknown instrument %s", sig.Instrument)}
	}
	if _, exists := e.state.BasePosition(sig.Instrument); exists {
		e.metrics.SignalsRejected.WithLabelValues("base_exists").Inc()
		return Outcome{Status: domain.SignalStatusRejected,
			Reason: "base position already open, expected PYRAMID"}
	}

	execCheck := e.validator.ValidateExecution(ctx, sig, tier)
	if !execCheck.IsValid {
		e.metrics.SignalsRejected.WithLabelValues("execution").Inc()
		logger.Info().Str("reason", execCheck.Reason).Msg("base entry rejected by execution gate")
		return stampValidation(Outcome{Status: domain.SignalStatusRejected, Reason: execCheck.Reason}, execCheck)
	}
	price := execCheck.SourcePrice

	stop := e.stops.InitialStop(price, sig.Stop, sig.ATR)
	bd, err := sizing.BaseEntryLots(sizing.BaseEntryInput{
		Equity:          e.state.Equity(),
		RiskPct:         e.cfg.Risk.RiskPct,
		Entry:           price,
		Stop:            stop,
		PointValue:      spec.PointValue,
		ER:              sig.ER,
		ATR:             sig.ATR,
		VolPct:          e.cfg.Risk.VolPct,
		AvailableMargin: e.state.AvailableMargin(e.cfg.Risk.MarginCapPct),
		MarginPerLot:    spec.MarginPerLot,
	})
	if err != nil {
		e.metrics.SignalsRejected.WithLabelValues("sizing").Inc()
		return stampValidation(Outcome{Status: domain.SignalStatusRejected, Reason: err.Error()}, execCheck)
	}

	// LotV is advisory: reported for the operator, excluded from the min.
	logger.Info().
		Int("risk_lots", bd.RiskLots).
		Int("vol_lots", bd.VolLots).
		Int("margin_lots", bd.MarginLots).
		Int("lots", bd.Lots).
		Float64("entry", price).
		Float64("stop", stop).
		Msg("base entry sized")

	if bd.Lots == 0 {
		e.metrics.SignalsRejected.WithLabelValues("sizing").Inc()
		return stampValidation(Outcome{Status: domain.SignalStatusRejected,
			Reason: "constraints sized the entry to zero lots"}, execCheck)
	}

	res := e.executeAndObserve(ctx, execution.Order{
		Instrument: sig.Instrument,
		Side:       broker.SideBuy,
		Lots:       bd.Lots,
		LimitPrice: price,
		Tag:        fp[:12],
	})
	if res.LotsFilled == 0 {
		return stampValidation(Outcome{Status: domain.SignalStatusFailed,
			Reason:    fmt.Sprintf("execution %s: %s", res.Status, res.Notes),
			Lots:      bd.Lots,
			Execution: &res}, execCheck)
	}

	now := e.clock.Now()
	p := &domain.Position{
		ID:             domain.NewPositionID(sig.Instrument, sig.Slot, now),
		Instrument:     sig.Instrument,
		Slot:           sig.Slot,
		IsBasePosition: true,
		EntryPrice:     res.AvgFillPrice,
		InitialStop:    stop,
		CurrentStop:    stop,
		Lots:           res.LotsFilled,
		EntryATR:       sig.ATR,
		Status:         domain.PositionOpen,
		OpenedAt:       now,
		RealizedPnL:    decimal.Zero,
	}
	if err := e.state.AddPosition(p); err != nil {
		// Filled at the broker with nowhere to book it; this cannot be
		// silently dropped.
		e.critical(err, "filled base entry could not be admitted into the book")
		return stampValidation(Outcome{Status: domain.SignalStatusFailed, Reason: err.Error(), Execution: &res}, execCheck)
	}
	ps := domain.PyramidState{
		Instrument:       sig.Instrument,
		LastPyramidPrice: res.AvgFillPrice,
		BasePositionID:   &p.ID,
		PyramidCount:     0,
		UpdatedAt:        now,
	}
	e.state.SetPyramidState(ps)

	e.persistNewPosition(ctx, p, &ps)
	e.syncAggregate(ctx)

	reason := ""
	if res.Status == execution.StatusPartial {
		reason = fmt.Sprintf("partial fill: %d of %d lots", res.LotsFilled, bd.Lots)
	}
	return stampValidation(Outcome{Status: domain.SignalStatusExecuted, Reason: reason,
		Lots: res.LotsFilled, Execution: &res}, execCheck)
}

func (e *Engine) handlePyramid(ctx context.Context, sig *domain.Signal, fp string,
	tier validation.DelayTier, logger zerolog.Logger) Outcome {

	spec, ok := e.state.Spec(sig.Instrument)
	if !ok {
		return Outcome{Status: domain.SignalStatusRejected,
			Reason: fmt.Sprintf("unknown instrument %s", sig.Instrument)}
	}
	base, ok := e.state.BasePosition(sig.Instrument)
	if !ok {
		e.metrics.SignalsRejected.WithLabelValues("no_base").Inc()
		return Outcome{Status: domain.SignalStatusRejected,
			Reason: "no open base position, expected BASE_ENTRY first"}
	}
	ps, ok := e.state.PyramidState(sig.Instrument)
	if !ok {
		// Base without pyramid metadata means a corrupt book.
		e.critical(fmt.Errorf("instrument %s has a base but no pyramid state", sig.Instrument),
			"pyramid metadata missing for open base")
		return Outcome{Status: domain.SignalStatusRejected, Reason: "pyramid metadata missing"}
	}

	// The gate runs on the alert's own price, before any broker round
	// trip: a refused pyramid never spends a quote.
	rollups := e.state.Recompute()
	unrealized := e.state.UnrealizedPnL(sig.Instrument, sig.Price)
	hypoLots := sig.Lots
	if hypoLots < 1 {
		hypoLots = 1
	}
	verdict := e.gates.Evaluate(gates.Input{
		Spec:             spec,
		Signal:           sig,
		InitialR:         base.EntryPrice - base.InitialStop,
		LastPyramidPrice: ps.LastPyramidPrice,
		Equity:           e.state.Equity(),
		TotalRiskAmount:  rollups.TotalRiskAmount,
		TotalVolAmount:   rollups.TotalVolAmount,
		MarginUsed:       rollups.MarginUsed,
		HypotheticalLots: hypoLots,
		UnrealizedPnL:    unrealized,
	})
	if !verdict.Admit {
		e.metrics.SignalsRejected.WithLabelValues(verdict.Gate).Inc()
		logger.Info().Str("gate", verdict.Gate).Str("reason", verdict.Reason).Msg("pyramid rejected")
		return Outcome{Status: domain.SignalStatusRejected,
			Reason: fmt.Sprintf("%s: %s", verdict.Gate, verdict.Reason)}
	}

	execCheck := e.validator.ValidateExecution(ctx, sig, tier)
	if !execCheck.IsValid {
		e.metrics.SignalsRejected.WithLabelValues("execution").Inc()
		return stampValidation(Outcome{Status: domain.SignalStatusRejected, Reason: execCheck.Reason}, execCheck)
	}
	price := execCheck.SourcePrice

	newStop := e.stops.InitialStop(price, sig.Stop, sig.ATR)
	bd, err := sizing.PyramidLots(sizing.PyramidInput{
		FreeMargin:         e.state.AvailableMargin(e.cfg.Risk.MarginCapPct),
		MarginPerLot:       spec.MarginPerLot,
		BaseLots:           base.Lots,
		PyramidIndex:       ps.PyramidCount + 1,
		Decay:              e.cfg.Risk.PyramidDecay,
		AccumulatedProfit:  unrealized,
		BaseRisk:           (base.EntryPrice - base.InitialStop) * float64(base.Lots) * spec.PointValue,
		ProfitRiskFraction: e.cfg.Risk.ProfitRiskFraction,
		Entry:              price,
		NewStop:            newStop,
		PointValue:         spec.PointValue,
	})
	if err != nil {
		e.metrics.SignalsRejected.WithLabelValues("sizing").Inc()
		return stampValidation(Outcome{Status: domain.SignalStatusRejected, Reason: err.Error()}, execCheck)
	}

	logger.Info().
		Int("margin_lots", bd.MarginLots).
		Int("decay_lots", bd.DecayLots).
		Int("profit_lots", bd.ProfitLots).
		Int("lots", bd.Lots).
		Int("pyramid_index", ps.PyramidCount+1).
		Msg("pyramid sized")

	if bd.Lots == 0 {
		e.metrics.SignalsRejected.WithLabelValues("sizing").Inc()
		return stampValidation(Outcome{Status: domain.SignalStatusRejected,
			Reason: "constraints sized the pyramid to zero lots"}, execCheck)
	}

	res := e.executeAndObserve(ctx, execution.Order{
		Instrument: sig.Instrument,
		Side:       broker.SideBuy,
		Lots:       bd.Lots,
		LimitPrice: price,
		Tag:        fp[:12],
	})
	if res.LotsFilled == 0 {
		// last_pyramid_price only advances on a fill; an unfilled pyramid
		// leaves spacing as it was.
		return stampValidation(Outcome{Status: domain.SignalStatusFailed,
			Reason:    fmt.Sprintf("execution %s: %s", res.Status, res.Notes),
			Lots:      bd.Lots,
			Execution: &res}, execCheck)
	}

	now := e.clock.Now()
	p := &domain.Position{
		ID:          domain.NewPositionID(sig.Instrument, sig.Slot, now),
		Instrument:  sig.Instrument,
		Slot:        sig.Slot,
		EntryPrice:  res.AvgFillPrice,
		InitialStop: newStop,
		CurrentStop: newStop,
		Lots:        res.LotsFilled,
		EntryATR:    sig.ATR,
		Status:      domain.PositionOpen,
		OpenedAt:    now,
		RealizedPnL: decimal.Zero,
	}
	if err := e.state.AddPosition(p); err != nil {
		e.critical(err, "filled pyramid could not be admitted into the book")
		return stampValidation(Outcome{Status: domain.SignalStatusFailed, Reason: err.Error(), Execution: &res}, execCheck)
	}
	ps.LastPyramidPrice = res.AvgFillPrice
	ps.PyramidCount++
	ps.UpdatedAt = now
	e.state.SetPyramidState(ps)

	e.persistNewPosition(ctx, p, &ps)
	e.syncAggregate(ctx)

	reason := ""
	if res.Status == execution.StatusPartial {
		reason = fmt.Sprintf("partial fill: %d of %d lots", res.LotsFilled, bd.Lots)
	}
	return stampValidation(Outcome{Status: domain.SignalStatusExecuted, Reason: reason,
		Lots: res.LotsFilled, Execution: &res}, execCheck)
}

func (e *Engine) handleExit(ctx context.Context, sig *domain.Signal, fp string,
	tier validation.DelayTier, logger zerolog.Logger) Outcome {

	legs := e.state.OpenByInstrument(sig.Instrument)
	if len(legs) == 0 {
		e.metrics.SignalsRejected.WithLabelValues("no_position").Inc()
		return Outcome{Status: domain.SignalStatusRejected, Reason: "no open position to exit"}
	}

	execCheck := e.validator.ValidateExecution(ctx, sig, tier)
	if !execCheck.IsValid {
		e.metrics.SignalsRejected.WithLabelValues("execution").Inc()
		return stampValidation(Outcome{Status: domain.SignalStatusRejected, Reason: execCheck.Reason}, execCheck)
	}
	price := execCheck.SourcePrice

	var targets []domain.Position
	if strings.EqualFold(sig.Slot, domain.SlotAll) {
		targets = legs
	} else {
		for _, leg := range legs {
			if leg.Slot == sig.Slot {
				targets = append(targets, leg)
			}
		}
	}
	if len(targets) == 0 {
		e.metrics.SignalsRejected.WithLabelValues("unknown_slot").Inc()
		return Outcome{Status: domain.SignalStatusRejected,
			Reason: fmt.Sprintf("no open leg in slot %q", sig.Slot)}
	}

	var (
		closed   int
		partials int
		failures []string
		last     execution.Result
		lotsOut  int
	)
	for _, leg := range targets {
		res := e.executeAndObserve(ctx, execution.Order{
			Instrument: sig.Instrument,
			Side:       broker.SideSell,
			Lots:       leg.Lots,
			LimitPrice: price,
			Tag:        fp[:12],
		})
		last = res

		switch {
		case res.LotsFilled == leg.Lots:
			if _, err := e.state.ClosePosition(leg.ID, res.AvgFillPrice, e.clock.Now()); err != nil {
				e.critical(err, "filled exit could not be booked")
				failures = append(failures, err.Error())
				continue
			}
			closed++
			lotsOut += res.LotsFilled
			e.persistPosition(ctx, leg.ID)
		case res.LotsFilled > 0:
			if _, err := e.state.ReducePosition(leg.ID, res.LotsFilled, res.AvgFillPrice, e.clock.Now()); err != nil {
				e.critical(err, "partial exit fill could not be booked")
				failures = append(failures, err.Error())
				continue
			}
			partials++
			lotsOut += res.LotsFilled
			e.persistPosition(ctx, leg.ID)
		default:
			failures = append(failures, fmt.Sprintf("leg %s: %s %s", leg.ID, res.Status, res.Notes))
		}
	}

	// The instrument going flat retires its pyramid metadata; a base
	// closed with pyramids still open leaves the metadata behind with a
	// nulled base reference until the last leg exits.
	if len(e.state.OpenByInstrument(sig.Instrument)) == 0 {
		e.state.DeletePyramidState(sig.Instrument)
		err := persistence.WithBackoff(ctx, e.logger, "pyramid_state", func(ctx context.Context) error {
			return e.store.DeletePyramidState(ctx, sig.Instrument)
		})
		if err != nil {
			e.critical(err, "pyramid state delete failed, memory is ahead of the database")
		}
	} else if _, hasBase := e.state.BasePosition(sig.Instrument); !hasBase {
		if ps, ok := e.state.PyramidState(sig.Instrument); ok && ps.BasePositionID != nil {
			ps.BasePositionID = nil
			ps.UpdatedAt = e.clock.Now()
			e.state.SetPyramidState(ps)
			err := persistence.WithBackoff(ctx, e.logger, "pyramid_state", func(ctx context.Context) error {
				return e.store.SavePyramidState(ctx, &ps)
			})
			if err != nil {
				e.critical(err, "pyramid state not persisted, memory is ahead of the database")
			}
		}
	}
	e.syncAggregate(ctx)

	switch {
	case closed == len(targets):
		logger.Info().Int("legs", closed).Int("lots", lotsOut).Msg("exit complete")
		return stampValidation(Outcome{Status: domain.SignalStatusExecuted, Lots: lotsOut, Execution: &last}, execCheck)
	case closed > 0 || partials > 0:
		return stampValidation(Outcome{Status: domain.SignalStatusExecuted, Lots: lotsOut, Execution: &last,
			Reason: fmt.Sprintf("partial exit: %d closed, %d reduced, failures: %s",
				closed, partials, strings.Join(failures, "; "))}, execCheck)
	default:
		return stampValidation(Outcome{Status: domain.SignalStatusFailed, Execution: &last,
			Reason: strings.Join(failures, "; ")}, execCheck)
	}
}

// stampValidation copies Stage-2 provenance onto a terminal outcome so
// the webhook response and audit row show the price acted on and
// whether the execution gate was bypassed.
func stampValidation(o Outcome, v validation.ExecutionValidationResult) Outcome {
	o.ValidationBypassed = v.Bypassed
	o.SourcePrice = v.SourcePrice
	return o
}

// persistNewPosition writes a freshly opened leg and its pyramid
// metadata through to the store. Failures leave memory authoritative.
func (e *Engine) persistNewPosition(ctx context.Context, p *domain.Position, ps *domain.PyramidState) {
	err := persistence.WithBackoff(ctx, e.logger, "position_insert", func(ctx context.Context) error {
		cp := *p
		return e.store.SavePosition(ctx, &cp)
	})
	if err != nil {
		e.critical(err, "filled entry not persisted, memory is ahead of the database")
	}
	err = persistence.WithBackoff(ctx, e.logger, "pyramid_state", func(ctx context.Context) error {
		return e.store.SavePyramidState(ctx, ps)
	})
	if err != nil {
		e.critical(err, "pyramid state not persisted, memory is ahead of the database")
	}
}
