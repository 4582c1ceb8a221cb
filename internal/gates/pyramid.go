// Package gates enforces hard admission requirements for pyramid entries.
// Gates are evaluated in order; the first failing gate wins and its name
// lands in logs and metrics.
package gates

import (
	"fmt"

	"github.com/quantarch/pyramid/internal/domain"
)

// Gate names returned in rejection reasons.
const (
	GateInstrument = "instrument_gate"
	GatePortfolio  = "portfolio_gate"
	GateProfit     = "profit_gate"
)

// Config contains the hard thresholds for pyramid admission.
type Config struct {
	// ATRSpacingMultiplier scales the minimum ATR distance from the last
	// pyramid price. Default 1.0.
	ATRSpacingMultiplier float64 `yaml:"atr_spacing_multiplier"`

	RiskCapPct   float64 `yaml:"risk_cap_pct"`   // portfolio open-risk cap, default 0.12
	VolCapPct    float64 `yaml:"vol_cap_pct"`    // portfolio volatility cap, default 0.04
	MarginCapPct float64 `yaml:"margin_cap_pct"` // margin utilisation cap, default 0.60
}

// DefaultConfig returns production-ready gate thresholds.
func DefaultConfig() Config {
	return Config{
		ATRSpacingMultiplier: 1.0,
		RiskCapPct:           0.12,
		VolCapPct:            0.04,
		MarginCapPct:         0.60,
	}
}

// Input is everything a pyramid admission decision needs. Portfolio sums
// are passed by value so the evaluator stays pure.
type Input struct {
	Spec   domain.InstrumentSpec
	Signal *domain.Signal

	// InitialR is the base position's initial risk in points
	// (entry - initial_stop).
	InitialR float64

	LastPyramidPrice float64

	Equity          float64
	TotalRiskAmount float64
	TotalVolAmount  float64
	MarginUsed      float64

	// HypotheticalLots is the lot count assumed for the portfolio gate's
	// what-if admission; the signal's advisory lots, floored at one.
	HypotheticalLots int

	// UnrealizedPnL is the instrument-level open P&L.
	UnrealizedPnL float64
}

// Result reports the admission decision with a structured reason.
type Result struct {
	Admit  bool   `json:"admit"`
	Gate   string `json:"gate,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Evaluator answers "may this pyramid admit?".
type Evaluator struct {
	cfg Config
}

// NewEvaluator builds a pyramid gate evaluator.
func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Evaluate runs the three gates in order: instrument spacing, portfolio
// caps under hypothetical admission, instrument profit.
func (e *Evaluator) Evaluate(in Input) Result {
	if r := e.instrumentGate(in); !r.Admit {
		return r
	}
	if r := e.portfolioGate(in); !r.Admit {
		return r
	}
	if r := e.profitGate(in); !r.Admit {
		return r
	}
	return Result{Admit: true}
}

// instrumentGate rejects pyramiding too close to the prior entry: the new
// price must clear max(initial_R, spacing_mult * ATR) above it.
func (e *Evaluator) instrumentGate(in Input) Result {
	required := in.InitialR
	if atrDist := e.cfg.ATRSpacingMultiplier * in.Signal.ATR; atrDist > required {
		required = atrDist
	}
	distance := in.Signal.Price - in.LastPyramidPrice
	if distance < required {
		return Result{
			Gate: GateInstrument,
			Reason: fmt.Sprintf("distance %.2f below required spacing %.2f from last pyramid %.2f",
				distance, required, in.LastPyramidPrice),
		}
	}
	return Result{Admit: true}
}

// portfolioGate checks the caps as if the pyramid were already admitted.
func (e *Evaluator) portfolioGate(in Input) Result {
	if in.Equity <= 0 {
		return Result{Gate: GatePortfolio, Reason: "equity is not positive"}
	}

	lots := in.HypotheticalLots
	if lots < 1 {
		lots = 1
	}
	addedRisk := (in.Signal.Price - in.Signal.Stop) * float64(lots) * in.Spec.PointValue
	addedVol := in.Signal.ATR * float64(lots) * in.Spec.PointValue
	addedMargin := float64(lots) * in.Spec.MarginPerLot

	riskPct := (in.TotalRiskAmount + addedRisk) / in.Equity
	volPct := (in.TotalVolAmount + addedVol) / in.Equity
	marginPct := (in.MarginUsed + addedMargin) / in.Equity

	if riskPct > e.cfg.RiskCapPct {
		return Result{
			Gate:   GatePortfolio,
			Reason: fmt.Sprintf("risk %.2f%% would exceed cap %.2f%%", riskPct*100, e.cfg.RiskCapPct*100),
		}
	}
	if volPct > e.cfg.VolCapPct {
		return Result{
			Gate:   GatePortfolio,
			Reason: fmt.Sprintf("volatility %.2f%% would exceed cap %.2f%%", volPct*100, e.cfg.VolCapPct*100),
		}
	}
	if marginPct > e.cfg.MarginCapPct {
		return Result{
			Gate:   GatePortfolio,
			Reason: fmt.Sprintf("margin %.2f%% would exceed cap %.2f%%", marginPct*100, e.cfg.MarginCapPct*100),
		}
	}
	return Result{Admit: true}
}

// profitGate only admits pyramids on instruments already in profit.
func (e *Evaluator) profitGate(in Input) Result {
	if in.UnrealizedPnL <= 0 {
		return Result{
			Gate:   GateProfit,
			Reason: fmt.Sprintf("instrument unrealized P&L %.2f not positive", in.UnrealizedPnL),
		}
	}
	return Result{Admit: true}
}
