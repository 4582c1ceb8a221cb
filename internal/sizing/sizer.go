// Package sizing computes lot counts under the triple constraint of
// risk, volatility and margin. All functions are pure; intermediate math
// runs in float64 and the integer floor is applied last.
package sizing

import (
	"fmt"
	"math"
)

// ErrInvalidConfig wraps sizing inputs that cannot produce a lot count.
type ErrInvalidConfig struct {
	Reason string
}

func (e *ErrInvalidConfig) Error() string {
	return "invalid sizing input: " + e.Reason
}

// BaseEntryInput carries everything BaseEntryLots needs.
type BaseEntryInput struct {
	Equity          float64
	RiskPct         float64
	Entry           float64
	Stop            float64
	PointValue      float64
	ER              float64
	ATR             float64
	VolPct          float64
	AvailableMargin float64
	MarginPerLot    float64
}

// BaseEntryBreakdown exposes the three candidate lot counts for logging.
// VolLots is computed and reported but deliberately excluded from the
// final min; that matches the upstream strategy contract.
type BaseEntryBreakdown struct {
	RiskLots   int `json:"risk_lots"`
	VolLots    int `json:"vol_lots"`
	MarginLots int `json:"margin_lots"`
	Lots       int `json:"lots"`
}

// BaseEntryLots sizes the first leg of an instrument.
//
//	LotR = floor((equity*risk_pct / ((entry-stop)*point_value)) * er)
//	LotV = floor(equity*vol_pct / (atr*point_value))   (logged only)
//	LotM = floor(available_margin / margin_per_lot)
//	lots = max(0, min(LotR, LotM))
func BaseEntryLots(in BaseEntryInput) (BaseEntryBreakdown, error) {
	var bd BaseEntryBreakdown

	if in.Entry <= in.Stop {
		return bd, &ErrInvalidConfig{Reason: fmt.Sprintf("entry %.2f not above stop %.2f for a long", in.Entry, in.Stop)}
	}
	if in.PointValue <= 0 {
		return bd, &ErrInvalidConfig{Reason: "point_value must be positive"}
	}
	if in.MarginPerLot <= 0 {
		return bd, &ErrInvalidConfig{Reason: "margin_per_lot must be positive"}
	}
	if in.ATR <= 0 {
		return bd, &ErrInvalidConfig{Reason: "atr must be positive"}
	}
	if in.Equity <= 0 || in.RiskPct <= 0 || in.VolPct <= 0 {
		return bd, &ErrInvalidConfig{Reason: "equity, risk_pct and vol_pct must be positive"}
	}
	if in.ER < 0 || in.ER > 1 {
		return bd, &ErrInvalidConfig{Reason: "er must be within [0,1]"}
	}

	riskPerLot := (in.Entry - in.Stop) * in.PointValue
	bd.RiskLots = flooredLots((in.Equity * in.RiskPct / riskPerLot) * in.ER)
	bd.VolLots = flooredLots(in.Equity * in.VolPct / (in.ATR * in.PointValue))
	bd.MarginLots = flooredLots(in.AvailableMargin / in.MarginPerLot)

	bd.Lots = bd.RiskLots
	if bd.MarginLots < bd.Lots {
		bd.Lots = bd.MarginLots
	}
	if bd.Lots < 0 {
		bd.Lots = 0
	}
	return bd, nil
}

// PyramidInput carries everything PyramidLots needs.
type PyramidInput struct {
	FreeMargin         float64
	MarginPerLot       float64
	BaseLots           int
	PyramidIndex       int // 1 for the first pyramid
	Decay              float64
	AccumulatedProfit  float64
	BaseRisk           float64
	ProfitRiskFraction float64
	Entry              float64
	NewStop            float64
	PointValue         float64
}

// PyramidBreakdown exposes the three pyramid constraints for logging.
type PyramidBreakdown struct {
	MarginLots int `json:"margin_lots"`
	DecayLots  int `json:"decay_lots"`
	ProfitLots int `json:"profit_lots"`
	Lots       int `json:"lots"`
}

// PyramidLots sizes a scale-in leg.
//
//	LotA = floor(free_margin / margin_per_lot)
//	LotB = floor(base_lots * decay^pyramid_index)       (geometric de-escalation)
//	LotC = floor(max(0, (profit - base_risk) * fraction) / ((entry-new_stop)*point_value))
//	lots = max(0, min(LotA, LotB, LotC))
//
// LotC caps a pyramid at risking only realized profits beyond the base
// trade's initial risk.
func PyramidLots(in PyramidInput) (PyramidBreakdown, error) {
	var bd PyramidBreakdown

	if in.Entry <= in.NewStop {
		return bd, &ErrInvalidConfig{Reason: fmt.Sprintf("entry %.2f not above stop %.2f for a long", in.Entry, in.NewStop)}
	}
	if in.PointValue <= 0 || in.MarginPerLot <= 0 {
		return bd, &ErrInvalidConfig{Reason: "point_value and margin_per_lot must be positive"}
	}
	if in.PyramidIndex < 1 {
		return bd, &ErrInvalidConfig{Reason: "pyramid_index starts at 1"}
	}
	if in.Decay <= 0 || in.Decay >= 1 {
		return bd, &ErrInvalidConfig{Reason: "decay must be within (0,1)"}
	}

	bd.MarginLots = flooredLots(in.FreeMargin / in.MarginPerLot)
	bd.DecayLots = flooredLots(float64(in.BaseLots) * math.Pow(in.Decay, float64(in.PyramidIndex)))

	riskable := (in.AccumulatedProfit - in.BaseRisk) * in.ProfitRiskFraction
	if riskable < 0 {
		riskable = 0
	}
	bd.ProfitLots = flooredLots(riskable / ((in.Entry - in.NewStop) * in.PointValue))

	bd.Lots = bd.MarginLots
	if bd.DecayLots < bd.Lots {
		bd.Lots = bd.DecayLots
	}
	if bd.ProfitLots < bd.Lots {
		bd.Lots = bd.ProfitLots
	}
	if bd.Lots < 0 {
		bd.Lots = 0
	}
	return bd, nil
}

// PeelOffInput describes a position under breached portfolio caps.
type PeelOffInput struct {
	Lots        int
	Entry       float64
	CurrentStop float64
	EntryATR    float64
	PointValue  float64
	RiskOverrun float64 // currency amount above the risk cap, 0 if none
	VolOverrun  float64 // currency amount above the volatility cap, 0 if none
}

// PeelOffLots returns the lots to shed so both the risk and volatility
// caps hold again. Both constraints must be satisfied, so the larger
// (more restrictive) reduction wins. Never exceeds the open lot count.
func PeelOffLots(in PeelOffInput) int {
	if in.Lots <= 0 {
		return 0
	}

	var riskReduce, volReduce int
	if in.RiskOverrun > 0 {
		perLot := (in.Entry - in.CurrentStop) * in.PointValue
		if perLot > 0 {
			riskReduce = int(math.Ceil(in.RiskOverrun / perLot))
		} else {
			// Stop at or above entry: shedding lots frees no risk.
			riskReduce = 0
		}
	}
	if in.VolOverrun > 0 {
		perLot := in.EntryATR * in.PointValue
		if perLot > 0 {
			volReduce = int(math.Ceil(in.VolOverrun / perLot))
		}
	}

	reduce := riskReduce
	if volReduce > reduce {
		reduce = volReduce
	}
	if reduce > in.Lots {
		reduce = in.Lots
	}
	return reduce
}

// flooredLots floors with a tiny epsilon so exact integer ratios arriving
// a hair under (e.g. 2.9999999999) floor to the intended count.
func flooredLots(v float64) int {
	return int(math.Floor(v + 1e-9))
}
