package validation

import (
	"context"
	"fmt"
	"math"

	"github.com/quantarch/pyramid/internal/broker"
	"github.com/quantarch/pyramid/internal/domain"
)

// ExecutionValidationResult is the Stage-2 verdict. SourcePrice is the
// price downstream sizing must use: the broker quote when one was
// obtained, the signal price when the check was bypassed.
type ExecutionValidationResult struct {
	IsValid         bool    `json:"is_valid"`
	Reason          string  `json:"reason,omitempty"`
	Bypassed        bool    `json:"bypassed"`
	SourcePrice     float64 `json:"source_price"`
	QuotePrice      float64 `json:"quote_price,omitempty"`
	DivergencePct   float64 `json:"divergence_pct"`
	RiskIncreasePct float64 `json:"risk_increase_pct,omitempty"`
}

// ValidateExecution compares the signal against a live broker quote.
// When no quote is obtainable inside max_validation_latency the check is
// bypassed rather than failed: a live market beats a stale guard.
func (v *Validator) ValidateExecution(ctx context.Context, sig *domain.Signal, tier DelayTier) ExecutionValidationResult {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.MaxValidationLatency)
	defer cancel()

	quote, err := v.fetchQuote(ctx, sig.Instrument)
	if err != nil {
		v.metrics.ValidationBypassed.Inc()
		v.logger.Warn().
			Err(err).
			Str("instrument", string(sig.Instrument)).
			Str("signal_type", string(sig.Type)).
			Msg("no broker quote, execution validation bypassed")
		return ExecutionValidationResult{
			IsValid:     true,
			Bypassed:    true,
			SourcePrice: sig.Price,
			Reason:      "broker quote unavailable",
		}
	}

	div := (quote.Price - sig.Price) / sig.Price
	threshold := v.divergenceThreshold(sig.Type, tier)

	res := ExecutionValidationResult{
		IsValid:       true,
		SourcePrice:   quote.Price,
		QuotePrice:    quote.Price,
		DivergencePct: div,
	}

	switch sig.Type {
	case domain.SignalExit:
		// Exits only fail on unfavorable divergence: the market has moved
		// against the position, so the alert's premise may be void. A
		// favorable move just means a better exit.
		if sig.IsLong() && div < -threshold {
			res.IsValid = false
			res.Reason = fmt.Sprintf("quote %.2f diverged %.2f%% against exit price %.2f (limit %.2f%%)",
				quote.Price, div*100, sig.Price, threshold*100)
		}
		return res

	case domain.SignalBaseEntry, domain.SignalPyramid:
		if math.Abs(div) > threshold {
			res.IsValid = false
			res.Reason = fmt.Sprintf("quote %.2f diverged %.2f%% from signal price %.2f (limit %.2f%%)",
				quote.Price, div*100, sig.Price, threshold*100)
			return res
		}
		if sig.Stop > 0 {
			origDist := sig.Price - sig.Stop
			newDist := quote.Price - sig.Stop
			if origDist > 0 {
				inc := newDist/origDist - 1
				res.RiskIncreasePct = inc
				if inc > v.cfg.MaxRiskIncreasePct {
					res.IsValid = false
					res.Reason = fmt.Sprintf("stop distance grew %.1f%% at quote %.2f (limit %.0f%%)",
						inc*100, quote.Price, v.cfg.MaxRiskIncreasePct*100)
					v.logger.Error().
						Str("severity", "critical").
						Str("alert", "🚨 RISK INCREASE REJECTED").
						Str("instrument", string(sig.Instrument)).
						Float64("signal_price", sig.Price).
						Float64("quote_price", quote.Price).
						Float64("risk_increase_pct", inc*100).
						Msg("entry rejected, per-lot risk grew past limit between alert and quote")
				}
			}
		}
	}
	return res
}

// divergenceThreshold selects the per-type limit, halved for delayed
// signals because a stale reference price deserves less slack.
func (v *Validator) divergenceThreshold(t domain.SignalType, tier DelayTier) float64 {
	var base float64
	switch t {
	case domain.SignalBaseEntry:
		base = v.cfg.BaseDivergencePct
	case domain.SignalPyramid:
		base = v.cfg.PyramidDivergencePct
	case domain.SignalExit:
		base = v.cfg.ExitDivergencePct
	default:
		base = v.cfg.BaseDivergencePct
	}
	if tier == TierDelayed {
		base /= 2
	}
	return base
}

// fetchQuote asks the gateway for a fresh price under the bounded retry
// schedule. Each failed attempt counts toward the quote failure metric.
func (v *Validator) fetchQuote(ctx context.Context, instrument domain.Instrument) (broker.Quote, error) {
	var quote broker.Quote
	err := broker.WithRetry(ctx, v.quoteDelays, func(ctx context.Context) error {
		q, err := v.broker.GetQuote(ctx, instrument)
		if err != nil {
			v.metrics.BrokerQuoteFailure.Inc()
			return err
		}
		if q.Price <= 0 {
			v.metrics.BrokerQuoteFailure.Inc()
			return fmt.Errorf("%w: non-positive quote price", broker.ErrUnavailable)
		}
		quote = q
		return nil
	})
	return quote, err
}
