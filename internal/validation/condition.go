// Package validation is the two-stage admission gate in front of the
// engine: a synchronous, local condition gate and a broker-quote-backed
// execution gate with a deliberate availability-over-strictness bypass.
package validation

import (
	"fmt"
	"time"

	"github.com/quantarch/pyramid/internal/domain"
)

// DelayTier classifies signal age. Delayed signals survive Stage 1 but
// tighten Stage 2's divergence thresholds; stale signals are rejected.
type DelayTier string

const (
	TierFresh           DelayTier = "fresh"            // < 10s
	TierSlightlyDelayed DelayTier = "slightly_delayed" // 10-30s
	TierDelayed         DelayTier = "delayed"          // 30-60s, halved Stage-2 thresholds
	TierStale           DelayTier = "stale"            // >= 60s, rejected
)

// Severity grades condition-gate findings for alerting. Severity exists
// only on condition results; execution results deliberately carry none.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ConditionResult is the Stage-1 verdict.
type ConditionResult struct {
	IsValid   bool      `json:"is_valid"`
	Reason    string    `json:"reason,omitempty"`
	Severity  Severity  `json:"severity"`
	DelayTier DelayTier `json:"delay_tier"`
}

// classifyAge buckets the signal's age into a delay tier.
func classifyAge(age time.Duration) DelayTier {
	switch {
	case age < 10*time.Second:
		return TierFresh
	case age < 30*time.Second:
		return TierSlightlyDelayed
	case age < 60*time.Second:
		return TierDelayed
	default:
		return TierStale
	}
}

// ValidateCondition runs the synchronous Stage-1 checks: age tiering,
// field positivity and logical consistency. It never touches the broker.
func (v *Validator) ValidateCondition(sig *domain.Signal) ConditionResult {
	tier := classifyAge(sig.Age(v.clock.Now()))
	if tier == TierStale {
		return ConditionResult{
			Reason:    fmt.Sprintf("signal is stale: %s old", sig.Age(v.clock.Now()).Round(time.Second)),
			Severity:  SeverityWarning,
			DelayTier: tier,
		}
	}

	res := ConditionResult{IsValid: true, Severity: SeverityInfo, DelayTier: tier}
	if tier == TierSlightlyDelayed || tier == TierDelayed {
		res.Severity = SeverityWarning
	}

	switch sig.Type {
	case domain.SignalBaseEntry, domain.SignalPyramid:
		if sig.Price <= 0 || sig.Stop <= 0 || sig.ATR <= 0 {
			return ConditionResult{
				Reason:    "entry requires positive price, stop and atr",
				Severity:  SeverityCritical,
				DelayTier: tier,
			}
		}
		if sig.Stop >= sig.Price {
			return ConditionResult{
				Reason:    fmt.Sprintf("long entry stop %.2f not below price %.2f", sig.Stop, sig.Price),
				Severity:  SeverityCritical,
				DelayTier: tier,
			}
		}
		if sig.Supertrend > 0 && sig.Price <= sig.Supertrend {
			return ConditionResult{
				Reason:    fmt.Sprintf("long entry price %.2f not above supertrend %.2f", sig.Price, sig.Supertrend),
				Severity:  SeverityWarning,
				DelayTier: tier,
			}
		}
	case domain.SignalExit:
		if sig.Price <= 0 {
			return ConditionResult{
				Reason:    "exit requires a positive price",
				Severity:  SeverityCritical,
				DelayTier: tier,
			}
		}
	}

	return res
}
