package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the leg lifecycle flag. Closing is soft: the row stays
// for audit, status flips to closed.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Position is one open or closed leg of an instrument.
type Position struct {
	ID             string         `json:"id" db:"id"`
	Instrument     Instrument     `json:"instrument" db:"instrument"`
	Slot           string         `json:"slot" db:"slot"`
	IsBasePosition bool           `json:"is_base_position" db:"is_base_position"`
	EntryPrice     float64        `json:"entry_price" db:"entry_price"`
	InitialStop    float64        `json:"initial_stop" db:"initial_stop"`
	CurrentStop    float64        `json:"current_stop" db:"current_stop"`
	HighestClose   float64        `json:"highest_close" db:"highest_close"`
	Lots           int            `json:"lots" db:"lots"`
	EntryATR       float64        `json:"entry_atr" db:"entry_atr"`
	PELegEntry     *float64       `json:"pe_leg_entry,omitempty" db:"pe_leg_entry"`
	CELegEntry     *float64       `json:"ce_leg_entry,omitempty" db:"ce_leg_entry"`
	Status         PositionStatus `json:"status" db:"status"`
	OpenedAt       time.Time      `json:"opened_at" db:"opened_at"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty" db:"closed_at"`

	// RealizedPnL is set once on close; decimal so closed-equity
	// accumulation reconciles to the paisa.
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`

	// Version backs optimistic locking in the store.
	Version int64 `json:"version" db:"version"`
}

// NewPositionID derives the stable leg id from instrument, slot and
// creation time. The id never changes after creation.
func NewPositionID(instrument Instrument, slot string, openedAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", instrument, slot, openedAt.UTC().UnixNano())
}

// RiskAmount is the open risk of the leg: (entry - current_stop) * lots * point_value.
// A stop ratcheted above entry yields negative open risk (locked-in
// profit); rollups sum the raw value so they reconcile exactly.
func (p *Position) RiskAmount(pointValue float64) float64 {
	return (p.EntryPrice - p.CurrentStop) * float64(p.Lots) * pointValue
}

// VolAmount is the volatility exposure of the leg: ATR * lots * point_value.
func (p *Position) VolAmount(pointValue float64) float64 {
	return p.EntryATR * float64(p.Lots) * pointValue
}

// MarginUsed is lots * margin_per_lot.
func (p *Position) MarginUsed(marginPerLot float64) float64 {
	return float64(p.Lots) * marginPerLot
}

// UnrealizedPnL marks the open leg to the given price.
func (p *Position) UnrealizedPnL(price, pointValue float64) float64 {
	return (price - p.EntryPrice) * float64(p.Lots) * pointValue
}

// AdvanceStop ratchets the protective stop. The stop is monotone
// nondecreasing; attempts to lower it are ignored.
func (p *Position) AdvanceStop(stop float64) bool {
	if stop <= p.CurrentStop {
		return false
	}
	p.CurrentStop = stop
	return true
}

// RecordClose marks a leg closed at the given fill.
func (p *Position) RecordClose(fillPrice, pointValue float64, at time.Time) {
	pnl := decimal.NewFromFloat(fillPrice).
		Sub(decimal.NewFromFloat(p.EntryPrice)).
		Mul(decimal.NewFromInt(int64(p.Lots))).
		Mul(decimal.NewFromFloat(pointValue))
	p.RealizedPnL = pnl
	p.Status = PositionClosed
	at = at.UTC()
	p.ClosedAt = &at
}

// Validate enforces the leg invariants the store refuses to persist without.
func (p *Position) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("position id is required")
	}
	if p.Lots < 0 {
		return fmt.Errorf("position %s: negative lots %d", p.ID, p.Lots)
	}
	if p.CurrentStop < p.InitialStop {
		return fmt.Errorf("position %s: current_stop %.2f below initial_stop %.2f",
			p.ID, p.CurrentStop, p.InitialStop)
	}
	if p.HighestClose != 0 && p.HighestClose < p.EntryPrice {
		return fmt.Errorf("position %s: highest_close %.2f below entry %.2f",
			p.ID, p.HighestClose, p.EntryPrice)
	}
	return nil
}

// PyramidState is the per-instrument scale-in metadata. Created at first
// base entry, deleted when the instrument goes flat.
type PyramidState struct {
	Instrument       Instrument `json:"instrument" db:"instrument"`
	LastPyramidPrice float64    `json:"last_pyramid_price" db:"last_pyramid_price"`
	BasePositionID   *string    `json:"base_position_id,omitempty" db:"base_position_id"`
	PyramidCount     int        `json:"pyramid_count" db:"pyramid_count"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// PortfolioAggregate is the singleton portfolio summary row.
type PortfolioAggregate struct {
	InitialCapital  decimal.Decimal `json:"initial_capital" db:"initial_capital"`
	ClosedEquity    decimal.Decimal `json:"closed_equity" db:"closed_equity"`
	TotalRiskAmount float64         `json:"total_risk_amount" db:"total_risk_amount"`
	TotalVolAmount  float64         `json:"total_vol_amount" db:"total_vol_amount"`
	MarginUsed      float64         `json:"margin_used" db:"margin_used"`
	Version         int64           `json:"version" db:"version"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Equity is initial capital plus accumulated closed equity.
func (a *PortfolioAggregate) Equity() float64 {
	f, _ := a.InitialCapital.Add(a.ClosedEquity).Float64()
	return f
}

// ReconcileEpsilon is the tolerance for aggregate-vs-position sums: one paisa.
const ReconcileEpsilon = 0.01

// SignalStatus tags a signal_log row with its processing outcome.
type SignalStatus string

const (
	SignalStatusExecuting SignalStatus = "executing"
	SignalStatusExecuted  SignalStatus = "executed"
	SignalStatusFailed    SignalStatus = "failed"
	SignalStatusRejected  SignalStatus = "rejected"
	SignalStatusDuplicate SignalStatus = "duplicate"
	SignalStatusIgnored   SignalStatus = "ignored"
)

// SignalLogEntry is the audit row for every signal that reached the engine.
type SignalLogEntry struct {
	Fingerprint string       `json:"fingerprint" db:"fingerprint"`
	Payload     []byte       `json:"payload" db:"payload"`
	ReceivedAt  time.Time    `json:"received_at" db:"received_at"`
	ProcessedBy string       `json:"processed_by_instance_id" db:"processed_by_instance_id"`
	Status      SignalStatus `json:"status" db:"status"`
	Result      string       `json:"result" db:"result"`
}

// InstanceMetadata is the HA heartbeat row per process.
type InstanceMetadata struct {
	InstanceID       string     `json:"instance_id" db:"instance_id"`
	StartedAt        time.Time  `json:"started_at" db:"started_at"`
	LastHeartbeat    time.Time  `json:"last_heartbeat" db:"last_heartbeat"`
	IsLeader         bool       `json:"is_leader" db:"is_leader"`
	LeaderAcquiredAt *time.Time `json:"leader_acquired_at,omitempty" db:"leader_acquired_at"`
	Hostname         string     `json:"hostname" db:"hostname"`
}

// LeadershipHistory is the append-only leadership audit row.
type LeadershipHistory struct {
	ID               int64      `json:"id" db:"id"`
	InstanceID       string     `json:"instance_id" db:"instance_id"`
	BecameLeaderAt   time.Time  `json:"became_leader_at" db:"became_leader_at"`
	ReleasedLeaderAt *time.Time `json:"released_leader_at,omitempty" db:"released_leader_at"`
	DurationSeconds  *float64   `json:"duration_seconds,omitempty" db:"duration_seconds"`
	Hostname         string     `json:"hostname" db:"hostname"`
}
