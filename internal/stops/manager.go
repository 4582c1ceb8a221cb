// Package stops owns initial protective stops and the monotonic trailing
// ratchet. Stops only ever move up for a long; the ratchet never loosens.
package stops

import (
	"github.com/quantarch/pyramid/internal/domain"
)

// Config tunes the trailing behaviour.
type Config struct {
	// TrailATRMultiplier sets the chandelier distance below the highest
	// close. Default 2.0.
	TrailATRMultiplier float64 `yaml:"trail_atr_multiplier"`

	// InitialStopATRMultiplier derives an initial stop when the signal
	// carries none. Default 1.5.
	InitialStopATRMultiplier float64 `yaml:"initial_stop_atr_multiplier"`
}

// DefaultConfig returns production trailing parameters.
func DefaultConfig() Config {
	return Config{
		TrailATRMultiplier:       2.0,
		InitialStopATRMultiplier: 1.5,
	}
}

// Manager computes and advances stops for open long positions.
type Manager struct {
	cfg Config
}

// NewManager builds a stop manager.
func NewManager(cfg Config) *Manager {
	if cfg.TrailATRMultiplier <= 0 {
		cfg.TrailATRMultiplier = 2.0
	}
	if cfg.InitialStopATRMultiplier <= 0 {
		cfg.InitialStopATRMultiplier = 1.5
	}
	return &Manager{cfg: cfg}
}

// InitialStop resolves the protective level for a new leg. The signal's
// stop wins when present and below entry; otherwise fall back to an
// ATR-distance stop.
func (m *Manager) InitialStop(entry, signalStop, atr float64) float64 {
	if signalStop > 0 && signalStop < entry {
		return signalStop
	}
	return entry - m.cfg.InitialStopATRMultiplier*atr
}

// Update feeds a fresh close and ATR into the position's trail. The
// highest close only moves up once the position is in profit, and the
// stop ratchets toward highest_close - mult*ATR. Returns whether the
// stop advanced.
func (m *Manager) Update(p *domain.Position, closePrice, atr float64) bool {
	if p.Status != domain.PositionOpen {
		return false
	}

	if closePrice > p.HighestClose && closePrice >= p.EntryPrice {
		p.HighestClose = closePrice
	}
	if p.HighestClose == 0 {
		return false
	}

	if atr <= 0 {
		atr = p.EntryATR
	}
	candidate := p.HighestClose - m.cfg.TrailATRMultiplier*atr
	return p.AdvanceStop(candidate)
}
