// Package portfolio owns the in-memory book: the id-keyed position arena,
// per-instrument pyramid metadata and the portfolio aggregate rollups.
// Positions are referenced by id everywhere else; nothing outside this
// package holds a live pointer into the arena.
package portfolio

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantarch/pyramid/internal/domain"
)

// ErrBaseExists rejects a second base position for an instrument.
type ErrBaseExists struct {
	Instrument domain.Instrument
}

func (e *ErrBaseExists) Error() string {
	return fmt.Sprintf("instrument %s already has an open base position", e.Instrument)
}

// State is the portfolio book. All mutation goes through methods holding
// the internal lock; the engine additionally serializes per instrument.
type State struct {
	mu sync.RWMutex

	specs     map[domain.Instrument]domain.InstrumentSpec
	positions map[string]*domain.Position
	pyramids  map[domain.Instrument]*domain.PyramidState

	initialCapital decimal.Decimal
	closedEquity   decimal.Decimal
	version        int64
}

// NewState builds an empty book.
func NewState(initialCapital float64, specs map[domain.Instrument]domain.InstrumentSpec) *State {
	return &State{
		specs:          specs,
		positions:      make(map[string]*domain.Position),
		pyramids:       make(map[domain.Instrument]*domain.PyramidState),
		initialCapital: decimal.NewFromFloat(initialCapital),
	}
}

// Spec resolves the contract terms for an instrument.
func (s *State) Spec(instrument domain.Instrument) (domain.InstrumentSpec, bool) {
	spec, ok := s.specs[instrument]
	return spec, ok
}

// AddPosition admits a new open leg into the arena. A second base
// position for an instrument with open legs is a programmer error
// upstream and is rejected here.
func (s *State) AddPosition(p *domain.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	if p.IsBasePosition {
		for _, existing := range s.positions {
			if existing.Instrument == p.Instrument &&
				existing.Status == domain.PositionOpen && existing.IsBasePosition {
				return &ErrBaseExists{Instrument: p.Instrument}
			}
		}
	}

	cp := *p
	s.positions[p.ID] = &cp
	s.version++
	return nil
}

// Position returns a copy of the leg, if present.
func (s *State) Position(id string) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// OpenPositions returns copies of every open leg, ordered by open time.
func (s *State) OpenPositions() []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Status == domain.PositionOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// OpenByInstrument returns the open legs of one instrument, base first.
func (s *State) OpenByInstrument(instrument domain.Instrument) []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for _, p := range s.positions {
		if p.Instrument == instrument && p.Status == domain.PositionOpen {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsBasePosition != out[j].IsBasePosition {
			return out[i].IsBasePosition
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// BasePosition returns the open base leg of an instrument.
func (s *State) BasePosition(instrument domain.Instrument) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.positions {
		if p.Instrument == instrument && p.Status == domain.PositionOpen && p.IsBasePosition {
			return *p, true
		}
	}
	return domain.Position{}, false
}

// ApplyStop writes an advanced stop (and highest close) back into the
// arena. The ratchet itself lives in the stops package; this only accepts
// monotone updates.
func (s *State) ApplyStop(id string, currentStop, highestClose float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	if currentStop < p.CurrentStop {
		return fmt.Errorf("position %s: stop ratchet violation %.2f < %.2f", id, currentStop, p.CurrentStop)
	}
	p.CurrentStop = currentStop
	if highestClose > p.HighestClose {
		p.HighestClose = highestClose
	}
	p.Version++
	s.version++
	return nil
}

// ClosePosition marks the leg closed at the fill price, folds realized
// P&L into closed equity and returns the closed copy.
func (s *State) ClosePosition(id string, fillPrice float64, at time.Time) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("position %s not found", id)
	}
	if p.Status != domain.PositionOpen {
		return domain.Position{}, fmt.Errorf("position %s already closed", id)
	}
	spec, ok := s.specs[p.Instrument]
	if !ok {
		return domain.Position{}, fmt.Errorf("no instrument spec for %s", p.Instrument)
	}

	p.RecordClose(fillPrice, spec.PointValue, at)
	p.Version++
	s.closedEquity = s.closedEquity.Add(p.RealizedPnL)
	s.version++
	return *p, nil
}

// ReducePosition trims lots off an open leg after a partial exit fill,
// folding the realized slice into closed equity. Reducing to zero lots
// closes the leg.
func (s *State) ReducePosition(id string, lots int, fillPrice float64, at time.Time) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("position %s not found", id)
	}
	if p.Status != domain.PositionOpen {
		return domain.Position{}, fmt.Errorf("position %s already closed", id)
	}
	if lots <= 0 || lots > p.Lots {
		return domain.Position{}, fmt.Errorf("position %s: cannot reduce %d of %d lots", id, lots, p.Lots)
	}
	spec, ok := s.specs[p.Instrument]
	if !ok {
		return domain.Position{}, fmt.Errorf("no instrument spec for %s", p.Instrument)
	}

	realized := decimal.NewFromFloat(fillPrice).
		Sub(decimal.NewFromFloat(p.EntryPrice)).
		Mul(decimal.NewFromInt(int64(lots))).
		Mul(decimal.NewFromFloat(spec.PointValue))
	s.closedEquity = s.closedEquity.Add(realized)
	p.RealizedPnL = p.RealizedPnL.Add(realized)

	p.Lots -= lots
	if p.Lots == 0 {
		p.Status = domain.PositionClosed
		closedAt := at.UTC()
		p.ClosedAt = &closedAt
	}
	p.Version++
	s.version++
	return *p, nil
}

// SetPyramidState upserts the per-instrument pyramid metadata.
func (s *State) SetPyramidState(ps domain.PyramidState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := ps
	s.pyramids[ps.Instrument] = &cp
	s.version++
}

// PyramidState returns a copy of the instrument's pyramid metadata.
func (s *State) PyramidState(instrument domain.Instrument) (domain.PyramidState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.pyramids[instrument]
	if !ok {
		return domain.PyramidState{}, false
	}
	return *ps, true
}

// DeletePyramidState drops the metadata once an instrument is flat.
func (s *State) DeletePyramidState(instrument domain.Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pyramids, instrument)
	s.version++
}

// PyramidStates returns a copy of all pyramid metadata.
func (s *State) PyramidStates() map[domain.Instrument]domain.PyramidState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.Instrument]domain.PyramidState, len(s.pyramids))
	for k, v := range s.pyramids {
		out[k] = *v
	}
	return out
}

// Equity is initial capital plus accumulated closed equity.
func (s *State) Equity() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, _ := s.initialCapital.Add(s.closedEquity).Float64()
	return f
}

// Rollups are the recomputed portfolio sums over open positions.
type Rollups struct {
	TotalRiskAmount float64
	TotalVolAmount  float64
	MarginUsed      float64
}

// Recompute sums risk, volatility and margin over every open leg.
func (s *State) Recompute() Rollups {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recomputeLocked()
}

func (s *State) recomputeLocked() Rollups {
	var r Rollups
	for _, p := range s.positions {
		if p.Status != domain.PositionOpen {
			continue
		}
		spec, ok := s.specs[p.Instrument]
		if !ok {
			continue
		}
		r.TotalRiskAmount += p.RiskAmount(spec.PointValue)
		r.TotalVolAmount += p.VolAmount(spec.PointValue)
		r.MarginUsed += p.MarginUsed(spec.MarginPerLot)
	}
	return r
}

// Aggregate snapshots the singleton summary row for persistence.
func (s *State) Aggregate() domain.PortfolioAggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.recomputeLocked()
	return domain.PortfolioAggregate{
		InitialCapital:  s.initialCapital,
		ClosedEquity:    s.closedEquity,
		TotalRiskAmount: r.TotalRiskAmount,
		TotalVolAmount:  r.TotalVolAmount,
		MarginUsed:      r.MarginUsed,
		Version:         s.version,
	}
}

// AvailableMargin is capital headroom under the margin cap.
func (s *State) AvailableMargin(marginCapPct float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	equity, _ := s.initialCapital.Add(s.closedEquity).Float64()
	used := s.recomputeLocked().MarginUsed
	avail := equity*marginCapPct - used
	if avail < 0 {
		return 0
	}
	return avail
}

// Reconcile checks a stored aggregate against recomputed per-position
// sums within the one-paisa epsilon.
func (s *State) Reconcile(stored domain.PortfolioAggregate) error {
	r := s.Recompute()

	if d := math.Abs(r.TotalRiskAmount - stored.TotalRiskAmount); d > domain.ReconcileEpsilon {
		return fmt.Errorf("total_risk_amount mismatch: recomputed %.4f, stored %.4f (delta %.4f)",
			r.TotalRiskAmount, stored.TotalRiskAmount, d)
	}
	if d := math.Abs(r.MarginUsed - stored.MarginUsed); d > domain.ReconcileEpsilon {
		return fmt.Errorf("margin_used mismatch: recomputed %.4f, stored %.4f (delta %.4f)",
			r.MarginUsed, stored.MarginUsed, d)
	}
	if d := math.Abs(r.TotalVolAmount - stored.TotalVolAmount); d > domain.ReconcileEpsilon {
		return fmt.Errorf("total_vol_amount mismatch: recomputed %.4f, stored %.4f (delta %.4f)",
			r.TotalVolAmount, stored.TotalVolAmount, d)
	}
	return nil
}

// Replace installs recovered state wholesale. It replaces, never merges:
// any partial in-memory state is discarded first.
func (s *State) Replace(
	positions []domain.Position,
	pyramids map[domain.Instrument]domain.PyramidState,
	aggregate domain.PortfolioAggregate,
) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions = make(map[string]*domain.Position, len(positions))
	for i := range positions {
		cp := positions[i]
		s.positions[cp.ID] = &cp
	}
	s.pyramids = make(map[domain.Instrument]*domain.PyramidState, len(pyramids))
	for k, v := range pyramids {
		cp := v
		s.pyramids[k] = &cp
	}
	s.initialCapital = aggregate.InitialCapital
	s.closedEquity = aggregate.ClosedEquity
	s.version = aggregate.Version
}

// UnrealizedPnL marks an instrument's open legs to the given price.
func (s *State) UnrealizedPnL(instrument domain.Instrument, price float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spec, ok := s.specs[instrument]
	if !ok {
		return 0
	}
	var pnl float64
	for _, p := range s.positions {
		if p.Instrument == instrument && p.Status == domain.PositionOpen {
			pnl += p.UnrealizedPnL(price, spec.PointValue)
		}
	}
	return pnl
}
