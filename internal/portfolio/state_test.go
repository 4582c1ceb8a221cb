package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarch/pyramid/internal/domain"
)

var t0 = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func newState() *State {
	return NewState(5_000_000, domain.DefaultInstrumentSpecs())
}

func basePosition() *domain.Position {
	return &domain.Position{
		ID:             domain.NewPositionID(domain.BankNifty, "Long_1", t0),
		Instrument:     domain.BankNifty,
		Slot:           "Long_1",
		IsBasePosition: true,
		EntryPrice:     52000,
		InitialStop:    51650,
		CurrentStop:    51650,
		Lots:           3,
		EntryATR:       350,
		Status:         domain.PositionOpen,
		OpenedAt:       t0,
	}
}

func pyramidPosition() *domain.Position {
	return &domain.Position{
		ID:          domain.NewPositionID(domain.BankNifty, "Long_2", t0.Add(time.Hour)),
		Instrument:  domain.BankNifty,
		Slot:        "Long_2",
		EntryPrice:  52400,
		InitialStop: 52050,
		CurrentStop: 52050,
		Lots:        1,
		EntryATR:    350,
		Status:      domain.PositionOpen,
		OpenedAt:    t0.Add(time.Hour),
	}
}

func TestAddPosition_SingleBaseInvariant(t *testing.T) {
	s := newState()
	require.NoError(t, s.AddPosition(basePosition()))

	second := basePosition()
	second.ID = "other"
	second.Slot = "Long_9"
	err := s.AddPosition(second)

	var be *ErrBaseExists
	require.ErrorAs(t, err, &be)
	assert.Equal(t, domain.BankNifty, be.Instrument)

	// A pyramid leg is fine.
	require.NoError(t, s.AddPosition(pyramidPosition()))
	assert.Len(t, s.OpenPositions(), 2)
}

func TestRecompute_Rollups(t *testing.T) {
	s := newState()
	require.NoError(t, s.AddPosition(basePosition()))
	require.NoError(t, s.AddPosition(pyramidPosition()))

	r := s.Recompute()
	// base: (52000-51650)*3*35 = 36750; pyramid: (52400-52050)*1*35 = 12250
	assert.InDelta(t, 36750+12250, r.TotalRiskAmount, 1e-9)
	// vol: 350*3*35 + 350*1*35
	assert.InDelta(t, 36750+12250, r.TotalVolAmount, 1e-9)
	assert.InDelta(t, 4*270000, r.MarginUsed, 1e-9)

	agg := s.Aggregate()
	require.NoError(t, s.Reconcile(agg))
}

func TestReconcile_DetectsDrift(t *testing.T) {
	s := newState()
	require.NoError(t, s.AddPosition(basePosition()))

	agg := s.Aggregate()
	agg.TotalRiskAmount += 0.02 // beyond the 1-paisa epsilon
	assert.Error(t, s.Reconcile(agg))

	agg = s.Aggregate()
	agg.TotalRiskAmount += 0.009 // within epsilon
	assert.NoError(t, s.Reconcile(agg))
}

func TestClosePosition_FoldsRealizedPnL(t *testing.T) {
	s := newState()
	require.NoError(t, s.AddPosition(basePosition()))

	closed, err := s.ClosePosition(basePosition().ID, 52900, t0.Add(3*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, domain.PositionClosed, closed.Status)
	pnl, _ := closed.RealizedPnL.Float64()
	assert.InDelta(t, (52900-52000)*3*35.0, pnl, 1e-9)
	assert.InDelta(t, 5_000_000+94500, s.Equity(), 1e-9)

	// Closing again fails; closed legs leave the rollups.
	_, err = s.ClosePosition(basePosition().ID, 52900, t0.Add(3*time.Hour))
	assert.Error(t, err)
	assert.Zero(t, s.Recompute().MarginUsed)
}

func TestApplyStop_RejectsLoosening(t *testing.T) {
	s := newState()
	require.NoError(t, s.AddPosition(basePosition()))
	id := basePosition().ID

	require.NoError(t, s.ApplyStop(id, 51900, 52300))
	assert.Error(t, s.ApplyStop(id, 51700, 52300))

	p, ok := s.Position(id)
	require.True(t, ok)
	assert.Equal(t, 51900.0, p.CurrentStop)
	assert.Equal(t, 52300.0, p.HighestClose)
}

func TestAvailableMargin_UnderCap(t *testing.T) {
	s := newState()
	// 60% cap on 5,000,000 equity = 3,000,000 headroom.
	assert.InDelta(t, 3_000_000, s.AvailableMargin(0.60), 1e-9)

	require.NoError(t, s.AddPosition(basePosition()))
	assert.InDelta(t, 3_000_000-3*270000, s.AvailableMargin(0.60), 1e-9)
}

func TestPyramidStateLifecycle(t *testing.T) {
	s := newState()
	baseID := basePosition().ID
	s.SetPyramidState(domain.PyramidState{
		Instrument:       domain.BankNifty,
		LastPyramidPrice: 52000,
		BasePositionID:   &baseID,
		PyramidCount:     0,
	})

	ps, ok := s.PyramidState(domain.BankNifty)
	require.True(t, ok)
	assert.Equal(t, 52000.0, ps.LastPyramidPrice)

	s.DeletePyramidState(domain.BankNifty)
	_, ok = s.PyramidState(domain.BankNifty)
	assert.False(t, ok)
}

func TestReplace_IsWholesale(t *testing.T) {
	s := newState()
	require.NoError(t, s.AddPosition(basePosition()))

	recovered := []domain.Position{*pyramidPosition()}
	agg := domain.PortfolioAggregate{
		InitialCapital: decimal.NewFromFloat(4_000_000),
		ClosedEquity:   decimal.NewFromFloat(12345.67),
		Version:        7,
	}
	s.Replace(recovered, nil, agg)

	assert.Len(t, s.OpenPositions(), 1)
	_, ok := s.Position(basePosition().ID)
	assert.False(t, ok)
	assert.InDelta(t, 4_012_345.67, s.Equity(), 1e-6)
}

func TestUnrealizedPnL(t *testing.T) {
	s := newState()
	require.NoError(t, s.AddPosition(basePosition()))
	require.NoError(t, s.AddPosition(pyramidPosition()))

	// base: (52500-52000)*3*35 = 52500; pyramid: (52500-52400)*1*35 = 3500
	assert.InDelta(t, 56000, s.UnrealizedPnL(domain.BankNifty, 52500), 1e-9)
}

func TestReducePosition_PartialExit(t *testing.T) {
	s := newState()
	require.NoError(t, s.AddPosition(basePosition()))
	id := basePosition().ID

	// 2 of 3 lots out at 52900: realized (52900-52000)*2*35 = 63000
	p, err := s.ReducePosition(id, 2, 52900, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Lots)
	assert.Equal(t, domain.PositionOpen, p.Status)
	assert.InDelta(t, 5_063_000, s.Equity(), 1e-6)

	// The last lot closes the leg.
	p, err = s.ReducePosition(id, 1, 52900, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, p.Lots)
	assert.Equal(t, domain.PositionClosed, p.Status)

	_, err = s.ReducePosition(id, 1, 52900, t0)
	assert.Error(t, err)
}
