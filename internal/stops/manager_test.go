package stops

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quantarch/pyramid/internal/domain"
)

func openPosition() *domain.Position {
	return &domain.Position{
		ID:          "BANK_NIFTY:Long_1:1",
		Instrument:  domain.BankNifty,
		Slot:        "Long_1",
		EntryPrice:  52000,
		InitialStop: 51650,
		CurrentStop: 51650,
		Lots:        3,
		EntryATR:    350,
		Status:      domain.PositionOpen,
		OpenedAt:    time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}
}

func TestInitialStop(t *testing.T) {
	m := NewManager(DefaultConfig())

	t.Run("signal_stop_wins", func(t *testing.T) {
		assert.Equal(t, 51650.0, m.InitialStop(52000, 51650, 350))
	})

	t.Run("atr_fallback_when_missing", func(t *testing.T) {
		assert.Equal(t, 52000-1.5*350, m.InitialStop(52000, 0, 350))
	})

	t.Run("atr_fallback_when_stop_above_entry", func(t *testing.T) {
		assert.Equal(t, 52000-1.5*350, m.InitialStop(52000, 52500, 350))
	})
}

func TestUpdate_RatchetIsMonotone(t *testing.T) {
	m := NewManager(DefaultConfig())
	p := openPosition()

	// Close below entry: no highest_close yet, no trail.
	assert.False(t, m.Update(p, 51900, 350))
	assert.Equal(t, 51650.0, p.CurrentStop)
	assert.Equal(t, 0.0, p.HighestClose)

	// First profitable close, trail still below current stop.
	assert.False(t, m.Update(p, 52100, 350))
	assert.Equal(t, 52100.0, p.HighestClose)
	assert.Equal(t, 51650.0, p.CurrentStop)

	// Big advance ratchets the stop up.
	assert.True(t, m.Update(p, 52900, 350))
	assert.Equal(t, 52900.0, p.HighestClose)
	assert.Equal(t, 52900-2*350.0, p.CurrentStop)

	// Pullback never lowers either value.
	assert.False(t, m.Update(p, 52300, 350))
	assert.Equal(t, 52900.0, p.HighestClose)
	assert.Equal(t, 52200.0, p.CurrentStop)

	// Sequence of closes: stop is nondecreasing throughout.
	prev := p.CurrentStop
	for _, c := range []float64{53000, 52800, 53400, 53100, 53900} {
		m.Update(p, c, 350)
		assert.GreaterOrEqual(t, p.CurrentStop, prev)
		prev = p.CurrentStop
	}
}

func TestUpdate_ClosedPositionUntouched(t *testing.T) {
	m := NewManager(DefaultConfig())
	p := openPosition()
	p.Status = domain.PositionClosed

	assert.False(t, m.Update(p, 60000, 350))
	assert.Equal(t, 51650.0, p.CurrentStop)
}

func TestUpdate_ZeroATRFallsBackToEntryATR(t *testing.T) {
	m := NewManager(DefaultConfig())
	p := openPosition()

	assert.True(t, m.Update(p, 52900, 0))
	assert.Equal(t, 52900-2*350.0, p.CurrentStop)
}
