package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var parseNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func TestParseSignal_BaseEntry(t *testing.T) {
	payload := []byte(`{
		"type": "BASE_ENTRY",
		"instrument": "BANK_NIFTY",
		"position": "Long_1",
		"price": 52000,
		"stop": 51650,
		"lots": 3,
		"atr": 350,
		"er": 0.82,
		"supertrend": 51400,
		"timestamp": "2026-03-02T09:29:55Z"
	}`)

	sig, err := ParseSignal(payload, parseNow)
	require.NoError(t, err)

	assert.Equal(t, SignalBaseEntry, sig.Type)
	assert.Equal(t, BankNifty, sig.Instrument)
	assert.Equal(t, "Long_1", sig.Slot)
	assert.Equal(t, 52000.0, sig.Price)
	assert.Equal(t, 51650.0, sig.Stop)
	assert.Equal(t, 3, sig.Lots)
	assert.Equal(t, 0.82, sig.ER)
	assert.Equal(t, 5*time.Second, sig.Age(parseNow))
}

func TestParseSignal_SuggestedLotsAlias(t *testing.T) {
	payload := []byte(`{
		"type": "PYRAMID",
		"instrument": "BANK_NIFTY",
		"position": "Long_2",
		"price": 52400,
		"stop": 52050,
		"suggested_lots": 2,
		"atr": 350,
		"er": 0.7,
		"timestamp": "2026-03-02T09:29:00Z"
	}`)

	sig, err := ParseSignal(payload, parseNow)
	require.NoError(t, err)
	assert.Equal(t, 2, sig.Lots)
}

func TestParseSignal_FieldErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		field   string
	}{
		{
			name:    "missing_type",
			payload: `{"instrument":"BANK_NIFTY","position":"Long_1","price":52000,"stop":51650,"atr":1,"er":0.5,"timestamp":"2026-03-02T09:29:00Z"}`,
			field:   "type",
		},
		{
			name:    "unknown_type",
			payload: `{"type":"SHORT_ENTRY","instrument":"BANK_NIFTY","position":"Long_1","price":52000,"stop":51650,"atr":1,"er":0.5,"timestamp":"2026-03-02T09:29:00Z"}`,
			field:   "type",
		},
		{
			name:    "missing_price",
			payload: `{"type":"BASE_ENTRY","instrument":"BANK_NIFTY","position":"Long_1","stop":51650,"atr":1,"er":0.5,"timestamp":"2026-03-02T09:29:00Z"}`,
			field:   "price",
		},
		{
			name:    "negative_stop",
			payload: `{"type":"BASE_ENTRY","instrument":"BANK_NIFTY","position":"Long_1","price":52000,"stop":-5,"atr":1,"er":0.5,"timestamp":"2026-03-02T09:29:00Z"}`,
			field:   "stop",
		},
		{
			name:    "er_out_of_range",
			payload: `{"type":"BASE_ENTRY","instrument":"BANK_NIFTY","position":"Long_1","price":52000,"stop":51650,"atr":1,"er":1.2,"timestamp":"2026-03-02T09:29:00Z"}`,
			field:   "er",
		},
		{
			name:    "bad_timestamp",
			payload: `{"type":"BASE_ENTRY","instrument":"BANK_NIFTY","position":"Long_1","price":52000,"stop":51650,"atr":1,"er":0.5,"timestamp":"yesterday"}`,
			field:   "timestamp",
		},
		{
			name:    "future_timestamp",
			payload: `{"type":"BASE_ENTRY","instrument":"BANK_NIFTY","position":"Long_1","price":52000,"stop":51650,"atr":1,"er":0.5,"timestamp":"2026-03-02T09:31:00Z"}`,
			field:   "timestamp",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSignal([]byte(tt.payload), parseNow)
			require.Error(t, err)
			var fe *FieldError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestParseSignal_ExitWithoutStop(t *testing.T) {
	payload := []byte(`{
		"type": "EXIT",
		"instrument": "BANK_NIFTY",
		"position": "ALL",
		"price": 52900,
		"reason": "supertrend_flip",
		"timestamp": "2026-03-02T09:29:00Z"
	}`)

	sig, err := ParseSignal(payload, parseNow)
	require.NoError(t, err)
	assert.Equal(t, SignalExit, sig.Type)
	assert.Equal(t, SlotAll, sig.Slot)
	assert.Equal(t, "supertrend_flip", sig.Reason)
}

func TestParseSignal_EODMonitorSkipsPriceChecks(t *testing.T) {
	payload := []byte(`{
		"type": "EOD_MONITOR",
		"instrument": "BANK_NIFTY",
		"position": "Long_1",
		"conditions": {"in_position": true},
		"indicators": {"atr": 350},
		"timestamp": "2026-03-02T09:29:00Z"
	}`)

	sig, err := ParseSignal(payload, parseNow)
	require.NoError(t, err)
	assert.Equal(t, SignalEODMonitor, sig.Type)
	assert.NotEmpty(t, sig.Conditions)
}

func TestFingerprint_StableAcrossSubSecond(t *testing.T) {
	a := &Signal{
		Type: SignalBaseEntry, Instrument: BankNifty, Slot: "Long_1",
		Price: 52000, Stop: 51650, Lots: 3,
		Timestamp: time.Date(2026, 3, 2, 9, 29, 55, 120_000_000, time.UTC),
	}
	b := *a
	b.Timestamp = time.Date(2026, 3, 2, 9, 29, 55, 890_000_000, time.UTC)
	b.ATR = 999 // advisory fields do not participate

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)

	c := *a
	c.Price = 52001
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestPosition_Invariants(t *testing.T) {
	opened := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	p := &Position{
		ID:             NewPositionID(BankNifty, "Long_1", opened),
		Instrument:     BankNifty,
		Slot:           "Long_1",
		IsBasePosition: true,
		EntryPrice:     52000,
		InitialStop:    51650,
		CurrentStop:    51650,
		Lots:           3,
		EntryATR:       350,
		Status:         PositionOpen,
		OpenedAt:       opened,
	}
	require.NoError(t, p.Validate())

	t.Run("stop_ratchet_is_monotone", func(t *testing.T) {
		assert.True(t, p.AdvanceStop(51800))
		assert.False(t, p.AdvanceStop(51700))
		assert.Equal(t, 51800.0, p.CurrentStop)
	})

	t.Run("risk_amount", func(t *testing.T) {
		assert.InDelta(t, (52000-51800)*3*35.0, p.RiskAmount(35), 1e-9)
	})

	t.Run("close_sets_realized_pnl", func(t *testing.T) {
		q := *p
		q.RecordClose(52900, 35, opened.Add(2*time.Hour))
		assert.Equal(t, PositionClosed, q.Status)
		pnl, _ := q.RealizedPnL.Float64()
		assert.InDelta(t, (52900-52000)*3*35.0, pnl, 1e-9)
		require.NotNil(t, q.ClosedAt)
	})

	t.Run("rejects_stop_below_initial", func(t *testing.T) {
		bad := *p
		bad.CurrentStop = bad.InitialStop - 1
		assert.Error(t, bad.Validate())
	})
}
