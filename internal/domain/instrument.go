package domain

import "fmt"

// Instrument identifies a tradable futures/options contract family.
type Instrument string

const (
	BankNifty Instrument = "BANK_NIFTY"
	GoldMini  Instrument = "GOLD_MINI"
)

// InstrumentSpec carries the static contract terms used by sizing and
// portfolio accounting. Specs are loaded from config; the values here are
// the shipped defaults.
type InstrumentSpec struct {
	Instrument   Instrument `yaml:"instrument" json:"instrument"`
	LotSize      int        `yaml:"lot_size" json:"lot_size"`
	PointValue   float64    `yaml:"point_value" json:"point_value"`
	MarginPerLot float64    `yaml:"margin_per_lot" json:"margin_per_lot"`
	TickSize     float64    `yaml:"tick_size" json:"tick_size"`

	// OptionLegs marks synthetic-long instruments that carry PE/CE leg
	// entry prices on their positions.
	OptionLegs bool `yaml:"option_legs" json:"option_legs"`
}

// DefaultInstrumentSpecs returns the shipped contract catalog.
func DefaultInstrumentSpecs() map[Instrument]InstrumentSpec {
	return map[Instrument]InstrumentSpec{
		BankNifty: {
			Instrument:   BankNifty,
			LotSize:      35,
			PointValue:   35,
			MarginPerLot: 270000,
			TickSize:     0.05,
			OptionLegs:   true,
		},
		GoldMini: {
			Instrument:   GoldMini,
			LotSize:      100,
			PointValue:   100,
			MarginPerLot: 75000,
			TickSize:     1,
			OptionLegs:   false,
		},
	}
}

// Validate checks a spec for usable contract terms.
func (s InstrumentSpec) Validate() error {
	if s.Instrument == "" {
		return fmt.Errorf("instrument name is required")
	}
	if s.LotSize <= 0 {
		return fmt.Errorf("instrument %s: lot_size must be positive", s.Instrument)
	}
	if s.PointValue <= 0 {
		return fmt.Errorf("instrument %s: point_value must be positive", s.Instrument)
	}
	if s.MarginPerLot <= 0 {
		return fmt.Errorf("instrument %s: margin_per_lot must be positive", s.Instrument)
	}
	return nil
}
