package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignalType enumerates the directives accepted on the webhook.
type SignalType string

const (
	SignalBaseEntry  SignalType = "BASE_ENTRY"
	SignalPyramid    SignalType = "PYRAMID"
	SignalExit       SignalType = "EXIT"
	SignalEODMonitor SignalType = "EOD_MONITOR"
)

// SlotAll addresses every open leg of an instrument on EXIT.
const SlotAll = "ALL"

// Signal is a decoded strategy directive. It is consumed exactly once;
// only its fingerprint and processing result outlive the request.
type Signal struct {
	Type       SignalType `json:"type"`
	Instrument Instrument `json:"instrument"`
	Slot       string     `json:"position"`
	Price      float64    `json:"price"`
	Stop       float64    `json:"stop"`
	Lots       int        `json:"lots"`
	ATR        float64    `json:"atr"`
	ER         float64    `json:"er"`
	Supertrend float64    `json:"supertrend"`
	ROC        *float64   `json:"roc,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`

	// EOD_MONITOR extras, kept opaque: the core logs them and moves on.
	Conditions     json.RawMessage `json:"conditions,omitempty"`
	Indicators     json.RawMessage `json:"indicators,omitempty"`
	PositionStatus json.RawMessage `json:"position_status,omitempty"`
	Sizing         json.RawMessage `json:"sizing,omitempty"`
}

// FieldError names the offending webhook field for 400 responses.
type FieldError struct {
	Field string
	Msg   string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Msg)
}

// rawSignal mirrors the wire payload before normalization. TradingView
// templates emit lots under either "lots" or "suggested_lots".
type rawSignal struct {
	Type          string          `json:"type"`
	Instrument    string          `json:"instrument"`
	Position      string          `json:"position"`
	Price         *float64        `json:"price"`
	Stop          *float64        `json:"stop"`
	Lots          *int            `json:"lots"`
	SuggestedLots *int            `json:"suggested_lots"`
	ATR           *float64        `json:"atr"`
	ER            *float64        `json:"er"`
	Supertrend    *float64        `json:"supertrend"`
	ROC           *float64        `json:"roc"`
	Reason        string          `json:"reason"`
	Timestamp     string          `json:"timestamp"`
	Conditions    json.RawMessage `json:"conditions"`
	Indicators    json.RawMessage `json:"indicators"`
	PosStatus     json.RawMessage `json:"position_status"`
	Sizing        json.RawMessage `json:"sizing"`
}

// maxTimestampSkew tolerates charting-platform clocks slightly ahead of ours.
const maxTimestampSkew = 5 * time.Second

// ParseSignal decodes and normalizes a webhook payload. Contract violations
// come back as *FieldError and are never retried.
func ParseSignal(payload []byte, now time.Time) (*Signal, error) {
	var raw rawSignal
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}

	st := SignalType(strings.ToUpper(strings.TrimSpace(raw.Type)))
	switch st {
	case SignalBaseEntry, SignalPyramid, SignalExit, SignalEODMonitor:
	case "":
		return nil, &FieldError{Field: "type", Msg: "required"}
	default:
		return nil, &FieldError{Field: "type", Msg: "unknown signal type " + raw.Type}
	}

	if raw.Instrument == "" {
		return nil, &FieldError{Field: "instrument", Msg: "required"}
	}
	if raw.Position == "" {
		return nil, &FieldError{Field: "position", Msg: "required"}
	}
	if raw.Timestamp == "" {
		return nil, &FieldError{Field: "timestamp", Msg: "required"}
	}
	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		return nil, &FieldError{Field: "timestamp", Msg: "not ISO-8601 UTC"}
	}
	ts = ts.UTC()
	if ts.After(now.Add(maxTimestampSkew)) {
		return nil, &FieldError{Field: "timestamp", Msg: "in the future"}
	}

	sig := &Signal{
		Type:           st,
		Instrument:     Instrument(raw.Instrument),
		Slot:           raw.Position,
		Reason:         raw.Reason,
		Timestamp:      ts,
		ROC:            raw.ROC,
		Conditions:     raw.Conditions,
		Indicators:     raw.Indicators,
		PositionStatus: raw.PosStatus,
		Sizing:         raw.Sizing,
	}

	if raw.Price != nil {
		sig.Price = *raw.Price
	}
	if raw.Stop != nil {
		sig.Stop = *raw.Stop
	}
	if raw.Lots != nil {
		sig.Lots = *raw.Lots
	} else if raw.SuggestedLots != nil {
		sig.Lots = *raw.SuggestedLots
	}
	if raw.ATR != nil {
		sig.ATR = *raw.ATR
	}
	if raw.ER != nil {
		sig.ER = *raw.ER
	}
	if raw.Supertrend != nil {
		sig.Supertrend = *raw.Supertrend
	}

	// EOD monitor payloads are informational; price/stop checks apply to
	// executable signals only.
	if st == SignalEODMonitor {
		return sig, nil
	}

	if raw.Price == nil || sig.Price <= 0 {
		return nil, &FieldError{Field: "price", Msg: "must be a positive number"}
	}
	switch st {
	case SignalBaseEntry, SignalPyramid:
		if raw.Stop == nil || sig.Stop <= 0 {
			return nil, &FieldError{Field: "stop", Msg: "must be a positive number"}
		}
		if sig.ATR <= 0 {
			return nil, &FieldError{Field: "atr", Msg: "must be a positive number"}
		}
		if sig.ER < 0 || sig.ER > 1 {
			return nil, &FieldError{Field: "er", Msg: "must be within [0,1]"}
		}
	case SignalExit:
		// Stop and ATR are advisory on exits.
	}

	return sig, nil
}

// Fingerprint is the SHA-256 of the canonicalized identity tuple with the
// timestamp rounded to the second. Two alerts that differ only in
// sub-second timing or advisory fields dedup to the same fingerprint.
func (s *Signal) Fingerprint() string {
	canon := strings.Join([]string{
		string(s.Type),
		string(s.Instrument),
		s.Slot,
		strconv.FormatFloat(s.Price, 'f', -1, 64),
		strconv.FormatFloat(s.Stop, 'f', -1, 64),
		strconv.Itoa(s.Lots),
		strconv.FormatInt(s.Timestamp.Truncate(time.Second).Unix(), 10),
	}, "|")
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}

// Age reports how long ago the signal was generated.
func (s *Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// IsLong reports whether the signal acts on the long side. The strategy is
// long-only today; the helper keeps call sites honest should that change.
func (s *Signal) IsLong() bool { return true }
