// Package execution turns an admitted signal into broker orders. Two
// strategies (limit-and-wait, progressive tightening with market
// fallback) share the partial-fill policies and the bounded broker retry.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantarch/pyramid/internal/broker"
	"github.com/quantarch/pyramid/internal/domain"
)

// Status is the terminal outcome of an Execute call.
type Status string

const (
	StatusExecuted Status = "EXECUTED"
	StatusPartial  Status = "PARTIAL"
	StatusRejected Status = "REJECTED"
	StatusTimeout  Status = "TIMEOUT"
)

// Result is the executor's answer to the engine. A REJECTED or TIMEOUT
// result guarantees no fills happened (any partial quantity was cancelled
// and is reported in LotsCancelled).
type Result struct {
	Status                   Status  `json:"status"`
	LotsFilled               int     `json:"lots_filled"`
	LotsCancelled            int     `json:"lots_cancelled"`
	AvgFillPrice             float64 `json:"avg_fill_price"`
	Notes                    string  `json:"notes,omitempty"`
	PartialFillPolicyApplied string  `json:"partial_fill_policy_applied,omitempty"`
}

// Order is what the engine asks the executor to do.
type Order struct {
	Instrument domain.Instrument
	Side       broker.Side
	Lots       int
	LimitPrice float64
	Tag        string // request id, forwarded to the broker
}

// Executor is the contract presented to the engine.
type Executor interface {
	Execute(ctx context.Context, order Order) Result
}

// PartialFillPolicy selects handling of partially filled orders at
// timeout.
type PartialFillPolicy string

const (
	PolicyCancelRemainder PartialFillPolicy = "CancelRemainder"
	PolicyWaitForFill     PartialFillPolicy = "WaitForFill"
	PolicyReattempt       PartialFillPolicy = "Reattempt"
)

// Config tunes both strategies. Durations come straight from the typed
// process configuration.
type Config struct {
	FillTimeout            time.Duration
	PollInterval           time.Duration
	PartialFillPolicy      PartialFillPolicy
	PartialFillWaitTimeout time.Duration

	// Progressive strategy.
	TighteningInterval time.Duration
	TighteningStep     float64
	MaxAttempts        int

	// Reattempt policy.
	ReattemptSlippagePct    float64
	MaxReattemptSlippagePct float64
}

// New selects a strategy implementation by name.
func New(strategy string, client broker.Client, cfg Config, logger zerolog.Logger) (Executor, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReattemptSlippagePct > cfg.MaxReattemptSlippagePct && cfg.MaxReattemptSlippagePct > 0 {
		cfg.ReattemptSlippagePct = cfg.MaxReattemptSlippagePct
	}

	base := &strategyBase{client: client, cfg: cfg, logger: logger}
	switch strategy {
	case "SimpleLimit":
		return &SimpleLimit{strategyBase: base}, nil
	case "Progressive":
		return &Progressive{strategyBase: base}, nil
	default:
		return nil, fmt.Errorf("unknown execution strategy %q", strategy)
	}
}

// strategyBase carries what both strategies share.
type strategyBase struct {
	client broker.Client
	cfg    Config
	logger zerolog.Logger
}

// placeWithRetry submits an order under the bounded broker backoff.
func (s *strategyBase) placeWithRetry(ctx context.Context, req broker.OrderRequest) (string, error) {
	var orderID string
	err := broker.WithRetry(ctx, broker.RetryDelays, func(ctx context.Context) error {
		id, err := s.client.PlaceOrder(ctx, req)
		if err != nil {
			return err
		}
		orderID = id
		return nil
	})
	return orderID, err
}

// pollOutcome is what a polling loop ends with.
type pollOutcome struct {
	status   broker.OrderStatus
	timedOut bool
	err      error
}

// poll watches an order until it reaches a terminal broker state or the
// deadline passes.
func (s *strategyBase) poll(ctx context.Context, orderID string, deadline time.Duration) pollOutcome {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var last broker.OrderStatus
	for {
		select {
		case <-ctx.Done():
			return pollOutcome{status: last, err: ctx.Err()}
		case <-timer.C:
			return pollOutcome{status: last, timedOut: true}
		case <-ticker.C:
			st, err := s.client.GetOrderStatus(ctx, orderID)
			if err != nil {
				// Transient poll failures keep the loop alive; the
				// deadline bounds the total wait either way.
				s.logger.Warn().Err(err).Str("order_id", orderID).Msg("order status poll failed")
				continue
			}
			last = st
			switch st.State {
			case broker.OrderComplete, broker.OrderCancelled, broker.OrderRejected:
				return pollOutcome{status: st}
			}
		}
	}
}

// cancel cancels outstanding quantity and returns the final broker-side
// fill count. Cancel failures are logged, not retried forever; the
// operator reconciles from the broker book.
func (s *strategyBase) cancel(ctx context.Context, orderID string) broker.OrderStatus {
	err := broker.WithRetry(ctx, broker.RetryDelays, func(ctx context.Context) error {
		return s.client.CancelOrder(ctx, orderID)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("order_id", orderID).Msg("order cancel failed")
	}
	st, err := s.client.GetOrderStatus(ctx, orderID)
	if err != nil {
		s.logger.Warn().Err(err).Str("order_id", orderID).Msg("post-cancel status fetch failed")
	}
	return st
}

// aggressivePrice nudges a limit price toward the market: up for buys,
// down for sells.
func aggressivePrice(side broker.Side, price, pct float64) float64 {
	if side == broker.SideBuy {
		return price * (1 + pct)
	}
	return price * (1 - pct)
}

// combine folds a follow-up fill into an accumulated result using the
// lot-weighted average price.
func combine(filledLots int, avgPrice float64, addLots int, addPrice float64) (int, float64) {
	total := filledLots + addLots
	if total == 0 {
		return 0, 0
	}
	weighted := (avgPrice*float64(filledLots) + addPrice*float64(addLots)) / float64(total)
	return total, weighted
}
