// Package broker defines the narrow gateway contract the engine depends
// on and an HTTP implementation guarded by a circuit breaker.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/quantarch/pyramid/internal/domain"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType distinguishes limit from market orders.
type OrderType string

const (
	OrderLimit  OrderType = "LIMIT"
	OrderMarket OrderType = "MARKET"
)

// OrderState is the gateway-side order lifecycle.
type OrderState string

const (
	OrderPending   OrderState = "PENDING"
	OrderPartial   OrderState = "PARTIAL"
	OrderComplete  OrderState = "COMPLETE"
	OrderCancelled OrderState = "CANCELLED"
	OrderRejected  OrderState = "REJECTED"
)

// OrderRequest is a new order submission.
type OrderRequest struct {
	Instrument domain.Instrument `json:"instrument"`
	Side       Side              `json:"side"`
	Type       OrderType         `json:"type"`
	Lots       int               `json:"lots"`
	LimitPrice float64           `json:"limit_price,omitempty"`
	Tag        string            `json:"tag,omitempty"` // request id for broker-side audit
}

// OrderStatus is the polled state of a submitted order.
type OrderStatus struct {
	OrderID      string     `json:"order_id"`
	State        OrderState `json:"state"`
	FilledLots   int        `json:"filled_lots"`
	AvgFillPrice float64    `json:"avg_fill_price"`
}

// Quote is the gateway's last traded price snapshot.
type Quote struct {
	Instrument domain.Instrument `json:"instrument"`
	Price      float64           `json:"price"`
	AsOf       time.Time         `json:"as_of"`
}

// Client is the only broker surface the engine sees.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetQuote(ctx context.Context, instrument domain.Instrument) (Quote, error)
}

// ErrUnavailable tags transient gateway failures (5xx, timeout, open
// breaker). Callers retry these; anything else is terminal.
var ErrUnavailable = errors.New("broker unavailable")

// RetryDelays is the bounded backoff schedule used across executor and
// validator broker calls: immediate, then 0.5s, then 1.0s.
var RetryDelays = []time.Duration{0, 500 * time.Millisecond, time.Second}

// WithRetry runs fn up to len(delays) times, sleeping delays[i] before
// attempt i. Only ErrUnavailable failures are retried; context
// cancellation and terminal errors surface immediately.
func WithRetry(ctx context.Context, delays []time.Duration, fn func(ctx context.Context) error) error {
	var lastErr error
	for _, delay := range delays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrUnavailable) {
			return lastErr
		}
	}
	return lastErr
}
