package backtest

import (
	"context"
	"sync"

	"github.com/quantarch/pyramid/internal/broker"
	"github.com/quantarch/pyramid/internal/domain"
	"github.com/quantarch/pyramid/internal/execution"
)

// SimBroker answers quotes from the last replayed signal price and fills
// orders instantly with configurable adverse slippage.
type SimBroker struct {
	mu          sync.Mutex
	prices      map[domain.Instrument]float64
	slippagePct float64
}

// NewSimBroker builds a simulated broker. slippagePct moves fills against
// the order: buys fill above the limit, sells below.
func NewSimBroker(slippagePct float64) *SimBroker {
	return &SimBroker{
		prices:      make(map[domain.Instrument]float64),
		slippagePct: slippagePct,
	}
}

// SetPrice records the replay's current market price for an instrument.
func (b *SimBroker) SetPrice(instrument domain.Instrument, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[instrument] = price
}

// GetQuote satisfies broker.Client for the validator.
func (b *SimBroker) GetQuote(_ context.Context, instrument domain.Instrument) (broker.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.prices[instrument]
	if !ok {
		return broker.Quote{}, broker.ErrUnavailable
	}
	return broker.Quote{Instrument: instrument, Price: price}, nil
}

// PlaceOrder, GetOrderStatus and CancelOrder exist only to satisfy the
// broker.Client interface; the simulated executor fills directly.
func (b *SimBroker) PlaceOrder(context.Context, broker.OrderRequest) (string, error) {
	return "sim-order", nil
}

func (b *SimBroker) GetOrderStatus(context.Context, string) (broker.OrderStatus, error) {
	return broker.OrderStatus{OrderID: "sim-order", State: broker.OrderComplete}, nil
}

func (b *SimBroker) CancelOrder(context.Context, string) error { return nil }

// Execute fills every order fully at the limit price adjusted for
// slippage. Implements execution.Executor.
func (b *SimBroker) Execute(_ context.Context, order execution.Order) execution.Result {
	fill := order.LimitPrice
	switch order.Side {
	case broker.SideBuy:
		fill *= 1 + b.slippagePct
	case broker.SideSell:
		fill *= 1 - b.slippagePct
	}
	return execution.Result{
		Status:       execution.StatusExecuted,
		LotsFilled:   order.Lots,
		AvgFillPrice: fill,
	}
}

var (
	_ broker.Client      = (*SimBroker)(nil)
	_ execution.Executor = (*SimBroker)(nil)
)
