package execution

import (
	"context"
	"fmt"

	"github.com/quantarch/pyramid/internal/broker"
)

// Progressive chases the fill: a limit order per attempt, each one a
// tightening_step more aggressive than the last, cancelled if unfilled
// within tightening_interval. The final attempt converts to a MARKET
// order as last resort.
type Progressive struct {
	*strategyBase
}

// Execute implements Executor.
func (p *Progressive) Execute(ctx context.Context, order Order) Result {
	maxAttempts := p.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		filledLots int
		avgPrice   float64
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		remaining := order.Lots - filledLots
		if remaining <= 0 {
			break
		}

		req := broker.OrderRequest{
			Instrument: order.Instrument,
			Side:       order.Side,
			Lots:       remaining,
			Tag:        order.Tag,
		}
		if attempt == maxAttempts {
			req.Type = broker.OrderMarket
		} else {
			req.Type = broker.OrderLimit
			req.LimitPrice = aggressivePrice(order.Side, order.LimitPrice,
				p.cfg.TighteningStep*float64(attempt-1))
		}

		orderID, err := p.placeWithRetry(ctx, req)
		if err != nil {
			if filledLots > 0 {
				return Result{
					Status:        StatusPartial,
					LotsFilled:    filledLots,
					LotsCancelled: remaining,
					AvgFillPrice:  avgPrice,
					Notes:         fmt.Sprintf("attempt %d placement failed: %v", attempt, err),
				}
			}
			return Result{Status: StatusRejected, Notes: fmt.Sprintf("order placement failed: %v", err)}
		}

		window := p.cfg.TighteningInterval
		if attempt == maxAttempts {
			window = p.cfg.FillTimeout
		}
		outcome := p.poll(ctx, orderID, window)

		st := outcome.status
		if st.State == broker.OrderRejected {
			if filledLots > 0 {
				return Result{
					Status:        StatusPartial,
					LotsFilled:    filledLots,
					LotsCancelled: remaining,
					AvgFillPrice:  avgPrice,
					Notes:         fmt.Sprintf("broker rejected attempt %d", attempt),
				}
			}
			return Result{Status: StatusRejected, Notes: "broker rejected order"}
		}
		if st.State != broker.OrderComplete {
			st = p.cancel(ctx, orderID)
		}

		filledLots, avgPrice = combine(filledLots, avgPrice, st.FilledLots, st.AvgFillPrice)
		if outcome.err != nil {
			break
		}
	}

	switch {
	case filledLots >= order.Lots:
		return Result{
			Status:       StatusExecuted,
			LotsFilled:   filledLots,
			AvgFillPrice: avgPrice,
		}
	case filledLots > 0:
		return Result{
			Status:        StatusPartial,
			LotsFilled:    filledLots,
			LotsCancelled: order.Lots - filledLots,
			AvgFillPrice:  avgPrice,
			Notes:         "partial across tightening attempts",
		}
	default:
		return Result{
			Status:        StatusTimeout,
			LotsCancelled: order.Lots,
			Notes:         "unfilled after all tightening attempts",
		}
	}
}
