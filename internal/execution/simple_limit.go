package execution

import (
	"context"
	"fmt"

	"github.com/quantarch/pyramid/internal/broker"
)

// SimpleLimit submits one limit order and waits for it: COMPLETE within
// fill_timeout is EXECUTED, a partial fill at timeout goes to the
// configured partial-fill policy, and an unfilled order is cancelled and
// reported as TIMEOUT.
type SimpleLimit struct {
	*strategyBase
}

// Execute implements Executor.
func (s *SimpleLimit) Execute(ctx context.Context, order Order) Result {
	req := broker.OrderRequest{
		Instrument: order.Instrument,
		Side:       order.Side,
		Type:       broker.OrderLimit,
		Lots:       order.Lots,
		LimitPrice: order.LimitPrice,
		Tag:        order.Tag,
	}

	orderID, err := s.placeWithRetry(ctx, req)
	if err != nil {
		return Result{
			Status: StatusRejected,
			Notes:  fmt.Sprintf("order placement failed: %v", err),
		}
	}

	outcome := s.poll(ctx, orderID, s.cfg.FillTimeout)
	if outcome.err != nil {
		st := s.cancel(ctx, orderID)
		return s.settleAfterCancel(order, st, fmt.Sprintf("cancelled: %v", outcome.err))
	}

	st := outcome.status
	switch {
	case st.State == broker.OrderComplete:
		return Result{
			Status:       StatusExecuted,
			LotsFilled:   st.FilledLots,
			AvgFillPrice: st.AvgFillPrice,
		}
	case st.State == broker.OrderRejected:
		return Result{Status: StatusRejected, Notes: "broker rejected order"}
	case outcome.timedOut && st.FilledLots > 0:
		return s.applyPartialPolicy(ctx, order, orderID, st)
	default:
		// Still pending at timeout, or cancelled behind our back.
		final := s.cancel(ctx, orderID)
		return s.settleAfterCancel(order, final, "unfilled at timeout")
	}
}

// settleAfterCancel classifies the book state after a cancel: any fills
// become PARTIAL, none is a clean TIMEOUT.
func (s *SimpleLimit) settleAfterCancel(order Order, st broker.OrderStatus, note string) Result {
	if st.FilledLots > 0 {
		return Result{
			Status:        StatusPartial,
			LotsFilled:    st.FilledLots,
			LotsCancelled: order.Lots - st.FilledLots,
			AvgFillPrice:  st.AvgFillPrice,
			Notes:         note,
		}
	}
	return Result{
		Status:        StatusTimeout,
		LotsCancelled: order.Lots,
		Notes:         note,
	}
}

// applyPartialPolicy resolves a partial fill at timeout per config.
func (s *strategyBase) applyPartialPolicy(ctx context.Context, order Order, orderID string, st broker.OrderStatus) Result {
	switch s.cfg.PartialFillPolicy {
	case PolicyWaitForFill:
		return s.waitForFill(ctx, order, orderID, st)
	case PolicyReattempt:
		return s.reattempt(ctx, order, orderID, st)
	default:
		return s.cancelRemainder(ctx, order, orderID)
	}
}

// cancelRemainder is the default policy: cancel outstanding, keep fills.
func (s *strategyBase) cancelRemainder(ctx context.Context, order Order, orderID string) Result {
	final := s.cancel(ctx, orderID)
	return Result{
		Status:                   StatusPartial,
		LotsFilled:               final.FilledLots,
		LotsCancelled:            order.Lots - final.FilledLots,
		AvgFillPrice:             final.AvgFillPrice,
		PartialFillPolicyApplied: string(PolicyCancelRemainder),
	}
}

// waitForFill keeps polling the same order; a full fill within the wait
// window promotes to EXECUTED.
func (s *strategyBase) waitForFill(ctx context.Context, order Order, orderID string, st broker.OrderStatus) Result {
	outcome := s.poll(ctx, orderID, s.cfg.PartialFillWaitTimeout)
	if outcome.status.State == broker.OrderComplete {
		return Result{
			Status:                   StatusExecuted,
			LotsFilled:               outcome.status.FilledLots,
			AvgFillPrice:             outcome.status.AvgFillPrice,
			PartialFillPolicyApplied: string(PolicyWaitForFill),
		}
	}

	final := s.cancel(ctx, orderID)
	if final.FilledLots == 0 {
		final = st
	}
	return Result{
		Status:                   StatusPartial,
		LotsFilled:               final.FilledLots,
		LotsCancelled:            order.Lots - final.FilledLots,
		AvgFillPrice:             final.AvgFillPrice,
		PartialFillPolicyApplied: string(PolicyWaitForFill),
	}
}

// reattempt cancels the remainder and chases it once at a modestly more
// aggressive price, clamped by max_reattempt_slippage_pct.
func (s *strategyBase) reattempt(ctx context.Context, order Order, orderID string, st broker.OrderStatus) Result {
	first := s.cancel(ctx, orderID)
	if first.FilledLots == 0 {
		first = st
	}
	remaining := order.Lots - first.FilledLots
	if remaining <= 0 {
		return Result{
			Status:                   StatusExecuted,
			LotsFilled:               first.FilledLots,
			AvgFillPrice:             first.AvgFillPrice,
			PartialFillPolicyApplied: string(PolicyReattempt),
		}
	}

	pct := s.cfg.ReattemptSlippagePct
	if s.cfg.MaxReattemptSlippagePct > 0 && pct > s.cfg.MaxReattemptSlippagePct {
		pct = s.cfg.MaxReattemptSlippagePct
	}
	chasePrice := aggressivePrice(order.Side, order.LimitPrice, pct)

	chaseID, err := s.placeWithRetry(ctx, broker.OrderRequest{
		Instrument: order.Instrument,
		Side:       order.Side,
		Type:       broker.OrderLimit,
		Lots:       remaining,
		LimitPrice: chasePrice,
		Tag:        order.Tag,
	})
	if err != nil {
		return Result{
			Status:                   StatusPartial,
			LotsFilled:               first.FilledLots,
			LotsCancelled:            remaining,
			AvgFillPrice:             first.AvgFillPrice,
			Notes:                    fmt.Sprintf("reattempt placement failed: %v", err),
			PartialFillPolicyApplied: string(PolicyReattempt),
		}
	}

	outcome := s.poll(ctx, chaseID, s.cfg.FillTimeout)
	chase := outcome.status
	if chase.State != broker.OrderComplete {
		chase = s.cancel(ctx, chaseID)
	}

	totalLots, avg := combine(first.FilledLots, first.AvgFillPrice, chase.FilledLots, chase.AvgFillPrice)
	if totalLots >= order.Lots {
		return Result{
			Status:                   StatusExecuted,
			LotsFilled:               totalLots,
			AvgFillPrice:             avg,
			PartialFillPolicyApplied: string(PolicyReattempt),
		}
	}
	return Result{
		Status:                   StatusPartial,
		LotsFilled:               totalLots,
		LotsCancelled:            order.Lots - totalLots,
		AvgFillPrice:             avg,
		PartialFillPolicyApplied: string(PolicyReattempt),
	}
}
