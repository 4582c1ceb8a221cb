package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarch/pyramid/internal/broker"
	"github.com/quantarch/pyramid/internal/domain"
)

// fakeBroker scripts gateway behaviour per submitted order: each order
// consumes its script one status per poll, holding the last entry.
type fakeBroker struct {
	mu sync.Mutex

	placeErrs  []error // consumed per PlaceOrder call before success
	scripts    [][]broker.OrderStatus
	placed     []broker.OrderRequest
	nextScript int
	polls      map[string]int
	cancelled  map[string]bool
	quote      broker.Quote
	quoteErr   error
}

func newFakeBroker(scripts ...[]broker.OrderStatus) *fakeBroker {
	return &fakeBroker{
		scripts:   scripts,
		polls:     make(map[string]int),
		cancelled: make(map[string]bool),
	}
}

func (f *fakeBroker) PlaceOrder(_ context.Context, req broker.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if f.nextScript >= len(f.scripts) {
		return "", fmt.Errorf("unexpected order placement")
	}
	id := fmt.Sprintf("ORD-%d", f.nextScript)
	f.placed = append(f.placed, req)
	f.nextScript++
	return id, nil
}

func (f *fakeBroker) GetOrderStatus(_ context.Context, orderID string) (broker.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var idx int
	fmt.Sscanf(orderID, "ORD-%d", &idx)
	script := f.scripts[idx]
	step := f.polls[orderID]
	if step >= len(script) {
		step = len(script) - 1
	}
	f.polls[orderID]++
	st := script[step]
	st.OrderID = orderID
	if f.cancelled[orderID] && st.State == broker.OrderPending {
		st.State = broker.OrderCancelled
	}
	return st, nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[orderID] = true
	return nil
}

func (f *fakeBroker) GetQuote(_ context.Context, _ domain.Instrument) (broker.Quote, error) {
	return f.quote, f.quoteErr
}

func testConfig() Config {
	return Config{
		FillTimeout:             40 * time.Millisecond,
		PollInterval:            2 * time.Millisecond,
		PartialFillPolicy:       PolicyCancelRemainder,
		PartialFillWaitTimeout:  40 * time.Millisecond,
		TighteningInterval:      20 * time.Millisecond,
		TighteningStep:          0.001,
		MaxAttempts:             3,
		ReattemptSlippagePct:    0.001,
		MaxReattemptSlippagePct: 0.005,
	}
}

func buyOrder(lots int) Order {
	return Order{
		Instrument: domain.BankNifty,
		Side:       broker.SideBuy,
		Lots:       lots,
		LimitPrice: 52000,
		Tag:        "req-1",
	}
}

func newExecutor(t *testing.T, strategy string, fb *fakeBroker, cfg Config) Executor {
	t.Helper()
	exec, err := New(strategy, fb, cfg, zerolog.Nop())
	require.NoError(t, err)
	return exec
}

func TestSimpleLimit_FullFill(t *testing.T) {
	fb := newFakeBroker([]broker.OrderStatus{
		{State: broker.OrderPending},
		{State: broker.OrderComplete, FilledLots: 3, AvgFillPrice: 52001},
	})
	exec := newExecutor(t, "SimpleLimit", fb, testConfig())

	res := exec.Execute(context.Background(), buyOrder(3))

	assert.Equal(t, StatusExecuted, res.Status)
	assert.Equal(t, 3, res.LotsFilled)
	assert.Equal(t, 52001.0, res.AvgFillPrice)
}

func TestSimpleLimit_TimeoutCancelsPending(t *testing.T) {
	fb := newFakeBroker([]broker.OrderStatus{{State: broker.OrderPending}})
	exec := newExecutor(t, "SimpleLimit", fb, testConfig())

	res := exec.Execute(context.Background(), buyOrder(3))

	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, 0, res.LotsFilled)
	assert.Equal(t, 3, res.LotsCancelled)
	assert.True(t, fb.cancelled["ORD-0"])
}

func TestSimpleLimit_BrokerRejection(t *testing.T) {
	fb := newFakeBroker([]broker.OrderStatus{{State: broker.OrderRejected}})
	exec := newExecutor(t, "SimpleLimit", fb, testConfig())

	res := exec.Execute(context.Background(), buyOrder(3))
	assert.Equal(t, StatusRejected, res.Status)
	assert.Zero(t, res.LotsFilled)
}

func TestSimpleLimit_PlacementRetriesThenRejects(t *testing.T) {
	fb := newFakeBroker([]broker.OrderStatus{{State: broker.OrderComplete, FilledLots: 3, AvgFillPrice: 52000}})
	fb.placeErrs = []error{
		fmt.Errorf("%w: 502", broker.ErrUnavailable),
		fmt.Errorf("%w: 502", broker.ErrUnavailable),
		fmt.Errorf("%w: 502", broker.ErrUnavailable),
	}
	exec := newExecutor(t, "SimpleLimit", fb, testConfig())

	res := exec.Execute(context.Background(), buyOrder(3))
	assert.Equal(t, StatusRejected, res.Status)
	assert.Empty(t, fb.placed)
}

func TestSimpleLimit_PlacementRecoversWithinRetryBudget(t *testing.T) {
	fb := newFakeBroker([]broker.OrderStatus{
		{State: broker.OrderComplete, FilledLots: 3, AvgFillPrice: 52000},
	})
	fb.placeErrs = []error{fmt.Errorf("%w: flaky", broker.ErrUnavailable), nil}
	exec := newExecutor(t, "SimpleLimit", fb, testConfig())

	res := exec.Execute(context.Background(), buyOrder(3))
	assert.Equal(t, StatusExecuted, res.Status)
}

func TestPartialPolicy_CancelRemainder(t *testing.T) {
	fb := newFakeBroker([]broker.OrderStatus{
		{State: broker.OrderPartial, FilledLots: 2, AvgFillPrice: 52000},
	})
	exec := newExecutor(t, "SimpleLimit", fb, testConfig())

	res := exec.Execute(context.Background(), buyOrder(5))

	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, 2, res.LotsFilled)
	assert.Equal(t, 3, res.LotsCancelled)
	assert.Equal(t, string(PolicyCancelRemainder), res.PartialFillPolicyApplied)
}

func TestPartialPolicy_WaitForFillPromotes(t *testing.T) {
	// Partial at the fill timeout, completes during the wait window.
	script := make([]broker.OrderStatus, 0, 40)
	for i := 0; i < 25; i++ {
		script = append(script, broker.OrderStatus{State: broker.OrderPartial, FilledLots: 2, AvgFillPrice: 52000})
	}
	script = append(script, broker.OrderStatus{State: broker.OrderComplete, FilledLots: 5, AvgFillPrice: 52002})

	fb := newFakeBroker(script)
	cfg := testConfig()
	cfg.PartialFillPolicy = PolicyWaitForFill
	exec := newExecutor(t, "SimpleLimit", fb, cfg)

	res := exec.Execute(context.Background(), buyOrder(5))

	assert.Equal(t, StatusExecuted, res.Status)
	assert.Equal(t, 5, res.LotsFilled)
	assert.Equal(t, string(PolicyWaitForFill), res.PartialFillPolicyApplied)
}

func TestPartialPolicy_ReattemptCombinesFills(t *testing.T) {
	fb := newFakeBroker(
		[]broker.OrderStatus{{State: broker.OrderPartial, FilledLots: 2, AvgFillPrice: 52000}},
		[]broker.OrderStatus{{State: broker.OrderComplete, FilledLots: 3, AvgFillPrice: 52052}},
	)
	cfg := testConfig()
	cfg.PartialFillPolicy = PolicyReattempt
	exec := newExecutor(t, "SimpleLimit", fb, cfg)

	res := exec.Execute(context.Background(), buyOrder(5))

	require.Equal(t, StatusExecuted, res.Status)
	assert.Equal(t, 5, res.LotsFilled)
	// Weighted average: (2*52000 + 3*52052) / 5
	assert.InDelta(t, 52031.2, res.AvgFillPrice, 1e-9)
	assert.Equal(t, string(PolicyReattempt), res.PartialFillPolicyApplied)

	// The chase order is modestly more aggressive and clamped.
	require.Len(t, fb.placed, 2)
	assert.InDelta(t, 52000*1.001, fb.placed[1].LimitPrice, 1e-9)
	assert.Equal(t, 3, fb.placed[1].Lots)
}

func TestProgressive_TightensThenMarketFallback(t *testing.T) {
	fb := newFakeBroker(
		[]broker.OrderStatus{{State: broker.OrderPending}},
		[]broker.OrderStatus{{State: broker.OrderPending}},
		[]broker.OrderStatus{{State: broker.OrderComplete, FilledLots: 3, AvgFillPrice: 52015}},
	)
	exec := newExecutor(t, "Progressive", fb, testConfig())

	res := exec.Execute(context.Background(), buyOrder(3))

	require.Equal(t, StatusExecuted, res.Status)
	assert.Equal(t, 3, res.LotsFilled)

	require.Len(t, fb.placed, 3)
	assert.Equal(t, broker.OrderLimit, fb.placed[0].Type)
	assert.InDelta(t, 52000.0, fb.placed[0].LimitPrice, 1e-9)
	assert.Equal(t, broker.OrderLimit, fb.placed[1].Type)
	assert.InDelta(t, 52000*1.001, fb.placed[1].LimitPrice, 1e-9)
	assert.Equal(t, broker.OrderMarket, fb.placed[2].Type)
}

func TestProgressive_AccumulatesPartialsAcrossAttempts(t *testing.T) {
	fb := newFakeBroker(
		[]broker.OrderStatus{{State: broker.OrderPartial, FilledLots: 2, AvgFillPrice: 52000}},
		[]broker.OrderStatus{{State: broker.OrderComplete, FilledLots: 3, AvgFillPrice: 52052}},
	)
	cfg := testConfig()
	cfg.MaxAttempts = 2
	exec := newExecutor(t, "Progressive", fb, cfg)

	res := exec.Execute(context.Background(), buyOrder(5))

	require.Equal(t, StatusExecuted, res.Status)
	assert.Equal(t, 5, res.LotsFilled)
	assert.InDelta(t, (2*52000.0+3*52052.0)/5, res.AvgFillPrice, 1e-9)
	// Second attempt only asks for the remainder.
	assert.Equal(t, 3, fb.placed[1].Lots)
}

func TestProgressive_NothingFills(t *testing.T) {
	fb := newFakeBroker(
		[]broker.OrderStatus{{State: broker.OrderPending}},
		[]broker.OrderStatus{{State: broker.OrderPending}},
		[]broker.OrderStatus{{State: broker.OrderPending}},
	)
	exec := newExecutor(t, "Progressive", fb, testConfig())

	res := exec.Execute(context.Background(), buyOrder(3))

	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, 3, res.LotsCancelled)
}

func TestNew_UnknownStrategy(t *testing.T) {
	_, err := New("Iceberg", newFakeBroker(), testConfig(), zerolog.Nop())
	assert.Error(t, err)
}
