package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/intraday/market"
)

type fakeGateway struct {
	ticks      map[market.Instrument]float64
	tickErrs   int32 // fail this many GetLatestTick calls first
	tickCalls  atomic.Int32
	orderCalls atomic.Int32
	block      chan struct{}
}

func (f *fakeGateway) GetLatestTick(ctx context.Context, inst market.Instrument) (market.Tick, error) {
	n := f.tickCalls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if n <= f.tickErrs {
		return market.Tick{}, ErrUnavailable
	}
	px, ok := f.ticks[inst]
	if !ok {
		return market.Tick{}, market.ErrNoTick
	}
	return market.Tick{Instrument: inst, LTP: px}, nil
}

func (f *fakeGateway) GetRecentCandles(ctx context.Context, inst market.Instrument, _ time.Duration, _ int) ([]market.Candle, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeGateway) PlaceFutureOrder(context.Context, FutureOrder) (OrderResult, error) {
	f.orderCalls.Add(1)
	return OrderResult{}, ErrUnavailable
}

func (f *fakeGateway) PlaceSpreadOrder(context.Context, SpreadOrder) (OrderResult, error) {
	f.orderCalls.Add(1)
	return OrderResult{}, ErrUnavailable
}

func (f *fakeGateway) ClosePosition(context.Context, CloseRequest) (OrderResult, error) {
	f.orderCalls.Add(1)
	return OrderResult{}, ErrUnavailable
}

func (f *fakeGateway) AvailableMargin(context.Context) (float64, error) {
	return 1e6, nil
}

var (
	fut   = market.Contract{Instrument: market.NewInstrument("NFO", "5001"), Symbol: "RELIANCE24JANFUT", LotSize: 250}
	short = market.Contract{Instrument: market.NewInstrument("NFO", "6002"), Symbol: "RELIANCE24JAN2520PE", LotSize: 250}
	hedge = market.Contract{Instrument: market.NewInstrument("NFO", "6001"), Symbol: "RELIANCE24JAN2500PE", LotSize: 250}
)

func TestTimeoutMapsDeadline(t *testing.T) {
	t.Parallel()
	gw := WithTimeout(&fakeGateway{}, 20*time.Millisecond)

	_, err := gw.GetRecentCandles(context.Background(), fut.Instrument, time.Minute, 30)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTimeoutDoesNotWaitOnStuckClient(t *testing.T) {
	t.Parallel()
	f := &fakeGateway{block: make(chan struct{})}
	defer close(f.block)
	gw := WithTimeout(f, 20*time.Millisecond)

	start := time.Now()
	_, err := gw.GetLatestTick(context.Background(), fut.Instrument)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryReadsOnly(t *testing.T) {
	t.Parallel()
	f := &fakeGateway{ticks: map[market.Instrument]float64{fut.Instrument: 2510}, tickErrs: 2}
	gw := WithRetry(f, 3, time.Millisecond)

	tk, err := gw.GetLatestTick(context.Background(), fut.Instrument)
	require.NoError(t, err)
	assert.Equal(t, 2510.0, tk.LTP)
	assert.Equal(t, int32(3), f.tickCalls.Load())

	_, err = gw.PlaceFutureOrder(context.Background(), FutureOrder{Contract: fut, Side: Buy, Quantity: 250})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), f.orderCalls.Load())
}

func TestRetryHonoursContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, 5, time.Hour, func() error {
		calls++
		return errors.New("nope")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDryRunShape(t *testing.T) {
	t.Parallel()
	f := &fakeGateway{ticks: map[market.Instrument]float64{
		fut.Instrument:   2510,
		short.Instrument: 30,
		hedge.Instrument: 20,
	}}
	gw := DryRun(f)
	ctx := context.Background()

	res, err := gw.PlaceFutureOrder(ctx, FutureOrder{Contract: fut, Side: Buy, Quantity: 250})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.DryRun)
	assert.Equal(t, "RELIANCE24JANFUT", res.ContractSymbol)
	assert.Equal(t, 250, res.LotSize)
	assert.Equal(t, 2510.0, res.FillPrice)
	assert.NotEmpty(t, res.OrderID)

	res, err = gw.PlaceSpreadOrder(ctx, SpreadOrder{Short: short, Hedge: hedge, Quantity: 500})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 10.0, res.FillPrice)
	assert.Equal(t, 30.0, res.ShortFill)
	assert.Equal(t, 20.0, res.HedgeFill)

	res, err = gw.ClosePosition(ctx, CloseRequest{Legs: []CloseLeg{{Contract: fut.Instrument, Symbol: fut.Symbol, Side: Sell, Quantity: 250}}})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 2510.0, res.FillPrice)

	assert.Equal(t, int32(0), f.orderCalls.Load())
}

type countingOracle struct{ calls int }

func (o *countingOracle) EstimateMargin(_ context.Context, p Proposal) (float64, error) {
	o.calls++
	return float64(len(p.Legs)) * 1000, nil
}

func TestCachedOracle(t *testing.T) {
	t.Parallel()
	inner := &countingOracle{}
	o := NewCachedOracle(inner, time.Minute)
	now := time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }
	ctx := context.Background()

	p := Proposal{Legs: []ProposalLeg{
		{Contract: short.Instrument, Side: Sell, Quantity: 500},
		{Contract: hedge.Instrument, Side: Buy, Quantity: 500},
	}}
	swapped := Proposal{Legs: []ProposalLeg{p.Legs[1], p.Legs[0]}}

	m, err := o.EstimateMargin(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, m)
	_, _ = o.EstimateMargin(ctx, swapped)
	assert.Equal(t, 1, inner.calls)

	now = now.Add(2 * time.Minute)
	_, _ = o.EstimateMargin(ctx, p)
	assert.Equal(t, 2, inner.calls)

	now = now.Add(2 * time.Minute)
	o.Purge()
	assert.Empty(t, o.cache)
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Sell, Buy.Opposite())
	assert.Equal(t, Buy, Sell.Opposite())
}
