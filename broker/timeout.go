package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/intraday/market"
)

type timeoutGateway struct {
	next Gateway
	d    time.Duration
}

var _ Gateway = (*timeoutGateway)(nil)

// WithTimeout bounds every call on gw by d. A call that overruns returns
// ErrTimeout even if the underlying client ignores its context.
func WithTimeout(gw Gateway, d time.Duration) Gateway {
	return &timeoutGateway{next: gw, d: d}
}

type result[T any] struct {
	v   T
	err error
}

func bounded[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	ch := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- result[T]{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return r.v, fmt.Errorf("%s: %w", op, ErrTimeout)
		}
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%s after %s: %w", op, d, ErrTimeout)
		}
		return zero, ctx.Err()
	}
}

func (g *timeoutGateway) GetLatestTick(ctx context.Context, inst market.Instrument) (market.Tick, error) {
	return bounded(ctx, g.d, "get tick", func(ctx context.Context) (market.Tick, error) {
		return g.next.GetLatestTick(ctx, inst)
	})
}

func (g *timeoutGateway) GetRecentCandles(ctx context.Context, inst market.Instrument, interval time.Duration, window int) ([]market.Candle, error) {
	return bounded(ctx, g.d, "get candles", func(ctx context.Context) ([]market.Candle, error) {
		return g.next.GetRecentCandles(ctx, inst, interval, window)
	})
}

func (g *timeoutGateway) PlaceFutureOrder(ctx context.Context, req FutureOrder) (OrderResult, error) {
	return bounded(ctx, g.d, "place future", func(ctx context.Context) (OrderResult, error) {
		return g.next.PlaceFutureOrder(ctx, req)
	})
}

func (g *timeoutGateway) PlaceSpreadOrder(ctx context.Context, req SpreadOrder) (OrderResult, error) {
	return bounded(ctx, g.d, "place spread", func(ctx context.Context) (OrderResult, error) {
		return g.next.PlaceSpreadOrder(ctx, req)
	})
}

func (g *timeoutGateway) ClosePosition(ctx context.Context, req CloseRequest) (OrderResult, error) {
	return bounded(ctx, g.d, "close position", func(ctx context.Context) (OrderResult, error) {
		return g.next.ClosePosition(ctx, req)
	})
}

func (g *timeoutGateway) AvailableMargin(ctx context.Context) (float64, error) {
	return bounded(ctx, g.d, "available margin", func(ctx context.Context) (float64, error) {
		return g.next.AvailableMargin(ctx)
	})
}
