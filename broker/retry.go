package broker

import (
	"context"
	"time"

	"github.com/rustyeddy/intraday/market"
)

// Retry calls fn up to attempts times with exponential backoff starting at
// base. It returns nil on the first success or the last error. Context
// cancellation between attempts aborts the loop.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return err
}

type retryGateway struct {
	Gateway
	attempts int
	base     time.Duration
}

// WithRetry retries the read calls of gw. Order placement and closes pass
// straight through: a retried order could fill twice.
func WithRetry(gw Gateway, attempts int, base time.Duration) Gateway {
	if attempts < 1 {
		attempts = 1
	}
	return &retryGateway{Gateway: gw, attempts: attempts, base: base}
}

func (g *retryGateway) GetLatestTick(ctx context.Context, inst market.Instrument) (market.Tick, error) {
	var t market.Tick
	err := Retry(ctx, g.attempts, g.base, func() (err error) {
		t, err = g.Gateway.GetLatestTick(ctx, inst)
		return err
	})
	return t, err
}

func (g *retryGateway) GetRecentCandles(ctx context.Context, inst market.Instrument, interval time.Duration, window int) ([]market.Candle, error) {
	var cs []market.Candle
	err := Retry(ctx, g.attempts, g.base, func() (err error) {
		cs, err = g.Gateway.GetRecentCandles(ctx, inst, interval, window)
		return err
	})
	return cs, err
}

func (g *retryGateway) AvailableMargin(ctx context.Context) (float64, error) {
	var m float64
	err := Retry(ctx, g.attempts, g.base, func() (err error) {
		m, err = g.Gateway.AvailableMargin(ctx)
		return err
	})
	return m, err
}
