// Package indicators provides the technical-analysis primitives the scoring
// filters and entry guards are built from. Everything here is a pure
// function of a candle series.
package indicators

import (
	"errors"
	"fmt"
)

// ErrNotEnoughData is returned when a series is shorter than the warmup an
// indicator needs. Callers treat it as "no opinion", never as a failure.
var ErrNotEnoughData = errors.New("not enough candles")

func notEnough(need, got int) error {
	return fmt.Errorf("%w: need %d, got %d", ErrNotEnoughData, need, got)
}

func checkPeriod(period int) error {
	if period <= 0 {
		return fmt.Errorf("period must be positive, got %d", period)
	}
	return nil
}
