package indicators

import (
	"math"

	"github.com/rustyeddy/intraday/market"
)

func trueRange(current, previous market.Candle) float64 {
	a := current.High - current.Low
	b := math.Abs(current.High - previous.Close)
	c := math.Abs(current.Low - previous.Close)
	return math.Max(a, math.Max(b, c))
}

// ATR calculates the Average True Range for the given period using
// Wilder's smoothing. It needs period+1 candles.
func ATR(candles []market.Candle, period int) (float64, error) {
	if err := checkPeriod(period); err != nil {
		return 0, err
	}
	if len(candles) < period+1 {
		return 0, notEnough(period+1, len(candles))
	}

	trueRanges := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trueRanges = append(trueRanges, trueRange(candles[i], candles[i-1]))
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += trueRanges[i]
	}
	atr := sum / float64(period)

	for i := period; i < len(trueRanges); i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
	}
	return atr, nil
}
