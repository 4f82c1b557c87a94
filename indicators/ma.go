package indicators

import (
	"github.com/rustyeddy/intraday/market"
)

// MA calculates the Simple Moving Average of closes for the given period.
func MA(candles []market.Candle, period int) (float64, error) {
	if err := checkPeriod(period); err != nil {
		return 0, err
	}
	if len(candles) < period {
		return 0, notEnough(period, len(candles))
	}

	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period), nil
}

// MASeries returns the rolling SMA aligned to candles[period-1:].
func MASeries(candles []market.Candle, period int) ([]float64, error) {
	if err := checkPeriod(period); err != nil {
		return nil, err
	}
	if len(candles) < period {
		return nil, notEnough(period, len(candles))
	}

	out := make([]float64, 0, len(candles)-period+1)
	sum := 0.0
	for i, c := range candles {
		sum += c.Close
		if i >= period {
			sum -= candles[i-period].Close
		}
		if i >= period-1 {
			out = append(out, sum/float64(period))
		}
	}
	return out, nil
}

// EMA calculates the Exponential Moving Average of closes for the given
// period, seeded with the SMA of the first period closes.
func EMA(candles []market.Candle, period int) (float64, error) {
	if err := checkPeriod(period); err != nil {
		return 0, err
	}
	if len(candles) < period {
		return 0, notEnough(period, len(candles))
	}

	multiplier := 2.0 / float64(period+1)

	sma := 0.0
	for i := 0; i < period; i++ {
		sma += candles[i].Close
	}
	ema := sma / float64(period)

	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close-ema)*multiplier + ema
	}
	return ema, nil
}

// Slope is the change of the period-SMA across the last lookback candles:
// SMA(now) - SMA(lookback-1 candles ago).
func Slope(candles []market.Candle, period, lookback int) (float64, error) {
	if lookback < 2 {
		lookback = 2
	}
	need := period + lookback - 1
	if len(candles) < need {
		return 0, notEnough(need, len(candles))
	}
	series, err := MASeries(market.Tail(candles, need), period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1] - series[0], nil
}
