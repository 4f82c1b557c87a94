package market

import "time"

// Candle represents OHLC (Open, High, Low, Close) candlestick data
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Closes returns the close series of candles.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Tail returns at most the last n candles.
func Tail(candles []Candle, n int) []Candle {
	if n <= 0 || len(candles) <= n {
		return candles
	}
	return candles[len(candles)-n:]
}

// HighLow returns the highest high and lowest low across candles.
func HighLow(candles []Candle) (hi, lo float64) {
	for i, c := range candles {
		if i == 0 || c.High > hi {
			hi = c.High
		}
		if i == 0 || c.Low < lo {
			lo = c.Low
		}
	}
	return hi, lo
}
