package signals

import (
	"errors"

	"github.com/rustyeddy/intraday/indicators"
	"github.com/rustyeddy/intraday/market"
)

// OpeningRange scores a breakout of the first n candles of the current
// session: +1 above the range high, -1 below the range low, 0 inside.
// The range levels are returned as orb_high / orb_low.
func OpeningRange(n int) Func {
	return func(tick market.Tick, candles []market.Candle) (Output, error) {
		session := sessionCandles(candles)
		if len(session) < n+1 {
			return Output{}, ErrInsufficientData
		}
		hi, lo := market.HighLow(session[:n])
		out := Output{Aux: map[string]float64{"orb_high": hi, "orb_low": lo}}

		px := tick.LTP
		if px <= 0 {
			px = session[len(session)-1].Close
		}
		switch {
		case px > hi:
			out.Score = 1
		case px < lo:
			out.Score = -1
		}
		return out, nil
	}
}

// EMACross scores the separation of a fast EMA over a slow EMA, saturating
// at +/-1 when the gap reaches fullPct percent of the slow EMA.
func EMACross(fast, slow int, fullPct float64) Func {
	return func(_ market.Tick, candles []market.Candle) (Output, error) {
		f, err := indicators.EMA(candles, fast)
		if err != nil {
			return Output{}, insufficient(err)
		}
		s, err := indicators.EMA(candles, slow)
		if err != nil {
			return Output{}, insufficient(err)
		}
		if s == 0 {
			return Output{}, ErrInsufficientData
		}
		gap := (f - s) / s * 100
		return Output{
			Score: clamp(gap/fullPct, -1, 1),
			Aux:   map[string]float64{"ema_fast": f, "ema_slow": s},
		}, nil
	}
}

// DirectionalTrend scores ADX trend strength signed by the dominant DI.
// Readings below minADX are treated as no trend.
func DirectionalTrend(period int, minADX float64) Func {
	return func(_ market.Tick, candles []market.Candle) (Output, error) {
		dmi, err := indicators.ADXOf(candles, period)
		if err != nil {
			return Output{}, insufficient(err)
		}
		out := Output{Aux: map[string]float64{"adx": dmi.ADX}}
		if dmi.ADX < minADX {
			return out, nil
		}
		strength := clamp(dmi.ADX/50, 0, 1)
		if dmi.Bullish() {
			out.Score = strength
		} else {
			out.Score = -strength
		}
		return out, nil
	}
}

// DayRangePosition maps LTP's place in the day's high-low range onto [-1, 1].
func DayRangePosition() Func {
	return func(tick market.Tick, _ []market.Candle) (Output, error) {
		if tick.High <= tick.Low || tick.LTP <= 0 {
			return Output{}, ErrInsufficientData
		}
		pos := (tick.LTP-tick.Low)/(tick.High-tick.Low)*2 - 1
		return Output{Score: clamp(pos, -1, 1)}, nil
	}
}

// sessionCandles returns the trailing run of candles that share the last
// candle's calendar date.
func sessionCandles(candles []market.Candle) []market.Candle {
	if len(candles) == 0 {
		return nil
	}
	y, m, d := candles[len(candles)-1].Time.Date()
	i := len(candles) - 1
	for i > 0 {
		py, pm, pd := candles[i-1].Time.Date()
		if py != y || pm != m || pd != d {
			break
		}
		i--
	}
	return candles[i:]
}

func insufficient(err error) error {
	if errors.Is(err, indicators.ErrNotEnoughData) {
		return ErrInsufficientData
	}
	return err
}
