// Package score combines filter sub-scores into one signed conviction per
// instrument.
//
// Weights are static except for the opening-range filter, whose weight
// decays through the session. Filters reporting insufficient data count as
// zero. Filters that fail or return NaN are left out of the sum and the
// result is rescaled by total weight over included weight.
package score

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/intraday/indicators"
	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/signals"
)

type Filter struct {
	Name   string
	Weight float64
}

// ORBSchedule scales the opening-range filter weight by time of day.
type ORBSchedule struct {
	Filter      string
	MiddayStart market.ClockTime
	LateStart   market.ClockTime
	Midday      float64
	Late        float64
}

func DefaultORBSchedule() ORBSchedule {
	return ORBSchedule{
		Filter:      signals.ORB,
		MiddayStart: market.ClockTime{Hour: 11},
		LateStart:   market.ClockTime{Hour: 13},
		Midday:      0.5,
		Late:        0.2,
	}
}

// Factor returns the multiplier applied to the ORB weight at t.
func (s ORBSchedule) Factor(t time.Time, loc *time.Location) float64 {
	switch {
	case s.LateStart.Reached(t, loc):
		return s.Late
	case s.MiddayStart.Reached(t, loc):
		return s.Midday
	default:
		return 1
	}
}

type Config struct {
	Filters      []Filter
	ORB          ORBSchedule
	Location     *time.Location
	RegimePeriod int
	SidewaysADX  float64
}

// Result is one instrument's score for one cycle.
type Result struct {
	Instrument market.Instrument
	Score      float64
	SubScores  map[string]float64
	Aux        map[string]float64
	// Missing lists filters that failed or returned NaN this cycle.
	Missing []string
	Regime  market.Regime
	ATR     float64
	ADX     float64
	Time    time.Time
}

type boundFilter struct {
	Filter
	fn signals.Func
}

type Aggregator struct {
	filters []boundFilter
	cfg     Config
	log     zerolog.Logger
}

func New(reg *signals.Registry, cfg Config, log zerolog.Logger) (*Aggregator, error) {
	if len(cfg.Filters) == 0 {
		return nil, errors.New("score: no filters configured")
	}
	if cfg.Location == nil {
		cfg.Location = market.IST
	}
	if cfg.RegimePeriod <= 0 {
		cfg.RegimePeriod = 14
	}
	if cfg.SidewaysADX <= 0 {
		cfg.SidewaysADX = 20
	}

	a := &Aggregator{cfg: cfg, log: log}
	for _, f := range cfg.Filters {
		fn, err := reg.Get(f.Name)
		if err != nil {
			return nil, fmt.Errorf("score: %w", err)
		}
		if f.Weight < 0 || math.IsNaN(f.Weight) {
			return nil, fmt.Errorf("score: filter %q weight must be non-negative", f.Name)
		}
		a.filters = append(a.filters, boundFilter{Filter: f, fn: fn})
	}
	return a, nil
}

// Score evaluates every configured filter for inst at now.
func (a *Aggregator) Score(inst market.Instrument, tick market.Tick, candles []market.Candle, now time.Time) Result {
	res := Result{
		Instrument: inst,
		SubScores:  make(map[string]float64, len(a.filters)),
		Aux:        make(map[string]float64),
		Time:       now,
	}

	var sum, total, included float64
	for _, f := range a.filters {
		w := f.Weight
		if f.Name == a.cfg.ORB.Filter {
			w *= a.cfg.ORB.Factor(now, a.cfg.Location)
		}
		total += w

		out, err := f.fn(tick, candles)
		switch {
		case errors.Is(err, signals.ErrInsufficientData):
			out.Score = 0
		case err != nil:
			a.log.Warn().Err(err).Str("instrument", inst.String()).Str("filter", f.Name).Msg("filter failed")
			res.Missing = append(res.Missing, f.Name)
			continue
		case math.IsNaN(out.Score) || math.IsInf(out.Score, 0):
			res.Missing = append(res.Missing, f.Name)
			continue
		}

		res.SubScores[f.Name] = out.Score
		for k, v := range out.Aux {
			res.Aux[k] = v
		}
		sum += w * out.Score
		included += w
	}

	if included > 0 {
		res.Score = sum * total / included
	}
	sort.Strings(res.Missing)

	res.Regime, res.ADX = a.regime(candles)
	if atr, err := indicators.ATR(candles, a.cfg.RegimePeriod); err == nil {
		res.ATR = atr
	}

	a.log.Debug().
		Str("instrument", inst.String()).
		Float64("score", res.Score).
		Str("regime", string(res.Regime)).
		Strs("missing", res.Missing).
		Msg("scored")
	return res
}

// regime tags an instrument sideways when ADX is below the threshold.
// Without enough candles it is treated as trending so the trend guards
// still apply.
func (a *Aggregator) regime(candles []market.Candle) (market.Regime, float64) {
	dmi, err := indicators.ADXOf(candles, a.cfg.RegimePeriod)
	if err != nil {
		return market.Trending, 0
	}
	if dmi.ADX < a.cfg.SidewaysADX {
		return market.Sideways, dmi.ADX
	}
	return market.Trending, dmi.ADX
}

// Rank orders results by descending absolute score.
func Rank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		return math.Abs(results[i].Score) > math.Abs(results[j].Score)
	})
}
