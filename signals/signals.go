// Package signals is the filter registry the Score Aggregator draws from.
// A filter is a pure function of the latest tick and a recent intraday
// candle series that returns a signed sub-score in [-1, 1] plus optional
// auxiliary values (breakout levels and the like).
package signals

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rustyeddy/intraday/market"
)

// ErrInsufficientData means the filter has no opinion yet. The aggregator
// scores it as zero; it is never logged as a failure.
var ErrInsufficientData = errors.New("insufficient data")

type Output struct {
	Score float64
	Aux   map[string]float64
}

type Func func(tick market.Tick, candles []market.Candle) (Output, error)

// Registry maps filter names to implementations. It is built once at
// startup and only read afterwards.
type Registry struct {
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

func (r *Registry) Register(name string, fn Func) {
	r.funcs[name] = fn
}

func (r *Registry) Get(name string) (Func, error) {
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("unknown filter %q", name)
	}
	return fn, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Names of the built-in filters.
const (
	ORB      = "orb"
	EMATrend = "ema_trend"
	ADXTrend = "adx_trend"
	DayRange = "day_range"
)

// Builtins returns a registry with the standard filter set.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register(ORB, OpeningRange(3))
	r.Register(EMATrend, EMACross(9, 21, 0.5))
	r.Register(ADXTrend, DirectionalTrend(14, 20))
	r.Register(DayRange, DayRangePosition())
	return r
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
