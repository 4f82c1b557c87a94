package risk

import (
	"strings"
	"time"
)

// SegmentRules are the guard thresholds for one exchange segment.
type SegmentRules struct {
	// PriceCap rejects instruments whose LTP is above it. Zero disables.
	PriceCap float64

	SlopePeriod   int     // 5
	SlopeLookback int     // ~6 candles
	MinSlope      float64 // long needs slope > MinSlope, short < -MinSlope

	FreshnessWindow int     // 15 candles
	FreshnessPct    float64 // within this % of the window high (long) / low (short)
}

func DefaultSegmentRules() SegmentRules {
	return SegmentRules{
		PriceCap:        0,
		SlopePeriod:     5,
		SlopeLookback:   6,
		FreshnessWindow: 15,
		FreshnessPct:    0.5,
	}
}

// MinCandles is the candle count needed for the trend guards.
func (r SegmentRules) MinCandles() int {
	n := r.SlopePeriod + r.SlopeLookback - 1
	if r.FreshnessWindow > n {
		n = r.FreshnessWindow
	}
	return n
}

type Policy struct {
	Cooldown         time.Duration // 15m
	MaxOpenPositions int           // 0 = unlimited
	MaxTradesPerDay  int           // 0 = unlimited

	Default  SegmentRules
	Segments map[string]SegmentRules // keyed by exchange
}

func DefaultPolicy() Policy {
	return Policy{
		Cooldown: 15 * time.Minute,
		Default:  DefaultSegmentRules(),
	}
}

// Rules returns the thresholds for an exchange, falling back to Default.
func (p Policy) Rules(exchange string) SegmentRules {
	if r, ok := p.Segments[strings.ToUpper(exchange)]; ok {
		return r
	}
	return p.Default
}
