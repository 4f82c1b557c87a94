package indicators

import (
	"math"

	"github.com/rustyeddy/intraday/market"
)

// DMI holds the directional movement readings of the last candle.
type DMI struct {
	ADX     float64
	PlusDI  float64
	MinusDI float64
}

// Bullish reports whether +DI dominates -DI.
func (d DMI) Bullish() bool { return d.PlusDI > d.MinusDI }

// ADX implements Wilder's Average Directional Index (trend strength).
// Usage:
//
//	adx := indicators.NewADX(14)
//	for _, c := range candles {
//		adx.Update(c)
//	}
//	if adx.Ready() && adx.Value().ADX >= 20 { ... }
type ADX struct {
	Period int

	prev     market.Candle
	havePrev bool

	tr    float64
	pdm   float64
	mdm   float64
	adx   float64
	dxSum float64
	last  DMI

	count int
	ready bool
}

func NewADX(period int) *ADX {
	return &ADX{Period: period}
}

func (a *ADX) Value() DMI  { return a.last }
func (a *ADX) Ready() bool { return a.ready }

// Warmup is the number of candles needed before Ready turns true.
func (a *ADX) Warmup() int { return 2*a.Period + 1 }

// Update consumes the next closed candle.
func (a *ADX) Update(c market.Candle) {
	if !a.havePrev {
		a.prev = c
		a.havePrev = true
		a.count = 1
		return
	}

	upMove := c.High - a.prev.High
	downMove := a.prev.Low - c.Low

	var pdm, mdm float64
	if upMove > downMove && upMove > 0 {
		pdm = upMove
	}
	if downMove > upMove && downMove > 0 {
		mdm = downMove
	}
	tr := trueRange(c, a.prev)

	a.prev = c
	a.count++

	p := float64(a.Period)

	// Phase A: simple averages of the first Period TR/DM samples seed
	// Wilder smoothing.
	if a.count <= a.Period+1 {
		a.tr += tr
		a.pdm += pdm
		a.mdm += mdm
		if a.count == a.Period+1 {
			a.tr /= p
			a.pdm /= p
			a.mdm /= p
		}
		return
	}

	a.tr = (a.tr*(p-1) + tr) / p
	a.pdm = (a.pdm*(p-1) + pdm) / p
	a.mdm = (a.mdm*(p-1) + mdm) / p
	var pdi, mdi float64
	if a.tr > 0 {
		pdi = 100 * a.pdm / a.tr
		mdi = 100 * a.mdm / a.tr
	}
	den := pdi + mdi
	dx := 0.0
	if den != 0 {
		dx = 100 * math.Abs(pdi-mdi) / den
	}

	// Phase B: the first Period DX values seed ADX.
	if !a.ready {
		a.dxSum += dx
		if a.count == a.Warmup() {
			a.adx = a.dxSum / p
			a.ready = true
			a.last = DMI{ADX: a.adx, PlusDI: pdi, MinusDI: mdi}
		}
		return
	}

	a.adx = (a.adx*(p-1) + dx) / p
	a.last = DMI{ADX: a.adx, PlusDI: pdi, MinusDI: mdi}
}

// ADXOf runs a fresh ADX over candles and returns the final reading.
func ADXOf(candles []market.Candle, period int) (DMI, error) {
	if err := checkPeriod(period); err != nil {
		return DMI{}, err
	}
	a := NewADX(period)
	if len(candles) < a.Warmup() {
		return DMI{}, notEnough(a.Warmup(), len(candles))
	}
	for _, c := range candles {
		a.Update(c)
	}
	if !a.Ready() {
		return DMI{}, notEnough(a.Warmup(), len(candles))
	}
	return a.Value(), nil
}
