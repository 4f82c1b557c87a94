package sim

import (
	"errors"
	"math"

	"github.com/rustyeddy/intraday/broker"
)

// FutureMargin is notional times the margin rate.
func FutureMargin(qty int, price, rate float64) float64 {
	return math.Abs(float64(qty)) * price * rate
}

// SpreadMargin is the maximum loss of a defined-risk spread: strike width
// times quantity.
func SpreadMargin(qty int, shortStrike, hedgeStrike float64) float64 {
	return math.Abs(shortStrike-hedgeStrike) * float64(qty)
}

func proposalMargin(p broker.Proposal, rate float64) (float64, error) {
	switch len(p.Legs) {
	case 1:
		l := p.Legs[0]
		if l.Price <= 0 {
			return 0, errors.New("future proposal needs a price")
		}
		return FutureMargin(l.Quantity, l.Price, rate), nil
	case 2:
		a, b := p.Legs[0], p.Legs[1]
		if a.Side == b.Side {
			return 0, errors.New("spread legs must be on opposite sides")
		}
		if a.Strike <= 0 || b.Strike <= 0 {
			return 0, errors.New("spread proposal needs strikes")
		}
		return SpreadMargin(a.Quantity, a.Strike, b.Strike), nil
	}
	return 0, errors.New("proposal must have one or two legs")
}
