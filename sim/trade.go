package sim

import (
	"time"

	"github.com/rustyeddy/intraday/broker"
	"github.com/rustyeddy/intraday/market"
)

// Leg is one filled contract of an order.
type Leg struct {
	Contract market.Instrument
	Symbol   string
	Side     broker.Side
	Quantity int
	Price    float64
}

// Trade is an order held open on the exchange until it is closed.
type Trade struct {
	ID       string
	Legs     []Leg
	Margin   float64
	OpenTime time.Time

	ClosePrices []float64
	CloseTime   time.Time
	RealizedPL  float64
	Open        bool
}

// signed is +qty for bought legs and -qty for sold legs.
func (l Leg) signed() float64 {
	if l.Side == broker.Sell {
		return -float64(l.Quantity)
	}
	return float64(l.Quantity)
}

// UnrealizedPL values the trade at marks, one price per leg.
func (t *Trade) UnrealizedPL(marks []float64) float64 {
	var pl float64
	for i, l := range t.Legs {
		pl += l.signed() * (marks[i] - l.Price)
	}
	return pl
}

func (t *Trade) holds(inst market.Instrument) bool {
	for _, l := range t.Legs {
		if l.Contract == inst {
			return true
		}
	}
	return false
}
