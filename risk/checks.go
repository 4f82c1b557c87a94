// Package risk is the Entry Guard: the ordered checks a scored candidate
// must pass before an order is constructed for it.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/intraday/indicators"
	"github.com/rustyeddy/intraday/market"
)

// Rejection codes.
const (
	CodeFrozen            = "FROZEN"
	CodeDuplicate         = "DUPLICATE"
	CodeCooldown          = "COOLDOWN"
	CodePriceCap          = "PRICE_CAP"
	CodeSlope             = "SLOPE"
	CodeFreshness         = "FRESHNESS"
	CodeMargin            = "MARGIN"
	CodeMarginUnavailable = "MARGIN_UNAVAILABLE"
	CodeInsufficientData  = "INSUFFICIENT_DATA"
	CodeMaxPositions      = "MAX_POSITIONS"
	CodeMaxTrades         = "MAX_TRADES"
)

type Violation struct {
	Code string
	Msg  string
}

type Decision struct {
	Allowed    bool
	Violations []Violation

	RequiredMargin  float64
	AvailableMargin float64
}

func (d *Decision) add(code, msg string) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: msg})
	d.Allowed = false
}

// Code is the first violation's code, or "" when allowed.
func (d Decision) Code() string {
	if len(d.Violations) == 0 {
		return ""
	}
	return d.Violations[0].Code
}

// Reason is a human-readable rejection reason.
func (d Decision) Reason() string {
	if len(d.Violations) == 0 {
		return ""
	}
	v := d.Violations[0]
	return v.Code + ": " + v.Msg
}

// Candidate is a scored instrument asking to trade.
type Candidate struct {
	Instrument market.Instrument
	Symbol     string
	Score      float64
	Tick       market.Tick
	Candles    []market.Candle
	Regime     market.Regime
	Now        time.Time
}

func (c Candidate) Long() bool { return c.Score > 0 }

// State is the read-only view of the portfolio the guard needs.
type State interface {
	Has(inst market.Instrument) bool
	LastExit(inst market.Instrument) (time.Time, bool)
	CommittedMargin() float64
	Len() int
	TradeCount() int
}

type AvailableMargin interface {
	AvailableMargin(ctx context.Context) (float64, error)
}

// MarginEstimator prices the margin the candidate's order would need.
type MarginEstimator interface {
	RequiredMargin(ctx context.Context, c Candidate) (float64, error)
}

type Guard struct {
	policy Policy
	state  State
	avail  AvailableMargin
	margin MarginEstimator
	frozen func() bool
	log    zerolog.Logger
}

func NewGuard(p Policy, st State, avail AvailableMargin, margin MarginEstimator, frozen func() bool, log zerolog.Logger) *Guard {
	if frozen == nil {
		frozen = func() bool { return false }
	}
	return &Guard{policy: p, state: st, avail: avail, margin: margin, frozen: frozen, log: log}
}

// Approve runs the checks in order and stops at the first violation.
// A rejection is a normal outcome, never an error.
func (g *Guard) Approve(ctx context.Context, c Candidate) Decision {
	d := g.evaluate(ctx, c)
	if !d.Allowed {
		g.log.Info().
			Str("instrument", c.Instrument.String()).
			Str("symbol", c.Symbol).
			Float64("score", c.Score).
			Str("code", d.Code()).
			Str("reason", d.Violations[0].Msg).
			Msg("entry rejected")
	}
	return d
}

func (g *Guard) evaluate(ctx context.Context, c Candidate) Decision {
	d := Decision{Allowed: true}
	rules := g.policy.Rules(c.Instrument.Exchange)

	if g.frozen() {
		d.add(CodeFrozen, "new entries are frozen")
		return d
	}
	if g.state.Has(c.Instrument) {
		d.add(CodeDuplicate, "position already open")
		return d
	}
	if at, ok := g.state.LastExit(c.Instrument); ok && g.policy.Cooldown > 0 {
		if until := at.Add(g.policy.Cooldown); c.Now.Before(until) {
			d.add(CodeCooldown, fmt.Sprintf("closed at %s, cooling down until %s",
				at.In(market.IST).Format("15:04:05"), until.In(market.IST).Format("15:04:05")))
			return d
		}
	}
	if rules.PriceCap > 0 && c.Tick.LTP > rules.PriceCap {
		d.add(CodePriceCap, fmt.Sprintf("ltp %.2f above cap %.2f", c.Tick.LTP, rules.PriceCap))
		return d
	}

	if c.Regime != market.Sideways {
		if len(c.Candles) < rules.MinCandles() {
			d.add(CodeInsufficientData, fmt.Sprintf("have %d candles, need %d", len(c.Candles), rules.MinCandles()))
			return d
		}
		if msg, ok := slopeOK(c, rules); !ok {
			d.add(CodeSlope, msg)
			return d
		}
		if msg, ok := fresh(c, rules); !ok {
			d.add(CodeFreshness, msg)
			return d
		}
	}

	if g.margin != nil && g.avail != nil {
		required, err := g.margin.RequiredMargin(ctx, c)
		if err != nil {
			d.add(CodeMarginUnavailable, "margin estimate: "+err.Error())
			return d
		}
		available, err := g.avail.AvailableMargin(ctx)
		if err != nil {
			d.add(CodeMarginUnavailable, "available margin: "+err.Error())
			return d
		}
		committed := g.state.CommittedMargin()
		d.RequiredMargin, d.AvailableMargin = required, available
		if required+committed > available {
			d.add(CodeMargin, fmt.Sprintf("required %.2f + committed %.2f > available %.2f", required, committed, available))
			return d
		}
	}

	if limit := g.policy.MaxOpenPositions; limit > 0 && g.state.Len() >= limit {
		d.add(CodeMaxPositions, fmt.Sprintf("%d positions open, max %d", g.state.Len(), limit))
		return d
	}
	if limit := g.policy.MaxTradesPerDay; limit > 0 && g.state.TradeCount() >= limit {
		d.add(CodeMaxTrades, fmt.Sprintf("%d trades today, max %d", g.state.TradeCount(), limit))
		return d
	}
	return d
}

func slopeOK(c Candidate, r SegmentRules) (string, bool) {
	s, err := indicators.Slope(c.Candles, r.SlopePeriod, r.SlopeLookback)
	if err != nil {
		return err.Error(), false
	}
	if c.Long() && s <= r.MinSlope {
		return fmt.Sprintf("SMA%d slope %.4f not rising", r.SlopePeriod, s), false
	}
	if !c.Long() && s >= -r.MinSlope {
		return fmt.Sprintf("SMA%d slope %.4f not falling", r.SlopePeriod, s), false
	}
	return "", true
}

// fresh rejects a long unless price is within FreshnessPct of the recent
// high (short: of the recent low).
func fresh(c Candidate, r SegmentRules) (string, bool) {
	px := c.Tick.LTP
	if px <= 0 {
		px = c.Candles[len(c.Candles)-1].Close
	}
	hi, lo := market.HighLow(market.Tail(c.Candles, r.FreshnessWindow))
	if c.Long() {
		floor := hi * (1 - r.FreshnessPct/100)
		if px < floor {
			return fmt.Sprintf("ltp %.2f more than %.2f%% below %d-candle high %.2f", px, r.FreshnessPct, r.FreshnessWindow, hi), false
		}
		return "", true
	}
	ceil := lo * (1 + r.FreshnessPct/100)
	if px > ceil {
		return fmt.Sprintf("ltp %.2f more than %.2f%% above %d-candle low %.2f", px, r.FreshnessPct, r.FreshnessWindow, lo), false
	}
	return "", true
}
