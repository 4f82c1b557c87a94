// Package portfolio owns open positions and the process-wide portfolio
// state: realized PnL, trade count, exit cooldowns, opening scores and the
// global trailing stop.
package portfolio

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rustyeddy/intraday/market"
)

type Kind string

const (
	FutureLong       Kind = "FUTURE_LONG"
	FutureShort      Kind = "FUTURE_SHORT"
	PutCreditSpread  Kind = "PUT_CREDIT_SPREAD"
	CallCreditSpread Kind = "CALL_CREDIT_SPREAD"
)

func (k Kind) IsSpread() bool {
	return k == PutCreditSpread || k == CallCreditSpread
}

// Bias is +1 for bullish strategies and -1 for bearish ones.
func (k Kind) Bias() float64 {
	switch k {
	case FutureLong, PutCreditSpread:
		return 1
	case FutureShort, CallCreditSpread:
		return -1
	}
	return 0
}

func (k Kind) Valid() bool {
	switch k {
	case FutureLong, FutureShort, PutCreditSpread, CallCreditSpread:
		return true
	}
	return false
}

// FutureLeg is the contract behind a FUTURE_LONG / FUTURE_SHORT position.
type FutureLeg struct {
	Contract market.Instrument `json:"contract"`
	Symbol   string            `json:"symbol"`
	Expiry   time.Time         `json:"expiry"`
}

// OptionLeg is one side of a credit spread.
type OptionLeg struct {
	Contract     market.Instrument `json:"contract"`
	Symbol       string            `json:"symbol"`
	Strike       float64           `json:"strike"`
	OptionType   market.OptionType `json:"option_type"`
	EntryPremium float64           `json:"entry_premium"`
	LastPremium  float64           `json:"last_premium"`
}

// SpreadLegs is the short leg plus its further out-of-the-money hedge.
type SpreadLegs struct {
	Short           OptionLeg `json:"short"`
	Hedge           OptionLeg `json:"hedge"`
	Expiry          time.Time `json:"expiry"`
	EntryNetPremium float64   `json:"entry_net_premium"`
}

// NetPremium is the current credit still open on the spread.
func (s SpreadLegs) NetPremium() float64 {
	return s.Short.LastPremium - s.Hedge.LastPremium
}

// Width is the strike distance between the legs.
func (s SpreadLegs) Width() float64 {
	return math.Abs(s.Short.Strike - s.Hedge.Strike)
}

// RiskParams is the exit configuration captured when the position opened.
// Later config changes do not affect open positions.
type RiskParams struct {
	FixedStopPct        float64 `json:"fixed_stop_pct"`
	ATRMultiplier       float64 `json:"atr_multiplier"`
	TakeProfitDecayPct  float64 `json:"take_profit_decay_pct"`
	TakeProfitCash      float64 `json:"take_profit_cash"`
	TrailActivatePct    float64 `json:"trail_activate_pct"`
	TrailGapPct         float64 `json:"trail_gap_pct"`
	PeakLockTriggerPct  float64 `json:"peak_lock_trigger_pct"`
	PeakLockFloorPct    float64 `json:"peak_lock_floor_pct"`
	RetraceActivateCash float64 `json:"retrace_activate_cash"`
	RetracePct          float64 `json:"retrace_pct"`
	SidewaysMinProfit   float64 `json:"sideways_min_profit"`
}

// Position is one open trade. Exactly one of Future and Spread is set,
// matching Kind.
type Position struct {
	ID         string            `json:"id"`
	Instrument market.Instrument `json:"instrument"`
	Symbol     string            `json:"symbol"`
	Kind       Kind              `json:"kind"`

	// EntryPrice is the future fill for futures and the underlying spot
	// for spreads.
	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`
	LotSize    int       `json:"lot_size"`
	Quantity   int       `json:"quantity"`

	Future *FutureLeg  `json:"future,omitempty"`
	Spread *SpreadLegs `json:"spread,omitempty"`

	Score     float64       `json:"score"`
	Regime    market.Regime `json:"regime"`
	EntryATR  float64       `json:"entry_atr"`
	StopLevel float64       `json:"stop_level"`
	Margin    float64       `json:"margin"`
	Risk      RiskParams    `json:"risk"`
	DryRun    bool          `json:"dry_run"`

	LastPrice    float64   `json:"last_price"`
	PnL          float64   `json:"pnl"`
	PnLPct       float64   `json:"pnl_pct"`
	MaxPnL       float64   `json:"max_pnl"`
	MaxProfitPct float64   `json:"max_profit_pct"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks the tagged-variant shape.
func (p *Position) Validate() error {
	if p.Instrument.IsZero() {
		return errors.New("position: instrument is required")
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("position: unknown kind %q", p.Kind)
	}
	if p.Quantity <= 0 {
		return errors.New("position: quantity must be positive")
	}
	if p.Kind.IsSpread() {
		if p.Spread == nil || p.Future != nil {
			return fmt.Errorf("position: %s requires spread legs only", p.Kind)
		}
		if p.Spread.EntryNetPremium <= 0 {
			return errors.New("position: spread entry net premium must be positive")
		}
		return nil
	}
	if p.Future == nil || p.Spread != nil {
		return fmt.Errorf("position: %s requires a future leg only", p.Kind)
	}
	if p.EntryPrice <= 0 {
		return errors.New("position: entry price must be positive")
	}
	return nil
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	if p.Future != nil {
		f := *p.Future
		c.Future = &f
	}
	if p.Spread != nil {
		s := *p.Spread
		c.Spread = &s
	}
	return &c
}

// Quotes is the price lookup used to mark positions.
type Quotes interface {
	LastPrice(inst market.Instrument) (float64, bool)
}

// MarkInstruments lists the contracts whose prices value the position.
func (p *Position) MarkInstruments() []market.Instrument {
	switch {
	case p.Future != nil:
		return []market.Instrument{p.Future.Contract}
	case p.Spread != nil:
		return []market.Instrument{p.Spread.Short.Contract, p.Spread.Hedge.Contract}
	}
	return nil
}

// Mark revalues the position from q and advances the high-water marks.
// It fails without changing anything if a needed price is missing.
func (p *Position) Mark(q Quotes, now time.Time) error {
	switch {
	case p.Future != nil:
		px, ok := q.LastPrice(p.Future.Contract)
		if !ok {
			return fmt.Errorf("no price for %s", p.Future.Contract)
		}
		p.markFuture(px)
	case p.Spread != nil:
		short, ok := q.LastPrice(p.Spread.Short.Contract)
		if !ok {
			return fmt.Errorf("no price for %s", p.Spread.Short.Contract)
		}
		hedge, ok := q.LastPrice(p.Spread.Hedge.Contract)
		if !ok {
			return fmt.Errorf("no price for %s", p.Spread.Hedge.Contract)
		}
		p.markSpread(short, hedge)
	default:
		return errors.New("position has no legs")
	}
	p.UpdatedAt = now
	if p.PnL > p.MaxPnL {
		p.MaxPnL = p.PnL
	}
	if p.PnLPct > p.MaxProfitPct {
		p.MaxProfitPct = p.PnLPct
	}
	return nil
}

func (p *Position) markFuture(px float64) {
	dir := p.Kind.Bias()
	p.LastPrice = px
	p.PnL = (px - p.EntryPrice) * float64(p.Quantity) * dir
	p.PnLPct = (px - p.EntryPrice) / p.EntryPrice * 100 * dir
}

func (p *Position) markSpread(short, hedge float64) {
	p.Spread.Short.LastPremium = short
	p.Spread.Hedge.LastPremium = hedge
	net := p.Spread.NetPremium()
	entry := p.Spread.EntryNetPremium
	p.LastPrice = net
	p.PnL = (entry - net) * float64(p.Quantity)
	p.PnLPct = (entry - net) / entry * 100
}

// AdverseMovePct is how far the position has moved against its entry
// basis, in percent. Zero when the position is in profit.
func (p *Position) AdverseMovePct() float64 {
	if p.PnLPct >= 0 {
		return 0
	}
	return -p.PnLPct
}

// StopCrossed reports whether the last mark is through the ATR stop level.
// Positions without a stop level never cross.
func (p *Position) StopCrossed() bool {
	if p.StopLevel <= 0 {
		return false
	}
	switch p.Kind {
	case FutureLong:
		return p.LastPrice <= p.StopLevel
	case FutureShort:
		return p.LastPrice >= p.StopLevel
	default:
		// spread premium expanding to the stop
		return p.LastPrice >= p.StopLevel
	}
}

// ComputeStopLevel returns the ATR stop fixed at entry: entry ∓ ATR x mult
// for futures and entry net premium + ATR x mult for spreads.
func ComputeStopLevel(kind Kind, basis, atr, mult float64) float64 {
	if atr <= 0 || mult <= 0 {
		return 0
	}
	switch kind {
	case FutureLong:
		return basis - atr*mult
	case FutureShort:
		return basis + atr*mult
	default:
		return basis + atr*mult
	}
}

// ExitPrice is the price recorded on close: the future mark or the net
// premium paid to buy the spread back.
func (p *Position) ExitPrice() float64 {
	if p.LastPrice == 0 {
		if p.Spread != nil {
			return p.Spread.EntryNetPremium
		}
		return p.EntryPrice
	}
	return p.LastPrice
}

// EntryBasis is the price PnL percent is measured against.
func (p *Position) EntryBasis() float64 {
	if p.Spread != nil {
		return p.Spread.EntryNetPremium
	}
	return p.EntryPrice
}
