// Package orders resolves an approved signal into a concrete contract,
// places it through the broker and records the resulting position.
//
// Placement is all-or-nothing: a Position is inserted only after the broker
// accepts the order, and every failure before that leaves the store as it
// was.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/intraday/broker"
	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/pkg/id"
	"github.com/rustyeddy/intraday/portfolio"
	"github.com/rustyeddy/intraday/risk"
)

var (
	// ErrUnresolvable means no tradable contract could be found. It is a
	// "no trade this cycle" outcome.
	ErrUnresolvable = errors.New("contract not resolvable")
	// ErrRejected means the broker refused the order.
	ErrRejected = errors.New("order rejected")
)

type Strategy string

const (
	StrategyFuture Strategy = "future"
	StrategySpread Strategy = "spread"
)

type Config struct {
	Strategy      Strategy
	Expiry        market.ExpiryBucket
	HedgeDistance int // strikes between short and hedge
	LotMultiplier int

	// Fixed stop captured per family.
	FutureMaxLossPct float64
	SpreadMaxLossPct float64

	ATRMultTrending float64
	ATRMultSideways float64

	// Exit parameters copied onto every new position.
	Risk portfolio.RiskParams
}

// Signal is an approved candidate ready to trade.
type Signal struct {
	Instrument market.Instrument
	Symbol     string
	Score      float64
	Regime     market.Regime
	ATR        float64
	Spot       float64
	Time       time.Time
}

// SignalFromCandidate carries the guard's view of a candidate over.
func SignalFromCandidate(c risk.Candidate, atr float64) Signal {
	return Signal{
		Instrument: c.Instrument,
		Symbol:     c.Symbol,
		Score:      c.Score,
		Regime:     c.Regime,
		ATR:        atr,
		Spot:       c.Tick.LTP,
		Time:       c.Now,
	}
}

type Constructor struct {
	cfg    Config
	scrip  *market.ScripMaster
	gw     broker.Gateway
	oracle broker.MarginOracle
	store  *portfolio.Store
	log    zerolog.Logger
}

var _ risk.MarginEstimator = (*Constructor)(nil)

func New(cfg Config, scrip *market.ScripMaster, gw broker.Gateway, oracle broker.MarginOracle, store *portfolio.Store, log zerolog.Logger) *Constructor {
	if cfg.LotMultiplier < 1 {
		cfg.LotMultiplier = 1
	}
	if cfg.HedgeDistance < 1 {
		cfg.HedgeDistance = 1
	}
	if cfg.Expiry == "" {
		cfg.Expiry = market.Monthly
	}
	return &Constructor{cfg: cfg, scrip: scrip, gw: gw, oracle: oracle, store: store, log: log}
}

// plan is a fully resolved order before it is sent.
type plan struct {
	kind   portfolio.Kind
	future market.Contract
	short  market.Contract
	hedge  market.Contract
	qty    int

	// quoted prices at resolution time
	futurePx float64
	shortPx  float64
	hedgePx  float64
}

func (p plan) proposal() broker.Proposal {
	if !p.kind.IsSpread() {
		side := broker.Buy
		if p.kind == portfolio.FutureShort {
			side = broker.Sell
		}
		return broker.Proposal{Legs: []broker.ProposalLeg{
			{Contract: p.future.Instrument, Side: side, Quantity: p.qty, Price: p.futurePx},
		}}
	}
	return broker.Proposal{Legs: []broker.ProposalLeg{
		{Contract: p.short.Instrument, Side: broker.Sell, Quantity: p.qty, Price: p.shortPx, Strike: p.short.Strike},
		{Contract: p.hedge.Instrument, Side: broker.Buy, Quantity: p.qty, Price: p.hedgePx, Strike: p.hedge.Strike},
	}}
}

func (c *Constructor) resolve(ctx context.Context, sig Signal) (plan, error) {
	if sig.Score == 0 {
		return plan{}, fmt.Errorf("%s: zero score has no direction: %w", sig.Instrument, ErrUnresolvable)
	}
	underlying, ok := c.scrip.Underlying(sig.Instrument)
	if !ok {
		return plan{}, fmt.Errorf("%s: unknown instrument: %w", sig.Instrument, ErrUnresolvable)
	}
	bullish := sig.Score > 0

	if c.cfg.Strategy == StrategyFuture {
		fut, err := c.scrip.NearestFuture(underlying, sig.Time)
		if err != nil {
			return plan{}, fmt.Errorf("%s future: %v: %w", underlying, err, ErrUnresolvable)
		}
		p := plan{kind: portfolio.FutureLong, future: fut, qty: fut.LotSize}
		if !bullish {
			p.kind = portfolio.FutureShort
		}
		p.futurePx, err = c.quote(ctx, fut.Instrument)
		if err != nil {
			return plan{}, err
		}
		return p, nil
	}

	chain, err := c.scrip.Chain(underlying, c.cfg.Expiry, sig.Time)
	if err != nil {
		return plan{}, fmt.Errorf("%s chain: %v: %w", underlying, err, ErrUnresolvable)
	}
	spot := sig.Spot
	if spot <= 0 {
		if spot, err = c.quote(ctx, sig.Instrument); err != nil {
			return plan{}, err
		}
	}
	atm, idx := chain.ATM(spot)
	if idx < 0 {
		return plan{}, fmt.Errorf("%s: empty chain: %w", underlying, ErrUnresolvable)
	}

	ot, kind, hedgeIdx := market.Put, portfolio.PutCreditSpread, idx-c.cfg.HedgeDistance
	if !bullish {
		ot, kind, hedgeIdx = market.Call, portfolio.CallCreditSpread, idx+c.cfg.HedgeDistance
	}
	if hedgeIdx < 0 || hedgeIdx >= len(chain.Strikes) {
		return plan{}, fmt.Errorf("%s: no strike %d away from ATM %.2f: %w", underlying, c.cfg.HedgeDistance, atm, ErrUnresolvable)
	}

	short, err := c.scrip.Option(underlying, chain.Expiry, atm, ot)
	if err != nil {
		return plan{}, fmt.Errorf("%s short leg: %v: %w", underlying, err, ErrUnresolvable)
	}
	hedge, err := c.scrip.Option(underlying, chain.Expiry, chain.Strikes[hedgeIdx], ot)
	if err != nil {
		return plan{}, fmt.Errorf("%s hedge leg: %v: %w", underlying, err, ErrUnresolvable)
	}

	p := plan{kind: kind, short: short, hedge: hedge, qty: short.LotSize * c.cfg.LotMultiplier}
	if p.shortPx, err = c.quote(ctx, short.Instrument); err != nil {
		return plan{}, err
	}
	if p.hedgePx, err = c.quote(ctx, hedge.Instrument); err != nil {
		return plan{}, err
	}
	if p.shortPx-p.hedgePx <= 0 {
		return plan{}, fmt.Errorf("%s/%s: no net credit (%.2f - %.2f): %w",
			short.Symbol, hedge.Symbol, p.shortPx, p.hedgePx, ErrUnresolvable)
	}
	return p, nil
}

func (c *Constructor) quote(ctx context.Context, inst market.Instrument) (float64, error) {
	t, err := c.gw.GetLatestTick(ctx, inst)
	if err != nil {
		return 0, fmt.Errorf("quote %s: %w", inst, err)
	}
	if t.LTP <= 0 {
		return 0, fmt.Errorf("quote %s: no last price: %w", inst, ErrUnresolvable)
	}
	return t.LTP, nil
}

// RequiredMargin resolves the order a candidate would produce and asks the
// Margin Oracle what it would block.
func (c *Constructor) RequiredMargin(ctx context.Context, cand risk.Candidate) (float64, error) {
	p, err := c.resolve(ctx, Signal{
		Instrument: cand.Instrument,
		Score:      cand.Score,
		Spot:       cand.Tick.LTP,
		Time:       cand.Now,
	})
	if err != nil {
		return 0, err
	}
	return c.oracle.EstimateMargin(ctx, p.proposal())
}

// Place resolves, sends and records one order. It returns the new
// position, or an error with the store untouched.
func (c *Constructor) Place(ctx context.Context, sig Signal) (*portfolio.Position, error) {
	if c.store.Has(sig.Instrument) {
		return nil, fmt.Errorf("%s: %w", sig.Instrument, portfolio.ErrDuplicate)
	}
	p, err := c.resolve(ctx, sig)
	if err != nil {
		return nil, err
	}
	margin, err := c.oracle.EstimateMargin(ctx, p.proposal())
	if err != nil {
		return nil, fmt.Errorf("%s margin: %w", sig.Instrument, err)
	}

	tag := id.NewAt(sig.Time)
	var res broker.OrderResult
	if p.kind.IsSpread() {
		res, err = c.gw.PlaceSpreadOrder(ctx, broker.SpreadOrder{Short: p.short, Hedge: p.hedge, Quantity: p.qty, Tag: tag})
	} else {
		side := broker.Buy
		if p.kind == portfolio.FutureShort {
			side = broker.Sell
		}
		res, err = c.gw.PlaceFutureOrder(ctx, broker.FutureOrder{Contract: p.future, Side: side, Quantity: p.qty, Tag: tag})
	}
	if err != nil {
		return nil, fmt.Errorf("%s place: %w", sig.Instrument, err)
	}
	if !res.OK {
		return nil, fmt.Errorf("%s: %s: %w", sig.Instrument, res.Reason, ErrRejected)
	}

	pos := c.build(sig, p, res, margin, tag)
	if err := c.store.Insert(pos); err != nil {
		c.unwind(ctx, pos)
		return nil, err
	}

	c.log.Info().
		Str("id", pos.ID).
		Str("instrument", pos.Instrument.String()).
		Str("symbol", pos.Symbol).
		Str("kind", string(pos.Kind)).
		Str("contract", res.ContractSymbol).
		Int("qty", pos.Quantity).
		Float64("entry", pos.EntryPrice).
		Float64("score", pos.Score).
		Float64("margin", pos.Margin).
		Bool("dry_run", pos.DryRun).
		Msg("position opened")
	return pos, nil
}

func (c *Constructor) build(sig Signal, p plan, res broker.OrderResult, margin float64, tag string) *portfolio.Position {
	lot := res.LotSize
	if lot <= 0 {
		lot = p.qty / c.cfg.LotMultiplier
	}
	symbol := sig.Symbol
	if symbol == "" {
		symbol = c.scrip.Symbol(sig.Instrument)
	}

	pos := &portfolio.Position{
		ID:         tag,
		Instrument: sig.Instrument,
		Symbol:     symbol,
		Kind:       p.kind,
		EntryTime:  sig.Time,
		LotSize:    lot,
		Quantity:   p.qty,
		Score:      sig.Score,
		Regime:     sig.Regime,
		EntryATR:   sig.ATR,
		Margin:     margin,
		Risk:       c.cfg.Risk,
		DryRun:     res.DryRun,
		UpdatedAt:  sig.Time,
	}
	pos.Risk.ATRMultiplier = c.cfg.ATRMultTrending
	if sig.Regime == market.Sideways {
		pos.Risk.ATRMultiplier = c.cfg.ATRMultSideways
	}

	if p.kind.IsSpread() {
		short := orDefault(res.ShortFill, p.shortPx)
		hedge := orDefault(res.HedgeFill, p.hedgePx)
		if short-hedge <= 0 {
			short, hedge = p.shortPx, p.hedgePx
		}
		pos.EntryPrice = sig.Spot
		pos.Spread = &portfolio.SpreadLegs{
			Short:           leg(p.short, short),
			Hedge:           leg(p.hedge, hedge),
			Expiry:          p.short.Expiry,
			EntryNetPremium: short - hedge,
		}
		pos.LastPrice = pos.Spread.EntryNetPremium
		pos.Risk.FixedStopPct = c.cfg.SpreadMaxLossPct
	} else {
		pos.EntryPrice = orDefault(res.FillPrice, p.futurePx)
		pos.Future = &portfolio.FutureLeg{Contract: p.future.Instrument, Symbol: p.future.Symbol, Expiry: p.future.Expiry}
		pos.LastPrice = pos.EntryPrice
		pos.Risk.FixedStopPct = c.cfg.FutureMaxLossPct
	}
	pos.StopLevel = portfolio.ComputeStopLevel(p.kind, pos.EntryBasis(), sig.ATR, pos.Risk.ATRMultiplier)
	return pos
}

func leg(c market.Contract, premium float64) portfolio.OptionLeg {
	return portfolio.OptionLeg{
		Contract:     c.Instrument,
		Symbol:       c.Symbol,
		Strike:       c.Strike,
		OptionType:   c.OptionType,
		EntryPremium: premium,
		LastPremium:  premium,
	}
}

func orDefault(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}

// unwind closes a filled order whose position could not be recorded.
func (c *Constructor) unwind(ctx context.Context, pos *portfolio.Position) {
	res, err := c.gw.ClosePosition(ctx, CloseRequest(pos, "unwind"))
	if err != nil || !res.OK {
		c.log.Error().Err(err).Str("reason", res.Reason).Str("instrument", pos.Instrument.String()).
			Msg("unwind of unrecorded order failed")
	}
}

// CloseRequest builds the opposite-side order that squares off pos.
func CloseRequest(pos *portfolio.Position, tag string) broker.CloseRequest {
	req := broker.CloseRequest{Tag: tag}
	switch {
	case pos.Future != nil:
		side := broker.Sell
		if pos.Kind == portfolio.FutureShort {
			side = broker.Buy
		}
		req.Legs = []broker.CloseLeg{{Contract: pos.Future.Contract, Symbol: pos.Future.Symbol, Side: side, Quantity: pos.Quantity}}
	case pos.Spread != nil:
		req.Legs = []broker.CloseLeg{
			{Contract: pos.Spread.Short.Contract, Symbol: pos.Spread.Short.Symbol, Side: broker.Buy, Quantity: pos.Quantity},
			{Contract: pos.Spread.Hedge.Contract, Symbol: pos.Spread.Hedge.Symbol, Side: broker.Sell, Quantity: pos.Quantity},
		}
	}
	return req
}
