// Package sim is an offline exchange for paper trading and tests. It
// implements broker.Gateway and broker.MarginOracle, fills every order at
// the last traded price and tracks committed margin against a fixed
// starting capital.
package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rustyeddy/intraday/broker"
	"github.com/rustyeddy/intraday/market"
)

type Config struct {
	Capital           float64
	FuturesMarginRate float64
	// CandleInterval sizes the candles built from UpdateTick. 5m when zero.
	CandleInterval time.Duration
	Now            func() time.Time
}

type Engine struct {
	mu      sync.Mutex
	cfg     Config
	ticks   *market.TickStore
	candles map[market.Instrument][]market.Candle
	built   *market.CandleSet
	trades  map[string]*Trade
	rejects map[market.Instrument]string
	balance float64
}

var (
	_ broker.Gateway      = (*Engine)(nil)
	_ broker.MarginOracle = (*Engine)(nil)
)

func NewEngine(cfg Config) *Engine {
	if cfg.FuturesMarginRate <= 0 {
		cfg.FuturesMarginRate = 0.15
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CandleInterval <= 0 {
		cfg.CandleInterval = 5 * time.Minute
	}
	return &Engine{
		cfg:     cfg,
		ticks:   market.NewTickStore(),
		candles: make(map[market.Instrument][]market.Candle),
		built:   market.NewCandleSet(cfg.CandleInterval, 500),
		trades:  make(map[string]*Trade),
		rejects: make(map[market.Instrument]string),
		balance: cfg.Capital,
	}
}

// UpdateTick sets the latest quote for an instrument and folds it into
// the candles served for instruments without explicit ones.
func (e *Engine) UpdateTick(t market.Tick) {
	e.ticks.Set(t)
	e.built.Add(t)
}

// SetPrice is UpdateTick for a bare last price.
func (e *Engine) SetPrice(inst market.Instrument, ltp float64) {
	e.ticks.Set(market.Tick{Instrument: inst, Time: e.cfg.Now(), LTP: ltp})
}

func (e *Engine) AppendCandle(inst market.Instrument, c market.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candles[inst] = append(e.candles[inst], c)
}

func (e *Engine) SetCandles(inst market.Instrument, cs []market.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candles[inst] = append([]market.Candle(nil), cs...)
}

// Reject makes every order touching inst fail with reason. An empty
// reason clears it.
func (e *Engine) Reject(inst market.Instrument, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if reason == "" {
		delete(e.rejects, inst)
		return
	}
	e.rejects[inst] = reason
}

func (e *Engine) GetLatestTick(_ context.Context, inst market.Instrument) (market.Tick, error) {
	t, err := e.ticks.Get(inst)
	if err != nil {
		return market.Tick{}, fmt.Errorf("sim %s: %w", inst, err)
	}
	return t, nil
}

func (e *Engine) GetRecentCandles(_ context.Context, inst market.Instrument, _ time.Duration, window int) ([]market.Candle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cs, ok := e.candles[inst]; ok {
		return append([]market.Candle(nil), market.Tail(cs, window)...), nil
	}
	return e.built.Recent(inst, window), nil
}

func (e *Engine) AvailableMargin(context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.availableLocked(), nil
}

func (e *Engine) availableLocked() float64 {
	used := 0.0
	for _, t := range e.trades {
		if t.Open {
			used += t.Margin
		}
	}
	return e.balance - used
}

func (e *Engine) EstimateMargin(_ context.Context, p broker.Proposal) (float64, error) {
	p.Legs = append([]broker.ProposalLeg(nil), p.Legs...)
	for i, l := range p.Legs {
		if l.Price <= 0 {
			if px, ok := e.ticks.LastPrice(l.Contract); ok {
				p.Legs[i].Price = px
			}
		}
	}
	return proposalMargin(p, e.cfg.FuturesMarginRate)
}

func (e *Engine) PlaceFutureOrder(_ context.Context, req broker.FutureOrder) (broker.OrderResult, error) {
	px, ok := e.ticks.LastPrice(req.Contract.Instrument)
	if !ok {
		return reject("no quote for %s", req.Contract.Symbol), nil
	}
	legs := []Leg{{
		Contract: req.Contract.Instrument,
		Symbol:   req.Contract.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    px,
	}}
	margin := FutureMargin(req.Quantity, px, e.cfg.FuturesMarginRate)

	res, err := e.open(legs, margin)
	if err != nil || !res.OK {
		return res, err
	}
	res.ContractSymbol = req.Contract.Symbol
	res.LotSize = req.Contract.LotSize
	res.FillPrice = px
	return res, nil
}

func (e *Engine) PlaceSpreadOrder(_ context.Context, req broker.SpreadOrder) (broker.OrderResult, error) {
	short, ok := e.ticks.LastPrice(req.Short.Instrument)
	if !ok {
		return reject("no quote for %s", req.Short.Symbol), nil
	}
	hedge, ok := e.ticks.LastPrice(req.Hedge.Instrument)
	if !ok {
		return reject("no quote for %s", req.Hedge.Symbol), nil
	}
	legs := []Leg{
		{Contract: req.Short.Instrument, Symbol: req.Short.Symbol, Side: broker.Sell, Quantity: req.Quantity, Price: short},
		{Contract: req.Hedge.Instrument, Symbol: req.Hedge.Symbol, Side: broker.Buy, Quantity: req.Quantity, Price: hedge},
	}
	margin := SpreadMargin(req.Quantity, req.Short.Strike, req.Hedge.Strike)

	res, err := e.open(legs, margin)
	if err != nil || !res.OK {
		return res, err
	}
	res.ContractSymbol = req.Short.Symbol + "/" + req.Hedge.Symbol
	res.LotSize = req.Short.LotSize
	res.FillPrice = short - hedge
	res.ShortFill = short
	res.HedgeFill = hedge
	return res, nil
}

func (e *Engine) open(legs []Leg, margin float64) (broker.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, l := range legs {
		if reason, ok := e.rejects[l.Contract]; ok {
			return reject("%s", reason), nil
		}
	}
	if avail := e.availableLocked(); margin > avail {
		return reject("insufficient margin: need %.2f, have %.2f", margin, avail), nil
	}

	t := &Trade{
		ID:       uuid.NewString(),
		Legs:     legs,
		Margin:   margin,
		OpenTime: e.cfg.Now(),
		Open:     true,
	}
	e.trades[t.ID] = t
	return broker.OrderResult{OK: true, OrderID: t.ID}, nil
}

// ClosePosition closes the open trade holding the requested contracts at
// the current quotes.
func (e *Engine) ClosePosition(_ context.Context, req broker.CloseRequest) (broker.OrderResult, error) {
	if len(req.Legs) == 0 {
		return reject("close request has no legs"), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.findOpenLocked(req.Legs)
	if t == nil {
		return reject("no open position for %s", req.Legs[0].Symbol), nil
	}
	if reason, ok := e.rejects[req.Legs[0].Contract]; ok {
		return reject("%s", reason), nil
	}

	marks := make([]float64, len(t.Legs))
	for i, l := range t.Legs {
		px, ok := e.ticks.LastPrice(l.Contract)
		if !ok {
			return reject("no quote for %s", l.Symbol), nil
		}
		marks[i] = px
	}

	t.RealizedPL = t.UnrealizedPL(marks)
	t.ClosePrices = marks
	t.CloseTime = e.cfg.Now()
	t.Open = false
	e.balance += t.RealizedPL

	fill := marks[0]
	if len(marks) == 2 {
		fill = marks[0] - marks[1]
	}
	return broker.OrderResult{
		OK:             true,
		OrderID:        uuid.NewString(),
		ContractSymbol: req.Legs[0].Symbol,
		FillPrice:      fill,
	}, nil
}

func (e *Engine) findOpenLocked(legs []broker.CloseLeg) *Trade {
	ids := make([]string, 0, len(e.trades))
	for id := range e.trades {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		t := e.trades[id]
		if !t.Open {
			continue
		}
		all := true
		for _, l := range legs {
			if !t.holds(l.Contract) {
				all = false
				break
			}
		}
		if all {
			return t
		}
	}
	return nil
}

// Trades returns copies of all trades, open and closed, oldest first.
func (e *Engine) Trades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Trade, 0, len(e.trades))
	for _, t := range e.trades {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out
}

// Balance is starting capital plus realized PnL.
func (e *Engine) Balance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance
}

func reject(format string, args ...any) broker.OrderResult {
	return broker.OrderResult{OK: false, Reason: fmt.Sprintf(format, args...)}
}
