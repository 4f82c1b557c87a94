package exits

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/intraday/broker"
	"github.com/rustyeddy/intraday/internal/logging"
	"github.com/rustyeddy/intraday/journal"
	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/metrics"
	"github.com/rustyeddy/intraday/orders"
	"github.com/rustyeddy/intraday/portfolio"
)

type Config struct {
	// HardStopLoss squares off everything once portfolio PnL falls to
	// -HardStopLoss. Zero disables it.
	HardStopLoss float64
	// HardTarget squares off everything at this profit, but only while the
	// global trailing stop is disabled.
	HardTarget float64
	Global     GlobalConfig
}

// ExitSink receives exit events. Delivery errors are logged, never
// returned.
type ExitSink interface {
	RecordExit(journal.ExitEvent) error
}

// Report summarises one risk cycle.
type Report struct {
	PortfolioPnL float64
	GlobalTSL    portfolio.GlobalTSL
	Floor        float64
	Mass         bool
	Exits        []journal.ExitEvent
	Unmarked     int // positions left at their previous mark
	Failed       int // closes the broker refused; those positions stay open
}

type Engine struct {
	cfg    Config
	store  *portfolio.Store
	gw     broker.Gateway
	quotes portfolio.Quotes
	sink   ExitSink
	met    *metrics.Metrics
	log    zerolog.Logger
	now    func() time.Time

	// OnChange runs after every close and square-off.
	OnChange func()
}

func New(cfg Config, store *portfolio.Store, gw broker.Gateway, quotes portfolio.Quotes, sink ExitSink, met *metrics.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  store,
		gw:     gw,
		quotes: quotes,
		sink:   sink,
		met:    met,
		log:    logging.Component(log, "exits"),
		now:    time.Now,
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Mark revalues every open position from the quote source and returns how
// many could not be marked.
func (e *Engine) Mark(now time.Time) int {
	missed := 0
	for _, p := range e.store.Positions() {
		var err error
		e.store.Update(p.Instrument, func(q *portfolio.Position) { err = q.Mark(e.quotes, now) })
		if err != nil {
			missed++
			e.log.Warn().Err(err).Str("instrument", p.Instrument.String()).Msg("mark skipped")
		}
	}
	return missed
}

// RunCycle marks all positions, checks the portfolio stops and then the
// per-position rules. A portfolio stop that fires squares off everything
// and skips the per-position rules for the cycle.
func (e *Engine) RunCycle(ctx context.Context) Report {
	now := e.now()
	rep := Report{Unmarked: e.Mark(now)}
	rep.PortfolioPnL = e.store.UnrealizedPnL()
	rep.GlobalTSL = e.store.GlobalTSL()

	if e.store.Len() == 0 && !rep.GlobalTSL.Active {
		e.gauges(rep)
		return rep
	}

	if rule, reason, fire := e.portfolioStop(rep.PortfolioPnL, &rep); fire {
		rep.Mass = true
		rep.Exits = e.SquareOffAll(ctx, rule, reason)
		rep.GlobalTSL = e.store.GlobalTSL()
		e.gauges(rep)
		return rep
	}

	for _, p := range e.store.Positions() {
		d := Evaluate(p)
		if !d.Fire {
			continue
		}
		ev, ok := e.Close(ctx, p.Instrument, d.Rule, d.Reason)
		if !ok {
			rep.Failed++
			continue
		}
		rep.Exits = append(rep.Exits, ev)
	}
	rep.PortfolioPnL = e.store.UnrealizedPnL()
	e.gauges(rep)
	return rep
}

func (e *Engine) portfolioStop(pnl float64, rep *Report) (Rule, string, bool) {
	c := e.cfg
	if c.HardStopLoss > 0 && pnl <= -c.HardStopLoss {
		return HardStop, fmt.Sprintf("Hard SL Hit: Portfolio ₹%.2f, Limit ₹%.2f", pnl, -c.HardStopLoss), true
	}
	if !c.Global.Enabled && c.HardTarget > 0 && pnl >= c.HardTarget {
		return HardTarget, fmt.Sprintf("Target Hit: Portfolio ₹%.2f, Target ₹%.2f", pnl, c.HardTarget), true
	}

	prev := e.store.GlobalTSL()
	next, fire, floor := c.Global.Step(prev, pnl)
	rep.GlobalTSL, rep.Floor = next, floor
	if next.Active && !prev.Active {
		e.log.Info().Float64("pnl", pnl).Float64("floor", floor).Msg("global trailing stop armed")
	}
	if fire {
		return GlobalTSL, fmt.Sprintf("Global TSL Hit: Peak ₹%.2f, Floor ₹%.2f, PnL ₹%.2f", next.Peak, floor, pnl), true
	}
	if next != prev {
		e.store.SetGlobalTSL(next)
	}
	return "", "", false
}

// Close squares off one position at the broker and, only if that
// succeeds, removes it from the store. Closing an instrument with no open
// position is a no-op that reports false.
func (e *Engine) Close(ctx context.Context, inst market.Instrument, rule Rule, reason string) (journal.ExitEvent, bool) {
	p, ok := e.store.Get(inst)
	if !ok {
		return journal.ExitEvent{}, false
	}

	res, err := e.gw.ClosePosition(ctx, orders.CloseRequest(p, string(rule)))
	if err != nil || !res.OK {
		e.met.BrokerError("close_position")
		e.log.Warn().Err(err).Str("instrument", inst.String()).Str("rule", string(rule)).
			Str("broker_reason", res.Reason).Msg("close failed, position kept for retry")
		return journal.ExitEvent{}, false
	}

	now := e.now()
	if _, ok := e.store.Close(inst, p.PnL, now); !ok {
		return journal.ExitEvent{}, false
	}
	ev := journal.NewExit(p, string(rule), reason, now)
	e.log.Info().Str("instrument", inst.String()).Str("symbol", p.Symbol).Str("rule", string(rule)).
		Float64("pnl", p.PnL).Msg(reason)
	e.emit(ev)
	e.changed()
	return ev, true
}

// SquareOffAll closes every open position regardless of what the broker
// answers, books each at its last mark, resets the global trailing stop
// and emits all exits as one batch.
func (e *Engine) SquareOffAll(ctx context.Context, rule Rule, reason string) []journal.ExitEvent {
	for _, p := range e.store.Positions() {
		res, err := e.gw.ClosePosition(ctx, orders.CloseRequest(p, string(rule)))
		if err != nil || !res.OK {
			e.met.BrokerError("close_position")
			logging.Critical(&e.log).Err(err).Str("instrument", p.Instrument.String()).Str("broker_reason", res.Reason).
				Msg("square-off order failed, position dropped from book; check broker")
		}
	}

	now := e.now()
	closed := e.store.CloseAll(now)
	events := make([]journal.ExitEvent, 0, len(closed))
	for _, p := range closed {
		events = append(events, journal.NewExit(p, string(rule), reason, now))
	}
	e.log.Warn().Str("rule", string(rule)).Int("positions", len(closed)).Msg(reason)
	for _, ev := range events {
		e.emit(ev)
	}
	e.changed()
	return events
}

func (e *Engine) emit(ev journal.ExitEvent) {
	e.met.ExitFired(ev.Rule)
	if e.sink == nil {
		return
	}
	if err := e.sink.RecordExit(ev); err != nil {
		e.log.Warn().Err(err).Str("event", ev.ID).Msg("exit event not recorded")
	}
}

func (e *Engine) changed() {
	if e.OnChange != nil {
		e.OnChange()
	}
}

func (e *Engine) gauges(rep Report) {
	e.met.Portfolio(e.store.Len(), rep.PortfolioPnL, e.store.RealizedPnL(), rep.GlobalTSL.Active)
}
