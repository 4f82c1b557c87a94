// Package engine is the single decision loop. It owns the two cadences
// that read and write the position store: the scan (score, rank, guard,
// place) and the risk cycle (mark, exit rules, global trailing stop).
//
// Ticks from the feed only update the tick cache. Administrative commands
// arrive on a channel and run on the loop goroutine, so the store has one
// writer at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/intraday/broker"
	"github.com/rustyeddy/intraday/exits"
	"github.com/rustyeddy/intraday/internal/logging"
	"github.com/rustyeddy/intraday/journal"
	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/metrics"
	"github.com/rustyeddy/intraday/orders"
	"github.com/rustyeddy/intraday/portfolio"
	"github.com/rustyeddy/intraday/risk"
	"github.com/rustyeddy/intraday/score"
	"github.com/rustyeddy/intraday/session"
)

type Config struct {
	Universe []market.Instrument

	Scan            time.Duration // 5s
	Risk            time.Duration // 60s
	Snapshot        time.Duration // scan snapshot to the sink, 5m
	MaterialMovePct float64       // immediate risk cycle on a move this large

	EntryStart   market.ClockTime // 09:20
	EntryStop    market.ClockTime // 14:45
	EODSquareOff market.ClockTime // 15:15
	Location     *time.Location

	Threshold      float64 // minimum |score| to trade
	TopN           int     // candidates guarded per scan
	CandleInterval time.Duration
	CandleWindow   int

	Strategy orders.Strategy
	DryRun   bool
}

// Scorer is the score aggregator.
type Scorer interface {
	Score(inst market.Instrument, tick market.Tick, candles []market.Candle, now time.Time) score.Result
}

// Deps are the collaborators the engine drives. Store, Gateway, Oracle,
// Scrip and Scorer are required.
type Deps struct {
	Store   *portfolio.Store
	Ticks   *market.TickStore
	Gateway broker.Gateway
	Oracle  broker.MarginOracle
	Scrip   *market.ScripMaster
	Scorer  Scorer
	Session *session.Persister
	Sink    journal.Sink
	Metrics *metrics.Metrics

	Policy risk.Policy
	Orders orders.Config
	Exits  exits.Config
}

type Engine struct {
	cfg    Config
	store  *portfolio.Store
	ticks  *market.TickStore
	gw     broker.Gateway
	oracle broker.MarginOracle
	scrip  *market.ScripMaster
	score  Scorer
	sess   *session.Persister
	sink   journal.Sink
	met    *metrics.Metrics
	log    zerolog.Logger

	guard  *risk.Guard
	orders *orders.Constructor
	exits  *exits.Engine

	frozen atomic.Bool
	cmds   chan command
	feed   <-chan market.Tick
	subs   Subscriber
	now    func() time.Time

	// loop-owned
	riskMarks    map[market.Instrument]float64
	lastSnapshot time.Time
	eodDay       string

	mu     sync.Mutex
	status Status
}

func New(cfg Config, d Deps, log zerolog.Logger) (*Engine, error) {
	if d.Store == nil || d.Gateway == nil || d.Oracle == nil || d.Scrip == nil || d.Scorer == nil {
		return nil, errors.New("engine: store, gateway, oracle, scrip and scorer are required")
	}
	if cfg.Location == nil {
		cfg.Location = market.IST
	}
	if cfg.Scan <= 0 {
		cfg.Scan = 5 * time.Second
	}
	if cfg.Risk <= 0 {
		cfg.Risk = time.Minute
	}
	if cfg.Snapshot <= 0 {
		cfg.Snapshot = 5 * time.Minute
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 3
	}
	var zero market.ClockTime
	if cfg.EntryStart == zero {
		cfg.EntryStart = market.ClockTime{Hour: 9, Minute: 20}
	}
	if cfg.EntryStop == zero {
		cfg.EntryStop = market.ClockTime{Hour: 14, Minute: 45}
	}
	if cfg.EODSquareOff == zero {
		cfg.EODSquareOff = market.ClockTime{Hour: 15, Minute: 15}
	}
	if cfg.CandleInterval <= 0 {
		cfg.CandleInterval = 5 * time.Minute
	}
	if cfg.CandleWindow <= 0 {
		cfg.CandleWindow = 30
	}
	if d.Ticks == nil {
		d.Ticks = market.NewTickStore()
	}

	e := &Engine{
		cfg:       cfg,
		store:     d.Store,
		ticks:     d.Ticks,
		gw:        d.Gateway,
		oracle:    d.Oracle,
		scrip:     d.Scrip,
		score:     d.Scorer,
		sess:      d.Session,
		sink:      d.Sink,
		met:       d.Metrics,
		log:       logging.Component(log, "engine"),
		cmds:      make(chan command),
		now:       time.Now,
		riskMarks: make(map[market.Instrument]float64),
	}
	e.orders = orders.New(d.Orders, d.Scrip, d.Gateway, d.Oracle, d.Store, log)
	e.guard = risk.NewGuard(d.Policy, d.Store, d.Gateway, e.orders, e.Frozen, logging.Component(log, "guard"))

	var exitSink exits.ExitSink
	if d.Sink != nil {
		exitSink = d.Sink
	}
	e.exits = exits.New(d.Exits, d.Store, d.Gateway, d.Ticks, exitSink, d.Metrics, log)
	e.exits.OnChange = e.save
	return e, nil
}

// SetClock replaces the time source of the engine and its exit engine.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.exits.SetClock(now)
}

// AttachFeed sets the tick channel drained by Run.
func (e *Engine) AttachFeed(ch <-chan market.Tick) { e.feed = ch }

// Subscriber adds contracts to a live tick feed.
type Subscriber interface {
	Subscribe(insts ...market.Instrument)
}

// AttachSubscriber sets the feed told about the contracts of every new
// position. Call before Run.
func (e *Engine) AttachSubscriber(s Subscriber) { e.subs = s }

func (e *Engine) Store() *portfolio.Store { return e.store }

func (e *Engine) Frozen() bool { return e.frozen.Load() }

// SetFrozen blocks or allows new entries. Exit evaluation is unaffected.
func (e *Engine) SetFrozen(on bool, source string) {
	if e.frozen.Swap(on) != on {
		e.log.Warn().Bool("frozen", on).Str("source", source).Msg("entry freeze changed")
	}
}

// Restore loads the last session snapshot into the store. Any failure
// leaves the store empty and the engine starts cold.
func (e *Engine) Restore() bool {
	if e.sess == nil {
		return false
	}
	st, err := e.sess.Load()
	switch {
	case errors.Is(err, session.ErrNoSnapshot):
		e.log.Info().Msg("no session snapshot, starting cold")
		return false
	case errors.Is(err, session.ErrStale):
		e.log.Warn().Err(err).Msg("ignoring stale session snapshot, starting cold")
		return false
	case err != nil:
		e.log.Error().Err(err).Msg("session snapshot unreadable, starting cold")
		return false
	}
	if err := e.store.Restore(st); err != nil {
		e.log.Error().Err(err).Msg("session snapshot rejected, starting cold")
		if _, qerr := e.sess.Quarantine(); qerr != nil {
			e.log.Error().Err(qerr).Msg("could not quarantine session snapshot")
		}
		return false
	}
	e.log.Info().Int("positions", e.store.Len()).Float64("realized_pnl", e.store.RealizedPnL()).
		Bool("global_tsl", st.GlobalTSL.Active).Msg("session restored")
	return true
}

// Run drives both cadences until ctx is done. An in-flight cycle always
// completes; the final snapshot is saved on the way out.
func (e *Engine) Run(ctx context.Context) error {
	scan := time.NewTicker(e.cfg.Scan)
	defer scan.Stop()
	riskT := time.NewTicker(e.cfg.Risk)
	defer riskT.Stop()

	// cycles started before shutdown run to completion
	work := context.WithoutCancel(ctx)

	e.log.Info().Int("universe", len(e.cfg.Universe)).Dur("scan", e.cfg.Scan).Dur("risk", e.cfg.Risk).
		Bool("dry_run", e.cfg.DryRun).Msg("engine started")
	for {
		select {
		case <-ctx.Done():
			e.save()
			e.log.Info().Int("positions", e.store.Len()).Msg("engine stopped")
			return nil

		case tk, ok := <-e.feed:
			if !ok {
				e.feed = nil
				continue
			}
			e.ticks.Set(tk)
			if e.drain() {
				e.RiskCycle(work)
			}

		case <-scan.C:
			e.drain()
			e.Step(work)

		case <-riskT.C:
			e.drain()
			e.RiskCycle(work)

		case c := <-e.cmds:
			c.reply <- e.handle(work, c)
		}
	}
}

// drain empties the feed into the tick cache and reports whether a held
// instrument moved enough since the last risk cycle to warrant another.
func (e *Engine) drain() bool {
	for {
		select {
		case tk, ok := <-e.feed:
			if !ok {
				e.feed = nil
				return e.materialMove()
			}
			e.ticks.Set(tk)
		default:
			return e.materialMove()
		}
	}
}

func (e *Engine) materialMove() bool {
	if e.cfg.MaterialMovePct <= 0 {
		return false
	}
	for _, p := range e.store.Positions() {
		for _, inst := range p.MarkInstruments() {
			ref, ok := e.riskMarks[inst]
			if !ok || ref == 0 {
				continue
			}
			px, ok := e.ticks.LastPrice(inst)
			if ok && math.Abs(px-ref)/ref*100 >= e.cfg.MaterialMovePct {
				e.log.Debug().Str("instrument", inst.String()).Float64("from", ref).Float64("to", px).Msg("material move")
				return true
			}
		}
	}
	return false
}

// Step runs the end-of-day square-off once it is due, otherwise a scan.
func (e *Engine) Step(ctx context.Context) {
	now := e.now()
	if e.cfg.EODSquareOff.Reached(now, e.cfg.Location) {
		e.EndOfDay(ctx, now)
		return
	}
	e.ScanOnce(ctx, now)
}

// EndOfDay squares off everything and resets the day's bookkeeping. It
// runs at most once per trading day.
func (e *Engine) EndOfDay(ctx context.Context, now time.Time) bool {
	day := now.In(e.cfg.Location).Format(time.DateOnly)
	if e.eodDay == day {
		return false
	}
	e.eodDay = day

	evs := e.exits.SquareOffAll(ctx, exits.EndOfDay, "EOD square-off")
	e.log.Info().Int("closed", len(evs)).Float64("realized_pnl", e.store.RealizedPnL()).
		Int("trades", e.store.TradeCount()).Msg("end of day")
	e.store.ResetDay()
	if c, ok := e.oracle.(interface{ Purge() }); ok {
		c.Purge()
	}
	e.save()
	return true
}

// InEntryWindow reports whether new entries are allowed at t.
func (e *Engine) InEntryWindow(t time.Time) bool {
	return e.cfg.EntryStart.Reached(t, e.cfg.Location) && !e.cfg.EntryStop.Reached(t, e.cfg.Location)
}

// RiskCycle refreshes quotes for held contracts and runs the exit engine.
func (e *Engine) RiskCycle(ctx context.Context) exits.Report {
	e.refreshQuotes(ctx)
	rep := e.exits.RunCycle(ctx)

	clear(e.riskMarks)
	for _, p := range e.store.Positions() {
		for _, inst := range p.MarkInstruments() {
			if px, ok := e.ticks.LastPrice(inst); ok {
				e.riskMarks[inst] = px
			}
		}
	}

	e.mu.Lock()
	e.status.LastRisk = e.now()
	e.mu.Unlock()

	if len(rep.Exits) > 0 || rep.Failed > 0 {
		e.log.Info().Int("exits", len(rep.Exits)).Int("failed", rep.Failed).Bool("mass", rep.Mass).
			Float64("portfolio_pnl", rep.PortfolioPnL).Msg("risk cycle")
	}
	return rep
}

// refreshQuotes polls the gateway for held contracts the feed has not
// updated within one risk interval.
func (e *Engine) refreshQuotes(ctx context.Context) {
	now := e.now()
	for _, p := range e.store.Positions() {
		for _, inst := range p.MarkInstruments() {
			if _, err := e.quote(ctx, inst, now); err != nil {
				e.log.Warn().Err(err).Str("instrument", inst.String()).Msg("quote refresh failed")
			}
		}
	}
}

// quote returns the cached tick for inst while it is fresh, otherwise the
// gateway's latest, which replaces the cached one.
func (e *Engine) quote(ctx context.Context, inst market.Instrument, now time.Time) (market.Tick, error) {
	if tk, err := e.ticks.Get(inst); err == nil && !tk.Time.IsZero() && now.Sub(tk.Time) < e.cfg.Risk {
		return tk, nil
	}
	tk, err := e.gw.GetLatestTick(ctx, inst)
	if err != nil {
		e.met.BrokerError("get_latest_tick")
		return market.Tick{}, err
	}
	if tk.Time.IsZero() {
		tk.Time = now
	}
	e.ticks.Set(tk)
	return tk, nil
}

func (e *Engine) save() {
	if e.sess == nil {
		return
	}
	if err := e.sess.Save(e.store.Snapshot()); err != nil {
		logging.Critical(&e.log).Err(err).Str("path", e.sess.Path()).Msg("session save failed; positions not persisted")
	}
}

// Close flushes the sink.
func (e *Engine) Close() error {
	if e.sink == nil {
		return nil
	}
	if err := e.sink.Close(); err != nil {
		return fmt.Errorf("close sink: %w", err)
	}
	return nil
}
