package engine

import (
	"context"
	"math"
	"time"

	"github.com/rustyeddy/intraday/journal"
	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/orders"
	"github.com/rustyeddy/intraday/risk"
	"github.com/rustyeddy/intraday/score"
)

// ScanResult summarises one scan cycle.
type ScanResult struct {
	Scored   int
	Skipped  int // instruments with no tick or candles this cycle
	Rejected int
	Opened   []string // position ids
	Ranked   []score.Result
}

type scored struct {
	score.Result
	tick    market.Tick
	candles []market.Candle
}

// ScanOnce scores the universe, ranks by conviction and, inside the entry
// window, guards and places the strongest candidates. One instrument's
// failure never stops the rest.
func (e *Engine) ScanOnce(ctx context.Context, now time.Time) ScanResult {
	start := time.Now()
	defer func() { e.met.ObserveScan(time.Since(start)) }()

	var res ScanResult
	all := make([]scored, 0, len(e.cfg.Universe))
	for _, inst := range e.cfg.Universe {
		tk, candles, err := e.inputs(ctx, inst, now)
		if err != nil {
			res.Skipped++
			e.log.Warn().Err(err).Str("instrument", inst.String()).Msg("scan skipped instrument")
			continue
		}
		r := e.score.Score(inst, tk, candles, now)
		if _, ok := e.store.OpeningScore(inst); !ok {
			e.store.SetOpeningScore(inst, r.Score)
		}
		all = append(all, scored{Result: r, tick: tk, candles: candles})
	}
	res.Scored = len(all)

	results := make([]score.Result, len(all))
	for i := range all {
		results[i] = all[i].Result
	}
	score.Rank(results)
	res.Ranked = results

	byInst := make(map[market.Instrument]scored, len(all))
	for _, s := range all {
		byInst[s.Instrument] = s
	}
	rows := make(map[market.Instrument]*journal.ScanRow, len(results))
	for _, r := range results {
		rows[r.Instrument] = &journal.ScanRow{
			Instrument: r.Instrument.String(),
			Symbol:     e.scrip.Symbol(r.Instrument),
			Score:      r.Score,
			Regime:     string(r.Regime),
		}
	}

	if e.InEntryWindow(now) {
		e.enter(ctx, now, results, byInst, rows, &res)
	}

	e.mu.Lock()
	e.status.LastScan = now
	e.status.LastScanScored = res.Scored
	e.mu.Unlock()

	e.snapshot(now, results, rows)
	return res
}

func (e *Engine) enter(ctx context.Context, now time.Time, ranked []score.Result, by map[market.Instrument]scored, rows map[market.Instrument]*journal.ScanRow, res *ScanResult) {
	tried := 0
	for _, r := range ranked {
		if tried >= e.cfg.TopN {
			break
		}
		if math.Abs(r.Score) < e.cfg.Threshold || r.Score == 0 {
			break // ranked, so nothing further qualifies
		}
		if e.store.Has(r.Instrument) {
			continue
		}
		tried++

		s := by[r.Instrument]
		row := rows[r.Instrument]
		cand := risk.Candidate{
			Instrument: r.Instrument,
			Symbol:     row.Symbol,
			Score:      r.Score,
			Tick:       s.tick,
			Candles:    s.candles,
			Regime:     r.Regime,
			Now:        now,
		}
		d := e.guard.Approve(ctx, cand)
		if !d.Allowed {
			res.Rejected++
			e.met.GuardRejected(d.Code())
			row.Reason = d.Reason()
			continue
		}

		pos, err := e.orders.Place(ctx, orders.SignalFromCandidate(cand, r.ATR))
		if err != nil {
			e.log.Error().Err(err).Str("instrument", r.Instrument.String()).Float64("score", r.Score).Msg("entry failed")
			row.Reason = err.Error()
			continue
		}
		row.Traded = true
		res.Opened = append(res.Opened, pos.ID)
		if e.subs != nil {
			e.subs.Subscribe(pos.MarkInstruments()...)
		}
		e.met.OrderPlaced(string(e.cfg.Strategy), pos.DryRun)
		if e.sink != nil {
			if err := e.sink.RecordEntry(journal.NewEntry(pos)); err != nil {
				e.log.Warn().Err(err).Str("id", pos.ID).Msg("entry event not recorded")
			}
		}
		e.save()
	}
}

// inputs returns the instrument's latest tick and recent candles. A cached
// tick is used while it is younger than one risk interval.
func (e *Engine) inputs(ctx context.Context, inst market.Instrument, now time.Time) (market.Tick, []market.Candle, error) {
	tk, err := e.quote(ctx, inst, now)
	if err != nil {
		return market.Tick{}, nil, err
	}
	candles, err := e.gw.GetRecentCandles(ctx, inst, e.cfg.CandleInterval, e.cfg.CandleWindow)
	if err != nil {
		e.met.BrokerError("get_recent_candles")
		return market.Tick{}, nil, err
	}
	return tk, candles, nil
}

// snapshot hands the full ranking to the sink at most once per interval.
func (e *Engine) snapshot(now time.Time, ranked []score.Result, rows map[market.Instrument]*journal.ScanRow) {
	if e.sink == nil || len(ranked) == 0 {
		return
	}
	if !e.lastSnapshot.IsZero() && now.Sub(e.lastSnapshot) < e.cfg.Snapshot {
		return
	}
	e.lastSnapshot = now

	snap := journal.ScanSnapshot{Time: now, Rows: make([]journal.ScanRow, 0, len(ranked))}
	for _, r := range ranked {
		snap.Rows = append(snap.Rows, *rows[r.Instrument])
	}
	if err := e.sink.RecordScan(snap); err != nil {
		e.log.Warn().Err(err).Msg("scan snapshot not recorded")
	}
}
