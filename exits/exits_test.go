package exits

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/intraday/broker"
	"github.com/rustyeddy/intraday/journal"
	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/portfolio"
)

var t0 = time.Date(2024, 1, 10, 10, 0, 0, 0, market.IST)

type fakeGateway struct {
	mu       sync.Mutex
	closeErr error
	reject   string
	closes   []broker.CloseRequest
}

func (g *fakeGateway) GetLatestTick(context.Context, market.Instrument) (market.Tick, error) {
	return market.Tick{}, market.ErrNoTick
}
func (g *fakeGateway) GetRecentCandles(context.Context, market.Instrument, time.Duration, int) ([]market.Candle, error) {
	return nil, nil
}
func (g *fakeGateway) PlaceFutureOrder(context.Context, broker.FutureOrder) (broker.OrderResult, error) {
	return broker.OrderResult{}, errors.New("not used")
}
func (g *fakeGateway) PlaceSpreadOrder(context.Context, broker.SpreadOrder) (broker.OrderResult, error) {
	return broker.OrderResult{}, errors.New("not used")
}
func (g *fakeGateway) AvailableMargin(context.Context) (float64, error) { return 0, nil }

func (g *fakeGateway) ClosePosition(_ context.Context, req broker.CloseRequest) (broker.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closeErr != nil {
		return broker.OrderResult{}, g.closeErr
	}
	if g.reject != "" {
		return broker.OrderResult{OK: false, Reason: g.reject}, nil
	}
	g.closes = append(g.closes, req)
	return broker.OrderResult{OK: true, OrderID: "C1"}, nil
}

type recordingSink struct {
	events []journal.ExitEvent
}

func (s *recordingSink) RecordExit(e journal.ExitEvent) error {
	s.events = append(s.events, e)
	return nil
}

func future(token string, entry float64, qty int, risk portfolio.RiskParams) *portfolio.Position {
	return &portfolio.Position{
		ID:         "P" + token,
		Instrument: market.NewInstrument("NSE", token),
		Symbol:     token + "-EQ",
		Kind:       portfolio.FutureLong,
		EntryPrice: entry,
		EntryTime:  t0,
		LotSize:    qty,
		Quantity:   qty,
		Regime:     market.Trending,
		Risk:       risk,
		Future:     &portfolio.FutureLeg{Contract: market.NewInstrument("NFO", token), Symbol: token + "FUT"},
	}
}

func spread(token string, net float64, qty int, risk portfolio.RiskParams) *portfolio.Position {
	return &portfolio.Position{
		ID:         "S" + token,
		Instrument: market.NewInstrument("NSE", token),
		Symbol:     token + "-EQ",
		Kind:       portfolio.PutCreditSpread,
		EntryPrice: 2500,
		EntryTime:  t0,
		LotSize:    qty,
		Quantity:   qty,
		Regime:     market.Trending,
		Risk:       risk,
		Spread: &portfolio.SpreadLegs{
			Short:           portfolio.OptionLeg{Contract: market.NewInstrument("NFO", token+"1"), Strike: 2500, OptionType: market.Put, EntryPremium: net + 10},
			Hedge:           portfolio.OptionLeg{Contract: market.NewInstrument("NFO", token+"2"), Strike: 2480, OptionType: market.Put, EntryPremium: 10},
			EntryNetPremium: net,
		},
	}
}

type priceMap map[market.Instrument]float64

func (m priceMap) LastPrice(inst market.Instrument) (float64, bool) {
	px, ok := m[inst]
	return px, ok
}

// marked values p at px for a future, or at short/hedge premiums for a spread.
func marked(t *testing.T, p *portfolio.Position, px ...float64) *portfolio.Position {
	t.Helper()
	q := priceMap{}
	if p.Future != nil {
		q[p.Future.Contract] = px[0]
	} else {
		q[p.Spread.Short.Contract] = px[0]
		q[p.Spread.Hedge.Contract] = px[1]
	}
	require.NoError(t, p.Mark(q, t0))
	return p
}

func TestFixedStopScenario(t *testing.T) {
	risk := portfolio.RiskParams{FixedStopPct: 5}

	d := Evaluate(marked(t, future("1", 1000, 1, risk), 940))
	assert.True(t, d.Fire)
	assert.Equal(t, FixedStop, d.Rule)
	assert.Contains(t, d.Reason, "5%")

	d = Evaluate(marked(t, future("1", 1000, 1, risk), 960))
	assert.False(t, d.Fire, d.Reason)
}

func TestFixedStopOnSpreadPremium(t *testing.T) {
	risk := portfolio.RiskParams{FixedStopPct: 10}
	// net 10 -> 11: premium expanded 10% against the seller
	d := Evaluate(marked(t, spread("2", 10, 100, risk), 21, 10))
	assert.Equal(t, FixedStop, d.Rule)
	assert.Contains(t, d.Reason, "10%")
}

func TestATRStop(t *testing.T) {
	p := future("1", 1000, 1, portfolio.RiskParams{FixedStopPct: 5})
	p.StopLevel = 980
	d := Evaluate(marked(t, p, 975))
	assert.Equal(t, ATRStop, d.Rule)
	assert.Contains(t, d.Reason, "980.00")

	p = future("1", 1000, 1, portfolio.RiskParams{})
	p.Kind = portfolio.FutureShort
	p.StopLevel = 1020
	assert.False(t, Evaluate(marked(t, p, 1019)).Fire)
	assert.Equal(t, ATRStop, Evaluate(marked(t, p, 1020)).Rule)
}

func TestTrailingStopScenario(t *testing.T) {
	risk := portfolio.RiskParams{TrailActivatePct: 1.5, TrailGapPct: 0.75, PeakLockTriggerPct: 3, PeakLockFloorPct: 1}
	assert.InDelta(t, 4.89, TrailFloor(5.64, risk), 1e-9)

	p := future("1", 1000, 1, risk)
	marked(t, p, 1056.4)
	assert.InDelta(t, 5.64, p.MaxProfitPct, 1e-9)

	d := Evaluate(marked(t, p, 1048.0))
	assert.True(t, d.Fire)
	assert.Equal(t, TrailingStop, d.Rule)
	assert.Contains(t, d.Reason, "4.89%")

	assert.False(t, Evaluate(marked(t, p, 1050.0)).Fire)
}

func TestTrailingInactiveBelowActivation(t *testing.T) {
	risk := portfolio.RiskParams{TrailActivatePct: 1.5, TrailGapPct: 0.75}
	p := future("1", 1000, 1, risk)
	marked(t, p, 1014) // max 1.4%, never armed
	assert.False(t, Evaluate(marked(t, p, 1001)).Fire)
}

func TestPeakLockFloor(t *testing.T) {
	risk := portfolio.RiskParams{TrailActivatePct: 1.5, TrailGapPct: 3, PeakLockTriggerPct: 3, PeakLockFloorPct: 1}
	for maxPct := 3.01; maxPct < 12; maxPct += 0.37 {
		assert.GreaterOrEqual(t, TrailFloor(maxPct, risk), 1.0, "max %.2f", maxPct)
	}
	// below the trigger the plain gap applies
	assert.InDelta(t, -0.5, TrailFloor(2.5, risk), 1e-9)

	p := future("1", 1000, 1, risk)
	marked(t, p, 1035) // 3.5% peak, plain floor 0.5%
	d := Evaluate(marked(t, p, 1008))
	assert.Equal(t, TrailingStop, d.Rule)
	assert.Contains(t, d.Reason, "floor 1.00%")
}

func TestTakeProfit(t *testing.T) {
	risk := portfolio.RiskParams{TakeProfitDecayPct: 10}
	// net 10 -> 8.9 is an 11% decay
	d := Evaluate(marked(t, spread("2", 10, 500, risk), 18.9, 10))
	assert.Equal(t, TakeProfit, d.Rule)
	assert.Contains(t, d.Reason, "decayed")

	assert.False(t, Evaluate(marked(t, spread("2", 10, 500, risk), 19.2, 10)).Fire)

	cash := future("1", 1000, 100, portfolio.RiskParams{TakeProfitCash: 2000})
	d = Evaluate(marked(t, cash, 1020))
	assert.Equal(t, TakeProfit, d.Rule)
	assert.Contains(t, d.Reason, "₹2000.00")
}

func TestSidewaysSuppressesSmallProfits(t *testing.T) {
	risk := portfolio.RiskParams{TakeProfitDecayPct: 10, SidewaysMinProfit: 500, FixedStopPct: 10}

	p := spread("2", 10, 100, risk)
	p.Regime = market.Sideways
	// 30% decay but only ₹300
	assert.False(t, Evaluate(marked(t, p, 17, 10)).Fire)

	p.Quantity = 250 // same decay, ₹750
	assert.Equal(t, TakeProfit, Evaluate(marked(t, p, 17, 10)).Rule)

	// stops are never suppressed
	p.Quantity = 100
	assert.Equal(t, FixedStop, Evaluate(marked(t, p, 21.5, 10)).Rule)

	// a small sideways profit still trails: peak 5% decays back to 0.5%
	trail := portfolio.RiskParams{TakeProfitDecayPct: 10, SidewaysMinProfit: 500, TrailActivatePct: 3, TrailGapPct: 0.75}
	q := spread("9", 20, 50, trail)
	q.Regime = market.Sideways
	assert.False(t, Evaluate(marked(t, q, 39, 20)).Fire)
	d := Evaluate(marked(t, q, 39.9, 20))
	assert.True(t, d.Fire)
	assert.Equal(t, TrailingStop, d.Rule)
	assert.InDelta(t, 5.0, q.MaxProfitPct, 1e-9)
	assert.InDelta(t, 5.0, q.PnL, 1e-9)
}

func TestRetracement(t *testing.T) {
	risk := portfolio.RiskParams{RetraceActivateCash: 1000, RetracePct: 0.4}
	p := future("1", 1000, 100, risk)
	marked(t, p, 1020)                                 // max ₹2000
	assert.False(t, Evaluate(marked(t, p, 1013)).Fire) // 1300 > 1200
	d := Evaluate(marked(t, p, 1011))
	assert.Equal(t, Retracement, d.Rule)
	assert.Contains(t, d.Reason, "₹2000.00")

	q := future("1", 1000, 100, risk)
	marked(t, q, 1009) // max ₹900, below activation
	assert.False(t, Evaluate(marked(t, q, 1001)).Fire)
}

func TestGlobalStepScenario(t *testing.T) {
	g := GlobalConfig{Enabled: true, Activation: 1000, Retrace: 0.2}
	var s portfolio.GlobalTSL

	s, fire, _ := g.Step(s, 500)
	assert.False(t, s.Active)
	assert.False(t, fire)

	s, fire, floor := g.Step(s, 1000)
	assert.True(t, s.Active)
	assert.Equal(t, 1000.0, s.Peak)
	assert.Equal(t, 800.0, floor)
	assert.False(t, fire)

	s, fire, _ = g.Step(s, 2000)
	assert.Equal(t, 2000.0, s.Peak)
	assert.False(t, fire)

	s, fire, floor = g.Step(s, 1700)
	assert.Equal(t, 1600.0, floor)
	assert.False(t, fire)

	s, fire, floor = g.Step(s, 1600)
	assert.True(t, fire, "fires exactly at the floor")
	assert.Equal(t, 2000.0, s.Peak)
	assert.Equal(t, 1600.0, floor)

	_, fire, _ = GlobalConfig{Activation: 1}.Step(portfolio.GlobalTSL{}, 5000)
	assert.False(t, fire)
}

func TestGlobalPeakMonotonic(t *testing.T) {
	g := GlobalConfig{Enabled: true, Activation: 100, Retrace: 0.99}
	rng := rand.New(rand.NewSource(7))
	var s portfolio.GlobalTSL
	for i := 0; i < 1000; i++ {
		pnl := rng.Float64()*4000 - 1000
		next, fire, floor := g.Step(s, pnl)
		if s.Active {
			assert.GreaterOrEqual(t, next.Peak, s.Peak)
		}
		if next.Active {
			assert.Equal(t, pnl <= next.Peak*(1-g.Retrace), fire)
			assert.InDelta(t, next.Peak*0.01, floor, 1e-9)
		}
		if fire {
			next = portfolio.GlobalTSL{}
		}
		s = next
	}
}

type harness struct {
	store   *portfolio.Store
	ticks   *market.TickStore
	gw      *fakeGateway
	sink    *recordingSink
	eng     *Engine
	changes int
}

func newHarness(t *testing.T, cfg Config, positions ...*portfolio.Position) *harness {
	t.Helper()
	h := &harness{
		store: portfolio.NewStore(),
		ticks: market.NewTickStore(),
		gw:    &fakeGateway{},
		sink:  &recordingSink{},
	}
	for _, p := range positions {
		require.NoError(t, h.store.Insert(p))
	}
	h.eng = New(cfg, h.store, h.gw, h.ticks, h.sink, nil, zerolog.Nop())
	h.eng.SetClock(func() time.Time { return t0.Add(time.Hour) })
	h.eng.OnChange = func() { h.changes++ }
	return h
}

func (h *harness) price(inst market.Instrument, px float64) {
	h.ticks.Set(market.Tick{Instrument: inst, LTP: px, Time: t0})
}

func TestGlobalTSLLifecycle(t *testing.T) {
	a := future("1", 1000, 100, portfolio.RiskParams{})
	b := future("2", 500, 10, portfolio.RiskParams{})
	h := newHarness(t, Config{Global: GlobalConfig{Enabled: true, Activation: 1000, Retrace: 0.2}}, a, b)
	h.price(b.Future.Contract, 500)

	ctx := context.Background()
	steps := []struct {
		px     float64
		active bool
		peak   float64
	}{
		{1005, false, 0},
		{1010, true, 1000},
		{1020, true, 2000},
		{1017, true, 2000},
	}
	for _, s := range steps {
		h.price(a.Future.Contract, s.px)
		rep := h.eng.RunCycle(ctx)
		assert.False(t, rep.Mass, "px %v", s.px)
		assert.Empty(t, rep.Exits)
		assert.Equal(t, s.active, h.store.GlobalTSL().Active, "px %v", s.px)
		assert.Equal(t, s.peak, h.store.GlobalTSL().Peak, "px %v", s.px)
	}
	assert.Equal(t, 0, h.changes)

	h.price(a.Future.Contract, 1015) // ₹1500, below the ₹1600 floor
	rep := h.eng.RunCycle(ctx)
	assert.True(t, rep.Mass)
	require.Len(t, rep.Exits, 2)
	for _, ev := range rep.Exits {
		assert.Equal(t, string(GlobalTSL), ev.Rule)
		assert.Contains(t, ev.Reason, "Peak ₹2000.00")
		assert.Contains(t, ev.Reason, "Floor ₹1600.00")
	}
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, portfolio.GlobalTSL{}, h.store.GlobalTSL())
	assert.InDelta(t, 1500, h.store.RealizedPnL(), 1e-9)
	assert.Len(t, h.sink.events, 2)
	assert.Len(t, h.gw.closes, 2)
	assert.Equal(t, 1, h.changes)
}

func TestMassSquareOffSuppressesPositionRules(t *testing.T) {
	// a would trip its own fixed stop, but the hard stop takes the cycle
	a := future("1", 1000, 100, portfolio.RiskParams{FixedStopPct: 5})
	h := newHarness(t, Config{HardStopLoss: 5000}, a)
	h.price(a.Future.Contract, 900)

	rep := h.eng.RunCycle(context.Background())
	assert.True(t, rep.Mass)
	require.Len(t, rep.Exits, 1)
	assert.Equal(t, string(HardStop), rep.Exits[0].Rule)
	assert.Contains(t, rep.Exits[0].Reason, "₹-10000.00")
}

func TestHardTargetOnlyWithoutGlobalTSL(t *testing.T) {
	a := future("1", 1000, 100, portfolio.RiskParams{})

	h := newHarness(t, Config{HardTarget: 1000, Global: GlobalConfig{Enabled: true, Activation: 5000, Retrace: 0.2}}, a)
	h.price(a.Future.Contract, 1020)
	assert.False(t, h.eng.RunCycle(context.Background()).Mass)

	h = newHarness(t, Config{HardTarget: 1000}, a)
	h.price(a.Future.Contract, 1020)
	rep := h.eng.RunCycle(context.Background())
	assert.True(t, rep.Mass)
	assert.Equal(t, string(HardTarget), rep.Exits[0].Rule)
}

func TestRuleExitClosesAndBooks(t *testing.T) {
	a := future("1", 1000, 100, portfolio.RiskParams{FixedStopPct: 5})
	b := future("2", 500, 10, portfolio.RiskParams{FixedStopPct: 5})
	h := newHarness(t, Config{}, a, b)
	h.price(a.Future.Contract, 940)
	h.price(b.Future.Contract, 505)

	rep := h.eng.RunCycle(context.Background())
	require.Len(t, rep.Exits, 1)
	ev := rep.Exits[0]
	assert.Equal(t, string(FixedStop), ev.Rule)
	assert.Contains(t, ev.Reason, "5%")
	assert.Equal(t, 940.0, ev.ExitPrice)
	assert.InDelta(t, -6000, ev.PnL, 1e-9)

	assert.False(t, h.store.Has(a.Instrument))
	assert.True(t, h.store.Has(b.Instrument))
	assert.InDelta(t, -6000, h.store.RealizedPnL(), 1e-9)
	exitAt, ok := h.store.LastExit(a.Instrument)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), exitAt)
	assert.InDelta(t, 50, rep.PortfolioPnL, 1e-9)

	require.Len(t, h.gw.closes, 1)
	assert.Equal(t, broker.Sell, h.gw.closes[0].Legs[0].Side)
	assert.Equal(t, 1, h.changes)
}

func TestCloseIsIdempotent(t *testing.T) {
	a := future("1", 1000, 100, portfolio.RiskParams{})
	h := newHarness(t, Config{}, a)
	h.price(a.Future.Contract, 1010)
	h.eng.Mark(t0)

	_, ok := h.eng.Close(context.Background(), a.Instrument, Manual, "manual")
	assert.True(t, ok)
	_, ok = h.eng.Close(context.Background(), a.Instrument, Manual, "manual")
	assert.False(t, ok)

	assert.Len(t, h.gw.closes, 1)
	assert.Len(t, h.sink.events, 1)
	assert.InDelta(t, 1000, h.store.RealizedPnL(), 1e-9)
}

func TestFailedCloseKeepsPosition(t *testing.T) {
	a := future("1", 1000, 100, portfolio.RiskParams{FixedStopPct: 5})
	h := newHarness(t, Config{}, a)
	h.price(a.Future.Contract, 900)
	ctx := context.Background()

	h.gw.closeErr = broker.ErrTimeout
	rep := h.eng.RunCycle(ctx)
	assert.Empty(t, rep.Exits)
	assert.Equal(t, 1, rep.Failed)
	assert.True(t, h.store.Has(a.Instrument))
	assert.Zero(t, h.store.RealizedPnL())

	h.gw.closeErr = nil
	h.gw.reject = "RMS: exchange closed"
	assert.Equal(t, 1, h.eng.RunCycle(ctx).Failed)

	h.gw.reject = ""
	rep = h.eng.RunCycle(ctx)
	assert.Len(t, rep.Exits, 1)
	assert.False(t, h.store.Has(a.Instrument))
}

func TestSquareOffAllIgnoresBrokerFailures(t *testing.T) {
	a := future("1", 1000, 100, portfolio.RiskParams{})
	b := spread("2", 10, 100, portfolio.RiskParams{})
	h := newHarness(t, Config{}, a, b)
	h.price(a.Future.Contract, 1010)
	h.price(b.Spread.Short.Contract, 18)
	h.price(b.Spread.Hedge.Contract, 10)
	h.eng.Mark(t0)
	h.store.SetGlobalTSL(portfolio.GlobalTSL{Active: true, Peak: 3000})
	h.gw.closeErr = errors.New("socket closed")

	events := h.eng.SquareOffAll(context.Background(), EndOfDay, "EOD square-off")
	require.Len(t, events, 2)
	assert.Equal(t, "EOD square-off", events[0].Reason)
	assert.Equal(t, 0, h.store.Len())
	assert.False(t, h.store.GlobalTSL().Active)
	// 1000 on the future, (10-8) x 100 on the spread
	assert.InDelta(t, 1200, h.store.RealizedPnL(), 1e-9)
	assert.Len(t, h.sink.events, 2)
}

func TestUnmarkedPositionIsSkipped(t *testing.T) {
	a := future("1", 1000, 100, portfolio.RiskParams{FixedStopPct: 5})
	h := newHarness(t, Config{}, a)

	rep := h.eng.RunCycle(context.Background())
	assert.Equal(t, 1, rep.Unmarked)
	assert.Empty(t, rep.Exits)
	assert.True(t, h.store.Has(a.Instrument))
}
