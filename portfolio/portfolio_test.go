package portfolio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/intraday/market"
)

type quotes map[market.Instrument]float64

func (q quotes) LastPrice(inst market.Instrument) (float64, bool) {
	v, ok := q[inst]
	return v, ok
}

var (
	reliance = market.NewInstrument("NSE", "2885")
	relFut   = market.NewInstrument("NFO", "5001")
	relPE    = market.NewInstrument("NFO", "6002")
	relHedge = market.NewInstrument("NFO", "6001")
	t0       = time.Date(2024, 1, 10, 10, 0, 0, 0, market.IST)
)

func futurePos(kind Kind, entry float64) *Position {
	return &Position{
		ID:         "p1",
		Instrument: reliance,
		Kind:       kind,
		EntryPrice: entry,
		EntryTime:  t0,
		LotSize:    250,
		Quantity:   250,
		Future:     &FutureLeg{Contract: relFut, Symbol: "RELIANCE24JANFUT"},
	}
}

func spreadPos() *Position {
	return &Position{
		ID:         "p2",
		Instrument: reliance,
		Kind:       PutCreditSpread,
		EntryPrice: 2527,
		EntryTime:  t0,
		LotSize:    250,
		Quantity:   500,
		Spread: &SpreadLegs{
			Short:           OptionLeg{Contract: relPE, Strike: 2520, OptionType: market.Put, EntryPremium: 30, LastPremium: 30},
			Hedge:           OptionLeg{Contract: relHedge, Strike: 2500, OptionType: market.Put, EntryPremium: 20, LastPremium: 20},
			EntryNetPremium: 10,
		},
	}
}

func TestMarkFuture(t *testing.T) {
	t.Parallel()

	long := futurePos(FutureLong, 1000)
	require.NoError(t, long.Mark(quotes{relFut: 1020}, t0))
	assert.InDelta(t, 5000, long.PnL, 1e-9)
	assert.InDelta(t, 2.0, long.PnLPct, 1e-9)
	assert.InDelta(t, 5000, long.MaxPnL, 1e-9)

	require.NoError(t, long.Mark(quotes{relFut: 990}, t0.Add(time.Minute)))
	assert.InDelta(t, -2500, long.PnL, 1e-9)
	assert.InDelta(t, 5000, long.MaxPnL, 1e-9)
	assert.InDelta(t, 2.0, long.MaxProfitPct, 1e-9)
	assert.InDelta(t, 1.0, long.AdverseMovePct(), 1e-9)

	short := futurePos(FutureShort, 1000)
	require.NoError(t, short.Mark(quotes{relFut: 990}, t0))
	assert.InDelta(t, 2500, short.PnL, 1e-9)
	assert.InDelta(t, 1.0, short.PnLPct, 1e-9)

	assert.Error(t, short.Mark(quotes{}, t0))
}

func TestMarkSpread(t *testing.T) {
	t.Parallel()

	p := spreadPos()
	require.NoError(t, p.Mark(quotes{relPE: 26, relHedge: 18}, t0))
	// net premium 8 vs entry 10
	assert.InDelta(t, 8, p.LastPrice, 1e-9)
	assert.InDelta(t, 1000, p.PnL, 1e-9)
	assert.InDelta(t, 20, p.PnLPct, 1e-9)

	assert.Error(t, p.Mark(quotes{relPE: 26}, t0))
	// failed mark leaves the last values
	assert.InDelta(t, 1000, p.PnL, 1e-9)
}

func TestStopLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 970.0, ComputeStopLevel(FutureLong, 1000, 20, 1.5))
	assert.Equal(t, 1030.0, ComputeStopLevel(FutureShort, 1000, 20, 1.5))
	assert.Equal(t, 40.0, ComputeStopLevel(PutCreditSpread, 10, 20, 1.5))
	assert.Equal(t, 0.0, ComputeStopLevel(FutureLong, 1000, 0, 1.5))

	p := futurePos(FutureLong, 1000)
	p.StopLevel = 970
	p.LastPrice = 975
	assert.False(t, p.StopCrossed())
	p.LastPrice = 970
	assert.True(t, p.StopCrossed())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, futurePos(FutureLong, 1000).Validate())
	assert.NoError(t, spreadPos().Validate())

	bad := futurePos(PutCreditSpread, 1000)
	assert.Error(t, bad.Validate())

	bad = spreadPos()
	bad.Future = &FutureLeg{}
	assert.Error(t, bad.Validate())

	bad = futurePos("STRANGLE", 1000)
	assert.Error(t, bad.Validate())
}

func TestStoreAtMostOnePerInstrument(t *testing.T) {
	t.Parallel()
	s := NewStore()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Insert(futurePos(FutureLong, 1000))
		}()
	}
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrDuplicate)
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 19, dup)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.TradeCount())
}

func TestStoreReturnsCopies(t *testing.T) {
	t.Parallel()
	s := NewStore()
	require.NoError(t, s.Insert(spreadPos()))

	p, ok := s.Get(reliance)
	require.True(t, ok)
	p.Spread.Short.LastPremium = 999

	again, _ := s.Get(reliance)
	assert.Equal(t, 30.0, again.Spread.Short.LastPremium)

	assert.True(t, s.Update(reliance, func(p *Position) { p.PnL = 42 }))
	again, _ = s.Get(reliance)
	assert.Equal(t, 42.0, again.PnL)

	assert.False(t, s.Update(market.NewInstrument("NSE", "1"), func(*Position) {}))
}

func TestStoreCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	s := NewStore()
	require.NoError(t, s.Insert(futurePos(FutureLong, 1000)))

	_, ok := s.Close(reliance, 1234.567, t0)
	assert.True(t, ok)
	_, ok = s.Close(reliance, 1234.567, t0)
	assert.False(t, ok)

	assert.Equal(t, 0, s.Len())
	assert.InDelta(t, 1234.57, s.RealizedPnL(), 1e-9)
	at, ok := s.LastExit(reliance)
	assert.True(t, ok)
	assert.Equal(t, t0, at)
}

func TestStoreCloseAll(t *testing.T) {
	t.Parallel()
	s := NewStore()

	a := futurePos(FutureLong, 1000)
	a.PnL = 100
	b := spreadPos()
	b.Instrument = market.NewInstrument("NSE", "1594")
	b.PnL = -40
	require.NoError(t, s.Insert(a))
	require.NoError(t, s.Insert(b))
	s.SetGlobalTSL(GlobalTSL{Active: true, Peak: 2000})

	closed := s.CloseAll(t0)
	require.Len(t, closed, 2)
	assert.Equal(t, "NSE:1594", closed[0].Instrument.String())
	assert.Equal(t, 0, s.Len())
	assert.InDelta(t, 60, s.RealizedPnL(), 1e-9)
	assert.Equal(t, GlobalTSL{}, s.GlobalTSL())
}

func TestStoreSnapshotRestore(t *testing.T) {
	t.Parallel()
	s := NewStore()
	require.NoError(t, s.Insert(spreadPos()))
	s.SetOpeningScore(reliance, 0.8)
	s.SetOpeningScore(reliance, 0.1)
	s.SetGlobalTSL(GlobalTSL{Active: true, Peak: 1500})
	_, _ = s.Close(market.NewInstrument("NSE", "1"), 0, t0)

	st := s.Snapshot()
	assert.Equal(t, 0.8, st.OpeningScores[reliance])

	other := NewStore()
	require.NoError(t, other.Restore(st))
	assert.Equal(t, st, other.Snapshot())

	// snapshot is detached from the store
	st.Positions[reliance].PnL = 77
	p, _ := s.Get(reliance)
	assert.Equal(t, 0.0, p.PnL)

	bad := st
	bad.Positions = map[market.Instrument]*Position{relFut: spreadPos()}
	assert.Error(t, other.Restore(bad))
}

func TestStoreResetDay(t *testing.T) {
	t.Parallel()
	s := NewStore()
	require.NoError(t, s.Insert(futurePos(FutureLong, 1000)))
	s.Close(reliance, 500, t0)
	s.SetOpeningScore(reliance, 1)

	s.ResetDay()
	assert.Equal(t, 0.0, s.RealizedPnL())
	assert.Equal(t, 0, s.TradeCount())
	_, ok := s.LastExit(reliance)
	assert.False(t, ok)
	_, ok = s.OpeningScore(reliance)
	assert.False(t, ok)
}
