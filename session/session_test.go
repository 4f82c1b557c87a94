package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/portfolio"
)

var (
	reliance = market.NewInstrument("NSE", "2885")
	infy     = market.NewInstrument("NSE", "1594")
	saved    = time.Date(2024, 1, 10, 5, 0, 0, 0, time.UTC)
)

func sampleState() portfolio.State {
	fut := &portfolio.Position{
		ID:         "01HQ0000000000000000000000",
		Instrument: reliance,
		Symbol:     "RELIANCE-EQ",
		Kind:       portfolio.FutureLong,
		EntryPrice: 2530,
		EntryTime:  saved.Add(-time.Hour),
		LotSize:    250,
		Quantity:   250,
		Future:     &portfolio.FutureLeg{Contract: market.NewInstrument("NFO", "5001"), Symbol: "RELIANCE24JANFUT", Expiry: time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)},
		Score:      0.82,
		Regime:     market.Trending,
		EntryATR:   20,
		StopLevel:  2500,
		Margin:     126500,
		Risk:       portfolio.RiskParams{FixedStopPct: 5, ATRMultiplier: 1.5, TrailActivatePct: 1.5, TrailGapPct: 0.75},
		LastPrice:  2541.35,
		PnL:        2837.5,
		PnLPct:     0.4486,
		MaxPnL:     3100,
		UpdatedAt:  saved,
	}
	spread := &portfolio.Position{
		ID:         "01HQ0000000000000000000001",
		Instrument: infy,
		Symbol:     "INFY-EQ",
		Kind:       portfolio.CallCreditSpread,
		EntryPrice: 1650,
		EntryTime:  saved.Add(-30 * time.Minute),
		LotSize:    400,
		Quantity:   800,
		Spread: &portfolio.SpreadLegs{
			Short:           portfolio.OptionLeg{Contract: market.NewInstrument("NFO", "7001"), Symbol: "INFY24JAN1650CE", Strike: 1650, OptionType: market.Call, EntryPremium: 31.5, LastPremium: 29},
			Hedge:           portfolio.OptionLeg{Contract: market.NewInstrument("NFO", "7002"), Symbol: "INFY24JAN1700CE", Strike: 1700, OptionType: market.Call, EntryPremium: 12.25, LastPremium: 11},
			Expiry:          time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC),
			EntryNetPremium: 19.25,
		},
		Regime: market.Sideways,
		DryRun: true,
	}
	return portfolio.State{
		Positions:     map[market.Instrument]*portfolio.Position{reliance: fut, infy: spread},
		ExitHistory:   map[market.Instrument]time.Time{market.NewInstrument("NSE", "11536"): saved.Add(-10 * time.Minute)},
		OpeningScores: map[market.Instrument]float64{reliance: 0.4, infy: -0.65},
		GlobalTSL:     portfolio.GlobalTSL{Active: true, Peak: 4200.5},
		RealizedPnL:   -812.25,
		TradeCount:    5,
	}
}

func newPersister(t *testing.T, now time.Time) *Persister {
	t.Helper()
	p := New(filepath.Join(t.TempDir(), "state", "session.json"), 0, zerolog.Nop())
	p.SetClock(func() time.Time { return now })
	return p
}

func TestRoundTrip(t *testing.T) {
	p := newPersister(t, saved)
	want := sampleState()
	require.NoError(t, p.Save(want))

	p.SetClock(func() time.Time { return saved.Add(29 * time.Minute) })
	got, err := p.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// and it restores into a store cleanly
	st := portfolio.NewStore()
	require.NoError(t, st.Restore(got))
	assert.Equal(t, 2, st.Len())
	assert.Equal(t, 5, st.TradeCount())
}

func TestSnapshotKeys(t *testing.T) {
	p := newPersister(t, saved)
	require.NoError(t, p.Save(sampleState()))

	data, err := os.ReadFile(p.Path())
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))

	for _, k := range []string{"last_updated", "active_positions", "exit_history", "opening_scores",
		"max_portfolio_pnl", "global_tsl_active", "realized_pnl", "trade_count"} {
		assert.Contains(t, raw, k)
	}
	assert.Equal(t, "1704862800", string(raw["last_updated"]))
	assert.Contains(t, string(raw["active_positions"]), `"NSE:2885"`)
	assert.Contains(t, string(raw["exit_history"]), `"2024-01-10T04:50:00Z"`)
}

func TestStaleSnapshotIgnored(t *testing.T) {
	p := newPersister(t, saved)
	require.NoError(t, p.Save(sampleState()))

	p.SetClock(func() time.Time { return saved.Add(31 * time.Minute) })
	_, err := p.Load()
	assert.ErrorIs(t, err, ErrStale)

	// the file is left alone; Read still sees it
	snap, err := p.Read()
	require.NoError(t, err)
	assert.Len(t, snap.ActivePositions, 2)
}

func TestCorruptSnapshotQuarantined(t *testing.T) {
	p := newPersister(t, saved)
	require.NoError(t, os.MkdirAll(filepath.Dir(p.Path()), 0o755))
	require.NoError(t, os.WriteFile(p.Path(), []byte(`{"last_updated": 17048`), 0o600))

	_, err := p.Load()
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = os.Stat(p.Path())
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(filepath.Dir(p.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "session.json.corrupt-"))

	// next start is simply cold
	_, err = p.Load()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestSaveReplacesAtomically(t *testing.T) {
	p := newPersister(t, saved)
	require.NoError(t, p.Save(sampleState()))

	empty := portfolio.NewStore().Snapshot()
	require.NoError(t, p.Save(empty))

	got, err := p.Load()
	require.NoError(t, err)
	assert.Empty(t, got.Positions)
	assert.NotNil(t, got.ExitHistory)

	entries, err := os.ReadDir(filepath.Dir(p.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	info, err := os.Stat(p.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestClear(t *testing.T) {
	p := newPersister(t, saved)
	require.NoError(t, p.Clear())
	require.NoError(t, p.Save(sampleState()))
	require.NoError(t, p.Clear())
	_, err := p.Load()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestSnapshotStateFillsMaps(t *testing.T) {
	st := Snapshot{MaxPortfolioPnL: 10, GlobalTSLActive: true}.State()
	assert.NotNil(t, st.Positions)
	assert.NotNil(t, st.OpeningScores)
	assert.Equal(t, portfolio.GlobalTSL{Active: true, Peak: 10}, st.GlobalTSL)
}
