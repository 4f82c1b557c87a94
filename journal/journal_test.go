package journal

import (
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/portfolio"
)

var ist = market.IST

func sampleExit(id string, at time.Time, pnl float64, rule string) ExitEvent {
	return ExitEvent{
		ID:         id,
		PositionID: "01HPOS" + id,
		Instrument: "NSE:2885",
		Symbol:     "RELIANCE-EQ",
		Kind:       "FUTURE_LONG",
		Quantity:   250,
		EntryPrice: 2500,
		ExitPrice:  2500 + pnl/250,
		PnL:        pnl,
		PnLPct:     pnl / 250 / 2500 * 100,
		MaxPnL:     pnl + 100,
		Rule:       rule,
		Reason:     rule + " fired",
		EntryTime:  at.Add(-time.Hour),
		ExitTime:   at,
	}
}

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	j, err := NewSQLite(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestSQLiteSchemaCreated(t *testing.T) {
	t.Parallel()
	j := newTestSQLite(t)

	rows, err := j.db.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	require.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	require.NoError(t, rows.Err())
	assert.True(t, found["entries"])
	assert.True(t, found["exits"])
	assert.True(t, found["scans"])
}

func TestSQLiteExitRoundTrip(t *testing.T) {
	t.Parallel()
	j := newTestSQLite(t)

	at := time.Date(2024, 1, 10, 11, 5, 0, 0, ist)
	want := sampleExit("E1", at, 1250, "TRAILING_STOP")
	want.DryRun = true
	require.NoError(t, j.RecordExit(want))

	got, err := j.GetExit("E1")
	require.NoError(t, err)
	assert.Equal(t, want.PositionID, got.PositionID)
	assert.Equal(t, want.Rule, got.Rule)
	assert.Equal(t, want.Reason, got.Reason)
	assert.Equal(t, 250, got.Quantity)
	assert.InDelta(t, 1250, got.PnL, 1e-9)
	assert.True(t, got.ExitTime.Equal(at))
	assert.True(t, got.EntryTime.Equal(want.EntryTime))
	assert.True(t, got.DryRun)

	_, err = j.GetExit("missing")
	assert.ErrorContains(t, err, "not found")
}

func TestSQLiteExitsOnDay(t *testing.T) {
	t.Parallel()
	j := newTestSQLite(t)

	day := time.Date(2024, 1, 10, 0, 0, 0, 0, ist)
	// 00:30 IST is the previous UTC day; it still belongs to the 10th
	require.NoError(t, j.RecordExit(sampleExit("A", day.Add(30*time.Minute), 100, "TAKE_PROFIT")))
	require.NoError(t, j.RecordExit(sampleExit("B", day.Add(15*time.Hour+15*time.Minute), -40, "EOD")))
	require.NoError(t, j.RecordExit(sampleExit("C", day.AddDate(0, 0, 1).Add(10*time.Hour), 5, "EOD")))
	require.NoError(t, j.RecordExit(sampleExit("D", day.Add(-time.Minute), 5, "EOD")))

	exits, err := j.ExitsOn(day.Add(12*time.Hour), ist)
	require.NoError(t, err)
	require.Len(t, exits, 2)
	assert.Equal(t, "A", exits[0].ID)
	assert.Equal(t, "B", exits[1].ID)
}

func TestSQLiteEntriesAndScans(t *testing.T) {
	t.Parallel()
	j := newTestSQLite(t)
	at := time.Date(2024, 1, 10, 9, 30, 0, 0, ist)

	require.NoError(t, j.RecordEntry(EntryEvent{
		ID: "N1", PositionID: "P1", Instrument: "NSE:2885", Symbol: "RELIANCE-EQ",
		Contract: "RELIANCE24JANFUT", Kind: "FUTURE_LONG", Price: 2530, Quantity: 250,
		Score: 0.9, Regime: "trending", Margin: 126500, StopLevel: 2500, Time: at,
	}))
	entries, err := j.ListEntriesBetween(at.Add(-time.Minute), at.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "RELIANCE24JANFUT", entries[0].Contract)
	assert.False(t, entries[0].DryRun)

	require.NoError(t, j.RecordScan(ScanSnapshot{Time: at, Rows: []ScanRow{
		{Instrument: "NSE:2885", Symbol: "RELIANCE-EQ", Score: 0.9, Regime: "trending", Traded: true},
		{Instrument: "NSE:11536", Symbol: "TCS-EQ", Score: -0.2, Regime: "sideways", Reason: "below threshold"},
	}}))
	var n int
	require.NoError(t, j.db.QueryRow(`SELECT COUNT(*) FROM scans WHERE traded = 1`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSummarize(t *testing.T) {
	at := time.Date(2024, 1, 10, 10, 0, 0, 0, ist)
	s := Summarize([]ExitEvent{
		sampleExit("1", at, 300, "TAKE_PROFIT"),
		sampleExit("2", at, -100, "FIXED_STOP"),
		sampleExit("3", at, 100, "TAKE_PROFIT"),
		sampleExit("4", at, 0, "EOD"),
	})
	assert.Equal(t, 4, s.Trades)
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.InDelta(t, 300, s.NetPnL, 1e-9)
	assert.InDelta(t, 4.0, s.ProfitFactor, 1e-9)
	assert.InDelta(t, 0.5, s.WinRate, 1e-9)
	assert.Equal(t, 2, s.ByRule["TAKE_PROFIT"])

	assert.Zero(t, Summarize(nil).ProfitFactor)
}

func TestCSVAppendsAcrossReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	at := time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)

	j, err := NewCSV(dir)
	require.NoError(t, err)
	require.NoError(t, j.RecordExit(sampleExit("1", at, 300, "TAKE_PROFIT")))
	require.NoError(t, j.Close())

	j, err = NewCSV(dir)
	require.NoError(t, err)
	require.NoError(t, j.RecordExit(sampleExit("2", at, -50, "FIXED_STOP")))
	require.NoError(t, j.RecordScan(ScanSnapshot{}))
	require.NoError(t, j.Close())

	fh, err := os.Open(filepath.Join(dir, "exits.csv"))
	require.NoError(t, err)
	defer fh.Close()
	records, err := csv.NewReader(fh).ReadAll()
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, exitHeader, records[0])
	assert.Equal(t, "1", records[1][0])
	assert.Equal(t, "-50.00", records[2][8])
	assert.Equal(t, "FIXED_STOP", records[2][11])
	assert.Equal(t, "2024-01-10T10:00:00Z", records[2][14])

	header, err := os.ReadFile(filepath.Join(dir, "entries.csv"))
	require.NoError(t, err)
	assert.Equal(t, strings.Join(entryHeader, ",")+"\n", string(header))
}

func TestParquetArchiveDailyFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	morning := time.Date(2024, 1, 10, 9, 30, 0, 0, ist)
	rows := []ScanRow{
		{Instrument: "NSE:2885", Symbol: "RELIANCE-EQ", Score: 0.9, Regime: "trending", Traded: true},
		{Instrument: "NSE:11536", Symbol: "TCS-EQ", Score: 0.1, Regime: "sideways"},
	}

	a := NewParquetArchive(dir, ist)
	require.NoError(t, a.RecordScan(ScanSnapshot{Time: morning, Rows: rows}))
	require.NoError(t, a.RecordScan(ScanSnapshot{Time: morning.Add(5 * time.Minute), Rows: rows[:1]}))

	// a fresh archive on the same day keeps what is on disk
	b := NewParquetArchive(dir, ist)
	require.NoError(t, b.RecordScan(ScanSnapshot{Time: morning.Add(10 * time.Minute), Rows: rows[1:]}))
	require.NoError(t, b.RecordScan(ScanSnapshot{Time: morning.AddDate(0, 0, 1), Rows: rows}))

	got, err := ReadScans(filepath.Join(dir, "scans", "2024-01-10.parquet"))
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "RELIANCE-EQ", got[0].Symbol)
	assert.True(t, got[0].Traded)
	assert.Equal(t, morning.UnixMilli(), got[0].Timestamp)
	assert.Equal(t, "TCS-EQ", got[3].Symbol)

	next, err := ReadScans(b.Path(morning.AddDate(0, 0, 1)))
	require.NoError(t, err)
	assert.Len(t, next, 2)
}

func TestTelegramSendsAndDrains(t *testing.T) {
	var (
		mu   sync.Mutex
		msgs []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "42", r.PostForm.Get("chat_id"))
		mu.Lock()
		msgs = append(msgs, r.PostForm.Get("text"))
		mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{Token: "TOKEN", ChatID: "42", APIBase: srv.URL}, zerolog.Nop())
	at := time.Date(2024, 1, 10, 10, 0, 0, 0, ist)
	require.NoError(t, tg.RecordEntry(EntryEvent{Symbol: "RELIANCE-EQ", Kind: "FUTURE_LONG", Price: 2530, DryRun: true}))
	require.NoError(t, tg.RecordExit(sampleExit("1", at, 1200, "GLOBAL_TSL")))
	require.NoError(t, tg.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0], "ENTRY [paper] RELIANCE-EQ")
	assert.Contains(t, msgs[1], "₹1200.00")
	assert.Contains(t, msgs[1], "GLOBAL_TSL fired")

	assert.Error(t, tg.RecordExit(ExitEvent{}))
}

func TestTelegramDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{Token: "T", ChatID: "1", APIBase: srv.URL, Queue: 1}, zerolog.Nop())
	dropped := 0
	tg.OnDrop = func() { dropped++ }

	var errs int
	for i := 0; i < 5; i++ {
		if err := tg.RecordEntry(EntryEvent{Symbol: "X"}); err != nil {
			errs++
		}
	}
	// the worker holds at most one message and the queue one more
	assert.GreaterOrEqual(t, errs, 3)
	assert.Equal(t, errs, dropped)

	close(release)
	require.NoError(t, tg.Close())
}

type failingSink struct {
	name  string
	panic bool
	calls int
}

func (s *failingSink) Name() string { return s.name }
func (s *failingSink) RecordEntry(EntryEvent) error {
	s.calls++
	if s.panic {
		panic("boom")
	}
	return errors.New("disk full")
}
func (s *failingSink) RecordExit(ExitEvent) error    { s.calls++; return errors.New("disk full") }
func (s *failingSink) RecordScan(ScanSnapshot) error { s.calls++; return nil }
func (s *failingSink) Close() error                  { return errors.New("close failed") }

func TestFanoutIsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	good, err := NewCSV(dir)
	require.NoError(t, err)
	bad := &failingSink{name: "bad"}
	crashy := &failingSink{name: "crashy", panic: true}

	failures := map[string]int{}
	fan := NewFanout(zerolog.Nop(), func(s string) { failures[s]++ }, bad, crashy, good)
	assert.Equal(t, 3, fan.Len())

	at := time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)
	assert.NoError(t, fan.RecordEntry(EntryEvent{ID: "N1", Time: at}))
	assert.NoError(t, fan.RecordExit(sampleExit("X1", at, 10, "EOD")))
	assert.NoError(t, fan.RecordScan(ScanSnapshot{Time: at}))

	assert.Equal(t, 2, failures["bad"])
	assert.Equal(t, 2, failures["crashy"])
	assert.Zero(t, failures["csv"])
	assert.Equal(t, 3, bad.calls)

	err = fan.Close()
	assert.ErrorContains(t, err, "bad: close failed")

	data, err := os.ReadFile(filepath.Join(dir, "exits.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "X1")
}

func TestNewEntryAndExitFromPosition(t *testing.T) {
	at := time.Date(2024, 1, 10, 10, 0, 0, 0, ist)
	pos := &portfolio.Position{
		ID:         "P1",
		Instrument: market.NewInstrument("NSE", "2885"),
		Symbol:     "RELIANCE-EQ",
		Kind:       portfolio.PutCreditSpread,
		EntryPrice: 2527,
		EntryTime:  at,
		Quantity:   500,
		Spread: &portfolio.SpreadLegs{
			Short:           portfolio.OptionLeg{Symbol: "RELIANCE24JAN2520PE", Strike: 2520},
			Hedge:           portfolio.OptionLeg{Symbol: "RELIANCE24JAN2500PE", Strike: 2500},
			EntryNetPremium: 10,
		},
		LastPrice: 8,
		PnL:       1000,
		PnLPct:    20,
	}

	in := NewEntry(pos)
	assert.Equal(t, "NSE:2885", in.Instrument)
	assert.Equal(t, "RELIANCE24JAN2520PE/RELIANCE24JAN2500PE", in.Contract)
	assert.Equal(t, 10.0, in.Price)
	assert.Len(t, in.ID, 26)

	out := NewExit(pos, "TAKE_PROFIT", "decayed", at.Add(time.Hour))
	assert.Equal(t, 10.0, out.EntryPrice)
	assert.Equal(t, 8.0, out.ExitPrice)
	assert.Equal(t, 1000.0, out.PnL)
	assert.Equal(t, "PUT_CREDIT_SPREAD", out.Kind)
	assert.True(t, out.ExitTime.After(out.EntryTime))
}

func TestFormatDayOrg(t *testing.T) {
	at := time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)
	e := sampleExit("01HXYZABCDEFGH", at, -500, "FIXED_STOP")
	e.DryRun = true

	one := FormatExitOrg(e)
	assert.Contains(t, one, "** Exit: RELIANCE-EQ FUTURE_LONG")
	assert.Contains(t, one, ":PNL: -500.00")
	assert.Contains(t, one, ":RULE: FIXED_STOP")
	assert.Contains(t, one, ":EXIT_TIME: 2024-01-10T10:00:00Z")
	assert.Contains(t, one, ":DRY_RUN: t")
	assert.Contains(t, one, "*** Review")

	day := FormatDayOrg("2024-01-10", []ExitEvent{e, sampleExit("2", at, 700, "TAKE_PROFIT")})
	assert.Contains(t, day, "* Session 2024-01-10")
	assert.Contains(t, day, "*200.00*")
	assert.Contains(t, day, "| FIXED_STOP | 1 |")
	assert.Contains(t, day, "Profit Factor: 1.40")
	assert.Equal(t, 2, strings.Count(day, "** Exit:"))
}
