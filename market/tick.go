package market

import (
	"errors"
	"sync"
	"time"
)

var ErrNoTick = errors.New("tick not found")

// Tick is the latest quote for an instrument. Close is the previous
// session close as reported by the exchange feed.
type Tick struct {
	Instrument Instrument
	Time       time.Time
	LTP        float64
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
}

// ChangePct is the move of LTP against the previous close, in percent.
func (t Tick) ChangePct() float64 {
	if t.Close == 0 {
		return 0
	}
	return (t.LTP - t.Close) / t.Close * 100
}

// TickStore is the shared tick cache (instrument -> latest quote).
// The decision loop is its only writer; readers may be concurrent.
type TickStore struct {
	mu    sync.RWMutex
	ticks map[Instrument]Tick
}

func NewTickStore() *TickStore {
	return &TickStore{ticks: make(map[Instrument]Tick)}
}

func (ts *TickStore) Set(t Tick) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.ticks[t.Instrument] = t
}

func (ts *TickStore) Get(inst Instrument) (Tick, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.ticks[inst]
	if !ok {
		return Tick{}, ErrNoTick
	}
	return t, nil
}

// LastPrice implements portfolio.Quotes.
func (ts *TickStore) LastPrice(inst Instrument) (float64, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.ticks[inst]
	if !ok || t.LTP <= 0 {
		return 0, false
	}
	return t.LTP, true
}

func (ts *TickStore) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.ticks)
}
