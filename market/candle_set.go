package market

import (
	"sync"
	"time"
)

// CandleSet builds fixed-interval intraday candles from a tick stream, one
// rolling series per instrument. Buckets are aligned to unix time, so any
// interval that divides 30 minutes lines up with the exchange session.
type CandleSet struct {
	mu       sync.Mutex
	interval int64 // seconds
	max      int
	series   map[Instrument]*series
}

type series struct {
	bars    []Candle
	lastVol float64 // cumulative session volume at the previous tick
}

// NewCandleSet keeps at most max candles per instrument. A max below 1
// keeps everything.
func NewCandleSet(interval time.Duration, max int) *CandleSet {
	sec := int64(interval / time.Second)
	if sec < 1 {
		sec = 60
	}
	return &CandleSet{interval: sec, max: max, series: make(map[Instrument]*series)}
}

func (cs *CandleSet) Interval() time.Duration {
	return time.Duration(cs.interval) * time.Second
}

// Add folds t into its bucket. Ticks without a price or time, and ticks
// older than the current bucket, are ignored. Volume is the change in the
// tick's cumulative session volume.
func (cs *CandleSet) Add(t Tick) {
	if t.LTP <= 0 || t.Time.IsZero() {
		return
	}
	start := (t.Time.Unix() / cs.interval) * cs.interval

	cs.mu.Lock()
	defer cs.mu.Unlock()

	s := cs.series[t.Instrument]
	if s == nil {
		s = &series{}
		cs.series[t.Instrument] = s
	}

	dv := 0.0
	if s.lastVol > 0 && t.Volume >= s.lastVol {
		dv = t.Volume - s.lastVol
	}
	if t.Volume > 0 {
		s.lastVol = t.Volume
	}

	n := len(s.bars)
	if n > 0 {
		cur := s.bars[n-1].Time.Unix()
		switch {
		case start < cur:
			return
		case start == cur:
			bar := &s.bars[n-1]
			if t.LTP > bar.High {
				bar.High = t.LTP
			}
			if t.LTP < bar.Low {
				bar.Low = t.LTP
			}
			bar.Close = t.LTP
			bar.Volume += dv
			return
		}
	}

	s.bars = append(s.bars, Candle{
		Time:   time.Unix(start, 0).In(t.Time.Location()),
		Open:   t.LTP,
		High:   t.LTP,
		Low:    t.LTP,
		Close:  t.LTP,
		Volume: dv,
	})
	if cs.max > 0 && len(s.bars) > cs.max {
		s.bars = append(s.bars[:0:0], s.bars[len(s.bars)-cs.max:]...)
	}
}

// Recent returns a copy of at most the last window candles for inst, the
// newest possibly still forming.
func (cs *CandleSet) Recent(inst Instrument, window int) []Candle {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	s := cs.series[inst]
	if s == nil {
		return nil
	}
	return append([]Candle(nil), Tail(s.bars, window)...)
}

func (cs *CandleSet) Len(inst Instrument) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if s := cs.series[inst]; s != nil {
		return len(s.bars)
	}
	return 0
}

// Reset drops every series. Called at the day boundary.
func (cs *CandleSet) Reset() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.series = make(map[Instrument]*series)
}
