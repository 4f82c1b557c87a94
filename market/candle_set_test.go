package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tickAt(inst Instrument, at time.Time, ltp, vol float64) Tick {
	return Tick{Instrument: inst, Time: at, LTP: ltp, Volume: vol}
}

func TestCandleSetBuildsBars(t *testing.T) {
	inst := NewInstrument("NSE", "2885")
	open := time.Date(2024, 1, 10, 9, 15, 0, 0, IST)
	cs := NewCandleSet(5*time.Minute, 0)

	cs.Add(tickAt(inst, open.Add(10*time.Second), 2500, 1000))
	cs.Add(tickAt(inst, open.Add(time.Minute), 2512, 1400))
	cs.Add(tickAt(inst, open.Add(2*time.Minute), 2495, 1500))
	cs.Add(tickAt(inst, open.Add(4*time.Minute+59*time.Second), 2505, 1750))
	cs.Add(tickAt(inst, open.Add(5*time.Minute), 2507, 1800))

	bars := cs.Recent(inst, 10)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Time.Equal(open), "buckets align to the session open")
	assert.Equal(t, Candle{Time: bars[0].Time, Open: 2500, High: 2512, Low: 2495, Close: 2505, Volume: 750}, bars[0])
	assert.Equal(t, 2507.0, bars[1].Open)
	assert.Equal(t, 50.0, bars[1].Volume)
	assert.Equal(t, IST, bars[0].Time.Location())
}

func TestCandleSetIgnoresLateAndEmptyTicks(t *testing.T) {
	inst := NewInstrument("NSE", "2885")
	at := time.Date(2024, 1, 10, 10, 0, 0, 0, IST)
	cs := NewCandleSet(time.Minute, 0)

	cs.Add(tickAt(inst, at.Add(2*time.Minute), 100, 0))
	cs.Add(tickAt(inst, at, 90, 0))
	cs.Add(Tick{Instrument: inst, Time: at.Add(2 * time.Minute), LTP: 0})
	cs.Add(Tick{Instrument: inst, LTP: 120})

	bars := cs.Recent(inst, 0)
	require.Len(t, bars, 1)
	assert.Equal(t, 100.0, bars[0].High)
	assert.Equal(t, 100.0, bars[0].Low)
}

func TestCandleSetBoundedAndReset(t *testing.T) {
	inst := NewInstrument("NSE", "11536")
	at := time.Date(2024, 1, 10, 10, 0, 0, 0, IST)
	cs := NewCandleSet(time.Minute, 3)

	for i := 0; i < 5; i++ {
		cs.Add(tickAt(inst, at.Add(time.Duration(i)*time.Minute), 3700+float64(i), 0))
	}
	assert.Equal(t, 3, cs.Len(inst))
	bars := cs.Recent(inst, 2)
	require.Len(t, bars, 2)
	assert.Equal(t, 3704.0, bars[1].Close)

	// the copy is detached
	bars[1].Close = 0
	assert.Equal(t, 3704.0, cs.Recent(inst, 1)[0].Close)

	assert.Nil(t, cs.Recent(NewInstrument("NSE", "1"), 5))
	cs.Reset()
	assert.Zero(t, cs.Len(inst))
	assert.Equal(t, time.Minute, cs.Interval())
}
