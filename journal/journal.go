// Package journal records what the engine did: entries, exits and
// throttled scan snapshots. Sinks report their own failures; Fanout keeps
// those failures away from the decision loop.
package journal

import (
	"time"

	"github.com/rustyeddy/intraday/pkg/id"
	"github.com/rustyeddy/intraday/portfolio"
)

// EntryEvent is emitted when a position opens.
type EntryEvent struct {
	ID         string
	PositionID string
	Instrument string
	Symbol     string
	Contract   string
	Kind       string
	Price      float64
	Quantity   int
	Score      float64
	Regime     string
	Margin     float64
	StopLevel  float64
	DryRun     bool
	Time       time.Time
}

// ExitEvent is emitted when a position closes.
type ExitEvent struct {
	ID         string
	PositionID string
	Instrument string
	Symbol     string
	Kind       string
	Quantity   int
	EntryPrice float64
	ExitPrice  float64
	PnL        float64
	PnLPct     float64
	MaxPnL     float64
	Rule       string
	Reason     string
	EntryTime  time.Time
	ExitTime   time.Time
	DryRun     bool
}

// ScanRow is one instrument's line in a scan snapshot.
type ScanRow struct {
	Instrument string
	Symbol     string
	Score      float64
	Regime     string
	Traded     bool
	Reason     string
}

// ScanSnapshot is the full universe ranking from one scan cycle.
type ScanSnapshot struct {
	Time time.Time
	Rows []ScanRow
}

type Sink interface {
	RecordEntry(EntryEvent) error
	RecordExit(ExitEvent) error
	RecordScan(ScanSnapshot) error
	Close() error
}

// NewEntry describes a freshly opened position.
func NewEntry(p *portfolio.Position) EntryEvent {
	ev := EntryEvent{
		ID:         id.NewAt(p.EntryTime),
		PositionID: p.ID,
		Instrument: p.Instrument.String(),
		Symbol:     p.Symbol,
		Kind:       string(p.Kind),
		Price:      p.EntryPrice,
		Quantity:   p.Quantity,
		Score:      p.Score,
		Regime:     string(p.Regime),
		Margin:     p.Margin,
		StopLevel:  p.StopLevel,
		DryRun:     p.DryRun,
		Time:       p.EntryTime,
	}
	switch {
	case p.Future != nil:
		ev.Contract = p.Future.Symbol
	case p.Spread != nil:
		ev.Contract = p.Spread.Short.Symbol + "/" + p.Spread.Hedge.Symbol
		ev.Price = p.Spread.EntryNetPremium
	}
	return ev
}

// NewExit describes a position closed by rule at the given time, valued at
// its last mark.
func NewExit(p *portfolio.Position, rule, reason string, at time.Time) ExitEvent {
	return ExitEvent{
		ID:         id.NewAt(at),
		PositionID: p.ID,
		Instrument: p.Instrument.String(),
		Symbol:     p.Symbol,
		Kind:       string(p.Kind),
		Quantity:   p.Quantity,
		EntryPrice: p.EntryBasis(),
		ExitPrice:  p.ExitPrice(),
		PnL:        p.PnL,
		PnLPct:     p.PnLPct,
		MaxPnL:     p.MaxPnL,
		Rule:       rule,
		Reason:     reason,
		EntryTime:  p.EntryTime,
		ExitTime:   at,
		DryRun:     p.DryRun,
	}
}
