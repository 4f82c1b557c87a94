package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const exitColumns = `event_id, position_id, instrument, symbol, kind, quantity, entry_price, exit_price,
	pnl, pnl_pct, max_pnl, rule, reason, entry_time, exit_time, dry_run`

type scanner interface {
	Scan(dest ...any) error
}

func scanExit(s scanner) (ExitEvent, error) {
	var e ExitEvent
	err := s.Scan(
		&e.ID,
		&e.PositionID,
		&e.Instrument,
		&e.Symbol,
		&e.Kind,
		&e.Quantity,
		&e.EntryPrice,
		&e.ExitPrice,
		&e.PnL,
		&e.PnLPct,
		&e.MaxPnL,
		&e.Rule,
		&e.Reason,
		&e.EntryTime,
		&e.ExitTime,
		&e.DryRun,
	)
	return e, err
}

// GetExit returns a single exit event by ID.
func (j *SQLite) GetExit(eventID string) (ExitEvent, error) {
	row := j.db.QueryRow(`SELECT `+exitColumns+` FROM exits WHERE event_id = ?`, eventID)
	e, err := scanExit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ExitEvent{}, fmt.Errorf("exit %q not found", eventID)
		}
		return ExitEvent{}, err
	}
	return e, nil
}

// ListExitsBetween returns exits whose exit_time is within [start, end).
func (j *SQLite) ListExitsBetween(start, end time.Time) ([]ExitEvent, error) {
	rows, err := j.db.Query(`
		SELECT `+exitColumns+`
		FROM exits
		WHERE exit_time >= ? AND exit_time < ?
		ORDER BY exit_time ASC`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExitEvent
	for rows.Next() {
		e, err := scanExit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ExitsOn returns the exits of one trading day in loc.
func (j *SQLite) ExitsOn(day time.Time, loc *time.Location) ([]ExitEvent, error) {
	y, m, d := day.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return j.ListExitsBetween(start, start.AddDate(0, 0, 1))
}

// ListEntriesBetween returns entries whose time is within [start, end).
func (j *SQLite) ListEntriesBetween(start, end time.Time) ([]EntryEvent, error) {
	rows, err := j.db.Query(`
		SELECT event_id, position_id, instrument, symbol, contract, kind, price, quantity, score, regime, margin, stop_level, dry_run, time
		FROM entries
		WHERE time >= ? AND time < ?
		ORDER BY time ASC`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EntryEvent
	for rows.Next() {
		var e EntryEvent
		if err := rows.Scan(
			&e.ID,
			&e.PositionID,
			&e.Instrument,
			&e.Symbol,
			&e.Contract,
			&e.Kind,
			&e.Price,
			&e.Quantity,
			&e.Score,
			&e.Regime,
			&e.Margin,
			&e.StopLevel,
			&e.DryRun,
			&e.Time,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Summary aggregates a set of exits.
type Summary struct {
	Trades       int
	Wins         int
	Losses       int
	NetPnL       float64
	GrossProfit  float64
	GrossLoss    float64
	WinRate      float64
	ProfitFactor float64
	ByRule       map[string]int
}

func Summarize(exits []ExitEvent) Summary {
	s := Summary{ByRule: map[string]int{}}
	for _, e := range exits {
		s.Trades++
		s.NetPnL += e.PnL
		s.ByRule[e.Rule]++
		switch {
		case e.PnL > 0:
			s.Wins++
			s.GrossProfit += e.PnL
		case e.PnL < 0:
			s.Losses++
			s.GrossLoss -= e.PnL
		}
	}
	if s.Trades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Trades)
	}
	if s.GrossLoss > 0 {
		s.ProfitFactor = s.GrossProfit / s.GrossLoss
	}
	return s
}
