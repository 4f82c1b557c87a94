package journal

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// one writer; avoids SQLITE_BUSY between the loop and CLI readers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) Name() string { return "sqlite" }

func (j *SQLite) RecordEntry(e EntryEvent) error {
	_, err := j.db.Exec(`
		INSERT INTO entries
		(event_id, position_id, instrument, symbol, contract, kind, price, quantity, score, regime, margin, stop_level, dry_run, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PositionID, e.Instrument, e.Symbol, e.Contract, e.Kind, e.Price,
		e.Quantity, e.Score, e.Regime, e.Margin, e.StopLevel, e.DryRun, e.Time.UTC(),
	)
	return err
}

func (j *SQLite) RecordExit(e ExitEvent) error {
	_, err := j.db.Exec(`
		INSERT INTO exits
		(event_id, position_id, instrument, symbol, kind, quantity, entry_price, exit_price, pnl, pnl_pct, max_pnl, rule, reason, entry_time, exit_time, dry_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PositionID, e.Instrument, e.Symbol, e.Kind, e.Quantity, e.EntryPrice,
		e.ExitPrice, e.PnL, e.PnLPct, e.MaxPnL, e.Rule, e.Reason, e.EntryTime.UTC(), e.ExitTime.UTC(), e.DryRun,
	)
	return err
}

// RecordScan writes every row of the snapshot in one transaction.
func (j *SQLite) RecordScan(s ScanSnapshot) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO scans (time, instrument, symbol, score, regime, traded, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	at := s.Time.UTC()
	for _, r := range s.Rows {
		if _, err := stmt.Exec(at, r.Instrument, r.Symbol, r.Score, r.Regime, r.Traded, r.Reason); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
