package journal

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

var (
	entryHeader = []string{"event_id", "position_id", "instrument", "symbol", "contract", "kind", "price", "quantity", "score", "regime", "margin", "stop_level", "dry_run", "time"}
	exitHeader  = []string{"event_id", "position_id", "instrument", "symbol", "kind", "quantity", "entry_price", "exit_price", "pnl", "pnl_pct", "max_pnl", "rule", "reason", "entry_time", "exit_time", "dry_run"}
)

// CSV appends entries and exits to entries.csv and exits.csv in dir.
// Scan snapshots are not written.
type CSV struct {
	mu      sync.Mutex
	entries *csv.Writer
	exits   *csv.Writer
	ef, xf  *os.File
}

func NewCSV(dir string) (*CSV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ef, ew, err := openCSV(filepath.Join(dir, "entries.csv"), entryHeader)
	if err != nil {
		return nil, err
	}
	xf, xw, err := openCSV(filepath.Join(dir, "exits.csv"), exitHeader)
	if err != nil {
		_ = ef.Close()
		return nil, err
	}
	return &CSV{entries: ew, exits: xw, ef: ef, xf: xf}, nil
}

// openCSV opens path for append, writing header only to a new file.
func openCSV(path string, header []string) (*os.File, *csv.Writer, error) {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	st, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return nil, nil, err
	}
	w := csv.NewWriter(fh)
	if st.Size() == 0 {
		if err := w.Write(header); err != nil {
			_ = fh.Close()
			return nil, nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			_ = fh.Close()
			return nil, nil, err
		}
	}
	return fh, w, nil
}

func (j *CSV) Name() string { return "csv" }

func (j *CSV) RecordEntry(e EntryEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.entries.Write([]string{
		e.ID,
		e.PositionID,
		e.Instrument,
		e.Symbol,
		e.Contract,
		e.Kind,
		f(e.Price),
		strconv.Itoa(e.Quantity),
		f(e.Score),
		e.Regime,
		f(e.Margin),
		f(e.StopLevel),
		strconv.FormatBool(e.DryRun),
		e.Time.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	j.entries.Flush()
	return j.entries.Error()
}

func (j *CSV) RecordExit(e ExitEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.exits.Write([]string{
		e.ID,
		e.PositionID,
		e.Instrument,
		e.Symbol,
		e.Kind,
		strconv.Itoa(e.Quantity),
		f(e.EntryPrice),
		f(e.ExitPrice),
		f(e.PnL),
		f(e.PnLPct),
		f(e.MaxPnL),
		e.Rule,
		e.Reason,
		e.EntryTime.Format(time.RFC3339),
		e.ExitTime.Format(time.RFC3339),
		strconv.FormatBool(e.DryRun),
	})
	if err != nil {
		return err
	}
	j.exits.Flush()
	return j.exits.Error()
}

func (j *CSV) RecordScan(ScanSnapshot) error { return nil }

func (j *CSV) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries.Flush()
	j.exits.Flush()
	return errors.Join(j.entries.Error(), j.exits.Error(), j.ef.Close(), j.xf.Close())
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 2, 64)
}
