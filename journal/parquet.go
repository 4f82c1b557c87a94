package journal

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
)

// ScanRecord is the Parquet schema for one scan row.
type ScanRecord struct {
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Instrument string  `parquet:"instrument"`
	Symbol     string  `parquet:"symbol"`
	Score      float64 `parquet:"score"`
	Regime     string  `parquet:"regime"`
	Traded     bool    `parquet:"traded"`
	Reason     string  `parquet:"reason"`
}

// ParquetArchive keeps one Parquet file of scan rows per trading day.
// Layout: <dir>/scans/<YYYY-MM-DD>.parquet
type ParquetArchive struct {
	dir string
	loc *time.Location

	mu   sync.Mutex
	day  string
	rows []ScanRecord
}

func NewParquetArchive(dir string, loc *time.Location) *ParquetArchive {
	if loc == nil {
		loc = time.UTC
	}
	return &ParquetArchive{dir: dir, loc: loc}
}

func (p *ParquetArchive) Name() string { return "parquet" }

// Path returns the file holding scans for the trading day of t.
func (p *ParquetArchive) Path(t time.Time) string {
	return filepath.Join(p.dir, "scans", t.In(p.loc).Format("2006-01-02")+".parquet")
}

func (p *ParquetArchive) RecordEntry(EntryEvent) error { return nil }
func (p *ParquetArchive) RecordExit(ExitEvent) error   { return nil }

// RecordScan appends the snapshot to its day's file. The first write of a
// day picks up rows already on disk from an earlier run.
func (p *ParquetArchive) RecordScan(s ScanSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.Path(s.Time)
	day := filepath.Base(path)
	if day != p.day {
		existing, err := ReadScans(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		p.day, p.rows = day, existing
	}

	ms := s.Time.UnixMilli()
	for _, r := range s.Rows {
		p.rows = append(p.rows, ScanRecord{
			Timestamp:  ms,
			Instrument: r.Instrument,
			Symbol:     r.Symbol,
			Score:      r.Score,
			Regime:     r.Regime,
			Traded:     r.Traded,
			Reason:     r.Reason,
		})
	}
	return writeParquetFile(path, p.rows)
}

func (p *ParquetArchive) Close() error { return nil }

// ReadScans loads a day file written by ParquetArchive.
func ReadScans(path string) ([]ScanRecord, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[ScanRecord](path)
}

// writeParquetFile replaces path so readers never see a half-written file.
func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
