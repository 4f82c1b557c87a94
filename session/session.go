// Package session persists the position store between process restarts.
//
// The snapshot is one JSON file replaced atomically on every save. A
// snapshot older than the freshness window is ignored, and a file that
// cannot be decoded is renamed aside for inspection.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/portfolio"
)

const DefaultMaxAge = 30 * time.Minute

var (
	ErrNoSnapshot = errors.New("no session snapshot")
	ErrStale      = errors.New("session snapshot is stale")
	ErrCorrupt    = errors.New("session snapshot is corrupt")
)

// Snapshot is the on-disk form of portfolio.State.
type Snapshot struct {
	LastUpdated     int64                                     `json:"last_updated"`
	ActivePositions map[market.Instrument]*portfolio.Position `json:"active_positions"`
	ExitHistory     map[market.Instrument]time.Time           `json:"exit_history"`
	OpeningScores   map[market.Instrument]float64             `json:"opening_scores"`
	MaxPortfolioPnL float64                                   `json:"max_portfolio_pnl"`
	GlobalTSLActive bool                                      `json:"global_tsl_active"`
	RealizedPnL     float64                                   `json:"realized_pnl"`
	TradeCount      int                                       `json:"trade_count"`
}

func Encode(st portfolio.State, at time.Time) Snapshot {
	return Snapshot{
		LastUpdated:     at.Unix(),
		ActivePositions: st.Positions,
		ExitHistory:     st.ExitHistory,
		OpeningScores:   st.OpeningScores,
		MaxPortfolioPnL: st.GlobalTSL.Peak,
		GlobalTSLActive: st.GlobalTSL.Active,
		RealizedPnL:     st.RealizedPnL,
		TradeCount:      st.TradeCount,
	}
}

// State converts the snapshot back; missing maps come back empty.
func (s Snapshot) State() portfolio.State {
	st := portfolio.State{
		Positions:     s.ActivePositions,
		ExitHistory:   s.ExitHistory,
		OpeningScores: s.OpeningScores,
		GlobalTSL:     portfolio.GlobalTSL{Active: s.GlobalTSLActive, Peak: s.MaxPortfolioPnL},
		RealizedPnL:   s.RealizedPnL,
		TradeCount:    s.TradeCount,
	}
	if st.Positions == nil {
		st.Positions = map[market.Instrument]*portfolio.Position{}
	}
	if st.ExitHistory == nil {
		st.ExitHistory = map[market.Instrument]time.Time{}
	}
	if st.OpeningScores == nil {
		st.OpeningScores = map[market.Instrument]float64{}
	}
	return st
}

// Updated is the save time recorded in the snapshot.
func (s Snapshot) Updated() time.Time { return time.Unix(s.LastUpdated, 0) }

type Persister struct {
	path   string
	maxAge time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

func New(path string, maxAge time.Duration, log zerolog.Logger) *Persister {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Persister{path: path, maxAge: maxAge, now: time.Now, log: log}
}

func (p *Persister) Path() string { return p.path }

// SetClock replaces the time source used for stamping and staleness.
func (p *Persister) SetClock(now func() time.Time) { p.now = now }

// Save writes st over the live snapshot. A crash mid-write leaves the
// previous snapshot intact.
func (p *Persister) Save(st portfolio.State) error {
	data, err := json.MarshalIndent(Encode(st, p.now()), "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(p.path, data, 0o600); err != nil {
		return fmt.Errorf("save session %s: %w", p.path, err)
	}
	return nil
}

// Read decodes the snapshot without any freshness check. A file that does
// not decode is quarantined and ErrCorrupt returned.
func (p *Persister) Read() (Snapshot, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		moved, qerr := p.Quarantine()
		if qerr != nil {
			p.log.Error().Err(qerr).Msg("could not quarantine corrupt session")
		}
		return Snapshot{}, fmt.Errorf("%w: %v (moved to %s)", ErrCorrupt, err, moved)
	}
	return snap, nil
}

// Load returns the saved state if the snapshot is fresh. ErrNoSnapshot,
// ErrStale and ErrCorrupt all mean start cold.
func (p *Persister) Load() (portfolio.State, error) {
	snap, err := p.Read()
	if err != nil {
		return portfolio.State{}, err
	}
	age := p.now().Sub(snap.Updated())
	if age > p.maxAge {
		return portfolio.State{}, fmt.Errorf("%w: saved %s ago", ErrStale, age.Round(time.Second))
	}
	return snap.State(), nil
}

// Quarantine renames the live snapshot aside and returns the new path.
func (p *Persister) Quarantine() (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%s", p.path, p.now().Format("20060102T150405"))
	if err := os.Rename(p.path, dst); err != nil {
		return "", err
	}
	p.log.Warn().Str("path", dst).Msg("session snapshot quarantined")
	return dst, nil
}

// Clear removes the snapshot. A missing file is not an error.
func (p *Persister) Clear() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	// best-effort fsync of the directory entry
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
