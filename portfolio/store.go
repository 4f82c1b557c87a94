package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/intraday/market"
)

var ErrDuplicate = errors.New("position already open for instrument")

// GlobalTSL is the portfolio-level trailing stop state.
type GlobalTSL struct {
	Active bool    `json:"active"`
	Peak   float64 `json:"peak"`
}

// State is a point-in-time copy of everything the Store owns.
type State struct {
	Positions     map[market.Instrument]*Position
	ExitHistory   map[market.Instrument]time.Time
	OpeningScores map[market.Instrument]float64
	GlobalTSL     GlobalTSL
	RealizedPnL   float64
	TradeCount    int
}

// Store is the single owner of open positions and portfolio state. All
// access goes through its methods under one lock; callers only ever see
// copies.
type Store struct {
	mu sync.Mutex

	positions map[market.Instrument]*Position
	exits     map[market.Instrument]time.Time
	opening   map[market.Instrument]float64
	gtsl      GlobalTSL
	realized  decimal.Decimal
	trades    int
}

func NewStore() *Store {
	return &Store{
		positions: make(map[market.Instrument]*Position),
		exits:     make(map[market.Instrument]time.Time),
		opening:   make(map[market.Instrument]float64),
	}
}

// Insert adds p if no position is open for its instrument.
func (s *Store) Insert(p *Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.Instrument]; ok {
		return fmt.Errorf("%s: %w", p.Instrument, ErrDuplicate)
	}
	s.positions[p.Instrument] = p.Clone()
	s.trades++
	return nil
}

func (s *Store) Has(inst market.Instrument) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.positions[inst]
	return ok
}

func (s *Store) Get(inst market.Instrument) (*Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[inst]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Update applies fn to the stored position in place. It returns false if
// no position is open for inst.
func (s *Store) Update(inst market.Instrument, fn func(p *Position)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[inst]
	if !ok {
		return false
	}
	fn(p)
	return true
}

// Close removes the position, books pnl into the realized ledger and
// stamps the exit cooldown in one step. Closing an absent position is a
// no-op and returns false.
func (s *Store) Close(inst market.Instrument, pnl float64, at time.Time) (*Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[inst]
	if !ok {
		return nil, false
	}
	delete(s.positions, inst)
	s.book(inst, pnl, at)
	return p, true
}

// CloseAll removes every position, booking each one's current PnL, and
// resets the global trailing stop. Positions are returned in instrument
// order.
func (s *Store) CloseAll(at time.Time) []*Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Position, 0, len(s.positions))
	for inst, p := range s.positions {
		s.book(inst, p.PnL, at)
		out = append(out, p)
	}
	s.positions = make(map[market.Instrument]*Position)
	s.gtsl = GlobalTSL{}
	sortPositions(out)
	return out
}

func (s *Store) book(inst market.Instrument, pnl float64, at time.Time) {
	s.realized = s.realized.Add(decimal.NewFromFloat(pnl).Round(2))
	s.exits[inst] = at
}

// Positions returns copies of all open positions in instrument order.
func (s *Store) Positions() []*Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	sortPositions(out)
	return out
}

func sortPositions(ps []*Position) {
	sort.Slice(ps, func(i, j int) bool {
		return ps[i].Instrument.String() < ps[j].Instrument.String()
	})
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions)
}

// CommittedMargin is the margin blocked by open positions.
func (s *Store) CommittedMargin() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var m float64
	for _, p := range s.positions {
		m += p.Margin
	}
	return m
}

// UnrealizedPnL sums the last marked PnL of open positions.
func (s *Store) UnrealizedPnL() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, p := range s.positions {
		sum += p.PnL
	}
	return sum
}

func (s *Store) LastExit(inst market.Instrument) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.exits[inst]
	return t, ok
}

// SetOpeningScore records the first score seen today for inst. Later
// calls are ignored.
func (s *Store) SetOpeningScore(inst market.Instrument, score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.opening[inst]; !ok {
		s.opening[inst] = score
	}
}

func (s *Store) OpeningScore(inst market.Instrument) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.opening[inst]
	return v, ok
}

func (s *Store) GlobalTSL() GlobalTSL {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gtsl
}

func (s *Store) SetGlobalTSL(g GlobalTSL) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gtsl = g
}

func (s *Store) RealizedPnL() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realized.InexactFloat64()
}

func (s *Store) TradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades
}

// Snapshot returns a deep copy of the full state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Positions:     make(map[market.Instrument]*Position, len(s.positions)),
		ExitHistory:   make(map[market.Instrument]time.Time, len(s.exits)),
		OpeningScores: make(map[market.Instrument]float64, len(s.opening)),
		GlobalTSL:     s.gtsl,
		RealizedPnL:   s.realized.InexactFloat64(),
		TradeCount:    s.trades,
	}
	for k, p := range s.positions {
		st.Positions[k] = p.Clone()
	}
	for k, v := range s.exits {
		st.ExitHistory[k] = v
	}
	for k, v := range s.opening {
		st.OpeningScores[k] = v
	}
	return st
}

// Restore replaces the store contents with st.
func (s *Store) Restore(st State) error {
	positions := make(map[market.Instrument]*Position, len(st.Positions))
	for k, p := range st.Positions {
		if p == nil {
			continue
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("restore %s: %w", k, err)
		}
		if p.Instrument != k {
			return fmt.Errorf("restore %s: keyed under wrong instrument %s", k, p.Instrument)
		}
		positions[k] = p.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = positions
	s.exits = make(map[market.Instrument]time.Time, len(st.ExitHistory))
	for k, v := range st.ExitHistory {
		s.exits[k] = v
	}
	s.opening = make(map[market.Instrument]float64, len(st.OpeningScores))
	for k, v := range st.OpeningScores {
		s.opening[k] = v
	}
	s.gtsl = st.GlobalTSL
	s.realized = decimal.NewFromFloat(st.RealizedPnL).Round(2)
	s.trades = st.TradeCount
	return nil
}

// ResetDay clears the day's bookkeeping after the end-of-day square-off.
// Open positions, if any, are kept.
func (s *Store) ResetDay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exits = make(map[market.Instrument]time.Time)
	s.opening = make(map[market.Instrument]float64)
	s.gtsl = GlobalTSL{}
	s.realized = decimal.Zero
	s.trades = 0
}
