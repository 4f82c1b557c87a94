package market

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

var ErrContractNotFound = errors.New("contract not found")

type ContractKind string

const (
	KindEquity ContractKind = "EQ"
	KindFuture ContractKind = "FUT"
	KindOption ContractKind = "OPT"
)

type OptionType string

const (
	Call OptionType = "CE"
	Put  OptionType = "PE"
)

// ExpiryBucket selects which listed expiry a derivative is resolved against.
type ExpiryBucket string

const (
	Weekly  ExpiryBucket = "weekly"
	Monthly ExpiryBucket = "monthly"
)

const expiryLayout = "2006-01-02"

// Contract is one row of the scrip master.
type Contract struct {
	Instrument Instrument   `json:"instrument"`
	Symbol     string       `json:"symbol"`
	Name       string       `json:"name,omitempty"`
	Underlying string       `json:"underlying"`
	Kind       ContractKind `json:"kind"`
	Expiry     time.Time    `json:"expiry,omitempty"`
	Strike     float64      `json:"strike,omitempty"`
	OptionType OptionType   `json:"option_type,omitempty"`
	LotSize    int          `json:"lot_size"`
	TickSize   float64      `json:"tick_size,omitempty"`
}

// Chain is the strike ladder for one underlying and expiry.
type Chain struct {
	Underlying string
	Expiry     time.Time
	Strikes    []float64
}

// ATM returns the strike closest to spot and its index in Strikes.
func (c Chain) ATM(spot float64) (float64, int) {
	best, idx := 0.0, -1
	for i, k := range c.Strikes {
		if idx < 0 || math.Abs(k-spot) < math.Abs(best-spot) {
			best, idx = k, i
		}
	}
	return best, idx
}

// ScripMaster is the read-only contract lookup service. It is loaded once
// at startup and never mutated afterwards, so it is safe for concurrent use.
type ScripMaster struct {
	byInst  map[Instrument]Contract
	futures map[string][]Contract
	options map[string][]Contract
	equity  map[string]Contract
}

func NewScripMaster(contracts []Contract) *ScripMaster {
	sm := &ScripMaster{
		byInst:  make(map[Instrument]Contract, len(contracts)),
		futures: make(map[string][]Contract),
		options: make(map[string][]Contract),
		equity:  make(map[string]Contract),
	}
	for _, c := range contracts {
		sm.byInst[c.Instrument] = c
		u := strings.ToUpper(c.Underlying)
		switch c.Kind {
		case KindFuture:
			sm.futures[u] = append(sm.futures[u], c)
		case KindOption:
			sm.options[u] = append(sm.options[u], c)
		default:
			sm.equity[u] = c
		}
	}
	for u := range sm.futures {
		fs := sm.futures[u]
		sort.Slice(fs, func(i, j int) bool { return fs[i].Expiry.Before(fs[j].Expiry) })
	}
	return sm
}

// LoadScripMaster reads a CSV scrip master from disk.
func LoadScripMaster(path string) (*ScripMaster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scrip master: %w", err)
	}
	defer f.Close()
	return ParseScripMaster(f)
}

// ParseScripMaster parses rows of
// exchange,token,symbol,name,underlying,kind,expiry,strike,option_type,lot_size,tick_size
// with a header line.
func ParseScripMaster(r io.Reader) (*ScripMaster, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 11
	cr.TrimLeadingSpace = true

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read scrip master: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("scrip master is empty")
	}

	contracts := make([]Contract, 0, len(rows)-1)
	for n, row := range rows[1:] {
		c, err := parseContract(row)
		if err != nil {
			return nil, fmt.Errorf("scrip master line %d: %w", n+2, err)
		}
		contracts = append(contracts, c)
	}
	return NewScripMaster(contracts), nil
}

func parseContract(row []string) (Contract, error) {
	c := Contract{
		Instrument: NewInstrument(row[0], row[1]),
		Symbol:     strings.TrimSpace(row[2]),
		Name:       strings.TrimSpace(row[3]),
		Underlying: strings.ToUpper(strings.TrimSpace(row[4])),
		Kind:       ContractKind(strings.ToUpper(strings.TrimSpace(row[5]))),
		OptionType: OptionType(strings.ToUpper(strings.TrimSpace(row[8]))),
	}
	if c.Instrument.IsZero() {
		return c, errors.New("missing exchange/token")
	}
	if s := strings.TrimSpace(row[6]); s != "" {
		t, err := time.Parse(expiryLayout, s)
		if err != nil {
			return c, fmt.Errorf("expiry: %w", err)
		}
		c.Expiry = t
	}
	if s := strings.TrimSpace(row[7]); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return c, fmt.Errorf("strike: %w", err)
		}
		c.Strike = v
	}
	lot, err := strconv.Atoi(strings.TrimSpace(row[9]))
	if err != nil || lot <= 0 {
		return c, fmt.Errorf("lot_size %q must be a positive integer", row[9])
	}
	c.LotSize = lot
	if s := strings.TrimSpace(row[10]); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return c, fmt.Errorf("tick_size: %w", err)
		}
		c.TickSize = v
	}
	switch c.Kind {
	case KindEquity, KindFuture:
	case KindOption:
		if c.OptionType != Call && c.OptionType != Put {
			return c, fmt.Errorf("option_type %q must be CE or PE", row[8])
		}
	default:
		return c, fmt.Errorf("unknown kind %q", row[5])
	}
	return c, nil
}

func (sm *ScripMaster) Contract(inst Instrument) (Contract, bool) {
	c, ok := sm.byInst[inst]
	return c, ok
}

// Symbol maps an instrument to its trading symbol.
func (sm *ScripMaster) Symbol(inst Instrument) string {
	if c, ok := sm.byInst[inst]; ok {
		return c.Symbol
	}
	return inst.String()
}

// Underlying returns the derivative underlying name for an instrument.
func (sm *ScripMaster) Underlying(inst Instrument) (string, bool) {
	c, ok := sm.byInst[inst]
	if !ok {
		return "", false
	}
	if c.Underlying != "" {
		return c.Underlying, true
	}
	return strings.ToUpper(c.Symbol), true
}

// NearestFuture returns the earliest unexpired future for underlying.
func (sm *ScripMaster) NearestFuture(underlying string, now time.Time) (Contract, error) {
	today := dateOf(now)
	for _, c := range sm.futures[strings.ToUpper(underlying)] {
		if !c.Expiry.Before(today) {
			return c, nil
		}
	}
	return Contract{}, fmt.Errorf("future for %s: %w", underlying, ErrContractNotFound)
}

// Expiries lists unexpired option expiries for underlying, ascending.
func (sm *ScripMaster) Expiries(underlying string, now time.Time) []time.Time {
	today := dateOf(now)
	seen := map[time.Time]bool{}
	var out []time.Time
	for _, c := range sm.options[strings.ToUpper(underlying)] {
		if c.Expiry.Before(today) || seen[c.Expiry] {
			continue
		}
		seen[c.Expiry] = true
		out = append(out, c.Expiry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Chain resolves the strike ladder for the expiry selected by bucket.
// Weekly is the nearest expiry; monthly is the last expiry of the month
// containing the nearest expiry.
func (sm *ScripMaster) Chain(underlying string, bucket ExpiryBucket, now time.Time) (Chain, error) {
	exps := sm.Expiries(underlying, now)
	if len(exps) == 0 {
		return Chain{}, fmt.Errorf("option chain for %s: %w", underlying, ErrContractNotFound)
	}

	expiry := exps[0]
	if bucket == Monthly {
		for _, e := range exps[1:] {
			if e.Year() == expiry.Year() && e.Month() == expiry.Month() {
				expiry = e
			}
		}
	}

	seen := map[float64]bool{}
	var strikes []float64
	for _, c := range sm.options[strings.ToUpper(underlying)] {
		if c.Expiry.Equal(expiry) && !seen[c.Strike] {
			seen[c.Strike] = true
			strikes = append(strikes, c.Strike)
		}
	}
	sort.Float64s(strikes)
	return Chain{Underlying: strings.ToUpper(underlying), Expiry: expiry, Strikes: strikes}, nil
}

// Option returns the listed option contract for the exact expiry, strike and type.
func (sm *ScripMaster) Option(underlying string, expiry time.Time, strike float64, ot OptionType) (Contract, error) {
	for _, c := range sm.options[strings.ToUpper(underlying)] {
		if c.Expiry.Equal(expiry) && c.Strike == strike && c.OptionType == ot {
			return c, nil
		}
	}
	return Contract{}, fmt.Errorf("%s %s %.2f %s: %w", underlying, expiry.Format(expiryLayout), strike, ot, ErrContractNotFound)
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
