// Package broker defines the Broker Gateway and Margin Oracle the engine
// trades through, plus decorators that bound, retry and simulate calls.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rustyeddy/intraday/market"
)

var (
	// ErrTimeout is returned when a gateway call exceeds its deadline.
	ErrTimeout = errors.New("broker call timed out")
	// ErrUnavailable wraps transport failures (connection refused, bad
	// response). Retried on the next cycle.
	ErrUnavailable = errors.New("broker unavailable")
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type Gateway interface {
	GetLatestTick(ctx context.Context, inst market.Instrument) (market.Tick, error)
	GetRecentCandles(ctx context.Context, inst market.Instrument, interval time.Duration, window int) ([]market.Candle, error)
	PlaceFutureOrder(ctx context.Context, req FutureOrder) (OrderResult, error)
	PlaceSpreadOrder(ctx context.Context, req SpreadOrder) (OrderResult, error)
	ClosePosition(ctx context.Context, req CloseRequest) (OrderResult, error)
	AvailableMargin(ctx context.Context) (float64, error)
}

// MarginOracle prices the margin a proposed trade would block.
type MarginOracle interface {
	EstimateMargin(ctx context.Context, p Proposal) (float64, error)
}

type FutureOrder struct {
	Contract market.Contract
	Side     Side
	Quantity int
	Tag      string
}

// SpreadOrder sells Short and buys Hedge for the same quantity.
type SpreadOrder struct {
	Short    market.Contract
	Hedge    market.Contract
	Quantity int
	Tag      string
}

type CloseLeg struct {
	Contract market.Instrument
	Symbol   string
	Side     Side
	Quantity int
}

type CloseRequest struct {
	Legs []CloseLeg
	Tag  string
}

// OrderResult has the same shape for live and dry-run orders; only DryRun
// tells them apart. OK=false with a Reason is a broker rejection, not a
// transport error.
type OrderResult struct {
	OK             bool    `json:"ok"`
	OrderID        string  `json:"order_id"`
	ContractSymbol string  `json:"contract_symbol"`
	LotSize        int     `json:"lot_size"`
	FillPrice      float64 `json:"fill_price"`
	ShortFill      float64 `json:"short_fill,omitempty"`
	HedgeFill      float64 `json:"hedge_fill,omitempty"`
	DryRun         bool    `json:"dry_run"`
	Reason         string  `json:"reason,omitempty"`
}

type ProposalLeg struct {
	Contract market.Instrument `json:"contract"`
	Side     Side              `json:"side"`
	Quantity int               `json:"quantity"`
	Price    float64           `json:"price"`
	Strike   float64           `json:"strike,omitempty"`
}

// Proposal is a future or spread whose margin is being estimated.
type Proposal struct {
	Legs []ProposalLeg `json:"legs"`
}

// Key identifies the proposal independent of leg order.
func (p Proposal) Key() string {
	parts := make([]string, len(p.Legs))
	for i, l := range p.Legs {
		parts[i] = fmt.Sprintf("%s/%s/%d", l.Contract, l.Side, l.Quantity)
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}
