package broker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rustyeddy/intraday/market"
)

type dryRunGateway struct {
	Gateway
	seq atomic.Uint64
}

// DryRun passes reads through to gw and answers placement and close calls
// locally. Results carry contract metadata and the current quote as the
// fill, with DryRun set.
func DryRun(gw Gateway) Gateway {
	return &dryRunGateway{Gateway: gw}
}

func (g *dryRunGateway) orderID() string {
	return fmt.Sprintf("DRY-%06d", g.seq.Add(1))
}

func (g *dryRunGateway) quote(ctx context.Context, inst market.Instrument) float64 {
	t, err := g.Gateway.GetLatestTick(ctx, inst)
	if err != nil {
		return 0
	}
	return t.LTP
}

func (g *dryRunGateway) PlaceFutureOrder(ctx context.Context, req FutureOrder) (OrderResult, error) {
	return OrderResult{
		OK:             true,
		OrderID:        g.orderID(),
		ContractSymbol: req.Contract.Symbol,
		LotSize:        req.Contract.LotSize,
		FillPrice:      g.quote(ctx, req.Contract.Instrument),
		DryRun:         true,
	}, nil
}

func (g *dryRunGateway) PlaceSpreadOrder(ctx context.Context, req SpreadOrder) (OrderResult, error) {
	short := g.quote(ctx, req.Short.Instrument)
	hedge := g.quote(ctx, req.Hedge.Instrument)
	return OrderResult{
		OK:             true,
		OrderID:        g.orderID(),
		ContractSymbol: req.Short.Symbol + "/" + req.Hedge.Symbol,
		LotSize:        req.Short.LotSize,
		FillPrice:      short - hedge,
		ShortFill:      short,
		HedgeFill:      hedge,
		DryRun:         true,
	}, nil
}

func (g *dryRunGateway) ClosePosition(ctx context.Context, req CloseRequest) (OrderResult, error) {
	res := OrderResult{OK: true, OrderID: g.orderID(), DryRun: true}
	if len(req.Legs) > 0 {
		res.ContractSymbol = req.Legs[0].Symbol
		res.FillPrice = g.quote(ctx, req.Legs[0].Contract)
	}
	return res, nil
}
