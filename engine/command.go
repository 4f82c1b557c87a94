package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/intraday/exits"
	"github.com/rustyeddy/intraday/journal"
	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/portfolio"
)

// ErrNotRunning is returned by Submit when the loop did not take the
// command before the caller's context ended.
var ErrNotRunning = errors.New("engine loop not accepting commands")

type CommandKind string

const (
	CmdFreeze    CommandKind = "freeze"
	CmdUnfreeze  CommandKind = "unfreeze"
	CmdSquareOff CommandKind = "squareoff"
	CmdClose     CommandKind = "close"
)

type Command struct {
	Kind       CommandKind
	Instrument market.Instrument // CmdClose only
	Source     string
}

// CommandResult is the loop's answer to a Command.
type CommandResult struct {
	Frozen bool                `json:"frozen"`
	Closed []journal.ExitEvent `json:"closed,omitempty"`
	Err    string              `json:"error,omitempty"`
}

type command struct {
	Command
	reply chan CommandResult
}

// Submit hands cmd to the loop goroutine and waits for the result.
func (e *Engine) Submit(ctx context.Context, cmd Command) (CommandResult, error) {
	c := command{Command: cmd, reply: make(chan CommandResult, 1)}
	select {
	case e.cmds <- c:
	case <-ctx.Done():
		return CommandResult{}, fmt.Errorf("%s: %w", cmd.Kind, ErrNotRunning)
	}
	select {
	case r := <-c.reply:
		return r, nil
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
}

func (e *Engine) handle(ctx context.Context, c command) CommandResult {
	src := c.Source
	if src == "" {
		src = "admin"
	}
	switch c.Kind {
	case CmdFreeze:
		e.SetFrozen(true, src)
	case CmdUnfreeze:
		e.SetFrozen(false, src)
	case CmdSquareOff:
		evs := e.exits.SquareOffAll(ctx, exits.Manual, "Manual square-off ("+src+")")
		return CommandResult{Frozen: e.Frozen(), Closed: evs}
	case CmdClose:
		ev, ok := e.exits.Close(ctx, c.Instrument, exits.Manual, "Manual close ("+src+")")
		if !ok {
			return CommandResult{Frozen: e.Frozen(), Err: "no open position closed for " + c.Instrument.String()}
		}
		return CommandResult{Frozen: e.Frozen(), Closed: []journal.ExitEvent{ev}}
	default:
		return CommandResult{Frozen: e.Frozen(), Err: "unknown command " + string(c.Kind)}
	}
	return CommandResult{Frozen: e.Frozen()}
}

// Status is a read-only view for the admin surface.
type Status struct {
	Time           time.Time           `json:"time"`
	Frozen         bool                `json:"frozen"`
	DryRun         bool                `json:"dry_run"`
	Strategy       string              `json:"strategy"`
	OpenPositions  int                 `json:"open_positions"`
	UnrealizedPnL  float64             `json:"unrealized_pnl"`
	RealizedPnL    float64             `json:"realized_pnl"`
	TradeCount     int                 `json:"trade_count"`
	GlobalTSL      portfolio.GlobalTSL `json:"global_tsl"`
	EntryWindow    bool                `json:"entry_window"`
	LastScan       time.Time           `json:"last_scan"`
	LastScanScored int                 `json:"last_scan_scored"`
	LastRisk       time.Time           `json:"last_risk"`
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	st := e.status
	e.mu.Unlock()

	now := e.now()
	st.Time = now
	st.Frozen = e.Frozen()
	st.DryRun = e.cfg.DryRun
	st.Strategy = string(e.cfg.Strategy)
	st.OpenPositions = e.store.Len()
	st.UnrealizedPnL = e.store.UnrealizedPnL()
	st.RealizedPnL = e.store.RealizedPnL()
	st.TradeCount = e.store.TradeCount()
	st.GlobalTSL = e.store.GlobalTSL()
	st.EntryWindow = e.InEntryWindow(now)
	return st
}

// Positions lists the open positions.
func (e *Engine) Positions() []*portfolio.Position { return e.store.Positions() }
