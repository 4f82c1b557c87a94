// Package exits decides when open positions close: a per-position rule
// chain evaluated in fixed order, and portfolio-level stops that square
// off everything at once.
package exits

import (
	"fmt"

	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/portfolio"
)

// Rule names the exit that closed a position.
type Rule string

const (
	FixedStop    Rule = "FIXED_STOP"
	ATRStop      Rule = "ATR_STOP"
	TakeProfit   Rule = "TAKE_PROFIT"
	TrailingStop Rule = "TRAILING_STOP"
	Retracement  Rule = "RETRACEMENT"
	GlobalTSL    Rule = "GLOBAL_TSL"
	HardStop     Rule = "HARD_STOP"
	HardTarget   Rule = "HARD_TARGET"
	EndOfDay     Rule = "EOD"
	Manual       Rule = "MANUAL"
)

// Decision is the outcome of running the rule chain on one position.
type Decision struct {
	Fire   bool
	Rule   Rule
	Reason string
}

// TrailFloor is the profit percent a trailing position must stay above.
// Once the peak has passed the peak-lock trigger the floor never drops
// below the lock floor.
func TrailFloor(maxProfitPct float64, r portfolio.RiskParams) float64 {
	floor := maxProfitPct - r.TrailGapPct
	if r.PeakLockTriggerPct > 0 && maxProfitPct > r.PeakLockTriggerPct && floor < r.PeakLockFloorPct {
		floor = r.PeakLockFloorPct
	}
	return floor
}

// Evaluate runs the exit chain on a marked position. The first rule that
// fires wins.
func Evaluate(p *portfolio.Position) Decision {
	r := p.Risk

	if r.FixedStopPct > 0 {
		if adverse := p.AdverseMovePct(); adverse >= r.FixedStopPct {
			return Decision{true, FixedStop, fmt.Sprintf("Fixed SL %g%% hit: %.2f%% against entry %.2f", r.FixedStopPct, adverse, p.EntryBasis())}
		}
	}

	if p.StopCrossed() {
		return Decision{true, ATRStop, fmt.Sprintf("ATR SL hit: %.2f crossed stop %.2f", p.LastPrice, p.StopLevel)}
	}

	// sideways scalps are not booked on noise; trailing and retracement still apply
	small := p.Regime == market.Sideways && p.PnL >= 0 && p.PnL < r.SidewaysMinProfit
	if !small {
		if p.Kind.IsSpread() && r.TakeProfitDecayPct > 0 && p.PnLPct >= r.TakeProfitDecayPct {
			return Decision{true, TakeProfit, fmt.Sprintf("Take profit: premium decayed %.2f%% (target %g%%)", p.PnLPct, r.TakeProfitDecayPct)}
		}
		if r.TakeProfitCash > 0 && p.PnL >= r.TakeProfitCash {
			return Decision{true, TakeProfit, fmt.Sprintf("Take profit: PnL ₹%.2f reached target ₹%.2f", p.PnL, r.TakeProfitCash)}
		}
	}

	if r.TrailActivatePct > 0 && p.MaxProfitPct > r.TrailActivatePct {
		if floor := TrailFloor(p.MaxProfitPct, r); p.PnLPct < floor {
			return Decision{true, TrailingStop, fmt.Sprintf("Trailing SL hit: profit %.2f%% below floor %.2f%% (max %.2f%%)", p.PnLPct, floor, p.MaxProfitPct)}
		}
	}

	if r.RetraceActivateCash > 0 && r.RetracePct > 0 && p.MaxPnL > r.RetraceActivateCash {
		if limit := p.MaxPnL * (1 - r.RetracePct); p.PnL < limit {
			return Decision{true, Retracement, fmt.Sprintf("Retracement: PnL ₹%.2f gave back more than %g%% of max ₹%.2f", p.PnL, r.RetracePct*100, p.MaxPnL)}
		}
	}

	return Decision{}
}
