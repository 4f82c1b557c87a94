package exits

import "github.com/rustyeddy/intraday/portfolio"

// GlobalConfig is the portfolio-level trailing stop.
type GlobalConfig struct {
	Enabled    bool
	Activation float64 // portfolio PnL that arms the stop
	Retrace    float64 // fraction of the peak given back before firing, e.g. 0.2
}

// Step advances the trailing stop by one PnL observation. It returns the
// new state, whether the stop fired, and the floor in force. Once armed the
// peak only rises.
func (c GlobalConfig) Step(s portfolio.GlobalTSL, pnl float64) (portfolio.GlobalTSL, bool, float64) {
	if !c.Enabled {
		return s, false, 0
	}
	if !s.Active {
		if pnl < c.Activation {
			return s, false, 0
		}
		s = portfolio.GlobalTSL{Active: true, Peak: pnl}
	}
	if pnl > s.Peak {
		s.Peak = pnl
	}
	floor := s.Peak * (1 - c.Retrace)
	return s, pnl <= floor, floor
}
