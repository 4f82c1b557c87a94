package journal

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FormatExitOrg renders an ExitEvent as an Org-mode block suitable for pasting into a journal.
// Structured facts go in the PROPERTIES drawer; the Review heading is left for notes.
func FormatExitOrg(e ExitEvent) string {
	heading := fmt.Sprintf("** Exit: %s %s (%s)", e.Symbol, e.Kind, shortID(e.PositionID))

	var b strings.Builder
	b.WriteString(heading)
	b.WriteString("\n")
	b.WriteString(":PROPERTIES:\n")
	b.WriteString(fmt.Sprintf(":ID: %s\n", e.ID))
	b.WriteString(fmt.Sprintf(":POSITION_ID: %s\n", e.PositionID))
	b.WriteString(fmt.Sprintf(":INSTRUMENT: %s\n", e.Instrument))
	b.WriteString(fmt.Sprintf(":QUANTITY: %d\n", e.Quantity))
	b.WriteString(fmt.Sprintf(":ENTRY_PRICE: %.2f\n", e.EntryPrice))
	b.WriteString(fmt.Sprintf(":EXIT_PRICE: %.2f\n", e.ExitPrice))
	b.WriteString(fmt.Sprintf(":ENTRY_TIME: %s\n", e.EntryTime.Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf(":EXIT_TIME: %s\n", e.ExitTime.Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf(":PNL: %.2f\n", e.PnL))
	b.WriteString(fmt.Sprintf(":PNL_PCT: %.2f\n", e.PnLPct))
	b.WriteString(fmt.Sprintf(":MAX_PNL: %.2f\n", e.MaxPnL))
	b.WriteString(fmt.Sprintf(":RULE: %s\n", e.Rule))
	b.WriteString(fmt.Sprintf(":REASON: %s\n", e.Reason))
	if e.DryRun {
		b.WriteString(":DRY_RUN: t\n")
	}
	b.WriteString(":END:\n")
	b.WriteString("\n")
	b.WriteString("*** Review\n- \n")

	return b.String()
}

// FormatDayOrg renders a day heading with a summary table followed by every exit.
func FormatDayOrg(day string, exits []ExitEvent) string {
	s := Summarize(exits)

	var b strings.Builder
	b.WriteString(fmt.Sprintf("* Session %s\n", day))
	b.WriteString(fmt.Sprintf("- Net P/L:       *%.2f*\n", s.NetPnL))
	b.WriteString(fmt.Sprintf("- Trades:        %d (%d won, %d lost)\n", s.Trades, s.Wins, s.Losses))
	b.WriteString(fmt.Sprintf("- Win Rate:      %.2f%%\n", s.WinRate*100))
	if s.ProfitFactor != 0 {
		b.WriteString(fmt.Sprintf("- Profit Factor: %.2f\n", s.ProfitFactor))
	}

	if len(s.ByRule) > 0 {
		rules := make([]string, 0, len(s.ByRule))
		for r := range s.ByRule {
			rules = append(rules, r)
		}
		sort.Strings(rules)
		b.WriteString("\n| Rule | Exits |\n|------+-------|\n")
		for _, r := range rules {
			b.WriteString(fmt.Sprintf("| %s | %d |\n", r, s.ByRule[r]))
		}
	}

	for _, e := range exits {
		b.WriteString("\n")
		b.WriteString(FormatExitOrg(e))
	}
	return b.String()
}

func shortID(full string) string {
	if len(full) <= 8 {
		return full
	}
	return full[len(full)-8:]
}
