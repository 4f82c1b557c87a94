package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/intraday/config"
	"github.com/rustyeddy/intraday/market"
	"github.com/rustyeddy/intraday/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or clear the persisted session",
	Long: `The session file holds open positions, cooldowns, opening scores and
the portfolio trailing stop between restarts.

Subcommands:
  show  - Print the saved session
  clear - Delete the saved session so the next run starts flat

Examples:
  trader session show -f intraday.yaml
  trader session clear --path ./state/session.json`,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the saved session",
	Args:  cobra.NoArgs,
	RunE:  runSessionShow,
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the saved session",
	Args:  cobra.NoArgs,
	RunE:  runSessionClear,
}

var (
	sessionConfigPath string
	sessionPath       string
	sessionJSON       bool
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionClearCmd)

	sessionCmd.PersistentFlags().StringVarP(&sessionConfigPath, "file", "f", "", "config file to take session.path from")
	sessionCmd.PersistentFlags().StringVar(&sessionPath, "path", "", "session file path (overrides the config)")
	sessionShowCmd.Flags().BoolVar(&sessionJSON, "json", false, "print the raw snapshot as JSON")
}

func resolveSessionPath() (string, time.Duration, error) {
	maxAge := session.DefaultMaxAge
	if sessionPath != "" {
		return sessionPath, maxAge, nil
	}
	if sessionConfigPath == "" {
		return config.Default().Session.Path, maxAge, nil
	}
	cfg, err := config.LoadFromFile(sessionConfigPath)
	if err != nil {
		return "", 0, fmt.Errorf("load config: %w", err)
	}
	return cfg.Session.Path, config.Duration(cfg.Session.MaxAge), nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	path, maxAge, err := resolveSessionPath()
	if err != nil {
		return err
	}
	p := session.New(path, maxAge, zerolog.Nop())
	snap, err := p.Read()
	out := cmd.OutOrStdout()
	if errors.Is(err, session.ErrNoSnapshot) {
		fmt.Fprintf(out, "No session at %s\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}

	if sessionJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	age := time.Since(snap.Updated()).Round(time.Second)
	fresh := "fresh"
	if age > maxAge {
		fresh = "stale, will be ignored"
	}
	fmt.Fprintf(out, "Session %s\n", path)
	fmt.Fprintf(out, "  Saved:        %s (%s ago, %s)\n", snap.Updated().In(market.IST).Format(time.DateTime), age, fresh)
	fmt.Fprintf(out, "  Realized P/L: %.2f over %d trades\n", snap.RealizedPnL, snap.TradeCount)
	fmt.Fprintf(out, "  Global TSL:   active=%t peak=%.2f\n", snap.GlobalTSLActive, snap.MaxPortfolioPnL)

	insts := make([]market.Instrument, 0, len(snap.ActivePositions))
	for inst := range snap.ActivePositions {
		insts = append(insts, inst)
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].String() < insts[j].String() })
	fmt.Fprintf(out, "  Positions:    %d\n", len(insts))
	for _, inst := range insts {
		pos := snap.ActivePositions[inst]
		fmt.Fprintf(out, "    %-12s %-18s qty=%-5d entry=%.2f last=%.2f pnl=%.2f\n",
			pos.Instrument, pos.Kind, pos.Quantity, pos.EntryPrice, pos.LastPrice, pos.PnL)
	}
	if len(snap.ExitHistory) > 0 {
		fmt.Fprintf(out, "  Cooldowns:    %d instruments\n", len(snap.ExitHistory))
	}
	return nil
}

func runSessionClear(cmd *cobra.Command, args []string) error {
	path, maxAge, err := resolveSessionPath()
	if err != nil {
		return err
	}
	if err := session.New(path, maxAge, zerolog.Nop()).Clear(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Cleared session %s\n", path)
	return nil
}
