package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/intraday/journal"
	"github.com/rustyeddy/intraday/market"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the trade journal",
	Long: `Query and display entry and exit records from the SQLite journal.

Subcommands:
  exits   - Exits of one trading day as an Org-mode session block
  exit    - Details of a single exit by event ID
  entries - Entries of one trading day

Examples:
  trader journal exits --db ./state/journal.db --day 2024-01-15
  trader journal exit 01HQ...
  trader journal entries --day 2024-01-15`,
}

var journalExitsCmd = &cobra.Command{
	Use:   "exits",
	Short: "List exits of a trading day",
	Args:  cobra.NoArgs,
	RunE:  runJournalExits,
}

var journalExitCmd = &cobra.Command{
	Use:   "exit <event-id>",
	Short: "Get details of a single exit",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalExit,
}

var journalEntriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List entries of a trading day",
	Args:  cobra.NoArgs,
	RunE:  runJournalEntries,
}

var (
	journalDBPath string
	journalDay    string
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalExitsCmd)
	journalCmd.AddCommand(journalExitCmd)
	journalCmd.AddCommand(journalEntriesCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "./state/journal.db", "path to SQLite journal DB")
	journalCmd.PersistentFlags().StringVar(&journalDay, "day", "", "trading day YYYY-MM-DD in exchange time (default today)")
}

func runJournalExits(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	day, err := parseDay(journalDay, time.Now())
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	exits, err := j.ExitsOn(day, market.IST)
	if err != nil {
		return fmt.Errorf("query exits: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), journal.FormatDayOrg(day.Format(time.DateOnly), exits))
	return nil
}

func runJournalExit(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	e, err := j.GetExit(args[0])
	if err != nil {
		return fmt.Errorf("get exit: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), journal.FormatExitOrg(e))
	return nil
}

func runJournalEntries(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	day, err := parseDay(journalDay, time.Now())
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	entries, err := j.ListEntriesBetween(day, day.AddDate(0, 0, 1))
	if err != nil {
		return fmt.Errorf("query entries: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "* Entries %s (%d)\n", day.Format(time.DateOnly), len(entries))
	for _, e := range entries {
		dry := ""
		if e.DryRun {
			dry = " [dry-run]"
		}
		fmt.Fprintf(out, "- %s %-12s %-18s qty=%d @ %.2f score=%+.2f %s%s\n",
			e.Time.In(market.IST).Format(time.TimeOnly), e.Symbol, e.Kind, e.Quantity, e.Price, e.Score, e.Regime, dry)
	}
	return nil
}

// parseDay returns midnight of day in exchange time. An empty day means
// the trading day containing now.
func parseDay(day string, now time.Time) (time.Time, error) {
	if day == "" {
		y, m, d := now.In(market.IST).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, market.IST), nil
	}
	return time.ParseInLocation(time.DateOnly, day, market.IST)
}
