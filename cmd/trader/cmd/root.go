package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "Intraday position lifecycle and risk engine",
	Long: `Trader scores a fixed universe of cash-market instruments, opens
futures or credit-spread positions on the strongest signals, and manages
them to flat with a chain of exit rules and portfolio-wide stops.

It provides tools for:
  - Running the decision loop in paper or live mode
  - Generating and validating configuration files
  - Inspecting or clearing the persisted session
  - Reading the exit journal`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
