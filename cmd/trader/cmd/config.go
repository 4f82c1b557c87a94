package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/intraday/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage engine configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  trader config init -o intraday.yaml
  trader config validate -f intraday.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	Long: `Create a new paper-mode configuration file with default settings.

Example:
  trader config init -o intraday.yaml`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Check if a configuration file is valid and can be loaded. Environment
overrides and .env files are applied first, as they are for run.

Example:
  trader config validate -f intraday.yaml`,
	RunE: runConfigValidate,
}

var (
	configInitOutput   string
	configValidatePath string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "intraday.yaml", "output config file path")
	configValidateCmd.Flags().StringVarP(&configValidatePath, "file", "f", "", "path to config file (required)")
	configValidateCmd.MarkFlagRequired("file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created default configuration: %s\n", configInitOutput)
	fmt.Fprintln(out, "\nEdit the file and run with:")
	fmt.Fprintf(out, "  trader run -f %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configValidatePath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Configuration valid: %s\n", configValidatePath)
	fmt.Fprintf(out, "  Mode: %s\n", cfg.Mode)
	fmt.Fprintf(out, "  Universe: %s\n", strings.Join(cfg.Universe, ", "))
	fmt.Fprintf(out, "  Strategy: %s (%s expiry)\n", cfg.Orders.Strategy, cfg.Orders.Expiry)
	fmt.Fprintf(out, "  Entries: %s-%s, square-off %s\n", cfg.Cadence.EntryStart, cfg.Cadence.EntryStop, cfg.Cadence.EODSquareOff)
	if cfg.Broker.BridgeURL != "" {
		fmt.Fprintf(out, "  Broker: bridge %s\n", cfg.Broker.BridgeURL)
	} else {
		fmt.Fprintf(out, "  Broker: simulator (capital %.0f)\n", cfg.Sim.Capital)
	}
	return nil
}
