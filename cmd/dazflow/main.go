package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dazflow/dazflow/cmd/dazflow/commands"
	"github.com/dazflow/dazflow/logger"
)

var rootCmd = &cobra.Command{
	Use:   "dazflow",
	Short: "dazflow - state-based pipeline engine",
	Long: `dazflow - state-based pipeline engine.

dazflow derives work from observable state rather than tracking tasks:
each scan cycle discovers entities from source patterns, evaluates which
stages are stale, and (re)produces exactly the missing or outdated states.
Interrupt it at any point and the next scan picks up where things stand.

Available commands:
  run        - Run the engine loop in the foreground
  scan       - Scan for pending work without executing
  status     - Show pipeline progress summary
  entities   - List entities, or inspect one in detail
  retry      - Clear a failure record for immediate retry
  invalidate - Force regeneration of a stage's states

Examples:
  dazflow run -d pipeline.json            # Run the engine
  dazflow scan -d pipeline.json           # Show what would execute
  dazflow entities -d pipeline.json       # List known entities
  dazflow retry -d pipeline.json alice/2024 summary`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("definition", "d", "pipeline.json", "Path to the pipeline definition file")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.ScanCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.EntitiesCmd)
	rootCmd.AddCommand(commands.RetryCmd)
	rootCmd.AddCommand(commands.InvalidateCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
