package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RetryCmd clears a failure record so the next scan retries immediately.
var RetryCmd = &cobra.Command{
	Use:   "retry <entity-id> <stage-id>",
	Short: "Clear a failure record for immediate retry",
	Long: `Clear the failure record for an entity's stage. The next scan cycle
will retry the stage immediately instead of waiting out the backoff
interval.

Example:
  dazflow retry -d pipeline.json alice/2024-01 summary`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityID, stageID := args[0], args[1]

		eng, err := loadEngine(cmd)
		if err != nil {
			return err
		}
		if _, ok := eng.def.Stage(stageID); !ok {
			return fmt.Errorf("pipeline has no stage %q", stageID)
		}

		if err := eng.control().ForceRetry(entityID, stageID); err != nil {
			return err
		}
		fmt.Printf("Cleared failure record for %s / %s\n", entityID, stageID)
		return nil
	},
}
