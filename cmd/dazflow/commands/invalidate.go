package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// InvalidateCmd forces regeneration of a stage's states.
var InvalidateCmd = &cobra.Command{
	Use:   "invalidate <stage-id> [entity-id]",
	Short: "Force regeneration of a stage's states",
	Long: `Clear the manifest entries for a stage so the next scan treats its
states as missing and regenerates them. Content files stay on disk until
overwritten. Downstream stages regenerate automatically through
input-hash staleness.

Without an entity ID the stage is invalidated for every entity.

Example:
  dazflow invalidate -d pipeline.json summary alice/2024-01
  dazflow invalidate -d pipeline.json summary    # all entities`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		stageID := args[0]
		entityID := ""
		if len(args) == 2 {
			entityID = args[1]
		}

		eng, err := loadEngine(cmd)
		if err != nil {
			return err
		}
		if _, ok := eng.def.Stage(stageID); !ok {
			return fmt.Errorf("pipeline has no stage %q", stageID)
		}

		if err := eng.control().Invalidate(stageID, entityID); err != nil {
			return err
		}
		if entityID == "" {
			fmt.Printf("Invalidated stage %s for all entities\n", stageID)
		} else {
			fmt.Printf("Invalidated stage %s for %s\n", stageID, entityID)
		}
		return nil
	},
}
