package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// EntitiesCmd lists entities or inspects one.
var EntitiesCmd = &cobra.Command{
	Use:   "entities [entity-id]",
	Short: "List entities, or inspect one in detail",
	Long: `Without arguments, list every entity known to the pipeline. With an
entity ID, show the per-stage view: state existence, staleness, manifest
record, and any pending failure.

Example:
  dazflow entities -d pipeline.json
  dazflow entities -d pipeline.json alice/2024-01`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		eng, err := loadEngine(cmd)
		if err != nil {
			return err
		}
		control := eng.control()

		if len(args) == 0 {
			ids, err := control.ListEntities(eng.def)
			if err != nil {
				return err
			}
			if jsonOutput {
				output, err := json.MarshalIndent(ids, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(output))
				return nil
			}
			if len(ids) == 0 {
				fmt.Println("No entities discovered")
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		}

		status, err := control.GetEntity(eng.def, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			output, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(output))
			return nil
		}

		fmt.Printf("Entity: %s\n", status.EntityID)
		for _, stage := range status.Stages {
			marker := "fresh"
			if stage.Stale {
				marker = string(stage.Reason)
			}
			fmt.Printf("  %-20s exists=%-5v %s\n", stage.StageID, stage.Exists, marker)
			if stage.Failure != nil {
				fmt.Printf("    failure: %s (attempt %d, next retry %s)\n",
					stage.Failure.Error, stage.Failure.Attempts, stage.Failure.NextRetryAt)
			}
		}
		return nil
	},
}

func init() {
	EntitiesCmd.Flags().BoolP("json", "j", false, "Output as JSON")
}
