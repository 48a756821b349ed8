package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// StatusCmd shows the pipeline progress summary.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline progress summary",
	Long: `Show aggregate pipeline progress: total entities, stages ready to run,
entities blocked on failures, and entities fully up to date.

Example:
  dazflow status -d pipeline.json
  dazflow status -d pipeline.json --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		eng, err := loadEngine(cmd)
		if err != nil {
			return err
		}

		status, err := eng.control().Status(eng.def)
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

		fmt.Printf("Pipeline: %s\n", status.Name)
		fmt.Printf("State root: %s\n", status.StateRoot)
		fmt.Printf("  Entities:  %d\n", status.Summary.TotalEntities)
		fmt.Printf("  Ready:     %d\n", status.Summary.Ready)
		fmt.Printf("  Failed:    %d\n", status.Summary.Failed)
		fmt.Printf("  Complete:  %d\n", status.Summary.Complete)
		return nil
	},
}

func init() {
	StatusCmd.Flags().BoolP("json", "j", false, "Output status as JSON")
}
