package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dazflow/dazflow/logger"
	"github.com/dazflow/dazflow/pipeline"
)

// ScanCmd shows pending work without executing it.
var ScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for pending work without executing",
	Long: `Scan source patterns and staleness, printing the work items the next
engine cycle would execute. Nothing is produced; source discovery is still
recorded so content changes are detectable later.

Example:
  dazflow scan -d pipeline.json
  dazflow scan -d pipeline.json --max 10 --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxItems, _ := cmd.Flags().GetInt("max")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		eng, err := loadEngine(cmd)
		if err != nil {
			return err
		}

		scanner := pipeline.NewScanner(eng.store, eng.hasher, logger.Logger.Named("scanner"))
		items, err := scanner.ScanForWork(eng.def, maxItems)
		if err != nil {
			return err
		}

		if jsonOutput {
			output, err := json.MarshalIndent(items, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(output))
			return nil
		}

		if len(items) == 0 {
			fmt.Println("No pending work - all entities up to date")
			return nil
		}
		fmt.Printf("%d pending work item(s):\n", len(items))
		for _, item := range items {
			fmt.Printf("  %-30s %-20s %s\n", item.EntityID, item.StageID, item.Reason)
		}
		return nil
	},
}

func init() {
	ScanCmd.Flags().Int("max", 0, "Cap the number of work items listed (0 = unbounded)")
	ScanCmd.Flags().BoolP("json", "j", false, "Output work items as JSON")
}
