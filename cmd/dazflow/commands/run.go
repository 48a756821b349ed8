package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dazflow/dazflow/logger"
	"github.com/dazflow/dazflow/pipeline"
)

// RunCmd runs the engine loop in the foreground.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline engine loop",
	Long: `Run the pipeline engine loop in foreground mode.

Every scan interval the engine discovers entities from source patterns,
evaluates staleness per stage, and executes stale stages under the
configured concurrency cap. The definition file is watched for changes
and hot-reloaded between cycles.

The engine holds no in-memory progress: stopping it (Ctrl+C) and starting
it again resumes from whatever the state store says.

Example:
  dazflow run -d pipeline.json
  dazflow run -d pipeline.json --once   # Single cycle, then exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		noWatch, _ := cmd.Flags().GetBool("no-watch")

		eng, err := loadEngine(cmd)
		if err != nil {
			return err
		}

		log := logger.Logger.Named("engine")
		orchestrator := pipeline.NewOrchestrator(
			eng.store, eng.hasher, eng.registry, eng.def, log, eng.orchestratorOptions())

		if once {
			stats, err := orchestrator.RunCycle(cmd.Context(), eng.def)
			if err != nil {
				return err
			}
			fmt.Printf("Cycle complete: %d work item(s), %d succeeded, %d failed (%v)\n",
				stats.WorkItems, stats.Succeeded, stats.Failed, stats.Duration)
			return nil
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := orchestrator.Start(ctx); err != nil {
			return err
		}

		if !noWatch {
			watcher := pipeline.NewDefinitionWatcher(eng.defPath, orchestrator, eng.cfg.Engine, log)
			go func() {
				if err := watcher.Watch(ctx); err != nil {
					log.Warnw("Definition watcher stopped", "error", err)
				}
			}()
		}

		fmt.Printf("Engine running: pipeline %q, %d stage(s), scanning every %v\n",
			eng.def.Name, len(eng.def.Stages), eng.def.ScanIntervalDuration())
		fmt.Println("Press Ctrl+C to stop")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nDraining in-flight work...")
		orchestrator.Stop()
		fmt.Println("Engine stopped")
		return nil
	},
}

func init() {
	RunCmd.Flags().Bool("once", false, "Run a single scan-execute cycle and exit")
	RunCmd.Flags().Bool("no-watch", false, "Disable definition hot-reload")
}
