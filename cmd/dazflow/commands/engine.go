package commands

import (
	"github.com/spf13/cobra"

	"github.com/dazflow/dazflow/config"
	"github.com/dazflow/dazflow/errors"
	"github.com/dazflow/dazflow/logger"
	"github.com/dazflow/dazflow/pipeline"
	"github.com/dazflow/dazflow/pipeline/node"
)

// engine bundles the components every command needs: configuration, the
// parsed pipeline definition, and the store/hasher/registry trio.
type engine struct {
	cfg      *config.Config
	defPath  string
	def      *pipeline.Definition
	store    *pipeline.Store
	hasher   *pipeline.CodeHasher
	registry *node.Registry
}

// loadEngine loads engine config and the pipeline definition named by the
// --definition flag, then assembles the shared components. Engine config
// supplies state root, scan interval, concurrency, and backoff when the
// definition leaves them unset.
func loadEngine(cmd *cobra.Command) (*engine, error) {
	defPath, _ := cmd.Flags().GetString("definition")

	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "loading engine configuration")
	}

	def, err := pipeline.LoadDefinitionWithDefaults(defPath, cfg.Engine)
	if err != nil {
		return nil, err
	}

	registry := node.NewRegistry()
	node.RegisterBuiltins(registry)

	store := pipeline.NewStore(def.StateRoot)
	if err := store.Init(); err != nil {
		return nil, err
	}

	return &engine{
		cfg:      cfg,
		defPath:  defPath,
		def:      def,
		store:    store,
		hasher:   pipeline.NewCodeHasher(registry),
		registry: registry,
	}, nil
}

func (e *engine) control() *pipeline.Control {
	return pipeline.NewControl(e.store, e.hasher, logger.Logger.Named("control"))
}

func (e *engine) orchestratorOptions() pipeline.OrchestratorOptions {
	return pipeline.OrchestratorOptions{
		ExecutionsPerMinute: e.cfg.Engine.ExecutionsPerMinute,
	}
}
