package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dazflow/dazflow/errors"
)

// CycleStats summarizes one scan-execute cycle.
type CycleStats struct {
	CycleID   string        `json:"cycle_id"`
	WorkItems int           `json:"work_items"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

// OrchestratorOptions tunes engine behavior beyond what the pipeline
// definition carries.
type OrchestratorOptions struct {
	// ExecutionsPerMinute rate-limits stage executions across cycles.
	// 0 disables rate limiting.
	ExecutionsPerMinute int

	// MaxItemsPerCycle caps the work list per cycle. 0 means unbounded.
	MaxItemsPerCycle int
}

// Orchestrator drives the engine loop: every scan interval it scans for
// work and executes the resulting items under a concurrency cap. A cycle
// drains completely before the next one starts, so a slow cycle delays the
// next scan rather than overlapping it.
//
// The orchestrator itself holds no progress state. Stopping and restarting
// it (or crashing mid-cycle) is safe: the next scan re-derives all pending
// work from the state store.
type Orchestrator struct {
	store    *Store
	scanner  *Scanner
	executor *StageExecutor
	hasher   *CodeHasher
	log      *zap.SugaredLogger
	opts     OrchestratorOptions
	limiter  *rate.Limiter

	defMu sync.RWMutex
	def   *Definition

	startMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewOrchestrator assembles the engine around a validated pipeline
// definition.
func NewOrchestrator(store *Store, hasher *CodeHasher, nodes NodeExecutor, def *Definition, log *zap.SugaredLogger, opts OrchestratorOptions) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		scanner:  NewScanner(store, hasher, log),
		executor: NewStageExecutor(store, hasher, nodes, log),
		hasher:   hasher,
		log:      log,
		opts:     opts,
		def:      def,
	}
	if opts.ExecutionsPerMinute > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(float64(opts.ExecutionsPerMinute)/60.0), 1)
	}
	return o
}

// Definition returns the currently active pipeline definition.
func (o *Orchestrator) Definition() *Definition {
	o.defMu.RLock()
	defer o.defMu.RUnlock()
	return o.def
}

// SwapDefinition replaces the active definition between cycles and drops the
// code-hash cache so changed node versions are observed. The in-flight cycle
// finishes against the old definition.
func (o *Orchestrator) SwapDefinition(def *Definition) {
	o.defMu.Lock()
	o.def = def
	o.defMu.Unlock()
	o.hasher.Invalidate()
	o.log.Infow("Pipeline definition swapped", "name", def.Name, "stages", len(def.Stages))
}

// Start launches the scan loop in the background. The first cycle runs
// immediately; subsequent cycles follow the definition's scan interval.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.startMu.Lock()
	defer o.startMu.Unlock()
	if o.cancel != nil {
		return errors.New("orchestrator already started")
	}
	if err := o.store.Init(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})

	go o.loop(ctx)
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle to drain.
func (o *Orchestrator) Stop() {
	o.startMu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel = nil
	o.done = nil
	o.startMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)

	for {
		def := o.Definition()
		stats, err := o.RunCycle(ctx, def)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.log.Errorw("Scan cycle aborted", "error", err)
		} else if stats.WorkItems > 0 {
			o.log.Infow("Scan cycle complete",
				"cycle_id", stats.CycleID,
				"work_items", stats.WorkItems,
				"succeeded", stats.Succeeded,
				"failed", stats.Failed,
				"duration", stats.Duration)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(o.Definition().ScanIntervalDuration()):
		}
	}
}

// RunCycle performs one scan-execute cycle and blocks until every dispatched
// work item finishes. Store I/O errors abort the cycle; per-stage failures
// are counted, recorded in the failure ledger, and do not stop other items.
func (o *Orchestrator) RunCycle(ctx context.Context, def *Definition) (*CycleStats, error) {
	start := time.Now()
	stats := &CycleStats{CycleID: uuid.NewString()}

	items, err := o.scanner.ScanForWork(def, o.opts.MaxItemsPerCycle)
	if err != nil {
		return nil, err
	}
	stats.WorkItems = len(items)
	if len(items) == 0 {
		stats.Duration = time.Since(start)
		return stats, nil
	}

	o.log.Debugw("Dispatching work", "cycle_id", stats.CycleID, "items", len(items))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		cycleErr error
	)
	sem := make(chan struct{}, def.Concurrency())

	for _, item := range items {
		if ctx.Err() != nil {
			mu.Lock()
			stats.Skipped++
			mu.Unlock()
			continue
		}
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				mu.Lock()
				stats.Skipped++
				mu.Unlock()
				continue
			}
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(item WorkItem) {
			defer wg.Done()
			defer func() { <-sem }()

			stage, ok := def.Stage(item.StageID)
			if !ok {
				return
			}
			result, err := o.executor.ExecuteStage(ctx, def, item.EntityID, stage)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				// Store I/O: remember the first one, the cycle reports it
				if cycleErr == nil {
					cycleErr = err
				}
				stats.Skipped++
			case result.Success:
				stats.Succeeded++
			default:
				stats.Failed++
			}
		}(item)
	}

	wg.Wait()
	stats.Duration = time.Since(start)

	if cycleErr != nil {
		return stats, cycleErr
	}
	return stats, nil
}
