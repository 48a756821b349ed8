package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dazflow/dazflow/config"
	"github.com/dazflow/dazflow/errors"
)

// DefinitionWatcher hot-reloads a pipeline definition file. On change the
// file is re-parsed and validated; a valid definition is swapped into the
// orchestrator, an invalid one is logged and the previous definition stays
// active.
type DefinitionWatcher struct {
	path         string
	orchestrator *Orchestrator
	engine       config.EngineConfig
	log          *zap.SugaredLogger

	// Editors produce bursts of write events; changes within this window
	// collapse into one reload.
	debounce time.Duration
}

// NewDefinitionWatcher creates a watcher for a definition file. Reloaded
// definitions get the same engine-config fallbacks as the initial load.
func NewDefinitionWatcher(path string, orchestrator *Orchestrator, engine config.EngineConfig, log *zap.SugaredLogger) *DefinitionWatcher {
	return &DefinitionWatcher{
		path:         path,
		orchestrator: orchestrator,
		engine:       engine,
		log:          log,
		debounce:     250 * time.Millisecond,
	}
}

// Watch blocks until the context is cancelled, reloading the definition on
// every file change. The parent directory is watched rather than the file
// itself so atomic save-and-rename editors keep working.
func (w *DefinitionWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating definition watcher")
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %s", dir)
	}

	target := filepath.Clean(w.path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warnw("Definition watcher error", "error", err)
		}
	}
}

func (w *DefinitionWatcher) reload() {
	def, err := LoadDefinitionWithDefaults(w.path, w.engine)
	if err != nil {
		w.log.Errorw("Rejecting changed pipeline definition",
			"path", w.path,
			"error", err)
		return
	}
	w.orchestrator.SwapDefinition(def)
}
