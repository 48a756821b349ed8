package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dazflow/dazflow/config"
)

func writeDefinitionFile(t *testing.T, path string, def *Definition) {
	t.Helper()
	data, err := json.Marshal(def)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestDefinitionWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	defPath := filepath.Join(dir, "pipeline.json")

	def := testDefinition(t.TempDir())
	writeDefinitionFile(t, defPath, def)

	store := NewStore(def.StateRoot)
	require.NoError(t, store.Init())
	hasher := testHasher()
	o := NewOrchestrator(store, hasher, chainNodes(), def, testLogger(), OrchestratorOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher := NewDefinitionWatcher(defPath, o, config.EngineConfig{}, testLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = watcher.Watch(ctx)
	}()

	// Give the watcher time to install before the first change
	time.Sleep(100 * time.Millisecond)

	updated := testDefinition(def.StateRoot)
	updated.Name = "daily-summary-v2"
	updated.ScanInterval = 5
	writeDefinitionFile(t, defPath, updated)

	require.Eventually(t, func() bool {
		return o.Definition().Name == "daily-summary-v2"
	}, 5*time.Second, 50*time.Millisecond, "valid change must be swapped in")

	// An invalid definition is rejected; the last good one stays active
	require.NoError(t, os.WriteFile(defPath, []byte("{not json"), 0o644))
	time.Sleep(time.Second)
	assert.Equal(t, "daily-summary-v2", o.Definition().Name)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on context cancellation")
	}
}
