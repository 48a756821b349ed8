package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dazflow/dazflow/errors"
)

// chainNodes executes the test chain: every node echoes its stage type over
// the upstream content.
func chainNodes() execFunc {
	return func(_ context.Context, typeID string, _, contextData map[string]any) (any, error) {
		for _, upstream := range []string{"log", "summary"} {
			if in, ok := contextData[upstream].(map[string]any); ok {
				return typeID + "(" + in["content"].(string) + ")", nil
			}
		}
		return typeID + "()", nil
	}
}

func TestRunCycleConverges(t *testing.T) {
	store := newTestStore(t)
	hasher := testHasher()
	def := testDefinition(store.Root())

	writeSource(t, store.Root(), "logs/2026-01-15.txt", "raw")

	o := NewOrchestrator(store, hasher, chainNodes(), def, testLogger(), OrchestratorOptions{})

	// First cycle produces the summary, second the report, third is quiet
	stats, err := o.RunCycle(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.WorkItems)
	assert.Equal(t, 1, stats.Succeeded)
	assert.NotEmpty(t, stats.CycleID)

	stats, err = o.RunCycle(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)

	stats, err = o.RunCycle(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.WorkItems)

	report, err := store.Read("reports/{date}.md", "2026-01-15")
	require.NoError(t, err)
	assert.Equal(t, "report(summarize(raw))", string(report))
}

func TestRunCycleCountsFailures(t *testing.T) {
	store := newTestStore(t)
	hasher := testHasher()
	def := testDefinition(store.Root())

	writeSource(t, store.Root(), "logs/2026-01-15.txt", "raw")
	writeSource(t, store.Root(), "logs/2026-01-16.txt", "raw")

	nodes := execFunc(func(_ context.Context, _ string, _, contextData map[string]any) (any, error) {
		entity := contextData["entity"].(map[string]any)
		if entity["id"] == "2026-01-16" {
			return nil, errors.New("poisoned entity")
		}
		return "ok", nil
	})

	o := NewOrchestrator(store, hasher, nodes, def, testLogger(), OrchestratorOptions{})
	stats, err := o.RunCycle(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.WorkItems)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)

	// The healthy entity progressed despite its neighbor failing
	assert.True(t, store.Exists("summaries/{date}.txt", "2026-01-15"))
	failure, err := store.GetFailure("2026-01-16", "summary")
	require.NoError(t, err)
	require.NotNil(t, failure)
}

func TestRunCycleConcurrencyCap(t *testing.T) {
	store := newTestStore(t)
	hasher := testHasher()
	def := testDefinition(store.Root())
	def.MaxConcurrentEntities = 2

	for _, date := range []string{"a", "b", "c", "d", "e"} {
		writeSource(t, store.Root(), "logs/"+date+".txt", "raw")
	}

	var inFlight, peak atomic.Int32
	nodes := execFunc(func(context.Context, string, map[string]any, map[string]any) (any, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	})

	o := NewOrchestrator(store, hasher, nodes, def, testLogger(), OrchestratorOptions{})
	stats, err := o.RunCycle(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(2), "concurrency cap exceeded")
}

func TestRunCycleMaxItems(t *testing.T) {
	store := newTestStore(t)
	hasher := testHasher()
	def := testDefinition(store.Root())

	for _, date := range []string{"a", "b", "c"} {
		writeSource(t, store.Root(), "logs/"+date+".txt", "raw")
	}

	o := NewOrchestrator(store, hasher, chainNodes(), def, testLogger(),
		OrchestratorOptions{MaxItemsPerCycle: 2})
	stats, err := o.RunCycle(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.WorkItems)
}

func TestOrchestratorStartStop(t *testing.T) {
	store := newTestStore(t)
	hasher := testHasher()
	def := testDefinition(store.Root())
	def.ScanInterval = 1

	writeSource(t, store.Root(), "logs/2026-01-15.txt", "raw")

	o := NewOrchestrator(store, hasher, chainNodes(), def, testLogger(), OrchestratorOptions{})
	require.NoError(t, o.Start(context.Background()))
	assert.Error(t, o.Start(context.Background()), "double start is rejected")

	require.Eventually(t, func() bool {
		return store.Exists("reports/{date}.md", "2026-01-15")
	}, 5*time.Second, 50*time.Millisecond, "loop must drive the chain to completion")

	o.Stop()
	o.Stop() // idempotent
}

func TestSwapDefinition(t *testing.T) {
	store := newTestStore(t)
	hasher := testHasher()
	def := testDefinition(store.Root())

	o := NewOrchestrator(store, hasher, chainNodes(), def, testLogger(), OrchestratorOptions{})
	assert.Equal(t, def, o.Definition())

	replacement := testDefinition(store.Root())
	replacement.Name = "daily-summary-v2"
	o.SwapDefinition(replacement)
	assert.Equal(t, "daily-summary-v2", o.Definition().Name)
}
