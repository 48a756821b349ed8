package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlStatusAndEntities(t *testing.T) {
	store, hasher, def := freshChain(t, "2026-01-15")
	writeSource(t, store.Root(), "logs/2026-01-16.txt", "pending")

	control := NewControl(store, hasher, testLogger())

	status, err := control.Status(def)
	require.NoError(t, err)
	assert.Equal(t, "daily-summary", status.Name)
	assert.Equal(t, store.Root(), status.StateRoot)
	assert.Equal(t, 2, status.Summary.TotalEntities)
	assert.Equal(t, 1, status.Summary.Complete)
	assert.Equal(t, 1, status.Summary.Ready)

	ids, err := control.ListEntities(def)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01-15", "2026-01-16"}, ids)
}

func TestControlGetEntity(t *testing.T) {
	store, hasher, def := freshChain(t, "2026-01-15")
	control := NewControl(store, hasher, testLogger())

	entity, err := control.GetEntity(def, "2026-01-15")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-15", entity.EntityID)
	require.Len(t, entity.Stages, 3)

	for _, stage := range entity.Stages {
		assert.True(t, stage.Exists, "stage %s", stage.StageID)
		assert.False(t, stage.Stale, "stage %s", stage.StageID)
		assert.Nil(t, stage.Failure)
	}
	assert.NotNil(t, entity.Stages[1].State, "produced stage carries its manifest record")

	// An unknown entity reports everything missing rather than erroring
	entity, err = control.GetEntity(def, "2099-12-31")
	require.NoError(t, err)
	for _, stage := range entity.Stages {
		assert.False(t, stage.Exists)
		assert.True(t, stage.Stale)
	}
}

func TestControlForceRetry(t *testing.T) {
	store, hasher, def := freshChain(t, "2026-01-15")
	control := NewControl(store, hasher, testLogger())

	_, err := store.RecordFailure("2026-01-15", "summary", "boom", "", []int{86400})
	require.NoError(t, err)
	assert.False(t, store.ShouldRetry("2026-01-15", "summary"))

	require.NoError(t, control.ForceRetry("2026-01-15", "summary"))
	assert.True(t, store.ShouldRetry("2026-01-15", "summary"))

	entity, err := control.GetEntity(def, "2026-01-15")
	require.NoError(t, err)
	assert.Nil(t, entity.Stages[1].Failure)
}

func TestControlInvalidate(t *testing.T) {
	store, hasher, def := freshChain(t, "2026-01-15")
	control := NewControl(store, hasher, testLogger())

	require.NoError(t, control.Invalidate("summary", "2026-01-15"))

	entity, err := control.GetEntity(def, "2026-01-15")
	require.NoError(t, err)

	var summary, report *StageStatus
	for i := range entity.Stages {
		switch entity.Stages[i].StageID {
		case "summary":
			summary = &entity.Stages[i]
		case "report":
			report = &entity.Stages[i]
		}
	}
	require.NotNil(t, summary)
	require.NotNil(t, report)

	assert.True(t, summary.Stale)
	assert.Equal(t, ReasonMissing, summary.Reason)
	assert.True(t, summary.Exists, "content file survives invalidation")

	assert.True(t, report.Stale, "downstream follows the invalidated stage")
	assert.Equal(t, ReasonUpstreamStale, report.Reason)
}
