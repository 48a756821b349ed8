package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dazflow/dazflow/config"
	"github.com/dazflow/dazflow/errors"
)

const validDefinitionJSON = `{
  "name": "daily-summary",
  "stateRoot": "/tmp/pipeline-data",
  "scanInterval": 30,
  "maxConcurrentEntities": 2,
  "retryPolicy": {"maxAttempts": 5, "backoffSeconds": [10, 60]},
  "stages": [
    {"id": "log", "type": "source", "pattern": "logs/{date}.txt"},
    {
      "id": "summary",
      "type": "transform",
      "pattern": "summaries/{date}.txt",
      "input": "log",
      "node": {"typeId": "summarize", "data": {"template": "{{$.log.content}}"}},
      "validation": {"minSize": 10}
    }
  ]
}`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(validDefinitionJSON))
	require.NoError(t, err)

	assert.Equal(t, "daily-summary", def.Name)
	assert.Equal(t, "/tmp/pipeline-data", def.StateRoot)
	assert.Equal(t, 30*time.Second, def.ScanIntervalDuration())
	assert.Equal(t, 2, def.Concurrency())
	assert.Equal(t, 5, def.MaxAttempts())
	assert.Equal(t, []int{10, 60}, def.BackoffSeconds())

	require.Len(t, def.Stages, 2)
	summary, ok := def.Stage("summary")
	require.True(t, ok)
	assert.Equal(t, StageTransform, summary.Type)
	assert.Equal(t, "log", summary.Input)
	assert.Equal(t, 10, summary.Validation.MinSize)
}

func TestDefinitionDefaults(t *testing.T) {
	def := testDefinition("/tmp/x")

	assert.Equal(t, 60*time.Second, def.ScanIntervalDuration())
	assert.Equal(t, 4, def.Concurrency())
	assert.Equal(t, 0, def.MaxAttempts())
	assert.Equal(t, []int{60, 300, 900, 3600, 14400, 86400}, def.BackoffSeconds())
}

func TestApplyEngineDefaults(t *testing.T) {
	engine := config.EngineConfig{
		StateRoot:             "/var/lib/dazflow",
		ScanIntervalSeconds:   15,
		MaxConcurrentEntities: 8,
		BackoffSeconds:        []int{5, 25},
	}

	t.Run("fills unset tunables", func(t *testing.T) {
		def := testDefinition("")
		def.ApplyEngineDefaults(engine)

		assert.Equal(t, "/var/lib/dazflow", def.StateRoot)
		assert.Equal(t, 15*time.Second, def.ScanIntervalDuration())
		assert.Equal(t, 8, def.Concurrency())
		assert.Equal(t, []int{5, 25}, def.BackoffSeconds())
	})

	t.Run("definition values win", func(t *testing.T) {
		def := testDefinition("/data")
		def.ScanInterval = 30
		def.MaxConcurrentEntities = 2
		def.RetryPolicy = &RetryPolicy{BackoffSeconds: []int{10}}
		def.ApplyEngineDefaults(engine)

		assert.Equal(t, "/data", def.StateRoot)
		assert.Equal(t, 30*time.Second, def.ScanIntervalDuration())
		assert.Equal(t, 2, def.Concurrency())
		assert.Equal(t, []int{10}, def.BackoffSeconds())
	})
}

func TestLoadDefinitionWithDefaults(t *testing.T) {
	// A definition may omit stateRoot and inherit the configured one
	path := filepath.Join(t.TempDir(), "pipeline.json")
	raw := `{"name":"p","stages":[{"id":"log","type":"source","pattern":"logs/{date}.txt"}]}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	_, err := LoadDefinitionWithDefaults(path, config.EngineConfig{})
	require.Error(t, err, "no state root from either side")

	def, err := LoadDefinitionWithDefaults(path, config.EngineConfig{StateRoot: "/var/lib/dazflow"})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/dazflow", def.StateRoot)
}

func TestDefinitionValidate(t *testing.T) {
	base := func() *Definition { return testDefinition("/tmp/x") }

	tests := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"missing stateRoot", func(d *Definition) { d.StateRoot = "" }},
		{"no stages", func(d *Definition) { d.Stages = nil }},
		{"empty stage id", func(d *Definition) { d.Stages[0].ID = "" }},
		{"duplicate stage id", func(d *Definition) { d.Stages[1].ID = "log" }},
		{"bad pattern", func(d *Definition) { d.Stages[0].Pattern = "logs/{date" }},
		{"source with input", func(d *Definition) { d.Stages[0].Input = "summary" }},
		{"source with node", func(d *Definition) { d.Stages[0].Node = &NodeSpec{TypeID: "x"} }},
		{"transform without input", func(d *Definition) { d.Stages[1].Input = "" }},
		{"transform without node", func(d *Definition) { d.Stages[1].Node = nil }},
		{"unknown type", func(d *Definition) { d.Stages[0].Type = "sink" }},
		{"unknown input", func(d *Definition) { d.Stages[1].Input = "nope" }},
		{"self cycle", func(d *Definition) { d.Stages[1].Input = "summary" }},
		{"two stage cycle", func(d *Definition) {
			d.Stages[1].Input = "report"
			d.Stages[2].Input = "summary"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := base()
			tt.mutate(def)
			err := def.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidDefinition) || errors.Is(err, errors.ErrInvalidPattern))
		})
	}

	assert.NoError(t, base().Validate())
}

func TestDefinitionStageAccessors(t *testing.T) {
	def := testDefinition("/tmp/x")

	assert.Equal(t, 0, def.StageIndex("log"))
	assert.Equal(t, 2, def.StageIndex("report"))
	assert.Equal(t, len(def.Stages), def.StageIndex("missing"))

	sources := def.SourceStages()
	require.Len(t, sources, 1)
	assert.Equal(t, "log", sources[0].ID)

	transforms := def.TransformStages()
	require.Len(t, transforms, 2)
	assert.Equal(t, "summary", transforms[0].ID)
	assert.Equal(t, "report", transforms[1].ID)

	_, ok := def.Stage("missing")
	assert.False(t, ok)
}
