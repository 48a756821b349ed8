package pipeline

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dazflow/dazflow/config"
	"github.com/dazflow/dazflow/errors"
)

// StageType distinguishes externally-supplied states from produced ones.
type StageType string

const (
	// StageSource is externally supplied data: a pattern but no producing
	// logic. Discovered, never produced.
	StageSource StageType = "source"
	// StageTransform produces output from exactly one upstream stage.
	StageTransform StageType = "transform"
)

// NodeSpec names the external execution unit a transform stage invokes and
// its configuration. Data values may contain {{...}} expressions evaluated
// against the stage execution context.
type NodeSpec struct {
	TypeID string         `json:"typeId"`
	Data   map[string]any `json:"data,omitempty"`
}

// Validation holds output validation rules for a transform stage.
type Validation struct {
	MinSize int `json:"minSize,omitempty"` // minimum output size in bytes
}

// SourceFilter holds minimum-readiness rules for a source stage.
type SourceFilter struct {
	MinFiles int `json:"minFiles,omitempty"` // directory sources: at least this many files present
}

// Stage is a named processing step in a pipeline definition.
type Stage struct {
	ID         string        `json:"id"`
	Type       StageType     `json:"type"`
	Pattern    string        `json:"pattern"`
	Input      string        `json:"input,omitempty"`
	Node       *NodeSpec     `json:"node,omitempty"`
	Validation *Validation   `json:"validation,omitempty"`
	Filter     *SourceFilter `json:"filter,omitempty"`
}

// RetryPolicy configures failure retries for a pipeline.
type RetryPolicy struct {
	// MaxAttempts caps retries; 0 means unbounded (entities may remain in
	// backoff indefinitely).
	MaxAttempts int `json:"maxAttempts,omitempty"`
	// BackoffSeconds is the retry delay schedule indexed by attempt count.
	// Attempts beyond the schedule length use the last value doubled,
	// repeatedly.
	BackoffSeconds []int `json:"backoffSeconds,omitempty"`
}

// Definition is an externally authored pipeline definition.
type Definition struct {
	Name                  string       `json:"name"`
	StateRoot             string       `json:"stateRoot"`
	ScanInterval          int          `json:"scanInterval,omitempty"` // seconds
	MaxConcurrentEntities int          `json:"maxConcurrentEntities,omitempty"`
	RetryPolicy           *RetryPolicy `json:"retryPolicy,omitempty"`
	Stages                []Stage      `json:"stages"`
}

// ParseDefinition parses and validates a pipeline definition from JSON.
// Definition errors are load-time fatal, distinct from runtime errors.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidDefinition, err.Error())
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads and validates a pipeline definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading pipeline definition %s", path)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline definition %s", path)
	}
	return def, nil
}

// LoadDefinitionWithDefaults reads a pipeline definition file, fills
// tunables the definition leaves unset from engine-level configuration, then
// validates. Values the definition carries always win.
func LoadDefinitionWithDefaults(path string, engine config.EngineConfig) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading pipeline definition %s", path)
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidDefinition, "pipeline definition %s: %v", path, err)
	}
	def.ApplyEngineDefaults(engine)
	if err := def.Validate(); err != nil {
		return nil, errors.Wrapf(err, "pipeline definition %s", path)
	}
	return &def, nil
}

// ApplyEngineDefaults fills tunables the definition leaves unset from
// engine-level configuration. Applied before Validate, so a definition may
// omit stateRoot entirely and inherit the configured one.
func (d *Definition) ApplyEngineDefaults(engine config.EngineConfig) {
	if d.StateRoot == "" {
		d.StateRoot = engine.StateRoot
	}
	if d.ScanInterval <= 0 {
		d.ScanInterval = engine.ScanIntervalSeconds
	}
	if d.MaxConcurrentEntities <= 0 {
		d.MaxConcurrentEntities = engine.MaxConcurrentEntities
	}
	if len(engine.BackoffSeconds) == 0 {
		return
	}
	if d.RetryPolicy == nil {
		d.RetryPolicy = &RetryPolicy{}
	}
	if len(d.RetryPolicy.BackoffSeconds) == 0 {
		d.RetryPolicy.BackoffSeconds = append([]int(nil), engine.BackoffSeconds...)
	}
}

// Validate checks the structural invariants of the definition: stage IDs are
// unique, patterns compile, input references resolve to other stages, and
// the stage graph is acyclic.
func (d *Definition) Validate() error {
	if d.StateRoot == "" {
		return errors.Wrap(errors.ErrInvalidDefinition, "stateRoot is required")
	}
	if len(d.Stages) == 0 {
		return errors.Wrap(errors.ErrInvalidDefinition, "at least one stage is required")
	}

	byID := make(map[string]*Stage, len(d.Stages))
	for i := range d.Stages {
		stage := &d.Stages[i]
		if stage.ID == "" {
			return errors.Wrap(errors.ErrInvalidDefinition, "stage with empty id")
		}
		if _, dup := byID[stage.ID]; dup {
			return errors.Wrapf(errors.ErrInvalidDefinition, "duplicate stage id %q", stage.ID)
		}
		byID[stage.ID] = stage

		if _, err := CompilePattern(stage.Pattern); err != nil {
			return errors.Wrapf(err, "stage %q", stage.ID)
		}

		switch stage.Type {
		case StageSource:
			if stage.Input != "" {
				return errors.Wrapf(errors.ErrInvalidDefinition, "source stage %q must not declare an input", stage.ID)
			}
			if stage.Node != nil {
				return errors.Wrapf(errors.ErrInvalidDefinition, "source stage %q must not declare a node", stage.ID)
			}
		case StageTransform:
			if stage.Input == "" {
				return errors.Wrapf(errors.ErrInvalidDefinition, "transform stage %q requires an input", stage.ID)
			}
			if stage.Node == nil || stage.Node.TypeID == "" {
				return errors.Wrapf(errors.ErrInvalidDefinition, "transform stage %q requires a node typeId", stage.ID)
			}
		default:
			return errors.Wrapf(errors.ErrInvalidDefinition, "stage %q has unknown type %q", stage.ID, stage.Type)
		}
	}

	// Input references must resolve, and the chain must be acyclic
	for i := range d.Stages {
		stage := &d.Stages[i]
		if stage.Input == "" {
			continue
		}
		if _, ok := byID[stage.Input]; !ok {
			return errors.Wrapf(errors.ErrInvalidDefinition, "stage %q references unknown input %q", stage.ID, stage.Input)
		}

		// Walk the input chain; a cycle revisits a stage before running
		// out of inputs
		seen := map[string]bool{stage.ID: true}
		current := stage.Input
		for current != "" {
			if seen[current] {
				return errors.Wrapf(errors.ErrInvalidDefinition, "cyclic input chain involving stage %q", stage.ID)
			}
			seen[current] = true
			current = byID[current].Input
		}
	}

	return nil
}

// Stage returns the stage with the given ID.
func (d *Definition) Stage(id string) (*Stage, bool) {
	for i := range d.Stages {
		if d.Stages[i].ID == id {
			return &d.Stages[i], true
		}
	}
	return nil, false
}

// StageIndex returns the declaration position of a stage, used for
// deterministic work ordering.
func (d *Definition) StageIndex(id string) int {
	for i := range d.Stages {
		if d.Stages[i].ID == id {
			return i
		}
	}
	return len(d.Stages)
}

// SourceStages returns the source stages in declaration order.
func (d *Definition) SourceStages() []*Stage {
	var out []*Stage
	for i := range d.Stages {
		if d.Stages[i].Type == StageSource {
			out = append(out, &d.Stages[i])
		}
	}
	return out
}

// TransformStages returns the transform stages in declaration order.
func (d *Definition) TransformStages() []*Stage {
	var out []*Stage
	for i := range d.Stages {
		if d.Stages[i].Type == StageTransform {
			out = append(out, &d.Stages[i])
		}
	}
	return out
}

// BackoffSeconds returns the pipeline's failure backoff schedule, falling
// back to the engine default.
func (d *Definition) BackoffSeconds() []int {
	if d.RetryPolicy != nil && len(d.RetryPolicy.BackoffSeconds) > 0 {
		return d.RetryPolicy.BackoffSeconds
	}
	return config.DefaultBackoffSeconds()
}

// MaxAttempts returns the retry cap, 0 meaning unbounded.
func (d *Definition) MaxAttempts() int {
	if d.RetryPolicy != nil {
		return d.RetryPolicy.MaxAttempts
	}
	return 0
}

// ScanIntervalDuration returns the scan cycle interval.
func (d *Definition) ScanIntervalDuration() time.Duration {
	if d.ScanInterval > 0 {
		return time.Duration(d.ScanInterval) * time.Second
	}
	return time.Duration(config.DefaultScanIntervalSeconds) * time.Second
}

// Concurrency returns the maximum number of entities executing stages
// simultaneously within one cycle.
func (d *Definition) Concurrency() int {
	if d.MaxConcurrentEntities > 0 {
		return d.MaxConcurrentEntities
	}
	return config.DefaultMaxConcurrentEntities
}
