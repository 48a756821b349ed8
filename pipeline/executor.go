package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dazflow/dazflow/errors"
	"github.com/dazflow/dazflow/pipeline/node"
)

// NodeExecutor is the seam to the external node-execution capability. The
// engine tolerates either a synchronous in-process call or an asynchronous
// dispatch-and-await behind this interface.
type NodeExecutor interface {
	Execute(ctx context.Context, typeID string, data map[string]any, contextData map[string]any) (any, error)
}

// ExecutionResult is the outcome of executing one stage for one entity.
type ExecutionResult struct {
	Success    bool
	OutputPath string
	Error      string
	Duration   time.Duration
}

// StageExecutor runs single (entity, stage) work items: it resolves input
// content, builds the execution context, invokes the node-execution
// capability, validates the result, and commits it to the state store.
//
// Per-stage errors (validation, execution) are swallowed here and converted
// into failure records - they never interrupt the scan of other work items.
// Only store I/O errors propagate, aborting the cycle.
type StageExecutor struct {
	store  *Store
	hasher *CodeHasher
	nodes  NodeExecutor
	log    *zap.SugaredLogger
}

// NewStageExecutor creates a stage executor.
func NewStageExecutor(store *Store, hasher *CodeHasher, nodes NodeExecutor, log *zap.SugaredLogger) *StageExecutor {
	return &StageExecutor{store: store, hasher: hasher, nodes: nodes, log: log}
}

// ExecuteStage executes one stage for one entity. Staleness gating is the
// caller's responsibility: re-running a fresh stage is safe but wasteful.
//
// The returned error is non-nil only for store I/O failures; everything
// else lands in the result and the entity's failure ledger.
func (e *StageExecutor) ExecuteStage(ctx context.Context, def *Definition, entityID string, stage *Stage) (*ExecutionResult, error) {
	start := time.Now()

	result, execErr := e.run(ctx, def, entityID, stage)
	if execErr == nil {
		result.Duration = time.Since(start)
		return result, nil
	}

	if errors.IsStoreIO(execErr) {
		return nil, execErr
	}

	// Cancellation is not a stage failure: the commit never happened, so
	// the entity is simply still stale next cycle
	if ctx.Err() != nil {
		return &ExecutionResult{
			Error:    ctx.Err().Error(),
			Duration: time.Since(start),
		}, nil
	}

	e.log.Warnw("Stage execution failed",
		"entity_id", entityID,
		"stage", stage.ID,
		"error", execErr)

	details := strings.Join(errors.GetAllDetails(execErr), "\n")
	if _, err := e.store.RecordFailure(entityID, stage.ID, execErr.Error(), details, def.BackoffSeconds()); err != nil {
		return nil, err
	}

	return &ExecutionResult{
		Error:    execErr.Error(),
		Duration: time.Since(start),
	}, nil
}

// run performs the actual execution; any returned error is recorded as a
// stage failure by the caller (except store I/O, which propagates).
func (e *StageExecutor) run(ctx context.Context, def *Definition, entityID string, stage *Stage) (result *ExecutionResult, err error) {
	// A panicking handler must not take down the orchestrator; a poisoned
	// entity only poisons itself
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.Wrapf(errors.ErrExecution, "node handler panic: %v", r)
		}
	}()

	pattern, err := e.store.compiled(stage.Pattern)
	if err != nil {
		return nil, err
	}
	variables, err := pattern.VariablesFromEntityID(entityID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExecution, err.Error())
	}

	// Execution context: entity identity plus each upstream stage's
	// content and path, addressable via {{...}} expressions
	entityCtx := map[string]any{"id": entityID}
	for name, value := range variables {
		entityCtx[name] = value
	}
	contextData := map[string]any{"entity": entityCtx}

	inputHashes := map[string]string{}
	if stage.Input != "" {
		inputStage, ok := def.Stage(stage.Input)
		if !ok {
			return nil, errors.Wrapf(errors.ErrExecution, "stage %q references unknown input %q", stage.ID, stage.Input)
		}

		inputContent, err := e.store.Read(inputStage.Pattern, entityID)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, errors.Wrapf(errors.ErrExecution, "input state %q not found", stage.Input)
			}
			return nil, err
		}

		inputHash, err := e.store.GetContentHash(entityID, stage.Input)
		if err != nil {
			return nil, err
		}
		if inputHash != "" {
			inputHashes[stage.Input] = inputHash
		}

		inputPattern, err := e.store.compiled(inputStage.Pattern)
		if err != nil {
			return nil, err
		}
		inputPath, err := inputPattern.Resolve(variables)
		if err != nil {
			// Input pattern may use different variables; fall back to
			// the entity-derived resolution
			inputPath, err = inputPattern.ResolveEntity(entityID)
			if err != nil {
				inputPath = ""
			}
		}

		contextData[stage.Input] = map[string]any{
			"content": string(inputContent),
			"path":    inputPath,
		}
	}

	// Evaluate {{...}} expressions in the node configuration
	var data map[string]any
	if stage.Node.Data != nil {
		evaluated, ok := node.EvaluateData(stage.Node.Data, contextData).(map[string]any)
		if !ok {
			return nil, errors.Wrap(errors.ErrExecution, "node data did not evaluate to an object")
		}
		data = evaluated
	} else {
		data = map[string]any{}
	}

	raw, err := e.nodes.Execute(ctx, stage.Node.TypeID, data, contextData)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrExecution, "node %q: %v", stage.Node.TypeID, err)
	}

	content := extractContent(raw)

	if stage.Validation != nil && stage.Validation.MinSize > 0 && len(content) < stage.Validation.MinSize {
		return nil, errors.Wrapf(errors.ErrValidation, "output too small: %d < %d bytes", len(content), stage.Validation.MinSize)
	}

	codeHash := e.hasher.CodeHash(stage.Node.TypeID)
	name := def.Name
	if name == "" {
		name = "pipeline"
	}
	producedBy := fmt.Sprintf("%s#%s", name, stage.ID)

	info, err := e.store.Write(stage.ID, stage.Pattern, entityID, content, codeHash, producedBy, inputHashes)
	if err != nil {
		return nil, err
	}

	e.log.Infow("Stage produced state",
		"entity_id", entityID,
		"stage", stage.ID,
		"path", info.Path,
		"content_hash", info.ContentHash)

	return &ExecutionResult{Success: true, OutputPath: info.Path}, nil
}

// extractContent turns a raw node result into writable bytes. Strings and
// byte slices pass through; maps try common content keys before falling
// back to JSON; everything else is JSON-encoded.
func extractContent(raw any) []byte {
	switch v := raw.(type) {
	case nil:
		return nil
	case []byte:
		return v
	case string:
		return []byte(v)
	case map[string]any:
		for _, key := range []string{"content", "output", "result", "text", "body"} {
			if value, ok := v[key]; ok {
				if s, ok := value.(string); ok {
					return []byte(s)
				}
				if b, ok := value.([]byte); ok {
					return b
				}
				return []byte(fmt.Sprintf("%v", value))
			}
		}
	}
	encoded, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return []byte(fmt.Sprintf("%v", raw))
	}
	return encoded
}
