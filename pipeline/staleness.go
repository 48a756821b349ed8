package pipeline

import (
	"fmt"
)

// Staleness determines when a state needs to be regenerated:
//
//  1. Missing output
//  2. Code changes (node execution logic changed)
//  3. Upstream staleness (recursive through the input chain)
//  4. Input changes (upstream content changed since this stage last ran)
//
// Source states are never stale in this sense - they are only ever
// (re)discovered, not (re)produced.

// StalenessReason says why a state is considered stale.
type StalenessReason string

const (
	ReasonNotStale      StalenessReason = "not_stale"
	ReasonMissing       StalenessReason = "missing"
	ReasonCodeChanged   StalenessReason = "code_changed"
	ReasonInputChanged  StalenessReason = "input_changed"
	ReasonUpstreamStale StalenessReason = "upstream_stale"
)

// StalenessResult is the outcome of a staleness check.
type StalenessResult struct {
	IsStale bool
	Reason  StalenessReason
	Details string
}

func fresh() StalenessResult {
	return StalenessResult{Reason: ReasonNotStale}
}

func missing() StalenessResult {
	return StalenessResult{IsStale: true, Reason: ReasonMissing, Details: "output does not exist"}
}

func codeChanged(oldHash, newHash string) StalenessResult {
	return StalenessResult{
		IsStale: true,
		Reason:  ReasonCodeChanged,
		Details: fmt.Sprintf("code hash changed: %s -> %s", oldHash, newHash),
	}
}

func inputChanged(inputStage, oldHash, newHash string) StalenessResult {
	return StalenessResult{
		IsStale: true,
		Reason:  ReasonInputChanged,
		Details: fmt.Sprintf("input %q changed: %s -> %s", inputStage, oldHash, newHash),
	}
}

func upstreamStale(upstream string, reason StalenessReason) StalenessResult {
	return StalenessResult{
		IsStale: true,
		Reason:  ReasonUpstreamStale,
		Details: fmt.Sprintf("upstream %q is stale: %s", upstream, reason),
	}
}

// Evaluator decides staleness for (entity, stage) pairs against one pipeline
// definition. Results are memoized for the lifetime of the evaluator, which
// is one scan cycle: multiple downstream stages sharing an upstream evaluate
// it once. Create a fresh evaluator per cycle.
//
// The evaluation is pure with respect to the manifest: the only I/O is
// manifest reads through the store and code hash computation through the
// hasher.
type Evaluator struct {
	store  *Store
	def    *Definition
	hasher *CodeHasher

	memo      map[string]StalenessResult
	manifests map[string]*Manifest
}

// NewEvaluator creates a staleness evaluator scoped to one scan cycle.
func NewEvaluator(store *Store, def *Definition, hasher *CodeHasher) *Evaluator {
	return &Evaluator{
		store:     store,
		def:       def,
		hasher:    hasher,
		memo:      make(map[string]StalenessResult),
		manifests: make(map[string]*Manifest),
	}
}

func (e *Evaluator) manifest(entityID string) (*Manifest, error) {
	if m, ok := e.manifests[entityID]; ok {
		return m, nil
	}
	m, err := e.store.GetManifest(entityID)
	if err != nil {
		return nil, err
	}
	e.manifests[entityID] = m
	return m, nil
}

// IsStale checks whether a stage's recorded output for an entity still
// reflects current code and current upstream content. The algorithm is
// deterministic:
//
//  1. No manifest record for the stage -> MISSING.
//  2. Recorded code hash differs from the stage's current code hash ->
//     CODE_CHANGED.
//  3. The input stage is itself stale (recursively) -> UPSTREAM_STALE;
//     upstream staleness short-circuits this stage's own input-hash check.
//  4. The input stage's current content hash differs from the hash captured
//     when this stage last ran -> INPUT_CHANGED.
//  5. Otherwise fresh.
func (e *Evaluator) IsStale(entityID, stageID string) (StalenessResult, error) {
	key := entityID + ":" + stageID
	if result, ok := e.memo[key]; ok {
		return result, nil
	}
	result, err := e.evaluate(entityID, stageID)
	if err != nil {
		return StalenessResult{}, err
	}
	e.memo[key] = result
	return result, nil
}

func (e *Evaluator) evaluate(entityID, stageID string) (StalenessResult, error) {
	stage, ok := e.def.Stage(stageID)
	if !ok {
		return missing(), nil
	}

	manifest, err := e.manifest(entityID)
	if err != nil {
		return StalenessResult{}, err
	}

	info, ok := manifest.States[stageID]
	if !ok {
		return missing(), nil
	}

	// A manifest record whose file was removed out-of-band still needs
	// regeneration
	if !e.store.Exists(stage.Pattern, entityID) {
		return missing(), nil
	}

	// Sources just exist or don't; nothing produced them, so no code or
	// input drift to detect
	if stage.Type == StageSource || info.IsSource {
		return fresh(), nil
	}

	currentCodeHash := e.hasher.CodeHash(stage.Node.TypeID)
	if info.CodeHash != currentCodeHash {
		return codeChanged(info.CodeHash, currentCodeHash), nil
	}

	if stage.Input == "" {
		return fresh(), nil
	}

	inputStage, ok := e.def.Stage(stage.Input)
	if !ok {
		return missing(), nil
	}

	// A source input has no code hash to drift, so no recursive check:
	// only its current content hash matters. Transform inputs recurse.
	if inputStage.Type == StageTransform {
		upstream, err := e.IsStale(entityID, stage.Input)
		if err != nil {
			return StalenessResult{}, err
		}
		if upstream.IsStale {
			return upstreamStale(stage.Input, upstream.Reason), nil
		}
	}

	inputInfo, ok := manifest.States[stage.Input]
	if !ok {
		// Input never recorded; treat as upstream missing
		return upstreamStale(stage.Input, ReasonMissing), nil
	}

	recorded := info.InputHashes[stage.Input]
	if recorded != inputInfo.ContentHash {
		if recorded == "" {
			recorded = "none"
		}
		return inputChanged(stage.Input, recorded, inputInfo.ContentHash), nil
	}

	return fresh(), nil
}

// CheckAll evaluates staleness of every stage for an entity. Source stages
// report MISSING when undiscovered and fresh otherwise.
func (e *Evaluator) CheckAll(entityID string) (map[string]StalenessResult, error) {
	results := make(map[string]StalenessResult, len(e.def.Stages))
	for i := range e.def.Stages {
		stage := &e.def.Stages[i]
		if stage.Type == StageSource {
			if e.store.Exists(stage.Pattern, entityID) {
				results[stage.ID] = fresh()
			} else {
				results[stage.ID] = missing()
			}
			continue
		}
		result, err := e.IsStale(entityID, stage.ID)
		if err != nil {
			return nil, err
		}
		results[stage.ID] = result
	}
	return results, nil
}
