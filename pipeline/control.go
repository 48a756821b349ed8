package pipeline

import (
	"sort"

	"go.uber.org/zap"
)

// StageStatus is the inspection view of one stage for one entity.
type StageStatus struct {
	StageID string          `json:"stage_id"`
	Exists  bool            `json:"exists"`
	Stale   bool            `json:"stale"`
	Reason  StalenessReason `json:"reason"`
	State   *StateInfo      `json:"state,omitempty"`
	Failure *FailureInfo    `json:"failure,omitempty"`
}

// EntityStatus is the inspection view of one entity across all stages.
type EntityStatus struct {
	EntityID string        `json:"entity_id"`
	Stages   []StageStatus `json:"stages"`
}

// PipelineStatus is the aggregate inspection view of a pipeline.
type PipelineStatus struct {
	Name      string       `json:"name"`
	StateRoot string       `json:"state_root"`
	Summary   *WorkSummary `json:"summary"`
}

// Control is the operator surface of the engine: read-only inspection plus
// the two manual interventions (force-retry and invalidate). It shares the
// store with a running orchestrator safely; all mutations go through the
// store's per-entity locking.
type Control struct {
	store   *Store
	scanner *Scanner
	hasher  *CodeHasher
	log     *zap.SugaredLogger
}

// NewControl creates an operator control surface.
func NewControl(store *Store, hasher *CodeHasher, log *zap.SugaredLogger) *Control {
	return &Control{
		store:   store,
		scanner: NewScanner(store, hasher, log),
		hasher:  hasher,
		log:     log,
	}
}

// Status returns the aggregate progress summary for a pipeline.
func (c *Control) Status(def *Definition) (*PipelineStatus, error) {
	summary, err := c.scanner.CountWork(def)
	if err != nil {
		return nil, err
	}
	return &PipelineStatus{
		Name:      def.Name,
		StateRoot: c.store.Root(),
		Summary:   summary,
	}, nil
}

// ListEntities returns the IDs of all entities known to a pipeline, sorted.
func (c *Control) ListEntities(def *Definition) ([]string, error) {
	seen := map[string]bool{}
	for _, stage := range def.SourceStages() {
		ids, err := c.store.ListEntities(stage.Pattern)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetEntity returns the per-stage state, staleness, and failure view for one
// entity.
func (c *Control) GetEntity(def *Definition, entityID string) (*EntityStatus, error) {
	evaluator := NewEvaluator(c.store, def, c.hasher)
	results, err := evaluator.CheckAll(entityID)
	if err != nil {
		return nil, err
	}

	manifest, err := c.store.GetManifest(entityID)
	if err != nil {
		return nil, err
	}

	status := &EntityStatus{EntityID: entityID}
	for i := range def.Stages {
		stage := &def.Stages[i]
		result := results[stage.ID]

		ss := StageStatus{
			StageID: stage.ID,
			Exists:  c.store.Exists(stage.Pattern, entityID),
			Stale:   result.IsStale,
			Reason:  result.Reason,
		}
		if info, ok := manifest.States[stage.ID]; ok {
			ss.State = &info
		}
		failure, err := c.store.GetFailure(entityID, stage.ID)
		if err != nil {
			return nil, err
		}
		ss.Failure = failure

		status.Stages = append(status.Stages, ss)
	}
	return status, nil
}

// ForceRetry clears the failure record for an entity's stage so the next
// scan retries immediately instead of waiting out the backoff.
func (c *Control) ForceRetry(entityID, stageID string) error {
	if err := c.store.ClearFailure(entityID, stageID); err != nil {
		return err
	}
	c.log.Infow("Failure record cleared", "entity_id", entityID, "stage", stageID)
	return nil
}

// Invalidate clears manifest entries for a stage, forcing regeneration on
// the next scan. An empty entityID invalidates the stage for every entity.
// Downstream stages follow automatically through input-hash staleness.
func (c *Control) Invalidate(stageID, entityID string) error {
	if err := c.store.Invalidate(stageID, entityID); err != nil {
		return err
	}
	c.log.Infow("State invalidated", "stage", stageID, "entity_id", entityID)
	return nil
}
