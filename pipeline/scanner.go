package pipeline

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dazflow/dazflow/errors"
)

// WorkItem is one unit of work for a single scan-execute cycle: a stale,
// ready (entity, stage) pair. Ephemeral - never persisted.
type WorkItem struct {
	EntityID string          `json:"entity_id"`
	StageID  string          `json:"stage_id"`
	Pattern  string          `json:"pattern"`
	Reason   StalenessReason `json:"reason"`

	// Priority orders items within one cycle: lower runs first.
	// FIFO by first-discovery time, ties broken by stage declaration
	// order, then entity ID.
	discoveredAt time.Time
	stageIndex   int
}

// WorkSummary counts work by status for one pipeline.
type WorkSummary struct {
	TotalEntities int `json:"total_entities"`
	Stale         int `json:"stale"`
	Ready         int `json:"ready"`
	Failed        int `json:"failed"`
	Complete      int `json:"complete"`
}

// Scanner discovers work by enumerating entities from source-stage patterns
// and evaluating staleness per stage. It reads and registers through the
// state store only; it never deletes anything (orphaned downstream state is
// left for manual invalidation).
type Scanner struct {
	store  *Store
	hasher *CodeHasher
	log    *zap.SugaredLogger
}

// NewScanner creates a work scanner.
func NewScanner(store *Store, hasher *CodeHasher, log *zap.SugaredLogger) *Scanner {
	return &Scanner{store: store, hasher: hasher, log: log}
}

// ScanForWork returns the ordered work list for one cycle. The order is
// deterministic given identical store state. maxItems caps the list;
// 0 means unbounded.
//
// Store I/O errors abort the scan: the engine cannot safely continue if the
// store itself is unreliable.
func (s *Scanner) ScanForWork(def *Definition, maxItems int) ([]WorkItem, error) {
	entities, discovery, err := s.discoverEntities(def)
	if err != nil {
		return nil, err
	}

	evaluator := NewEvaluator(s.store, def, s.hasher)
	maxAttempts := def.MaxAttempts()

	var items []WorkItem
	for _, entityID := range entities {
		ready, err := s.readyStages(def, evaluator, entityID, maxAttempts)
		if err != nil {
			return nil, err
		}
		for _, rs := range ready {
			items = append(items, WorkItem{
				EntityID:     entityID,
				StageID:      rs.stage.ID,
				Pattern:      rs.stage.Pattern,
				Reason:       rs.result.Reason,
				discoveredAt: discovery[entityID],
				stageIndex:   def.StageIndex(rs.stage.ID),
			})
		}
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].discoveredAt.Equal(items[j].discoveredAt) {
			return items[i].discoveredAt.Before(items[j].discoveredAt)
		}
		if items[i].stageIndex != items[j].stageIndex {
			return items[i].stageIndex < items[j].stageIndex
		}
		return items[i].EntityID < items[j].EntityID
	})

	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	return items, nil
}

type readyStage struct {
	stage  *Stage
	result StalenessResult
}

// readyStages finds the stages for an entity that are stale, whose input is
// itself fresh, and that are not gated by failure backoff or the retry cap.
func (s *Scanner) readyStages(def *Definition, evaluator *Evaluator, entityID string, maxAttempts int) ([]readyStage, error) {
	results, err := evaluator.CheckAll(entityID)
	if err != nil {
		return nil, err
	}

	var ready []readyStage
	for i := range def.Stages {
		stage := &def.Stages[i]
		if stage.Type == StageSource {
			continue
		}
		result := results[stage.ID]
		if !result.IsStale {
			continue
		}

		// Dependency ordering is enforced by the staleness chain: a
		// downstream stage is not work until its input is fresh
		if stage.Input != "" {
			inputResult, ok := results[stage.Input]
			if !ok || inputResult.IsStale {
				continue
			}
		}

		if !s.store.ShouldRetry(entityID, stage.ID) {
			continue
		}
		if maxAttempts > 0 {
			failure, err := s.store.GetFailure(entityID, stage.ID)
			if err != nil {
				return nil, err
			}
			if failure != nil && failure.Attempts >= maxAttempts {
				continue
			}
		}

		ready = append(ready, readyStage{stage: stage, result: result})
	}
	return ready, nil
}

// discoverEntities unions the entities matched by every source-stage pattern
// and registers newly seen sources (recording their current content hash for
// input-change detection). Returns the entity list sorted by ID plus each
// entity's first-discovery time.
func (s *Scanner) discoverEntities(def *Definition) ([]string, map[string]time.Time, error) {
	seen := map[string]bool{}
	discovery := map[string]time.Time{}

	for _, stage := range def.SourceStages() {
		matches, err := s.store.ScanPattern(stage.Pattern)
		if err != nil {
			return nil, nil, err
		}
		for _, m := range matches {
			entityID := m.EntityID()

			ok, err := s.store.SourceReady(stage, entityID)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				s.log.Debugw("Source not ready, skipping entity",
					"entity_id", entityID,
					"stage", stage.ID)
				continue
			}

			info, err := s.store.RegisterSource(stage.ID, stage.Pattern, entityID)
			if err != nil {
				if errors.IsNotFound(err) {
					// Source vanished between scan and register
					continue
				}
				return nil, nil, err
			}
			seen[entityID] = true

			discoveredAt, parseErr := time.Parse(time.RFC3339Nano, info.ProducedAt)
			if parseErr != nil {
				discoveredAt = time.Time{}
			}
			if existing, ok := discovery[entityID]; !ok || discoveredAt.Before(existing) {
				discovery[entityID] = discoveredAt
			}
		}
	}

	entities := make([]string, 0, len(seen))
	for entityID := range seen {
		entities = append(entities, entityID)
	}
	sort.Strings(entities)
	return entities, discovery, nil
}

// CountWork summarizes pipeline progress: how many entities exist, how many
// stages are ready to run, how many are blocked on failures, and how many
// entities are fully up to date.
func (s *Scanner) CountWork(def *Definition) (*WorkSummary, error) {
	entities, _, err := s.discoverEntities(def)
	if err != nil {
		return nil, err
	}

	evaluator := NewEvaluator(s.store, def, s.hasher)
	summary := &WorkSummary{TotalEntities: len(entities)}

	for _, entityID := range entities {
		ready, err := s.readyStages(def, evaluator, entityID, def.MaxAttempts())
		if err != nil {
			return nil, err
		}
		if len(ready) > 0 {
			summary.Ready += len(ready)
			summary.Stale += len(ready)
			continue
		}

		hasFailure := false
		for _, stage := range def.TransformStages() {
			failure, err := s.store.GetFailure(entityID, stage.ID)
			if err != nil {
				return nil, err
			}
			if failure != nil {
				summary.Failed++
				hasFailure = true
				break
			}
		}
		if !hasFailure {
			summary.Complete++
		}
	}
	return summary, nil
}
