package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dazflow/dazflow/errors"
)

// MetadataDir is the reserved metadata subdirectory inside the state root.
// Named distinctly from stage output subdirectories to avoid pattern
// collisions.
const MetadataDir = ".dazflow"

// StateInfo records one produced (or discovered) state in an entity's
// manifest.
type StateInfo struct {
	Path        string            `json:"path"`
	CodeHash    string            `json:"code_hash"`
	ContentHash string            `json:"content_hash"`
	ProducedAt  string            `json:"produced_at"`
	ProducedBy  string            `json:"produced_by"`
	InputHashes map[string]string `json:"input_hashes,omitempty"`
	IsSource    bool              `json:"is_source,omitempty"`
}

// FailureInfo records a failed state production attempt for one stage.
type FailureInfo struct {
	Error         string `json:"error"`
	ErrorDetails  string `json:"error_details,omitempty"`
	Attempts      int    `json:"attempts"`
	FirstFailedAt string `json:"first_failed_at"`
	LastFailedAt  string `json:"last_failed_at"`
	NextRetryAt   string `json:"next_retry_at"`
}

// Manifest is the complete state record for an entity, keyed by stage ID.
type Manifest struct {
	EntityID string               `json:"entity_id"`
	States   map[string]StateInfo `json:"states"`
}

// Failures holds the failure ledger for an entity, keyed by stage ID.
type Failures struct {
	EntityID string                 `json:"entity_id"`
	Failures map[string]FailureInfo `json:"failures"`
}

// Store is the filesystem-backed state store. It exclusively owns manifest
// and failure persistence; the scanner and executor only read/mutate through
// its interface. All paths resolve relative to the injected root - no
// ambient working-directory assumptions.
type Store struct {
	root         string
	manifestsDir string
	failuresDir  string

	// Per-entity locks serialize concurrent writers to the same entity's
	// manifest and failure ledger. Distinct entities never block each
	// other.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	// Compiled pattern cache; patterns repeat every scan cycle
	patternMu sync.Mutex
	patterns  map[string]*Pattern

	now func() time.Time
}

// NewStore creates a state store rooted at the given directory.
func NewStore(root string) *Store {
	metadataDir := filepath.Join(root, MetadataDir)
	return &Store{
		root:         root,
		manifestsDir: filepath.Join(metadataDir, "manifests"),
		failuresDir:  filepath.Join(metadataDir, "failures"),
		locks:        make(map[string]*sync.Mutex),
		patterns:     make(map[string]*Pattern),
		now:          time.Now,
	}
}

// Root returns the state root directory.
func (s *Store) Root() string { return s.root }

// Init creates the state store directory layout.
func (s *Store) Init() error {
	for _, dir := range []string{s.manifestsDir, s.failuresDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.WrapStoreIO(err, "initializing state store")
		}
	}
	return nil
}

func (s *Store) entityLock(entityID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[entityID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[entityID] = lock
	}
	return lock
}

func (s *Store) compiled(pattern string) (*Pattern, error) {
	s.patternMu.Lock()
	defer s.patternMu.Unlock()
	if p, ok := s.patterns[pattern]; ok {
		return p, nil
	}
	p, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	s.patterns[pattern] = p
	return p, nil
}

// resolvePath resolves a pattern + entity ID to a full path under the root.
func (s *Store) resolvePath(pattern, entityID string) (string, error) {
	p, err := s.compiled(pattern)
	if err != nil {
		return "", err
	}
	rel, err := p.ResolveEntity(entityID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(rel)), nil
}

// -----------------------------------------------------------------------------
// State existence and content
// -----------------------------------------------------------------------------

// Exists reports whether a state file exists.
func (s *Store) Exists(pattern, entityID string) bool {
	path, err := s.resolvePath(pattern, entityID)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Read returns state content. Directory states (patterns with a trailing
// "/") read as their sorted file listing, the same rendering their content
// hash is computed from. Fails with ErrNotFound if the state has not been
// produced.
func (s *Store) Read(pattern, entityID string) ([]byte, error) {
	path, err := s.resolvePath(pattern, entityID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundf("state %s for entity %s", pattern, entityID)
		}
		return nil, errors.WrapStoreIO(err, "statting state "+path)
	}
	if info.IsDir() {
		listing, err := dirListing(path)
		if err != nil {
			return nil, errors.WrapStoreIO(err, "listing state "+path)
		}
		return listing, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundf("state %s for entity %s", pattern, entityID)
		}
		return nil, errors.WrapStoreIO(err, "reading state "+path)
	}
	return content, nil
}

// Write persists content at the resolved path, computes the content hash,
// and updates the entity's manifest with a new StateInfo. The write is
// atomic with respect to partial writes: content goes to a temporary file
// and is renamed into place before the manifest is touched, so a crash
// before the manifest update simply looks like "not yet produced". Any
// failure record for the stage is cleared on success.
func (s *Store) Write(stageID, pattern, entityID string, content []byte, codeHash, producedBy string, inputHashes map[string]string) (*StateInfo, error) {
	path, err := s.resolvePath(pattern, entityID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.WrapStoreIO(err, "creating parent directories for "+path)
	}

	// Commit boundary: temp write + rename first, manifest update second
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return nil, errors.WrapStoreIO(err, "creating temp file for "+path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, errors.WrapStoreIO(err, "writing state content")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, errors.WrapStoreIO(err, "closing temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return nil, errors.WrapStoreIO(err, "committing state "+path)
	}

	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		rel = path
	}
	info := StateInfo{
		Path:        filepath.ToSlash(rel),
		CodeHash:    codeHash,
		ContentHash: ContentHash(content),
		ProducedAt:  s.now().Format(time.RFC3339Nano),
		ProducedBy:  producedBy,
		InputHashes: inputHashes,
	}

	lock := s.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.updateManifestLocked(entityID, stageID, info); err != nil {
		return nil, err
	}
	if err := s.clearFailureLocked(entityID, stageID); err != nil {
		return nil, err
	}
	return &info, nil
}

// Delete removes a state file and its manifest entry. Returns false if the
// file did not exist.
func (s *Store) Delete(stageID, pattern, entityID string) (bool, error) {
	path, err := s.resolvePath(pattern, entityID)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.WrapStoreIO(err, "statting "+path)
	}
	if err := os.Remove(path); err != nil {
		return false, errors.WrapStoreIO(err, "deleting "+path)
	}

	lock := s.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	manifest, err := s.readManifestLocked(entityID)
	if err != nil {
		return true, err
	}
	if _, ok := manifest.States[stageID]; ok {
		delete(manifest.States, stageID)
		if err := s.writeManifestLocked(manifest); err != nil {
			return true, err
		}
	}
	return true, nil
}

// RegisterSource records that a source entity was discovered. Source states
// have no code hash; the content hash reflects the file content, or the
// sorted file listing for directories. The first discovery time is
// preserved across re-scans so work ordering stays FIFO.
func (s *Store) RegisterSource(stageID, pattern, entityID string) (*StateInfo, error) {
	path, err := s.resolvePath(pattern, entityID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundf("source %s for entity %s", pattern, entityID)
		}
		return nil, errors.WrapStoreIO(err, "statting source "+path)
	}

	contentHash, err := hashPath(path)
	if err != nil {
		return nil, errors.WrapStoreIO(err, "hashing source "+path)
	}

	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		rel = path
	}

	lock := s.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	discoveredAt := s.now().Format(time.RFC3339Nano)
	manifest, err := s.readManifestLocked(entityID)
	if err != nil {
		return nil, err
	}
	if existing, ok := manifest.States[stageID]; ok && existing.ProducedAt != "" {
		discoveredAt = existing.ProducedAt
	}

	info := StateInfo{
		Path:        filepath.ToSlash(rel),
		CodeHash:    SourceCodeHash,
		ContentHash: contentHash,
		ProducedAt:  discoveredAt,
		ProducedBy:  "external",
		IsSource:    true,
	}
	manifest.States[stageID] = info
	if err := s.writeManifestLocked(manifest); err != nil {
		return nil, err
	}
	return &info, nil
}

// -----------------------------------------------------------------------------
// Entity and pattern scanning
// -----------------------------------------------------------------------------

// ListEntities returns the entity IDs matching a pattern under the root.
func (s *Store) ListEntities(pattern string) ([]string, error) {
	matches, err := s.ScanPattern(pattern)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.EntityID())
	}
	return ids, nil
}

// ScanPattern scans the state root for paths matching a pattern.
func (s *Store) ScanPattern(pattern string) ([]Match, error) {
	p, err := s.compiled(pattern)
	if err != nil {
		return nil, err
	}
	return p.Scan(s.root)
}

// -----------------------------------------------------------------------------
// Manifests
// -----------------------------------------------------------------------------

// GetManifest returns the manifest for an entity. An entity that was never
// recorded yields an empty manifest, never an error.
func (s *Store) GetManifest(entityID string) (*Manifest, error) {
	lock := s.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()
	return s.readManifestLocked(entityID)
}

// GetStateInfo returns the manifest entry for a specific stage.
func (s *Store) GetStateInfo(entityID, stageID string) (*StateInfo, error) {
	manifest, err := s.GetManifest(entityID)
	if err != nil {
		return nil, err
	}
	info, ok := manifest.States[stageID]
	if !ok {
		return nil, errors.NewNotFoundf("no state for stage %s of entity %s", stageID, entityID)
	}
	return &info, nil
}

// GetContentHash returns the recorded content hash for a stage, or "" if
// the stage has no manifest entry.
func (s *Store) GetContentHash(entityID, stageID string) (string, error) {
	manifest, err := s.GetManifest(entityID)
	if err != nil {
		return "", err
	}
	return manifest.States[stageID].ContentHash, nil
}

// Invalidate clears manifest entries for a stage, forcing re-staleness on
// the next scan. With an empty entityID, all entities are invalidated.
// Underlying content files are untouched - only the manifest pointer is
// cleared, so staleness evaluation treats the stage as missing.
func (s *Store) Invalidate(stageID, entityID string) error {
	if entityID != "" {
		return s.invalidateEntity(stageID, entityID)
	}

	entries, err := os.ReadDir(s.manifestsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WrapStoreIO(err, "listing manifests")
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		// Filenames mangle "/" to "_"; the manifest body carries the
		// real entity ID
		data, err := os.ReadFile(filepath.Join(s.manifestsDir, name))
		if err != nil {
			return errors.WrapStoreIO(err, "reading manifest "+name)
		}
		var manifest Manifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			return errors.WrapStoreIO(err, "parsing manifest "+name)
		}
		if manifest.EntityID == "" {
			continue
		}
		if err := s.invalidateEntity(stageID, manifest.EntityID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) invalidateEntity(stageID, entityID string) error {
	lock := s.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	manifest, err := s.readManifestLocked(entityID)
	if err != nil {
		return err
	}
	if _, ok := manifest.States[stageID]; !ok {
		return nil
	}
	delete(manifest.States, stageID)
	return s.writeManifestLocked(manifest)
}

func (s *Store) readManifestLocked(entityID string) (*Manifest, error) {
	path := s.manifestPath(entityID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{EntityID: entityID, States: map[string]StateInfo{}}, nil
		}
		return nil, errors.WrapStoreIO(err, "reading manifest "+path)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, errors.WrapStoreIO(err, "parsing manifest "+path)
	}
	manifest.EntityID = entityID
	if manifest.States == nil {
		manifest.States = map[string]StateInfo{}
	}
	return &manifest, nil
}

func (s *Store) updateManifestLocked(entityID, stageID string, info StateInfo) error {
	manifest, err := s.readManifestLocked(entityID)
	if err != nil {
		return err
	}
	manifest.States[stageID] = info
	return s.writeManifestLocked(manifest)
}

func (s *Store) writeManifestLocked(manifest *Manifest) error {
	if err := os.MkdirAll(s.manifestsDir, 0o755); err != nil {
		return errors.WrapStoreIO(err, "creating manifests dir")
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.WrapStoreIO(err, "encoding manifest")
	}
	path := s.manifestPath(manifest.EntityID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.WrapStoreIO(err, "writing manifest "+path)
	}
	return nil
}

// manifestPath maps an entity ID to its manifest file. Composite IDs
// replace "/" with "_".
func (s *Store) manifestPath(entityID string) string {
	return filepath.Join(s.manifestsDir, safeEntityID(entityID)+".json")
}

func safeEntityID(entityID string) string {
	return strings.ReplaceAll(entityID, "/", "_")
}

// -----------------------------------------------------------------------------
// Failures
// -----------------------------------------------------------------------------

// RecordFailure records a failed attempt for a stage. A fresh record starts
// at attempts=1; repeated failures increment attempts and reschedule
// next_retry_at from the backoff schedule indexed by attempts, clamping to
// the last value doubled once attempts exceed the schedule length.
// next_retry_at is monotonically non-decreasing across consecutive failures.
func (s *Store) RecordFailure(entityID, stageID, errMsg, errDetails string, backoffSchedule []int) (*FailureInfo, error) {
	if len(backoffSchedule) == 0 {
		backoffSchedule = defaultBackoff()
	}

	lock := s.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	failures, err := s.readFailuresLocked(entityID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	attempts := 1
	firstFailedAt := now.Format(time.RFC3339Nano)
	if existing, ok := failures.Failures[stageID]; ok {
		attempts = existing.Attempts + 1
		firstFailedAt = existing.FirstFailedAt
	}

	var delay int
	if attempts-1 < len(backoffSchedule) {
		delay = backoffSchedule[attempts-1]
	} else {
		// Max retries exceeded - use last backoff * 2
		delay = backoffSchedule[len(backoffSchedule)-1] * 2
	}

	info := FailureInfo{
		Error:         errMsg,
		ErrorDetails:  errDetails,
		Attempts:      attempts,
		FirstFailedAt: firstFailedAt,
		LastFailedAt:  now.Format(time.RFC3339Nano),
		NextRetryAt:   now.Add(time.Duration(delay) * time.Second).Format(time.RFC3339Nano),
	}
	failures.Failures[stageID] = info
	if err := s.writeFailuresLocked(failures); err != nil {
		return nil, err
	}
	return &info, nil
}

// ShouldRetry reports whether a stage may be attempted: true when no failure
// record exists or the backoff interval has elapsed.
func (s *Store) ShouldRetry(entityID, stageID string) bool {
	failure, err := s.GetFailure(entityID, stageID)
	if err != nil || failure == nil {
		return true
	}
	nextRetry, err := time.Parse(time.RFC3339Nano, failure.NextRetryAt)
	if err != nil {
		return true
	}
	return !s.now().Before(nextRetry)
}

// ClearFailure removes the failure record for a stage. Idempotent.
func (s *Store) ClearFailure(entityID, stageID string) error {
	lock := s.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()
	return s.clearFailureLocked(entityID, stageID)
}

func (s *Store) clearFailureLocked(entityID, stageID string) error {
	failures, err := s.readFailuresLocked(entityID)
	if err != nil {
		return err
	}
	if _, ok := failures.Failures[stageID]; !ok {
		return nil
	}
	delete(failures.Failures, stageID)
	if len(failures.Failures) > 0 {
		return s.writeFailuresLocked(failures)
	}
	// No more failures for this entity - drop the file
	if err := os.Remove(s.failuresPath(entityID)); err != nil && !os.IsNotExist(err) {
		return errors.WrapStoreIO(err, "removing failure file")
	}
	return nil
}

// GetFailure returns the failure record for a stage, or nil if none exists.
func (s *Store) GetFailure(entityID, stageID string) (*FailureInfo, error) {
	failures, err := s.GetFailures(entityID)
	if err != nil {
		return nil, err
	}
	info, ok := failures.Failures[stageID]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// GetFailures returns the failure ledger for an entity. An entity with no
// recorded failures yields an empty ledger.
func (s *Store) GetFailures(entityID string) (*Failures, error) {
	lock := s.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()
	return s.readFailuresLocked(entityID)
}

func (s *Store) readFailuresLocked(entityID string) (*Failures, error) {
	path := s.failuresPath(entityID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Failures{EntityID: entityID, Failures: map[string]FailureInfo{}}, nil
		}
		return nil, errors.WrapStoreIO(err, "reading failures "+path)
	}
	var failures Failures
	if err := json.Unmarshal(data, &failures); err != nil {
		return nil, errors.WrapStoreIO(err, "parsing failures "+path)
	}
	failures.EntityID = entityID
	if failures.Failures == nil {
		failures.Failures = map[string]FailureInfo{}
	}
	return &failures, nil
}

func (s *Store) writeFailuresLocked(failures *Failures) error {
	if err := os.MkdirAll(s.failuresDir, 0o755); err != nil {
		return errors.WrapStoreIO(err, "creating failures dir")
	}
	data, err := json.MarshalIndent(failures, "", "  ")
	if err != nil {
		return errors.WrapStoreIO(err, "encoding failures")
	}
	path := s.failuresPath(failures.EntityID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.WrapStoreIO(err, "writing failures "+path)
	}
	return nil
}

func (s *Store) failuresPath(entityID string) string {
	return filepath.Join(s.failuresDir, safeEntityID(entityID)+".json")
}

// defaultBackoff mirrors config.DefaultBackoffSeconds without importing the
// config package here; the store is usable standalone.

func defaultBackoff() []int {
	return []int{60, 300, 900, 3600, 14400, 86400}
}

// SourceReady applies a source stage's minimum-readiness filter. File
// sources are ready when they exist; directory sources optionally require a
// minimum number of files present.
func (s *Store) SourceReady(stage *Stage, entityID string) (bool, error) {
	path, err := s.resolvePath(stage.Pattern, entityID)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.WrapStoreIO(err, "statting source "+path)
	}
	if stage.Filter == nil || stage.Filter.MinFiles <= 0 {
		return true, nil
	}
	if !info.IsDir() {
		return true, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, errors.WrapStoreIO(err, "listing source "+path)
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			count++
		}
	}
	return count >= stage.Filter.MinFiles, nil
}
