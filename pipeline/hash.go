package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Code hashes track the version of node execution logic so outputs can be
// regenerated when code changes. Content hashes detect input drift between
// pipeline stages.

const (
	// HashLength is the number of hex characters kept from the digest.
	// Enough for build-staleness change detection, compact in manifests.
	HashLength = 8

	// SourceCodeHash marks source states, which have no producing code.
	SourceCodeHash = "source00"

	// StaticCodeHash is used for node types with no execute logic.
	StaticCodeHash = "static00"

	// UnknownCodeHash is used for node types the registry does not know.
	// Stable per process so staleness evaluation does not flap.
	UnknownCodeHash = "unknown0"
)

// ContentHash returns the deterministic digest of a content payload.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:HashLength]
}

// hashString digests an arbitrary string to a content-hash-sized token.
func hashString(s string) string {
	return ContentHash([]byte(s))
}

// dirListing renders a directory as its sorted relative-path:size listing,
// one entry per line. Directory content hashes and directory state reads
// both use this rendering, so the hash recorded for a directory source
// always matches the content a Read returns for it.
func dirListing(dir string) ([]byte, error) {
	var lines []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		size := int64(0)
		if !d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size = info.Size()
		}
		lines = append(lines, fmt.Sprintf("%s:%d", filepath.ToSlash(rel), size))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(lines)
	return []byte(strings.Join(lines, "\n")), nil
}

// hashDirListing hashes a directory by its listing, so adding, removing, or
// growing a file changes the hash without reading every byte.
func hashDirListing(dir string) (string, error) {
	listing, err := dirListing(dir)
	if err != nil {
		return "", err
	}
	return ContentHash(listing), nil
}

// hashPath hashes file content, or the listing for directories.
func hashPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return hashDirListing(path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return ContentHash(content), nil
}

// NodeVersioner supplies a version token per node type. The token must change
// if and only if the node's observable execution behavior could change, and
// must be stable across process restarts without code changes. The node
// registry implements this.
type NodeVersioner interface {
	// CodeVersion returns the version token for a node type, or an error
	// if the type is unknown.
	CodeVersion(typeID string) (string, error)
}

// CodeHasher computes and caches code hashes per node type for the lifetime
// of one orchestrator process. Explicitly injectable - no hidden process-wide
// singleton - so tests can reset it deterministically. Invalidate() must be
// called after hot-reloading node logic, otherwise code-change staleness
// would be missed until restart.
type CodeHasher struct {
	mu       sync.Mutex
	versions NodeVersioner
	cache    map[string]string
}

// NewCodeHasher creates a code hasher backed by the given node versioner.
func NewCodeHasher(versions NodeVersioner) *CodeHasher {
	return &CodeHasher{
		versions: versions,
		cache:    make(map[string]string),
	}
}

// CodeHash returns the code hash for a node type. Unknown node types get the
// stable UnknownCodeHash placeholder; node types with an empty version token
// get StaticCodeHash.
func (h *CodeHasher) CodeHash(typeID string) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if hash, ok := h.cache[typeID]; ok {
		return hash
	}

	var hash string
	version, err := h.versions.CodeVersion(typeID)
	switch {
	case err != nil:
		hash = UnknownCodeHash
	case version == "":
		hash = StaticCodeHash
	default:
		hash = hashString(typeID + ":" + version)
	}

	h.cache[typeID] = hash
	return hash
}

// Invalidate clears the cache, forcing recalculation of all code hashes.
func (h *CodeHasher) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache = make(map[string]string)
}
