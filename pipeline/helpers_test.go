package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dazflow/dazflow/errors"
)

// staticVersions is a NodeVersioner backed by a plain map.
type staticVersions map[string]string

func (s staticVersions) CodeVersion(typeID string) (string, error) {
	version, ok := s[typeID]
	if !ok {
		return "", errors.Newf("unknown node type %q", typeID)
	}
	return version, nil
}

// execFunc adapts a function to the NodeExecutor interface.
type execFunc func(ctx context.Context, typeID string, data map[string]any, contextData map[string]any) (any, error)

func (f execFunc) Execute(ctx context.Context, typeID string, data map[string]any, contextData map[string]any) (any, error) {
	return f(ctx, typeID, data, contextData)
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// testDefinition is a three-stage chain: log files feed summaries feed
// reports. Used throughout the engine tests.
func testDefinition(root string) *Definition {
	return &Definition{
		Name:      "daily-summary",
		StateRoot: root,
		Stages: []Stage{
			{ID: "log", Type: StageSource, Pattern: "logs/{date}.txt"},
			{
				ID:      "summary",
				Type:    StageTransform,
				Pattern: "summaries/{date}.txt",
				Input:   "log",
				Node:    &NodeSpec{TypeID: "summarize"},
			},
			{
				ID:      "report",
				Type:    StageTransform,
				Pattern: "reports/{date}.md",
				Input:   "summary",
				Node:    &NodeSpec{TypeID: "report"},
			},
		},
	}
}

func testHasher() *CodeHasher {
	return NewCodeHasher(staticVersions{"summarize": "v1", "report": "v1"})
}

// writeSource drops a source file under the state root.
func writeSource(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
