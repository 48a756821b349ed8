package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dazflow/dazflow/errors"
)

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		vars    []string
		wantErr bool
	}{
		{"single variable file", "logs/{date}.txt", []string{"date"}, false},
		{"single variable dir", "inbox/{user}/", []string{"user"}, false},
		{"two variables", "feeds/{feed}/{guid}", []string{"feed", "guid"}, false},
		{"no variables", "static/config.json", nil, false},
		{"underscore name", "x/{entity_id}.json", []string{"entity_id"}, false},
		{"duplicate variable", "a/{x}/{x}", nil, true},
		{"empty name", "a/{}.txt", nil, true},
		{"invalid name", "a/{foo-bar}.txt", nil, true},
		{"unbalanced open", "a/{foo.txt", nil, true},
		{"unbalanced close", "a/foo}.txt", nil, true},
		{"close before open", "a/}foo{.txt", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := CompilePattern(tt.pattern)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrInvalidPattern))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.vars, p.Variables())
		})
	}
}

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		path     string
		match    bool
		vars     map[string]string
		entityID string
	}{
		{
			name:     "file pattern",
			pattern:  "logs/{date}.txt",
			path:     "logs/2026-01-15.txt",
			match:    true,
			vars:     map[string]string{"date": "2026-01-15"},
			entityID: "2026-01-15",
		},
		{
			name:     "directory pattern",
			pattern:  "inbox/{user}/",
			path:     "inbox/alice/",
			match:    true,
			vars:     map[string]string{"user": "alice"},
			entityID: "alice",
		},
		{
			name:     "multi variable",
			pattern:  "feeds/{feed}/{guid}",
			path:     "feeds/hackernews/12345",
			match:    true,
			vars:     map[string]string{"feed": "hackernews", "guid": "12345"},
			entityID: "hackernews/12345",
		},
		{
			name:    "placeholder does not cross separator",
			pattern: "logs/{date}.txt",
			path:    "logs/2026/01.txt",
			match:   false,
		},
		{
			name:    "literal mismatch",
			pattern: "logs/{date}.txt",
			path:    "summaries/2026-01-15.txt",
			match:   false,
		},
		{
			name:    "empty segment",
			pattern: "logs/{date}.txt",
			path:    "logs/.txt",
			match:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := CompilePattern(tt.pattern)
			require.NoError(t, err)

			m, ok := p.Match(tt.path)
			assert.Equal(t, tt.match, ok)
			if tt.match {
				assert.Equal(t, tt.vars, m.Variables)
				assert.Equal(t, tt.entityID, m.EntityID())
			}
		})
	}
}

func TestPatternResolve(t *testing.T) {
	p, err := CompilePattern("feeds/{feed}/{guid}.json")
	require.NoError(t, err)

	path, err := p.Resolve(map[string]string{"feed": "hn", "guid": "42"})
	require.NoError(t, err)
	assert.Equal(t, "feeds/hn/42.json", path)

	_, err = p.Resolve(map[string]string{"feed": "hn"})
	assert.Error(t, err, "missing variable must fail")
}

func TestPatternRoundTrip(t *testing.T) {
	// Resolve and Match are inverses through the entity ID
	p, err := CompilePattern("feeds/{feed}/{guid}.json")
	require.NoError(t, err)

	path, err := p.ResolveEntity("hn/42")
	require.NoError(t, err)
	assert.Equal(t, "feeds/hn/42.json", path)

	m, ok := p.Match(path)
	require.True(t, ok)
	assert.Equal(t, "hn/42", m.EntityID())
}

func TestVariablesFromEntityID(t *testing.T) {
	single, err := CompilePattern("logs/{date}.txt")
	require.NoError(t, err)

	// A single-variable entity ID may itself contain slashes
	vars, err := single.VariablesFromEntityID("2026/01/15")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"date": "2026/01/15"}, vars)

	multi, err := CompilePattern("feeds/{feed}/{guid}")
	require.NoError(t, err)

	vars, err = multi.VariablesFromEntityID("hn/42")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"feed": "hn", "guid": "42"}, vars)

	_, err = multi.VariablesFromEntityID("justone")
	assert.Error(t, err, "part count mismatch must fail")
}

func TestPatternScan(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "logs/2026-01-15.txt", "a")
	writeSource(t, root, "logs/2026-01-16.txt", "b")
	writeSource(t, root, "logs/notes.md", "not matched")
	writeSource(t, root, "summaries/2026-01-15.txt", "s")

	p, err := CompilePattern("logs/{date}.txt")
	require.NoError(t, err)

	matches, err := p.Scan(root)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "2026-01-15", matches[0].EntityID())
	assert.Equal(t, "2026-01-16", matches[1].EntityID())
}

func TestPatternScanDirectories(t *testing.T) {
	root := t.TempDir()
	writeSource(t, root, "inbox/alice/msg1.txt", "x")
	writeSource(t, root, "inbox/bob/msg1.txt", "y")
	writeSource(t, root, "inbox/stray.txt", "not a dir")

	p, err := CompilePattern("inbox/{user}/")
	require.NoError(t, err)

	matches, err := p.Scan(root)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "alice", matches[0].EntityID())
	assert.Equal(t, "bob", matches[1].EntityID())
}

func TestPatternScanMissingRoot(t *testing.T) {
	p, err := CompilePattern("logs/{date}.txt")
	require.NoError(t, err)

	matches, err := p.Scan("/nonexistent/dazflow-test-root")
	require.NoError(t, err)
	assert.Empty(t, matches)
}
