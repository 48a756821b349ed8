package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testContext() map[string]any {
	return map[string]any{
		"entity": map[string]any{
			"id":   "2026-01-15",
			"date": "2026-01-15",
		},
		"log": map[string]any{
			"content": "log body",
			"path":    "logs/2026-01-15.txt",
		},
		"meta": map[string]any{
			"count":   float64(3),
			"enabled": true,
			"tags":    []any{"a", "b"},
		},
	}
}

func TestEvaluateTemplateStrings(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		name     string
		template string
		want     any
	}{
		{"no expressions", "plain text", "plain text"},
		{"whole string keeps type", "{{$.meta.count}}", float64(3)},
		{"whole string bool", "{{$.meta.enabled}}", true},
		{"whole string structure", "{{$.meta.tags}}", []any{"a", "b"}},
		{"embedded stringified", "count={{$.meta.count}}!", "count=3!"},
		{"multiple expressions", "{{$.entity.id}}: {{$.log.path}}", "2026-01-15: logs/2026-01-15.txt"},
		{"whitespace tolerated", "{{ $.entity.id }}", "2026-01-15"},
		{"unresolvable left as-is", "{{$.nope.deep}}", "{{$.nope.deep}}"},
		{"unresolvable embedded left as-is", "x {{$.nope}} y", "x {{$.nope}} y"},
		{"non-map traversal fails", "{{$.log.content.deeper}}", "{{$.log.content.deeper}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evaluateTemplate(tt.template, ctx))
		})
	}
}

func TestEvaluateDataWalksStructures(t *testing.T) {
	ctx := testContext()

	data := map[string]any{
		"subject": "Summary for {{$.entity.date}}",
		"nested": map[string]any{
			"body": "{{$.log.content}}",
		},
		"list":   []any{"{{$.entity.id}}", 42},
		"number": 7,
	}

	got := EvaluateData(data, ctx).(map[string]any)
	assert.Equal(t, "Summary for 2026-01-15", got["subject"])
	assert.Equal(t, "log body", got["nested"].(map[string]any)["body"])
	assert.Equal(t, []any{"2026-01-15", 42}, got["list"])
	assert.Equal(t, 7, got["number"])

	// Original data is untouched
	assert.Equal(t, "Summary for {{$.entity.date}}", data["subject"])
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "text", stringify("text"))
	assert.Equal(t, "", stringify(nil))
	assert.Equal(t, "3.5", stringify(3.5))
	assert.Equal(t, "true", stringify(true))
	assert.Equal(t, `["a","b"]`, stringify([]any{"a", "b"}))
}
