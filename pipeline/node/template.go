package node

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Node data values may contain {{expression}} blocks evaluated against the
// stage execution context, with $ as the context root:
//
//	{{$.entity.id}}          -> the entity being processed
//	{{$.summary.content}}    -> content of the upstream "summary" stage
//
// Expressions are dot-path lookups into the context. A value that is a
// single expression keeps the looked-up value's type; expressions embedded
// in larger strings are stringified. Unresolvable expressions are left as-is
// so failures are visible in the produced configuration.

var exprRe = regexp.MustCompile(`\{\{([^}]*)\}\}`)

// EvaluateData recursively evaluates all {{...}} expressions in a data
// structure, returning a new structure. Maps and slices are walked; other
// values pass through unchanged.
func EvaluateData(data any, contextData map[string]any) any {
	switch v := data.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			out[key] = EvaluateData(value, contextData)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, value := range v {
			out[i] = EvaluateData(value, contextData)
		}
		return out
	case string:
		return evaluateTemplate(v, contextData)
	default:
		return data
	}
}

// evaluateTemplate evaluates {{...}} blocks in a string.
func evaluateTemplate(template string, contextData map[string]any) any {
	locs := exprRe.FindAllStringSubmatchIndex(template, -1)
	if locs == nil {
		return template
	}

	// Single expression spanning the whole string keeps its type
	if len(locs) == 1 && locs[0][0] == 0 && locs[0][1] == len(template) {
		expr := template[locs[0][2]:locs[0][3]]
		if value, ok := lookup(expr, contextData); ok {
			return value
		}
		return template
	}

	var b strings.Builder
	last := 0
	for _, loc := range locs {
		b.WriteString(template[last:loc[0]])
		expr := template[loc[2]:loc[3]]
		if value, ok := lookup(expr, contextData); ok {
			b.WriteString(stringify(value))
		} else {
			// Keep the original block visible
			b.WriteString(template[loc[0]:loc[1]])
		}
		last = loc[1]
	}
	b.WriteString(template[last:])
	return b.String()
}

// lookup resolves a $-rooted dot path against the context.
func lookup(expr string, contextData map[string]any) (any, bool) {
	path := strings.TrimSpace(expr)
	path = strings.TrimPrefix(path, "$.")
	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return contextData, true
	}

	var current any = contextData
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
