// Package pipeline implements the state-based pipeline engine.
//
// Work is discovered by scanning a pattern-addressed content store, staleness
// is decided from code/content/input hashes recorded in per-entity manifests,
// and stages execute idempotently with failure backoff. The engine is driven
// purely by filesystem-observable facts: existence, hashes, timestamps.
package pipeline

import (
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dazflow/dazflow/errors"
)

// Patterns use {variable} syntax to match path segments:
//
//	logs/{date}/           -> matches logs/2026-01-15/
//	summaries/{date}.txt   -> matches summaries/2026-01-15.txt
//	feeds/{feed}/{guid}    -> matches feeds/hackernews/12345
//
// A placeholder matches one or more non-separator characters; it never
// crosses a path-separator boundary.

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Pattern is a compiled state pattern.
type Pattern struct {
	raw       string
	regex     *regexp.Regexp
	variables []string
	glob      string
	isDir     bool
}

// Match is the result of matching a path against a pattern.
type Match struct {
	Path      string
	Variables map[string]string

	order []string
}

// EntityID returns the composite entity ID from all variables: values joined
// by "/" in placeholder declaration order. For a single-variable pattern this
// is the variable's value alone.
func (m Match) EntityID() string {
	if len(m.order) == 1 {
		return m.Variables[m.order[0]]
	}
	values := make([]string, 0, len(m.order))
	for _, name := range m.order {
		values = append(values, m.Variables[name])
	}
	return strings.Join(values, "/")
}

// CompilePattern converts a state pattern into a matcher/extractor.
// Fails with ErrInvalidPattern on unbalanced braces, invalid or duplicate
// placeholder names.
func CompilePattern(raw string) (*Pattern, error) {
	var (
		variables  []string
		regexParts []string
		globParts  []string
		seen       = map[string]bool{}
	)

	rest := raw
	for len(rest) > 0 {
		open := strings.IndexByte(rest, '{')
		closeIdx := strings.IndexByte(rest, '}')
		if open == -1 {
			if closeIdx != -1 {
				return nil, errors.Wrapf(errors.ErrInvalidPattern, "unbalanced '}' in %q", raw)
			}
			regexParts = append(regexParts, regexp.QuoteMeta(rest))
			globParts = append(globParts, rest)
			break
		}
		if closeIdx == -1 || closeIdx < open {
			return nil, errors.Wrapf(errors.ErrInvalidPattern, "unbalanced braces in %q", raw)
		}

		if literal := rest[:open]; literal != "" {
			regexParts = append(regexParts, regexp.QuoteMeta(literal))
			globParts = append(globParts, literal)
		}

		name := rest[open+1 : closeIdx]
		if !identRe.MatchString(name) {
			return nil, errors.Wrapf(errors.ErrInvalidPattern, "invalid variable name %q in %q", name, raw)
		}
		if seen[name] {
			return nil, errors.Wrapf(errors.ErrInvalidPattern, "duplicate variable %q in %q", name, raw)
		}
		seen[name] = true
		variables = append(variables, name)

		// Named capture group; matches non-separator runs only
		regexParts = append(regexParts, "(?P<"+name+">[^/]+)")
		globParts = append(globParts, "*")

		rest = rest[closeIdx+1:]
	}

	regex, err := regexp.Compile("^" + strings.Join(regexParts, "") + "$")
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidPattern, "compiling %q: %v", raw, err)
	}

	return &Pattern{
		raw:       raw,
		regex:     regex,
		variables: variables,
		glob:      strings.TrimSuffix(strings.Join(globParts, ""), "/"),
		isDir:     strings.HasSuffix(raw, "/"),
	}, nil
}

// String returns the raw pattern text.
func (p *Pattern) String() string { return p.raw }

// Variables returns the placeholder names in declaration order.
func (p *Pattern) Variables() []string { return p.variables }

// Match matches a path against the pattern and extracts variables.
// Returns false if the path does not conform to the pattern's
// literal/placeholder structure.
func (p *Pattern) Match(path string) (Match, bool) {
	m := p.regex.FindStringSubmatch(path)
	if m == nil {
		return Match{}, false
	}
	vars := make(map[string]string, len(p.variables))
	for i, name := range p.regex.SubexpNames() {
		if name != "" {
			vars[name] = m[i]
		}
	}
	return Match{Path: path, Variables: vars, order: p.variables}, true
}

// Resolve substitutes variable values into the pattern.
// Fails if a required variable is missing.
func (p *Pattern) Resolve(variables map[string]string) (string, error) {
	result := p.raw
	for _, name := range p.variables {
		value, ok := variables[name]
		if !ok {
			return "", errors.Newf("missing variable %q for pattern %q", name, p.raw)
		}
		result = strings.ReplaceAll(result, "{"+name+"}", value)
	}
	return result, nil
}

// VariablesFromEntityID reverses EntityID: for single-variable patterns the
// entity ID is the variable's value; for multi-variable patterns it is the
// slash-joined values in declaration order.
func (p *Pattern) VariablesFromEntityID(entityID string) (map[string]string, error) {
	if len(p.variables) == 1 {
		return map[string]string{p.variables[0]: entityID}, nil
	}
	parts := strings.Split(entityID, "/")
	if len(parts) != len(p.variables) {
		return nil, errors.Newf("entity ID %q has %d parts, expected %d for pattern %q",
			entityID, len(parts), len(p.variables), p.raw)
	}
	vars := make(map[string]string, len(p.variables))
	for i, name := range p.variables {
		vars[name] = parts[i]
	}
	return vars, nil
}

// ResolveEntity resolves the pattern for an entity ID.
func (p *Pattern) ResolveEntity(entityID string) (string, error) {
	vars, err := p.VariablesFromEntityID(entityID)
	if err != nil {
		return "", err
	}
	return p.Resolve(vars)
}

// Scan walks the content root and returns every path that matches the
// pattern, sorted by entity ID. A fresh scan is a fresh traversal; no paging
// state is retained. A missing root yields no matches.
func (p *Pattern) Scan(root string) ([]Match, error) {
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WrapStoreIO(err, "statting scan root "+root)
	}

	fsys := os.DirFS(root)

	// Glob pre-filter (placeholders replaced with *), then exact regexp match
	entries, err := doublestar.Glob(fsys, p.glob)
	if err != nil {
		return nil, errors.WrapStoreIO(err, "globbing pattern "+p.raw)
	}

	var matches []Match
	for _, rel := range entries {
		candidate := rel
		if p.isDir {
			info, err := fs.Stat(fsys, rel)
			if err != nil || !info.IsDir() {
				continue
			}
			candidate += "/"
		}
		if m, ok := p.Match(candidate); ok {
			matches = append(matches, m)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].EntityID() < matches[j].EntityID()
	})
	return matches, nil
}
