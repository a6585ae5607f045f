/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package registry

import (
	"fmt"
	"sort"
	"strings"
)

// NotFoundError indicates a requested tool-server name matched no registry
// entry (or matched more than one under fuzzy rules)
type NotFoundError struct {
	Requested string
	Ambiguous []string // populated when fuzzy matching was ambiguous
}

func (e *NotFoundError) Error() string {
	if len(e.Ambiguous) > 0 {
		return fmt.Sprintf("tool server '%s' is ambiguous (matches %s)",
			e.Requested, strings.Join(e.Ambiguous, ", "))
	}
	return fmt.Sprintf("tool server '%s' not found in registry", e.Requested)
}

// suffixes stripped during fuzzy normalization, longest first
var fuzzySuffixes = []string{"-server", "-service", "-mcp"}

// normalize lowercases a name and removes separators so that variants like
// "GitHub_MCP" and "github-mcp" compare equal
func normalize(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	for _, suffix := range fuzzySuffixes {
		if trimmed, ok := strings.CutSuffix(s, suffix); ok {
			s = trimmed
			break
		}
	}
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// Resolve maps a caller-supplied name to a descriptor. Matching is attempted
// in precedence order: exact canonical name, declared alias, then normalized
// fuzzy match. A fuzzy match that lands on more than one entry is treated as
// not found rather than guessing. Resolve never mutates the registry and is
// safe for concurrent use.
func (r *Registry) Resolve(requested string) (*Descriptor, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return nil, &NotFoundError{Requested: requested}
	}

	// Exact canonical match
	if d, ok := r.byCanonical[requested]; ok {
		return d, nil
	}

	// Declared alias
	if canonical, ok := r.byAlias[requested]; ok {
		return r.byCanonical[canonical], nil
	}

	// Fuzzy: normalized comparison against canonical names and aliases
	want := normalize(requested)
	if want == "" {
		return nil, &NotFoundError{Requested: requested}
	}

	matches := make(map[string]bool)
	for name := range r.byCanonical {
		if normalize(name) == want {
			matches[name] = true
		}
	}
	for alias, canonical := range r.byAlias {
		if normalize(alias) == want {
			matches[canonical] = true
		}
	}

	switch len(matches) {
	case 1:
		for name := range matches {
			return r.byCanonical[name], nil
		}
	case 0:
		return nil, &NotFoundError{Requested: requested}
	}

	ambiguous := make([]string, 0, len(matches))
	for name := range matches {
		ambiguous = append(ambiguous, name)
	}
	sort.Strings(ambiguous)
	return nil, &NotFoundError{Requested: requested, Ambiguous: ambiguous}
}
