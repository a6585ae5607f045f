/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package registry holds the static catalog of tool-server descriptors and
// resolves caller-supplied name variants to canonical registry entries.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/STPDevteam/awesome-server-sub003/global"
)

// Descriptor describes one tool server: how to spawn it, what it is called,
// and what credentials it needs. Immutable after load.
type Descriptor struct {
	CanonicalName string            `json:"canonical_name"`
	Aliases       []string          `json:"aliases,omitempty"`
	Description   string            `json:"description,omitempty"`
	Category      string            `json:"category,omitempty"`
	Transport     string            `json:"transport,omitempty"`
	Command       string            `json:"command"`
	Args          []string          `json:"args,omitempty"`
	// Env is a template: values may contain {{param}} placeholders that are
	// filled from per-user credentials at spawn time.
	Env        map[string]string `json:"env,omitempty"`
	AuthSchema map[string]string `json:"auth_schema,omitempty"`
}

// RequiresAuth returns true if the descriptor declares credential parameters
func (d *Descriptor) RequiresAuth() bool {
	return len(d.AuthSchema) > 0
}

// registryData is the on-disk catalog format
type registryData struct {
	Version int          `json:"version"`
	Servers []Descriptor `json:"servers"`
}

// Registry is an immutable catalog of tool-server descriptors. It is loaded
// once and passed by reference into the pool and the workflow engine, so
// multiple independent instances can coexist in tests.
type Registry struct {
	byCanonical map[string]*Descriptor
	byAlias     map[string]string // alias -> canonical
	ordered     []string          // canonical names in catalog order
}

// Load reads a catalog file and builds a Registry
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Registry from raw catalog JSON
func Parse(data []byte) (*Registry, error) {
	var catalog registryData
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}

	r := &Registry{
		byCanonical: make(map[string]*Descriptor),
		byAlias:     make(map[string]string),
	}

	for i := range catalog.Servers {
		d := &catalog.Servers[i]
		if d.CanonicalName == "" {
			return nil, fmt.Errorf("registry entry %d: canonical_name cannot be empty", i)
		}
		if d.Command == "" {
			return nil, fmt.Errorf("registry entry %s: command cannot be empty", d.CanonicalName)
		}
		if d.Transport == "" {
			d.Transport = global.TransportStdio
		}
		if d.Transport != global.TransportStdio {
			return nil, fmt.Errorf("registry entry %s: unsupported transport '%s'", d.CanonicalName, d.Transport)
		}
		if _, exists := r.byCanonical[d.CanonicalName]; exists {
			return nil, fmt.Errorf("duplicate canonical name: %s", d.CanonicalName)
		}
		r.byCanonical[d.CanonicalName] = d
		r.ordered = append(r.ordered, d.CanonicalName)

		for _, alias := range d.Aliases {
			if alias == "" || alias == d.CanonicalName {
				continue
			}
			if existing, exists := r.byAlias[alias]; exists && existing != d.CanonicalName {
				return nil, fmt.Errorf("alias '%s' claimed by both %s and %s", alias, existing, d.CanonicalName)
			}
			r.byAlias[alias] = d.CanonicalName
		}
	}

	return r, nil
}

// Get returns the descriptor for a canonical name, or nil if not present
func (r *Registry) Get(canonicalName string) *Descriptor {
	return r.byCanonical[canonicalName]
}

// List returns all descriptors in catalog order
func (r *Registry) List() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.ordered))
	for _, name := range r.ordered {
		out = append(out, r.byCanonical[name])
	}
	return out
}

// Names returns all canonical names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byCanonical))
	for name := range r.byCanonical {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tool servers
func (r *Registry) Len() int {
	return len(r.byCanonical)
}
