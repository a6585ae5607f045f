/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testCatalog = `{
	"version": 1,
	"servers": [
		{
			"canonical_name": "github-mcp",
			"aliases": ["github", "gh"],
			"description": "GitHub repository operations",
			"command": "npx",
			"args": ["-y", "@modelcontextprotocol/server-github"],
			"env": {"GITHUB_PERSONAL_ACCESS_TOKEN": "{{token}}"},
			"auth_schema": {"token": "GitHub personal access token"}
		},
		{
			"canonical_name": "filesystem-mcp",
			"aliases": ["filesystem", "fs"],
			"description": "Local filesystem access",
			"command": "npx",
			"args": ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"]
		},
		{
			"canonical_name": "fetch-mcp",
			"aliases": ["fetch"],
			"description": "HTTP fetch",
			"command": "npx",
			"args": ["-y", "@modelcontextprotocol/server-fetch"]
		}
	]
}`

// newTestRegistry parses the shared test catalog
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("failed to parse test catalog: %v", err)
	}
	return r
}

func TestLoadFromFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "registry-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	path := filepath.Join(dir, "registry.json")
	if err := os.WriteFile(path, []byte(testCatalog), 0600); err != nil {
		t.Fatalf("failed to write test catalog: %v", err)
	}

	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if r.Len() != 3 {
		t.Errorf("expected 3 servers, got %d", r.Len())
	}

	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseRejectsBadCatalogs(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"invalid json", `{not json`},
		{"empty canonical name", `{"servers":[{"canonical_name":"","command":"npx"}]}`},
		{"missing command", `{"servers":[{"canonical_name":"a-mcp"}]}`},
		{"duplicate canonical", `{"servers":[{"canonical_name":"a","command":"x"},{"canonical_name":"a","command":"x"}]}`},
		{"unsupported transport", `{"servers":[{"canonical_name":"a","command":"x","transport":"sse"}]}`},
		{"conflicting alias", `{"servers":[{"canonical_name":"a","command":"x","aliases":["z"]},{"canonical_name":"b","command":"x","aliases":["z"]}]}`},
	}

	for _, tc := range cases {
		if _, err := Parse([]byte(tc.json)); err == nil {
			t.Errorf("%s: expected parse error, got none", tc.name)
		}
	}
}

func TestGetAndList(t *testing.T) {
	r := newTestRegistry(t)

	d := r.Get("github-mcp")
	if d == nil {
		t.Fatal("expected descriptor for github-mcp")
	}
	if !d.RequiresAuth() {
		t.Error("github-mcp should require auth")
	}
	if d.Transport != "stdio" {
		t.Errorf("expected default transport stdio, got %s", d.Transport)
	}

	if fs := r.Get("filesystem-mcp"); fs == nil || fs.RequiresAuth() {
		t.Error("filesystem-mcp should exist and require no auth")
	}

	if r.Get("nope") != nil {
		t.Error("expected nil for unknown canonical name")
	}

	list := r.List()
	if len(list) != 3 || list[0].CanonicalName != "github-mcp" {
		t.Errorf("List returned unexpected ordering: %v", list)
	}
}

func TestResolveExactAndAlias(t *testing.T) {
	r := newTestRegistry(t)

	cases := []struct {
		requested string
		want      string
	}{
		{"github-mcp", "github-mcp"},
		{"github", "github-mcp"},
		{"gh", "github-mcp"},
		{"fs", "filesystem-mcp"},
		{"fetch", "fetch-mcp"},
	}
	for _, tc := range cases {
		d, err := r.Resolve(tc.requested)
		if err != nil {
			t.Errorf("Resolve(%q) failed: %v", tc.requested, err)
			continue
		}
		if d.CanonicalName != tc.want {
			t.Errorf("Resolve(%q) = %s, want %s", tc.requested, d.CanonicalName, tc.want)
		}
	}
}

func TestResolveFuzzy(t *testing.T) {
	r := newTestRegistry(t)

	cases := []struct {
		requested string
		want      string
	}{
		{"GitHub", "github-mcp"},
		{"GITHUB-MCP", "github-mcp"},
		{"github_mcp", "github-mcp"},
		{"github-server", "github-mcp"},
		{"File System", "filesystem-mcp"},
		{"fetch-service", "fetch-mcp"},
	}
	for _, tc := range cases {
		d, err := r.Resolve(tc.requested)
		if err != nil {
			t.Errorf("Resolve(%q) failed: %v", tc.requested, err)
			continue
		}
		if d.CanonicalName != tc.want {
			t.Errorf("Resolve(%q) = %s, want %s", tc.requested, d.CanonicalName, tc.want)
		}
	}
}

func TestResolveNotFound(t *testing.T) {
	r := newTestRegistry(t)

	for _, requested := range []string{"", "   ", "slack", "github2"} {
		_, err := r.Resolve(requested)
		if err == nil {
			t.Errorf("Resolve(%q): expected error", requested)
			continue
		}
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("Resolve(%q): expected NotFoundError, got %T", requested, err)
		}
	}
}

func TestResolveAmbiguous(t *testing.T) {
	catalog := `{"servers":[
		{"canonical_name":"search-mcp","command":"x"},
		{"canonical_name":"search-server","command":"x"}
	]}`
	r, err := Parse([]byte(catalog))
	if err != nil {
		t.Fatalf("failed to parse catalog: %v", err)
	}

	// Both entries normalize to "search"
	_, err = r.Resolve("Search")
	if err == nil {
		t.Fatal("expected ambiguity error")
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %T", err)
	}
	if len(nf.Ambiguous) != 2 {
		t.Errorf("expected 2 ambiguous matches, got %v", nf.Ambiguous)
	}

	// Exact match still wins even when fuzzy would be ambiguous
	d, err := r.Resolve("search-mcp")
	if err != nil || d.CanonicalName != "search-mcp" {
		t.Errorf("exact match should bypass ambiguity: %v, %v", d, err)
	}
}
