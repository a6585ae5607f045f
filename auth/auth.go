/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package auth manages per-user tool-server credentials. Credentials live in
// a JSON file guarded by an advisory lock so external tooling can update it
// while the service is running. The Gate decides, before any execution
// starts, whether a user holds everything a plan requires.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"github.com/STPDevteam/awesome-server-sub003/registry"
)

// Credentials holds the named secret parameters for one user and one tool
// server, e.g. {"token": "ghp_..."}
type Credentials map[string]string

// Store reads per-user credentials from a JSON file. Reads take a shared
// advisory lock so a concurrent writer (CLI, provisioning script) never hands
// us a torn file.
type Store struct {
	path string
}

// storeData is the on-disk layout: user ID -> canonical name -> credentials
type storeData struct {
	Version int                                `json:"version"`
	Users   map[string]map[string]Credentials `json:"users"`
}

// NewStore creates a credential store backed by the given file. The file does
// not need to exist yet; a missing file reads as an empty store.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Get returns the credentials a user holds for a tool server. A user or
// server with no stored entry returns nil and no error.
func (s *Store) Get(userID string, canonicalName string) (Credentials, error) {
	data, err := s.read()
	if err != nil {
		return nil, err
	}
	if data.Users == nil {
		return nil, nil
	}
	return data.Users[userID][canonicalName], nil
}

// read loads and parses the credential file under a shared lock
func (s *Store) read() (*storeData, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return &storeData{}, nil
	}

	lock := flock.New(s.path)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to lock credential file: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	if len(raw) == 0 {
		return &storeData{}, nil
	}

	var data storeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}
	return &data, nil
}

// AnonymousFingerprint identifies the shared, credential-free identity under
// which unauthenticated sessions are pooled
const AnonymousFingerprint = "anonymous"

// Fingerprint derives a stable identifier from a credential set. Sessions are
// keyed on it, so two users with identical credentials may share a session
// while differing credentials never collide. Empty credentials always map to
// the anonymous fingerprint.
func Fingerprint(creds Credentials) string {
	if len(creds) == 0 {
		return AnonymousFingerprint
	}
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(creds[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Requirement names one tool server a user is missing credentials for,
// together with the parameters the server expects
type Requirement struct {
	CanonicalName string            `json:"canonical_name"`
	AuthSchema    map[string]string `json:"auth_schema"`
}

// Result reports whether a set of auth requirements is satisfied
type Result struct {
	Satisfied bool
	Missing   []Requirement
}

// Gate checks a user's credentials against the auth schemas of the tool
// servers a plan references
type Gate struct {
	store    *Store
	registry *registry.Registry
}

// NewGate creates a Gate over the given store and registry
func NewGate(store *Store, reg *registry.Registry) *Gate {
	return &Gate{store: store, registry: reg}
}

// Check verifies the user holds every credential parameter each named tool
// server declares. Servers with no auth schema always pass. The returned
// Missing list preserves the caller's ordering with duplicates removed.
func (g *Gate) Check(userID string, canonicalNames []string) (*Result, error) {
	result := &Result{Satisfied: true}
	seen := make(map[string]bool)

	for _, name := range canonicalNames {
		if seen[name] {
			continue
		}
		seen[name] = true

		d := g.registry.Get(name)
		if d == nil || !d.RequiresAuth() {
			continue
		}

		creds, err := g.store.Get(userID, name)
		if err != nil {
			return nil, err
		}

		missing := false
		for param := range d.AuthSchema {
			if strings.TrimSpace(creds[param]) == "" {
				missing = true
				break
			}
		}
		if missing {
			result.Satisfied = false
			result.Missing = append(result.Missing, Requirement{
				CanonicalName: name,
				AuthSchema:    d.AuthSchema,
			})
		}
	}

	return result, nil
}
