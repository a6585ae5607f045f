/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/STPDevteam/awesome-server-sub003/global"
	"github.com/STPDevteam/awesome-server-sub003/registry"
)

// ProtocolClient is the slice of the MCP client the pool uses. The stdio
// dialer returns a real client; tests inject fakes so no processes spawn.
type ProtocolClient interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer spawns and initializes a tool-server process, returning a client
// that is ready for tool calls
type Dialer func(ctx context.Context, d *registry.Descriptor, env []string) (ProtocolClient, error)

// stdioDial is the production dialer: spawn the server as a subprocess and
// run the MCP initialize handshake over its stdin/stdout
func stdioDial(ctx context.Context, d *registry.Descriptor, env []string) (ProtocolClient, error) {
	c, err := client.NewStdioMCPClient(d.Command, env, d.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", d.CanonicalName, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    global.ProgramName,
		Version: global.Version,
	}

	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize handshake with %s failed: %w", d.CanonicalName, err)
	}
	return c, nil
}

// Session is one live connection to a tool server under a specific credential
// identity. Sessions are owned by the pool; callers hold them only between
// EnsureConnected and Release.
type Session struct {
	key           string
	canonicalName string
	userID        string
	fingerprint   string

	client ProtocolClient
	tools  []mcp.Tool
	byName map[string]*mcp.Tool

	mu       sync.Mutex
	state    string
	refCount int
	lastUsed time.Time
}

// newSession wraps a connected client and caches its discovered tool set
func newSession(ctx context.Context, key string, canonicalName string, userID string,
	fingerprint string, c ProtocolClient) (*Session, error) {

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("tool discovery on %s failed: %w", canonicalName, err)
	}

	s := &Session{
		key:           key,
		canonicalName: canonicalName,
		userID:        userID,
		fingerprint:   fingerprint,
		client:        c,
		tools:         result.Tools,
		byName:        make(map[string]*mcp.Tool, len(result.Tools)),
		state:         global.SessionReady,
		refCount:      0,
		lastUsed:      time.Now(),
	}
	for i := range s.tools {
		s.byName[s.tools[i].Name] = &s.tools[i]
	}
	return s, nil
}

// CanonicalName returns the registry name of the connected server
func (s *Session) CanonicalName() string {
	return s.canonicalName
}

// Tools returns the tool set discovered at connect time
func (s *Session) Tools() []mcp.Tool {
	return s.tools
}

// Tool looks up a discovered tool by name
func (s *Session) Tool(name string) (*mcp.Tool, bool) {
	t, ok := s.byName[name]
	return t, ok
}

// ToolNames returns the discovered tool names joined for error messages
func (s *Session) ToolNames() string {
	names := make([]string, 0, len(s.tools))
	for _, t := range s.tools {
		names = append(names, t.Name)
	}
	return strings.Join(names, ", ")
}

// State returns the current lifecycle state
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// usable reports whether the session can serve new work
func (s *Session) usable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == global.SessionReady
}

// acquire bumps the reference count and refreshes last use
func (s *Session) acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refCount++
	s.lastUsed = time.Now()
}

// release drops the reference count, never below zero
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refCount > 0 {
		s.refCount--
	}
	s.lastUsed = time.Now()
}

// touch refreshes last use without changing the reference count
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
}

// degrade marks the session unusable for new work
func (s *Session) degrade() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == global.SessionReady {
		s.state = global.SessionDegraded
	}
}

// kill degrades the session and closes the underlying client, so a hung
// subprocess dies now instead of lingering until the next acquire or sweep
func (s *Session) kill() {
	s.degrade()
	_ = s.client.Close()
}

// idleSince reports whether the session has been unreferenced since before
// the given cutoff
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCount == 0 && s.lastUsed.Before(cutoff)
}

// idle reports whether the session is currently unreferenced
func (s *Session) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refCount == 0
}

// close terminates the underlying client. Safe to call more than once; the
// subprocess is reaped by the client's own shutdown.
func (s *Session) close() {
	s.mu.Lock()
	if s.state == global.SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = global.SessionClosed
	s.mu.Unlock()
	_ = s.client.Close()
}

// status snapshots the session for reporting
func (s *Session) status() global.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return global.SessionStatus{
		Name:       s.canonicalName,
		UserID:     s.userID,
		State:      s.state,
		ToolCount:  len(s.tools),
		RefCount:   s.refCount,
		LastUsedAt: s.lastUsed,
	}
}
