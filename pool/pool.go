/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package pool manages live connections to MCP tool servers. Each session is
// a subprocess keyed by (canonical name, credential fingerprint), so users
// with different credentials never share a process while identical identities
// reuse one. The pool reference-counts sessions, reaps idle ones on a timer,
// and guarantees every spawned process is terminated on shutdown.
package pool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/STPDevteam/awesome-server-sub003/auth"
	"github.com/STPDevteam/awesome-server-sub003/config"
	"github.com/STPDevteam/awesome-server-sub003/global"
	"github.com/STPDevteam/awesome-server-sub003/logging"
	"github.com/STPDevteam/awesome-server-sub003/registry"
)

// connectCall tracks one in-flight connection attempt so concurrent requests
// for the same key share a single spawn
type connectCall struct {
	canonicalName string
	userID        string
	done          chan struct{}
	sess          *Session
	err           error
}

// Pool is the connection pool. Safe for concurrent use.
type Pool struct {
	registry *registry.Registry
	store    *auth.Store
	cfg      config.Pool
	logger   *logging.Logger
	dial     Dialer

	mu       sync.Mutex
	sessions map[string]*Session
	inflight map[string]*connectCall
	closed   bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// Option is a functional option for configuring the Pool
type Option func(*Pool)

// WithDialer overrides how tool-server connections are established. Used by
// tests to avoid spawning real subprocesses.
func WithDialer(d Dialer) Option {
	return func(p *Pool) {
		p.dial = d
	}
}

// New creates a connection pool. Call Start to enable the background idle
// sweeper and Close to tear everything down.
func New(reg *registry.Registry, store *auth.Store, cfg config.Pool, logger *logging.Logger, opts ...Option) *Pool {
	p := &Pool{
		registry: reg,
		store:    store,
		cfg:      cfg.WithDefaults(),
		logger:   logger,
		dial:     stdioDial,
		sessions: make(map[string]*Session),
		inflight: make(map[string]*connectCall),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// sessionKey combines the server identity with the credential identity
func sessionKey(canonicalName string, fingerprint string) string {
	return canonicalName + ":" + fingerprint
}

// EnsureConnected returns a ready session for the given server and user,
// spawning one if needed. The returned bool is true when an existing (or
// concurrently created) session was reused. Callers must Release the session
// when done with it.
func (p *Pool) EnsureConnected(ctx context.Context, canonicalName string, userID string) (*Session, bool, error) {
	d := p.registry.Get(canonicalName)
	if d == nil {
		return nil, false, &registry.NotFoundError{Requested: canonicalName}
	}

	creds, err := p.store.Get(userID, canonicalName)
	if err != nil {
		return nil, false, err
	}
	fingerprint := auth.Fingerprint(creds)
	key := sessionKey(canonicalName, fingerprint)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, fmt.Errorf("connection pool is closed")
	}

	// Reuse a healthy session; evict a degraded or closed one
	if s := p.sessions[key]; s != nil {
		if s.usable() {
			s.acquire()
			p.mu.Unlock()
			return s, true, nil
		}
		delete(p.sessions, key)
		p.mu.Unlock()
		p.logger.Infof("evicting unusable session for %s (state=%s)", canonicalName, s.State())
		s.close()
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, false, fmt.Errorf("connection pool is closed")
		}
	}

	// Join an in-flight connect instead of spawning a second process
	if call := p.inflight[key]; call != nil {
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-call.done:
		}
		if call.err != nil {
			return nil, false, call.err
		}
		call.sess.acquire()
		return call.sess, true, nil
	}

	call := &connectCall{
		canonicalName: canonicalName,
		userID:        userID,
		done:          make(chan struct{}),
	}
	p.inflight[key] = call
	p.mu.Unlock()

	sess, err := p.connect(ctx, d, key, userID, fingerprint, creds)

	p.mu.Lock()
	delete(p.inflight, key)
	if err == nil {
		p.sessions[key] = sess
	}
	p.mu.Unlock()

	call.sess = sess
	call.err = err
	close(call.done)

	if err != nil {
		return nil, false, err
	}
	sess.acquire()
	return sess, false, nil
}

// connect spawns and initializes a server with bounded retries
func (p *Pool) connect(ctx context.Context, d *registry.Descriptor, key string,
	userID string, fingerprint string, creds auth.Credentials) (*Session, error) {

	env := buildEnv(d, creds)
	timeout := time.Duration(p.cfg.ConnectTimeoutSeconds) * time.Second

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxConnectAttempts; attempt++ {
		if attempt > 1 {
			p.logger.Warnf("retrying connection to %s (attempt %d of %d): %v",
				d.CanonicalName, attempt, p.cfg.MaxConnectAttempts, lastErr)
			select {
			case <-ctx.Done():
				return nil, &ConnectionError{CanonicalName: d.CanonicalName, Attempts: attempt - 1, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt-1) * time.Second):
			}
		}

		connectCtx, cancel := context.WithTimeout(ctx, timeout)
		client, err := p.dial(connectCtx, d, env)
		if err != nil {
			cancel()
			lastErr = err
			continue
		}

		sess, err := newSession(connectCtx, key, d.CanonicalName, userID, fingerprint, client)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		p.logger.Infof("connected to %s (%d tools, identity %s)",
			d.CanonicalName, len(sess.tools), fingerprint)
		return sess, nil
	}

	return nil, &ConnectionError{
		CanonicalName: d.CanonicalName,
		Attempts:      p.cfg.MaxConnectAttempts,
		Err:           lastErr,
	}
}

// buildEnv expands {{param}} placeholders in the descriptor's env template
// with the user's credential values
func buildEnv(d *registry.Descriptor, creds auth.Credentials) []string {
	if len(d.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		v := d.Env[k]
		for param, value := range creds {
			v = strings.ReplaceAll(v, global.CredentialPlaceholderOpen+param+global.CredentialPlaceholderClose, value)
		}
		env = append(env, k+"="+v)
	}
	return env
}

// CallTool invokes a tool on a session with a hard deadline. A timeout or
// transport failure degrades the session so it is replaced on next use; a
// tool-reported failure leaves the session healthy and returns the result
// alongside the error so the caller can inspect the failure content.
func (p *Pool) CallTool(ctx context.Context, s *Session, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	if _, ok := s.Tool(toolName); !ok {
		return nil, &ToolCallError{
			Kind:          CallNotFound,
			CanonicalName: s.canonicalName,
			ToolName:      toolName,
			Message:       fmt.Sprintf("tool not found, available: %s", s.ToolNames()),
		}
	}

	timeout := time.Duration(p.cfg.CallTimeoutSeconds) * time.Second
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	result, err := s.client.CallTool(callCtx, req)
	if err != nil {
		kind := CallRemoteFailure
		if callCtx.Err() == context.DeadlineExceeded {
			kind = CallTimeout
			err = fmt.Errorf("no response within %s", timeout)
			s.kill()
		} else {
			s.degrade()
		}
		p.logger.Warnf("tool call %s/%s failed, session degraded: %v", s.canonicalName, toolName, err)
		return nil, &ToolCallError{
			Kind:          kind,
			CanonicalName: s.canonicalName,
			ToolName:      toolName,
			Message:       err.Error(),
		}
	}

	s.touch()
	if result.IsError {
		return result, &ToolCallError{
			Kind:          CallRemoteFailure,
			CanonicalName: s.canonicalName,
			ToolName:      toolName,
			Message:       firstText(result),
		}
	}
	return result, nil
}

// firstText extracts the first text content block for error messages
func firstText(result *mcp.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			return tc.Text
		}
	}
	return "tool reported an error with no text content"
}

// Release returns a session obtained from EnsureConnected
func (p *Pool) Release(s *Session) {
	if s != nil {
		s.release()
	}
}

// Disconnect drops one reference to the user's session for a server and
// reports whether a session existed. The process is terminated only once no
// references remain, so other in-flight work on the same identity is never
// cut off. Idempotent: a second call finds nothing and returns false.
func (p *Pool) Disconnect(canonicalName string, userID string) (bool, error) {
	creds, err := p.store.Get(userID, canonicalName)
	if err != nil {
		return false, err
	}
	key := sessionKey(canonicalName, auth.Fingerprint(creds))

	p.mu.Lock()
	s := p.sessions[key]
	if s == nil {
		p.mu.Unlock()
		return false, nil
	}
	s.release()
	if !s.idle() {
		p.mu.Unlock()
		return true, nil
	}
	delete(p.sessions, key)
	p.mu.Unlock()

	p.logger.Infof("disconnecting %s for user %s", canonicalName, userID)
	s.close()
	return true, nil
}

// SweepIdle closes sessions that have been unreferenced longer than the idle
// TTL, measured against the given time. Returns the number closed.
func (p *Pool) SweepIdle(now time.Time) int {
	cutoff := now.Add(-time.Duration(p.cfg.IdleTTLSeconds) * time.Second)
	return p.evict(func(s *Session) bool { return s.idleSince(cutoff) })
}

// CleanupIdle closes every currently unreferenced session regardless of TTL
func (p *Pool) CleanupIdle() int {
	return p.evict(func(s *Session) bool { return s.idle() })
}

// evict removes and closes every session the predicate selects
func (p *Pool) evict(victim func(*Session) bool) int {
	p.mu.Lock()
	var evicted []*Session
	for key, s := range p.sessions {
		if victim(s) {
			evicted = append(evicted, s)
			delete(p.sessions, key)
		}
	}
	p.mu.Unlock()

	for _, s := range evicted {
		p.logger.Debugf("closing idle session for %s", s.canonicalName)
		s.close()
	}
	return len(evicted)
}

// Start launches the background idle sweeper
func (p *Pool) Start() {
	p.mu.Lock()
	if p.closed || p.stopSweep != nil {
		p.mu.Unlock()
		return
	}
	p.stopSweep = make(chan struct{})
	p.sweepDone = make(chan struct{})
	stop, done := p.stopSweep, p.sweepDone
	p.mu.Unlock()

	interval := time.Duration(p.cfg.SweepIntervalSeconds) * time.Second
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				if n := p.SweepIdle(now); n > 0 {
					p.logger.Infof("idle sweep closed %d session(s)", n)
				}
			}
		}
	}()
}

// Status reports a snapshot of all live sessions, sorted by server name.
// In-flight connection attempts appear as connecting entries.
func (p *Pool) Status() []global.SessionStatus {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	connecting := make([]global.SessionStatus, 0, len(p.inflight))
	for _, call := range p.inflight {
		connecting = append(connecting, global.SessionStatus{
			Name:   call.canonicalName,
			UserID: call.userID,
			State:  global.SessionConnecting,
		})
	}
	p.mu.Unlock()

	out := make([]global.SessionStatus, 0, len(sessions)+len(connecting))
	for _, s := range sessions {
		out = append(out, s.status())
	}
	out = append(out, connecting...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Close stops the sweeper and terminates every session. The pool cannot be
// used afterwards. Safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	stop, done := p.stopSweep, p.sweepDone
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	for _, s := range sessions {
		s.close()
	}
	p.logger.Infof("connection pool closed (%d session(s) terminated)", len(sessions))
}
