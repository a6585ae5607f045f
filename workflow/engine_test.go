/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package workflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/STPDevteam/awesome-server-sub003/auth"
	"github.com/STPDevteam/awesome-server-sub003/config"
	"github.com/STPDevteam/awesome-server-sub003/global"
	"github.com/STPDevteam/awesome-server-sub003/llm"
	"github.com/STPDevteam/awesome-server-sub003/logging"
	"github.com/STPDevteam/awesome-server-sub003/pool"
	"github.com/STPDevteam/awesome-server-sub003/registry"
)

const testCatalog = `{
	"servers": [
		{
			"canonical_name": "alpha-mcp",
			"aliases": ["alpha"],
			"command": "npx",
			"args": ["-y", "alpha"],
			"env": {"ALPHA_TOKEN": "{{token}}"},
			"auth_schema": {"token": "Alpha API token"}
		},
		{
			"canonical_name": "beta-mcp",
			"aliases": ["beta"],
			"command": "npx",
			"args": ["-y", "beta"]
		}
	]
}`

const testCredentials = `{
	"users": {
		"alice": {"alpha-mcp": {"token": "tok_alice"}}
	}
}`

// toolBehavior scripts one tool's responses, by call count
type toolBehavior func(call int, args map[string]any) (*mcp.CallToolResult, error)

// fakeBackend routes fake tool calls per server/tool and counts them
type fakeBackend struct {
	mu        sync.Mutex
	behaviors map[string]toolBehavior
	calls     map[string]int
	spawns    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		behaviors: make(map[string]toolBehavior),
		calls:     make(map[string]int),
	}
}

func (b *fakeBackend) on(server string, tool string, fn toolBehavior) {
	b.behaviors[server+"/"+tool] = fn
}

func (b *fakeBackend) callCount(server string, tool string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[server+"/"+tool]
}

func (b *fakeBackend) dial(_ context.Context, d *registry.Descriptor, _ []string) (pool.ProtocolClient, error) {
	b.mu.Lock()
	b.spawns++
	b.mu.Unlock()
	return &fakeServer{backend: b, canonical: d.CanonicalName}, nil
}

// fakeServer implements pool.ProtocolClient for one server
type fakeServer struct {
	backend   *fakeBackend
	canonical string
}

func (f *fakeServer) ListTools(_ context.Context, _ mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	switch f.canonical {
	case "alpha-mcp":
		return &mcp.ListToolsResult{Tools: []mcp.Tool{
			mcp.NewTool("search",
				mcp.WithDescription("Search alpha"),
				mcp.WithString("query", mcp.Required()),
			),
		}}, nil
	default:
		return &mcp.ListToolsResult{Tools: []mcp.Tool{
			mcp.NewTool("write",
				mcp.WithDescription("Write to beta"),
				mcp.WithString("content", mcp.Required()),
			),
			mcp.NewTool("flaky",
				mcp.WithDescription("Sometimes works"),
			),
		}}, nil
	}
}

func (f *fakeServer) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := f.canonical + "/" + req.Params.Name

	f.backend.mu.Lock()
	f.backend.calls[key]++
	call := f.backend.calls[key]
	fn := f.backend.behaviors[key]
	f.backend.mu.Unlock()

	args, _ := req.Params.Arguments.(map[string]any)
	if fn != nil {
		return fn(call, args)
	}
	return mcp.NewToolResultText("ok"), nil
}

func (f *fakeServer) Close() error {
	return nil
}

// collectSink records events in emission order
type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectSink) Emit(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collectSink) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Event
	}
	return out
}

func (c *collectSink) count(name string) int {
	n := 0
	for _, e := range c.names() {
		if e == name {
			n++
		}
	}
	return n
}

// scriptedCompleter replays canned planner outputs; the last entry repeats
type scriptedCompleter struct {
	mu      sync.Mutex
	outputs []string
	calls   int
}

func (s *scriptedCompleter) Complete(_ context.Context, _ string, _ string, _ llm.Options) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.outputs) {
		i = len(s.outputs) - 1
	}
	s.calls++
	return s.outputs[i], nil
}

// newTestEngine wires an engine over fakes. artifactLimit <= 0 uses the default.
func newTestEngine(t *testing.T, backend *fakeBackend, completer Completer, artifactLimit int) *Engine {
	t.Helper()

	reg, err := registry.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("failed to parse test catalog: %v", err)
	}

	dir, err := os.MkdirTemp("", "workflow-test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	credPath := filepath.Join(dir, "credentials.json")
	if err := os.WriteFile(credPath, []byte(testCredentials), 0600); err != nil {
		t.Fatalf("failed to write credentials: %v", err)
	}
	store := auth.NewStore(credPath)

	logger := logging.NewWithWriter(io.Discard)
	p := pool.New(reg, store, config.Pool{
		CallTimeoutSeconds: 5,
		MaxConnectAttempts: 1,
	}, logger, pool.WithDialer(backend.dial))
	t.Cleanup(p.Close)

	if artifactLimit <= 0 {
		artifactLimit = global.DefaultOutputInlineLimit
	}
	artifacts := NewArtifactStore(filepath.Join(dir, "artifacts"), artifactLimit, logger)

	return NewEngine(reg, auth.NewGate(store, reg), p, completer, artifacts, logger, EngineOptions{
		RateLimitRequests:      1000,
		RateLimitPeriodSeconds: 1,
	})
}

// threeStepPlan touches both servers
func threeStepPlan() []global.Step {
	return []global.Step{
		{CanonicalName: "alpha", ToolName: "search", Input: map[string]any{"query": "first"}},
		{CanonicalName: "beta-mcp", ToolName: "flaky"},
		{CanonicalName: "beta", ToolName: "write", Input: map[string]any{"content": "done"}},
	}
}

// assertEventOrder verifies the stream contract: execution_start first, one
// terminal event last, and every step_start followed by its step terminal
// before the next step_start
func assertEventOrder(t *testing.T, events []string) {
	t.Helper()
	if len(events) < 2 {
		t.Fatalf("expected at least start and terminal events, got %v", events)
	}
	if events[0] != global.EventExecutionStart {
		t.Errorf("first event must be execution_start, got %s", events[0])
	}
	last := events[len(events)-1]
	if last != global.EventWorkflowComplete && last != global.EventWorkflowError {
		t.Errorf("last event must be terminal, got %s", last)
	}

	open := false
	for _, name := range events[1 : len(events)-1] {
		switch name {
		case global.EventStepStart:
			if open {
				t.Fatalf("step_start before previous step terminal: %v", events)
			}
			open = true
		case global.EventStepComplete, global.EventStepError:
			if !open {
				t.Fatalf("step terminal without step_start: %v", events)
			}
			open = false
		default:
			t.Fatalf("unexpected mid-stream event %s: %v", name, events)
		}
	}
	if open {
		t.Errorf("dangling step_start without terminal: %v", events)
	}
}

func TestDeterministicPlanHappyPath(t *testing.T) {
	backend := newFakeBackend()
	backend.on("beta-mcp", "write", func(_ int, args map[string]any) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(fmt.Sprintf("wrote: %v", args["content"])), nil
	})
	engine := newTestEngine(t, backend, nil, 0)
	sink := &collectSink{}

	result := engine.StartExecution(context.Background(), Request{
		UserID: "alice",
		Plan:   threeStepPlan(),
	}, sink)

	if !result.Success {
		t.Fatalf("expected success, got %s: %s", result.Code, result.Error)
	}
	if result.Status != global.WorkflowCompleted {
		t.Errorf("expected %s status, got %s", global.WorkflowCompleted, result.Status)
	}
	if len(result.Steps) != 3 {
		t.Errorf("expected 3 history entries, got %d", len(result.Steps))
	}
	if result.Iterations != 3 {
		t.Errorf("expected 3 iterations, got %d", result.Iterations)
	}
	if !strings.Contains(result.FinalOutput, "wrote: done") {
		t.Errorf("final output should come from the last step, got %q", result.FinalOutput)
	}

	events := sink.names()
	assertEventOrder(t, events)
	want := []string{
		global.EventExecutionStart,
		global.EventStepStart, global.EventStepComplete,
		global.EventStepStart, global.EventStepComplete,
		global.EventStepStart, global.EventStepComplete,
		global.EventWorkflowComplete,
	}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], events[i])
		}
	}
}

func TestRetryBudgetThenSuccess(t *testing.T) {
	backend := newFakeBackend()
	// Step 2 fails twice with a remote failure, then succeeds
	backend.on("beta-mcp", "flaky", func(call int, _ map[string]any) (*mcp.CallToolResult, error) {
		if call <= 2 {
			return mcp.NewToolResultError("upstream hiccup"), nil
		}
		return mcp.NewToolResultText("recovered"), nil
	})
	engine := newTestEngine(t, backend, nil, 0)
	sink := &collectSink{}

	result := engine.StartExecution(context.Background(), Request{
		UserID: "alice",
		Plan:   threeStepPlan(),
	}, sink)

	if !result.Success {
		t.Fatalf("expected success after retries, got %s: %s", result.Code, result.Error)
	}

	// Exactly one history entry per attempt: 1 + 3 + 1
	if len(result.Steps) != 5 {
		t.Fatalf("expected 5 history entries, got %d", len(result.Steps))
	}
	step2 := 0
	for _, entry := range result.Steps {
		if entry.Step.StepNumber == 2 {
			step2++
			if entry.Attempt != step2 {
				t.Errorf("attempt numbers must increase, got %d at occurrence %d", entry.Attempt, step2)
			}
		}
	}
	if step2 != 3 {
		t.Errorf("expected 3 history entries for step 2, got %d", step2)
	}

	assertEventOrder(t, sink.names())
	if n := sink.count(global.EventStepError); n != 2 {
		t.Errorf("expected 2 step_error events, got %d", n)
	}
	if backend.callCount("beta-mcp", "flaky") != 3 {
		t.Errorf("expected 3 tool calls, got %d", backend.callCount("beta-mcp", "flaky"))
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	backend := newFakeBackend()
	backend.on("beta-mcp", "flaky", func(_ int, _ map[string]any) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("always down"), nil
	})
	engine := newTestEngine(t, backend, nil, 0)
	sink := &collectSink{}

	result := engine.StartExecution(context.Background(), Request{
		UserID: "alice",
		Plan: []global.Step{
			{CanonicalName: "beta", ToolName: "flaky"},
		},
	}, sink)

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Code != CodeRetryExceeded {
		t.Errorf("expected %s, got %s", CodeRetryExceeded, result.Code)
	}
	if result.Status != global.WorkflowFailed {
		t.Errorf("expected %s status, got %s", global.WorkflowFailed, result.Status)
	}
	if len(result.Steps) != global.DefaultMaxRetries {
		t.Errorf("expected %d attempts, got %d", global.DefaultMaxRetries, len(result.Steps))
	}
	assertEventOrder(t, sink.names())
}

func TestAuthRequiredAtomicity(t *testing.T) {
	backend := newFakeBackend()
	engine := newTestEngine(t, backend, nil, 0)
	sink := &collectSink{}

	// bob holds no alpha credentials; the plan needs alpha and beta
	result := engine.StartExecution(context.Background(), Request{
		UserID: "bob",
		Plan:   threeStepPlan(),
	}, sink)

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Code != CodeAuthRequired {
		t.Errorf("expected %s, got %s", CodeAuthRequired, result.Code)
	}
	if len(result.MissingAuth) != 1 || result.MissingAuth[0].CanonicalName != "alpha-mcp" {
		t.Errorf("expected exactly alpha-mcp missing, got %+v", result.MissingAuth)
	}
	if len(result.MissingAuth) == 1 && len(result.MissingAuth[0].AuthSchema) == 0 {
		t.Error("missing requirement should carry the auth schema")
	}

	// Atomicity: no step events, no processes spawned
	if n := sink.count(global.EventStepStart); n != 0 {
		t.Errorf("expected zero step_start events, got %d", n)
	}
	if len(result.Steps) != 0 {
		t.Errorf("expected empty history, got %d entries", len(result.Steps))
	}
	if backend.spawns != 0 {
		t.Errorf("expected no spawns before auth check, got %d", backend.spawns)
	}
}

func TestInvalidInputFailsFast(t *testing.T) {
	backend := newFakeBackend()
	engine := newTestEngine(t, backend, nil, 0)
	sink := &collectSink{}

	// alpha/search requires "query"; the plan omits it
	result := engine.StartExecution(context.Background(), Request{
		UserID: "alice",
		Plan: []global.Step{
			{CanonicalName: "alpha", ToolName: "search", Input: map[string]any{"nope": 1}},
		},
	}, sink)

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Code != CodeStepFailed {
		t.Errorf("expected %s, got %s", CodeStepFailed, result.Code)
	}
	if len(result.Steps) != 1 {
		t.Errorf("invalid input is deterministic, expected 1 attempt, got %d", len(result.Steps))
	}
	if !strings.Contains(result.Error, "invalid_input") {
		t.Errorf("expected invalid_input classification, got %q", result.Error)
	}
	// Validation happens before dispatch
	if backend.callCount("alpha-mcp", "search") != 0 {
		t.Error("invalid input must not reach the server")
	}
}

func TestUnknownToolFailsFast(t *testing.T) {
	backend := newFakeBackend()
	engine := newTestEngine(t, backend, nil, 0)

	result := engine.StartExecution(context.Background(), Request{
		UserID: "alice",
		Plan: []global.Step{
			{CanonicalName: "beta", ToolName: "no_such_tool"},
		},
	}, &collectSink{})

	if result.Success || result.Code != CodeStepFailed {
		t.Errorf("expected STEP_FAILED for unknown tool, got %s", result.Code)
	}
	if !strings.Contains(result.Error, "not_found") {
		t.Errorf("expected not_found classification, got %q", result.Error)
	}
}

func TestDynamicPlanCompletes(t *testing.T) {
	backend := newFakeBackend()
	completer := &scriptedCompleter{outputs: []string{
		"```json\n{\"server\": \"beta-mcp\", \"tool\": \"write\", \"input\": {\"content\": \"hi\"}, \"reasoning\": \"write it\"}\n```",
		`{"done": true, "final_output": "all written"}`,
	}}
	engine := newTestEngine(t, backend, completer, 0)
	sink := &collectSink{}

	result := engine.StartExecution(context.Background(), Request{
		UserID:  "alice",
		Goal:    "write hi to beta",
		Servers: []string{"beta"},
	}, sink)

	if !result.Success {
		t.Fatalf("expected success, got %s: %s", result.Code, result.Error)
	}
	if result.FinalOutput != "all written" {
		t.Errorf("expected planner final output, got %q", result.FinalOutput)
	}
	if len(result.Steps) != 1 || result.Steps[0].Step.ToolName != "write" {
		t.Errorf("expected one executed step, got %+v", result.Steps)
	}
	assertEventOrder(t, sink.names())
}

func TestLoopDetection(t *testing.T) {
	backend := newFakeBackend()
	// The planner keeps proposing the identical call forever
	completer := &scriptedCompleter{outputs: []string{
		`{"server": "beta-mcp", "tool": "write", "input": {"content": "again"}}`,
	}}
	engine := newTestEngine(t, backend, completer, 0)
	sink := &collectSink{}

	result := engine.StartExecution(context.Background(), Request{
		UserID:  "alice",
		Goal:    "loop forever",
		Servers: []string{"beta"},
	}, sink)

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Code != CodeLoopDetected {
		t.Errorf("expected %s, got %s", CodeLoopDetected, result.Code)
	}
	if !strings.Contains(result.Error, "loop detected") {
		t.Errorf("expected loop diagnostic, got %q", result.Error)
	}
	// Detected within the repetition threshold, well before the iteration cap
	if result.Iterations > global.DefaultLoopThreshold+1 {
		t.Errorf("loop detected too late, at iteration %d", result.Iterations)
	}
	if n := backend.callCount("beta-mcp", "write"); n != global.DefaultLoopThreshold {
		t.Errorf("expected %d executions before detection, got %d", global.DefaultLoopThreshold, n)
	}
	assertEventOrder(t, sink.names())
}

func TestPlannerParseFailuresCapped(t *testing.T) {
	backend := newFakeBackend()
	completer := &scriptedCompleter{outputs: []string{
		"I think we should probably search for something",
	}}
	engine := newTestEngine(t, backend, completer, 0)
	sink := &collectSink{}

	result := engine.StartExecution(context.Background(), Request{
		UserID:  "alice",
		Goal:    "confuse the parser",
		Servers: []string{"beta"},
	}, sink)

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Code != CodePlanFailure {
		t.Errorf("expected %s, got %s", CodePlanFailure, result.Code)
	}
	if completer.calls != global.DefaultMaxParseErrors {
		t.Errorf("expected %d planning attempts, got %d", global.DefaultMaxParseErrors, completer.calls)
	}
	if n := sink.count(global.EventStepStart); n != 0 {
		t.Errorf("unparseable plans must not start steps, got %d", n)
	}
}

func TestCancelBetweenSteps(t *testing.T) {
	backend := newFakeBackend()
	engine := newTestEngine(t, backend, nil, 0)
	sink := &collectSink{}

	var executionID string
	var once sync.Once
	wrapped := SinkFunc(func(event Event) {
		if data, ok := event.Data.(ExecutionStartData); ok {
			executionID = data.ExecutionID
		}
		sink.Emit(event)
	})

	// Cancellation lands while step 1 runs; it must take effect before step 2
	backend.on("alpha-mcp", "search", func(_ int, _ map[string]any) (*mcp.CallToolResult, error) {
		once.Do(func() {
			if !engine.Cancel(executionID) {
				t.Error("Cancel should find the running execution")
			}
		})
		return mcp.NewToolResultText("found"), nil
	})

	result := engine.StartExecution(context.Background(), Request{
		UserID: "alice",
		Plan:   threeStepPlan(),
	}, wrapped)

	if result.Success {
		t.Fatal("expected cancelled result")
	}
	if result.Code != CodeCancelled {
		t.Errorf("expected %s, got %s", CodeCancelled, result.Code)
	}
	if result.Status != global.WorkflowCancelled {
		t.Errorf("expected %s status, got %s", global.WorkflowCancelled, result.Status)
	}
	// Step 1 finished; steps 2 and 3 never started
	if len(result.Steps) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(result.Steps))
	}
	if n := sink.count(global.EventStepStart); n != 1 {
		t.Errorf("expected 1 step_start, got %d", n)
	}
	assertEventOrder(t, sink.names())

	// Cancel on a finished execution is a no-op
	if engine.Cancel(executionID) {
		t.Error("Cancel after completion should report not running")
	}
}

func TestIterationCap(t *testing.T) {
	backend := newFakeBackend()
	// Distinct inputs dodge loop detection, so only the cap can stop this
	completer := &completerFunc{fn: func(call int) string {
		return fmt.Sprintf(`{"server": "beta-mcp", "tool": "write", "input": {"content": "v%d"}}`, call)
	}}
	engine := newTestEngine(t, backend, completer, 0)

	result := engine.StartExecution(context.Background(), Request{
		UserID:  "alice",
		Goal:    "never finish",
		Servers: []string{"beta"},
	}, &collectSink{})

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Code != CodeIterationCap {
		t.Errorf("expected %s, got %s", CodeIterationCap, result.Code)
	}
	if result.Iterations != global.DefaultMaxIterations {
		t.Errorf("expected %d iterations, got %d", global.DefaultMaxIterations, result.Iterations)
	}
	if len(result.Steps) != global.DefaultMaxIterations {
		t.Errorf("expected %d executed steps, got %d", global.DefaultMaxIterations, len(result.Steps))
	}
}

// completerFunc adapts a call-indexed function to Completer
type completerFunc struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) string
}

func (c *completerFunc) Complete(_ context.Context, _ string, _ string, _ llm.Options) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.fn(c.calls), nil
}

// errCompleter adapts a call-indexed function that can fail to Completer
type errCompleter struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (string, error)
}

func (c *errCompleter) Complete(_ context.Context, _ string, _ string, _ llm.Options) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.fn(c.calls)
}

func TestPlannerTimeoutRetried(t *testing.T) {
	backend := newFakeBackend()
	// The first planning call times out; the retry completes the task
	completer := &errCompleter{fn: func(call int) (string, error) {
		if call == 1 {
			return "", &llm.TimeoutError{LLMID: "planner", Seconds: 5}
		}
		return `{"done": true, "final_output": "made it"}`, nil
	}}
	engine := newTestEngine(t, backend, completer, 0)
	sink := &collectSink{}

	result := engine.StartExecution(context.Background(), Request{
		UserID:  "alice",
		Goal:    "survive a transient timeout",
		Servers: []string{"beta"},
	}, sink)

	if !result.Success {
		t.Fatalf("one transient timeout must not kill the task, got %s: %s", result.Code, result.Error)
	}
	if completer.calls != 2 {
		t.Errorf("expected 2 planning calls, got %d", completer.calls)
	}
	if result.FinalOutput != "made it" {
		t.Errorf("expected the retried plan's output, got %q", result.FinalOutput)
	}
	assertEventOrder(t, sink.names())
}

func TestPlannerTimeoutsExhaustBudget(t *testing.T) {
	backend := newFakeBackend()
	completer := &errCompleter{fn: func(_ int) (string, error) {
		return "", &llm.TimeoutError{LLMID: "planner", Seconds: 5}
	}}
	engine := newTestEngine(t, backend, completer, 0)
	sink := &collectSink{}

	result := engine.StartExecution(context.Background(), Request{
		UserID:  "alice",
		Goal:    "time out forever",
		Servers: []string{"beta"},
	}, sink)

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Code != CodePlanFailure {
		t.Errorf("expected %s, got %s", CodePlanFailure, result.Code)
	}
	if completer.calls != global.DefaultMaxParseErrors {
		t.Errorf("expected %d planning attempts, got %d", global.DefaultMaxParseErrors, completer.calls)
	}
	if n := sink.count(global.EventStepStart); n != 0 {
		t.Errorf("timed-out planning must not start steps, got %d", n)
	}
}

func TestDynamicStepOutsideScopeIsGated(t *testing.T) {
	backend := newFakeBackend()
	// bob holds no alpha credentials, and alpha was never in the request;
	// planning it anyway must not spawn alpha or reach its tools
	completer := &scriptedCompleter{outputs: []string{
		`{"server": "alpha-mcp", "tool": "search", "input": {"query": "secrets"}}`,
	}}
	engine := newTestEngine(t, backend, completer, 0)
	sink := &collectSink{}

	result := engine.StartExecution(context.Background(), Request{
		UserID:  "bob",
		Goal:    "reach outside the declared servers",
		Servers: []string{"beta"},
	}, sink)

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Code != CodeAuthRequired {
		t.Errorf("expected %s, got %s", CodeAuthRequired, result.Code)
	}
	if len(result.MissingAuth) != 1 || result.MissingAuth[0].CanonicalName != "alpha-mcp" {
		t.Errorf("expected alpha-mcp reported missing, got %+v", result.MissingAuth)
	}
	if backend.spawns != 1 {
		t.Errorf("only the declared server may spawn, got %d spawns", backend.spawns)
	}
	if n := backend.callCount("alpha-mcp", "search"); n != 0 {
		t.Errorf("ungated server must never be called, got %d calls", n)
	}
	assertEventOrder(t, sink.names())
}

func TestDynamicStepAliasResolves(t *testing.T) {
	backend := newFakeBackend()
	completer := &scriptedCompleter{outputs: []string{
		`{"server": "alpha", "tool": "search", "input": {"query": "q"}}`,
		`{"done": true, "final_output": "found"}`,
	}}
	engine := newTestEngine(t, backend, completer, 0)

	result := engine.StartExecution(context.Background(), Request{
		UserID:  "alice",
		Goal:    "search via an alias",
		Servers: []string{"beta"},
	}, &collectSink{})

	if !result.Success {
		t.Fatalf("aliased step should resolve and run, got %s: %s", result.Code, result.Error)
	}
	if len(result.Steps) != 1 || result.Steps[0].Step.CanonicalName != "alpha-mcp" {
		t.Errorf("history must record the canonical name, got %+v", result.Steps)
	}
	if n := backend.callCount("alpha-mcp", "search"); n != 1 {
		t.Errorf("expected 1 call on the resolved server, got %d", n)
	}
}

func TestArtifactOffload(t *testing.T) {
	big := strings.Repeat("large output line\n", 100)

	backend := newFakeBackend()
	backend.on("beta-mcp", "write", func(_ int, _ map[string]any) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(big), nil
	})
	engine := newTestEngine(t, backend, nil, 64)

	result := engine.StartExecution(context.Background(), Request{
		UserID: "alice",
		Plan: []global.Step{
			{CanonicalName: "beta", ToolName: "write", Input: map[string]any{"content": "x"}},
		},
	}, &collectSink{})

	if !result.Success {
		t.Fatalf("expected success, got %s: %s", result.Code, result.Error)
	}
	output := result.Steps[0].Output
	if output == nil || output.Kind != "artifact" {
		t.Fatalf("expected artifact output, got %+v", output)
	}
	if output.Size != len(big) {
		t.Errorf("expected size %d, got %d", len(big), output.Size)
	}
	stored, err := os.ReadFile(output.ArtifactPath)
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}
	if string(stored) != big {
		t.Error("artifact content does not match tool output")
	}
	if len(output.Text) >= len(big) {
		t.Error("inline text should be a truncated preview")
	}
}

func TestJSONOutputNormalization(t *testing.T) {
	backend := newFakeBackend()
	backend.on("beta-mcp", "write", func(_ int, _ map[string]any) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(`{"items": [1, 2, 3]}`), nil
	})
	engine := newTestEngine(t, backend, nil, 0)

	result := engine.StartExecution(context.Background(), Request{
		UserID: "alice",
		Plan: []global.Step{
			{CanonicalName: "beta", ToolName: "write", Input: map[string]any{"content": "x"}},
		},
	}, &collectSink{})

	if !result.Success {
		t.Fatalf("expected success, got %s", result.Code)
	}
	output := result.Steps[0].Output
	if output.Kind != "json" {
		t.Fatalf("expected json output, got %s", output.Kind)
	}
	parsed, ok := output.JSON.(map[string]any)
	if !ok || parsed["items"] == nil {
		t.Errorf("expected parsed JSON payload, got %+v", output.JSON)
	}
}

func TestPoolStatusAndManualCleanup(t *testing.T) {
	backend := newFakeBackend()
	engine := newTestEngine(t, backend, nil, 0)

	result := engine.StartExecution(context.Background(), Request{
		UserID: "alice",
		Plan:   threeStepPlan(),
	}, &collectSink{})
	if !result.Success {
		t.Fatalf("expected success, got %s", result.Code)
	}

	// Sessions outlive the execution for reuse
	status := engine.PoolStatus()
	if len(status) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(status))
	}
	for _, s := range status {
		if s.RefCount != 0 {
			t.Errorf("expected released session, refcount %d on %s", s.RefCount, s.Name)
		}
	}

	if n := engine.ManualCleanup(); n != 2 {
		t.Errorf("expected 2 sessions cleaned, got %d", n)
	}
	if len(engine.PoolStatus()) != 0 {
		t.Error("expected no sessions after manual cleanup")
	}
}
