/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/STPDevteam/awesome-server-sub003/global"
)

func TestParsePlannerOutputStep(t *testing.T) {
	// The same step, in the shapes models actually produce
	variants := map[string]string{
		"bare object": `{"server": "github-mcp", "tool": "search", "input": {"query": "x"}, "reasoning": "find it"}`,
		"fenced":      "```json\n{\"server\": \"github-mcp\", \"tool\": \"search\", \"input\": {\"query\": \"x\"}}\n```",
		"fence only":  "```\n{\"server\": \"github-mcp\", \"tool\": \"search\", \"input\": {\"query\": \"x\"}}\n```",
		"prose prefix": "Sure, here is the next step:\n" +
			`{"server": "github-mcp", "tool": "search", "input": {"query": "x"}}`,
		"alt field names": `{"canonical_name": "github-mcp", "tool_name": "search", "input": {"query": "x"}}`,
		"array":           `[{"server": "github-mcp", "tool": "search", "input": {"query": "x"}}]`,
	}

	for name, raw := range variants {
		t.Run(name, func(t *testing.T) {
			decision, steps, err := parsePlannerOutput(raw)
			if err != nil {
				t.Fatalf("unexpected parse error: %v", err)
			}
			if decision != nil {
				t.Fatal("expected steps, got a decision")
			}
			if len(steps) != 1 {
				t.Fatalf("expected 1 step, got %d", len(steps))
			}
			if steps[0].CanonicalName != "github-mcp" || steps[0].ToolName != "search" {
				t.Errorf("wrong step identity: %+v", steps[0])
			}
			if steps[0].Input["query"] != "x" {
				t.Errorf("wrong step input: %+v", steps[0].Input)
			}
		})
	}
}

func TestParsePlannerOutputDone(t *testing.T) {
	decision, steps, err := parsePlannerOutput(`{"done": true, "final_output": "finished"}`)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if steps != nil {
		t.Errorf("expected no steps, got %+v", steps)
	}
	if decision == nil || !decision.Done || decision.FinalOutput != "finished" {
		t.Errorf("expected done decision with final output, got %+v", decision)
	}
}

func TestParsePlannerOutputMultiStep(t *testing.T) {
	raw := `[
		{"server": "a-mcp", "tool": "one", "input": {}},
		{"server": "b-mcp", "tool": "two", "input": {}}
	]`
	decision, steps, err := parsePlannerOutput(raw)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if decision != nil || len(steps) != 2 {
		t.Fatalf("expected 2 steps, got decision=%+v steps=%+v", decision, steps)
	}
	if steps[0].ToolName != "one" || steps[1].ToolName != "two" {
		t.Errorf("step order lost: %+v", steps)
	}
}

func TestParsePlannerOutputRejects(t *testing.T) {
	cases := map[string]string{
		"prose":          "I would suggest searching GitHub for the answer.",
		"empty":          "",
		"truncated json": `{"server": "a-mcp", "tool":`,
		"missing tool":   `{"server": "a-mcp", "input": {}}`,
		"missing server": `{"tool": "search", "input": {}}`,
		"empty array":    `[]`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := parsePlannerOutput(raw)
			if err == nil {
				t.Fatal("expected parse error")
			}
			var parseErr *PlanParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("expected PlanParseError, got %T: %v", err, err)
			}
			if !parseErr.Retryable() {
				t.Error("parse errors must be retryable")
			}
		})
	}
}

func TestPlanParseErrorTruncatesRaw(t *testing.T) {
	raw := strings.Repeat("garbage ", 100)
	_, _, err := parsePlannerOutput(raw)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if len(err.Error()) > len(raw) {
		t.Error("error message must not embed the full raw output")
	}
}

func TestStripFences(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n[1]\n```", `[1]`},
		{"  {\"a\": 1}  ", `{"a": 1}`},
		{"The plan is:\n{\"a\": 1}", `{"a": 1}`},
	}
	for _, c := range cases {
		if got := stripFences(c.in); got != c.want {
			t.Errorf("stripFences(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBuildPromptScopedToInventory(t *testing.T) {
	state := NewState("exec-1", "alice", "do the thing", nil, global.Limits{})
	planner := NewPlanner(nil, nil, nil, "", 0)

	inventory := []ServerTools{{
		CanonicalName: "github-mcp",
		Tools: []mcp.Tool{
			mcp.NewTool("search",
				mcp.WithDescription("Search repositories"),
				mcp.WithString("query", mcp.Required()),
			),
		},
	}}
	prompt := planner.buildPrompt(state, inventory)

	if !strings.Contains(prompt, "do the thing") {
		t.Error("prompt must carry the goal")
	}
	if !strings.Contains(prompt, "github-mcp") || !strings.Contains(prompt, "search") {
		t.Error("prompt must list the task's servers and tools")
	}
	if !strings.Contains(prompt, "query") {
		t.Error("prompt must include the tool input schema")
	}
	// Only the task's servers appear, never the rest of the registry
	if strings.Contains(prompt, "slack-mcp") {
		t.Error("prompt must not mention servers outside the task")
	}
	if !strings.Contains(prompt, `"done": true`) {
		t.Error("prompt must document the completion marker")
	}
}

func TestStateSignatureCounting(t *testing.T) {
	state := NewState("exec-1", "alice", "goal", nil, global.Limits{})

	same := global.Step{CanonicalName: "a-mcp", ToolName: "t", Input: map[string]any{"k": "v"}}
	other := global.Step{CanonicalName: "a-mcp", ToolName: "t", Input: map[string]any{"k": "w"}}

	if n := state.CountSignature(same); n != 1 {
		t.Errorf("first occurrence should count 1, got %d", n)
	}
	if n := state.CountSignature(same); n != 2 {
		t.Errorf("second occurrence should count 2, got %d", n)
	}
	// A different input is a different signature
	if n := state.CountSignature(other); n != 1 {
		t.Errorf("distinct input should count separately, got %d", n)
	}
}

func TestStateStepNumbering(t *testing.T) {
	plan := []global.Step{
		{CanonicalName: "a-mcp", ToolName: "one"},
		{CanonicalName: "a-mcp", ToolName: "two"},
	}
	state := NewState("exec-1", "alice", "", plan, global.Limits{})

	first := state.PopStep()
	if first.StepNumber != 1 {
		t.Errorf("expected step 1, got %d", first.StepNumber)
	}

	// A requeued step keeps its number; later steps keep counting
	state.Requeue(first)
	again := state.PopStep()
	if again.StepNumber != 1 {
		t.Errorf("requeued step must keep its number, got %d", again.StepNumber)
	}
	second := state.PopStep()
	if second.StepNumber != 2 {
		t.Errorf("expected step 2, got %d", second.StepNumber)
	}
	if state.HasPendingSteps() {
		t.Error("plan should be exhausted")
	}
}

func TestRateLimiterWindow(t *testing.T) {
	limiter := NewRateLimiter(3, 60)

	for i := 0; i < 3; i++ {
		waited, err := limiter.Wait(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if waited != 0 {
			t.Errorf("request %d should not wait, waited %s", i, waited)
		}
	}
	if limiter.Available() != 0 {
		t.Errorf("window should be full, %d available", limiter.Available())
	}

	// A full window plus a cancelled context must not block forever
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := limiter.Wait(ctx); err == nil {
		t.Error("expected context error when the window is full")
	}
}
