/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/STPDevteam/awesome-server-sub003/global"
	"github.com/STPDevteam/awesome-server-sub003/llm"
	"github.com/STPDevteam/awesome-server-sub003/logging"
)

// Completer is the planning capability: one prompt in, one completion out.
// Satisfied by llm.Service; tests substitute scripted fakes.
type Completer interface {
	Complete(ctx context.Context, llmID string, prompt string, opts llm.Options) (string, error)
}

// ServerTools is the tool inventory of one connected server, given to the
// planner so it only ever sees the task-relevant subset of the registry
type ServerTools struct {
	CanonicalName string
	Tools         []mcp.Tool
}

// Decision is the planner's verdict for one iteration: either the next step
// or completion with an optional final answer
type Decision struct {
	Done        bool
	FinalOutput string
	Step        global.Step
}

// Planner produces the next workflow step. Deterministic mode pops from the
// state's precomputed plan; dynamic mode asks an LLM for one decision per
// iteration.
type Planner struct {
	completer Completer
	limiter   *RateLimiter
	logger    *logging.Logger
	llmID     string
	timeout   int
}

// NewPlanner creates a planner. A nil completer restricts it to deterministic
// mode: once the precomputed plan is exhausted the workflow is done.
func NewPlanner(completer Completer, limiter *RateLimiter, logger *logging.Logger,
	llmID string, planningTimeoutSeconds int) *Planner {
	return &Planner{
		completer: completer,
		limiter:   limiter,
		logger:    logger,
		llmID:     llmID,
		timeout:   planningTimeoutSeconds,
	}
}

// Next returns the planner's decision for the current state. Malformed LLM
// output returns a PlanParseError rather than propagating a parse failure.
func (p *Planner) Next(ctx context.Context, state *State, inventory []ServerTools) (*Decision, error) {
	if state.HasPendingSteps() {
		return &Decision{Step: state.PopStep()}, nil
	}

	if p.completer == nil {
		// Plan exhausted and no model to extend it
		return &Decision{Done: true}, nil
	}

	if p.limiter != nil {
		waited, err := p.limiter.Wait(ctx)
		if err != nil {
			return nil, err
		}
		if waited > 0 {
			p.logger.Debugf("Planner rate limited for %s", waited)
		}
	}

	prompt := p.buildPrompt(state, inventory)
	output, err := p.completer.Complete(ctx, p.llmID, prompt, llm.Options{
		ResponseFormat: global.ResponseFormatJSON,
		Timeout:        p.timeout,
	})
	if err != nil {
		return nil, err
	}

	decision, steps, err := parsePlannerOutput(output)
	if err != nil {
		return nil, err
	}
	if decision != nil {
		return decision, nil
	}

	// Multi-step answers queue the tail and execute the head now
	state.PushSteps(steps)
	return &Decision{Step: state.PopStep()}, nil
}

// buildPrompt renders the planning request: goal, available tools, history of
// prior attempts, and the required output format
func (p *Planner) buildPrompt(state *State, inventory []ServerTools) string {
	var b strings.Builder

	b.WriteString("You are a workflow planner. Decide the single next tool call that advances the goal, ")
	b.WriteString("or declare the goal complete.\n\n")

	b.WriteString("=== GOAL ===\n")
	b.WriteString(state.Goal)
	b.WriteString("\n\n=== AVAILABLE TOOLS ===\n")
	for _, server := range inventory {
		for _, tool := range server.Tools {
			schemaJSON, _ := json.Marshal(tool.InputSchema)
			fmt.Fprintf(&b, "- server: %s, tool: %s\n  description: %s\n  input_schema: %s\n",
				server.CanonicalName, tool.Name, tool.Description, schemaJSON)
		}
	}

	if len(state.History) > 0 {
		b.WriteString("\n=== EXECUTION HISTORY ===\n")
		for _, entry := range state.History {
			if entry.Success {
				fmt.Fprintf(&b, "step %d (attempt %d): %s/%s -> ok: %s\n",
					entry.Step.StepNumber, entry.Attempt,
					entry.Step.CanonicalName, entry.Step.ToolName,
					previewOutput(entry.Output))
			} else {
				fmt.Fprintf(&b, "step %d (attempt %d): %s/%s -> FAILED: %s\n",
					entry.Step.StepNumber, entry.Attempt,
					entry.Step.CanonicalName, entry.Step.ToolName, entry.Error)
			}
		}
		b.WriteString("Do not repeat a call that already succeeded. Route around repeated failures.\n")
	}

	b.WriteString("\n=== RESPONSE FORMAT ===\n")
	b.WriteString("Respond with ONLY a JSON object, no prose. Either:\n")
	b.WriteString(`{"done": true, "final_output": "<answer for the user>"}` + "\n")
	b.WriteString("or the next step:\n")
	b.WriteString(`{"server": "<canonical server name>", "tool": "<tool name>", "input": {...}, "reasoning": "<why>"}` + "\n")

	return b.String()
}

// previewOutput renders a short history summary of a step output
func previewOutput(output *StepOutput) string {
	if output == nil {
		return "(no output)"
	}
	text := output.Text
	if output.Kind == "json" && text == "" {
		raw, _ := json.Marshal(output.JSON)
		text = string(raw)
	}
	if output.Kind == "artifact" {
		return fmt.Sprintf("(%d bytes saved to %s) %s", output.Size, output.ArtifactPath, text)
	}
	if len(text) > 400 {
		text = text[:400] + "..."
	}
	return text
}

// plannerStep is the permissive wire shape of one planned step. Models vary
// in field naming, so both the documented names and common variants parse.
type plannerStep struct {
	Server        string         `json:"server"`
	CanonicalName string         `json:"canonical_name"`
	Tool          string         `json:"tool"`
	ToolName      string         `json:"tool_name"`
	Input         map[string]any `json:"input"`
	Reasoning     string         `json:"reasoning"`
	Done          bool           `json:"done"`
	FinalOutput   string         `json:"final_output"`
}

// toStep normalizes a parsed planner step
func (ps *plannerStep) toStep() (global.Step, error) {
	server := ps.Server
	if server == "" {
		server = ps.CanonicalName
	}
	tool := ps.Tool
	if tool == "" {
		tool = ps.ToolName
	}
	if server == "" || tool == "" {
		return global.Step{}, fmt.Errorf("step is missing server or tool")
	}
	return global.Step{
		CanonicalName: server,
		ToolName:      tool,
		Input:         ps.Input,
		Reasoning:     ps.Reasoning,
	}, nil
}

// parsePlannerOutput turns raw LLM text into a completion decision or a list
// of steps. It strips markdown fences and accepts both a bare object and a
// bare array. All failure modes return PlanParseError.
func parsePlannerOutput(raw string) (*Decision, []global.Step, error) {
	cleaned := stripFences(raw)
	if cleaned == "" {
		return nil, nil, &PlanParseError{Raw: raw, Err: fmt.Errorf("empty planner output")}
	}

	switch cleaned[0] {
	case '{':
		var ps plannerStep
		if err := json.Unmarshal([]byte(cleaned), &ps); err != nil {
			return nil, nil, &PlanParseError{Raw: raw, Err: err}
		}
		if ps.Done {
			return &Decision{Done: true, FinalOutput: ps.FinalOutput}, nil, nil
		}
		step, err := ps.toStep()
		if err != nil {
			return nil, nil, &PlanParseError{Raw: raw, Err: err}
		}
		return nil, []global.Step{step}, nil

	case '[':
		var list []plannerStep
		if err := json.Unmarshal([]byte(cleaned), &list); err != nil {
			return nil, nil, &PlanParseError{Raw: raw, Err: err}
		}
		if len(list) == 0 {
			return nil, nil, &PlanParseError{Raw: raw, Err: fmt.Errorf("empty step array")}
		}
		steps := make([]global.Step, 0, len(list))
		for i := range list {
			step, err := list[i].toStep()
			if err != nil {
				return nil, nil, &PlanParseError{Raw: raw, Err: err}
			}
			steps = append(steps, step)
		}
		return nil, steps, nil

	default:
		return nil, nil, &PlanParseError{Raw: raw, Err: fmt.Errorf("output is neither a JSON object nor an array")}
	}
}

// stripFences removes a surrounding markdown code fence and leading prose
// before the first JSON token
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		// Drop the opening fence line (``` or ```json)
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		// Drop everything from the closing fence on
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	// Models sometimes lead with prose before the payload
	objIdx := strings.IndexAny(s, "{[")
	if objIdx > 0 {
		s = s[objIdx:]
	}

	return strings.TrimSpace(s)
}
