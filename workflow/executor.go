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
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/STPDevteam/awesome-server-sub003/auth"
	"github.com/STPDevteam/awesome-server-sub003/global"
	"github.com/STPDevteam/awesome-server-sub003/logging"
	"github.com/STPDevteam/awesome-server-sub003/pool"
	"github.com/STPDevteam/awesome-server-sub003/registry"
)

// Executor runs single workflow steps: resolve the server, re-check auth,
// validate input against the discovered tool schema, invoke, and normalize
// the result. Exactly one history entry is appended per attempt, success or
// not.
type Executor struct {
	registry  *registry.Registry
	gate      *auth.Gate
	pool      *pool.Pool
	artifacts *ArtifactStore
	logger    *logging.Logger
}

// NewExecutor creates an executor over the connection pool
func NewExecutor(reg *registry.Registry, gate *auth.Gate, p *pool.Pool,
	artifacts *ArtifactStore, logger *logging.Logger) *Executor {
	return &Executor{
		registry:  reg,
		gate:      gate,
		pool:      p,
		artifacts: artifacts,
		logger:    logger,
	}
}

// Run executes one step attempt and records it in the state's history. The
// returned error carries the pool's error taxonomy; validation failures are
// detected here, before dispatch, against the schema the server advertised.
func (e *Executor) Run(ctx context.Context, state *State, step global.Step, attempt int) (*StepOutput, error) {
	started := time.Now()
	output, err := e.run(ctx, state, &step)
	state.Record(step, attempt, output, err, time.Since(started))
	return output, err
}

func (e *Executor) run(ctx context.Context, state *State, step *global.Step) (*StepOutput, error) {
	// A dynamic planner may name a server by alias, or name one the request
	// never declared; resolve and re-gate before anything spawns
	d, err := e.registry.Resolve(step.CanonicalName)
	if err != nil {
		return nil, err
	}
	step.CanonicalName = d.CanonicalName

	gateResult, err := e.gate.Check(state.UserID, []string{d.CanonicalName})
	if err != nil {
		return nil, err
	}
	if !gateResult.Satisfied {
		return nil, &AuthRequiredError{Missing: gateResult.Missing}
	}

	session, _, err := e.pool.EnsureConnected(ctx, d.CanonicalName, state.UserID)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(session)

	tool, ok := session.Tool(step.ToolName)
	if !ok {
		return nil, &pool.ToolCallError{
			Kind:          pool.CallNotFound,
			CanonicalName: step.CanonicalName,
			ToolName:      step.ToolName,
			Message:       fmt.Sprintf("tool not found, available: %s", session.ToolNames()),
		}
	}

	if err := validateInput(tool, *step); err != nil {
		return nil, err
	}

	result, callErr := e.pool.CallTool(ctx, session, step.ToolName, step.Input)
	if callErr != nil {
		return nil, callErr
	}

	return e.normalize(state, *step, result), nil
}

// validateInput checks the planned input against the tool's advertised JSON
// schema before dispatch, so malformed plans fail fast and deterministically
func validateInput(tool *mcp.Tool, step global.Step) error {
	schemaJSON, err := json.Marshal(tool.InputSchema)
	if err != nil || len(schemaJSON) == 0 || string(schemaJSON) == "null" {
		// No usable schema advertised; let the server judge
		return nil
	}

	input := step.Input
	if input == nil {
		input = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewGoLoader(input),
	)
	if err != nil {
		// Schema itself is unusable; not the plan's fault
		return nil
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return &pool.ToolCallError{
		Kind:          pool.CallInvalidInput,
		CanonicalName: step.CanonicalName,
		ToolName:      step.ToolName,
		Message:       strings.Join(msgs, "; "),
	}
}

// normalize flattens heterogeneous tool results into a StepOutput. Text that
// parses as JSON is tagged as such; oversized payloads are offloaded to the
// artifact store with an inline preview.
func (e *Executor) normalize(state *State, step global.Step, result *mcp.CallToolResult) *StepOutput {
	var texts []string
	binary := false
	for _, c := range result.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			texts = append(texts, tc.Text)
		} else {
			binary = true
		}
	}

	text := strings.Join(texts, "\n")
	output := &StepOutput{Size: len(text)}

	switch {
	case len(texts) == 0 && binary:
		output.Kind = "binary"
		output.Text = "(non-text tool output)"
		return output

	case e.artifacts.ShouldOffload(len(text)):
		path, err := e.artifacts.Offload(state.ExecutionID, step.StepNumber, len(state.History)+1, text)
		if err != nil {
			e.logger.Warnf("Failed to offload %d byte output for step %d: %v", len(text), step.StepNumber, err)
			break
		}
		output.Kind = "artifact"
		output.ArtifactPath = path
		output.Text = preview(text, 1024)
		return output
	}

	trimmed := strings.TrimSpace(text)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var parsed any
		if json.Unmarshal([]byte(trimmed), &parsed) == nil {
			output.Kind = "json"
			output.JSON = parsed
			return output
		}
	}

	output.Kind = "text"
	output.Text = text
	return output
}
