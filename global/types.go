/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package global

import "time"

// Step is one unit of work in a workflow: a single tool invocation against a
// named tool server. Steps come either from a precomputed plan or from the
// dynamic planner, one per iteration.
type Step struct {
	StepNumber    int            `json:"step_number"`
	CanonicalName string         `json:"canonical_name"`
	ToolName      string         `json:"tool_name"`
	Input         map[string]any `json:"input,omitempty"`
	Reasoning     string         `json:"reasoning,omitempty"` // planner's stated intent, for audit only
}

// Limits controls execution limits for a workflow run.
// MaxIterations: planning iterations (billable when planning dynamically)
// MaxRetries: retryable step failures per step signature (no LLM cost)
// MaxParseErrors: failed planner calls (malformed output, model failure,
// timeout) tolerated before the run fails
// LoopThreshold: identical (server, tool, input) tuples before the run is aborted
type Limits struct {
	MaxIterations  int `json:"max_iterations,omitempty"`
	MaxRetries     int `json:"max_retries,omitempty"`
	MaxParseErrors int `json:"max_parse_errors,omitempty"`
	LoopThreshold  int `json:"loop_threshold,omitempty"`
}

// WithDefaults returns a copy of Limits with defaults applied for zero values
func (l Limits) WithDefaults() Limits {
	result := l
	if result.MaxIterations == 0 {
		result.MaxIterations = DefaultMaxIterations
	}
	if result.MaxRetries == 0 {
		result.MaxRetries = DefaultMaxRetries
	}
	if result.MaxParseErrors == 0 {
		result.MaxParseErrors = DefaultMaxParseErrors
	}
	if result.LoopThreshold == 0 {
		result.LoopThreshold = DefaultLoopThreshold
	}
	return result
}

// SessionStatus is a pool status row returned to the external HTTP layer.
type SessionStatus struct {
	Name       string    `json:"name"`
	UserID     string    `json:"user_id,omitempty"`
	State      string    `json:"state"`
	ToolCount  int       `json:"tool_count"`
	RefCount   int       `json:"ref_count"`
	LastUsedAt time.Time `json:"last_used_at"`
}
