/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package workflow

import (
	"time"

	"github.com/STPDevteam/awesome-server-sub003/auth"
)

// Event is one entry in the execution event stream. Events for a single
// execution are emitted in a strict order: execution_start, then for every
// step exactly step_start followed by step_complete or step_error, then one
// of workflow_complete or workflow_error.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Sink receives events as the engine emits them. Implementations must not
// block for long; the engine calls Emit from the execution loop.
type Sink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(event Event)

// Emit implements Sink
func (f SinkFunc) Emit(event Event) {
	f(event)
}

// ExecutionStartData announces a new execution
type ExecutionStartData struct {
	ExecutionID  string    `json:"execution_id"`
	UserID       string    `json:"user_id,omitempty"`
	Goal         string    `json:"goal,omitempty"`
	PlannedSteps int       `json:"planned_steps,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// StepStartData announces a step about to run
type StepStartData struct {
	StepNumber    int            `json:"step_number"`
	Attempt       int            `json:"attempt"`
	CanonicalName string         `json:"canonical_name"`
	ToolName      string         `json:"tool_name"`
	Input         map[string]any `json:"input,omitempty"`
}

// StepCompleteData reports a successful step
type StepCompleteData struct {
	StepNumber    int         `json:"step_number"`
	Attempt       int         `json:"attempt"`
	CanonicalName string      `json:"canonical_name"`
	ToolName      string      `json:"tool_name"`
	Output        *StepOutput `json:"output,omitempty"`
	DurationMS    int64       `json:"duration_ms"`
}

// StepErrorData reports a failed step
type StepErrorData struct {
	StepNumber    int    `json:"step_number"`
	Attempt       int    `json:"attempt"`
	CanonicalName string `json:"canonical_name"`
	ToolName      string `json:"tool_name"`
	Error         string `json:"error"`
	WillRetry     bool   `json:"will_retry"`
}

// WorkflowCompleteData is the successful terminal event
type WorkflowCompleteData struct {
	ExecutionID string `json:"execution_id"`
	Iterations  int    `json:"iterations"`
	FinalOutput string `json:"final_output,omitempty"`
}

// WorkflowErrorData is the failed terminal event
type WorkflowErrorData struct {
	ExecutionID string             `json:"execution_id"`
	Code        string             `json:"code"`
	Error       string             `json:"error"`
	Iterations  int                `json:"iterations"`
	MissingAuth []auth.Requirement `json:"missing_auth,omitempty"`
}

// emit sends an event to the sink, tolerating a nil sink
func emit(sink Sink, name string, data any) {
	if sink != nil {
		sink.Emit(Event{Event: name, Data: data})
	}
}
