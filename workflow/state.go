/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package workflow

import (
	"encoding/json"
	"time"

	"github.com/STPDevteam/awesome-server-sub003/global"
)

// StepOutput is the uniform shape tool results are normalized into before the
// observer or any event consumer sees them
type StepOutput struct {
	// Kind is "text", "json", "binary", or "artifact"
	Kind string `json:"kind"`
	// Text holds inline text output (a preview when Kind is "artifact")
	Text string `json:"text,omitempty"`
	// JSON holds the parsed payload when Kind is "json"
	JSON any `json:"json,omitempty"`
	// ArtifactPath points at offloaded output on disk
	ArtifactPath string `json:"artifact_path,omitempty"`
	// Size is the raw output size in bytes
	Size int `json:"size,omitempty"`
}

// HistoryEntry records one step attempt. Retries append new entries, never
// overwrite.
type HistoryEntry struct {
	Step       global.Step `json:"step"`
	Attempt    int         `json:"attempt"`
	Success    bool        `json:"success"`
	Output     *StepOutput `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

// State tracks one execution through the plan-execute-observe loop. It is
// owned by a single execution goroutine and never shared.
type State struct {
	ExecutionID string
	UserID      string
	Goal        string

	Phase            string
	CurrentIteration int
	Limits           global.Limits

	History     []HistoryEntry
	ParseErrors int

	pendingPlan []global.Step
	signatures  map[string]int
	stepRetries map[int]int
	nextStep    int
}

// NewState creates execution state, seeding the pending plan when the caller
// supplied a precomputed one
func NewState(executionID string, userID string, goal string, plan []global.Step, limits global.Limits) *State {
	return &State{
		ExecutionID: executionID,
		UserID:      userID,
		Goal:        goal,
		Phase:       global.PhasePlanning,
		Limits:      limits.WithDefaults(),
		pendingPlan: append([]global.Step(nil), plan...),
		signatures:  make(map[string]int),
		stepRetries: make(map[int]int),
		nextStep:    1,
	}
}

// HasPendingSteps reports whether precomputed steps remain
func (s *State) HasPendingSteps() bool {
	return len(s.pendingPlan) > 0
}

// PopStep removes and returns the next pending step, assigning it a step
// number if the plan did not carry one
func (s *State) PopStep() global.Step {
	step := s.pendingPlan[0]
	s.pendingPlan = s.pendingPlan[1:]
	if step.StepNumber == 0 {
		step.StepNumber = s.nextStep
	}
	if step.StepNumber >= s.nextStep {
		s.nextStep = step.StepNumber + 1
	}
	return step
}

// PushSteps queues planner-produced steps, assigning step numbers
func (s *State) PushSteps(steps []global.Step) {
	for _, step := range steps {
		if step.StepNumber == 0 {
			step.StepNumber = s.nextStep
			s.nextStep++
		}
		s.pendingPlan = append(s.pendingPlan, step)
	}
}

// Requeue puts a failed step back at the head of the plan so the next
// iteration retries it
func (s *State) Requeue(step global.Step) {
	s.pendingPlan = append([]global.Step{step}, s.pendingPlan...)
}

// signature builds the loop-detection identity of a step. Map keys marshal in
// sorted order, so identical inputs always produce identical signatures.
func signature(step global.Step) string {
	input, _ := json.Marshal(step.Input)
	return step.CanonicalName + "\x00" + step.ToolName + "\x00" + string(input)
}

// CountSignature increments and returns the occurrence count of this step's
// (server, tool, input) tuple
func (s *State) CountSignature(step global.Step) int {
	key := signature(step)
	s.signatures[key]++
	return s.signatures[key]
}

// RetryCount returns how many failed attempts the step has accumulated
func (s *State) RetryCount(step global.Step) int {
	return s.stepRetries[step.StepNumber]
}

// RecordRetry bumps the failed-attempt count for the step
func (s *State) RecordRetry(step global.Step) int {
	s.stepRetries[step.StepNumber]++
	return s.stepRetries[step.StepNumber]
}

// Record appends one history entry for an attempt
func (s *State) Record(step global.Step, attempt int, output *StepOutput, err error, took time.Duration) {
	entry := HistoryEntry{
		Step:       step,
		Attempt:    attempt,
		Success:    err == nil,
		Output:     output,
		DurationMS: took.Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.History = append(s.History, entry)
}

// LastOutput returns the output of the most recent successful step
func (s *State) LastOutput() *StepOutput {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Success {
			return s.History[i].Output
		}
	}
	return nil
}
