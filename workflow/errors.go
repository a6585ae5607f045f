/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/STPDevteam/awesome-server-sub003/auth"
)

// Error codes carried on terminal workflow_error events
const (
	CodeAuthRequired  = "AUTH_REQUIRED"
	CodeLoopDetected  = "LOOP_DETECTED"
	CodeIterationCap  = "ITERATION_CAP"
	CodeRetryExceeded = "RETRY_EXCEEDED"
	CodePlanFailure   = "PLAN_FAILURE"
	CodeCancelled     = "CANCELLED"
	CodeStepFailed    = "STEP_FAILED"
	CodeInternal      = "INTERNAL"
)

// PlanParseError means the planner LLM produced output that could not be
// turned into a step. It is retryable up to the parse-error cap and is
// counted separately from step retries.
type PlanParseError struct {
	Raw string
	Err error
}

func (e *PlanParseError) Error() string {
	raw := e.Raw
	if len(raw) > 200 {
		raw = raw[:200] + "..."
	}
	return fmt.Sprintf("failed to parse planner output: %v (output: %s)", e.Err, raw)
}

func (e *PlanParseError) Unwrap() error {
	return e.Err
}

// Retryable is always true; the cap is enforced by the engine
func (e *PlanParseError) Retryable() bool {
	return true
}

// AuthRequiredError means the user lacks credentials for one or more tool
// servers the task needs. It is raised before any step runs, never partway.
type AuthRequiredError struct {
	Missing []auth.Requirement
}

func (e *AuthRequiredError) Error() string {
	names := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		names = append(names, m.CanonicalName)
	}
	return fmt.Sprintf("missing credentials for: %s", strings.Join(names, ", "))
}

// LoopDetectedError means the planner kept producing the same step past the
// repetition threshold
type LoopDetectedError struct {
	CanonicalName string
	ToolName      string
	Count         int
}

func (e *LoopDetectedError) Error() string {
	return fmt.Sprintf("loop detected: %s/%s planned %d times with identical input",
		e.CanonicalName, e.ToolName, e.Count)
}

// retryer is implemented by error types that know whether a retry can help
type retryer interface {
	Retryable() bool
}

// isRetryable reports whether any error in the chain declares itself retryable
func isRetryable(err error) bool {
	var r retryer
	return errors.As(err, &r) && r.Retryable()
}
