/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package pool

import "fmt"

// ConnectionError indicates a tool server could not be spawned or initialized.
// Connection failures are transient by nature (npx fetch, process startup) and
// callers may retry the whole operation.
type ConnectionError struct {
	CanonicalName string
	Attempts      int
	Err           error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s after %d attempt(s): %v",
		e.CanonicalName, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the operation may help
func (e *ConnectionError) Retryable() bool {
	return true
}

// CallErrorKind classifies a failed tool call
type CallErrorKind string

const (
	// CallNotFound means the tool name is not in the server's discovered set
	CallNotFound CallErrorKind = "not_found"

	// CallInvalidInput means the arguments failed schema validation
	CallInvalidInput CallErrorKind = "invalid_input"

	// CallRemoteFailure means the server executed the tool and reported failure
	CallRemoteFailure CallErrorKind = "remote_failure"

	// CallTimeout means the call exceeded its deadline
	CallTimeout CallErrorKind = "timeout"
)

// ToolCallError describes a failed tool invocation with enough context for
// the caller to decide whether to retry, replan, or abort
type ToolCallError struct {
	Kind          CallErrorKind
	CanonicalName string
	ToolName      string
	Message       string
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("tool call %s/%s failed (%s): %s",
		e.CanonicalName, e.ToolName, e.Kind, e.Message)
}

// Retryable reports whether retrying the same call with the same input can
// succeed. Validation and lookup failures are deterministic and never are;
// remote failures and timeouts may be transient.
func (e *ToolCallError) Retryable() bool {
	switch e.Kind {
	case CallRemoteFailure, CallTimeout:
		return true
	default:
		return false
	}
}
