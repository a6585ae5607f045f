/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package global

import "fmt"

//goland:noinspection GoCommentStart,GoUnusedConst
const (
	// Configuration constants
	ConfigEnvVar          = "AWESOME_SERVER_CONFIG"
	DefaultBaseDir        = "~/.awesome-server"
	DefaultConfigFileName = "config.json"
	DefaultRegistryFile   = "registry.json"
	DefaultAuthFile       = "credentials.json"
	DefaultArtifactsDir   = "artifacts"

	// Session states
	SessionConnecting = "connecting"
	SessionReady      = "ready"
	SessionDegraded   = "degraded"
	SessionClosed     = "closed"

	// Workflow phases
	PhasePlanning    = "planning"
	PhaseExecuting   = "executing"
	PhaseObserving   = "observing"
	PhaseTerminating = "terminating"

	// Terminal workflow states
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
	WorkflowCancelled = "cancelled"

	// Event names (ordering contract consumed by the HTTP layer)
	EventExecutionStart   = "execution_start"
	EventStepStart        = "step_start"
	EventStepComplete     = "step_complete"
	EventStepError        = "step_error"
	EventWorkflowComplete = "workflow_complete"
	EventWorkflowError    = "workflow_error"

	// Transport kinds for tool servers
	TransportStdio = "stdio"

	// Default Values
	DefaultCallTimeout     = 120 // seconds, per tool call
	DefaultConnectTimeout  = 30  // seconds, spawn + handshake + discovery
	DefaultPlanningTimeout = 300 // seconds, per planner LLM call
	DefaultIdleTTL         = 600 // seconds before an unused session is evicted
	DefaultSweepInterval   = 60  // seconds between idle sweeps
	MinTimeout             = 5   // seconds
	MaxTimeout             = 1200

	// Workflow limits
	DefaultMaxIterations     = 10 // planning iterations per task
	MaxIterationsLimit       = 50
	DefaultMaxRetries        = 3 // retryable failures per step signature
	MaxRetriesLimit          = 10
	DefaultMaxParseErrors    = 3 // malformed planner outputs before giving up
	DefaultLoopThreshold     = 3 // identical (server, tool, input) tuples before abort
	DefaultMaxConnectRetries = 3 // spawn attempts before a key is reported Degraded

	// Artifact offload
	DefaultOutputInlineLimit = 16 * 1024 // bytes kept inline before offload to disk

	// Rate limiting of planner LLM calls
	DefaultRateLimitRequests = 10
	DefaultRateLimitPeriod   = 60

	// Response Format Constants
	ResponseFormatText = "text"
	ResponseFormatJSON = "json"

	// Log Levels
	LogLevelDebug = "DEBUG"
	LogLevelInfo  = "INFO"
	LogLevelWarn  = "WARN"
	LogLevelError = "ERROR"
	LogLevelFatal = "FATAL"

	// Credential placeholder prefix in descriptor env templates
	CredentialPlaceholderOpen  = "{{"
	CredentialPlaceholderClose = "}}"
)

// ValidateTimeout validates and normalizes a timeout value in seconds.
// Returns the validated timeout or an error if out of bounds.
// If timeout is 0, returns the supplied default.
func ValidateTimeout(timeout, def int) (int, error) {
	if timeout == 0 {
		return def, nil
	}
	if timeout < MinTimeout {
		return 0, fmt.Errorf("timeout must be at least %d seconds", MinTimeout)
	}
	if timeout > MaxTimeout {
		return 0, fmt.Errorf("timeout must be at most %d seconds", MaxTimeout)
	}
	return timeout, nil
}

// ValidateMaxIterations validates and normalizes a max_iterations value.
// If value is 0, returns DefaultMaxIterations.
func ValidateMaxIterations(maxIterations int) (int, error) {
	if maxIterations == 0 {
		return DefaultMaxIterations, nil
	}
	if maxIterations < 1 {
		return 0, fmt.Errorf("max_iterations must be at least 1")
	}
	if maxIterations > MaxIterationsLimit {
		return 0, fmt.Errorf("max_iterations must be at most %d", MaxIterationsLimit)
	}
	return maxIterations, nil
}

// ValidateMaxRetries validates and normalizes a max_retries value.
// If value is 0, returns DefaultMaxRetries.
func ValidateMaxRetries(maxRetries int) (int, error) {
	if maxRetries == 0 {
		return DefaultMaxRetries, nil
	}
	if maxRetries < 1 {
		return 0, fmt.Errorf("max_retries must be at least 1")
	}
	if maxRetries > MaxRetriesLimit {
		return 0, fmt.Errorf("max_retries must be at most %d", MaxRetriesLimit)
	}
	return maxRetries, nil
}
