/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package workflow drives the plan-execute-observe loop: a planner proposes
// one tool call per iteration, the executor runs it through the connection
// pool, and the observer decides whether to retry, replan, or terminate.
// Every execution emits a strictly ordered event stream and always reaches a
// terminal event.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/STPDevteam/awesome-server-sub003/auth"
	"github.com/STPDevteam/awesome-server-sub003/global"
	"github.com/STPDevteam/awesome-server-sub003/logging"
	"github.com/STPDevteam/awesome-server-sub003/pool"
	"github.com/STPDevteam/awesome-server-sub003/registry"
)

// Request describes one task execution
type Request struct {
	// UserID selects the credential identity for every tool call
	UserID string `json:"user_id"`
	// Goal is the natural-language task for dynamic planning
	Goal string `json:"goal,omitempty"`
	// Servers are the tool servers the task may use, by any resolvable name
	Servers []string `json:"servers"`
	// Plan, when present, is executed deterministically before any planning
	Plan []global.Step `json:"plan,omitempty"`
	// LLMID overrides the default planner model
	LLMID string `json:"llm_id,omitempty"`
}

// Result is the terminal outcome handed back to the caller
type Result struct {
	ExecutionID string             `json:"execution_id"`
	Success     bool               `json:"success"`
	Status      string             `json:"status"`
	Steps       []HistoryEntry     `json:"steps"`
	Iterations  int                `json:"iterations"`
	FinalOutput string             `json:"final_output,omitempty"`
	Error       string             `json:"error,omitempty"`
	Code        string             `json:"code,omitempty"`
	MissingAuth []auth.Requirement `json:"missing_auth,omitempty"`
}

// Engine coordinates executions. Executions are isolated from each other;
// the connection pool is the only shared state, and it is keyed per
// (server, credential identity).
type Engine struct {
	registry  *registry.Registry
	gate      *auth.Gate
	pool      *pool.Pool
	completer Completer
	artifacts *ArtifactStore
	logger    *logging.Logger

	limits          global.Limits
	planningTimeout int
	limiter         *RateLimiter

	mu        sync.Mutex
	cancelled map[string]bool
	running   map[string]bool
	active    sync.WaitGroup
}

// EngineOptions carries engine tuning from configuration
type EngineOptions struct {
	Limits                 global.Limits
	PlanningTimeoutSeconds int
	RateLimitRequests      int
	RateLimitPeriodSeconds int
}

// NewEngine creates a workflow engine. The completer may be nil, in which
// case only precomputed plans can run.
func NewEngine(reg *registry.Registry, gate *auth.Gate, p *pool.Pool, completer Completer,
	artifacts *ArtifactStore, logger *logging.Logger, opts EngineOptions) *Engine {

	limits := opts.Limits.WithDefaults()
	planningTimeout := opts.PlanningTimeoutSeconds
	if planningTimeout == 0 {
		planningTimeout = global.DefaultPlanningTimeout
	}
	maxRequests := opts.RateLimitRequests
	if maxRequests == 0 {
		maxRequests = global.DefaultRateLimitRequests
	}
	period := opts.RateLimitPeriodSeconds
	if period == 0 {
		period = global.DefaultRateLimitPeriod
	}

	return &Engine{
		registry:        reg,
		gate:            gate,
		pool:            p,
		completer:       completer,
		artifacts:       artifacts,
		logger:          logger,
		limits:          limits,
		planningTimeout: planningTimeout,
		limiter:         NewRateLimiter(maxRequests, period),
		cancelled:       make(map[string]bool),
		running:         make(map[string]bool),
	}
}

// Cancel requests cancellation of a running execution. The request takes
// effect between steps, never mid-call. Unknown IDs are ignored.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running[executionID] {
		return false
	}
	e.cancelled[executionID] = true
	return true
}

// isCancelled checks the cancellation flag for an execution
func (e *Engine) isCancelled(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[executionID]
}

// PoolStatus reports the live sessions backing current and recent executions
func (e *Engine) PoolStatus() []global.SessionStatus {
	return e.pool.Status()
}

// ManualCleanup closes every idle session immediately, regardless of TTL
func (e *Engine) ManualCleanup() int {
	return e.pool.CleanupIdle()
}

// Wait blocks until all running executions finish
func (e *Engine) Wait() {
	e.active.Wait()
}

// StartExecution runs a task to its terminal state, emitting the ordered
// event stream to sink along the way. It blocks until the execution is
// terminal; callers wanting asynchrony run it in a goroutine. Every
// execution produces exactly one terminal event, including on panic-free
// internal failures, cancellation, and iteration exhaustion.
func (e *Engine) StartExecution(ctx context.Context, req Request, sink Sink) *Result {
	executionID := uuid.New().String()

	e.mu.Lock()
	e.running[executionID] = true
	e.mu.Unlock()
	e.active.Add(1)
	defer func() {
		e.mu.Lock()
		delete(e.running, executionID)
		delete(e.cancelled, executionID)
		e.mu.Unlock()
		e.active.Done()
	}()

	e.logger.Infof("Execution %s started for user %s (%d planned steps)",
		executionID, req.UserID, len(req.Plan))

	emit(sink, global.EventExecutionStart, ExecutionStartData{
		ExecutionID:  executionID,
		UserID:       req.UserID,
		Goal:         req.Goal,
		PlannedSteps: len(req.Plan),
		StartedAt:    time.Now(),
	})

	result := e.execute(ctx, executionID, req, sink)

	switch {
	case result.Success:
		result.Status = global.WorkflowCompleted
	case result.Code == CodeCancelled:
		result.Status = global.WorkflowCancelled
	default:
		result.Status = global.WorkflowFailed
	}

	if result.Success {
		emit(sink, global.EventWorkflowComplete, WorkflowCompleteData{
			ExecutionID: executionID,
			Iterations:  result.Iterations,
			FinalOutput: result.FinalOutput,
		})
		e.logger.Infof("Execution %s completed in %d iteration(s)", executionID, result.Iterations)
	} else {
		emit(sink, global.EventWorkflowError, WorkflowErrorData{
			ExecutionID: executionID,
			Code:        result.Code,
			Error:       result.Error,
			Iterations:  result.Iterations,
			MissingAuth: result.MissingAuth,
		})
		e.logger.Warnf("Execution %s failed (%s): %s", executionID, result.Code, result.Error)
	}

	return result
}

// execute runs the body of an execution and returns the terminal result.
// Event emission for terminal events happens in StartExecution so there is
// exactly one place producing them.
func (e *Engine) execute(ctx context.Context, executionID string, req Request, sink Sink) *Result {
	result := &Result{ExecutionID: executionID}

	fail := func(code string, err error) *Result {
		result.Success = false
		result.Code = code
		result.Error = err.Error()
		return result
	}

	// Resolve every referenced server to its canonical name before anything
	// runs, so naming mistakes surface as a single clean failure
	canonicals, plan, err := e.resolveRequest(req)
	if err != nil {
		return fail(CodeInternal, err)
	}

	// Auth preflight: all credentials present, or nothing runs at all
	authResult, err := e.gate.Check(req.UserID, canonicals)
	if err != nil {
		return fail(CodeInternal, err)
	}
	if !authResult.Satisfied {
		result.MissingAuth = authResult.Missing
		return fail(CodeAuthRequired, &AuthRequiredError{Missing: authResult.Missing})
	}

	// Connect to the requested servers up front: the planner needs their
	// tool inventories, and connection failures should surface before any
	// step events
	inventory, release, err := e.connectAll(ctx, canonicals, req.UserID)
	if err != nil {
		return fail(CodeInternal, err)
	}
	defer release()

	if len(plan) == 0 && e.completer == nil {
		return fail(CodePlanFailure, fmt.Errorf("no plan supplied and no planner LLM configured"))
	}

	state := NewState(executionID, req.UserID, req.Goal, plan, e.limits)
	executor := NewExecutor(e.registry, e.gate, e.pool, e.artifacts, e.logger)
	planner := NewPlanner(e.completer, e.limiter, e.logger, req.LLMID, e.planningTimeout)

	for {
		// Cancellation is honored between steps only
		if e.isCancelled(executionID) || ctx.Err() != nil {
			result.Iterations = state.CurrentIteration
			result.Steps = state.History
			return fail(CodeCancelled, fmt.Errorf("execution cancelled"))
		}

		state.Phase = global.PhasePlanning
		decision, err := planner.Next(ctx, state, inventory)
		if err != nil {
			if done, failResult := e.observePlanningError(state, err, result); done {
				return failResult
			}
			continue
		}

		if decision.Done {
			state.Phase = global.PhaseTerminating
			result.Success = true
			result.Iterations = state.CurrentIteration
			result.Steps = state.History
			result.FinalOutput = decision.FinalOutput
			if result.FinalOutput == "" {
				if last := state.LastOutput(); last != nil {
					result.FinalOutput = previewOutput(last)
				}
			}
			return result
		}

		step := decision.Step

		// Iteration counts Planning -> Executing transitions; the cap bounds
		// total work even when every step succeeds
		state.CurrentIteration++
		if state.CurrentIteration > state.Limits.MaxIterations {
			result.Iterations = state.Limits.MaxIterations
			result.Steps = state.History
			return fail(CodeIterationCap,
				fmt.Errorf("iteration cap of %d exceeded without completion", state.Limits.MaxIterations))
		}

		// A step planned identically too many times is a planner loop, not
		// progress, regardless of how many iterations remain
		if count := state.CountSignature(step); count > state.Limits.LoopThreshold {
			result.Iterations = state.CurrentIteration
			result.Steps = state.History
			return fail(CodeLoopDetected, &LoopDetectedError{
				CanonicalName: step.CanonicalName,
				ToolName:      step.ToolName,
				Count:         count,
			})
		}

		state.Phase = global.PhaseExecuting
		attempt := state.RetryCount(step) + 1
		emit(sink, global.EventStepStart, StepStartData{
			StepNumber:    step.StepNumber,
			Attempt:       attempt,
			CanonicalName: step.CanonicalName,
			ToolName:      step.ToolName,
			Input:         step.Input,
		})

		started := time.Now()
		output, err := executor.Run(ctx, state, step, attempt)

		state.Phase = global.PhaseObserving
		if err == nil {
			emit(sink, global.EventStepComplete, StepCompleteData{
				StepNumber:    step.StepNumber,
				Attempt:       attempt,
				CanonicalName: step.CanonicalName,
				ToolName:      step.ToolName,
				Output:        output,
				DurationMS:    time.Since(started).Milliseconds(),
			})
			continue
		}

		retries := state.RecordRetry(step)
		willRetry := isRetryable(err) && retries < state.Limits.MaxRetries

		emit(sink, global.EventStepError, StepErrorData{
			StepNumber:    step.StepNumber,
			Attempt:       attempt,
			CanonicalName: step.CanonicalName,
			ToolName:      step.ToolName,
			Error:         err.Error(),
			WillRetry:     willRetry,
		})

		if !willRetry {
			result.Iterations = state.CurrentIteration
			result.Steps = state.History
			code := CodeStepFailed
			var authErr *AuthRequiredError
			if errors.As(err, &authErr) {
				// A dynamically planned step hit a server the preflight never
				// covered; report it the same way the preflight would
				code = CodeAuthRequired
				result.MissingAuth = authErr.Missing
			} else if isRetryable(err) {
				code = CodeRetryExceeded
			}
			return fail(code, err)
		}

		// Retryable failure under budget: requeue the step so the next
		// iteration re-attempts it (a dynamic planner may instead route
		// around it, since the failure is now in the history)
		e.logger.Warnf("Step %d failed (attempt %d of %d), retrying: %v",
			step.StepNumber, retries, state.Limits.MaxRetries, err)
		if e.completer == nil {
			state.Requeue(step)
		}
	}
}

// observePlanningError absorbs retryable planning failures (malformed output,
// model-side errors, timeouts) up to the shared planning budget. Returns
// (true, result) when the failure is terminal.
func (e *Engine) observePlanningError(state *State, err error, result *Result) (bool, *Result) {
	if isRetryable(err) {
		state.ParseErrors++
		e.logger.Warnf("Planning failed (%d of %d): %v",
			state.ParseErrors, state.Limits.MaxParseErrors, err)
		if state.ParseErrors < state.Limits.MaxParseErrors {
			return false, nil
		}
	}

	result.Success = false
	result.Code = CodePlanFailure
	result.Error = err.Error()
	result.Iterations = state.CurrentIteration
	result.Steps = state.History
	return true, result
}

// resolveRequest resolves all server references (explicit list plus plan
// steps) and rewrites plan steps to canonical names
func (e *Engine) resolveRequest(req Request) ([]string, []global.Step, error) {
	seen := make(map[string]bool)
	var canonicals []string

	add := func(raw string) (string, error) {
		d, err := e.registry.Resolve(raw)
		if err != nil {
			return "", err
		}
		if !seen[d.CanonicalName] {
			seen[d.CanonicalName] = true
			canonicals = append(canonicals, d.CanonicalName)
		}
		return d.CanonicalName, nil
	}

	for _, raw := range req.Servers {
		if _, err := add(raw); err != nil {
			return nil, nil, err
		}
	}

	plan := make([]global.Step, len(req.Plan))
	for i, step := range req.Plan {
		canonical, err := add(step.CanonicalName)
		if err != nil {
			return nil, nil, err
		}
		step.CanonicalName = canonical
		plan[i] = step
	}

	if len(canonicals) == 0 {
		return nil, nil, fmt.Errorf("no tool servers requested")
	}
	return canonicals, plan, nil
}

// connectAll ensures a session per server and snapshots tool inventories for
// the planner. The returned release func drops every acquired reference.
func (e *Engine) connectAll(ctx context.Context, canonicals []string, userID string) ([]ServerTools, func(), error) {
	var sessions []*pool.Session
	release := func() {
		for _, s := range sessions {
			e.pool.Release(s)
		}
	}

	inventory := make([]ServerTools, 0, len(canonicals))
	for _, name := range canonicals {
		session, _, err := e.pool.EnsureConnected(ctx, name, userID)
		if err != nil {
			release()
			return nil, nil, err
		}
		sessions = append(sessions, session)
		inventory = append(inventory, ServerTools{
			CanonicalName: name,
			Tools:         session.Tools(),
		})
	}
	return inventory, release, nil
}
