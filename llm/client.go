/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package llm dispatches prompts to command-line LLMs. The planner talks to
// models through this package only, so any CLI that accepts a prompt and
// prints a completion can drive planning.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/STPDevteam/awesome-server-sub003/config"
	"github.com/STPDevteam/awesome-server-sub003/global"
	"github.com/STPDevteam/awesome-server-sub003/logging"
)

// Options controls a single completion request
type Options struct {
	ResponseFormat string `json:"response_format,omitempty"` // "text" (default) or "json"
	Timeout        int    `json:"timeout,omitempty"`         // Seconds; clamped to the allowed range
}

// CompletionError means the LLM command ran but exited non-zero. This is a
// model-side failure (rate limit, refusal, overload) and may be retried.
// Infrastructure failures (command not found) are plain errors.
type CompletionError struct {
	LLMID    string
	ExitCode int
	Stderr   string
}

func (e *CompletionError) Error() string {
	msg := fmt.Sprintf("LLM %s exited with code %d", e.LLMID, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Retryable reports whether the completion may succeed on retry
func (e *CompletionError) Retryable() bool {
	return true
}

// TimeoutError means the LLM command hit its deadline before producing a
// completion. Timeouts are transient and may be retried.
type TimeoutError struct {
	LLMID   string
	Seconds int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("LLM %s timed out after %d seconds", e.LLMID, e.Seconds)
}

// Retryable is always true; the caller enforces its own budget
func (e *TimeoutError) Retryable() bool {
	return true
}

// Service provides LLM dispatch for all configured models
type Service struct {
	logger    *logging.Logger
	llms      map[string]*config.LLM
	defaultID string
}

// NewService creates an LLM service from the loaded configuration
func NewService(cfg *config.Config, logger *logging.Logger) *Service {
	llms := make(map[string]*config.LLM)
	configured := cfg.LLMs()
	for i := range configured {
		llm := &configured[i]
		llms[llm.ID] = llm
	}

	return &Service{
		logger:    logger,
		llms:      llms,
		defaultID: cfg.DefaultLLM(),
	}
}

// Info describes one configured LLM
type Info struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// List returns information about all configured LLMs
func (s *Service) List() []Info {
	var out []Info
	for _, llm := range s.llms {
		out = append(out, Info{
			ID:          llm.ID,
			DisplayName: llm.DisplayName,
			Description: llm.Description,
			Enabled:     llm.Enabled,
		})
	}
	return out
}

// HasDefault reports whether a usable default planner model is configured
func (s *Service) HasDefault() bool {
	llm, ok := s.llms[s.defaultID]
	return ok && llm.Enabled
}

// resolve maps an LLM ID (or "" for the default) to an enabled configuration
func (s *Service) resolve(llmID string) (*config.LLM, error) {
	if llmID == "" {
		llmID = s.defaultID
	}
	if llmID == "" {
		return nil, fmt.Errorf("no LLM requested and no default configured")
	}

	llm, ok := s.llms[llmID]
	if !ok {
		return nil, fmt.Errorf("unknown LLM ID: %s", llmID)
	}
	if !llm.Enabled {
		return nil, fmt.Errorf("LLM %s is not enabled - set enabled: true in config to use it", llmID)
	}
	return llm, nil
}

// Complete sends a prompt to the given LLM (or the default when llmID is
// empty) and returns the trimmed stdout. A non-zero exit returns a
// CompletionError; failures to run the command at all return a plain error.
func (s *Service) Complete(ctx context.Context, llmID string, prompt string, opts Options) (string, error) {
	llm, err := s.resolve(llmID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}

	format := opts.ResponseFormat
	if format == "" {
		format = global.ResponseFormatText
	}
	if format != global.ResponseFormatText && format != global.ResponseFormatJSON {
		return "", fmt.Errorf("invalid response format: %s", format)
	}

	timeout, err := global.ValidateTimeout(opts.Timeout, global.DefaultPlanningTimeout)
	if err != nil {
		return "", err
	}
	s.logger.Debugf("Dispatching to LLM %s (timeout: %ds, %d byte prompt)", llm.ID, timeout, len(prompt))

	// Substitute {{PROMPT}} into args unless the command reads stdin
	var args []string
	if llm.Stdin {
		args = llm.Args
	} else {
		args = make([]string, len(llm.Args))
		for i, arg := range llm.Args {
			args[i] = strings.ReplaceAll(arg, "{{PROMPT}}", prompt)
		}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, llm.Command, args...)
	// A child that inherits our pipes must not hold Run open past the deadline
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if llm.Stdin {
		cmd.Stdin = strings.NewReader(prompt)
	}

	err = cmd.Run()

	output := strings.TrimSpace(stdout.String())
	stderrOutput := strings.TrimSpace(stderr.String())

	if err != nil {
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			s.logger.Errorf("LLM %s timed out after %d seconds", llm.ID, timeout)
			return "", &TimeoutError{LLMID: llm.ID, Seconds: timeout}
		}

		// ExitError means the command ran and the model failed; anything else
		// means we never got the command off the ground
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			s.logger.Errorf("LLM %s infrastructure failure: %v", llm.ID, err)
			return "", fmt.Errorf("infrastructure failure: %w", err)
		}

		s.logger.Warnf("LLM %s exited with code %d", llm.ID, exitErr.ExitCode())
		return "", &CompletionError{
			LLMID:    llm.ID,
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderrOutput,
		}
	}

	s.logger.Debugf("LLM %s returned %d bytes", llm.ID, len(output))

	if format == global.ResponseFormatJSON {
		// The caller parses the payload; this is an early warning only
		var probe interface{}
		if json.Unmarshal([]byte(output), &probe) != nil {
			s.logger.Warnf("LLM %s output is not valid JSON despite json response format", llm.ID)
		}
	}

	return output, nil
}

// Test sends a trivial prompt to verify the LLM is reachable. Returns
// (false, nil) when the model answered with a failure exit code and
// (false, error) when the command could not run at all.
func (s *Service) Test(ctx context.Context, llmID string) (bool, error) {
	_, err := s.Complete(ctx, llmID, "Respond with only the word OK", Options{Timeout: 60})
	if err != nil {
		var cerr *CompletionError
		if errors.As(err, &cerr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
