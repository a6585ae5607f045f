/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package main

import (
	"context"
	"embed"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/STPDevteam/awesome-server-sub003/auth"
	"github.com/STPDevteam/awesome-server-sub003/config"
	"github.com/STPDevteam/awesome-server-sub003/global"
	"github.com/STPDevteam/awesome-server-sub003/llm"
	"github.com/STPDevteam/awesome-server-sub003/logging"
	"github.com/STPDevteam/awesome-server-sub003/pool"
	"github.com/STPDevteam/awesome-server-sub003/registry"
	"github.com/STPDevteam/awesome-server-sub003/workflow"
)

// EmbeddedDefaults contains the default config and tool-server catalog
//
//go:embed embedded/config-example.json embedded/registry.json
var EmbeddedDefaults embed.FS

func main() {
	// Top-level panic recovery
	defer func() {
		if rec := recover(); rec != nil {
			_, _ = fmt.Fprintf(os.Stderr, "FATAL PANIC: %v\n", rec)
			os.Exit(2)
		}
	}()

	// Parse command line flags
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		taskPath   = flag.String("task", "", "Path to a task request file (JSON), or '-' for stdin")
		version    = flag.Bool("version", false, "Show version information")
		help       = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	// Handle version flag
	if *version {
		fmt.Printf("%s v%s\n", global.ProgramName, global.Version)
		return
	}

	// Handle help flag
	if *help {
		showHelp()
		return
	}

	// Pass embedded FS and optional config path
	opts := []config.Option{config.WithEmbeddedFS(EmbeddedDefaults)}
	if *configPath != "" {
		opts = append(opts, config.WithConfigPath(*configPath))
	}
	cfg := config.New(opts...)

	// Load and validate configuration
	if err := cfg.Load(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger with config path
	logger, err := logging.New(cfg.LogFile())
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *logging.Logger) {
		// Ensure logs are flushed before exit
		_ = logger.Sync()
		_ = logger.Close()
	}(logger)

	// Set log level from config
	logger.SetLevel(cfg.LogLevel())

	// Announce startup
	logger.Infof("%s v%s starting", global.ProgramName, global.Version)

	// Log first-run message
	if cfg.IsFirstRun() {
		logger.Infof("First run detected - created default configuration at %s", cfg.ConfigPath())
		logger.Info("Please edit the configuration to enable a planner LLM and review the tool-server registry")
	}

	// Load the tool-server registry
	reg, err := registry.Load(cfg.RegistryPath())
	if err != nil {
		logger.Fatalf("Failed to load tool-server registry: %v", err)
	}
	logger.Infof("Loaded %d tool server(s) from %s", reg.Len(), cfg.RegistryPath())

	// Credential store and auth gate. The credential file is written by the
	// external auth flow; this process only ever reads it.
	store := auth.NewStore(cfg.AuthPath())
	gate := auth.NewGate(store, reg)

	// Connection pool with background idle sweeping
	p := pool.New(reg, store, cfg.Pool(), logger)
	p.Start()
	defer p.Close()

	// Planner LLM. Without one, only precomputed plans can run.
	llmService := llm.NewService(cfg, logger)
	var completer workflow.Completer
	if cfg.HasEnabledLLM() {
		completer = llmService
		probeLLM(llmService, logger)
	} else {
		logger.Warn("No planner LLM is enabled - only precomputed plans will run")
	}

	artifacts := workflow.NewArtifactStore(cfg.ArtifactsDir(), global.DefaultOutputInlineLimit, logger)

	wf := cfg.Workflow()
	engine := workflow.NewEngine(reg, gate, p, completer, artifacts, logger, workflow.EngineOptions{
		Limits:                 wf.Limits,
		PlanningTimeoutSeconds: wf.PlanningTimeoutSeconds,
		RateLimitRequests:      wf.RateLimit.MaxRequests,
		RateLimitPeriodSeconds: wf.RateLimit.PeriodSeconds,
	})

	if *taskPath == "" {
		logger.Info("No task file given - nothing to run")
		fmt.Println("Nothing to run. Pass --task FILE (or --task - for stdin) to execute a task.")
		return
	}

	if err := runTask(engine, logger, *taskPath); err != nil {
		logger.Fatalf("Task failed: %v", err)
	}
}

// runTask reads one task request, executes it, and streams events to stdout
// as JSON lines followed by the terminal result
func runTask(engine *workflow.Engine, logger *logging.Logger, taskPath string) error {
	req, err := readRequest(taskPath)
	if err != nil {
		return err
	}

	// SIGINT/SIGTERM cancel between steps, so an in-flight tool call is never
	// abandoned mid-write
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		logger.Warnf("Received %s, cancelling after the current step", sig)
		cancel()
	}()

	encoder := json.NewEncoder(os.Stdout)
	sink := workflow.SinkFunc(func(event workflow.Event) {
		_ = encoder.Encode(event)
	})

	result := engine.StartExecution(ctx, *req, sink)

	if err := encoder.Encode(result); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("execution %s failed (%s): %s", result.ExecutionID, result.Code, result.Error)
	}
	return nil
}

// readRequest loads a workflow request from a file or stdin
func readRequest(path string) (*workflow.Request, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task request: %w", err)
	}

	var req workflow.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse task request: %w", err)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("task request is missing user_id")
	}
	if len(req.Plan) == 0 && req.Goal == "" {
		return nil, fmt.Errorf("task request needs a plan or a goal")
	}
	return &req, nil
}

// probeLLM checks the default planner LLM responds at all, so a dead
// endpoint surfaces at startup rather than mid-task
func probeLLM(service *llm.Service, logger *logging.Logger) {
	if !service.HasDefault() {
		logger.Warn("No default LLM configured - tasks must name an llm_id explicitly")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	ok, err := service.Test(ctx, "")
	if err != nil {
		logger.Warnf("Planner LLM probe failed: %v", err)
		return
	}
	if !ok {
		logger.Warn("Planner LLM probe returned an error response - check the LLM configuration")
		return
	}
	logger.Debug("Planner LLM probe succeeded")
}

func showHelp() {
	fmt.Printf(`%s v%s - MCP orchestration core

USAGE:
    %s [OPTIONS]

OPTIONS:
    --config PATH    Path to configuration file
                     (default: $%s or %s/%s)
    --task PATH      Task request file (JSON), or '-' to read from stdin
    --version        Show version information
    --help           Show this help message

DESCRIPTION:
    %s connects tasks to Model Context Protocol (MCP) tool servers:

    - A registry of known tool servers with alias and fuzzy name resolution
    - A multi-tenant connection pool over stdio subprocess servers,
      keyed per (server, credential identity)
    - A plan-execute-observe workflow engine that runs precomputed plans
      or plans dynamically with a configured LLM

TASK REQUESTS:
    A task request is a JSON object:

    {
      "user_id": "alice",
      "goal": "find open issues and summarize them",
      "servers": ["github"],
      "plan": [ {"canonical_name": "...", "tool_name": "...", "input": {...}} ]
    }

    With "plan" present the engine runs deterministically and makes no LLM
    calls. Otherwise "goal" and "servers" drive dynamic planning.

    Events stream to stdout as JSON lines, ending with the terminal result.

FIRST RUN:
    1. Run %s once to create the default config and registry
    2. Edit %s/%s to enable a planner LLM
    3. Add tool servers to %s/%s as needed

ENVIRONMENT:
    %s    Path to configuration file (if --config not used)
`, global.ProgramName, global.Version,
		global.ProgramName,
		global.ConfigEnvVar, global.DefaultBaseDir, global.DefaultConfigFileName,
		global.ProgramName,
		global.ProgramName,
		global.DefaultBaseDir, global.DefaultConfigFileName,
		global.DefaultBaseDir, global.DefaultRegistryFile,
		global.ConfigEnvVar)
}
