/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/STPDevteam/awesome-server-sub003/global"
)

// Config provides access to application configuration
type Config struct {
	configPath   string      // resolved path to config file
	data         *configData // parsed configuration
	firstRun     bool        // true if config was just created
	registryPath string      // resolved tool-server registry file
	authPath     string      // resolved credential file (written by the external auth flow)
	artifactsDir string      // resolved artifacts directory for offloaded tool outputs
	embeddedFS   embed.FS    // embedded defaults (config example, registry catalog)
}

// configData holds the parsed configuration (internal)
type configData struct {
	Version      int      `json:"version"`
	BaseDir      string   `json:"base_dir"`
	RegistryFile string   `json:"registry_file,omitempty"`
	AuthFile     string   `json:"auth_file,omitempty"`
	ArtifactsDir string   `json:"artifacts_dir,omitempty"`
	DefaultLLM   string   `json:"default_llm,omitempty"`
	LLMs         []LLM    `json:"llms"`
	Pool         Pool     `json:"pool,omitempty"`
	Workflow     Workflow `json:"workflow,omitempty"`
	Logging      Logging  `json:"logging"`
}

// LLMTypeCommand LLMType constants
const (
	LLMTypeCommand = "command" // Command-line executable (only supported type for now)
)

// LLM represents a planner LLM configuration
type LLM struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled,omitempty"`

	// Type specifies the provider type (only "command" supported for now)
	Type string `json:"type,omitempty"`

	// Command is the path to the executable
	Command string `json:"command,omitempty"`
	// Args is the list of arguments; use {{PROMPT}} as placeholder for the prompt (unless Stdin is true)
	Args []string `json:"args,omitempty"`
	// Stdin: if true, prompt is piped to command's stdin instead of using {{PROMPT}} placeholder
	Stdin bool `json:"stdin,omitempty"`
}

// Pool represents connection pool configuration
type Pool struct {
	IdleTTLSeconds        int `json:"idle_ttl_seconds,omitempty"`
	SweepIntervalSeconds  int `json:"sweep_interval_seconds,omitempty"`
	CallTimeoutSeconds    int `json:"call_timeout_seconds,omitempty"`
	ConnectTimeoutSeconds int `json:"connect_timeout_seconds,omitempty"`
	MaxConnectAttempts    int `json:"max_connect_attempts,omitempty"`
}

// WithDefaults returns a copy of Pool with defaults applied for zero values
func (p Pool) WithDefaults() Pool {
	result := p
	if result.IdleTTLSeconds == 0 {
		result.IdleTTLSeconds = global.DefaultIdleTTL
	}
	if result.SweepIntervalSeconds == 0 {
		result.SweepIntervalSeconds = global.DefaultSweepInterval
	}
	if result.CallTimeoutSeconds == 0 {
		result.CallTimeoutSeconds = global.DefaultCallTimeout
	}
	if result.ConnectTimeoutSeconds == 0 {
		result.ConnectTimeoutSeconds = global.DefaultConnectTimeout
	}
	if result.MaxConnectAttempts == 0 {
		result.MaxConnectAttempts = global.DefaultMaxConnectRetries
	}
	return result
}

// Workflow represents workflow engine configuration
type Workflow struct {
	Limits                 global.Limits `json:"limits,omitempty"`
	PlanningTimeoutSeconds int           `json:"planning_timeout_seconds,omitempty"`
	RateLimit              RateLimit     `json:"rate_limit,omitempty"`
}

// RateLimit represents rate limiting configuration for planner LLM calls
type RateLimit struct {
	MaxRequests   int `json:"max_requests,omitempty"`
	PeriodSeconds int `json:"period_seconds,omitempty"`
}

// Logging represents logging configuration
type Logging struct {
	File  string `json:"file"`
	Level string `json:"level"`
}

// Option is a functional option for configuring Config
type Option func(*Config)

// New creates a new Config instance with optional configuration
func New(opts ...Option) *Config {
	c := &Config{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithConfigPath sets an explicit config file path
func WithConfigPath(path string) Option {
	return func(c *Config) {
		c.configPath = path
	}
}

// WithEmbeddedFS sets the embedded filesystem holding default config and catalog
func WithEmbeddedFS(efs embed.FS) Option {
	return func(c *Config) {
		c.embeddedFS = efs
	}
}

// setupDefaultConfig creates a default config file from the embedded config-example.json
func (c *Config) setupDefaultConfig(configPath string) error {
	content, err := c.embeddedFS.ReadFile("embedded/config-example.json")
	if err != nil {
		return fmt.Errorf("failed to read embedded config-example.json: %w", err)
	}

	// Ensure parent directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	// Write config file
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	return nil
}

// Load loads and validates configuration from file
// If the base directory or config file doesn't exist, it creates them from embedded defaults
func (c *Config) Load() error {
	// Resolve config file path
	configPath, err := c.resolveConfigPath()
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	c.configPath = configPath

	// Determine if this is a first-run scenario
	baseDir := c.resolveDefaultBaseDir()
	if !global.DirExists(baseDir) {
		if err := os.MkdirAll(baseDir, 0755); err != nil {
			return fmt.Errorf("failed to create base directory %s: %w", baseDir, err)
		}
	}

	// Create default config if it doesn't exist
	if !global.FileExists(configPath) {
		c.firstRun = true
		if err := c.setupDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to create default config at %s: %w", configPath, err)
		}
		// Continue loading the newly created config
	}

	// Read and parse config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// First pass: detect unknown fields using strict parsing
	var cfg configData
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		// Warn on unknown fields but still load the config
		if strings.Contains(err.Error(), "unknown field") {
			_, _ = fmt.Fprintf(os.Stderr, "Warning: config file %s: %v\n", configPath, err)
			if err := json.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		} else {
			return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	c.data = &cfg

	// Resolve and validate base_dir
	if err := c.resolveBaseDir(); err != nil {
		return err
	}

	// Validate configuration
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Normalize all paths (resolve relative to base_dir) and create directories
	if err := c.normalizePaths(); err != nil {
		return fmt.Errorf("failed to normalize paths: %w", err)
	}

	return nil
}

// resolveConfigPath determines the config file path using precedence rules
func (c *Config) resolveConfigPath() (string, error) {
	// 1. Explicit path (from WithConfigPath option)
	if c.configPath != "" {
		return c.resolveToAbsolute(c.configPath)
	}

	// 2. Environment variable
	if envPath := os.Getenv(global.ConfigEnvVar); envPath != "" {
		return c.resolveToAbsolute(envPath)
	}

	// 3. Default: base_dir/config.json
	baseDir := c.resolveDefaultBaseDir()
	return filepath.Join(baseDir, global.DefaultConfigFileName), nil
}

// resolveDefaultBaseDir returns the resolved default base directory
func (c *Config) resolveDefaultBaseDir() string {
	return expandHomePath(global.DefaultBaseDir)
}

// resolveBaseDir resolves and validates the base_dir from config
func (c *Config) resolveBaseDir() error {
	if c.data.BaseDir == "" {
		c.data.BaseDir = expandHomePath(global.DefaultBaseDir)
		return nil
	}

	resolved := expandHomePath(c.data.BaseDir)
	if !filepath.IsAbs(resolved) {
		_, _ = fmt.Fprintf(os.Stderr, "Warning: base_dir '%s' is not absolute, using default '%s'\n",
			c.data.BaseDir, global.DefaultBaseDir)
		resolved = expandHomePath(global.DefaultBaseDir)
	}

	c.data.BaseDir = resolved
	return nil
}

// resolveToAbsolute converts a path to absolute, expanding ~/ if needed
func (c *Config) resolveToAbsolute(path string) (string, error) {
	expanded := expandHomePath(path)
	if filepath.IsAbs(expanded) {
		return expanded, nil
	}
	return filepath.Abs(expanded)
}

// resolvePath resolves a path relative to base_dir
func (c *Config) resolvePath(path string) string {
	if path == "" {
		return ""
	}

	expanded := expandHomePath(path)
	if filepath.IsAbs(expanded) {
		return expanded
	}
	return filepath.Join(c.data.BaseDir, expanded)
}

// expandHomePath expands ~/ to the user's home directory
func expandHomePath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		// Can't determine home dir, return path as-is
		return path
	}

	return filepath.Join(home, path[2:])
}

// validate validates the configuration
func (c *Config) validate() error {
	// Check version
	if c.data.Version != 1 {
		if c.data.Version < 1 {
			return fmt.Errorf("config version %d is too old (expected 1)", c.data.Version)
		}
		return fmt.Errorf("config version %d is newer than supported (expected 1)", c.data.Version)
	}

	// LLMs may be empty: precomputed plans run without a planner LLM.
	llmIDs := make(map[string]bool)
	for _, llm := range c.data.LLMs {
		if llm.ID == "" {
			return fmt.Errorf("LLM id cannot be empty")
		}
		if llm.DisplayName == "" {
			return fmt.Errorf("LLM display_name cannot be empty for LLM %s", llm.ID)
		}
		if llmIDs[llm.ID] {
			return fmt.Errorf("duplicate LLM id: %s", llm.ID)
		}
		llmIDs[llm.ID] = true

		llmType := llm.Type
		if llmType == "" {
			llmType = LLMTypeCommand
		}
		if llmType != LLMTypeCommand {
			return fmt.Errorf("invalid LLM type '%s' for LLM %s (only 'command' is supported)", llmType, llm.ID)
		}

		if llm.Command == "" {
			return fmt.Errorf("LLM command cannot be empty for LLM %s", llm.ID)
		}

		// Verify {{PROMPT}} placeholder exists in args (unless Stdin is true)
		if !llm.Stdin {
			hasPromptPlaceholder := false
			for _, arg := range llm.Args {
				if strings.Contains(arg, "{{PROMPT}}") {
					hasPromptPlaceholder = true
					break
				}
			}
			if !hasPromptPlaceholder {
				return fmt.Errorf("LLM args must contain {{PROMPT}} placeholder for LLM %s (or set stdin: true)", llm.ID)
			}
		}

		// Validate command executable exists (only for enabled LLMs)
		if llm.Enabled {
			expandedCmd := expandHomePath(llm.Command)
			if _, err := exec.LookPath(expandedCmd); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "Warning: LLM %s: executable not found: %s - disabling\n", llm.ID, llm.Command)
				for i := range c.data.LLMs {
					if c.data.LLMs[i].ID == llm.ID {
						c.data.LLMs[i].Enabled = false
						break
					}
				}
			} else {
				for i := range c.data.LLMs {
					if c.data.LLMs[i].ID == llm.ID {
						c.data.LLMs[i].Command = expandedCmd
						break
					}
				}
			}
		}
	}

	// default_llm, when set, must name a configured LLM
	if c.data.DefaultLLM != "" && !llmIDs[c.data.DefaultLLM] {
		return fmt.Errorf("default_llm '%s' does not match any configured LLM", c.data.DefaultLLM)
	}

	// Workflow limits
	if _, err := global.ValidateMaxIterations(c.data.Workflow.Limits.MaxIterations); err != nil {
		return err
	}
	if _, err := global.ValidateMaxRetries(c.data.Workflow.Limits.MaxRetries); err != nil {
		return err
	}

	return nil
}

// normalizePaths resolves registry/auth/artifacts paths and creates directories
func (c *Config) normalizePaths() error {
	registryFile := c.data.RegistryFile
	if registryFile == "" {
		registryFile = global.DefaultRegistryFile
	}
	c.registryPath = c.resolvePath(registryFile)

	authFile := c.data.AuthFile
	if authFile == "" {
		authFile = global.DefaultAuthFile
	}
	c.authPath = c.resolvePath(authFile)

	artifactsDir := c.data.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = global.DefaultArtifactsDir
	}
	c.artifactsDir = c.resolvePath(artifactsDir)
	if err := os.MkdirAll(c.artifactsDir, 0755); err != nil {
		return fmt.Errorf("failed to create artifacts directory %s: %w", c.artifactsDir, err)
	}

	// Seed the registry file from the embedded catalog on first run
	if !global.FileExists(c.registryPath) {
		content, err := c.embeddedFS.ReadFile("embedded/registry.json")
		if err == nil {
			if err := os.WriteFile(c.registryPath, content, 0644); err != nil {
				return fmt.Errorf("failed to write default registry %s: %w", c.registryPath, err)
			}
		}
	}

	return nil
}

// ConfigPath returns the resolved config file path
func (c *Config) ConfigPath() string {
	return c.configPath
}

// IsFirstRun returns true if the config file was just created
func (c *Config) IsFirstRun() bool {
	return c.firstRun
}

// BaseDir returns the resolved base directory
func (c *Config) BaseDir() string {
	return c.data.BaseDir
}

// RegistryPath returns the resolved tool-server registry file path
func (c *Config) RegistryPath() string {
	return c.registryPath
}

// AuthPath returns the resolved credential file path
func (c *Config) AuthPath() string {
	return c.authPath
}

// ArtifactsDir returns the resolved artifacts directory
func (c *Config) ArtifactsDir() string {
	return c.artifactsDir
}

// EmbeddedFS returns the embedded filesystem
func (c *Config) EmbeddedFS() embed.FS {
	return c.embeddedFS
}

// LogFile returns the configured log file path
func (c *Config) LogFile() string {
	if c.data.Logging.File == "" {
		return filepath.Join(c.data.BaseDir, global.ProgramName+".log")
	}
	return c.resolvePath(c.data.Logging.File)
}

// LogLevel returns the configured log level
func (c *Config) LogLevel() string {
	if c.data.Logging.Level == "" {
		return global.LogLevelInfo
	}
	return strings.ToUpper(c.data.Logging.Level)
}

// LLMs returns the configured LLMs
func (c *Config) LLMs() []LLM {
	return c.data.LLMs
}

// EnabledLLMs returns only the enabled LLMs
func (c *Config) EnabledLLMs() []LLM {
	var enabled []LLM
	for _, llm := range c.data.LLMs {
		if llm.Enabled {
			enabled = append(enabled, llm)
		}
	}
	return enabled
}

// HasEnabledLLM returns true if at least one LLM is enabled
func (c *Config) HasEnabledLLM() bool {
	return len(c.EnabledLLMs()) > 0
}

// DefaultLLM returns the configured default LLM ID (may be empty)
func (c *Config) DefaultLLM() string {
	return c.data.DefaultLLM
}

// Pool returns the pool configuration with defaults applied
func (c *Config) Pool() Pool {
	return c.data.Pool.WithDefaults()
}

// Workflow returns the workflow configuration
func (c *Config) Workflow() Workflow {
	wf := c.data.Workflow
	wf.Limits = wf.Limits.WithDefaults()
	if wf.PlanningTimeoutSeconds == 0 {
		wf.PlanningTimeoutSeconds = global.DefaultPlanningTimeout
	}
	if wf.RateLimit.MaxRequests == 0 {
		wf.RateLimit.MaxRequests = global.DefaultRateLimitRequests
	}
	if wf.RateLimit.PeriodSeconds == 0 {
		wf.RateLimit.PeriodSeconds = global.DefaultRateLimitPeriod
	}
	return wf
}
