// Package config loads and validates the foreman engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codefleet/foreman/internal/logging"
)

// Config represents the main configuration
type Config struct {
	Version      string              `yaml:"version"`
	Orchestrator *OrchestratorConfig `yaml:"orchestrator"`
	Worker       *WorkerConfig       `yaml:"worker"`
	Backoff      *BackoffConfig      `yaml:"backoff"`
	Backlog      *BacklogConfig      `yaml:"backlog"`
	Profiles     *ProfilesConfig     `yaml:"profiles"`
	Schedule     *ScheduleConfig     `yaml:"schedule"`
	Transcripts  *TranscriptsConfig  `yaml:"transcripts"`
	Dashboard    *DashboardConfig    `yaml:"dashboard"`
	Logging      *logging.Config     `yaml:"logging"`
}

// OrchestratorConfig holds supervisor loop settings.
type OrchestratorConfig struct {
	MaxWorkers        int     `yaml:"max_workers"`        // global concurrency cap
	TestingRatio      float64 `yaml:"testing_ratio"`      // testing:coding upper bound, 0 disables re-verification
	BatchSize         int     `yaml:"batch_size"`         // features per coding worker, 1 = single-feature mode
	TickInterval      string  `yaml:"tick_interval"`      // e.g. "1s"
	TerminationBudget string  `yaml:"termination_budget"` // total shutdown wait, e.g. "30s"
	ReviewMode        bool    `yaml:"review_mode"`        // spawn reviewer workers for pending_review features
}

// Tick returns the parsed tick interval, defaulting to 1s.
func (c *OrchestratorConfig) Tick() time.Duration {
	return parseDurationOr(c.TickInterval, time.Second)
}

// ShutdownBudget returns the parsed termination budget, defaulting to 30s.
func (c *OrchestratorConfig) ShutdownBudget() time.Duration {
	return parseDurationOr(c.TerminationBudget, 30*time.Second)
}

// WorkerConfig describes how worker subprocesses are launched.
type WorkerConfig struct {
	Command    string   `yaml:"command"`    // interpreter or worker binary
	Entrypoint string   `yaml:"entrypoint"` // optional script passed as first argument
	Args       []string `yaml:"args"`       // extra args placed before role flags
	Yolo       bool     `yaml:"yolo"`       // request the no-browser prompt variant
}

// BackoffConfig tunes the retry policies.
type BackoffConfig struct {
	RateLimitBase string `yaml:"rate_limit_base"` // exponential base delay, e.g. "1s"
	RateLimitCap  string `yaml:"rate_limit_cap"`  // saturation delay, e.g. "60s"
	ErrorStep     string `yaml:"error_step"`      // linear step, e.g. "30s"
	ErrorCap      string `yaml:"error_cap"`       // linear ceiling, e.g. "5m"
	MaxRetries    int    `yaml:"max_retries"`     // error retries before a feature is released
}

// RateLimitBaseDelay returns the parsed exponential base, defaulting to 1s.
func (c *BackoffConfig) RateLimitBaseDelay() time.Duration {
	return parseDurationOr(c.RateLimitBase, time.Second)
}

// RateLimitCapDelay returns the parsed saturation value, defaulting to 60s.
func (c *BackoffConfig) RateLimitCapDelay() time.Duration {
	return parseDurationOr(c.RateLimitCap, 60*time.Second)
}

// ErrorStepDelay returns the parsed linear step, defaulting to 30s.
func (c *BackoffConfig) ErrorStepDelay() time.Duration {
	return parseDurationOr(c.ErrorStep, 30*time.Second)
}

// ErrorCapDelay returns the parsed linear ceiling, defaulting to 5m.
func (c *BackoffConfig) ErrorCapDelay() time.Duration {
	return parseDurationOr(c.ErrorCap, 5*time.Minute)
}

// BacklogConfig holds feature-store settings.
type BacklogConfig struct {
	MaxDependencies int `yaml:"max_dependencies"` // per-feature edge limit
}

// ProfilesConfig locates the provider profile document.
type ProfilesConfig struct {
	Path   string `yaml:"path"`   // JSON document of named profiles
	Active string `yaml:"active"` // overrides the store setting when non-empty
}

// ScheduleConfig gates dispatch to timed windows.
type ScheduleConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Timezone string `yaml:"timezone"`
}

// TranscriptsConfig controls the optional conversation store.
type TranscriptsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DashboardConfig holds TUI monitor settings.
type DashboardConfig struct {
	RefreshInterval int  `yaml:"refresh_interval"` // milliseconds
	ShowLogs        bool `yaml:"show_logs"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Version: "1.0",
		Orchestrator: &OrchestratorConfig{
			MaxWorkers:        3,
			TestingRatio:      0,
			BatchSize:         1,
			TickInterval:      "1s",
			TerminationBudget: "30s",
			ReviewMode:        false,
		},
		Worker: &WorkerConfig{
			Command: "claude-worker",
		},
		Backoff: &BackoffConfig{
			RateLimitBase: "1s",
			RateLimitCap:  "60s",
			ErrorStep:     "30s",
			ErrorCap:      "5m",
			MaxRetries:    3,
		},
		Backlog: &BacklogConfig{
			MaxDependencies: 20,
		},
		Profiles: &ProfilesConfig{
			Path: filepath.Join(homeDir, ".foreman", "profiles.json"),
		},
		Schedule: &ScheduleConfig{
			Enabled:  false,
			Timezone: "UTC",
		},
		Transcripts: &TranscriptsConfig{
			Enabled: false,
		},
		Dashboard: &DashboardConfig{
			RefreshInterval: 1000,
			ShowLogs:        true,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.Profiles != nil {
		config.Profiles.Path = expandPath(config.Profiles.Path)
	}

	return config, nil
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".foreman", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Orchestrator == nil {
		return fmt.Errorf("orchestrator configuration is required")
	}
	if c.Orchestrator.MaxWorkers < 1 {
		return fmt.Errorf("invalid max_workers: %d", c.Orchestrator.MaxWorkers)
	}
	if c.Orchestrator.TestingRatio < 0 {
		return fmt.Errorf("invalid testing_ratio: %v", c.Orchestrator.TestingRatio)
	}
	if c.Orchestrator.BatchSize < 1 {
		return fmt.Errorf("invalid batch_size: %d", c.Orchestrator.BatchSize)
	}
	if c.Orchestrator.TickInterval != "" {
		if _, err := time.ParseDuration(c.Orchestrator.TickInterval); err != nil {
			return fmt.Errorf("invalid tick_interval: %w", err)
		}
	}
	if c.Worker == nil || c.Worker.Command == "" {
		return fmt.Errorf("worker command is required")
	}
	if c.Backlog != nil && c.Backlog.MaxDependencies < 1 {
		return fmt.Errorf("invalid max_dependencies: %d", c.Backlog.MaxDependencies)
	}
	return nil
}

// parseDurationOr parses s, falling back to def when s is empty or invalid.
func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
