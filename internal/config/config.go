// Package config loads engine configuration. The main config is YAML
// (patchgate.yaml); user-local settings live in .patchgate/config.json.
// A missing file yields defaults, never an error.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"patchgate/internal/plan"
)

// Config holds all patchgate configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Worktree settings
	Worktree WorktreeConfig `yaml:"worktree"`

	// Evidence policy applied to submitted plans unless the plan document
	// carries its own.
	Evidence plan.EvidencePolicy `yaml:"evidence"`

	// Codemod catalog settings
	Codemods CodemodsConfig `yaml:"codemods"`

	// Artifact storage
	Store StoreConfig `yaml:"store"`

	// Execution settings
	Execution ExecutionConfig `yaml:"execution"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// WorktreeConfig scopes where patches may land.
type WorktreeConfig struct {
	Root string `yaml:"root"`
}

// CodemodsConfig tunes the codemod catalog.
type CodemodsConfig struct {
	// Disabled lists builtin codemod ids removed from the catalog.
	Disabled []string `yaml:"disabled"`
}

// StoreConfig configures the artifact database.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ExecutionConfig configures patch execution.
type ExecutionConfig struct {
	// MaxConcurrentPatches caps parallel batch application.
	MaxConcurrentPatches int `yaml:"max_concurrent_patches"`

	// OperationTimeout bounds one patch operation end to end.
	OperationTimeout string `yaml:"operation_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "patchgate",
		Version: "1.0.0",

		Worktree: WorktreeConfig{
			Root: ".",
		},

		// Zero-valued evidence minimums take the documented lane defaults.
		Evidence: plan.EvidencePolicy{},

		Store: StoreConfig{
			DatabasePath: "data/patchgate.db",
		},

		Execution: ExecutionConfig{
			MaxConcurrentPatches: 4,
			OperationTimeout:     "30s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "patchgate.log",
		},
	}
}

// Load loads configuration from a YAML file. A missing file returns defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("PATCHGATE_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if root := os.Getenv("PATCHGATE_WORKTREE"); root != "" {
		c.Worktree.Root = root
	}
	if level := os.Getenv("PATCHGATE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// GetOperationTimeout returns the per-operation timeout as a duration.
func (c *Config) GetOperationTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.OperationTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Worktree.Root == "" {
		return fmt.Errorf("worktree root not configured")
	}
	if c.Execution.MaxConcurrentPatches < 1 {
		return fmt.Errorf("max_concurrent_patches must be at least 1, got %d", c.Execution.MaxConcurrentPatches)
	}
	e := c.Evidence
	for name, v := range map[string]int{
		"min_requirement_sources":   e.MinRequirementSources,
		"min_code_evidence_sources": e.MinCodeEvidenceSources,
		"min_policy_sources":        e.MinPolicySources,
		"min_distinct_sources":      e.MinDistinctSources,
	} {
		if v < 0 {
			return fmt.Errorf("evidence threshold %s is negative: %d", name, v)
		}
	}
	return nil
}

// ============================================================================
// User Config (.patchgate/config.json)
// ============================================================================

// UserConfig holds user-specific settings from .patchgate/config.json.
type UserConfig struct {
	// DebugMode enables debug-level category logging.
	DebugMode bool `json:"debug_mode,omitempty"`

	// WorktreeRoot overrides the configured worktree root.
	WorktreeRoot string `json:"worktree_root,omitempty"`

	// AgentID identifies the default submitting agent.
	AgentID string `json:"agent_id,omitempty"`
}

// DefaultUserConfigPath returns the default path to .patchgate/config.json.
func DefaultUserConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return filepath.Join(".patchgate", "config.json")
	}
	return filepath.Join(cwd, ".patchgate", "config.json")
}

// LoadUserConfig loads configuration from .patchgate/config.json. A missing
// file returns an empty config.
func LoadUserConfig(path string) (*UserConfig, error) {
	cfg := &UserConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read user config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse user config: %w", err)
	}
	return cfg, nil
}

// Save saves configuration to .patchgate/config.json.
func (c *UserConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write user config: %w", err)
	}
	return nil
}
