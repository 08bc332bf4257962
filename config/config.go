// Package config provides configuration loading and management for the
// Artemis pipeline engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artemisengine/artemis/budget"
	"github.com/artemisengine/artemis/model"
	"github.com/artemisengine/artemis/planner"
	"github.com/artemisengine/artemis/sandbox"
)

// Config represents the complete engine configuration.
type Config struct {
	Models   ModelsConfig   `yaml:"models"`
	Budget   BudgetConfig   `yaml:"budget"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Planner  PlannerConfig  `yaml:"planner"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Paths    PathsConfig    `yaml:"paths"`
}

// ModelsConfig maps capabilities to endpoints for the model registry.
// Empty maps fall back to the registry defaults.
type ModelsConfig struct {
	Capabilities map[string]*model.CapabilityConfig `yaml:"capabilities"`
	Endpoints    map[string]*model.EndpointConfig   `yaml:"endpoints"`
}

// Registry builds the model registry this configuration describes.
func (m *ModelsConfig) Registry() *model.Registry {
	if len(m.Capabilities) == 0 || len(m.Endpoints) == 0 {
		return model.NewDefaultRegistry()
	}
	caps := make(map[model.Capability]*model.CapabilityConfig, len(m.Capabilities))
	for name, cfg := range m.Capabilities {
		caps[model.Capability(name)] = cfg
	}
	return model.NewRegistry(caps, m.Endpoints)
}

// BudgetConfig bounds LLM spend. Zero limits mean unlimited.
type BudgetConfig struct {
	// DailyLimitUSD caps spend per calendar day.
	DailyLimitUSD float64 `yaml:"daily_limit_usd"`
	// MonthlyLimitUSD caps spend per calendar month.
	MonthlyLimitUSD float64 `yaml:"monthly_limit_usd"`
	// Rates is per-model pricing per 1k tokens.
	Rates map[string]budget.ModelRate `yaml:"rates"`
}

// Tracker builds the cost tracker this configuration describes.
func (b *BudgetConfig) Tracker() *budget.Tracker {
	var opts []budget.Option
	if len(b.Rates) > 0 {
		opts = append(opts, budget.WithRates(b.Rates))
	}
	return budget.NewTracker(b.DailyLimitUSD, b.MonthlyLimitUSD, opts...)
}

// PipelineConfig configures stage behavior.
type PipelineConfig struct {
	// AgentName identifies the engine on the messaging bus.
	AgentName string `yaml:"agent_name"`
	// AutoApprove skips the human approval gate after analysis.
	AutoApprove bool `yaml:"auto_approve"`
	// ApprovalTimeout bounds the wait for an external approval message.
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	// KnownDependencies is the compatibility set the dependencies stage
	// verifies against. Empty means verify nothing.
	KnownDependencies map[string]string `yaml:"known_dependencies"`
	// DeniedDependencies are hard-blocked regardless of the known set.
	DeniedDependencies []string `yaml:"denied_dependencies"`
	// ProtectedPaths are globs the integration stage refuses to overwrite.
	// Empty keeps the stage defaults.
	ProtectedPaths []string `yaml:"protected_paths"`
}

// PlannerConfig tunes the workflow planner's keyword heuristics. Empty
// lists keep the planner defaults.
type PlannerConfig struct {
	// ComplexKeywords raise a card's complexity score when present.
	ComplexKeywords []string `yaml:"complex_keywords"`
	// SimpleKeywords lower it.
	SimpleKeywords []string `yaml:"simple_keywords"`
}

// Planner builds the workflow planner this configuration describes.
func (p *PlannerConfig) Planner() *planner.Planner {
	var opts []planner.Option
	if len(p.ComplexKeywords) > 0 {
		opts = append(opts, planner.WithComplexKeywords(p.ComplexKeywords))
	}
	if len(p.SimpleKeywords) > 0 {
		opts = append(opts, planner.WithSimpleKeywords(p.SimpleKeywords))
	}
	return planner.New(opts...)
}

// SandboxConfig bounds generated-code execution. Zero fields use the
// executor defaults.
type SandboxConfig struct {
	Limits sandbox.ResourceLimits `yaml:"limits"`
	// ScanSecurity toggles the static scan before execution.
	ScanSecurity bool `yaml:"scan_security"`
}

// PathsConfig locates the engine's on-disk state. Relative paths are
// resolved against the repository root at load time.
type PathsConfig struct {
	// DataDir holds checkpoints, artifacts, mailboxes, caches, and logs.
	DataDir string `yaml:"data_dir"`
	// WorkDir is where stages persist reports and working copies.
	WorkDir string `yaml:"work_dir"`
	// BoardFile is the kanban board the engine reads cards from.
	BoardFile string `yaml:"board_file"`
}

// CheckpointDir returns where per-card checkpoints live.
func (p *PathsConfig) CheckpointDir() string { return filepath.Join(p.DataDir, "checkpoints") }

// ArtifactFile returns the append-only artifact store path.
func (p *PathsConfig) ArtifactFile() string { return filepath.Join(p.DataDir, "artifacts.jsonl") }

// MailboxDir returns the messaging bus root.
func (p *PathsConfig) MailboxDir() string { return filepath.Join(p.DataDir, "mailboxes") }

// CacheDir returns the LLM response cache directory.
func (p *PathsConfig) CacheDir() string { return filepath.Join(p.DataDir, "llm-cache") }

// CallLogFile returns the LLM audit log path.
func (p *PathsConfig) CallLogFile() string { return filepath.Join(p.DataDir, "llm-calls.jsonl") }

// SandboxDir returns the sandbox scratch root.
func (p *PathsConfig) SandboxDir() string { return filepath.Join(p.DataDir, "sandbox") }

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Budget: BudgetConfig{
			DailyLimitUSD:   10,
			MonthlyLimitUSD: 100,
		},
		Pipeline: PipelineConfig{
			AgentName:       "artemis",
			AutoApprove:     true,
			ApprovalTimeout: 10 * time.Minute,
		},
		Sandbox: SandboxConfig{
			ScanSecurity: true,
		},
		Paths: PathsConfig{
			DataDir:   ".artemis",
			WorkDir:   ".artemis/work",
			BoardFile: "board.json",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Pipeline.AgentName == "" {
		return fmt.Errorf("pipeline.agent_name is required")
	}
	if c.Budget.DailyLimitUSD < 0 || c.Budget.MonthlyLimitUSD < 0 {
		return fmt.Errorf("budget limits must be non-negative")
	}
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir is required")
	}
	for name, ep := range c.Models.Endpoints {
		if ep == nil || ep.Provider == "" {
			return fmt.Errorf("endpoint %q is missing a provider", name)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if len(other.Models.Capabilities) > 0 {
		c.Models.Capabilities = other.Models.Capabilities
	}
	if len(other.Models.Endpoints) > 0 {
		c.Models.Endpoints = other.Models.Endpoints
	}

	if other.Budget.DailyLimitUSD != 0 {
		c.Budget.DailyLimitUSD = other.Budget.DailyLimitUSD
	}
	if other.Budget.MonthlyLimitUSD != 0 {
		c.Budget.MonthlyLimitUSD = other.Budget.MonthlyLimitUSD
	}
	if len(other.Budget.Rates) > 0 {
		c.Budget.Rates = other.Budget.Rates
	}

	if other.Pipeline.AgentName != "" {
		c.Pipeline.AgentName = other.Pipeline.AgentName
	}
	c.Pipeline.AutoApprove = other.Pipeline.AutoApprove
	if other.Pipeline.ApprovalTimeout != 0 {
		c.Pipeline.ApprovalTimeout = other.Pipeline.ApprovalTimeout
	}
	if len(other.Pipeline.KnownDependencies) > 0 {
		c.Pipeline.KnownDependencies = other.Pipeline.KnownDependencies
	}
	if len(other.Pipeline.DeniedDependencies) > 0 {
		c.Pipeline.DeniedDependencies = other.Pipeline.DeniedDependencies
	}
	if len(other.Pipeline.ProtectedPaths) > 0 {
		c.Pipeline.ProtectedPaths = other.Pipeline.ProtectedPaths
	}

	if len(other.Planner.ComplexKeywords) > 0 {
		c.Planner.ComplexKeywords = other.Planner.ComplexKeywords
	}
	if len(other.Planner.SimpleKeywords) > 0 {
		c.Planner.SimpleKeywords = other.Planner.SimpleKeywords
	}

	if other.Sandbox.Limits != (sandbox.ResourceLimits{}) {
		c.Sandbox.Limits = other.Sandbox.Limits
	}
	c.Sandbox.ScanSecurity = other.Sandbox.ScanSecurity

	if other.Paths.DataDir != "" {
		c.Paths.DataDir = other.Paths.DataDir
	}
	if other.Paths.WorkDir != "" {
		c.Paths.WorkDir = other.Paths.WorkDir
	}
	if other.Paths.BoardFile != "" {
		c.Paths.BoardFile = other.Paths.BoardFile
	}
}
