package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artemisengine/artemis/model"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Pipeline.AgentName != "artemis" {
		t.Errorf("expected agent name artemis, got %s", cfg.Pipeline.AgentName)
	}
	if !cfg.Pipeline.AutoApprove {
		t.Error("expected auto-approve by default")
	}
	if cfg.Budget.DailyLimitUSD != 10 {
		t.Errorf("expected daily limit 10, got %f", cfg.Budget.DailyLimitUSD)
	}
	if !cfg.Sandbox.ScanSecurity {
		t.Error("expected security scanning by default")
	}
	if cfg.Paths.DataDir != ".artemis" {
		t.Errorf("expected data dir .artemis, got %s", cfg.Paths.DataDir)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing agent name",
			modify:  func(c *Config) { c.Pipeline.AgentName = "" },
			wantErr: true,
		},
		{
			name:    "negative daily limit",
			modify:  func(c *Config) { c.Budget.DailyLimitUSD = -1 },
			wantErr: true,
		},
		{
			name:    "missing data dir",
			modify:  func(c *Config) { c.Paths.DataDir = "" },
			wantErr: true,
		},
		{
			name: "endpoint without provider",
			modify: func(c *Config) {
				c.Models.Endpoints = map[string]*model.EndpointConfig{"broken": {Model: "x"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
models:
  capabilities:
    coding:
      preferred: ["local"]
  endpoints:
    local:
      provider: ollama
      url: "http://test:11434"
      model: "qwen2.5-coder:32b"
budget:
  daily_limit_usd: 5
  monthly_limit_usd: 50
pipeline:
  agent_name: "pipeline-a"
  auto_approve: true
  approval_timeout: 10m
  denied_dependencies:
    - cryptominer
paths:
  data_dir: "/var/lib/artemis"
  board_file: "kanban.json"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Pipeline.AgentName != "pipeline-a" {
		t.Errorf("expected agent name pipeline-a, got %s", cfg.Pipeline.AgentName)
	}
	if cfg.Pipeline.ApprovalTimeout != 10*time.Minute {
		t.Errorf("expected approval timeout 10m, got %v", cfg.Pipeline.ApprovalTimeout)
	}
	if cfg.Budget.DailyLimitUSD != 5 {
		t.Errorf("expected daily limit 5, got %f", cfg.Budget.DailyLimitUSD)
	}
	if cfg.Models.Endpoints["local"].Provider != "ollama" {
		t.Errorf("expected ollama provider, got %s", cfg.Models.Endpoints["local"].Provider)
	}
	if len(cfg.Pipeline.DeniedDependencies) != 1 {
		t.Errorf("expected 1 denied dependency, got %d", len(cfg.Pipeline.DeniedDependencies))
	}
	if cfg.Paths.DataDir != "/var/lib/artemis" {
		t.Errorf("expected data dir /var/lib/artemis, got %s", cfg.Paths.DataDir)
	}
	if cfg.Paths.BoardFile != "kanban.json" {
		t.Errorf("expected board file kanban.json, got %s", cfg.Paths.BoardFile)
	}
	// Omitted sections keep their defaults.
	if cfg.Paths.WorkDir != ".artemis/work" {
		t.Errorf("expected default work dir, got %s", cfg.Paths.WorkDir)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Budget: BudgetConfig{
			DailyLimitUSD: 25,
		},
		Paths: PathsConfig{
			DataDir: "/override/data",
		},
	}

	base.Merge(override)

	if base.Budget.DailyLimitUSD != 25 {
		t.Errorf("expected daily limit 25, got %f", base.Budget.DailyLimitUSD)
	}
	// Monthly limit should remain from base since override didn't set it
	if base.Budget.MonthlyLimitUSD != 100 {
		t.Errorf("expected monthly limit to remain default, got %f", base.Budget.MonthlyLimitUSD)
	}
	if base.Paths.DataDir != "/override/data" {
		t.Errorf("expected data dir /override/data, got %s", base.Paths.DataDir)
	}
	if base.Paths.BoardFile != "board.json" {
		t.Errorf("expected board file to remain default, got %s", base.Paths.BoardFile)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Pipeline.AgentName = "saved-agent"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Pipeline.AgentName != "saved-agent" {
		t.Errorf("expected agent saved-agent, got %s", loaded.Pipeline.AgentName)
	}
}

func TestRegistryFallsBackToDefaults(t *testing.T) {
	cfg := DefaultConfig()
	registry := cfg.Models.Registry()
	if registry == nil {
		t.Fatal("expected a registry")
	}
	if len(registry.ListEndpoints()) == 0 {
		t.Error("expected default endpoints when none are configured")
	}
}
