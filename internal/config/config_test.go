package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Orchestrator.MaxConcurrentTasks != 5 {
		t.Errorf("default maxConcurrentTasks = %d, want 5", cfg.Orchestrator.MaxConcurrentTasks)
	}
	if cfg.Orchestrator.TaskTimeoutSeconds != 600 {
		t.Errorf("default taskTimeoutSeconds = %d, want 600", cfg.Orchestrator.TaskTimeoutSeconds)
	}
	if cfg.Arbitrage.MaxOpportunities != 100 {
		t.Errorf("default maxOpportunities = %d, want 100", cfg.Arbitrage.MaxOpportunities)
	}
	if len(cfg.Arbitrage.Tokens) == 0 {
		t.Error("default token set should not be empty")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("port = %d, want default 8090", cfg.Server.Port)
	}
}

func TestLoadTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arbnet.toml")
	data := `
[server]
port = 9999

[orchestrator]
maxConcurrentTasks = 3

[[bots]]
id = "live_monitor"
name = "Live Monitor"
launchSpec = "./bots/monitor.sh"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Orchestrator.MaxConcurrentTasks != 3 {
		t.Errorf("maxConcurrentTasks = %d, want 3", cfg.Orchestrator.MaxConcurrentTasks)
	}
	if len(cfg.Bots) != 1 || cfg.Bots[0].ID != "live_monitor" {
		t.Errorf("bots = %+v, want one live_monitor", cfg.Bots)
	}
	// Unset fields keep defaults.
	if cfg.Orchestrator.TaskTimeoutSeconds != 600 {
		t.Errorf("taskTimeoutSeconds = %d, want default 600", cfg.Orchestrator.TaskTimeoutSeconds)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_TASKS", "9")
	t.Setenv("MCP_REGISTRY_URL", "http://registry:7777")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Orchestrator.MaxConcurrentTasks != 9 {
		t.Errorf("maxConcurrentTasks = %d, want 9 from env", cfg.Orchestrator.MaxConcurrentTasks)
	}
	if cfg.MCP.RegistryURL != "http://registry:7777" {
		t.Errorf("registryUrl = %q, want env value", cfg.MCP.RegistryURL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Orchestrator.MaxConcurrentTasks = 0 }},
		{"zero timeout", func(c *Config) { c.Orchestrator.TaskTimeoutSeconds = 0 }},
		{"zero ring", func(c *Config) { c.Arbitrage.MaxOpportunities = 0 }},
		{"missing bot id", func(c *Config) { c.Bots = []BotDef{{Name: "x"}} }},
		{"duplicate bot id", func(c *Config) {
			c.Bots = []BotDef{{ID: "a"}, {ID: "a"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}
}
