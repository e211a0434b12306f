// Package config loads arbnet configuration from a TOML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
)

// Config holds all arbnet configuration.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	MCP          MCPConfig          `toml:"mcp"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Arbitrage    ArbitrageConfig    `toml:"arbitrage"`
	Hub          HubConfig          `toml:"hub"`
	MQTT         MQTTConfig         `toml:"mqtt"`
	Prefs        PrefsConfig        `toml:"preferences"`
	Bots         []BotDef           `toml:"bots"`
}

type ServerConfig struct {
	Port     int    `toml:"port"`
	DataDir  string `toml:"dataDir"`
	LogLevel string `toml:"logLevel"`
}

// MCPConfig points at the model-service registry. Per-service base URLs
// bypass the registry when set.
type MCPConfig struct {
	RegistryURL       string `toml:"registryUrl" env:"MCP_REGISTRY_URL"`
	ConsciousnessURL  string `toml:"consciousnessUrl" env:"CONSCIOUSNESS_URL"`
	MarketAnalyzerURL string `toml:"marketAnalyzerUrl" env:"MARKET_ANALYZER_URL"`
	ReasoningURL      string `toml:"reasoningUrl" env:"REASONING_URL"`
	SpecialistURL     string `toml:"specialistUrl" env:"SPECIALIST_URL"`
	PortfolioURL      string `toml:"portfolioUrl" env:"PORTFOLIO_URL"`
}

type OrchestratorConfig struct {
	MaxConcurrentTasks int `toml:"maxConcurrentTasks" env:"MAX_CONCURRENT_TASKS"`
	TaskTimeoutSeconds int `toml:"taskTimeoutSeconds" env:"TASK_TIMEOUT_SECONDS"`
	RebalanceSeconds   int `toml:"rebalanceSeconds" env:"REBALANCE_INTERVAL_SECONDS"`
}

type ArbitrageConfig struct {
	PollSeconds      int      `toml:"pollSeconds" env:"OPPORTUNITY_POLL_INTERVAL_SECONDS"`
	MaxOpportunities int      `toml:"maxOpportunities" env:"MAX_OPPORTUNITIES"`
	Tokens           []string `toml:"tokens"`
	StrategyFile     string   `toml:"strategyFile"`
}

type HubConfig struct {
	ReapIdleSeconds   int `toml:"reapIdleSeconds"`
	ReapErrorCount    int `toml:"reapErrorCount"`
	ReapIntervalSecs  int `toml:"reapIntervalSecs"`
	SendBufferFrames  int `toml:"sendBufferFrames"`
	SendTimeoutMillis int `toml:"sendTimeoutMillis"`
}

type MQTTConfig struct {
	Enabled  bool   `toml:"enabled"`
	Broker   string `toml:"broker" env:"MQTT_BROKER_URL"`
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`
	Prefix   string `toml:"prefix"`
}

type PrefsConfig struct {
	Dir string `toml:"dir"`
}

// BotDef declares a bot to register at startup.
type BotDef struct {
	ID         string `toml:"id"`
	Name       string `toml:"name"`
	LaunchSpec string `toml:"launchSpec"`
	Adapter    string `toml:"adapter"` // "subprocess" (default) or "inprocess"
}

// Default returns a config with sane defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8090,
			DataDir:  "data",
			LogLevel: "info",
		},
		MCP: MCPConfig{
			RegistryURL: "http://localhost:9000",
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentTasks: 5,
			TaskTimeoutSeconds: 600,
			RebalanceSeconds:   30,
		},
		Arbitrage: ArbitrageConfig{
			PollSeconds:      30,
			MaxOpportunities: 100,
			Tokens:           []string{"ETH", "USDC", "WBTC", "ARB", "MATIC"},
		},
		Hub: HubConfig{
			ReapIdleSeconds:   300,
			ReapErrorCount:    3,
			ReapIntervalSecs:  60,
			SendBufferFrames:  64,
			SendTimeoutMillis: 5000,
		},
		MQTT: MQTTConfig{
			Prefix: "arbnet",
		},
		Prefs: PrefsConfig{
			Dir: "data/user_preferences",
		},
	}
}

// Load reads the TOML config at path (if it exists), then applies
// environment overrides. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("maxConcurrentTasks must be positive, got %d", c.Orchestrator.MaxConcurrentTasks)
	}
	if c.Orchestrator.TaskTimeoutSeconds <= 0 {
		return fmt.Errorf("taskTimeoutSeconds must be positive, got %d", c.Orchestrator.TaskTimeoutSeconds)
	}
	if c.Arbitrage.MaxOpportunities <= 0 {
		return fmt.Errorf("maxOpportunities must be positive, got %d", c.Arbitrage.MaxOpportunities)
	}
	seen := make(map[string]bool, len(c.Bots))
	for _, b := range c.Bots {
		if b.ID == "" {
			return fmt.Errorf("bot definition missing id")
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate bot id: %s", b.ID)
		}
		seen[b.ID] = true
	}
	return nil
}

// TaskTimeout returns the task deadline duration.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.Orchestrator.TaskTimeoutSeconds) * time.Second
}

// RebalanceInterval returns the orchestrator cycle cadence.
func (c *Config) RebalanceInterval() time.Duration {
	return time.Duration(c.Orchestrator.RebalanceSeconds) * time.Second
}

// PollInterval returns the opportunity scan cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Arbitrage.PollSeconds) * time.Second
}
