package arbitrage

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/clawinfra/arbnet/internal/types"
)

// StrategyCatalog holds the known trading strategies: a compiled-in base
// set, optionally overlaid from a YAML file.
type StrategyCatalog struct {
	mu         sync.RWMutex
	strategies map[string]types.Strategy
	// executed remembers strategy ids already run, making repeat
	// submissions of the same id a logged no-op.
	executed map[string]bool
}

// DefaultCatalog returns the compiled-in strategies.
func DefaultCatalog() *StrategyCatalog {
	base := []types.Strategy{
		{
			ID: "cross-dex-spot", Name: "Cross-DEX Spot",
			Description: "Buy on the cheaper DEX, sell on the richer one, same network",
			RiskProfile: "conservative",
			Tokens:      []string{"ETH", "USDC", "WBTC"},
			MinProfitUSD: 20, MaxSlippage: 0.003,
		},
		{
			ID: "l2-bridge-arb", Name: "L2 Bridge Arbitrage",
			Description: "Exploit price lag between L1 and L2 venues across a bridge",
			RiskProfile: "moderate",
			Tokens:      []string{"ETH", "ARB", "MATIC"},
			MinProfitUSD: 50, MaxSlippage: 0.005,
		},
		{
			ID: "triangular", Name: "Triangular",
			Description: "Three-leg cycle through an intermediate token on one venue",
			RiskProfile: "aggressive",
			Tokens:      []string{"ETH", "WBTC", "ARB"},
			MinProfitUSD: 80, MaxSlippage: 0.01,
		},
	}
	m := make(map[string]types.Strategy, len(base))
	for _, s := range base {
		m[s.ID] = s
	}
	return &StrategyCatalog{strategies: m, executed: make(map[string]bool)}
}

// LoadCatalog overlays strategies from a YAML file on the defaults.
// File entries replace same-id defaults.
func LoadCatalog(path string) (*StrategyCatalog, error) {
	cat := DefaultCatalog()
	if path == "" {
		return cat, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cat, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read strategy file: %w", err)
	}

	var doc struct {
		Strategies []types.Strategy `yaml:"strategies"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode strategy file %s: %w", path, err)
	}

	for _, s := range doc.Strategies {
		if s.ID == "" {
			return nil, fmt.Errorf("strategy in %s missing id", path)
		}
		cat.strategies[s.ID] = s
	}
	return cat, nil
}

// List returns strategies, optionally filtered by risk profile
// ("" for all).
func (c *StrategyCatalog) List(riskProfile string) []types.Strategy {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.Strategy, 0, len(c.strategies))
	for _, s := range c.strategies {
		if riskProfile != "" && s.RiskProfile != riskProfile {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Get fetches one strategy by id.
func (c *StrategyCatalog) Get(id string) (types.Strategy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.strategies[id]
	return s, ok
}

// GetStrategies exposes the catalog through the service.
func (s *Service) GetStrategies(riskProfile string) []types.Strategy {
	s.mu.RLock()
	cat := s.catalog
	s.mu.RUnlock()
	return cat.List(riskProfile)
}

// ExecuteTradingStrategy marks a strategy as executed. Repeat calls with
// the same id are idempotent: logged and reported as already applied.
func (s *Service) ExecuteTradingStrategy(strategyID string) (bool, error) {
	s.mu.RLock()
	cat := s.catalog
	s.mu.RUnlock()

	if _, ok := cat.Get(strategyID); !ok {
		return false, fmt.Errorf("unknown strategy: %s", strategyID)
	}

	cat.mu.Lock()
	already := cat.executed[strategyID]
	cat.executed[strategyID] = true
	cat.mu.Unlock()

	if already {
		s.logger.Info("strategy already executed, skipping", "strategy", strategyID)
		return false, nil
	}
	s.logger.Info("strategy execution recorded", "strategy", strategyID)
	return true, nil
}
