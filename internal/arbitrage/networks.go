package arbitrage

import "fmt"

// Static per-network gas baseline in USD for a typical swap. L2s are an
// order of magnitude cheaper than mainnet.
var gasBaseline = map[string]float64{
	"ethereum": 12.0,
	"arbitrum": 0.8,
	"optimism": 0.6,
	"base":     0.5,
	"polygon":  0.3,
}

func gasCostUSD(network string) float64 {
	if g, ok := gasBaseline[network]; ok {
		return g
	}
	return 5.0
}

// NetworkRecommendation is the answer to "where should this transaction
// run" for the market channel's network_recommendation action.
type NetworkRecommendation struct {
	Network       string  `json:"network"`
	EstimatedGas  float64 `json:"estimated_gas_usd"`
	Reason        string  `json:"reason"`
	Alternatives  []string `json:"alternatives,omitempty"`
}

// RecommendNetwork picks the cheapest network suited to the transaction
// type. Large transfers prefer mainnet liquidity despite the gas.
func (s *Service) RecommendNetwork(token, txType string, amountUSD float64) NetworkRecommendation {
	if amountUSD >= 100000 {
		return NetworkRecommendation{
			Network:      "ethereum",
			EstimatedGas: gasCostUSD("ethereum"),
			Reason:       fmt.Sprintf("amount %.0f USD needs mainnet depth for %s", amountUSD, token),
			Alternatives: []string{"arbitrum"},
		}
	}

	best, bestGas := "", 0.0
	for network, gas := range gasBaseline {
		if network == "ethereum" {
			continue
		}
		if best == "" || gas < bestGas {
			best, bestGas = network, gas
		}
	}
	return NetworkRecommendation{
		Network:      best,
		EstimatedGas: bestGas,
		Reason:       fmt.Sprintf("cheapest gas for %s %s", token, txType),
		Alternatives: []string{"arbitrum", "optimism"},
	}
}
