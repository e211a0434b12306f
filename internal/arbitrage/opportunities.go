package arbitrage

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/arbnet/internal/types"
)

// Venue is one tradeable venue on a network.
type Venue struct {
	Name    string
	Network string
}

// PriceSource supplies venue quotes. The production implementation wraps
// external price feeds; SimSource is the deterministic in-repo variant.
type PriceSource interface {
	Venues() []Venue
	Quote(ctx context.Context, venue, token string) (float64, error)
	// Spread returns the relative price difference between two venues for
	// a pair, positive when the target is richer than the source.
	Spread(ctx context.Context, tokenPair, sourceVenue, targetVenue string) (float64, error)
}

// defaultTradeSize is the notional USD per token used to turn a relative
// spread into a gross profit estimate.
var defaultTradeSize = map[string]float64{
	"ETH": 5000, "WBTC": 8000, "USDC": 10000, "ARB": 2000, "MATIC": 2000,
}

// GetOpportunities scans all venue pairs for a token and returns the top
// candidates by net profit. Results are retained in the bounded ring.
func (s *Service) GetOpportunities(ctx context.Context, token string, limit int) ([]types.Opportunity, error) {
	if limit <= 0 {
		limit = 10
	}
	venues := s.prices.Venues()

	quotes := make(map[string]float64, len(venues))
	for _, v := range venues {
		q, err := s.prices.Quote(ctx, v.Name, token)
		if err != nil {
			s.logger.Debug("quote failed (non-fatal)", "venue", v.Name, "token", token, "error", err)
			continue
		}
		quotes[v.Name] = q
	}

	var found []types.Opportunity
	for _, src := range venues {
		for _, dst := range venues {
			if src.Name == dst.Name {
				continue
			}
			srcQ, okS := quotes[src.Name]
			dstQ, okD := quotes[dst.Name]
			if !okS || !okD || srcQ <= 0 || dstQ <= srcQ {
				continue
			}

			diff := (dstQ - srcQ) / srcQ
			size := defaultTradeSize[token]
			if size == 0 {
				size = 1000
			}
			gross := diff * size
			gas := gasCostUSD(src.Network) + gasCostUSD(dst.Network)
			net := gross - gas
			if net <= 0 {
				continue
			}

			found = append(found, types.Opportunity{
				ID:              uuid.NewString(),
				TokenPair:       token + "/USDC",
				SourceVenue:     src.Name,
				TargetVenue:     dst.Name,
				SourceNetwork:   src.Network,
				TargetNetwork:   dst.Network,
				PriceDiff:       diff,
				GrossProfitUSD:  gross,
				GasCostUSD:      gas,
				NetProfitUSD:    net,
				RiskScore:       riskScore(diff, src.Network != dst.Network),
				SuggestedAmount: size,
				DiscoveredAt:    time.Now(),
			})
		}
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].NetProfitUSD > found[j].NetProfitUSD
	})
	if len(found) > limit {
		found = found[:limit]
	}

	for _, op := range found {
		s.ring.Add(op)
	}
	return found, nil
}

// riskScore grows with spread size (large spreads are usually stale
// quotes) and with crossing networks.
func riskScore(diff float64, crossNetwork bool) float64 {
	risk := math.Min(diff*8, 0.8)
	if crossNetwork {
		risk += 0.1
	}
	return math.Min(risk, 1.0)
}

// RecentOpportunities returns up to n most recent ring entries.
func (s *Service) RecentOpportunities(n int) []types.Opportunity {
	return s.ring.Recent(n)
}

// FindOpportunity fetches a ring entry by id.
func (s *Service) FindOpportunity(id string) (types.Opportunity, bool) {
	return s.ring.Get(id)
}

// SimSource is a deterministic price source for development and tests.
// Quotes derive from a hash of (venue, token, time bucket) so spreads
// appear and close over time without external feeds.
type SimSource struct {
	venues []Venue
	// bucket quantizes time so quotes are stable within a window.
	bucket time.Duration
}

// NewSimSource creates the simulator with the default venue set.
func NewSimSource() *SimSource {
	return &SimSource{
		venues: []Venue{
			{Name: "uniswap", Network: "ethereum"},
			{Name: "sushiswap", Network: "arbitrum"},
			{Name: "camelot", Network: "arbitrum"},
			{Name: "velodrome", Network: "optimism"},
			{Name: "quickswap", Network: "polygon"},
		},
		bucket: time.Minute,
	}
}

var basePrices = map[string]float64{
	"ETH": 3200, "WBTC": 64000, "USDC": 1, "ARB": 1.2, "MATIC": 0.9,
}

func (s *SimSource) Venues() []Venue { return s.venues }

// Quote returns the base price skewed by a per-venue pseudo-random
// factor in ±0.75%.
func (s *SimSource) Quote(_ context.Context, venue, token string) (float64, error) {
	base, ok := basePrices[token]
	if !ok {
		return 0, fmt.Errorf("unknown token: %s", token)
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", venue, token, time.Now().UnixNano()/int64(s.bucket))
	skew := (float64(h.Sum64()%1500) - 750) / 100000.0 // ±0.0075
	return base * (1 + skew), nil
}

func (s *SimSource) Spread(ctx context.Context, tokenPair, sourceVenue, targetVenue string) (float64, error) {
	token := tokenPair
	for i := 0; i < len(tokenPair); i++ {
		if tokenPair[i] == '/' {
			token = tokenPair[:i]
			break
		}
	}
	srcQ, err := s.Quote(ctx, sourceVenue, token)
	if err != nil {
		return 0, err
	}
	dstQ, err := s.Quote(ctx, targetVenue, token)
	if err != nil {
		return 0, err
	}
	if srcQ <= 0 {
		return 0, fmt.Errorf("bad source quote for %s on %s", token, sourceVenue)
	}
	return (dstQ - srcQ) / srcQ, nil
}
