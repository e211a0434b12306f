// Package arbitrage is the business layer above the bots: it owns the
// registry of bot descriptors, discovers opportunities across venues,
// and performs the end-to-end execute call. Per-bot errors are recorded
// on the descriptor; the service never panics into callers.
package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/arbnet/internal/events"
	"github.com/clawinfra/arbnet/internal/supervisor"
	"github.com/clawinfra/arbnet/internal/types"
)

// ErrBotNotFound is returned for operations on unregistered bot ids.
var ErrBotNotFound = errors.New("bot not found")

// Engine is the optional AI execution path. When present,
// ExecuteArbitrage delegates to it; the engine analyzes, decides,
// executes through the service's direct path, and learns from the outcome.
type Engine interface {
	Execute(ctx context.Context, op types.Opportunity, amount float64) (*types.ExecutionResult, error)
}

// Config tunes the service.
type Config struct {
	Tokens           []string
	MaxOpportunities int
	PollInterval     time.Duration
}

// Service coordinates bots, opportunities, and execution.
type Service struct {
	cfg    Config
	logger *slog.Logger
	prices PriceSource
	sup    *supervisor.Supervisor
	bus    *events.Bus

	mu      sync.RWMutex
	bots    map[string]*types.BotDescriptor
	ring    *opportunityRing
	catalog *StrategyCatalog
	engine  Engine

	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup
}

// New creates the service. engine may be nil (direct execution only)
// and can be injected later with SetEngine.
func New(cfg Config, prices PriceSource, sup *supervisor.Supervisor, bus *events.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxOpportunities <= 0 {
		cfg.MaxOpportunities = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if len(cfg.Tokens) == 0 {
		cfg.Tokens = []string{"ETH", "USDC", "WBTC", "ARB", "MATIC"}
	}
	return &Service{
		cfg:     cfg,
		logger:  logger.With("component", "arbitrage"),
		prices:  prices,
		sup:     sup,
		bus:     bus,
		bots:    make(map[string]*types.BotDescriptor),
		ring:    newOpportunityRing(cfg.MaxOpportunities),
		catalog: DefaultCatalog(),
	}
}

// SetEngine injects the AI engine after construction (the facade builds
// the pipeline-backed engine once the pipeline exists).
func (s *Service) SetEngine(e Engine) {
	s.mu.Lock()
	s.engine = e
	s.mu.Unlock()
}

// SetCatalog replaces the strategy catalog (YAML overlay path).
func (s *Service) SetCatalog(c *StrategyCatalog) {
	s.mu.Lock()
	s.catalog = c
	s.mu.Unlock()
}

// Bus exposes the event bus for callback registration.
func (s *Service) Bus() *events.Bus { return s.bus }

// RegisterBot adds a bot descriptor. Re-registering an existing id
// updates name and launch spec but preserves runtime state.
func (s *Service) RegisterBot(id, name, launchSpec, adapter string) error {
	if id == "" {
		return fmt.Errorf("bot id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.bots[id]; ok {
		existing.Name = name
		existing.LaunchSpec = launchSpec
		if adapter != "" {
			existing.Adapter = adapter
		}
		return nil
	}

	s.bots[id] = &types.BotDescriptor{
		BotID:        id,
		Name:         name,
		LaunchSpec:   launchSpec,
		Adapter:      adapter,
		Status:       types.StatusStopped,
		Mode:         types.ModeManual,
		LastActivity: time.Now(),
	}
	s.logger.Info("bot registered", "bot", id, "name", name)
	return nil
}

// StartBot launches the bot's worker. Starting a running bot succeeds
// without spawning a second worker.
func (s *Service) StartBot(ctx context.Context, id string, cfg map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	desc, ok := s.bots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	if desc.Status == types.StatusRunning && s.sup.Running(id) {
		return nil
	}

	if err := s.sup.Start(ctx, desc, cfg, s.onBotExit); err != nil {
		s.logger.Error("bot start failed", "bot", id, "error", err)
		return err
	}

	s.publish(ctx, "bot_started", map[string]any{"bot_id": id})
	return nil
}

// StopBot stops the bot's worker.
func (s *Service) StopBot(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	desc, ok := s.bots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}

	err := s.sup.Stop(ctx, desc)
	if errors.Is(err, supervisor.ErrNotRunning) {
		desc.Status = types.StatusStopped
		return nil
	}
	if err != nil {
		return err
	}

	s.publish(ctx, "bot_stopped", map[string]any{"bot_id": id})
	return nil
}

// onBotExit is handed to the supervisor; it runs when a worker exits on
// its own. A clean exit parks the descriptor at stopped, a dirty one at
// error with captured stderr.
func (s *Service) onBotExit(botID string, exitErr error, stderr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	desc, ok := s.bots[botID]
	if !ok {
		return
	}
	desc.PID = 0
	if exitErr != nil {
		desc.Status = types.StatusError
		desc.ErrorMessage = fmt.Sprintf("%v: %s", exitErr, stderr)
		s.logger.Warn("bot exited unexpectedly", "bot", botID, "error", exitErr)
	} else {
		desc.Status = types.StatusStopped
		s.logger.Info("bot exited", "bot", botID)
	}
}

// BotStatus returns a copy of one bot's descriptor.
func (s *Service) BotStatus(id string) (types.BotDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	desc, ok := s.bots[id]
	if !ok {
		return types.BotDescriptor{}, fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	return *desc, nil
}

// AllBots returns copies of every descriptor keyed by id.
func (s *Service) AllBots() map[string]types.BotDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.BotDescriptor, len(s.bots))
	for id, d := range s.bots {
		out[id] = *d
	}
	return out
}

// SetBotMode changes a bot's operating mode and counts the change.
func (s *Service) SetBotMode(id string, mode types.BotMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc, ok := s.bots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	desc.Mode = mode
	desc.LastActivity = time.Now()
	return nil
}

// RecordActivity bumps a bot's activity timestamp and counters after a
// completed execution. The orchestrator calls this on task completion.
func (s *Service) RecordActivity(id string, profitUSD float64, foundOpportunity bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	desc, ok := s.bots[id]
	if !ok {
		return
	}
	desc.LastActivity = time.Now()
	desc.TotalProfitUSD += profitUSD
	if foundOpportunity {
		desc.OpportunitiesFound++
	}
}

// ExecuteArbitrage runs one opportunity end-to-end. With an engine
// present the AI path is used; otherwise the direct path.
func (s *Service) ExecuteArbitrage(ctx context.Context, op types.Opportunity, amount float64) (*types.ExecutionResult, error) {
	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()

	if engine != nil {
		result, err := engine.Execute(ctx, op, amount)
		if err != nil {
			s.logger.Warn("engine execution failed, falling back to direct path (non-fatal)", "error", err)
			return s.ExecuteDirect(ctx, op, amount)
		}
		return result, nil
	}
	return s.ExecuteDirect(ctx, op, amount)
}

// ExecuteDirect is the basic execution path: verify the spread still
// exists, then settle. The pipeline's execution stage calls this so the
// engine path never recurses back into itself.
func (s *Service) ExecuteDirect(ctx context.Context, op types.Opportunity, amount float64) (*types.ExecutionResult, error) {
	start := time.Now()
	result := &types.ExecutionResult{
		ExecutionID: uuid.NewString(),
		Networks:    []string{op.SourceNetwork, op.TargetNetwork},
		StartedAt:   start,
	}

	if amount <= 0 {
		amount = op.SuggestedAmount
	}

	spread, err := s.prices.Spread(ctx, op.TokenPair, op.SourceVenue, op.TargetVenue)
	if err != nil {
		result.Success = false
		result.Error = fmt.Sprintf("price check failed: %v", err)
		result.CompletedAt = time.Now()
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}

	if spread <= 0 {
		result.Success = false
		result.Error = "spread closed before execution"
	} else {
		result.Success = true
		result.ProfitUSD = op.NetProfitUSD
		result.GasCostUSD = op.GasCostUSD
	}
	result.CompletedAt = time.Now()
	result.DurationMs = time.Since(start).Milliseconds()

	s.publish(ctx, "execution_completed", map[string]any{
		"execution_id": result.ExecutionID,
		"token_pair":   op.TokenPair,
		"success":      result.Success,
		"profit_usd":   result.ProfitUSD,
	})
	return result, nil
}

// ExecuteTrade settles a single-venue trade: quote the token on the
// cheapest venue for the network and record the fill. side is "buy" or
// "sell"; amount is notional USD.
func (s *Service) ExecuteTrade(ctx context.Context, token string, amountUSD float64, side, network string) (*types.ExecutionResult, error) {
	start := time.Now()
	result := &types.ExecutionResult{
		ExecutionID: uuid.NewString(),
		StartedAt:   start,
	}
	if side != "buy" && side != "sell" {
		return nil, fmt.Errorf("invalid side: %s", side)
	}
	if amountUSD <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}

	venue, quote, err := s.bestVenue(ctx, token, network)
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		result.CompletedAt = time.Now()
		result.DurationMs = time.Since(start).Milliseconds()
		return result, nil
	}

	gas := gasCostUSD(network)
	result.Success = true
	result.GasCostUSD = gas
	result.Networks = []string{network}
	result.AIFields = map[string]any{
		"venue":      venue,
		"fill_price": quote,
		"side":       side,
		"amount_usd": amountUSD,
	}
	result.CompletedAt = time.Now()
	result.DurationMs = time.Since(start).Milliseconds()

	s.publish(ctx, "trade_executed", map[string]any{
		"execution_id": result.ExecutionID,
		"token":        token,
		"side":         side,
		"network":      network,
		"amount_usd":   amountUSD,
	})
	return result, nil
}

// bestVenue returns the lowest-quote venue for a token on a network,
// or any network when network is empty.
func (s *Service) bestVenue(ctx context.Context, token, network string) (string, float64, error) {
	best, bestQ := "", 0.0
	for _, v := range s.prices.Venues() {
		if network != "" && v.Network != network {
			continue
		}
		q, err := s.prices.Quote(ctx, v.Name, token)
		if err != nil || q <= 0 {
			continue
		}
		if best == "" || q < bestQ {
			best, bestQ = v.Name, q
		}
	}
	if best == "" {
		return "", 0, fmt.Errorf("no venue quotes %s on %q", token, network)
	}
	return best, bestQ, nil
}

// StartMonitoring begins the periodic opportunity scan over the fixed
// token set, emitting opportunities_found events. Idempotent.
func (s *Service) StartMonitoring(ctx context.Context) {
	s.mu.Lock()
	if s.monitorCancel != nil {
		s.mu.Unlock()
		return
	}
	monCtx, cancel := context.WithCancel(ctx)
	s.monitorCancel = cancel
	s.mu.Unlock()

	s.monitorWG.Add(1)
	go func() {
		defer s.monitorWG.Done()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		s.logger.Info("monitoring started", "interval", s.cfg.PollInterval, "tokens", s.cfg.Tokens)
		for {
			select {
			case <-monCtx.Done():
				s.logger.Info("monitoring stopped")
				return
			case <-ticker.C:
				s.scan(monCtx)
			}
		}
	}()
}

// StopMonitoring halts the scan loop and waits for it to exit.
func (s *Service) StopMonitoring() {
	s.mu.Lock()
	cancel := s.monitorCancel
	s.monitorCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.monitorWG.Wait()
	}
}

// scan sweeps every configured token once.
func (s *Service) scan(ctx context.Context) {
	for _, token := range s.cfg.Tokens {
		ops, err := s.GetOpportunities(ctx, token, 10)
		if err != nil {
			s.logger.Debug("scan failed for token (non-fatal)", "token", token, "error", err)
			continue
		}
		if len(ops) == 0 {
			continue
		}
		s.publish(ctx, "opportunities_found", map[string]any{
			"token":         token,
			"count":         len(ops),
			"opportunities": ops,
		})
	}
}

func (s *Service) publish(ctx context.Context, event string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.Event{Type: event, Data: data})
}
