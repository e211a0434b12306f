// Package core is the unified facade over the trading platform: it
// builds every subsystem in dependency order, exposes the single
// process-opportunity entrypoint, and owns the autonomous discovery
// loop and the emergency stop.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/clawinfra/arbnet/internal/arbitrage"
	"github.com/clawinfra/arbnet/internal/config"
	"github.com/clawinfra/arbnet/internal/events"
	"github.com/clawinfra/arbnet/internal/hub"
	"github.com/clawinfra/arbnet/internal/mcp"
	"github.com/clawinfra/arbnet/internal/orchestrator"
	"github.com/clawinfra/arbnet/internal/pipeline"
	"github.com/clawinfra/arbnet/internal/prefs"
	"github.com/clawinfra/arbnet/internal/scheduler"
	"github.com/clawinfra/arbnet/internal/supervisor"
	"github.com/clawinfra/arbnet/internal/types"
)

// Core wires the platform together and is its public entrypoint.
type Core struct {
	cfg    *config.Config
	logger *slog.Logger

	bus   *events.Bus
	mcp   *mcp.Client
	hub   *hub.Hub
	sup   *supervisor.Supervisor
	svc   *arbitrage.Service
	pipe  *pipeline.Pipeline
	orch  *orchestrator.Orchestrator
	prefs *prefs.Store
	sched *scheduler.Scheduler
	mqtt  *events.MQTTBridge

	mu                     sync.Mutex
	initialized            bool
	startedAt              time.Time
	opportunitiesProcessed int64
	successfulExecutions   int64
	autonomousCancel       context.CancelFunc
	autonomousWG           sync.WaitGroup
}

// New assembles the core from configuration using the simulated price
// source. NewWithSource injects a real one.
func New(cfg *config.Config, logger *slog.Logger) *Core {
	return NewWithSource(cfg, arbitrage.NewSimSource(), logger)
}

// NewWithSource assembles the core around an explicit price source.
func NewWithSource(cfg *config.Config, prices arbitrage.PriceSource, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}

	bus := events.NewBus(logger)
	sup := supervisor.New(logger)
	mcpClient := mcp.New(mcp.Config{
		RegistryURL:       cfg.MCP.RegistryURL,
		ConsciousnessURL:  cfg.MCP.ConsciousnessURL,
		MarketAnalyzerURL: cfg.MCP.MarketAnalyzerURL,
		ReasoningURL:      cfg.MCP.ReasoningURL,
		SpecialistURL:     cfg.MCP.SpecialistURL,
		PortfolioURL:      cfg.MCP.PortfolioURL,
	}, logger)

	svc := arbitrage.New(arbitrage.Config{
		Tokens:           cfg.Arbitrage.Tokens,
		MaxOpportunities: cfg.Arbitrage.MaxOpportunities,
		PollInterval:     cfg.PollInterval(),
	}, prices, sup, bus, logger)

	pipe := pipeline.New(mcpClient, &directExecutor{svc: svc}, logger)
	svc.SetEngine(&pipelineEngine{pipe: pipe})

	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrentTasks: cfg.Orchestrator.MaxConcurrentTasks,
		TaskTimeout:        cfg.TaskTimeout(),
		CycleInterval:      cfg.RebalanceInterval(),
	}, svc, svc, pipe, bus, logger)

	h := hub.New(hub.Config{
		IdleTimeout:    time.Duration(cfg.Hub.ReapIdleSeconds) * time.Second,
		ErrorThreshold: int64(cfg.Hub.ReapErrorCount),
		ReapInterval:   time.Duration(cfg.Hub.ReapIntervalSecs) * time.Second,
		SendTimeout:    time.Duration(cfg.Hub.SendTimeoutMillis) * time.Millisecond,
		QueueSize:      cfg.Hub.SendBufferFrames,
	}, logger)

	store := prefs.NewStore(cfg.Prefs.Dir, logger)

	c := &Core{
		cfg:    cfg,
		logger: logger.With("component", "core"),
		bus:    bus,
		mcp:    mcpClient,
		hub:    h,
		sup:    sup,
		svc:    svc,
		pipe:   pipe,
		orch:   orch,
		prefs:  store,
	}
	c.sched = scheduler.New(c, logger)
	return c
}

// defaultMode picks a starting mode from the bot's id: monitor-like
// bots run autonomous, executor-like ones supervised, the rest learn.
func defaultMode(botID string) types.BotMode {
	id := strings.ToLower(botID)
	switch {
	case strings.Contains(id, "monitor"):
		return types.ModeAutonomous
	case strings.Contains(id, "executor"), strings.Contains(id, "trade"):
		return types.ModeSupervised
	default:
		return types.ModeLearning
	}
}

// Initialize brings the platform up in dependency order: strategies,
// bots, channel handlers, broadcast bridge, then the background loops.
// Idempotent; a second call is a logged no-op.
func (c *Core) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		c.logger.Info("already initialized")
		return nil
	}
	c.mu.Unlock()

	catalog, err := arbitrage.LoadCatalog(c.cfg.Arbitrage.StrategyFile)
	if err != nil {
		return fmt.Errorf("load strategy catalog: %w", err)
	}
	c.svc.SetCatalog(catalog)

	for _, def := range c.cfg.Bots {
		if err := c.svc.RegisterBot(def.ID, def.Name, def.LaunchSpec, def.Adapter); err != nil {
			return fmt.Errorf("register bot %s: %w", def.ID, err)
		}
		if err := c.svc.SetBotMode(def.ID, defaultMode(def.ID)); err != nil {
			return fmt.Errorf("set mode for bot %s: %w", def.ID, err)
		}
	}

	hub.NewHandlers(c.hub, c.svc, c.mcp, c.prefs, c.logger).Register()
	c.bridgeEvents()

	if c.cfg.MQTT.Enabled && c.cfg.MQTT.Broker != "" {
		bridge := events.NewMQTTBridge(
			events.NewPahoClient(c.cfg.MQTT.Broker, c.cfg.MQTT.Username, c.cfg.MQTT.Password),
			c.cfg.MQTT.Prefix, c.logger)
		if err := bridge.Start(c.bus); err != nil {
			c.logger.Warn("mqtt bridge unavailable (non-fatal)", "error", err)
		} else {
			c.mqtt = bridge
		}
	}

	c.orch.Start(ctx)
	c.svc.StartMonitoring(ctx)
	c.hub.StartReaper(ctx)

	if err := c.addMaintenanceJobs(); err != nil {
		return fmt.Errorf("maintenance jobs: %w", err)
	}
	if err := c.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("core initialized",
		"bots", len(c.cfg.Bots),
		"tokens", c.cfg.Arbitrage.Tokens,
		"max_concurrent_tasks", c.cfg.Orchestrator.MaxConcurrentTasks,
	)
	return nil
}

// Shutdown tears the platform down: autonomous loop first, then the
// background loops, then every bot.
func (c *Core) Shutdown(ctx context.Context) {
	c.StopAutonomousMode()
	c.sched.Stop()
	c.orch.Stop()
	c.svc.StopMonitoring()
	c.hub.StopReaper()
	c.sup.StopAll(ctx)
	if c.mqtt != nil {
		c.mqtt.Stop()
	}

	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
	c.logger.Info("core shut down")
}

// bridgeEvents forwards bus events to the hub channels clients see.
func (c *Core) bridgeEvents() {
	forward := func(event, frameType, channel string) {
		c.bus.Subscribe(event, func(_ context.Context, ev events.Event) {
			c.hub.Broadcast(hub.NewFrame(frameType, channel, ev.Data), channel)
		})
	}
	forward("opportunities_found", "arbitrage_opportunities", "market")
	forward("execution_completed", "execution_update", "trades")
	forward("trade_executed", "trade_update", "trades")
	forward("task_completed", "task_update", "portfolio")
	forward("bot_mode_rebalanced", "bot_mode_change", "portfolio")
	forward("bot_started", "bot_status", "portfolio")
	forward("bot_stopped", "bot_status", "portfolio")
}

// ProcessOpportunity runs one opportunity through the pipeline and the
// orchestrator, updating the system counters.
func (c *Core) ProcessOpportunity(ctx context.Context, op types.Opportunity) (*pipeline.Record, error) {
	rec, err := c.orch.ProcessWithPipeline(ctx, op)

	c.mu.Lock()
	c.opportunitiesProcessed++
	if rec != nil && rec.ExecutionResult != nil && rec.ExecutionResult.Success {
		c.successfulExecutions++
	}
	c.mu.Unlock()

	return rec, err
}

// ConfigureBotMode parses and applies a mode by name.
func (c *Core) ConfigureBotMode(botID, modeName string) error {
	mode, err := types.ParseMode(modeName)
	if err != nil {
		return err
	}
	return c.orch.SetBotMode(botID, mode)
}

// StartAutonomousMode switches every running bot to autonomous and
// launches the discovery loop: poll opportunities for the configured
// token set and funnel each into ProcessOpportunity. Idempotent.
func (c *Core) StartAutonomousMode(ctx context.Context) {
	c.mu.Lock()
	if c.autonomousCancel != nil {
		c.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.autonomousCancel = cancel
	c.mu.Unlock()

	for id, d := range c.svc.AllBots() {
		if d.Status != types.StatusRunning {
			continue
		}
		if err := c.svc.SetBotMode(id, types.ModeAutonomous); err != nil {
			c.logger.Warn("autonomous mode switch failed (non-fatal)", "bot", id, "error", err)
		}
	}

	c.autonomousWG.Add(1)
	go func() {
		defer c.autonomousWG.Done()
		ticker := time.NewTicker(c.cfg.PollInterval())
		defer ticker.Stop()

		c.logger.Info("autonomous mode started", "interval", c.cfg.PollInterval())
		for {
			select {
			case <-loopCtx.Done():
				c.logger.Info("autonomous mode stopped")
				return
			case <-ticker.C:
				c.discoverAndProcess(loopCtx)
			}
		}
	}()
}

// StopAutonomousMode halts the discovery loop and waits for it.
func (c *Core) StopAutonomousMode() {
	c.mu.Lock()
	cancel := c.autonomousCancel
	c.autonomousCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		c.autonomousWG.Wait()
	}
}

// discoverAndProcess is one autonomous sweep over the token set.
func (c *Core) discoverAndProcess(ctx context.Context) {
	for _, token := range c.cfg.Arbitrage.Tokens {
		ops, err := c.svc.GetOpportunities(ctx, token, 5)
		if err != nil {
			c.logger.Debug("autonomous scan failed (non-fatal)", "token", token, "error", err)
			continue
		}
		for _, op := range ops {
			if ctx.Err() != nil {
				return
			}
			if _, err := c.ProcessOpportunity(ctx, op); err != nil {
				c.logger.Warn("autonomous processing failed (non-fatal)", "opportunity", op.ID, "error", err)
			}
		}
	}
}

// EmergencyStop halts everything: every bot is stopped and downgraded
// to manual, and all connected clients are told.
func (c *Core) EmergencyStop(ctx context.Context) {
	c.logger.Warn("emergency stop triggered")
	c.StopAutonomousMode()

	for id := range c.svc.AllBots() {
		if err := c.svc.StopBot(ctx, id); err != nil {
			c.logger.Error("emergency stop of bot failed", "bot", id, "error", err)
		}
		if err := c.svc.SetBotMode(id, types.ModeManual); err != nil {
			c.logger.Error("emergency mode downgrade failed", "bot", id, "error", err)
		}
	}

	c.bus.Publish(ctx, events.Event{Type: "emergency_stop", Data: map[string]any{
		"at": time.Now().Format(time.RFC3339),
	}})
	c.hub.Broadcast(hub.NewFrame("emergency_stop", "", map[string]any{
		"message": "all trading halted",
	}), "")
}

// Status is the operator-facing summary.
type Status struct {
	Initialized            bool    `json:"initialized"`
	UptimeSecs             float64 `json:"uptime_secs"`
	Bots                   int     `json:"bots"`
	RunningBots            int     `json:"running_bots"`
	OpportunitiesProcessed int64   `json:"opportunities_processed"`
	SuccessfulExecutions   int64   `json:"successful_executions"`
	SuccessRate            float64 `json:"success_rate"`
	ConsciousnessScore     float64 `json:"consciousness_score"`
	QueuedTasks            int     `json:"queued_tasks"`
	ActiveTasks            int     `json:"active_tasks"`
	ConnectedClients       int     `json:"connected_clients"`
}

// Status reports the platform's high-level state.
func (c *Core) Status() Status {
	c.mu.Lock()
	initialized := c.initialized
	processed := c.opportunitiesProcessed
	succeeded := c.successfulExecutions
	started := c.startedAt
	c.mu.Unlock()

	bots := c.svc.AllBots()
	running := 0
	for _, d := range bots {
		if d.Status == types.StatusRunning {
			running++
		}
	}

	rate := 0.0
	if processed > 0 {
		rate = float64(succeeded) / float64(processed)
	}

	snap := c.orch.Status()
	uptime := 0.0
	if initialized {
		uptime = time.Since(started).Seconds()
	}
	return Status{
		Initialized:            initialized,
		UptimeSecs:             uptime,
		Bots:                   len(bots),
		RunningBots:            running,
		OpportunitiesProcessed: processed,
		SuccessfulExecutions:   succeeded,
		SuccessRate:            rate,
		ConsciousnessScore:     c.consciousnessScore(),
		QueuedTasks:            snap.QueuedTasks,
		ActiveTasks:            snap.ActiveTasks,
		ConnectedClients:       c.hub.Stats().ActiveConnections,
	}
}

// consciousnessScore reflects pipeline health: neutral 0.5 until work
// has flowed, then the success rate with a 0.2 optimism offset.
func (c *Core) consciousnessScore() float64 {
	pm := c.pipe.GetMetrics()
	if pm.Processed == 0 {
		return 0.5
	}
	return math.Min(pm.SuccessRate+0.2, 1.0)
}

// DetailedMetrics bundles every subsystem's counters.
func (c *Core) DetailedMetrics() map[string]any {
	status := c.Status()
	return map[string]any{
		"system":        status,
		"pipeline":      c.pipe.GetMetrics(),
		"orchestrator":  c.orch.Status(),
		"hub":           c.hub.Stats(),
		"bots":          c.svc.AllBots(),
		"opportunities": c.svc.RecentOpportunities(10),
	}
}

// Hub exposes the connection hub for the HTTP layer.
func (c *Core) Hub() *hub.Hub { return c.hub }

// Service exposes the arbitrage service for the HTTP layer.
func (c *Core) Service() *arbitrage.Service { return c.svc }

// Bus exposes the event bus.
func (c *Core) Bus() *events.Bus { return c.bus }

// Supervisor exposes the bot supervisor so embedders can register
// in-process bot programs before Initialize.
func (c *Core) Supervisor() *supervisor.Supervisor { return c.sup }

// addMaintenanceJobs installs the recurring platform chores.
func (c *Core) addMaintenanceJobs() error {
	jobs := []*scheduler.Job{
		{
			ID: "status-log", Name: "periodic status log", Enabled: true,
			Schedule: scheduler.ScheduleConfig{Kind: "interval", IntervalMs: 60000},
			Action:   scheduler.ActionConfig{Kind: "callback", Callback: "status_log"},
		},
	}
	if c.cfg.MQTT.Enabled {
		jobs = append(jobs, &scheduler.Job{
			ID: "status-publish", Name: "publish status to broker", Enabled: true,
			Schedule: scheduler.ScheduleConfig{Kind: "interval", IntervalMs: 60000},
			Action: scheduler.ActionConfig{
				Kind:  "mqtt",
				Topic: c.cfg.MQTT.Prefix + "/status",
			},
		})
	}
	for _, j := range jobs {
		if err := c.sched.AddJob(j); err != nil {
			return err
		}
	}
	return nil
}

// RunCallback implements scheduler.Executor.
func (c *Core) RunCallback(ctx context.Context, name string) error {
	switch name {
	case "status_log":
		s := c.Status()
		c.logger.Info("platform status",
			"bots", s.Bots, "running", s.RunningBots,
			"processed", s.OpportunitiesProcessed,
			"success_rate", s.SuccessRate,
			"queued", s.QueuedTasks, "active", s.ActiveTasks,
		)
		return nil
	case "hub_reap":
		c.hub.Reap(time.Now())
		return nil
	default:
		return fmt.Errorf("unknown callback: %s", name)
	}
}

// PublishMQTT implements scheduler.Executor by publishing on the bus;
// the MQTT bridge forwards it to the broker when connected.
func (c *Core) PublishMQTT(ctx context.Context, topic string, payload map[string]any) error {
	data := payload
	if data == nil {
		s := c.Status()
		data = map[string]any{
			"bots":         s.Bots,
			"running":      s.RunningBots,
			"processed":    s.OpportunitiesProcessed,
			"success_rate": s.SuccessRate,
		}
	}
	data["topic"] = topic
	c.bus.Publish(ctx, events.Event{Type: "status_report", Data: data})
	return nil
}
