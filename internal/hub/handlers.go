package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/clawinfra/arbnet/internal/arbitrage"
	"github.com/clawinfra/arbnet/internal/prefs"
	"github.com/clawinfra/arbnet/internal/types"
)

// Trading is the arbitrage-service surface the channel handlers drive.
type Trading interface {
	GetOpportunities(ctx context.Context, token string, limit int) ([]types.Opportunity, error)
	RecentOpportunities(n int) []types.Opportunity
	FindOpportunity(id string) (types.Opportunity, bool)
	ExecuteArbitrage(ctx context.Context, op types.Opportunity, amount float64) (*types.ExecutionResult, error)
	ExecuteTrade(ctx context.Context, token string, amountUSD float64, side, network string) (*types.ExecutionResult, error)
	GetStrategies(riskProfile string) []types.Strategy
	ExecuteTradingStrategy(strategyID string) (bool, error)
	RecommendNetwork(token, txType string, amountUSD float64) arbitrage.NetworkRecommendation
}

// Analyzer is the remote market-analysis surface. Absent results fall
// back to a neutral reply.
type Analyzer interface {
	MarketAnalysis(ctx context.Context, token string) (map[string]any, bool)
	MarketEmotions(ctx context.Context) (map[string]any, bool)
}

// PrefStore is the per-user preferences surface.
type PrefStore interface {
	GetAll(userID string) (prefs.Preferences, error)
	Set(userID, category, key string, value any) error
	SetMany(userID string, updates prefs.Preferences) error
	ResetCategory(userID, category string) error
	ResetAll(userID string) error
	Export(userID string) (string, error)
	Import(userID string, doc prefs.Preferences) error
}

// Handlers wires the channel protocol onto a hub.
type Handlers struct {
	hub      *Hub
	trading  Trading
	analyzer Analyzer
	prefs    PrefStore
	logger   *slog.Logger
}

// NewHandlers builds the handler set. analyzer and prefStore may be
// nil; the matching actions then answer with an error frame.
func NewHandlers(h *Hub, trading Trading, analyzer Analyzer, prefStore PrefStore, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		hub:      h,
		trading:  trading,
		analyzer: analyzer,
		prefs:    prefStore,
		logger:   logger.With("component", "hub_handlers"),
	}
}

// Register installs one handler per channel.
func (hd *Handlers) Register() {
	hd.hub.RegisterHandler("market", hd.handleMarket)
	hd.hub.RegisterHandler("trades", hd.handleTrades)
	hd.hub.RegisterHandler("strategies", hd.handleStrategies)
	hd.hub.RegisterHandler("preferences", hd.handlePreferences)
	hd.hub.RegisterHandler("portfolio", hd.handleSubscribeOnly)
	hd.hub.RegisterHandler("emotions", hd.handleEmotions)
}

// decodePayload strictly decodes the action payload. Unknown fields are
// a client error, answered as such rather than silently dropped.
func decodePayload(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (hd *Handlers) reply(clientID, channel, frameType string, data any) {
	if err := hd.hub.SendToClient(clientID, NewFrame(frameType, channel, data)); err != nil {
		hd.logger.Debug("reply dropped", "client", clientID, "type", frameType, "error", err)
	}
}

func (hd *Handlers) replyErr(clientID, channel, detail string) {
	hd.reply(clientID, channel, "error", map[string]any{"error": detail})
}

func (hd *Handlers) subscribe(clientID, channel string) {
	if err := hd.hub.Subscribe(clientID, channel); err != nil {
		hd.replyErr(clientID, channel, err.Error())
		return
	}
	hd.reply(clientID, channel, "subscription_confirmed", map[string]any{"channel": channel})
}

func (hd *Handlers) handleMarket(ctx context.Context, clientID string, msg InboundMessage) error {
	switch msg.Action {
	case "subscribe":
		var p struct {
			Action  string   `json:"action"`
			Channel string   `json:"channel"`
			Symbols []string `json:"symbols"`
		}
		if err := decodePayload(msg.Raw, &p); err != nil {
			hd.replyErr(clientID, "market", fmt.Sprintf("bad subscribe payload: %v", err))
			return nil
		}
		if err := hd.hub.Subscribe(clientID, "market"); err != nil {
			hd.replyErr(clientID, "market", err.Error())
			return nil
		}
		hd.reply(clientID, "market", "subscription_confirmed", map[string]any{
			"channel": "market",
			"symbols": p.Symbols,
		})

	case "analyze":
		var p struct {
			Action  string `json:"action"`
			Channel string `json:"channel"`
			Token   string `json:"token"`
		}
		if err := decodePayload(msg.Raw, &p); err != nil || p.Token == "" {
			hd.replyErr(clientID, "market", "analyze needs a token")
			return nil
		}
		data := map[string]any{"token": p.Token, "recommendation": "hold", "confidence_score": 0.5}
		if hd.analyzer != nil {
			if remote, ok := hd.analyzer.MarketAnalysis(ctx, p.Token); ok {
				data = remote
				data["token"] = p.Token
			}
		}
		hd.reply(clientID, "market", "market_analysis", data)

	case "arbitrage":
		ops := hd.trading.RecentOpportunities(10)
		if len(ops) == 0 {
			var err error
			ops, err = hd.trading.GetOpportunities(ctx, "ETH", 10)
			if err != nil {
				hd.replyErr(clientID, "market", fmt.Sprintf("opportunity scan failed: %v", err))
				return nil
			}
		}
		hd.reply(clientID, "market", "arbitrage_opportunities", map[string]any{
			"count":         len(ops),
			"opportunities": ops,
		})

	case "network_recommendation":
		var p struct {
			Action          string  `json:"action"`
			Channel         string  `json:"channel"`
			Token           string  `json:"token"`
			TransactionType string  `json:"transaction_type"`
			Amount          float64 `json:"amount"`
		}
		if err := decodePayload(msg.Raw, &p); err != nil {
			hd.replyErr(clientID, "market", fmt.Sprintf("bad payload: %v", err))
			return nil
		}
		rec := hd.trading.RecommendNetwork(p.Token, p.TransactionType, p.Amount)
		hd.reply(clientID, "market", "network_recommendation", rec)

	default:
		hd.replyErr(clientID, "market", fmt.Sprintf("unknown action: %s", msg.Action))
	}
	return nil
}

func (hd *Handlers) handleTrades(ctx context.Context, clientID string, msg InboundMessage) error {
	switch msg.Action {
	case "subscribe":
		hd.subscribe(clientID, "trades")

	case "execute_trade":
		var p struct {
			Action  string  `json:"action"`
			Channel string  `json:"channel"`
			Token   string  `json:"token"`
			Amount  float64 `json:"amount"`
			Side    string  `json:"side"`
			Network string  `json:"network"`
		}
		if err := decodePayload(msg.Raw, &p); err != nil {
			hd.replyErr(clientID, "trades", fmt.Sprintf("bad payload: %v", err))
			return nil
		}
		result, err := hd.trading.ExecuteTrade(ctx, p.Token, p.Amount, p.Side, p.Network)
		if err != nil {
			hd.replyErr(clientID, "trades", err.Error())
			return nil
		}
		hd.reply(clientID, "trades", "trade_result", result)

	case "execute_arbitrage":
		var p struct {
			Action        string `json:"action"`
			Channel       string `json:"channel"`
			OpportunityID string `json:"opportunity_id,omitempty"`
			Token         string `json:"token,omitempty"`
		}
		if err := decodePayload(msg.Raw, &p); err != nil {
			hd.replyErr(clientID, "trades", fmt.Sprintf("bad payload: %v", err))
			return nil
		}

		var op types.Opportunity
		switch {
		case p.OpportunityID != "":
			found, ok := hd.trading.FindOpportunity(p.OpportunityID)
			if !ok {
				hd.replyErr(clientID, "trades", fmt.Sprintf("unknown opportunity: %s", p.OpportunityID))
				return nil
			}
			op = found
		case p.Token != "":
			ops, err := hd.trading.GetOpportunities(ctx, p.Token, 1)
			if err != nil || len(ops) == 0 {
				hd.replyErr(clientID, "trades", fmt.Sprintf("no opportunity for %s", p.Token))
				return nil
			}
			op = ops[0]
		default:
			hd.replyErr(clientID, "trades", "opportunity_id or token required")
			return nil
		}

		result, err := hd.trading.ExecuteArbitrage(ctx, op, op.SuggestedAmount)
		if err != nil {
			hd.replyErr(clientID, "trades", err.Error())
			return nil
		}
		hd.reply(clientID, "trades", "arbitrage_result", result)

	default:
		hd.replyErr(clientID, "trades", fmt.Sprintf("unknown action: %s", msg.Action))
	}
	return nil
}

func (hd *Handlers) handleStrategies(_ context.Context, clientID string, msg InboundMessage) error {
	switch msg.Action {
	case "subscribe":
		hd.subscribe(clientID, "strategies")

	case "get_strategies":
		var p struct {
			Action      string `json:"action"`
			Channel     string `json:"channel"`
			Token       string `json:"token,omitempty"`
			RiskProfile string `json:"risk_profile,omitempty"`
		}
		if err := decodePayload(msg.Raw, &p); err != nil {
			hd.replyErr(clientID, "strategies", fmt.Sprintf("bad payload: %v", err))
			return nil
		}
		switch p.RiskProfile {
		case "", "conservative", "moderate", "aggressive":
		default:
			hd.replyErr(clientID, "strategies", fmt.Sprintf("invalid risk profile: %s", p.RiskProfile))
			return nil
		}
		list := hd.trading.GetStrategies(p.RiskProfile)
		hd.reply(clientID, "strategies", "strategies", map[string]any{
			"count":      len(list),
			"strategies": list,
		})

	case "execute_trading_strategy":
		var p struct {
			Action     string `json:"action"`
			Channel    string `json:"channel"`
			StrategyID string `json:"strategy_id"`
		}
		if err := decodePayload(msg.Raw, &p); err != nil || p.StrategyID == "" {
			hd.replyErr(clientID, "strategies", "execute_trading_strategy needs a strategy_id")
			return nil
		}
		applied, err := hd.trading.ExecuteTradingStrategy(p.StrategyID)
		if err != nil {
			hd.replyErr(clientID, "strategies", err.Error())
			return nil
		}
		hd.reply(clientID, "strategies", "strategy_execution", map[string]any{
			"strategy_id": p.StrategyID,
			"status":      "accepted",
			"repeated":    !applied,
		})

	default:
		hd.replyErr(clientID, "strategies", fmt.Sprintf("unknown action: %s", msg.Action))
	}
	return nil
}

func (hd *Handlers) handlePreferences(_ context.Context, clientID string, msg InboundMessage) error {
	if hd.prefs == nil {
		hd.replyErr(clientID, "preferences", "preferences unavailable")
		return nil
	}

	switch msg.Action {
	case "subscribe":
		hd.subscribe(clientID, "preferences")

	case "update_preference":
		var p struct {
			Action   string `json:"action"`
			Channel  string `json:"channel"`
			Category string `json:"category"`
			Key      string `json:"key"`
			Value    any    `json:"value"`
		}
		if err := decodePayload(msg.Raw, &p); err != nil {
			hd.replyErr(clientID, "preferences", fmt.Sprintf("bad payload: %v", err))
			return nil
		}
		if err := hd.prefs.Set(clientID, p.Category, p.Key, p.Value); err != nil {
			hd.replyErr(clientID, "preferences", err.Error())
			return nil
		}
		hd.reply(clientID, "preferences", "preference_updated", map[string]any{
			"category": p.Category, "key": p.Key, "value": p.Value,
		})

	case "update_preferences":
		var p struct {
			Action  string            `json:"action"`
			Channel string            `json:"channel"`
			Updates prefs.Preferences `json:"updates"`
		}
		if err := decodePayload(msg.Raw, &p); err != nil {
			hd.replyErr(clientID, "preferences", fmt.Sprintf("bad payload: %v", err))
			return nil
		}
		if err := hd.prefs.SetMany(clientID, p.Updates); err != nil {
			hd.replyErr(clientID, "preferences", err.Error())
			return nil
		}
		hd.reply(clientID, "preferences", "preferences_updated", map[string]any{
			"categories": len(p.Updates),
		})

	case "reset_category":
		var p struct {
			Action   string `json:"action"`
			Channel  string `json:"channel"`
			Category string `json:"category"`
		}
		if err := decodePayload(msg.Raw, &p); err != nil {
			hd.replyErr(clientID, "preferences", fmt.Sprintf("bad payload: %v", err))
			return nil
		}
		if err := hd.prefs.ResetCategory(clientID, p.Category); err != nil {
			hd.replyErr(clientID, "preferences", err.Error())
			return nil
		}
		hd.reply(clientID, "preferences", "category_reset", map[string]any{"category": p.Category})

	case "reset_all":
		if err := hd.prefs.ResetAll(clientID); err != nil {
			hd.replyErr(clientID, "preferences", err.Error())
			return nil
		}
		hd.reply(clientID, "preferences", "preferences_reset", map[string]any{})

	case "export_preferences":
		path, err := hd.prefs.Export(clientID)
		if err != nil {
			hd.replyErr(clientID, "preferences", err.Error())
			return nil
		}
		hd.reply(clientID, "preferences", "preferences_exported", map[string]any{"path": path})

	case "import_preferences":
		var p struct {
			Action  string            `json:"action"`
			Channel string            `json:"channel"`
			Data    prefs.Preferences `json:"data"`
		}
		if err := decodePayload(msg.Raw, &p); err != nil {
			hd.replyErr(clientID, "preferences", fmt.Sprintf("bad payload: %v", err))
			return nil
		}
		if err := hd.prefs.Import(clientID, p.Data); err != nil {
			hd.replyErr(clientID, "preferences", err.Error())
			return nil
		}
		doc, _ := hd.prefs.GetAll(clientID)
		hd.reply(clientID, "preferences", "preferences_imported", map[string]any{"preferences": doc})

	default:
		hd.replyErr(clientID, "preferences", fmt.Sprintf("unknown action: %s", msg.Action))
	}
	return nil
}

// handleEmotions serves subscribe plus a one-shot emotions read.
func (hd *Handlers) handleEmotions(ctx context.Context, clientID string, msg InboundMessage) error {
	switch msg.Action {
	case "subscribe":
		hd.subscribe(clientID, "emotions")
	case "get_emotions":
		data := map[string]any{"state": "neutral", "confidence": 0.5}
		if hd.analyzer != nil {
			if remote, ok := hd.analyzer.MarketEmotions(ctx); ok {
				data = remote
			}
		}
		hd.reply(clientID, "emotions", "market_emotions", data)
	default:
		hd.replyErr(clientID, "emotions", fmt.Sprintf("unknown action: %s", msg.Action))
	}
	return nil
}

// handleSubscribeOnly covers channels that only support subscription;
// all their traffic is server-originated broadcasts.
func (hd *Handlers) handleSubscribeOnly(_ context.Context, clientID string, msg InboundMessage) error {
	if msg.Action == "subscribe" {
		hd.subscribe(clientID, msg.Channel)
		return nil
	}
	hd.replyErr(clientID, msg.Channel, fmt.Sprintf("unknown action: %s", msg.Action))
	return nil
}
