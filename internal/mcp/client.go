// Package mcp talks to remote model services discovered through a dynamic
// registry. Every call degrades gracefully: any HTTP, decode, or shape
// failure yields an absent result, never an error to the caller. Upstream
// components fall back to local logic.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	registryTimeout  = 10 * time.Second
	reasoningTimeout = 20 * time.Second
	defaultTimeout   = 15 * time.Second
	stateTimeout     = 10 * time.Second

	shapeLogBytes = 200
)

// Config holds the registry root plus optional per-service base URLs that
// bypass registry lookup when set.
type Config struct {
	RegistryURL       string
	ConsciousnessURL  string
	MarketAnalyzerURL string
	ReasoningURL      string
	SpecialistURL     string
	PortfolioURL      string
}

// Client resolves service names against the registry and performs typed
// calls. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates an MCP client. The shared http.Client carries no global
// timeout; each call applies its own via context.
func New(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger.With("component", "mcp"),
	}
}

type registryEntry struct {
	URL         string   `json:"url"`
	Description string   `json:"description"`
	Functions   []string `json:"functions"`
}

type registryResponse struct {
	Services    map[string]registryEntry `json:"services"`
	LastUpdated string                   `json:"last_updated"`
}

// Lookup resolves the first matching candidate service name to its URL.
// Candidate names are matched case-insensitively against the registry's
// service map. Entries with an empty URL are rejected and logged.
func (c *Client) Lookup(ctx context.Context, candidates []string, tag string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()

	body, ok := c.get(ctx, c.cfg.RegistryURL+"/registry", tag)
	if !ok {
		return "", false
	}

	var reg registryResponse
	if err := json.Unmarshal(body, &reg); err != nil || reg.Services == nil {
		c.logShape(tag, "registry response missing services map", body, err)
		return "", false
	}

	for _, cand := range candidates {
		for name, entry := range reg.Services {
			if !strings.EqualFold(name, cand) {
				continue
			}
			if entry.URL == "" {
				c.logger.Warn("registry entry has empty url, rejecting",
					"service", name, "context", tag)
				continue
			}
			return entry.URL, true
		}
	}
	return "", false
}

// ConsciousnessState fetches the consciousness service's current state.
func (c *Client) ConsciousnessState(ctx context.Context) (map[string]any, bool) {
	base, ok := c.resolve(ctx, c.cfg.ConsciousnessURL,
		[]string{"consciousness", "consciousness-engine"}, "consciousness_state")
	if !ok {
		return nil, false
	}
	return c.getJSON(ctx, base+"/state", stateTimeout, "consciousness_state")
}

// MarketEmotions fetches the consciousness service's market-emotion read.
func (c *Client) MarketEmotions(ctx context.Context) (map[string]any, bool) {
	base, ok := c.resolve(ctx, c.cfg.ConsciousnessURL,
		[]string{"consciousness", "consciousness-engine"}, "market_emotions")
	if !ok {
		return nil, false
	}
	return c.getJSON(ctx, base+"/emotions", stateTimeout, "market_emotions")
}

// MarketAnalysis fetches an analysis record for a token.
func (c *Client) MarketAnalysis(ctx context.Context, token string) (map[string]any, bool) {
	base, ok := c.resolve(ctx, c.cfg.MarketAnalyzerURL,
		[]string{"market-analyzer", "market_analyzer", "analyzer"}, "market_analysis")
	if !ok {
		return nil, false
	}
	return c.getJSON(ctx, base+"/analysis/"+token, defaultTimeout, "market_analysis")
}

// Reasoning submits a prompt to the reasoning service.
func (c *Client) Reasoning(ctx context.Context, prompt, taskType string, complexity float64) (map[string]any, bool) {
	base, ok := c.resolve(ctx, c.cfg.ReasoningURL,
		[]string{"reasoning", "reasoning-engine"}, "reasoning")
	if !ok {
		return nil, false
	}
	payload := map[string]any{
		"prompt":     prompt,
		"task_type":  taskType,
		"complexity": complexity,
	}
	return c.postJSON(ctx, base+"/reason", payload, reasoningTimeout, "reasoning")
}

// SpecialistStrategy asks the specialist service to generate a strategy.
func (c *Client) SpecialistStrategy(ctx context.Context, token string, analysis map[string]any, riskProfile string) (map[string]any, bool) {
	base, ok := c.resolve(ctx, c.cfg.SpecialistURL,
		[]string{"specialist", "strategy-specialist"}, "specialist_strategy")
	if !ok {
		return nil, false
	}
	payload := map[string]any{
		"token":        token,
		"analysis":     analysis,
		"risk_profile": riskProfile,
	}
	return c.postJSON(ctx, base+"/generate-strategy", payload, defaultTimeout, "specialist_strategy")
}

// PortfolioOptimization asks the portfolio service for an allocation.
func (c *Client) PortfolioOptimization(ctx context.Context, token, riskProfile string, conditions map[string]any) (map[string]any, bool) {
	base, ok := c.resolve(ctx, c.cfg.PortfolioURL,
		[]string{"portfolio", "portfolio-optimizer"}, "portfolio_optimization")
	if !ok {
		return nil, false
	}
	payload := map[string]any{
		"current_token":     token,
		"risk_profile":      riskProfile,
		"market_conditions": conditions,
	}
	return c.postJSON(ctx, base+"/optimize-portfolio", payload, defaultTimeout, "portfolio_optimization")
}

// resolve returns a configured base URL, or falls back to registry lookup.
func (c *Client) resolve(ctx context.Context, configured string, candidates []string, tag string) (string, bool) {
	if configured != "" {
		return configured, true
	}
	return c.Lookup(ctx, candidates, tag)
}

func (c *Client) getJSON(ctx context.Context, url string, timeout time.Duration, tag string) (map[string]any, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, ok := c.get(ctx, url, tag)
	if !ok {
		return nil, false
	}
	return c.decode(body, tag)
}

func (c *Client) postJSON(ctx context.Context, url string, payload map[string]any, timeout time.Duration, tag string) (map[string]any, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("marshal request failed", "context", tag, "error", err)
		return nil, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		c.logger.Warn("create request failed", "context", tag, "error", err)
		return nil, false
	}
	req.Header.Set("Content-Type", "application/json")

	body, ok := c.do(req, tag)
	if !ok {
		return nil, false
	}
	return c.decode(body, tag)
}

func (c *Client) get(ctx context.Context, url, tag string) ([]byte, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.logger.Warn("create request failed", "context", tag, "error", err)
		return nil, false
	}
	return c.do(req, tag)
}

func (c *Client) do(req *http.Request, tag string) ([]byte, bool) {
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("mcp call failed (non-fatal)", "context", tag, "url", req.URL.String(), "error", err)
		return nil, false
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn("read response failed", "context", tag, "error", err)
		return nil, false
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("mcp call returned non-200 (non-fatal)",
			"context", tag, "status", resp.StatusCode, "body", truncate(body))
		return nil, false
	}
	return body, true
}

func (c *Client) decode(body []byte, tag string) (map[string]any, bool) {
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		c.logShape(tag, "response is not a JSON object", body, err)
		return nil, false
	}
	return out, true
}

func (c *Client) logShape(tag, msg string, body []byte, err error) {
	attrs := []any{"context", tag, "body", truncate(body)}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	c.logger.Warn(fmt.Sprintf("shape error: %s", msg), attrs...)
}

func truncate(body []byte) string {
	if len(body) > shapeLogBytes {
		return string(body[:shapeLogBytes])
	}
	return string(body)
}
