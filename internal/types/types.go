// Package types provides shared types used across arbnet packages
// to avoid import cycles between the service, orchestrator, and hub.
package types

import (
	"errors"
	"fmt"
	"time"
)

// BotStatus is the lifecycle state of a registered bot.
type BotStatus string

const (
	StatusStopped  BotStatus = "stopped"
	StatusStarting BotStatus = "starting"
	StatusRunning  BotStatus = "running"
	StatusStopping BotStatus = "stopping"
	StatusError    BotStatus = "error"
)

// BotMode is the operational posture controlling automatic assignment.
type BotMode string

const (
	ModeAutonomous BotMode = "autonomous"
	ModeSupervised BotMode = "supervised"
	ModeManual     BotMode = "manual"
	ModeLearning   BotMode = "learning"
)

// ErrInvalidMode is returned for mode names outside the known set.
var ErrInvalidMode = errors.New("invalid bot mode")

// ParseMode returns the BotMode for a name.
func ParseMode(name string) (BotMode, error) {
	switch BotMode(name) {
	case ModeAutonomous, ModeSupervised, ModeManual, ModeLearning:
		return BotMode(name), nil
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidMode, name)
}

// Assignable reports whether a bot in this mode may receive automatic work.
func (m BotMode) Assignable() bool {
	return m == ModeAutonomous || m == ModeSupervised
}

// Opportunity is a candidate arbitrage trade. Immutable once accepted.
type Opportunity struct {
	ID              string    `json:"id"`
	TokenPair       string    `json:"token_pair"`
	SourceVenue     string    `json:"source_venue"`
	TargetVenue     string    `json:"target_venue"`
	SourceNetwork   string    `json:"source_network"`
	TargetNetwork   string    `json:"target_network"`
	PriceDiff       float64   `json:"price_diff"`
	GrossProfitUSD  float64   `json:"gross_profit_usd"`
	GasCostUSD      float64   `json:"gas_cost_usd"`
	NetProfitUSD    float64   `json:"net_profit_usd"`
	RiskScore       float64   `json:"risk_score"` // 0..1
	SuggestedAmount float64   `json:"suggested_amount,omitempty"`
	DiscoveredAt    time.Time `json:"discovered_at"`
}

// ExecutionResult is the outcome of executing one opportunity end-to-end.
type ExecutionResult struct {
	ExecutionID string         `json:"execution_id"`
	Success     bool           `json:"success"`
	ProfitUSD   float64        `json:"profit_usd"`
	GasCostUSD  float64        `json:"gas_cost_usd"`
	Networks    []string       `json:"networks,omitempty"`
	BotID       string         `json:"bot_id,omitempty"`
	Error       string         `json:"error,omitempty"`
	AIFields    map[string]any `json:"ai_fields,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	DurationMs  int64          `json:"duration_ms"`
}

// BotDescriptor tracks a registered bot's identity and state.
// The arbitrage service owns the descriptor map; the supervisor mutates
// only the descriptor whose id it holds.
type BotDescriptor struct {
	BotID              string     `json:"bot_id"`
	Name               string     `json:"name"`
	LaunchSpec         string     `json:"launch_spec"`
	Adapter            string     `json:"adapter,omitempty"` // "subprocess" (default) or "inprocess"
	Status             BotStatus  `json:"status"`
	Mode               BotMode    `json:"mode"`
	PID                int        `json:"pid,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	LastActivity       time.Time  `json:"last_activity"`
	OpportunitiesFound int64      `json:"opportunities_found"`
	TotalProfitUSD     float64    `json:"total_profit_usd"`
	ErrorMessage       string     `json:"error_message,omitempty"`
}

// Strategy describes a trading strategy from the catalog.
type Strategy struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description" yaml:"description"`
	RiskProfile  string   `json:"risk_profile" yaml:"risk_profile"` // conservative, moderate, aggressive
	Tokens       []string `json:"tokens" yaml:"tokens"`
	MinProfitUSD float64  `json:"min_profit_usd" yaml:"min_profit_usd"`
	MaxSlippage  float64  `json:"max_slippage" yaml:"max_slippage"`
}

// BotPerformance is rolling execution statistics for one bot.
type BotPerformance struct {
	BotID            string  `json:"bot_id"`
	TasksCompleted   int64   `json:"tasks_completed"`
	SuccessRate      float64 `json:"success_rate"`
	AvgExecutionSecs float64 `json:"avg_execution_secs"`
	ModeChanges      int64   `json:"mode_changes"`
}
