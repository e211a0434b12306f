package pipeline

import (
	"time"

	"github.com/clawinfra/arbnet/internal/types"
)

// Stage names the steps of the decision pipeline, in execution order.
type Stage string

const (
	StageConsciousness Stage = "CONSCIOUSNESS"
	StageAnalysis      Stage = "ANALYSIS"
	StageDecision      Stage = "DECISION"
	StageExecution     Stage = "EXECUTION"
	StageLearning      Stage = "LEARNING"
)

// Decision types, in rough order of aggressiveness.
const (
	DecisionExecute   = "execute"
	DecisionOptimize  = "optimize"
	DecisionScaleUp   = "scale_up"
	DecisionScaleDown = "scale_down"
	DecisionHold      = "hold"
	DecisionAbort     = "abort"
)

// Recommendation values produced by the analysis stage.
const (
	RecommendStrongBuy = "strong_buy"
	RecommendBuy       = "buy"
	RecommendHold      = "hold"
	RecommendAvoid     = "avoid"
)

// DecisionParams carries execution tuning chosen at decision time.
type DecisionParams struct {
	PositionSize      float64 `json:"position_size"`
	SlippageTolerance float64 `json:"slippage_tolerance"`
	TimeoutSecs       int     `json:"timeout"`
}

// Decision is the pipeline's verdict on one opportunity.
type Decision struct {
	Type       string         `json:"type"`
	Score      float64        `json:"score"`
	Reasoning  string         `json:"reasoning"`
	Parameters DecisionParams `json:"parameters"`
}

// Record is the mutable per-invocation state walked through the stages.
// It is created at pipeline entry and returned to the caller terminal.
type Record struct {
	Opportunity        types.Opportunity      `json:"opportunity"`
	Stage              Stage                  `json:"stage"`
	ConsciousnessScore float64                `json:"consciousness_score"`
	AIAnalysis         map[string]any         `json:"ai_analysis,omitempty"`
	Decision           *Decision              `json:"decision,omitempty"`
	ExecutionResult    *types.ExecutionResult `json:"execution_result,omitempty"`
	Metadata           map[string]any         `json:"metadata,omitempty"`
	Timings            map[Stage]time.Duration `json:"-"`
	Success            bool                   `json:"success"`
	Error              string                 `json:"error,omitempty"`
	StartedAt          time.Time              `json:"started_at"`
	CompletedAt        time.Time              `json:"completed_at"`

	// stageStarted is stamped by the runner before each stage so the
	// timing middleware can measure it.
	stageStarted time.Time
}

func newRecord(op types.Opportunity) *Record {
	return &Record{
		Opportunity: op,
		Metadata:    make(map[string]any),
		Timings:     make(map[Stage]time.Duration),
		StartedAt:   time.Now(),
	}
}

// AnalysisConfidence returns the confidence_score from the analysis map,
// or the neutral 0.5 when absent.
func (r *Record) AnalysisConfidence() float64 {
	if r.AIAnalysis == nil {
		return 0.5
	}
	if v, ok := r.AIAnalysis["confidence_score"].(float64); ok {
		return v
	}
	return 0.5
}
