package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/clawinfra/arbnet/internal/types"
)

// AIClient is the slice of the MCP layer the pipeline consumes. Absent
// results trigger local fallbacks; the pipeline never fails on them.
type AIClient interface {
	ConsciousnessState(ctx context.Context) (map[string]any, bool)
	MarketAnalysis(ctx context.Context, token string) (map[string]any, bool)
}

// Scoring weights and thresholds for the decision stage.
const (
	weightConsciousness = 0.3
	weightConfidence    = 0.4
	weightProfit        = 0.3

	profitNormUSD = 100.0 // net profit mapping to full score

	fallbackConsciousness = 0.5

	confidenceFloor = 0.10
	confidenceCeil  = 0.95
)

// runConsciousness derives a bounded awareness scalar from the
// consciousness service. Fallback score 0.5 on any failure.
func (p *Pipeline) runConsciousness(ctx context.Context, rec *Record) error {
	state, ok := p.ai.ConsciousnessState(ctx)
	if !ok {
		rec.ConsciousnessScore = fallbackConsciousness
		rec.Metadata["consciousness_reasoning"] = "service absent, neutral fallback"
		return nil
	}

	score := fallbackConsciousness
	if v, ok := toFloat(state["awareness"]); ok {
		score = v
	} else if v, ok := toFloat(state["consciousness_level"]); ok {
		score = v
	}
	rec.ConsciousnessScore = clamp(score, 0, 1)
	if reasoning, ok := state["reasoning"].(string); ok {
		rec.Metadata["consciousness_reasoning"] = reasoning
	} else {
		rec.Metadata["consciousness_reasoning"] = "derived from consciousness state"
	}
	return nil
}

// runAnalysis produces the market analysis map. The confidence score is
// always computed locally from profit, sentiment, and risk so a remote
// service cannot push it out of bounds.
func (p *Pipeline) runAnalysis(ctx context.Context, rec *Record) error {
	op := rec.Opportunity

	sentiment := "neutral"
	riskAssessment := "unknown"
	remote, ok := p.ai.MarketAnalysis(ctx, op.TokenPair)
	if ok {
		if s, ok := remote["market_sentiment"].(string); ok {
			sentiment = s
		}
		if ra, ok := remote["risk_assessment"].(string); ok {
			riskAssessment = ra
		}
	}

	confidence := 0.5
	if ok {
		profitFactor := math.Min(op.NetProfitUSD/50.0, 1.0)
		sentimentFactor := 0.5
		if sentiment == "bullish" {
			sentimentFactor = 0.8
		}
		riskFactor := 1.0 - op.RiskScore
		confidence = clamp((profitFactor+sentimentFactor+riskFactor)/3.0, confidenceFloor, confidenceCeil)
	}

	recommendation := RecommendHold
	switch {
	case !ok:
		// neutral fallback: hold at 0.5
	case confidence >= 0.8 && op.NetProfitUSD > 0:
		recommendation = RecommendStrongBuy
	case confidence >= 0.6 && op.NetProfitUSD > 0:
		recommendation = RecommendBuy
	case op.RiskScore > 0.7 || op.NetProfitUSD <= 0:
		recommendation = RecommendAvoid
	}

	rec.AIAnalysis = map[string]any{
		"market_sentiment": sentiment,
		"risk_assessment":  riskAssessment,
		"confidence_score": confidence,
		"recommendation":   recommendation,
	}
	return nil
}

// runDecision computes the weighted decision score and resolves the
// decision type. Normative rule: execute above 0.7 strictly, optimize in
// (0.5, 0.7], hold otherwise.
func (p *Pipeline) runDecision(_ context.Context, rec *Record) error {
	op := rec.Opportunity
	confidence := rec.AnalysisConfidence()
	profitFactor := math.Min(op.NetProfitUSD/profitNormUSD, 1.0)

	score := weightConsciousness*rec.ConsciousnessScore +
		weightConfidence*confidence +
		weightProfit*profitFactor

	p.mu.Lock()
	executeAbove := p.executeThreshold
	optimizeAbove := p.optimizeThreshold
	p.mu.Unlock()

	var dtype, reasoning string
	switch {
	case score > executeAbove:
		dtype = DecisionExecute
		reasoning = fmt.Sprintf("score %.3f above execute threshold %.2f", score, executeAbove)
	case score > optimizeAbove:
		dtype = DecisionOptimize
		reasoning = fmt.Sprintf("score %.3f in optimize band (%.2f, %.2f]", score, optimizeAbove, executeAbove)
	default:
		dtype = DecisionHold
		reasoning = fmt.Sprintf("score %.3f at or below %.2f", score, optimizeAbove)
	}

	rec.Decision = &Decision{
		Type:      dtype,
		Score:     score,
		Reasoning: reasoning,
		Parameters: DecisionParams{
			PositionSize:      positionSize(score, op.RiskScore),
			SlippageTolerance: 0.005,
			TimeoutSecs:       60,
		},
	}
	return nil
}

// positionSize scales with score and shrinks with risk, bounded to [0.01, 1].
func positionSize(score, risk float64) float64 {
	return clamp(score*(1.0-risk), 0.01, 1.0)
}

// fallbackDecision is installed when the decision stage itself errors.
func fallbackDecision(err error) *Decision {
	return &Decision{
		Type:      DecisionHold,
		Score:     0,
		Reasoning: fmt.Sprintf("decision error, defaulting to hold: %v", err),
		Parameters: DecisionParams{
			SlippageTolerance: 0.005,
			TimeoutSecs:       60,
		},
	}
}

// runExecution dispatches execute decisions to the service. Non-execute
// decisions produce a noop result. Execution errors are captured in the
// result; the pipeline continues to learning either way.
func (p *Pipeline) runExecution(ctx context.Context, rec *Record) error {
	if rec.Decision == nil || rec.Decision.Type != DecisionExecute {
		rec.ExecutionResult = nil
		rec.Metadata["execution"] = "noop (decision not execute)"
		return nil
	}

	result, err := p.exec.ExecuteArbitrage(ctx, rec.Opportunity, rec.Opportunity.SuggestedAmount)
	if err != nil {
		rec.ExecutionResult = &types.ExecutionResult{
			Success: false,
			Error:   err.Error(),
		}
		return nil
	}
	rec.ExecutionResult = result
	return nil
}

// runLearning compares actual and expected profit and records how well
// each upstream signal predicted the outcome. Thresholds drift slightly
// toward outcomes: repeated failed executions raise the execute bar.
func (p *Pipeline) runLearning(_ context.Context, rec *Record) error {
	expected := rec.Opportunity.NetProfitUSD

	executed := rec.ExecutionResult != nil
	succeeded := executed && rec.ExecutionResult.Success

	accuracy := 0.5
	if executed && expected != 0 {
		actual := rec.ExecutionResult.ProfitUSD
		accuracy = clamp(1.0-math.Abs(actual-expected)/math.Abs(expected), 0, 1)
	}

	decisionQuality := 0.5
	if rec.Decision != nil {
		switch {
		case succeeded:
			decisionQuality = rec.Decision.Score
		case executed:
			decisionQuality = 1.0 - rec.Decision.Score
		}
	}

	consciousnessEffectiveness := 1.0 - math.Abs(rec.ConsciousnessScore-accuracy)

	rec.Metadata["learning"] = map[string]any{
		"accuracy":                    accuracy,
		"consciousness_effectiveness": consciousnessEffectiveness,
		"decision_quality":            decisionQuality,
		"execution_success":           succeeded,
	}

	if executed {
		p.mu.Lock()
		if succeeded {
			p.executeThreshold = math.Max(0.6, p.executeThreshold-0.005)
		} else {
			p.executeThreshold = math.Min(0.85, p.executeThreshold+0.01)
		}
		p.mu.Unlock()
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func toFloat(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}
