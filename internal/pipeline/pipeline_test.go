package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/clawinfra/arbnet/internal/types"
)

// stubAI returns canned consciousness/analysis records, or absent when nil.
type stubAI struct {
	state    map[string]any
	analysis map[string]any
}

func (s *stubAI) ConsciousnessState(context.Context) (map[string]any, bool) {
	return s.state, s.state != nil
}

func (s *stubAI) MarketAnalysis(context.Context, string) (map[string]any, bool) {
	return s.analysis, s.analysis != nil
}

// stubExec records execute calls and returns a configurable result.
type stubExec struct {
	mu     sync.Mutex
	calls  int
	result *types.ExecutionResult
	err    error
}

func (s *stubExec) ExecuteArbitrage(_ context.Context, op types.Opportunity, _ float64) (*types.ExecutionResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &types.ExecutionResult{Success: true, ProfitUSD: op.NetProfitUSD}, nil
}

func (s *stubExec) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func goodOp() types.Opportunity {
	return types.Opportunity{
		ID:           "op-1",
		TokenPair:    "ETH/USDC",
		SourceVenue:  "uniswap",
		TargetVenue:  "sushiswap",
		NetProfitUSD: 75,
		GasCostUSD:   8,
		RiskScore:    0.2,
	}
}

func TestHappyPathExecutes(t *testing.T) {
	ai := &stubAI{
		state:    map[string]any{"awareness": 0.8},
		analysis: map[string]any{"market_sentiment": "bullish", "risk_assessment": "low"},
	}
	exec := &stubExec{}
	p := New(ai, exec, nil)

	rec := p.Run(context.Background(), goodOp())

	if rec.Stage != StageLearning {
		t.Errorf("terminal stage = %s, want LEARNING", rec.Stage)
	}
	if rec.ConsciousnessScore != 0.8 {
		t.Errorf("consciousness = %v, want 0.8", rec.ConsciousnessScore)
	}

	// confidence = mean(min(75/50,1)=1, 0.8 bullish, 1-0.2=0.8) = 0.8667
	wantConf := (1.0 + 0.8 + 0.8) / 3.0
	if got := rec.AnalysisConfidence(); math.Abs(got-wantConf) > 1e-9 {
		t.Errorf("confidence = %v, want %v", got, wantConf)
	}

	// score = 0.3*0.8 + 0.4*conf + 0.3*min(75/100,1)
	wantScore := 0.3*0.8 + 0.4*wantConf + 0.3*0.75
	if rec.Decision == nil {
		t.Fatal("decision missing")
	}
	if math.Abs(rec.Decision.Score-wantScore) > 1e-9 {
		t.Errorf("score = %v, want %v", rec.Decision.Score, wantScore)
	}
	if rec.Decision.Type != DecisionExecute {
		t.Errorf("decision = %s, want execute", rec.Decision.Type)
	}
	if exec.callCount() != 1 {
		t.Errorf("executor called %d times, want 1", exec.callCount())
	}
	if rec.ExecutionResult == nil || !rec.ExecutionResult.Success {
		t.Errorf("execution result = %+v, want success", rec.ExecutionResult)
	}
	if !rec.Success {
		t.Error("record should be terminal success")
	}
}

func TestFallbackOnAbsentServices(t *testing.T) {
	ai := &stubAI{} // everything absent
	exec := &stubExec{}
	p := New(ai, exec, nil)

	op := goodOp()
	op.NetProfitUSD = 40
	rec := p.Run(context.Background(), op)

	if rec.ConsciousnessScore != 0.5 {
		t.Errorf("fallback consciousness = %v, want 0.5", rec.ConsciousnessScore)
	}
	if got := rec.AnalysisConfidence(); got != 0.5 {
		t.Errorf("fallback confidence = %v, want 0.5", got)
	}
	if rec.AIAnalysis["recommendation"] != RecommendHold {
		t.Errorf("fallback recommendation = %v, want hold", rec.AIAnalysis["recommendation"])
	}

	// score = 0.15 + 0.2 + 0.3*0.4 = 0.47 → hold
	if rec.Decision.Type != DecisionHold {
		t.Errorf("decision = %s, want hold", rec.Decision.Type)
	}
	if exec.callCount() != 0 {
		t.Errorf("executor called %d times for a hold, want 0", exec.callCount())
	}
	if rec.ExecutionResult != nil {
		t.Errorf("noop execution should leave result nil, got %+v", rec.ExecutionResult)
	}
}

func TestDecisionBoundaryExactly07IsOptimize(t *testing.T) {
	p := New(&stubAI{}, &stubExec{}, nil)

	rec := newRecord(types.Opportunity{NetProfitUSD: 100}) // profit factor 1.0
	rec.ConsciousnessScore = 1.0
	rec.AIAnalysis = map[string]any{"confidence_score": 0.25}

	// score = 0.3*1.0 + 0.4*0.25 + 0.3*1.0 = 0.7 exactly
	if err := p.runDecision(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if math.Abs(rec.Decision.Score-0.7) > 1e-12 {
		t.Fatalf("score = %v, want exactly 0.7", rec.Decision.Score)
	}
	if rec.Decision.Type != DecisionOptimize {
		t.Errorf("decision at exactly 0.7 = %s, want optimize (strict > for execute)", rec.Decision.Type)
	}
}

func TestOptimizeBand(t *testing.T) {
	p := New(&stubAI{}, &stubExec{}, nil)

	rec := newRecord(types.Opportunity{NetProfitUSD: 60})
	rec.ConsciousnessScore = 0.5
	rec.AIAnalysis = map[string]any{"confidence_score": 0.6}

	// score = 0.15 + 0.24 + 0.18 = 0.57 → optimize
	if err := p.runDecision(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if rec.Decision.Type != DecisionOptimize {
		t.Errorf("decision = %s, want optimize", rec.Decision.Type)
	}
}

func TestExecutionErrorIsCapturedNotRaised(t *testing.T) {
	ai := &stubAI{
		state:    map[string]any{"awareness": 0.9},
		analysis: map[string]any{"market_sentiment": "bullish"},
	}
	exec := &stubExec{err: errors.New("venue offline")}
	p := New(ai, exec, nil)

	rec := p.Run(context.Background(), goodOp())

	if rec.Stage != StageLearning {
		t.Errorf("pipeline should continue past execution failure, stage = %s", rec.Stage)
	}
	if rec.ExecutionResult == nil || rec.ExecutionResult.Success {
		t.Fatalf("execution result = %+v, want captured failure", rec.ExecutionResult)
	}
	if rec.ExecutionResult.Error != "venue offline" {
		t.Errorf("error = %q", rec.ExecutionResult.Error)
	}
}

func TestLearningMetadata(t *testing.T) {
	ai := &stubAI{
		state:    map[string]any{"awareness": 0.8},
		analysis: map[string]any{"market_sentiment": "bullish"},
	}
	exec := &stubExec{result: &types.ExecutionResult{Success: true, ProfitUSD: 75}}
	p := New(ai, exec, nil)

	rec := p.Run(context.Background(), goodOp())

	learning, ok := rec.Metadata["learning"].(map[string]any)
	if !ok {
		t.Fatalf("learning metadata missing: %v", rec.Metadata)
	}
	for _, key := range []string{"accuracy", "consciousness_effectiveness", "decision_quality", "execution_success"} {
		if _, ok := learning[key]; !ok {
			t.Errorf("learning metadata missing %q", key)
		}
	}
	if learning["execution_success"] != true {
		t.Error("execution_success should be true")
	}
	// Actual matched expected exactly.
	if acc := learning["accuracy"].(float64); acc != 1.0 {
		t.Errorf("accuracy = %v, want 1.0", acc)
	}
}

func TestMiddlewareRunsAfterEveryStage(t *testing.T) {
	p := New(&stubAI{}, &stubExec{}, nil)

	var mu sync.Mutex
	var seen []Stage
	p.Use(func(rec *Record) {
		mu.Lock()
		seen = append(seen, rec.Stage)
		mu.Unlock()
	})

	p.Run(context.Background(), goodOp())

	want := []Stage{StageConsciousness, StageAnalysis, StageDecision, StageExecution, StageLearning}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("middleware ran %d times, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("middleware order[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestPerStageTimingsRecorded(t *testing.T) {
	p := New(&stubAI{}, &stubExec{}, nil)

	// The default timing middleware runs first, so later middlewares
	// observe the measurement for the stage that just finished.
	var mu sync.Mutex
	sawTiming := make(map[Stage]bool)
	p.Use(func(rec *Record) {
		mu.Lock()
		_, sawTiming[rec.Stage] = rec.Timings[rec.Stage]
		mu.Unlock()
	})

	rec := p.Run(context.Background(), goodOp())

	mu.Lock()
	defer mu.Unlock()
	for _, st := range []Stage{StageConsciousness, StageAnalysis, StageDecision, StageExecution, StageLearning} {
		if _, ok := rec.Timings[st]; !ok {
			t.Errorf("timing missing for stage %s", st)
		}
		if !sawTiming[st] {
			t.Errorf("timing for stage %s not visible to later middleware", st)
		}
	}
}

func TestMetrics(t *testing.T) {
	ai := &stubAI{
		state:    map[string]any{"awareness": 0.9},
		analysis: map[string]any{"market_sentiment": "bullish"},
	}
	exec := &stubExec{}
	p := New(ai, exec, nil)

	p.Run(context.Background(), goodOp())
	exec.err = errors.New("down")
	p.Run(context.Background(), goodOp())

	m := p.GetMetrics()
	if m.Processed != 2 {
		t.Errorf("processed = %d, want 2", m.Processed)
	}
	if m.Succeeded != 1 || m.Failed != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 1/1", m.Succeeded, m.Failed)
	}
	if m.SuccessRate != 0.5 {
		t.Errorf("success rate = %v, want 0.5", m.SuccessRate)
	}
	if m.LastProcessed.IsZero() {
		t.Error("last processed timestamp missing")
	}
}

func TestThresholdAdaptsOnFailedExecutions(t *testing.T) {
	ai := &stubAI{
		state:    map[string]any{"awareness": 0.9},
		analysis: map[string]any{"market_sentiment": "bullish"},
	}
	exec := &stubExec{result: &types.ExecutionResult{Success: false, Error: "reverted"}}
	p := New(ai, exec, nil)

	before := p.ExecuteThreshold()
	p.Run(context.Background(), goodOp())
	after := p.ExecuteThreshold()

	if after <= before {
		t.Errorf("execute threshold should rise after failed execution: %v → %v", before, after)
	}
}
