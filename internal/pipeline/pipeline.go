// Package pipeline walks each opportunity through a fixed ordered stage
// list (consciousness → analysis → decision → execution → learning) with
// middleware applied after every stage. Stage failures become recorded
// fallbacks; the pipeline never raises beyond its caller.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clawinfra/arbnet/internal/types"
)

// Executor is the execution path the pipeline dispatches to.
type Executor interface {
	ExecuteArbitrage(ctx context.Context, op types.Opportunity, amount float64) (*types.ExecutionResult, error)
}

// Middleware observes or annotates the record after a stage completes.
type Middleware func(rec *Record)

// Metrics is a snapshot of pipeline counters.
type Metrics struct {
	Processed     int64     `json:"processed"`
	Succeeded     int64     `json:"succeeded"`
	Failed        int64     `json:"failed"`
	SuccessRate   float64   `json:"success_rate"`
	AvgDurationMs float64   `json:"avg_duration_ms"`
	LastProcessed time.Time `json:"last_processed"`
}

type stageFunc struct {
	name Stage
	run  func(ctx context.Context, rec *Record) error
	// fallback repairs the record when run fails; nil means the error is
	// swallowed with no repair needed.
	fallback func(rec *Record, err error)
}

// Pipeline evaluates opportunities. Safe for concurrent Run calls.
type Pipeline struct {
	ai     AIClient
	exec   Executor
	logger *slog.Logger

	mu                sync.Mutex
	middlewares       []Middleware
	executeThreshold  float64
	optimizeThreshold float64
	metrics           Metrics
}

// New creates a pipeline with the default middlewares (stage-progress
// logging and per-stage timing) already registered.
func New(ai AIClient, exec Executor, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		ai:                ai,
		exec:              exec,
		logger:            logger.With("component", "pipeline"),
		executeThreshold:  0.7,
		optimizeThreshold: 0.5,
	}
	p.Use(p.recordTiming)
	p.Use(p.logProgress)
	return p
}

// Use registers a middleware. Middlewares run after every stage, in
// registration order.
func (p *Pipeline) Use(mw Middleware) {
	p.mu.Lock()
	p.middlewares = append(p.middlewares, mw)
	p.mu.Unlock()
}

// recordTiming is the default per-stage timing middleware. Registered
// first so later middlewares see the measurement.
func (p *Pipeline) recordTiming(rec *Record) {
	rec.Timings[rec.Stage] = time.Since(rec.stageStarted)
}

// logProgress is the default stage-progress middleware.
func (p *Pipeline) logProgress(rec *Record) {
	p.logger.Debug("stage complete",
		"stage", rec.Stage,
		"opportunity", rec.Opportunity.ID,
		"elapsed", rec.Timings[rec.Stage],
	)
}

// Run walks the opportunity through all stages in order and returns the
// terminal record. The record's Stage is LEARNING on a full walk; an
// internal fault sets Error instead.
func (p *Pipeline) Run(ctx context.Context, op types.Opportunity) *Record {
	rec := newRecord(op)

	stages := []stageFunc{
		{StageConsciousness, p.runConsciousness, func(r *Record, _ error) {
			r.ConsciousnessScore = fallbackConsciousness
		}},
		{StageAnalysis, p.runAnalysis, func(r *Record, _ error) {
			r.AIAnalysis = map[string]any{
				"market_sentiment": "neutral",
				"risk_assessment":  "unknown",
				"confidence_score": 0.5,
				"recommendation":   RecommendHold,
			}
		}},
		{StageDecision, p.runDecision, func(r *Record, err error) {
			r.Decision = fallbackDecision(err)
		}},
		{StageExecution, p.runExecution, func(r *Record, err error) {
			r.ExecutionResult = &types.ExecutionResult{Success: false, Error: err.Error()}
		}},
		{StageLearning, p.runLearning, nil},
	}

	for _, st := range stages {
		rec.Stage = st.name
		rec.stageStarted = time.Now()

		if err := p.runStage(ctx, st, rec); err != nil {
			p.logger.Warn("stage failed, applying fallback (non-fatal)",
				"stage", st.name,
				"opportunity", op.ID,
				"error", err,
			)
			if st.fallback != nil {
				st.fallback(rec, err)
			}
		}

		p.applyMiddlewares(rec)
	}

	rec.CompletedAt = time.Now()
	rec.Success = rec.Error == ""
	if rec.ExecutionResult != nil && !rec.ExecutionResult.Success && rec.ExecutionResult.Error != "" {
		// An execution failure is recorded but does not make the walk itself a failure.
		rec.Metadata["execution_error"] = rec.ExecutionResult.Error
	}

	p.recordMetrics(rec)
	return rec
}

// runStage executes one stage, converting a panic into an error.
func (p *Pipeline) runStage(ctx context.Context, st stageFunc, rec *Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", st.name, r)
		}
	}()
	return st.run(ctx, rec)
}

func (p *Pipeline) applyMiddlewares(rec *Record) {
	p.mu.Lock()
	mws := make([]Middleware, len(p.middlewares))
	copy(mws, p.middlewares)
	p.mu.Unlock()

	for _, mw := range mws {
		mw(rec)
	}
}

func (p *Pipeline) recordMetrics(rec *Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.Processed++
	executedOK := rec.Success && (rec.ExecutionResult == nil || rec.ExecutionResult.Success)
	if executedOK {
		p.metrics.Succeeded++
	} else {
		p.metrics.Failed++
	}
	n := float64(p.metrics.Processed)
	dur := float64(rec.CompletedAt.Sub(rec.StartedAt).Milliseconds())
	p.metrics.AvgDurationMs = p.metrics.AvgDurationMs*(n-1)/n + dur/n
	p.metrics.SuccessRate = float64(p.metrics.Succeeded) / n
	p.metrics.LastProcessed = rec.CompletedAt
}

// GetMetrics returns a snapshot of the pipeline counters.
func (p *Pipeline) GetMetrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// ExecuteThreshold returns the current adaptive execute threshold.
func (p *Pipeline) ExecuteThreshold() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executeThreshold
}
