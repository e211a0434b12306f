package core

import (
	"context"
	"fmt"

	"github.com/clawinfra/arbnet/internal/arbitrage"
	"github.com/clawinfra/arbnet/internal/pipeline"
	"github.com/clawinfra/arbnet/internal/types"
)

// directExecutor feeds the pipeline's execution stage with the
// service's basic path, so the AI engine never recurses into itself.
type directExecutor struct {
	svc *arbitrage.Service
}

func (d *directExecutor) ExecuteArbitrage(ctx context.Context, op types.Opportunity, amount float64) (*types.ExecutionResult, error) {
	return d.svc.ExecuteDirect(ctx, op, amount)
}

// pipelineEngine is the AI engine the service delegates to: it runs the
// full stage walk and surfaces the execution result annotated with the
// decision.
type pipelineEngine struct {
	pipe *pipeline.Pipeline
}

func (e *pipelineEngine) Execute(ctx context.Context, op types.Opportunity, amount float64) (*types.ExecutionResult, error) {
	rec := e.pipe.Run(ctx, op)
	if rec.Error != "" {
		return nil, fmt.Errorf("pipeline: %s", rec.Error)
	}

	if rec.ExecutionResult != nil {
		result := *rec.ExecutionResult
		if result.AIFields == nil {
			result.AIFields = make(map[string]any)
		}
		if rec.Decision != nil {
			result.AIFields["decision"] = rec.Decision.Type
			result.AIFields["decision_score"] = rec.Decision.Score
		}
		result.AIFields["consciousness_score"] = rec.ConsciousnessScore
		return &result, nil
	}

	// The pipeline decided against executing: report a clean non-fill.
	result := &types.ExecutionResult{
		Success:  false,
		AIFields: map[string]any{"consciousness_score": rec.ConsciousnessScore},
	}
	if rec.Decision != nil {
		result.Error = fmt.Sprintf("decision was %s, not execute", rec.Decision.Type)
		result.AIFields["decision"] = rec.Decision.Type
		result.AIFields["decision_score"] = rec.Decision.Score
	}
	return result, nil
}
