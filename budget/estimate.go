package budget

import (
	"github.com/warriorguo/llmflow/planner"
	"github.com/warriorguo/llmflow/pricing"
	"github.com/warriorguo/llmflow/types"
)

const (
	// avgOutputRatio is the 60% rule: a dependency is assumed to spend
	// about 60% of its max_tokens on the text handed downstream.
	avgOutputRatio = 0.6
	// framingOverheadPerDep covers the labels wrapped around each
	// dependency output in the assembled prompt.
	framingOverheadPerDep = 50
	// baseInputEstimate stands in for the user input on root nodes.
	baseInputEstimate = 200

	defaultMaxTokens = 1000
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// StepEstimate is the static cost projection of one agent step.
type StepEstimate struct {
	NodeID           string  `json:"node_id"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	TokensPrompt     int     `json:"tokens_prompt"`
	TokensCompletion int     `json:"tokens_completion"`
	Cost             float64 `json:"cost"`
}

type CostEstimate struct {
	Total      float64        `json:"total"`
	Steps      []StepEstimate `json:"steps"`
	Confidence Confidence     `json:"confidence"`
}

// Estimator projects the cost of a plan before the run starts. The
// tokenizer refines system-prompt counting; everything else is the
// fixed heuristic above, so estimates stay reproducible.
type Estimator struct {
	prices    *pricing.Table
	tokenizer Tokenizer
}

func NewEstimator(prices *pricing.Table, tokenizer Tokenizer) *Estimator {
	if tokenizer == nil {
		tokenizer = HeuristicCounter{}
	}
	return &Estimator{prices: prices, tokenizer: tokenizer}
}

func (e *Estimator) Estimate(plan *planner.ExecutionPlan, graph *types.Graph) *CostEstimate {
	steps := make([]StepEstimate, 0, plan.TotalSteps)
	total := 0.0

	plan.Walk(func(s planner.PlannedStep) bool {
		if s.Node.Agent == nil {
			// tool and conditional nodes spend no tokens
			return true
		}
		cfg := s.Node.Agent

		prompt := e.tokenizer.Count(cfg.SystemPrompt)
		if len(s.DependsOn) > 0 {
			for _, depID := range s.DependsOn {
				prompt += int(float64(maxTokensOf(plan, depID)) * avgOutputRatio)
			}
			prompt += framingOverheadPerDep * len(s.DependsOn)
		} else {
			prompt += baseInputEstimate
		}

		completion := cfg.MaxTokens
		if completion <= 0 {
			completion = defaultMaxTokens
		}

		cost := e.prices.Cost(cfg.Provider, cfg.Model, prompt, completion)
		steps = append(steps, StepEstimate{
			NodeID:           s.NodeID,
			Provider:         cfg.Provider,
			Model:            cfg.Model,
			TokensPrompt:     prompt,
			TokensCompletion: completion,
			Cost:             cost,
		})
		total += cost
		return true
	})

	return &CostEstimate{
		Total:      pricing.Round6(total),
		Steps:      steps,
		Confidence: confidenceOf(plan, graph),
	}
}

func maxTokensOf(plan *planner.ExecutionPlan, nodeID string) int {
	if s, ok := plan.Step(nodeID); ok && s.Node.Agent != nil && s.Node.Agent.MaxTokens > 0 {
		return s.Node.Agent.MaxTokens
	}
	return defaultMaxTokens
}

/**
 * confidenceOf grades how tight the projection is. Conditionals make
 * whole branches unpredictable and very large completions dominate the
 * error, so either pushes to low. Small bounded workflows with short
 * prompts grade high; everything else medium.
 */
func confidenceOf(plan *planner.ExecutionPlan, graph *types.Graph) Confidence {
	conditional := false
	for _, n := range graph.Nodes {
		if n.Kind == types.KindConditional {
			conditional = true
			break
		}
	}
	if !conditional {
		for _, e := range graph.Edges {
			if e.Condition != "" {
				conditional = true
				break
			}
		}
	}

	allSmall, allShortPrompts := true, true
	large := false
	plan.Walk(func(s planner.PlannedStep) bool {
		if s.Node.Agent == nil {
			return true
		}
		mt := s.Node.Agent.MaxTokens
		if mt <= 0 {
			mt = defaultMaxTokens
		}
		if mt > 4096 {
			large = true
		}
		if mt > 1024 {
			allSmall = false
		}
		if len(s.Node.Agent.SystemPrompt) > 512 {
			allShortPrompts = false
		}
		return true
	})

	switch {
	case conditional || large:
		return ConfidenceLow
	case allSmall && allShortPrompts:
		return ConfidenceHigh
	}
	return ConfidenceMedium
}
