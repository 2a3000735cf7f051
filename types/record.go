package types

import (
	"encoding/json"
	"time"
)

// WorkflowRecord is the stored workflow definition.
type WorkflowRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Graph       Graph     `json:"graph"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ExecutionRecord is the persisted state of one run. GraphSnapshot keeps
// the graph as it was at submit time so later workflow edits cannot
// change what a finished run reports.
type ExecutionRecord struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	Status        RunStatus       `json:"status"`
	GraphSnapshot Graph           `json:"graph_snapshot"`
	Budget        *Budget         `json:"budget,omitempty"`
	Totals        Totals          `json:"totals"`
	EstimatedCost float64         `json:"estimated_cost,omitempty"`
	ExecutionPlan json.RawMessage `json:"execution_plan,omitempty"`
	Error         string          `json:"error,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// StepRecord is the persisted state of one node execution. A fallback
// run is a separate record with IsFallback set and FallbackFor naming
// the node it substituted for.
type StepRecord struct {
	ID               string     `json:"id"`
	ExecutionID      string     `json:"execution_id"`
	NodeID           string     `json:"node_id"`
	Name             string     `json:"name"`
	Status           StepStatus `json:"status"`
	Input            Data       `json:"input,omitempty"`
	Output           Data       `json:"output,omitempty"`
	Provider         string     `json:"provider,omitempty"`
	Model            string     `json:"model,omitempty"`
	TokensPrompt     int        `json:"tokens_prompt"`
	TokensCompletion int        `json:"tokens_completion"`
	Cost             float64    `json:"cost"`
	LatencyMs        int64      `json:"latency_ms,omitempty"`
	Retries          int        `json:"retries"`
	IsFallback       bool       `json:"is_fallback,omitempty"`
	FallbackFor      string     `json:"fallback_for,omitempty"`
	Error            string     `json:"error,omitempty"`
	ExecutionOrder   int        `json:"execution_order"`
	ParallelGroup    int        `json:"parallel_group"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}
