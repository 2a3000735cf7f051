package runtime

import (
	"context"

	"github.com/warriorguo/llmflow/types"
)

var (
	_ types.Context = &runCtx{}
)

// runCtx carries the run id alongside the cancellation context.
type runCtx struct {
	context.Context

	runID string
}

func newRunCtx(ctx context.Context, runID string) *runCtx {
	return &runCtx{Context: ctx, runID: runID}
}

func (c *runCtx) GetRunID() string {
	return c.runID
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota + 1
	outcomeFailed
	outcomeCancelled
)

/**
 * stepOutcome is what a step worker hands back to the driver. Workers
 * never touch runState directly; the driver applies outcomes, which
 * keeps the hot path free of shared mutable state.
 */
type stepOutcome struct {
	kind outcomeKind

	output           string
	model            string
	tokensPrompt     int
	tokensCompletion int
	cost             float64
	latencyMs        int64

	attempts int
	errKind  types.ErrorKind
	err      error

	// set when a fallback ran after the original exhausted its
	// attempts, regardless of how the fallback ended
	fallback *stepOutcome
}

func (o *stepOutcome) completed() bool {
	if o.kind == outcomeCompleted {
		return true
	}
	return o.fallback != nil && o.fallback.kind == outcomeCompleted
}

// finalOutput returns the text the downstream steps consume: the
// original's on success, otherwise the fallback's.
func (o *stepOutcome) finalOutput() string {
	if o.kind == outcomeCompleted {
		return o.output
	}
	if o.fallback != nil && o.fallback.kind == outcomeCompleted {
		return o.fallback.output
	}
	return ""
}

// edgeState tracks how one dependency edge resolved for its target.
type edgeState int

const (
	edgePending edgeState = iota
	edgeSatisfied
	// edgeRejectedFailure: the source terminally failed or was skipped
	edgeRejectedFailure
	// edgeRejectedCondition: the source completed but the branch
	// condition did not select this edge
	edgeRejectedCondition
)

// stepState is the driver-owned per-node record of one run. input is
// written once by the step's own goroutine before the group barrier
// and read by the driver after it.
type stepState struct {
	status   types.StepStatus
	input    string
	output   string
	record   *types.StepRecord
	fallback *types.StepRecord
}

type runState struct {
	steps map[string]*stepState
	// edges keyed by source then target
	edges map[string]map[string]edgeState
}

func newRunState(graph *types.Graph) *runState {
	rs := &runState{
		steps: make(map[string]*stepState, len(graph.Nodes)),
		edges: make(map[string]map[string]edgeState),
	}
	for _, n := range graph.Nodes {
		rs.steps[n.ID] = &stepState{status: types.StepPending}
	}
	for _, e := range graph.Edges {
		if rs.edges[e.Source] == nil {
			rs.edges[e.Source] = make(map[string]edgeState)
		}
		rs.edges[e.Source][e.Target] = edgePending
	}
	return rs
}
