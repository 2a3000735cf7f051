package planner

import (
	"sort"

	"github.com/warriorguo/llmflow/types"
	"github.com/warriorguo/llmflow/utils"
)

/**
 * ExecutionPlan is the storeable output of Plan. Groups are emitted in
 * ascending index and steps inside a group in ascending node id, so the
 * JSON form is byte-stable for identical inputs and persisted plans can
 * be diffed.
 */
type ExecutionPlan struct {
	Groups []Group `json:"groups"`

	TotalSteps      int `json:"total_steps"`
	MaxParallelism  int `json:"max_parallelism"`
	EstimatedRounds int `json:"estimated_rounds"`
}

// Group is one scheduling round: mutually independent nodes whose
// dependencies all live in earlier groups.
type Group struct {
	Index int           `json:"index"`
	Steps []PlannedStep `json:"steps"`
}

// PlannedStep carries the resolved node configuration plus its
// precomputed dependency list, sorted ascending.
type PlannedStep struct {
	NodeID    string     `json:"node_id"`
	Node      types.Node `json:"node"`
	DependsOn []string   `json:"depends_on,omitempty"`
	Group     int        `json:"group"`
}

func (p *ExecutionPlan) Marshal() ([]byte, error) {
	return utils.Serialize(p)
}

func UnmarshalPlan(b []byte) (*ExecutionPlan, error) {
	p := &ExecutionPlan{}
	if err := utils.Unserialize(b, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Step returns the planned step for a node id.
func (p *ExecutionPlan) Step(nodeID string) (PlannedStep, bool) {
	for _, g := range p.Groups {
		for _, s := range g.Steps {
			if s.NodeID == nodeID {
				return s, true
			}
		}
	}
	return PlannedStep{}, false
}

// Walk visits every step in group order, steps inside a group in
// ascending node id. Returning false stops the walk.
func (p *ExecutionPlan) Walk(visit func(step PlannedStep) bool) {
	for _, g := range p.Groups {
		for _, s := range g.Steps {
			if !visit(s) {
				return
			}
		}
	}
}

// NodeIDs returns every planned node id in group order.
func (p *ExecutionPlan) NodeIDs() []string {
	ids := make([]string, 0, p.TotalSteps)
	p.Walk(func(s PlannedStep) bool {
		ids = append(ids, s.NodeID)
		return true
	})
	return ids
}

func sortSteps(steps []PlannedStep) {
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].NodeID < steps[j].NodeID
	})
}
