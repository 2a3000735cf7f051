package planner

import (
	"fmt"
	"sort"

	"github.com/warriorguo/llmflow/types"
)

const (
	// DefaultMaxNodes is the graph size cap applied when the caller does
	// not configure one.
	DefaultMaxNodes = 50
)

// FailureCode classifies a planning rejection.
type FailureCode string

const (
	CodeEmptyWorkflow      FailureCode = "EMPTY_WORKFLOW"
	CodeTooLarge           FailureCode = "TOO_LARGE"
	CodeInvalidEdge        FailureCode = "INVALID_EDGE"
	CodeCircularDependency FailureCode = "CIRCULAR_DEPENDENCY"
)

// PlanError is the structured planning failure. CycleNodes is set only
// for CIRCULAR_DEPENDENCY and holds the nodes a topological pass could
// not reach, sorted ascending.
type PlanError struct {
	Code       FailureCode
	Message    string
	CycleNodes []string
}

func (e *PlanError) Error() string {
	if len(e.CycleNodes) > 0 {
		return fmt.Sprintf("%s: %s %v", e.Code, e.Message, e.CycleNodes)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func planErrorf(code FailureCode, format string, args ...interface{}) *PlanError {
	return &PlanError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsPlanError unwraps err into a *PlanError when it is one.
func AsPlanError(err error) (*PlanError, bool) {
	pe, ok := err.(*PlanError)
	return pe, ok
}

// Plan validates graph and produces the parallel-group schedule using
// the default node cap. Pure function, no side effects.
func Plan(graph *types.Graph) (*ExecutionPlan, error) {
	return PlanWithCap(graph, DefaultMaxNodes)
}

func PlanWithCap(graph *types.Graph, maxNodes int) (*ExecutionPlan, error) {
	if graph == nil || len(graph.Nodes) == 0 {
		return nil, planErrorf(CodeEmptyWorkflow, "workflow has no nodes")
	}
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	if len(graph.Nodes) > maxNodes {
		return nil, planErrorf(CodeTooLarge, "workflow has %d nodes, cap is %d", len(graph.Nodes), maxNodes)
	}

	nodes := make(map[string]types.Node, len(graph.Nodes))
	for _, n := range graph.Nodes {
		if n.ID == "" {
			return nil, planErrorf(CodeInvalidEdge, "node with empty id")
		}
		if _, exists := nodes[n.ID]; exists {
			return nil, planErrorf(CodeInvalidEdge, "duplicate node id %q", n.ID)
		}
		nodes[n.ID] = n
	}

	deps := make(map[string][]string, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, e := range graph.Edges {
		if _, exists := nodes[e.Source]; !exists {
			return nil, planErrorf(CodeInvalidEdge, "edge source %q does not exist", e.Source)
		}
		if _, exists := nodes[e.Target]; !exists {
			return nil, planErrorf(CodeInvalidEdge, "edge target %q does not exist", e.Target)
		}
		if e.Source == e.Target {
			return nil, planErrorf(CodeInvalidEdge, "self edge on %q", e.Source)
		}
		if _, err := types.ParseCondition(e.Condition); err != nil {
			return nil, planErrorf(CodeInvalidEdge, "edge %s->%s condition %q", e.Source, e.Target, e.Condition)
		}
		deps[e.Target] = append(deps[e.Target], e.Source)
		dependents[e.Source] = append(dependents[e.Source], e.Target)
	}

	order, cycle := topoSort(nodes, deps, dependents)
	if len(cycle) > 0 {
		return nil, &PlanError{
			Code:       CodeCircularDependency,
			Message:    "cycle detected",
			CycleNodes: cycle,
		}
	}

	if err := validateFallbacks(nodes, deps, dependents); err != nil {
		return nil, err
	}

	/**
	 * ASAP grouping: roots take group 0, everything else one past its
	 * slowest dependency. Walking in topological order guarantees every
	 * dependency's group is already assigned.
	 */
	group := make(map[string]int, len(nodes))
	for _, id := range order {
		g := 0
		for _, d := range deps[id] {
			if dg := group[d] + 1; dg > g {
				g = dg
			}
		}
		group[id] = g
	}

	maxGroup := 0
	for _, g := range group {
		if g > maxGroup {
			maxGroup = g
		}
	}

	groups := make([]Group, maxGroup+1)
	for i := range groups {
		groups[i].Index = i
	}
	for id, g := range group {
		depList := append([]string(nil), deps[id]...)
		sort.Strings(depList)
		groups[g].Steps = append(groups[g].Steps, PlannedStep{
			NodeID:    id,
			Node:      nodes[id],
			DependsOn: depList,
			Group:     g,
		})
	}

	maxParallelism := 0
	for i := range groups {
		sortSteps(groups[i].Steps)
		if n := len(groups[i].Steps); n > maxParallelism {
			maxParallelism = n
		}
	}

	return &ExecutionPlan{
		Groups:          groups,
		TotalSteps:      len(nodes),
		MaxParallelism:  maxParallelism,
		EstimatedRounds: len(groups),
	}, nil
}

/**
 * topoSort runs Kahn's method with a queue kept sorted ascending, so
 * the pop order is deterministic across runs. Nodes never popped form
 * the cycle set.
 */
func topoSort(nodes map[string]types.Node, deps, dependents map[string][]string) (order, cycle []string) {
	inDegree := make(map[string]int, len(nodes))
	queue := make([]string, 0, len(nodes))
	for id := range nodes {
		inDegree[id] = len(deps[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order = make([]string, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		released := make([]string, 0, len(dependents[id]))
		for _, dep := range dependents[id] {
			if inDegree[dep]--; inDegree[dep] == 0 {
				released = append(released, dep)
			}
		}
		if len(released) > 0 {
			queue = append(queue, released...)
			sort.Strings(queue)
		}
	}

	if len(order) == len(nodes) {
		return order, nil
	}

	popped := make(map[string]bool, len(order))
	for _, id := range order {
		popped[id] = true
	}
	for id := range nodes {
		if !popped[id] {
			cycle = append(cycle, id)
		}
	}
	sort.Strings(cycle)
	return order, cycle
}

/**
 * validateFallbacks checks the fallback references. They are metadata
 * only and never contribute edges, but a fallback must point at an
 * existing node that is neither the node itself nor connected to it by
 * any dependency path in either direction.
 */
func validateFallbacks(nodes map[string]types.Node, deps, dependents map[string][]string) *PlanError {
	for id, n := range nodes {
		if n.Agent == nil || n.Agent.FallbackID == "" {
			continue
		}
		fb := n.Agent.FallbackID
		if _, exists := nodes[fb]; !exists {
			return planErrorf(CodeInvalidEdge, "node %q fallback %q does not exist", id, fb)
		}
		if fb == id {
			return planErrorf(CodeInvalidEdge, "node %q falls back to itself", id)
		}
		if reachable(deps, id, fb) || reachable(dependents, id, fb) {
			return planErrorf(CodeInvalidEdge, "node %q fallback %q is not dependency independent", id, fb)
		}
	}
	return nil
}

func reachable(next map[string][]string, from, to string) bool {
	seen := map[string]bool{from: true}
	stack := append([]string(nil), next[from]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, next[id]...)
	}
	return false
}
