package planner

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warriorguo/llmflow/types"
)

func agentNode(id string) types.Node {
	return types.Node{
		ID:   id,
		Kind: types.KindAgent,
		Agent: &types.AgentConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			MaxTokens: 512,
		},
	}
}

func graphOf(edges []types.Edge, ids ...string) *types.Graph {
	g := &types.Graph{Edges: edges}
	for _, id := range ids {
		g.Nodes = append(g.Nodes, agentNode(id))
	}
	return g
}

func groupIDs(p *ExecutionPlan) [][]string {
	out := make([][]string, 0, len(p.Groups))
	for _, g := range p.Groups {
		ids := make([]string, 0, len(g.Steps))
		for _, s := range g.Steps {
			ids = append(ids, s.NodeID)
		}
		out = append(out, ids)
	}
	return out
}

func TestPlanDiamond(t *testing.T) {
	g := graphOf([]types.Edge{
		{Source: "A", Target: "B"},
		{Source: "A", Target: "C"},
		{Source: "B", Target: "D"},
		{Source: "C", Target: "D"},
	}, "A", "B", "C", "D")

	plan, err := Plan(g)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, groupIDs(plan))
	assert.Equal(t, 4, plan.TotalSteps)
	assert.Equal(t, 2, plan.MaxParallelism)
	assert.Equal(t, 3, plan.EstimatedRounds)

	d, ok := plan.Step("D")
	require.True(t, ok)
	assert.Equal(t, []string{"B", "C"}, d.DependsOn)
	assert.Equal(t, 2, d.Group)
}

func TestPlanSingleNode(t *testing.T) {
	plan, err := Plan(graphOf(nil, "only"))
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"only"}}, groupIDs(plan))
	assert.Equal(t, 1, plan.MaxParallelism)
}

func TestPlanIndependentNodes(t *testing.T) {
	plan, err := Plan(graphOf(nil, "c", "a", "b"))
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a", "b", "c"}}, groupIDs(plan))
	assert.Equal(t, 3, plan.MaxParallelism)
	assert.Equal(t, 1, plan.EstimatedRounds)
}

func TestPlanLinearChain(t *testing.T) {
	g := graphOf([]types.Edge{
		{Source: "n1", Target: "n2"},
		{Source: "n2", Target: "n3"},
		{Source: "n3", Target: "n4"},
	}, "n1", "n2", "n3", "n4")

	plan, err := Plan(g)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"n1"}, {"n2"}, {"n3"}, {"n4"}}, groupIDs(plan))
	assert.Equal(t, 1, plan.MaxParallelism)
	assert.Equal(t, 4, plan.EstimatedRounds)
}

func TestPlanEmptyWorkflow(t *testing.T) {
	_, err := Plan(&types.Graph{})
	pe, ok := AsPlanError(err)
	require.True(t, ok)
	assert.Equal(t, CodeEmptyWorkflow, pe.Code)

	_, err = Plan(nil)
	pe, ok = AsPlanError(err)
	require.True(t, ok)
	assert.Equal(t, CodeEmptyWorkflow, pe.Code)
}

func TestPlanTooLarge(t *testing.T) {
	ids := make([]string, 0, 51)
	for i := 0; i < 51; i++ {
		ids = append(ids, fmt.Sprintf("n%02d", i))
	}
	_, err := Plan(graphOf(nil, ids...))
	pe, ok := AsPlanError(err)
	require.True(t, ok)
	assert.Equal(t, CodeTooLarge, pe.Code)

	plan, err := PlanWithCap(graphOf(nil, ids...), 60)
	require.NoError(t, err)
	assert.Equal(t, 51, plan.TotalSteps)
}

func TestPlanInvalidEdge(t *testing.T) {
	g := graphOf([]types.Edge{{Source: "A", Target: "missing"}}, "A")
	_, err := Plan(g)
	pe, ok := AsPlanError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidEdge, pe.Code)

	g = graphOf([]types.Edge{{Source: "A", Target: "B", Condition: "unless:x"}}, "A", "B")
	_, err = Plan(g)
	pe, ok = AsPlanError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidEdge, pe.Code)
}

func TestPlanCycle(t *testing.T) {
	g := graphOf([]types.Edge{
		{Source: "root", Target: "x"},
		{Source: "x", Target: "y"},
		{Source: "y", Target: "z"},
		{Source: "z", Target: "x"},
	}, "root", "x", "y", "z")

	_, err := Plan(g)
	pe, ok := AsPlanError(err)
	require.True(t, ok)
	assert.Equal(t, CodeCircularDependency, pe.Code)
	// the cycle set is exactly the non-topologizable remainder
	assert.Equal(t, []string{"x", "y", "z"}, pe.CycleNodes)
}

func TestPlanFallbackValidation(t *testing.T) {
	g := graphOf([]types.Edge{{Source: "A", Target: "B"}}, "A", "B", "alt")

	// independent fallback is fine and contributes no edges
	g.Nodes[0].Agent.FallbackID = "alt"
	plan, err := Plan(g)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A", "alt"}, {"B"}}, groupIDs(plan))

	// fallback pointing at a dependent is rejected
	g.Nodes[0].Agent.FallbackID = "B"
	_, err = Plan(g)
	pe, ok := AsPlanError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidEdge, pe.Code)

	// so is a self fallback
	g.Nodes[0].Agent.FallbackID = "A"
	_, err = Plan(g)
	pe, ok = AsPlanError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidEdge, pe.Code)

	// and an unknown one
	g.Nodes[0].Agent.FallbackID = "ghost"
	_, err = Plan(g)
	pe, ok = AsPlanError(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidEdge, pe.Code)
}

func TestPlanDeterministicSerialization(t *testing.T) {
	build := func(nodeOrder []string) *types.Graph {
		return graphOf([]types.Edge{
			{Source: "A", Target: "B"},
			{Source: "A", Target: "C"},
			{Source: "B", Target: "D"},
			{Source: "C", Target: "D"},
		}, nodeOrder...)
	}

	first, err := Plan(build([]string{"A", "B", "C", "D"}))
	require.NoError(t, err)
	second, err := Plan(build([]string{"D", "C", "B", "A"}))
	require.NoError(t, err)

	b1, err := first.Marshal()
	require.NoError(t, err)
	b2, err := second.Marshal()
	require.NoError(t, err)
	assert.Equal(t, b1, b2)

	restored, err := UnmarshalPlan(b1)
	require.NoError(t, err)
	assert.Equal(t, first, restored)
}

func TestPlanGroupInvariants(t *testing.T) {
	g := graphOf([]types.Edge{
		{Source: "a", Target: "c"},
		{Source: "b", Target: "c"},
		{Source: "c", Target: "e"},
		{Source: "b", Target: "d"},
		{Source: "d", Target: "e"},
	}, "a", "b", "c", "d", "e")

	plan, err := Plan(g)
	require.NoError(t, err)

	groupOf := make(map[string]int)
	plan.Walk(func(s PlannedStep) bool {
		groupOf[s.NodeID] = s.Group
		return true
	})
	for _, e := range g.Edges {
		assert.Less(t, groupOf[e.Source], groupOf[e.Target], "%s -> %s", e.Source, e.Target)
	}
}
