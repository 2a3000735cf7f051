package budget

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warriorguo/llmflow/planner"
	"github.com/warriorguo/llmflow/pricing"
	"github.com/warriorguo/llmflow/types"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func agentNode(id, model string, maxTokens int, prompt string) types.Node {
	return types.Node{
		ID:   id,
		Kind: types.KindAgent,
		Agent: &types.AgentConfig{
			Provider:     "openai",
			Model:        model,
			SystemPrompt: prompt,
			MaxTokens:    maxTokens,
		},
	}
}

func mustPlan(t *testing.T, g *types.Graph) *planner.ExecutionPlan {
	t.Helper()
	plan, err := planner.Plan(g)
	require.NoError(t, err)
	return plan
}

func TestEstimateRootNode(t *testing.T) {
	g := &types.Graph{Nodes: []types.Node{
		agentNode("solo", "gpt-4o", 1000, strings.Repeat("x", 400)),
	}}
	est := NewEstimator(pricing.Builtin(), nil).Estimate(mustPlan(t, g), g)

	require.Len(t, est.Steps, 1)
	// 400/4 system + 200 base input
	assert.Equal(t, 300, est.Steps[0].TokensPrompt)
	assert.Equal(t, 1000, est.Steps[0].TokensCompletion)
	// 300/1k*0.0025 + 1000/1k*0.01
	assert.Equal(t, 0.01075, est.Steps[0].Cost)
	assert.Equal(t, est.Steps[0].Cost, est.Total)
}

func TestEstimateDependentNode(t *testing.T) {
	g := &types.Graph{
		Nodes: []types.Node{
			agentNode("a", "gpt-4o", 1000, ""),
			agentNode("b", "gpt-4o", 500, ""),
			agentNode("sink", "gpt-4o", 800, strings.Repeat("y", 100)),
		},
		Edges: []types.Edge{
			{Source: "a", Target: "sink"},
			{Source: "b", Target: "sink"},
		},
	}
	est := NewEstimator(pricing.Builtin(), nil).Estimate(mustPlan(t, g), g)

	var sink StepEstimate
	for _, s := range est.Steps {
		if s.NodeID == "sink" {
			sink = s
		}
	}
	// 100/4 system + 0.6*(1000+500) + 50*2 framing
	assert.Equal(t, 25+900+100, sink.TokensPrompt)
	assert.Equal(t, 800, sink.TokensCompletion)
}

func TestEstimateSkipsToolNodes(t *testing.T) {
	g := &types.Graph{Nodes: []types.Node{
		agentNode("a", "gpt-4o-mini", 256, ""),
		{ID: "t", Kind: types.KindTool, Tool: &types.ToolConfig{Type: "echo"}},
	}}
	est := NewEstimator(pricing.Builtin(), nil).Estimate(mustPlan(t, g), g)
	require.Len(t, est.Steps, 1)
	assert.Equal(t, "a", est.Steps[0].NodeID)
}

func TestConfidenceTiers(t *testing.T) {
	small := &types.Graph{Nodes: []types.Node{agentNode("a", "gpt-4o-mini", 512, "short")}}
	est := NewEstimator(pricing.Builtin(), nil).Estimate(mustPlan(t, small), small)
	assert.Equal(t, ConfidenceHigh, est.Confidence)

	medium := &types.Graph{Nodes: []types.Node{agentNode("a", "gpt-4o", 2048, "short")}}
	est = NewEstimator(pricing.Builtin(), nil).Estimate(mustPlan(t, medium), medium)
	assert.Equal(t, ConfidenceMedium, est.Confidence)

	longPrompt := &types.Graph{Nodes: []types.Node{
		agentNode("a", "gpt-4o-mini", 512, strings.Repeat("p", 600)),
	}}
	est = NewEstimator(pricing.Builtin(), nil).Estimate(mustPlan(t, longPrompt), longPrompt)
	assert.Equal(t, ConfidenceMedium, est.Confidence)

	big := &types.Graph{Nodes: []types.Node{agentNode("a", "gpt-4o", 8192, "short")}}
	est = NewEstimator(pricing.Builtin(), nil).Estimate(mustPlan(t, big), big)
	assert.Equal(t, ConfidenceLow, est.Confidence)

	conditional := &types.Graph{
		Nodes: []types.Node{
			agentNode("a", "gpt-4o-mini", 512, "short"),
			agentNode("b", "gpt-4o-mini", 512, "short"),
		},
		Edges: []types.Edge{{Source: "a", Target: "b", Condition: "contains:yes"}},
	}
	est = NewEstimator(pricing.Builtin(), nil).Estimate(mustPlan(t, conditional), conditional)
	assert.Equal(t, ConfidenceLow, est.Confidence)
}

func TestSuggestRankingAndCumulative(t *testing.T) {
	estimate := &CostEstimate{
		Total: 0.50,
		Steps: []StepEstimate{
			{NodeID: "s1", Provider: "openai", Model: "gpt-4o", TokensPrompt: 10000, TokensCompletion: 10000, Cost: 0.15},
			{NodeID: "s2", Provider: "openai", Model: "gpt-4o", TokensPrompt: 8000, TokensCompletion: 8000, Cost: 0.12},
			{NodeID: "s3", Provider: "openai", Model: "gpt-4o", TokensPrompt: 14000, TokensCompletion: 14000, Cost: 0.20},
			{NodeID: "s4", Provider: "openai", Model: "gpt-3.5-turbo", TokensPrompt: 10000, TokensCompletion: 10000, Cost: 0.03},
		},
		Confidence: ConfidenceMedium,
	}
	graph := &types.Graph{
		Nodes: []types.Node{
			agentNode("s1", "gpt-4o", 1000, ""),
			agentNode("s2", "gpt-4o", 1000, ""),
			agentNode("s3", "gpt-4o", 1000, ""),
			agentNode("s4", "gpt-3.5-turbo", 1000, ""),
		},
		Edges: []types.Edge{
			{Source: "s1", Target: "s3"},
			{Source: "s2", Target: "s3"},
		},
	}

	got := Suggest(estimate, 0.25, graph, pricing.Builtin())
	require.NotEmpty(t, got)

	// ranked by savings descending
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Saves, got[i].Saves)
	}

	// skipping the most expensive leaf saves its whole cost and ranks
	// first; its best downgrade follows
	assert.Equal(t, ActionSkipAgent, got[0].Action)
	assert.Equal(t, "s3", got[0].NodeID)
	require.Greater(t, len(got), 1)
	assert.Equal(t, ActionDowngradeModel, got[1].Action)
	assert.Equal(t, "s3", got[1].NodeID)

	// s3 and s4 are leaves, so both get a skip action; s1/s2 do not
	actions := make(map[string][]string)
	for _, s := range got {
		actions[s.NodeID] = append(actions[s.NodeID], s.Action)
	}
	assert.Contains(t, actions["s3"], ActionSkipAgent)
	assert.Contains(t, actions["s4"], ActionSkipAgent)
	assert.NotContains(t, actions["s1"], ActionSkipAgent)

	// cumulative savings are monotonic and flip would_fit_budget once
	prev := 0.0
	fitSeen := false
	for _, s := range got {
		assert.Greater(t, s.CumulativeSavings, prev)
		prev = s.CumulativeSavings
		if fitSeen {
			assert.True(t, s.WouldFitBudget)
		}
		if s.WouldFitBudget {
			fitSeen = true
			assert.LessOrEqual(t, estimate.Total-s.CumulativeSavings, 0.25)
		}
	}
	assert.True(t, fitSeen)
}

func TestEnforcerThresholds(t *testing.T) {
	e := NewEnforcer(&types.Budget{MaxCost: floatPtr(0.05)})

	assert.Equal(t, StatusOK, e.Record(100, 0.01))
	// 0.04 of 0.05 crosses the 80% line exactly once
	assert.Equal(t, StatusWarning, e.Record(100, 0.03))
	assert.Equal(t, StatusOK, e.Record(100, 0.005))
	assert.Equal(t, StatusExceeded, e.Record(100, 0.01))
	// counters keep accumulating past the ceiling
	assert.Equal(t, StatusExceeded, e.Record(100, 0.01))
	assert.Equal(t, Consumed{Tokens: 500, Cost: 0.065}, e.Consumed())
}

func TestEnforcerTokenCeiling(t *testing.T) {
	e := NewEnforcer(&types.Budget{MaxTokens: intPtr(1000)})

	assert.Equal(t, StatusOK, e.Record(700, 0))
	assert.Equal(t, StatusWarning, e.Record(100, 0))
	assert.Equal(t, StatusExceeded, e.Record(200, 0))
}

func TestEnforcerNoOpMode(t *testing.T) {
	e := NewEnforcer(nil)

	assert.Equal(t, StatusOK, e.Record(1_000_000, 99.0))
	assert.Equal(t, StatusOK, e.Check())
	assert.Equal(t, Consumed{Tokens: 1_000_000, Cost: 99.0}, e.Consumed())

	e = NewEnforcer(&types.Budget{})
	assert.Equal(t, StatusOK, e.Record(1_000_000, 99.0))
}

func TestEnforcerHaltIdempotent(t *testing.T) {
	e := NewEnforcer(&types.Budget{MaxCost: floatPtr(1)})

	assert.False(t, e.Halted())
	e.Halt()
	assert.True(t, e.Halted())
	e.Halt()
	assert.True(t, e.Halted())
}

func TestTokenizers(t *testing.T) {
	h := HeuristicCounter{}
	assert.Equal(t, 1, h.Count(""))
	assert.Equal(t, 1, h.Count("abc"))
	assert.Equal(t, 25, h.Count(strings.Repeat("x", 100)))

	tk := NewTiktokenCounter("gpt-4o")
	n := tk.Count("the quick brown fox jumps over the lazy dog")
	assert.Greater(t, n, 5)
	assert.Less(t, n, 15)
}
