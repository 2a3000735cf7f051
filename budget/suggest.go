package budget

import (
	"fmt"
	"sort"

	"github.com/warriorguo/llmflow/pricing"
	"github.com/warriorguo/llmflow/types"
)

const (
	ActionDowngradeModel = "downgrade_model"
	ActionSkipAgent      = "skip_agent"
)

// downgradePaths is the provider-pinned ladder of cheaper models a step
// can fall down to without leaving its provider family.
var downgradePaths = map[string][]string{
	"gpt-4o":            {"gpt-4o-mini", "gpt-3.5-turbo"},
	"gpt-4o-mini":       {"gpt-3.5-turbo"},
	"gpt-4-turbo":       {"gpt-4o-mini", "gpt-3.5-turbo"},
	"claude-3-opus":     {"claude-3-5-sonnet", "claude-3-haiku"},
	"claude-3-5-sonnet": {"claude-3-haiku"},
}

var modelProvider = map[string]string{
	"gpt-4o":            "openai",
	"gpt-4o-mini":       "openai",
	"gpt-4-turbo":       "openai",
	"gpt-3.5-turbo":     "openai",
	"claude-3-opus":     "anthropic",
	"claude-3-5-sonnet": "anthropic",
	"claude-3-haiku":    "anthropic",
}

// Suggestion is one ranked cost-reducing action. Never applied
// automatically; the caller decides and resubmits.
type Suggestion struct {
	Action            string  `json:"action"`
	NodeID            string  `json:"node_id"`
	Saves             float64 `json:"saves"`
	FromModel         string  `json:"from_model,omitempty"`
	ToModel           string  `json:"to_model,omitempty"`
	Impact            string  `json:"impact,omitempty"`
	CumulativeSavings float64 `json:"cumulative_savings"`
	WouldFitBudget    bool    `json:"would_fit_budget"`
}

/**
 * Suggest enumerates downgrades along the ladder plus skip actions for
 * optional nodes, ranked by savings descending. A node is optional iff
 * it has no outgoing edges: nothing downstream consumes it.
 */
func Suggest(estimate *CostEstimate, maxCost float64, graph *types.Graph, prices *pricing.Table) []Suggestion {
	hasDownstream := make(map[string]bool, len(graph.Edges))
	for _, e := range graph.Edges {
		hasDownstream[e.Source] = true
	}

	suggestions := make([]Suggestion, 0)
	for _, step := range estimate.Steps {
		for _, target := range downgradePaths[step.Model] {
			provider := modelProvider[target]
			if provider == "" {
				provider = step.Provider
			}
			newCost := prices.Cost(provider, target, step.TokensPrompt, step.TokensCompletion)
			saves := pricing.Round6(step.Cost - newCost)
			if saves <= 0 {
				continue
			}
			suggestions = append(suggestions, Suggestion{
				Action:    ActionDowngradeModel,
				NodeID:    step.NodeID,
				Saves:     saves,
				FromModel: step.Model,
				ToModel:   target,
				Impact:    fmt.Sprintf("%s may produce shorter or less nuanced outputs", target),
			})
		}
	}

	for _, step := range estimate.Steps {
		if hasDownstream[step.NodeID] {
			continue
		}
		suggestions = append(suggestions, Suggestion{
			Action: ActionSkipAgent,
			NodeID: step.NodeID,
			Saves:  step.Cost,
			Impact: "optional leaf, no downstream dependencies",
		})
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		if suggestions[i].Saves != suggestions[j].Saves {
			return suggestions[i].Saves > suggestions[j].Saves
		}
		return suggestions[i].NodeID < suggestions[j].NodeID
	})

	cumulative := 0.0
	for i := range suggestions {
		cumulative = pricing.Round6(cumulative + suggestions[i].Saves)
		suggestions[i].CumulativeSavings = cumulative
		suggestions[i].WouldFitBudget = estimate.Total-cumulative <= maxCost
	}
	return suggestions
}
