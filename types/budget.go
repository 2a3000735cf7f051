package types

// Budget is the user-supplied spend ceiling for a run. A nil field means
// that dimension is unconstrained. Both nil puts the enforcer into no-op
// mode: consumption is still accumulated for reporting, never enforced.
type Budget struct {
	MaxTokens *int     `json:"max_tokens,omitempty"`
	MaxCost   *float64 `json:"max_cost,omitempty"`
}

// Empty reports whether neither ceiling is set.
func (b *Budget) Empty() bool {
	return b == nil || (b.MaxTokens == nil && b.MaxCost == nil)
}

// Totals aggregates the consumption of a run. The invariant is that the
// sums over the run's step records equal these fields exactly.
type Totals struct {
	TokensPrompt     int     `json:"tokens_prompt"`
	TokensCompletion int     `json:"tokens_completion"`
	Cost             float64 `json:"cost"`
	DurationMs       int64   `json:"duration_ms"`
	AgentsCompleted  int     `json:"agents_completed"`
	AgentsFailed     int     `json:"agents_failed"`
	AgentsSkipped    int     `json:"agents_skipped"`
	EventsDropped    int     `json:"events_dropped,omitempty"`
}
