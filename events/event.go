package events

import (
	"encoding/json"
	"time"

	"github.com/warriorguo/llmflow/types"
)

type EventType string

const (
	ExecutionStarted   EventType = "execution_started"
	AgentStarted       EventType = "agent_started"
	AgentCompleted     EventType = "agent_completed"
	AgentFailed        EventType = "agent_failed"
	AgentRetrying      EventType = "agent_retrying"
	AgentFallback      EventType = "agent_fallback"
	AgentSkipped       EventType = "agent_skipped"
	BudgetWarning      EventType = "budget_warning"
	BudgetExceeded     EventType = "budget_exceeded"
	ExecutionCompleted EventType = "execution_completed"
)

// Terminal reports whether the event must survive backpressure. The
// drop policy sacrifices non-terminal events first.
func (t EventType) Terminal() bool {
	return t == ExecutionCompleted || t == BudgetExceeded
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

/**
 * Event is the envelope published on a run channel. The wire form is
 * one JSON object per event with the payload flattened beside type and
 * timestamp, timestamps UTC with millisecond precision.
 */
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   types.Data
}

func newEvent(t EventType, payload types.Data) Event {
	return Event{Type: t, Timestamp: time.Now().UTC(), Payload: payload}
}

func (e Event) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		flat[k] = v
	}
	flat["type"] = string(e.Type)
	flat["timestamp"] = e.Timestamp.UTC().Format(timestampLayout)
	return json.Marshal(flat)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	flat := make(map[string]any)
	if err := json.Unmarshal(b, &flat); err != nil {
		return err
	}
	if t, ok := flat["type"].(string); ok {
		e.Type = EventType(t)
	}
	if ts, ok := flat["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			e.Timestamp = parsed
		}
	}
	delete(flat, "type")
	delete(flat, "timestamp")
	e.Payload = flat
	return nil
}

func NewExecutionStarted(totalSteps, maxParallelism, estimatedRounds int) Event {
	return newEvent(ExecutionStarted, types.Data{
		"total_steps":      totalSteps,
		"max_parallelism":  maxParallelism,
		"estimated_rounds": estimatedRounds,
	})
}

func NewAgentStarted(agentID, agentName string, parallelGroup int) Event {
	return newEvent(AgentStarted, types.Data{
		"agent_id":       agentID,
		"agent_name":     agentName,
		"parallel_group": parallelGroup,
	})
}

func NewAgentCompleted(agentID, agentName string, tokensPrompt, tokensCompletion int, cost float64, latencyMs int64) Event {
	return newEvent(AgentCompleted, types.Data{
		"agent_id":   agentID,
		"agent_name": agentName,
		"tokens":     map[string]int{"prompt": tokensPrompt, "completion": tokensCompletion},
		"cost":       cost,
		"latency_ms": latencyMs,
	})
}

func NewAgentFailed(agentID, agentName, errMsg string, willRetry bool, retriesRemaining int) Event {
	return newEvent(AgentFailed, types.Data{
		"agent_id":          agentID,
		"agent_name":        agentName,
		"error":             errMsg,
		"will_retry":        willRetry,
		"retries_remaining": retriesRemaining,
	})
}

func NewAgentRetrying(agentID, agentName string, retryNumber int) Event {
	return newEvent(AgentRetrying, types.Data{
		"agent_id":     agentID,
		"agent_name":   agentName,
		"retry_number": retryNumber,
	})
}

func NewAgentFallback(originalAgentID, fallbackAgentID, fallbackAgentName, reason string) Event {
	return newEvent(AgentFallback, types.Data{
		"original_agent_id":   originalAgentID,
		"fallback_agent_id":   fallbackAgentID,
		"fallback_agent_name": fallbackAgentName,
		"reason":              reason,
	})
}

func NewAgentSkipped(agentID, agentName, reason string) Event {
	return newEvent(AgentSkipped, types.Data{
		"agent_id":   agentID,
		"agent_name": agentName,
		"reason":     reason,
	})
}

func NewBudgetWarning(usedTokens int, usedCost float64, maxTokens int, maxCost float64, percentage int) Event {
	return newEvent(BudgetWarning, types.Data{
		"consumed":   map[string]any{"tokens": usedTokens, "cost": usedCost},
		"budget":     budgetPayload(maxTokens, maxCost),
		"percentage": percentage,
	})
}

func NewBudgetExceeded(usedTokens int, usedCost float64, maxTokens int, maxCost float64, agentsNotRun []string) Event {
	return newEvent(BudgetExceeded, types.Data{
		"consumed":       map[string]any{"tokens": usedTokens, "cost": usedCost},
		"budget":         budgetPayload(maxTokens, maxCost),
		"agents_not_run": agentsNotRun,
	})
}

func NewExecutionCompleted(status types.RunStatus, totals types.Totals) Event {
	return newEvent(ExecutionCompleted, types.Data{
		"status": string(status),
		"totals": totals,
	})
}

func budgetPayload(maxTokens int, maxCost float64) map[string]any {
	p := make(map[string]any, 2)
	if maxTokens > 0 {
		p["max_tokens"] = maxTokens
	}
	if maxCost > 0 {
		p["max_cost"] = maxCost
	}
	return p
}
