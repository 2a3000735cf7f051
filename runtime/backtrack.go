package runtime

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/llmflow/adapter"
	"github.com/warriorguo/llmflow/budget"
	"github.com/warriorguo/llmflow/events"
	"github.com/warriorguo/llmflow/types"
)

const (
	backoffBase = time.Second
	backoffMax  = 10 * time.Second

	// a schema-invalid reply earns at most one more attempt no matter
	// how large max_retries is
	invalidResponseExtraAttempts = 1

	fallbackReason = "max_retries_exhausted"
)

/**
 * stepWorker drives one agent node through its attempt loop: call the
 * provider, classify the failure, back off, retry, and finally hand the
 * inputs to the fallback agent once the original runs out of attempts.
 * Workers share nothing but the enforcer and the publisher, both safe
 * for concurrent use; everything else arrives by value and leaves as a
 * stepOutcome for the driver to apply.
 */
type stepWorker struct {
	adapters       *adapter.Registry
	publisher      events.Publisher
	enforcer       *budget.Enforcer
	maxRetriesCap  int
	defaultTimeout time.Duration
	// zero means backoffBase
	backoffStart time.Duration
}

// run executes node and, when the original fails terminally and names a
// fallback, the fallback with the same input. Fallbacks never chain: a
// fallback's own fallback_agent_id is ignored.
func (w *stepWorker) run(ctx *runCtx, node *types.Node, lookup func(string) *types.Node, input string, group int) *stepOutcome {
	out := w.attemptLoop(ctx, node, input)
	if out.kind != outcomeFailed {
		return out
	}
	fbID := node.Agent.FallbackID
	if fbID == "" {
		return out
	}
	fb := lookup(fbID)
	if fb == nil || fb.Agent == nil {
		log.Warnf("run %s: node %s names fallback %s which is not an agent node", ctx.GetRunID(), node.ID, fbID)
		return out
	}

	w.publish(ctx, events.NewAgentFallback(node.ID, fb.ID, fb.DisplayName(), fallbackReason))
	// the substitute run gets its own started event before anything else
	// it publishes
	w.publish(ctx, events.NewAgentStarted(fb.ID, fb.DisplayName(), group))
	out.fallback = w.attemptLoop(ctx, fb, input)
	return out
}

func (w *stepWorker) attemptLoop(ctx *runCtx, node *types.Node, input string) *stepOutcome {
	cfg := node.Agent
	maxRetries := cfg.MaxRetries
	if maxRetries > w.maxRetriesCap {
		maxRetries = w.maxRetriesCap
	}

	invalidResponses := 0
	for attempt := 0; ; attempt++ {
		resp, err := w.callOnce(ctx, cfg, input)
		if err == nil {
			w.recordConsumption(ctx, resp)
			return &stepOutcome{
				kind:             outcomeCompleted,
				output:           resp.Text,
				model:            resp.Model,
				tokensPrompt:     resp.TokensPrompt,
				tokensCompletion: resp.TokensCompletion,
				cost:             resp.Cost,
				latencyMs:        resp.LatencyMs,
				attempts:         attempt + 1,
			}
		}
		if ctx.Err() == context.Canceled {
			return &stepOutcome{kind: outcomeCancelled, attempts: attempt + 1, err: ctx.Err()}
		}

		kind := types.KindOf(err)
		if kind == types.ErrKindInvalidResponse {
			invalidResponses++
		}
		retriesRemaining := maxRetries - attempt
		willRetry := retriesRemaining > 0 && kind.Retryable() &&
			invalidResponses <= invalidResponseExtraAttempts
		if !willRetry {
			retriesRemaining = 0
		}
		w.publish(ctx, events.NewAgentFailed(node.ID, node.DisplayName(), err.Error(), willRetry, retriesRemaining))
		if !willRetry {
			return &stepOutcome{kind: outcomeFailed, attempts: attempt + 1, errKind: kind, err: err}
		}

		if sleepErr := w.backoff(ctx, attempt); sleepErr != nil {
			return &stepOutcome{kind: outcomeCancelled, attempts: attempt + 1, err: sleepErr}
		}
		w.publish(ctx, events.NewAgentRetrying(node.ID, node.DisplayName(), attempt+1))
	}
}

func (w *stepWorker) callOnce(ctx *runCtx, cfg *types.AgentConfig, input string) (*adapter.Response, error) {
	caller, err := w.adapters.Resolve(cfg.Provider)
	if err != nil {
		return nil, err
	}

	timeout := w.defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return caller.Call(ctx, &adapter.Request{
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		UserMessage:  input,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		Timeout:      timeout,
	})
}

// backoff sleeps min(1s * 2^attempt, 10s), or returns early when the
// run is cancelled mid-sleep.
func (w *stepWorker) backoff(ctx *runCtx, attempt int) error {
	base := w.backoffStart
	if base <= 0 {
		base = backoffBase
	}
	wait := base << uint(attempt)
	if wait > backoffMax || wait <= 0 {
		wait = backoffMax
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// recordConsumption accumulates a successful attempt against the run
// budget. The one-shot warning is published from whichever worker
// crossed the threshold; the exceeded verdict is left for the driver,
// which also knows the agents that will not run.
func (w *stepWorker) recordConsumption(ctx *runCtx, resp *adapter.Response) {
	status := w.enforcer.Record(resp.TokensPrompt+resp.TokensCompletion, resp.Cost)
	if status != budget.StatusWarning {
		return
	}
	used := w.enforcer.Consumed()
	maxTokens, maxCost := w.enforcer.Limits()
	w.publish(ctx, events.NewBudgetWarning(used.Tokens, used.Cost, maxTokens, maxCost, usagePercentage(used, maxTokens, maxCost)))
}

// usagePercentage is the higher of the two ceiling ratios, in whole
// percent.
func usagePercentage(used budget.Consumed, maxTokens int, maxCost float64) int {
	pct := 0
	if maxTokens > 0 {
		if p := used.Tokens * 100 / maxTokens; p > pct {
			pct = p
		}
	}
	if maxCost > 0 {
		if p := int(used.Cost * 100 / maxCost); p > pct {
			pct = p
		}
	}
	return pct
}

func (w *stepWorker) publish(ctx *runCtx, ev events.Event) {
	w.publisher.Publish(ctx.GetRunID(), ev)
}
