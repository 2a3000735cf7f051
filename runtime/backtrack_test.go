package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warriorguo/llmflow/adapter"
	"github.com/warriorguo/llmflow/budget"
	"github.com/warriorguo/llmflow/events"
	"github.com/warriorguo/llmflow/types"
)

type callerFunc func(ctx context.Context, req *adapter.Request) (*adapter.Response, error)

func (f callerFunc) Call(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	return f(ctx, req)
}

func newTestWorker(caller adapter.Caller, b *types.Budget) (*stepWorker, *events.ChanPublisher) {
	registry := adapter.NewRegistry()
	registry.Register("fake", caller)
	publisher := events.NewChanPublisher(64)
	return &stepWorker{
		adapters:       registry,
		publisher:      publisher,
		enforcer:       budget.NewEnforcer(b),
		maxRetriesCap:  5,
		defaultTimeout: time.Second,
		backoffStart:   time.Millisecond,
	}, publisher
}

func agentNode(id string, maxRetries int) *types.Node {
	return &types.Node{
		ID:   id,
		Kind: types.KindAgent,
		Agent: &types.AgentConfig{
			Provider:   "fake",
			Model:      "m-" + id,
			MaxRetries: maxRetries,
		},
	}
}

func noLookup(string) *types.Node { return nil }

func drainEvents(p *events.ChanPublisher, runID string, sub <-chan events.Event) []events.EventType {
	p.CloseRun(runID)
	got := make([]events.EventType, 0)
	for ev := range sub {
		got = append(got, ev.Type)
	}
	return got
}

func TestWorkerRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	w, p := newTestWorker(callerFunc(func(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return nil, types.NewTransientErrorf("connection reset")
		}
		return &adapter.Response{Text: "done", TokensPrompt: 10, TokensCompletion: 20, Model: req.Model}, nil
	}), nil)
	sub := p.Subscribe("run-1")

	out := w.run(newRunCtx(context.Background(), "run-1"), agentNode("a", 2), noLookup, "go", 0)

	assert.Equal(t, outcomeCompleted, out.kind)
	assert.Equal(t, 3, out.attempts)
	assert.Equal(t, "done", out.finalOutput())

	got := drainEvents(p, "run-1", sub)
	assert.Equal(t, []events.EventType{
		events.AgentFailed, events.AgentRetrying,
		events.AgentFailed, events.AgentRetrying,
	}, got)
}

func TestWorkerFailedEventPayload(t *testing.T) {
	w, p := newTestWorker(callerFunc(func(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
		return nil, types.NewTransientErrorf("boom")
	}), nil)
	sub := p.Subscribe("run-1")

	out := w.run(newRunCtx(context.Background(), "run-1"), agentNode("a", 1), noLookup, "go", 0)
	require.Equal(t, outcomeFailed, out.kind)

	p.CloseRun("run-1")
	failed := make([]events.Event, 0)
	for ev := range sub {
		if ev.Type == events.AgentFailed {
			failed = append(failed, ev)
		}
	}
	require.Len(t, failed, 2)
	assert.Equal(t, true, failed[0].Payload["will_retry"])
	assert.Equal(t, 1, failed[0].Payload["retries_remaining"])
	assert.Equal(t, false, failed[1].Payload["will_retry"])
	assert.Equal(t, 0, failed[1].Payload["retries_remaining"])
}

func TestWorkerConfigurationErrorIsFinal(t *testing.T) {
	var calls int32
	w, p := newTestWorker(callerFunc(func(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, types.NewConfigErrorf("bad api key")
	}), nil)
	sub := p.Subscribe("run-1")

	out := w.run(newRunCtx(context.Background(), "run-1"), agentNode("a", 3), noLookup, "go", 0)

	assert.Equal(t, outcomeFailed, out.kind)
	assert.Equal(t, types.ErrKindConfiguration, out.errKind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	got := drainEvents(p, "run-1", sub)
	assert.Equal(t, []events.EventType{events.AgentFailed}, got)
}

func TestWorkerInvalidResponseOneExtraAttempt(t *testing.T) {
	var calls int32
	w, _ := newTestWorker(callerFunc(func(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, types.NewInvalidResponseError(types.NewTransientErrorf("empty choices"))
	}), nil)

	out := w.run(newRunCtx(context.Background(), "run-1"), agentNode("a", 5), noLookup, "go", 0)

	assert.Equal(t, outcomeFailed, out.kind)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestWorkerRetriesCapped(t *testing.T) {
	var calls int32
	w, _ := newTestWorker(callerFunc(func(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, types.NewTransientErrorf("again")
	}), nil)
	w.maxRetriesCap = 1

	out := w.run(newRunCtx(context.Background(), "run-1"), agentNode("a", 99), noLookup, "go", 0)

	assert.Equal(t, outcomeFailed, out.kind)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestWorkerFallback(t *testing.T) {
	w, p := newTestWorker(callerFunc(func(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
		if req.Model == "m-a" {
			return nil, types.NewConfigErrorf("model retired")
		}
		assert.Equal(t, "go", req.UserMessage)
		return &adapter.Response{Text: "rescued", Model: req.Model}, nil
	}), nil)
	sub := p.Subscribe("run-1")

	node := agentNode("a", 0)
	node.Agent.FallbackID = "alt"
	alt := agentNode("alt", 0)

	out := w.run(newRunCtx(context.Background(), "run-1"), node, func(id string) *types.Node {
		if id == "alt" {
			return alt
		}
		return nil
	}, "go", 0)

	assert.Equal(t, outcomeFailed, out.kind)
	assert.True(t, out.completed())
	assert.Equal(t, "rescued", out.finalOutput())
	require.NotNil(t, out.fallback)
	assert.Equal(t, outcomeCompleted, out.fallback.kind)

	// the substitute announces itself right after the fallback handoff
	got := drainEvents(p, "run-1", sub)
	assert.Equal(t, []events.EventType{
		events.AgentFailed, events.AgentFallback, events.AgentStarted,
	}, got)
}

func TestWorkerFallbackNeverChains(t *testing.T) {
	w, _ := newTestWorker(callerFunc(func(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
		return nil, types.NewConfigErrorf("down")
	}), nil)

	node := agentNode("a", 0)
	node.Agent.FallbackID = "alt"
	alt := agentNode("alt", 0)
	alt.Agent.FallbackID = "alt2"
	alt2 := agentNode("alt2", 0)

	nodes := map[string]*types.Node{"alt": alt, "alt2": alt2}
	out := w.run(newRunCtx(context.Background(), "run-1"), node, func(id string) *types.Node {
		return nodes[id]
	}, "go", 0)

	require.NotNil(t, out.fallback)
	assert.Equal(t, outcomeFailed, out.fallback.kind)
	// the fallback's own fallback never ran
	assert.Nil(t, out.fallback.fallback)
	assert.False(t, out.completed())
}

func TestWorkerCancelledDuringBackoff(t *testing.T) {
	w, _ := newTestWorker(callerFunc(func(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
		return nil, types.NewTransientErrorf("flaky")
	}), nil)
	w.backoffStart = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	out := w.run(newRunCtx(ctx, "run-1"), agentNode("a", 3), noLookup, "go", 0)
	assert.Equal(t, outcomeCancelled, out.kind)
}

func TestWorkerPublishesBudgetWarning(t *testing.T) {
	maxCost := 0.1
	w, p := newTestWorker(callerFunc(func(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
		return &adapter.Response{Text: "x", TokensPrompt: 5, TokensCompletion: 5, Cost: 0.09, Model: req.Model}, nil
	}), &types.Budget{MaxCost: &maxCost})
	sub := p.Subscribe("run-1")

	out := w.run(newRunCtx(context.Background(), "run-1"), agentNode("a", 0), noLookup, "go", 0)
	require.Equal(t, outcomeCompleted, out.kind)

	p.CloseRun("run-1")
	var warning *events.Event
	for ev := range sub {
		if ev.Type == events.BudgetWarning {
			ev := ev
			warning = &ev
		}
	}
	require.NotNil(t, warning)
	assert.Equal(t, 90, warning.Payload["percentage"])
}
