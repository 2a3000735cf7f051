package llmflow

import (
	"github.com/juju/errors"

	"github.com/warriorguo/llmflow/adapter"
	"github.com/warriorguo/llmflow/pricing"
	"github.com/warriorguo/llmflow/runtime"
	"github.com/warriorguo/llmflow/types"
)

// NewEngine creates a workflow engine with the given options.
func NewEngine(opts ...types.EngineOption) (*runtime.Engine, error) {
	engine, err := runtime.NewEngine(opts...)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to create engine")
	}
	return engine, nil
}

/**
 * NewEngineWithProviders wires the two builtin providers against their
 * public endpoints using the builtin price table. Empty keys skip the
 * provider, so tests and offline setups can register their own callers
 * instead.
 */
func NewEngineWithProviders(openaiKey, anthropicKey string, opts ...types.EngineOption) (*runtime.Engine, error) {
	engine, err := NewEngine(opts...)
	if err != nil {
		return nil, errors.Trace(err)
	}

	prices := pricing.Builtin()
	if openaiKey != "" {
		engine.RegisterProvider("openai",
			adapter.NewOpenAICaller("openai", "https://api.openai.com", openaiKey, prices))
	}
	if anthropicKey != "" {
		engine.RegisterProvider("anthropic",
			adapter.NewAnthropicCaller("https://api.anthropic.com", anthropicKey, prices))
	}
	return engine, nil
}
