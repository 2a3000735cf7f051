package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/warriorguo/llmflow/types"
)

// Request is the normalized call into one LLM provider. Timeout bounds
// a single attempt; retrying is the caller's business.
type Request struct {
	Provider     string
	Model        string
	SystemPrompt string
	UserMessage  string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
}

// Response is the normalized provider answer. Cost is computed by the
// adapter from the pricing table; callers never consult pricing during
// a step.
type Response struct {
	Text             string
	TokensPrompt     int
	TokensCompletion int
	Model            string
	LatencyMs        int64
	Cost             float64
}

/**
 * Caller is the provider contract. Implementations must be safe for
 * concurrent use and return the typed step errors from the types
 * package so the retry policy can classify failures.
 */
type Caller interface {
	Call(ctx context.Context, req *Request) (*Response, error)
}

// Registry resolves a provider tag to its Caller.
type Registry struct {
	mu sync.RWMutex

	callers map[string]Caller
}

func NewRegistry() *Registry {
	return &Registry{callers: make(map[string]Caller)}
}

func (r *Registry) Register(provider string, caller Caller) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callers[provider] = caller
}

// Resolve returns the caller for provider. An unknown provider is a
// configuration error: final on the first occurrence, never retried.
func (r *Registry) Resolve(provider string) (Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caller, exists := r.callers[provider]
	if !exists {
		return nil, types.NewConfigErrorf("unknown provider: %s", provider)
	}
	return caller, nil
}

func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.callers))
	for p := range r.callers {
		out = append(out, p)
	}
	return out
}
