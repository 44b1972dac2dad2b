package resilience

import (
	"context"

	"github.com/MrWong99/engram/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over across a [Chain] of
// backends, each guarded by its own breaker.
type LLMFallback struct {
	chain *Chain[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback builds a fallback provider with primary as the first link
// in the chain.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		chain: NewChain(primary, primaryName, cfg),
	}
}

// AddFallback appends provider to the chain, to be tried after every
// earlier entry.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.chain.Add(name, provider)
}

// Complete runs the request through the chain and returns the first healthy
// provider's response.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Execute(f.chain, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// ModelID returns the primary provider's model identifier. It does not
// participate in failover because the identifier is static metadata.
func (f *LLMFallback) ModelID() string {
	return f.chain.Primary().ModelID()
}
