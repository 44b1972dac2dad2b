// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return pre-canned embedding vectors without a live model
// and to verify that the correct texts are submitted for embedding.
//
// For tests that embed several distinct text sets in one run (as the
// extraction pipeline does), configure VectorsByText so every text maps to a
// stable vector regardless of batch composition:
//
//	p := &mock.Provider{
//	    DimensionsValue: 3,
//	    VectorsByText: map[string][]float32{
//	        "likes tea":    {1, 0, 0},
//	        "lives in Oslo": {0, 1, 0},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/engram/pkg/provider/embeddings"
)

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	// Ctx is the context passed to Embed.
	Ctx context.Context
	// Text is the string passed to Embed.
	Text string
}

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	// Ctx is the context passed to EmbedBatch.
	Ctx context.Context
	// Texts is a copy of the string slice passed to EmbedBatch.
	Texts []string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// VectorsByText, when non-nil, resolves each submitted text to its
	// vector. Texts without an entry get a zero vector of DimensionsValue
	// length. Takes precedence over EmbedResult and EmbedBatchResult.
	VectorsByText map[string][]float32

	// EmbedResult is returned by Embed. If nil, a zero-length slice is returned.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// EmbedBatchResult is returned by EmbedBatch. If nil, a slice of nil
	// vectors matching the input length is returned.
	EmbedBatchResult [][]float32

	// EmbedBatchErr, if non-nil, is returned as the error from EmbedBatch.
	EmbedBatchErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID. Defaults to "mock-embed".
	ModelIDValue string

	// --- Call records ---

	// EmbedCalls records every call to Embed in order.
	EmbedCalls []EmbedCall

	// EmbedBatchCalls records every call to EmbedBatch in order.
	EmbedBatchCalls []EmbedBatchCall
}

// Embed records the call and returns the configured vector for text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if p.VectorsByText != nil {
		return p.vectorFor(text), nil
	}
	return p.EmbedResult, nil
}

// EmbedBatch records the call and returns one vector per input text, resolved
// from VectorsByText when configured, otherwise from EmbedBatchResult.
// An empty input returns an empty, non-nil slice like real providers.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := make([]string, len(texts))
	copy(copied, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: copied})

	if p.EmbedBatchErr != nil {
		return nil, p.EmbedBatchErr
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if p.VectorsByText != nil {
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = p.vectorFor(text)
		}
		return out, nil
	}
	if p.EmbedBatchResult != nil {
		out := make([][]float32, len(p.EmbedBatchResult))
		copy(out, p.EmbedBatchResult)
		return out, nil
	}
	return make([][]float32, len(texts)), nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue, or "mock-embed" when unset.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ModelIDValue != "" {
		return p.ModelIDValue
	}
	return "mock-embed"
}

// vectorFor resolves text via VectorsByText, synthesising a zero vector of
// DimensionsValue length for unknown texts. Callers must hold p.mu.
func (p *Provider) vectorFor(text string) []float32 {
	if vec, ok := p.VectorsByText[text]; ok {
		return vec
	}
	return make([]float32, p.DimensionsValue)
}
