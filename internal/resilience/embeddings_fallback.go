package resilience

import (
	"context"
	"log/slog"

	"github.com/MrWong99/engram/pkg/provider/embeddings"
)

// EmbeddingsFallback implements [embeddings.Provider] with automatic failover
// across multiple embedding backends, each behind its own breaker.
//
// Every entry must produce vectors of the same dimensionality as the primary:
// stored memories are only comparable to query vectors from the same embedding
// space. [EmbeddingsFallback.AddFallback] rejects providers whose Dimensions
// differ.
type EmbeddingsFallback struct {
	chain  *Chain[embeddings.Provider]
	dims   int
	logger *slog.Logger
}

// Compile-time interface assertion.
var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback creates an [EmbeddingsFallback] with primary as the
// preferred backend.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &EmbeddingsFallback{
		chain:  NewChain(primary, primaryName, cfg),
		dims:   primary.Dimensions(),
		logger: cfg.Logger,
	}
}

// AddFallback registers an additional embeddings provider as a fallback and
// reports whether it was accepted. Providers whose vector dimensionality
// differs from the primary's are skipped, since their vectors would land in
// an incompatible embedding space.
func (f *EmbeddingsFallback) AddFallback(name string, provider embeddings.Provider) bool {
	if d := provider.Dimensions(); d != f.dims {
		f.logger.Warn("skipping embeddings fallback with mismatched dimensions",
			"provider", name, "dimensions", d, "want", f.dims)
		return false
	}
	f.chain.Add(name, provider)
	return true
}

// Embed produces the vector for text using the first healthy provider.
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return Execute(f.chain, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch produces one vector per text using the first healthy provider.
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return Execute(f.chain, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions returns the vector dimensionality shared by every entry.
func (f *EmbeddingsFallback) Dimensions() int {
	return f.dims
}

// ModelID returns the primary provider's model identifier.
func (f *EmbeddingsFallback) ModelID() string {
	return f.chain.Primary().ModelID()
}
