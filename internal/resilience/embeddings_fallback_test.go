package resilience

import (
	"context"
	"errors"
	"testing"

	embedmock "github.com/MrWong99/engram/pkg/provider/embeddings/mock"
)

func TestEmbeddingsFallbackPrefersPrimary(t *testing.T) {
	primary := &embedmock.Provider{DimensionsValue: 3, EmbedResult: []float32{1, 0, 0}}
	secondary := &embedmock.Provider{DimensionsValue: 3, EmbedResult: []float32{0, 1, 0}}
	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{})
	if !fb.AddFallback("secondary", secondary) {
		t.Fatal("fallback with matching dimensions was rejected")
	}

	vec, err := fb.Embed(context.Background(), "likes green tea")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 1 {
		t.Errorf("Embed = %v, want [1 0 0]", vec)
	}
	if got := len(secondary.EmbedCalls); got != 0 {
		t.Errorf("secondary called %d times, want 0", got)
	}
}

func TestEmbeddingsFallbackFailsOver(t *testing.T) {
	primary := &embedmock.Provider{
		DimensionsValue: 3,
		EmbedErr:        errors.New("primary down"),
	}
	secondary := &embedmock.Provider{DimensionsValue: 3, EmbedResult: []float32{0, 1, 0}}
	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	vec, err := fb.Embed(context.Background(), "lives in Oslo")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[1] != 1 {
		t.Errorf("Embed = %v, want [0 1 0]", vec)
	}
	if got := len(primary.EmbedCalls); got != 1 {
		t.Errorf("primary called %d times, want 1", got)
	}
}

func TestEmbeddingsFallbackBatchFailsOver(t *testing.T) {
	primary := &embedmock.Provider{
		DimensionsValue: 2,
		EmbedBatchErr:   errors.New("primary down"),
	}
	secondary := &embedmock.Provider{
		DimensionsValue:  2,
		EmbedBatchResult: [][]float32{{1, 0}, {0, 1}},
	}
	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	vecs, err := fb.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Errorf("got %d vectors, want 2", len(vecs))
	}
	if got := len(secondary.EmbedBatchCalls); got != 1 {
		t.Errorf("secondary called %d times, want 1", got)
	}
}

func TestEmbeddingsFallbackAllProvidersDown(t *testing.T) {
	primary := &embedmock.Provider{
		DimensionsValue: 2,
		EmbedBatchErr:   errors.New("primary down"),
	}
	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{})

	_, err := fb.EmbedBatch(context.Background(), []string{"a"})
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("EmbedBatch = %v, want %v", err, ErrAllFailed)
	}
}

func TestEmbeddingsFallbackRejectsMismatchedDimensions(t *testing.T) {
	primary := &embedmock.Provider{
		DimensionsValue: 1536,
		EmbedErr:        errors.New("primary down"),
	}
	mismatched := &embedmock.Provider{DimensionsValue: 768, EmbedResult: []float32{1}}
	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{})
	if fb.AddFallback("mismatched", mismatched) {
		t.Fatal("fallback with mismatched dimensions was accepted")
	}

	// A rejected provider must never receive traffic, even when the
	// primary fails.
	_, err := fb.Embed(context.Background(), "anything")
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("Embed = %v, want %v", err, ErrAllFailed)
	}
	if got := len(mismatched.EmbedCalls); got != 0 {
		t.Errorf("rejected provider called %d times, want 0", got)
	}
}

func TestEmbeddingsFallbackDimensions(t *testing.T) {
	fb := NewEmbeddingsFallback(&embedmock.Provider{DimensionsValue: 1536}, "primary", FallbackConfig{})

	if got := fb.Dimensions(); got != 1536 {
		t.Errorf("Dimensions() = %d, want 1536", got)
	}
}

func TestEmbeddingsFallbackModelID(t *testing.T) {
	primary := &embedmock.Provider{DimensionsValue: 8, ModelIDValue: "text-embedding-3-small"}
	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{})

	if got := fb.ModelID(); got != "text-embedding-3-small" {
		t.Errorf("ModelID() = %q, want %q", got, "text-embedding-3-small")
	}
}
