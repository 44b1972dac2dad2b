// Package recall loads relevant memories into prompt context.
//
// Recall is the read path of the memory engine: embed a cue (typically the
// user's next prompt), search the user's memory index, and format the hits
// as a text block ready for system-prompt injection. It is deliberately
// infallible: callers sit on the hot path of response generation, so every
// failure collapses into a sentinel string instead of an error.
package recall

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/engram/internal/observe"
	"github.com/MrWong99/engram/pkg/memory"
	"github.com/MrWong99/engram/pkg/provider/embeddings"
)

// Sentinel blocks returned instead of memory lines.
const (
	noMemories  = "(No relevant memories found)"
	unavailable = "(Unable to load memories)"
)

// Default recall tuning.
const (
	DefaultTopK          = 5
	DefaultMinSimilarity = 0.3
)

// Config carries the recaller's collaborators and tuning.
type Config struct {
	// Store is the read-only memory index.
	Store memory.Searcher

	// Embedder turns cues into query vectors.
	Embedder embeddings.Provider

	// TopK caps how many memories one recall returns. Defaults to
	// [DefaultTopK].
	TopK int

	// MinSimilarity filters weakly related memories. Defaults to
	// [DefaultMinSimilarity].
	MinSimilarity float64

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *observe.Metrics
}

// Recaller loads and formats memories for prompt injection. Safe for
// concurrent use.
type Recaller struct {
	store    memory.Searcher
	embedder embeddings.Provider
	logger   *slog.Logger
	metrics  *observe.Metrics

	// tuning is hot-reloadable via Tune.
	mu            sync.RWMutex
	topK          int
	minSimilarity float64
}

// New returns a Recaller with defaults applied.
func New(cfg Config) *Recaller {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = DefaultMinSimilarity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recaller{
		store:         cfg.Store,
		embedder:      cfg.Embedder,
		topK:          cfg.TopK,
		minSimilarity: cfg.MinSimilarity,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
}

// Tune replaces the recall tuning at runtime. Non-positive values fall back
// to the defaults, mirroring [New]. Used by config hot reload.
func (r *Recaller) Tune(topK int, minSimilarity float64) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}
	r.mu.Lock()
	r.topK = topK
	r.minSimilarity = minSimilarity
	r.mu.Unlock()
}

// tuning returns the current topK and minSimilarity.
func (r *Recaller) tuning() (int, float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topK, r.minSimilarity
}

// Recall returns the user's memories relevant to cue as newline-joined
// bullet lines:
//
//	- Moved to Portland [location, importance: 0.80, confidence: 0.90]
//
// With no qualifying memories it returns "(No relevant memories found)"; when
// embedding or search fails it logs a warning and returns "(Unable to load
// memories)". It never returns an error.
func (r *Recaller) Recall(ctx context.Context, userID, cue string) string {
	start := time.Now()
	block, ok := r.recall(ctx, userID, cue)
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	r.metrics.RecordRecall(ctx, outcome, time.Since(start))
	return block
}

func (r *Recaller) recall(ctx context.Context, userID, cue string) (string, bool) {
	if userID == "" || strings.TrimSpace(cue) == "" {
		return noMemories, true
	}

	embedStart := time.Now()
	vec, err := r.embedder.Embed(ctx, cue)
	r.metrics.RecordProviderRequest(ctx, r.embedder.ModelID(), "embed_cue", time.Since(embedStart), err)
	if err != nil {
		r.logger.Warn("recall: embed cue failed", "user_id", userID, "error", err)
		return unavailable, false
	}

	topK, minSimilarity := r.tuning()
	results, err := r.store.Search(ctx, vec, memory.SearchOpts{
		UserID:        userID,
		TopK:          topK,
		MinSimilarity: minSimilarity,
	})
	if err != nil {
		r.logger.Warn("recall: search failed", "user_id", userID, "error", err)
		return unavailable, false
	}
	if len(results) == 0 {
		return noMemories, true
	}

	lines := make([]string, len(results))
	for i, res := range results {
		lines[i] = formatLine(res.Memory)
	}
	return strings.Join(lines, "\n"), true
}

// formatLine renders one memory as a bullet with its metadata bracket. The
// category segment is omitted when the memory has none.
func formatLine(m memory.Memory) string {
	if m.Category == "" {
		return fmt.Sprintf("- %s [importance: %.2f, confidence: %.2f]", m.Content, m.Importance, m.Confidence)
	}
	return fmt.Sprintf("- %s [%s, importance: %.2f, confidence: %.2f]", m.Content, m.Category, m.Importance, m.Confidence)
}
