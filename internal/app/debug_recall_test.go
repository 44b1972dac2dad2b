package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/engram/internal/config"
	"github.com/MrWong99/engram/pkg/memory"
	memorymock "github.com/MrWong99/engram/pkg/memory/mock"
	embedmock "github.com/MrWong99/engram/pkg/provider/embeddings/mock"
	llmmock "github.com/MrWong99/engram/pkg/provider/llm/mock"
	queuemock "github.com/MrWong99/engram/pkg/queue/mock"
)

// opsStore composes the storage mocks into the combined Store contract.
type opsStore struct {
	*memorymock.Store
	*memorymock.ConversationStore
	*memorymock.Applier
}

func (s *opsStore) Ping(context.Context) error { return nil }

// newOpsApp builds an App with injected doubles and returns it together with
// the store mock backing recall searches.
func newOpsApp(t *testing.T) (*App, *memorymock.Store) {
	t.Helper()

	store := &opsStore{
		Store:             &memorymock.Store{},
		ConversationStore: &memorymock.ConversationStore{},
		Applier:           &memorymock.Applier{},
	}
	cfg := &config.Config{
		Server: config.ServerConfig{OpsAddr: "127.0.0.1:0"},
		Memory: config.MemoryConfig{EmbeddingDimensions: 3},
		Queue:  config.QueueConfig{Backend: config.QueueMemory},
		Extraction: config.ExtractionConfig{
			Debounce: config.Duration(10 * time.Millisecond),
			Workers:  1,
		},
	}
	providers := &Providers{
		LLM:        &llmmock.Provider{},
		Embeddings: &embedmock.Provider{DimensionsValue: 3, EmbedResult: []float32{1, 0, 0}},
	}

	a, err := New(context.Background(), cfg, providers,
		WithStore(store),
		WithQueue(&queuemock.Queue{}),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a, store.Store
}

func TestDebugRecall_RequiresParams(t *testing.T) {
	t.Parallel()

	a, _ := newOpsApp(t)

	for _, target := range []string{
		"/debug/recall",
		"/debug/recall?user_id=u1",
		"/debug/recall?cue=what+do+I+like",
	} {
		rec := httptest.NewRecorder()
		a.ops.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want %d", target, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestDebugRecall_ReturnsMemoryBlock(t *testing.T) {
	t.Parallel()

	a, store := newOpsApp(t)
	store.SearchResult = []memory.SearchResult{
		{
			Memory: memory.Memory{
				ID:         7,
				UserID:     "u1",
				Content:    "Prefers oat milk in coffee",
				Category:   "food",
				Importance: 0.6,
				Confidence: 0.9,
			},
			Similarity: 0.92,
		},
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/recall?user_id=u1&cue=coffee+order", nil)
	a.ops.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Prefers oat milk in coffee") {
		t.Errorf("body %q does not contain the recalled memory", body)
	}
	if !strings.Contains(body, "[food, importance: 0.60, confidence: 0.90]") {
		t.Errorf("body %q does not carry the metadata bracket", body)
	}
}

func TestDebugRecall_SentinelWhenEmpty(t *testing.T) {
	t.Parallel()

	a, _ := newOpsApp(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/debug/recall?user_id=u1&cue=anything", nil)
	a.ops.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "(No relevant memories found)" {
		t.Errorf("body = %q, want the no-memories sentinel", got)
	}
}

func TestOpsMux_ServesHealthAndMetrics(t *testing.T) {
	t.Parallel()

	a, _ := newOpsApp(t)

	for _, target := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		a.ops.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", target, rec.Code, http.StatusOK)
		}
	}
}
