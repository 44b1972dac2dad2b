package extraction

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/engram/internal/handler"
	memorymock "github.com/MrWong99/engram/pkg/memory/mock"
	embedmock "github.com/MrWong99/engram/pkg/provider/embeddings/mock"
	"github.com/MrWong99/engram/pkg/provider/llm"
	llmmock "github.com/MrWong99/engram/pkg/provider/llm/mock"
)

func testPipeline(t *testing.T, mockLLM *llmmock.Provider) *Pipeline {
	t.Helper()
	p, err := New(Config{
		Conversations: &memorymock.ConversationStore{},
		Store:         &memorymock.Store{},
		Applier:       &memorymock.Applier{},
		LLM:           mockLLM,
		Embedder:      &embedmock.Provider{DimensionsValue: 3},
		Handlers:      handler.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestFactRetrievalPromptCarriesCurrentDate(t *testing.T) {
	mockLLM := &llmmock.Provider{
		CompleteResponses: map[string]*llm.CompletionResponse{
			"fact_retrieval": {Content: `{"facts":[]}`},
		},
	}
	p := testPipeline(t, mockLLM)
	p.now = func() time.Time { return time.Date(2025, time.March, 9, 14, 0, 0, 0, time.UTC) }

	if _, err := p.retrieveFacts(context.Background(), "User: hello"); err != nil {
		t.Fatalf("retrieveFacts: %v", err)
	}
	prompt := mockLLM.CompleteCalls[0].Req.SystemPrompt
	if !strings.Contains(prompt, "Today's date is 2025-03-09.") {
		t.Errorf("system prompt missing the formatted date:\n%s", prompt)
	}
}

func TestRetrieveFactsTrimsAndDropsBlankText(t *testing.T) {
	mockLLM := &llmmock.Provider{
		CompleteResponses: map[string]*llm.CompletionResponse{
			"fact_retrieval": {Content: `{"facts":[
				{"text":"   ","category":"noise","importance":0.1,"confidence":0.1},
				{"text":"  Runs every morning  ","category":"habit","importance":0.5,"confidence":0.8}]}`},
		},
	}
	p := testPipeline(t, mockLLM)

	facts, err := p.retrieveFacts(context.Background(), "User: hello")
	if err != nil {
		t.Fatalf("retrieveFacts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("got %d facts, want 1", len(facts))
	}
	if facts[0].Text != "Runs every morning" {
		t.Errorf("fact text = %q, want trimmed", facts[0].Text)
	}
}

func TestSchemasNameTheirDocumentRoots(t *testing.T) {
	facts := FactRetrievalSchema()
	if props, ok := facts["properties"].(map[string]any); !ok || props["facts"] == nil {
		t.Errorf("fact retrieval schema missing facts property: %v", facts)
	}
	update := MemoryUpdateSchema()
	if props, ok := update["properties"].(map[string]any); !ok || props["memory"] == nil {
		t.Errorf("memory update schema missing memory property: %v", update)
	}
}
