package extraction_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/engram/internal/extraction"
	"github.com/MrWong99/engram/internal/handler"
	"github.com/MrWong99/engram/pkg/memory"
	memorymock "github.com/MrWong99/engram/pkg/memory/mock"
	embedmock "github.com/MrWong99/engram/pkg/provider/embeddings/mock"
	"github.com/MrWong99/engram/pkg/provider/llm"
	llmmock "github.com/MrWong99/engram/pkg/provider/llm/mock"
)

// fixtures bundles the pipeline's mocked collaborators so tests can configure
// responses before the run and inspect recorded calls after it.
type fixtures struct {
	conv    *memorymock.ConversationStore
	store   *memorymock.Store
	applier *memorymock.Applier
	llm     *llmmock.Provider
	embed   *embedmock.Provider
}

func newFixtures() *fixtures {
	return &fixtures{
		conv:    &memorymock.ConversationStore{},
		store:   &memorymock.Store{},
		applier: &memorymock.Applier{},
		llm:     &llmmock.Provider{},
		embed:   &embedmock.Provider{DimensionsValue: 3},
	}
}

func newPipeline(t *testing.T, fx *fixtures) *extraction.Pipeline {
	t.Helper()
	reg := handler.NewRegistry()
	reg.Register(handler.Chat{})
	reg.Register(handler.Journal{})
	p, err := extraction.New(extraction.Config{
		Conversations: fx.conv,
		Store:         fx.store,
		Applier:       fx.applier,
		LLM:           fx.llm,
		Embedder:      fx.embed,
		Handlers:      reg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func pendingChat(id int64, ct memory.ContentType, content string) memory.PendingMessage {
	return memory.PendingMessage{
		Message: memory.Message{ID: id, StoryID: 1, ContentType: ct, Content: []byte(content)},
		UserID:  "u1",
		Handler: "chat",
	}
}

// lastApply returns the arguments of the most recent ApplyExtraction call.
func lastApply(t *testing.T, a *memorymock.Applier) (string, []memory.Insert, []memory.Update, []int64) {
	t.Helper()
	calls := a.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Method != "ApplyExtraction" {
			continue
		}
		args := calls[i].Args
		return args[0].(string), args[1].([]memory.Insert), args[2].([]memory.Update), args[3].([]int64)
	}
	t.Fatal("ApplyExtraction was never called")
	return "", nil, nil, nil
}

// ───────────────────────── construction ─────────────────────────

func TestNewRequiresCollaborators(t *testing.T) {
	base := func() extraction.Config {
		fx := newFixtures()
		return extraction.Config{
			Conversations: fx.conv,
			Store:         fx.store,
			Applier:       fx.applier,
			LLM:           fx.llm,
			Embedder:      fx.embed,
			Handlers:      handler.NewRegistry(),
		}
	}

	cases := []struct {
		name string
		mut  func(*extraction.Config)
	}{
		{"missing conversation store", func(c *extraction.Config) { c.Conversations = nil }},
		{"missing memory store", func(c *extraction.Config) { c.Store = nil }},
		{"missing applier", func(c *extraction.Config) { c.Applier = nil }},
		{"missing llm", func(c *extraction.Config) { c.LLM = nil }},
		{"missing embedder", func(c *extraction.Config) { c.Embedder = nil }},
		{"missing handlers", func(c *extraction.Config) { c.Handlers = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mut(&cfg)
			if _, err := extraction.New(cfg); err == nil {
				t.Error("New succeeded, want error")
			}
		})
	}

	if _, err := extraction.New(base()); err != nil {
		t.Errorf("New with full config: %v", err)
	}
}

func TestExtractRequiresUserID(t *testing.T) {
	p := newPipeline(t, newFixtures())
	if _, err := p.Extract(context.Background(), ""); err == nil {
		t.Error("Extract with empty user id succeeded, want error")
	}
}

// ───────────────────────── full runs ─────────────────────────

func TestExtractNothingPending(t *testing.T) {
	fx := newFixtures()
	p := newPipeline(t, fx)

	stats, err := p.Extract(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if stats != (extraction.Stats{}) {
		t.Errorf("stats = %+v, want zero", stats)
	}
	if len(fx.llm.CompleteCalls) != 0 {
		t.Errorf("llm called %d times on empty batch, want 0", len(fx.llm.CompleteCalls))
	}
	if got := fx.applier.CallCount("ApplyExtraction"); got != 0 {
		t.Errorf("ApplyExtraction called %d times on empty batch, want 0", got)
	}
}

func TestExtractColdStartAddsAllFacts(t *testing.T) {
	fx := newFixtures()
	fx.conv.PendingMessagesResult = []memory.PendingMessage{
		pendingChat(11, memory.ContentTypeQuery, `{"question":"I just moved to Lisbon!"}`),
		pendingChat(12, memory.ContentTypeResponse, `{"answer":"Congratulations on the move!"}`),
	}
	fx.llm.CompleteResponses = map[string]*llm.CompletionResponse{
		"fact_retrieval": {Content: `{"facts":[
			{"text":"Moved to Lisbon","category":"location","importance":0.8,"confidence":0.9},
			{"text":"Works as a florist","category":"work","importance":0.6,"confidence":0.7}]}`},
		"memory_update": {Content: `{"memory":[
			{"id":"1","event":"ADD","text":""},
			{"id":"2","event":"ADD","text":""}]}`},
	}
	fx.embed.VectorsByText = map[string][]float32{
		"Moved to Lisbon":    {1, 0, 0},
		"Works as a florist": {0, 1, 0},
	}
	p := newPipeline(t, fx)

	stats, err := p.Extract(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := extraction.Stats{FactsExtracted: 2, MemoriesAdded: 2, MessagesExtracted: 2}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	// The conversation is rendered through the chat handler, blank line
	// between messages.
	factReq := fx.llm.CompleteCalls[0].Req
	if factReq.Schema == nil || factReq.Schema.Name != "fact_retrieval" {
		t.Fatalf("first completion schema = %+v, want fact_retrieval", factReq.Schema)
	}
	wantConv := "User: I just moved to Lisbon!\n\nAssistant: Congratulations on the move!"
	if got := factReq.Messages[0].Content; got != wantConv {
		t.Errorf("rendered conversation = %q, want %q", got, wantConv)
	}

	// No existing memories: the decision input lists none.
	decideReq := fx.llm.CompleteCalls[1].Req
	if decideReq.Schema == nil || decideReq.Schema.Name != "memory_update" {
		t.Fatalf("second completion schema = %+v, want memory_update", decideReq.Schema)
	}
	if !strings.Contains(decideReq.Messages[0].Content, "(none)") {
		t.Errorf("decision input missing the empty-memories marker:\n%s", decideReq.Messages[0].Content)
	}

	userID, adds, updates, messageIDs := lastApply(t, fx.applier)
	if userID != "u1" {
		t.Errorf("applied for user %q, want u1", userID)
	}
	if len(adds) != 2 || len(updates) != 0 {
		t.Fatalf("apply got %d adds and %d updates, want 2 and 0", len(adds), len(updates))
	}
	if adds[0].Content != "Moved to Lisbon" || adds[0].Category != "location" {
		t.Errorf("adds[0] = %+v", adds[0])
	}
	if adds[0].Importance != 0.8 || adds[0].Confidence != 0.9 {
		t.Errorf("adds[0] scores = %v/%v, want 0.8/0.9", adds[0].Importance, adds[0].Confidence)
	}
	if !slices.Equal(adds[0].Embedding, []float32{1, 0, 0}) {
		t.Errorf("adds[0].Embedding = %v, want the fact embedding", adds[0].Embedding)
	}
	if !slices.Equal(messageIDs, []int64{11, 12}) {
		t.Errorf("messageIDs = %v, want [11 12]", messageIDs)
	}

	// Unchanged texts reuse their fact embeddings; no second embedding batch.
	if got := len(fx.embed.EmbedBatchCalls); got != 1 {
		t.Errorf("EmbedBatch called %d times, want 1", got)
	}
}

func TestExtractUpdatesExistingMemory(t *testing.T) {
	fx := newFixtures()
	fx.conv.PendingMessagesResult = []memory.PendingMessage{
		pendingChat(21, memory.ContentTypeQuery, `{"question":"I went fully vegan last month."}`),
	}
	fx.store.BulkSearchResult = [][]memory.SearchResult{{
		{Memory: memory.Memory{ID: 42, UserID: "u1", Content: "Is vegetarian", Category: "diet"}, Similarity: 0.93},
	}}
	fx.llm.CompleteResponses = map[string]*llm.CompletionResponse{
		"fact_retrieval": {Content: `{"facts":[
			{"text":"Now vegan","category":"diet","importance":0.7,"confidence":0.9}]}`},
		"memory_update": {Content: `{"memory":[
			{"id":"1","event":"UPDATE","text":"Is vegan, previously vegetarian"}]}`},
	}
	fx.embed.VectorsByText = map[string][]float32{
		"Now vegan":                       {0, 0, 1},
		"Is vegan, previously vegetarian": {0, 1, 1},
	}
	p := newPipeline(t, fx)

	stats, err := p.Extract(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := extraction.Stats{FactsExtracted: 1, MemoriesUpdated: 1, MessagesExtracted: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	// Resolution searches with the pipeline's fixed opts.
	var opts memory.SearchOpts
	found := false
	for _, c := range fx.store.Calls() {
		if c.Method == "BulkSearch" {
			opts = c.Args[1].(memory.SearchOpts)
			found = true
		}
	}
	if !found {
		t.Fatal("BulkSearch was never called")
	}
	if opts.UserID != "u1" || opts.TopK != 3 || opts.MinSimilarity != 0.7 {
		t.Errorf("BulkSearch opts = %+v", opts)
	}

	_, adds, updates, _ := lastApply(t, fx.applier)
	if len(adds) != 0 || len(updates) != 1 {
		t.Fatalf("apply got %d adds and %d updates, want 0 and 1", len(adds), len(updates))
	}
	if updates[0].ID != 42 || updates[0].UserID != "u1" {
		t.Errorf("updates[0] targets %d/%q, want 42/u1", updates[0].ID, updates[0].UserID)
	}
	if updates[0].Content != "Is vegan, previously vegetarian" {
		t.Errorf("updates[0].Content = %q", updates[0].Content)
	}
	if !slices.Equal(updates[0].Embedding, []float32{0, 1, 1}) {
		t.Errorf("updates[0].Embedding = %v, want the rewritten text's embedding", updates[0].Embedding)
	}

	// The rewritten text was embedded in a second batch.
	if got := len(fx.embed.EmbedBatchCalls); got != 2 {
		t.Fatalf("EmbedBatch called %d times, want 2", got)
	}
	if texts := fx.embed.EmbedBatchCalls[1].Texts; !slices.Equal(texts, []string{"Is vegan, previously vegetarian"}) {
		t.Errorf("second embedding batch = %v, want the rewritten text only", texts)
	}
}

func TestExtractNoFactsStillConsumesBatch(t *testing.T) {
	fx := newFixtures()
	fx.conv.PendingMessagesResult = []memory.PendingMessage{
		pendingChat(31, memory.ContentTypeQuery, `{"question":"Hi!"}`),
		pendingChat(32, memory.ContentTypeResponse, `{"answer":"Hello! How can I help?"}`),
	}
	fx.llm.CompleteResponses = map[string]*llm.CompletionResponse{
		"fact_retrieval": {Content: `{"facts":[]}`},
	}
	p := newPipeline(t, fx)

	stats, err := p.Extract(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := extraction.Stats{MessagesExtracted: 2}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	// Small talk is consumed without a decision round or any embedding.
	if got := len(fx.llm.CompleteCalls); got != 1 {
		t.Errorf("llm called %d times, want 1", got)
	}
	if got := len(fx.embed.EmbedBatchCalls); got != 0 {
		t.Errorf("EmbedBatch called %d times, want 0", got)
	}
	_, adds, updates, messageIDs := lastApply(t, fx.applier)
	if len(adds) != 0 || len(updates) != 0 {
		t.Errorf("apply got %d adds and %d updates, want none", len(adds), len(updates))
	}
	if !slices.Equal(messageIDs, []int64{31, 32}) {
		t.Errorf("messageIDs = %v, want [31 32]", messageIDs)
	}
}

func TestExtractDropsUnparseableMessages(t *testing.T) {
	fx := newFixtures()
	fx.conv.PendingMessagesResult = []memory.PendingMessage{
		pendingChat(41, memory.ContentTypeQuery, `{"question":"Where is my order?"}`),
		pendingChat(42, memory.ContentTypeQuery, `{"unexpected":"shape"}`),
	}
	fx.llm.CompleteResponses = map[string]*llm.CompletionResponse{
		"fact_retrieval": {Content: `{"facts":[
			{"text":"Has an open order","category":"commerce","importance":0.4,"confidence":0.8}]}`},
		"memory_update": {Content: `{"memory":[{"id":"1","event":"ADD","text":""}]}`},
	}
	fx.embed.VectorsByText = map[string][]float32{"Has an open order": {1, 1, 0}}
	p := newPipeline(t, fx)

	stats, err := p.Extract(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	// Only the valid message is rendered, but both are consumed.
	if got := fx.llm.CompleteCalls[0].Req.Messages[0].Content; got != "User: Where is my order?" {
		t.Errorf("rendered conversation = %q, want the valid line only", got)
	}
	if stats.MessagesExtracted != 2 {
		t.Errorf("MessagesExtracted = %d, want 2", stats.MessagesExtracted)
	}
	_, _, _, messageIDs := lastApply(t, fx.applier)
	if !slices.Equal(messageIDs, []int64{41, 42}) {
		t.Errorf("messageIDs = %v, want both messages consumed", messageIDs)
	}
}

func TestExtractAllMessagesUnparseable(t *testing.T) {
	fx := newFixtures()
	fx.conv.PendingMessagesResult = []memory.PendingMessage{
		pendingChat(51, memory.ContentTypeQuery, `{"wrong":"shape"}`),
		pendingChat(52, memory.ContentTypeResponse, `not even json`),
	}
	p := newPipeline(t, fx)

	stats, err := p.Extract(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := extraction.Stats{MessagesExtracted: 2}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	// An empty rendering skips the LLM entirely but still consumes the batch.
	if got := len(fx.llm.CompleteCalls); got != 0 {
		t.Errorf("llm called %d times, want 0", got)
	}
	if got := fx.applier.CallCount("ApplyExtraction"); got != 1 {
		t.Errorf("ApplyExtraction called %d times, want 1", got)
	}
}

func TestExtractUnknownHandlerAbortsRun(t *testing.T) {
	fx := newFixtures()
	pm := pendingChat(61, memory.ContentTypeQuery, `{"question":"hi"}`)
	pm.Handler = "ghost"
	fx.conv.PendingMessagesResult = []memory.PendingMessage{pm}
	p := newPipeline(t, fx)

	_, err := p.Extract(context.Background(), "u1")
	if !errors.Is(err, handler.ErrUnknownHandler) {
		t.Fatalf("Extract returned %v, want %v", err, handler.ErrUnknownHandler)
	}
	if got := fx.applier.CallCount("ApplyExtraction"); got != 0 {
		t.Errorf("ApplyExtraction called %d times after abort, want 0", got)
	}
}

// ───────────────────────── decision handling ─────────────────────────

func TestExtractDecisionIDNamespace(t *testing.T) {
	fx := newFixtures()
	fx.conv.PendingMessagesResult = []memory.PendingMessage{
		pendingChat(71, memory.ContentTypeQuery, `{"question":"Moving to Bergen, just bought hiking boots."}`),
	}
	// Two facts hit overlapping memories; the related list is deduplicated
	// with first-occurrence order, which fixes the unified ids.
	fx.store.BulkSearchResult = [][]memory.SearchResult{
		{{Memory: memory.Memory{ID: 7, UserID: "u1", Content: "Lives in Oslo"}, Similarity: 0.91}},
		{
			{Memory: memory.Memory{ID: 7, UserID: "u1", Content: "Lives in Oslo"}, Similarity: 0.72},
			{Memory: memory.Memory{ID: 9, UserID: "u1", Content: "Enjoys hiking"}, Similarity: 0.88},
		},
	}
	fx.llm.CompleteResponses = map[string]*llm.CompletionResponse{
		"fact_retrieval": {Content: `{"facts":[
			{"text":"Moved to Bergen","category":"location","importance":0.8,"confidence":0.9},
			{"text":"Bought hiking boots","category":"hobby","importance":0.3,"confidence":0.9}]}`},
		"memory_update": {Content: `{"memory":[
			{"id":"1","event":"UPDATE","text":"Lives in Bergen"},
			{"id":"4","event":"ADD","text":""}]}`},
	}
	fx.embed.VectorsByText = map[string][]float32{
		"Moved to Bergen":     {1, 0, 0},
		"Bought hiking boots": {0, 1, 0},
		"Lives in Bergen":     {1, 1, 0},
	}
	p := newPipeline(t, fx)

	stats, err := p.Extract(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if stats.MemoriesAdded != 1 || stats.MemoriesUpdated != 1 {
		t.Errorf("stats = %+v, want 1 added and 1 updated", stats)
	}

	// Memories and facts share one id sequence: memories 1..2, facts 3..4.
	wantInput := "Existing memories:\n" +
		"1. Lives in Oslo\n" +
		"2. Enjoys hiking\n" +
		"\nNew facts:\n" +
		"3. Moved to Bergen\n" +
		"4. Bought hiking boots\n"
	if got := fx.llm.CompleteCalls[1].Req.Messages[0].Content; got != wantInput {
		t.Errorf("decision input =\n%q\nwant\n%q", got, wantInput)
	}

	_, adds, updates, _ := lastApply(t, fx.applier)
	if len(updates) != 1 || updates[0].ID != 7 {
		t.Fatalf("updates = %+v, want one update of memory 7", updates)
	}
	if updates[0].Content != "Lives in Bergen" {
		t.Errorf("updates[0].Content = %q", updates[0].Content)
	}
	if len(adds) != 1 || adds[0].Content != "Bought hiking boots" {
		t.Fatalf("adds = %+v, want the second fact added verbatim", adds)
	}
	if !slices.Equal(adds[0].Embedding, []float32{0, 1, 0}) {
		t.Errorf("adds[0].Embedding = %v, want the fact embedding reused", adds[0].Embedding)
	}
}

func TestExtractSkipsMalformedDecisions(t *testing.T) {
	fx := newFixtures()
	fx.conv.PendingMessagesResult = []memory.PendingMessage{
		pendingChat(81, memory.ContentTypeQuery, `{"question":"Lots of news today."}`),
	}
	fx.store.BulkSearchResult = [][]memory.SearchResult{
		{{Memory: memory.Memory{ID: 7, UserID: "u1", Content: "Lives in Oslo"}, Similarity: 0.9}},
	}
	// One related memory (id 1) and one fact (id 2). Every decision except
	// the last two is invalid one way or another and must be skipped.
	fx.llm.CompleteResponses = map[string]*llm.CompletionResponse{
		"fact_retrieval": {Content: `{"facts":[
			{"text":"Adopted a dog","category":"family","importance":0.6,"confidence":0.9}]}`},
		"memory_update": {Content: `{"memory":[
			{"id":"abc","event":"ADD","text":"x"},
			{"id":"9","event":"ADD","text":"x"},
			{"id":"1","event":"ADD","text":"x"},
			{"id":"2","event":"UPDATE","text":"x"},
			{"id":"1","event":"UPDATE","text":""},
			{"id":"2","event":"DELETE","text":"x"},
			{"id":"2","event":"ADD","text":""},
			{"id":"1","event":"UPDATE","text":"Lives in Bergen"}]}`},
	}
	fx.embed.VectorsByText = map[string][]float32{
		"Adopted a dog":   {1, 0, 0},
		"Lives in Bergen": {0, 1, 0},
	}
	p := newPipeline(t, fx)

	stats, err := p.Extract(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if stats.MemoriesAdded != 1 || stats.MemoriesUpdated != 1 {
		t.Errorf("stats = %+v, want exactly the two valid decisions applied", stats)
	}

	_, adds, updates, _ := lastApply(t, fx.applier)
	if len(adds) != 1 || adds[0].Content != "Adopted a dog" {
		t.Errorf("adds = %+v, want the single valid ADD", adds)
	}
	if len(updates) != 1 || updates[0].ID != 7 || updates[0].Content != "Lives in Bergen" {
		t.Errorf("updates = %+v, want the single valid UPDATE", updates)
	}
}

// ───────────────────────── failure paths ─────────────────────────

func TestExtractFactRetrievalFailure(t *testing.T) {
	sentinel := errors.New("model overloaded")
	fx := newFixtures()
	fx.conv.PendingMessagesResult = []memory.PendingMessage{
		pendingChat(91, memory.ContentTypeQuery, `{"question":"hi"}`),
	}
	fx.llm.CompleteErrs = map[string]error{"fact_retrieval": sentinel}
	p := newPipeline(t, fx)

	if _, err := p.Extract(context.Background(), "u1"); !errors.Is(err, sentinel) {
		t.Fatalf("Extract returned %v, want %v", err, sentinel)
	}
	if got := fx.applier.CallCount("ApplyExtraction"); got != 0 {
		t.Errorf("ApplyExtraction called %d times after llm failure, want 0", got)
	}
}

func TestExtractMalformedFactsPayload(t *testing.T) {
	fx := newFixtures()
	fx.conv.PendingMessagesResult = []memory.PendingMessage{
		pendingChat(92, memory.ContentTypeQuery, `{"question":"hi"}`),
	}
	fx.llm.CompleteResponses = map[string]*llm.CompletionResponse{
		"fact_retrieval": {Content: `these are not the droids`},
	}
	p := newPipeline(t, fx)

	if _, err := p.Extract(context.Background(), "u1"); !errors.Is(err, llm.ErrInvalidResponse) {
		t.Fatalf("Extract returned %v, want %v", err, llm.ErrInvalidResponse)
	}
}

func TestExtractEmbeddingCountMismatch(t *testing.T) {
	fx := newFixtures()
	fx.conv.PendingMessagesResult = []memory.PendingMessage{
		pendingChat(93, memory.ContentTypeQuery, `{"question":"hi"}`),
	}
	fx.llm.CompleteResponses = map[string]*llm.CompletionResponse{
		"fact_retrieval": {Content: `{"facts":[
			{"text":"A","category":"misc","importance":0.5,"confidence":0.5},
			{"text":"B","category":"misc","importance":0.5,"confidence":0.5}]}`},
	}
	fx.embed.EmbedBatchResult = [][]float32{{1, 0, 0}}
	p := newPipeline(t, fx)

	if _, err := p.Extract(context.Background(), "u1"); err == nil {
		t.Fatal("Extract succeeded with mismatched embedding count, want error")
	}
	if got := fx.applier.CallCount("ApplyExtraction"); got != 0 {
		t.Errorf("ApplyExtraction called %d times, want 0", got)
	}
}

func TestExtractApplyFailureLeavesBatchPending(t *testing.T) {
	sentinel := errors.New("transaction rolled back")
	fx := newFixtures()
	fx.conv.PendingMessagesResult = []memory.PendingMessage{
		pendingChat(94, memory.ContentTypeQuery, `{"question":"I moved to Lisbon."}`),
	}
	fx.llm.CompleteResponses = map[string]*llm.CompletionResponse{
		"fact_retrieval": {Content: `{"facts":[
			{"text":"Moved to Lisbon","category":"location","importance":0.8,"confidence":0.9}]}`},
		"memory_update": {Content: `{"memory":[{"id":"1","event":"ADD","text":""}]}`},
	}
	fx.embed.VectorsByText = map[string][]float32{"Moved to Lisbon": {1, 0, 0}}
	fx.applier.ApplyErr = sentinel
	p := newPipeline(t, fx)

	stats, err := p.Extract(context.Background(), "u1")
	if !errors.Is(err, sentinel) {
		t.Fatalf("Extract returned %v, want %v", err, sentinel)
	}
	if stats != (extraction.Stats{}) {
		t.Errorf("stats = %+v after failed apply, want zero", stats)
	}
}
