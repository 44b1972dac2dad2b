// Package extraction implements the staged pipeline that turns unprocessed
// conversation messages into durable memories.
//
// One run drains a single user's pending messages: render them through their
// story handlers, ask the LLM for normalized facts, embed the facts, resolve
// each fact against existing memories by vector similarity, let the LLM
// decide ADD versus UPDATE per fact, and commit all decisions together with
// the extracted-flag flips in one transaction. A failed run leaves the
// pending set untouched, so the scheduler's retry policy can simply run the
// pipeline again.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/engram/internal/handler"
	"github.com/MrWong99/engram/internal/observe"
	"github.com/MrWong99/engram/pkg/memory"
	"github.com/MrWong99/engram/pkg/provider/embeddings"
	"github.com/MrWong99/engram/pkg/provider/llm"
)

const (
	// resolutionTopK bounds how many similar memories each fact pulls into
	// the decision context.
	resolutionTopK = 3

	// resolutionMinSimilarity filters barely-related memories out of the
	// decision context.
	resolutionMinSimilarity = 0.7
)

// Stats summarizes one extraction run.
type Stats struct {
	// FactsExtracted is how many normalized facts the LLM returned.
	FactsExtracted int

	// MemoriesAdded is how many new memories the run committed.
	MemoriesAdded int

	// MemoriesUpdated is how many existing memories the run rewrote.
	MemoriesUpdated int

	// MessagesExtracted is the size of the consumed batch, counting also
	// messages whose content failed handler validation.
	MessagesExtracted int
}

// Config carries the pipeline's collaborators. Conversations, Store, Applier,
// LLM, Embedder, and Handlers are required.
type Config struct {
	// Conversations loads the pending message batch.
	Conversations memory.ConversationStore

	// Store resolves facts against existing memories via bulk search.
	Store memory.Store

	// Applier commits each run's decisions transactionally.
	Applier memory.Applier

	// LLM produces the fact-retrieval and memory-update completions.
	LLM llm.Provider

	// Embedder turns fact texts into vectors.
	Embedder embeddings.Provider

	// Handlers renders stored messages into conversation lines.
	Handlers *handler.Registry

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *observe.Metrics
}

// Pipeline is the extraction engine. One instance serves all users; runs for
// different users may execute concurrently.
type Pipeline struct {
	conversations memory.ConversationStore
	store         memory.Store
	applier       memory.Applier
	llm           llm.Provider
	embedder      embeddings.Provider
	handlers      *handler.Registry
	logger        *slog.Logger
	metrics       *observe.Metrics

	// now is injectable for deterministic prompt dates in tests.
	now func() time.Time
}

// New validates cfg and returns a ready Pipeline.
func New(cfg Config) (*Pipeline, error) {
	var errs []error
	if cfg.Conversations == nil {
		errs = append(errs, errors.New("extraction: conversation store is required"))
	}
	if cfg.Store == nil {
		errs = append(errs, errors.New("extraction: memory store is required"))
	}
	if cfg.Applier == nil {
		errs = append(errs, errors.New("extraction: applier is required"))
	}
	if cfg.LLM == nil {
		errs = append(errs, errors.New("extraction: llm provider is required"))
	}
	if cfg.Embedder == nil {
		errs = append(errs, errors.New("extraction: embeddings provider is required"))
	}
	if cfg.Handlers == nil {
		errs = append(errs, errors.New("extraction: handler registry is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		conversations: cfg.Conversations,
		store:         cfg.Store,
		applier:       cfg.Applier,
		llm:           cfg.LLM,
		embedder:      cfg.Embedder,
		handlers:      cfg.Handlers,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		now:           time.Now,
	}, nil
}

// Extract runs the full pipeline for one user and returns the run's counts.
// An empty pending set is not an error and returns zero stats. On error the
// store is unchanged and the same messages remain pending.
func (p *Pipeline) Extract(ctx context.Context, userID string) (Stats, error) {
	if userID == "" {
		return Stats{}, errors.New("extraction: user id must not be empty")
	}

	ctx, span := observe.StartSpan(ctx, "extraction.run",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	start := time.Now()
	stats, err := p.run(ctx, userID)
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	p.metrics.RecordExtractionRun(ctx, outcome, elapsed)
	if err != nil {
		return Stats{}, err
	}
	p.metrics.RecordExtractionStats(ctx, stats.FactsExtracted, stats.MemoriesAdded, stats.MemoriesUpdated, stats.MessagesExtracted)

	observe.WithTrace(ctx, p.logger).Info("extraction run finished",
		"user_id", userID,
		"messages", stats.MessagesExtracted,
		"facts", stats.FactsExtracted,
		"added", stats.MemoriesAdded,
		"updated", stats.MemoriesUpdated,
		"elapsed", elapsed)
	return stats, nil
}

func (p *Pipeline) run(ctx context.Context, userID string) (Stats, error) {
	// Stage 1: load the pending batch.
	pending, err := p.conversations.PendingMessages(ctx, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("extraction: load pending messages: %w", err)
	}
	if len(pending) == 0 {
		p.logger.Debug("nothing pending", "user_id", userID)
		return Stats{}, nil
	}

	messageIDs := make([]int64, len(pending))
	for i, pm := range pending {
		messageIDs[i] = pm.ID
	}
	var stats Stats
	stats.MessagesExtracted = len(pending)

	// Stage 2: render the conversation and retrieve facts.
	conversation, err := p.renderConversation(pending)
	if err != nil {
		return Stats{}, err
	}
	var facts []Fact
	if conversation != "" {
		facts, err = p.retrieveFacts(ctx, conversation)
		if err != nil {
			return Stats{}, err
		}
	}
	stats.FactsExtracted = len(facts)

	if len(facts) == 0 {
		// Nothing worth storing; the batch is still consumed so these
		// messages are never re-processed.
		if _, _, err := p.applier.ApplyExtraction(ctx, userID, nil, nil, messageIDs); err != nil {
			return Stats{}, fmt.Errorf("extraction: apply empty run: %w", err)
		}
		return stats, nil
	}

	// Stage 3: embed fact texts, order-aligned with facts.
	factEmbeddings, err := p.embedFacts(ctx, facts)
	if err != nil {
		return Stats{}, err
	}

	// Stage 4: pull similar existing memories into one deduplicated list.
	related, err := p.relatedMemories(ctx, userID, factEmbeddings)
	if err != nil {
		return Stats{}, err
	}

	// Stage 5: ADD/UPDATE decisions.
	plan, err := p.decide(ctx, userID, related, facts, factEmbeddings)
	if err != nil {
		return Stats{}, err
	}

	// Stage 6: commit decisions and flag flips atomically.
	added, updated, err := p.applier.ApplyExtraction(ctx, userID, plan.adds, plan.updates, messageIDs)
	if err != nil {
		return Stats{}, fmt.Errorf("extraction: apply: %w", err)
	}
	stats.MemoriesAdded = added
	stats.MemoriesUpdated = updated
	return stats, nil
}

// renderConversation turns the pending batch into the prompt conversation,
// one line per message, blank lines between. Messages whose content fails
// their handler's schema are dropped from the rendering but stay in the
// batch; an unknown handler aborts the whole run.
func (p *Pipeline) renderConversation(pending []memory.PendingMessage) (string, error) {
	lines := make([]string, 0, len(pending))
	for _, pm := range pending {
		h, err := p.handlers.Lookup(pm.Handler)
		if err != nil {
			return "", fmt.Errorf("extraction: render message %d: %w", pm.ID, err)
		}
		line, err := h.MessageToString(pm.Message)
		if err != nil {
			if errors.Is(err, handler.ErrContentSchema) {
				p.logger.Debug("dropping message from rendering",
					"message_id", pm.ID,
					"handler", pm.Handler,
					"error", err)
				continue
			}
			return "", fmt.Errorf("extraction: render message %d: %w", pm.ID, err)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n\n"), nil
}

// retrieveFacts asks the LLM for normalized facts about the user. Facts with
// empty trimmed text are dropped.
func (p *Pipeline) retrieveFacts(ctx context.Context, conversation string) ([]Fact, error) {
	start := time.Now()
	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(factRetrievalPrompt, p.now().Format("2006-01-02")),
		Messages:     []llm.Message{{Role: "user", Content: conversation}},
		Schema: &llm.Schema{
			Name:        "fact_retrieval",
			Description: "Facts about the user extracted from a conversation.",
			Definition:  FactRetrievalSchema(),
		},
	})
	p.metrics.RecordProviderRequest(ctx, p.llm.ModelID(), "fact_retrieval", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("extraction: retrieve facts: %w", err)
	}

	var payload factRetrievalPayload
	if err := llm.DecodeJSON(resp.Content, &payload); err != nil {
		return nil, fmt.Errorf("extraction: retrieve facts: %w", err)
	}

	facts := make([]Fact, 0, len(payload.Facts))
	for _, f := range payload.Facts {
		f.Text = strings.TrimSpace(f.Text)
		if f.Text == "" {
			continue
		}
		facts = append(facts, f)
	}
	p.logger.Debug("facts retrieved",
		"facts", len(facts),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return facts, nil
}

func (p *Pipeline) embedFacts(ctx context.Context, facts []Fact) ([][]float32, error) {
	texts := make([]string, len(facts))
	for i, f := range facts {
		texts[i] = f.Text
	}

	start := time.Now()
	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	p.metrics.RecordProviderRequest(ctx, p.embedder.ModelID(), "embed_facts", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("extraction: embed facts: %w", err)
	}
	if len(vecs) != len(facts) {
		return nil, fmt.Errorf("extraction: embed facts: got %d embeddings for %d facts", len(vecs), len(facts))
	}
	return vecs, nil
}

// relatedMemories bulk-searches the store with every fact embedding and
// flattens the hits into one list, deduplicated by memory id with
// first-occurrence order preserved. Its index order defines the unified id
// namespace: memory i gets id i+1, fact j gets id len(related)+j+1.
func (p *Pipeline) relatedMemories(ctx context.Context, userID string, factEmbeddings [][]float32) ([]memory.Memory, error) {
	groups, err := p.store.BulkSearch(ctx, factEmbeddings, memory.SearchOpts{
		UserID:        userID,
		TopK:          resolutionTopK,
		MinSimilarity: resolutionMinSimilarity,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction: search related memories: %w", err)
	}

	var related []memory.Memory
	seen := make(map[int64]bool)
	for _, group := range groups {
		for _, res := range group {
			if seen[res.Memory.ID] {
				continue
			}
			seen[res.Memory.ID] = true
			related = append(related, res.Memory)
		}
	}
	return related, nil
}

// plan is the validated output of the decision stage, ready for the applier.
type plan struct {
	adds    []memory.Insert
	updates []memory.Update
}

// decide asks the LLM for one ADD/UPDATE decision per fact and builds the
// apply plan. Decisions with unparseable or out-of-range ids, ADDs pointing
// at existing memories, and UPDATEs pointing at facts or carrying empty text
// are skipped. Rewritten texts are batch-embedded once via a text-keyed map;
// unchanged texts reuse their fact embeddings.
func (p *Pipeline) decide(ctx context.Context, userID string, related []memory.Memory, facts []Fact, factEmbeddings [][]float32) (plan, error) {
	start := time.Now()
	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: memoryUpdatePrompt,
		Messages:     []llm.Message{{Role: "user", Content: renderDecisionInput(related, facts)}},
		Schema: &llm.Schema{
			Name:        "memory_update",
			Description: "ADD/UPDATE decisions for newly extracted facts.",
			Definition:  MemoryUpdateSchema(),
		},
	})
	p.metrics.RecordProviderRequest(ctx, p.llm.ModelID(), "memory_update", time.Since(start), err)
	if err != nil {
		return plan{}, fmt.Errorf("extraction: decide memory updates: %w", err)
	}

	var payload memoryUpdatePayload
	if err := llm.DecodeJSON(resp.Content, &payload); err != nil {
		return plan{}, fmt.Errorf("extraction: decide memory updates: %w", err)
	}

	type pendingAdd struct {
		fact Fact
		text string
	}
	type pendingUpdate struct {
		targetID int64
		text     string
	}

	embeddingByText := make(map[string][]float32, len(facts))
	for i, f := range facts {
		embeddingByText[f.Text] = factEmbeddings[i]
	}

	var (
		adds    []pendingAdd
		updates []pendingUpdate
		toEmbed []string
	)
	queue := func(text string) {
		if _, ok := embeddingByText[text]; ok {
			return
		}
		for _, queued := range toEmbed {
			if queued == text {
				return
			}
		}
		toEmbed = append(toEmbed, text)
	}

	for _, d := range payload.Memory {
		n, err := strconv.Atoi(strings.TrimSpace(d.ID))
		if err != nil || n < 1 || n > len(related)+len(facts) {
			p.logger.Debug("dropping decision with unknown id", "id", d.ID, "event", d.Event)
			continue
		}
		text := strings.TrimSpace(d.Text)

		switch d.Event {
		case "ADD":
			factIdx := n - len(related) - 1
			if factIdx < 0 {
				p.logger.Debug("dropping ADD aimed at an existing memory", "id", d.ID)
				continue
			}
			fact := facts[factIdx]
			if text == "" {
				text = fact.Text
			}
			adds = append(adds, pendingAdd{fact: fact, text: text})
			queue(text)

		case "UPDATE":
			if n > len(related) {
				p.logger.Debug("dropping UPDATE aimed at a new fact", "id", d.ID)
				continue
			}
			if text == "" {
				p.logger.Debug("dropping UPDATE with empty text", "id", d.ID)
				continue
			}
			updates = append(updates, pendingUpdate{targetID: related[n-1].ID, text: text})
			queue(text)

		default:
			p.logger.Debug("dropping decision with unknown event", "id", d.ID, "event", d.Event)
		}
	}

	if len(toEmbed) > 0 {
		start := time.Now()
		vecs, err := p.embedder.EmbedBatch(ctx, toEmbed)
		p.metrics.RecordProviderRequest(ctx, p.embedder.ModelID(), "embed_rewrites", time.Since(start), err)
		if err != nil {
			return plan{}, fmt.Errorf("extraction: embed rewritten texts: %w", err)
		}
		if len(vecs) != len(toEmbed) {
			return plan{}, fmt.Errorf("extraction: embed rewritten texts: got %d embeddings for %d texts", len(vecs), len(toEmbed))
		}
		for i, text := range toEmbed {
			embeddingByText[text] = vecs[i]
		}
	}

	var out plan
	for _, a := range adds {
		out.adds = append(out.adds, memory.Insert{
			UserID:     userID,
			Content:    a.text,
			Category:   a.fact.Category,
			Importance: a.fact.Importance,
			Confidence: a.fact.Confidence,
			Embedding:  embeddingByText[a.text],
		})
	}
	for _, u := range updates {
		out.updates = append(out.updates, memory.Update{
			ID:        u.targetID,
			UserID:    userID,
			Content:   u.text,
			Embedding: embeddingByText[u.text],
		})
	}
	return out, nil
}

// renderDecisionInput writes the two numbered lists the decision prompt
// refers to. Existing memories come first, then facts, sharing one id
// sequence.
func renderDecisionInput(related []memory.Memory, facts []Fact) string {
	var b strings.Builder
	b.WriteString("Existing memories:\n")
	if len(related) == 0 {
		b.WriteString("(none)\n")
	}
	for i, m := range related {
		fmt.Fprintf(&b, "%d. %s\n", i+1, m.Content)
	}
	b.WriteString("\nNew facts:\n")
	for i, f := range facts {
		fmt.Fprintf(&b, "%d. %s\n", len(related)+i+1, f.Text)
	}
	return b.String()
}
