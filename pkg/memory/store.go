// Package memory defines the storage contracts of the Engram conversational
// memory engine.
//
// Three interfaces cover the write and read paths of the extraction pipeline
// and prompt recall:
//
//   - [Store]: the per-user vector index of durable memories, with single and
//     bulk top-K cosine search.
//   - [ConversationStore]: the story/message log that handlers append to and
//     extraction drains.
//   - [Applier]: the transactional boundary that commits an extraction run's
//     decisions together with the extracted-flag flips.
//
// All interfaces are public so external packages can supply alternative
// backends (Postgres/pgvector, in-memory, …) without depending on engram
// internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"encoding/json"
)

// ─────────────────────────────────────────────────────────────────────────────
// Search options
// ─────────────────────────────────────────────────────────────────────────────

// SearchOpts configures a similarity search over a user's memories.
type SearchOpts struct {
	// UserID scopes the search to a single owner. Required.
	UserID string

	// TopK caps the number of results. A value of 0 or below yields an
	// empty result without touching the index.
	TopK int

	// MinSimilarity is the exclusive lower bound on cosine similarity.
	// Only memories with similarity strictly greater than this value are
	// returned. 1.0 admits practically nothing.
	MinSimilarity float64
}

// ─────────────────────────────────────────────────────────────────────────────
// Memory store
// ─────────────────────────────────────────────────────────────────────────────

// Searcher is the read-only slice of [Store] used by prompt recall.
type Searcher interface {
	// Search returns up to opts.TopK memories owned by opts.UserID whose
	// cosine similarity to embedding strictly exceeds opts.MinSimilarity,
	// sorted by similarity descending.
	// Returns an empty (non-nil) slice when nothing qualifies.
	Search(ctx context.Context, embedding []float32, opts SearchOpts) ([]SearchResult, error)
}

// Store is the per-user vector index of durable memories.
//
// Implementations must be safe for concurrent use; reads must not block
// writers and must observe either the pre- or post-state of an in-flight
// apply transaction, never a partial one.
type Store interface {
	Searcher

	// Insert appends a new memory and returns the stored row.
	// action records the lifecycle event, ADD for extraction inserts.
	Insert(ctx context.Context, ins Insert, action Action) (*Memory, error)

	// Update rewrites the content, embedding, and action of the memory
	// identified by upd.ID and owned by upd.UserID, moving the previous
	// content into PrevContent in the same statement. It returns the row
	// after the write, or an error when no such memory exists.
	Update(ctx context.Context, upd Update, action Action) (*Memory, error)

	// Get retrieves a memory by id. Returns (nil, nil) when absent.
	Get(ctx context.Context, id int64) (*Memory, error)

	// BulkSearch runs one search per query embedding, all with the same
	// opts. The i-th inner slice corresponds to embeddings[i]; results are
	// independent and never deduplicated across queries. Implementations
	// should fan the queries out concurrently.
	BulkSearch(ctx context.Context, embeddings [][]float32, opts SearchOpts) ([][]SearchResult, error)

	// ListByUser returns up to limit memories owned by userID, most
	// recently updated first. limit <= 0 applies an implementation default.
	ListByUser(ctx context.Context, userID string, limit int) ([]Memory, error)

	// DeleteByUser removes every memory owned by userID and reports how
	// many rows were deleted. Deleting for an unknown user is not an error.
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Conversation store
// ─────────────────────────────────────────────────────────────────────────────

// ConversationStore is the story/message log feeding extraction.
//
// Messages are immutable once written except for the extracted flag, which
// only [Applier.ApplyExtraction] flips.
type ConversationStore interface {
	// CreateStory opens a new conversation container for userID, bound to
	// the named handler.
	CreateStory(ctx context.Context, userID, name, handler string) (*Story, error)

	// GetStory retrieves a story by id. Returns (nil, nil) when absent.
	GetStory(ctx context.Context, id int64) (*Story, error)

	// AppendMessage persists one half of a turn under the given story.
	// content must be valid JSON in the story handler's schema; the store
	// does not validate it beyond well-formedness.
	AppendMessage(ctx context.Context, storyID int64, ct ContentType, content json.RawMessage) (*Message, error)

	// PendingMessages returns every message with extracted = false whose
	// story belongs to userID, joined to the story's handler name, ordered
	// by created_at ascending. Returns an empty (non-nil) slice when the
	// user has nothing pending.
	PendingMessages(ctx context.Context, userID string) ([]PendingMessage, error)

	// PendingUsers returns the distinct owners of messages with
	// extracted = false. The scheduler sweeps it on startup to recover
	// extraction work whose queue job did not survive a restart.
	PendingUsers(ctx context.Context) ([]string, error)

	// MessagesByStory returns all messages of a story in creation order.
	MessagesByStory(ctx context.Context, storyID int64) ([]Message, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Transactional apply
// ─────────────────────────────────────────────────────────────────────────────

// Applier commits the output of an extraction run atomically.
type Applier interface {
	// ApplyExtraction opens a single transaction that inserts every add
	// with action ADD, applies every update with action UPDATE (moving the
	// old content into previous_content), and marks every message in
	// messageIDs as extracted. Either all of it commits or none of it does.
	//
	// updates referencing a memory that does not exist or is not owned by
	// userID fail the whole transaction.
	ApplyExtraction(ctx context.Context, userID string, adds []Insert, updates []Update, messageIDs []int64) (added, updated int, err error)
}
