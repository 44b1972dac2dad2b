package memory

import (
	"encoding/json"
	"time"
)

// Action records which lifecycle event last produced a memory row.
type Action string

const (
	// ActionAdd marks a memory created from a brand-new fact.
	ActionAdd Action = "ADD"

	// ActionUpdate marks a memory whose content was rewritten by a later fact.
	ActionUpdate Action = "UPDATE"

	// ActionDelete marks a memory retired by an explicit deletion.
	ActionDelete Action = "DELETE"
)

// IsValid reports whether a is a recognised action.
func (a Action) IsValid() bool {
	switch a {
	case ActionAdd, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ContentType distinguishes the two halves of a conversational turn.
type ContentType string

const (
	// ContentTypeQuery is the user's side of a turn.
	ContentTypeQuery ContentType = "query"

	// ContentTypeResponse is the assistant's side of a turn.
	ContentTypeResponse ContentType = "response"
)

// IsValid reports whether ct is a recognised content type.
func (ct ContentType) IsValid() bool {
	return ct == ContentTypeQuery || ct == ContentTypeResponse
}

// Memory is a durable, embedded fact owned by a single user.
type Memory struct {
	// ID is the store-assigned primary key.
	ID int64

	// UserID is the owning user. Every read and write is scoped by it.
	UserID string

	// Content is the current fact text.
	Content string

	// PrevContent is the content replaced by the most recent UPDATE.
	// Nil for memories that have only ever been added.
	PrevContent *string

	// Category is a free-form tag assigned during fact extraction
	// (e.g., "location", "preference").
	Category string

	// Importance is the extraction model's importance score in [0, 1].
	Importance float64

	// Confidence is the extraction model's confidence score in [0, 1].
	Confidence float64

	// Action is the last lifecycle event that produced this row.
	Action Action

	// Embedding is the vector representation of Content as of the last write.
	// Its dimension matches the store's configured embedding dimension.
	Embedding []float32

	// CreatedAt is when the memory was first added.
	CreatedAt time.Time

	// UpdatedAt is when the memory was last written.
	UpdatedAt time.Time
}

// Story is the scoping container for a conversation. It maps messages to an
// owner and names the handler that knows how to render its message content.
type Story struct {
	// ID is the store-assigned primary key.
	ID int64

	// UserID is the owning user.
	UserID string

	// Name is an optional human-readable title.
	Name string

	// Handler names the registered story handler for this conversation.
	Handler string

	// CreatedAt is when the story was created.
	CreatedAt time.Time

	// UpdatedAt is when the story was last modified.
	UpdatedAt time.Time
}

// Message is one half of a conversational turn persisted by a handler.
type Message struct {
	// ID is the store-assigned primary key.
	ID int64

	// StoryID is the parent story.
	StoryID int64

	// ContentType is query or response.
	ContentType ContentType

	// Content is the handler-defined JSON payload. Its schema depends on the
	// parent story's handler; parsing happens at the rendering boundary.
	Content json.RawMessage

	// Extracted reports whether a successful extraction run has consumed
	// this message. It flips to true exactly once, atomically with the
	// memory mutations derived from it.
	Extracted bool

	// CreatedAt is when the message was persisted.
	CreatedAt time.Time

	// UpdatedAt is when the message was last modified.
	UpdatedAt time.Time
}

// PendingMessage is a message joined to its story's owner and handler,
// as loaded by [ConversationStore.PendingMessages] for extraction.
type PendingMessage struct {
	Message

	// UserID is the owning user, derived from the parent story.
	UserID string

	// Handler is the parent story's handler name.
	Handler string
}

// SearchResult pairs a retrieved memory with its cosine similarity to the
// query embedding. Similarity is 1 − cosine distance; higher is closer.
type SearchResult struct {
	Memory Memory

	// Similarity is in [-1, 1] for arbitrary vectors and [0, 1] for the
	// normalised embeddings produced by the configured providers.
	Similarity float64
}

// Insert describes a new memory to append.
type Insert struct {
	// UserID is the owning user.
	UserID string

	// Content is the fact text.
	Content string

	// Category tags the fact.
	Category string

	// Importance is the extraction importance score in [0, 1].
	Importance float64

	// Confidence is the extraction confidence score in [0, 1].
	Confidence float64

	// Embedding is the precomputed embedding of Content.
	Embedding []float32
}

// Update describes a rewrite of an existing memory's content. The store
// moves the target's current content into previous_content as part of the
// same statement, so callers never supply it.
type Update struct {
	// ID identifies the target memory.
	ID int64

	// UserID is the expected owner. Updates never cross user boundaries.
	UserID string

	// Content is the replacement fact text.
	Content string

	// Embedding is the precomputed embedding of the replacement Content.
	Embedding []float32
}
