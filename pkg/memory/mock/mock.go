// Package mock provides in-memory test doubles for the storage interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.SearchResult = []memory.SearchResult{{Memory: memory.Memory{ID: 1}, Similarity: 0.9}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("Search"); got != 1 {
//	    t.Errorf("expected 1 Search call, got %d", got)
//	}
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/MrWong99/engram/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// calls is the shared recording core embedded in every mock.
type calls struct {
	mu    sync.Mutex
	calls []Call
}

func (c *calls) record(method string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (c *calls) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (c *calls) CallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (c *calls) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Store mock
// ─────────────────────────────────────────────────────────────────────────────

// Store is a configurable test double for [memory.Store].
// All exported *Err fields default to nil (success); slice-valued *Result
// fields default to nil (empty non-nil slice returned).
type Store struct {
	calls

	// InsertResult is returned by [Store.Insert]. When nil, Insert echoes
	// the input back as a stored memory with ID 1.
	InsertResult *memory.Memory

	// InsertErr is returned by [Store.Insert] when non-nil.
	InsertErr error

	// UpdateResult is returned by [Store.Update]. When nil, Update echoes
	// the input back as a stored memory.
	UpdateResult *memory.Memory

	// UpdateErr is returned by [Store.Update] when non-nil.
	UpdateErr error

	// GetResult is returned by [Store.Get]. Nil means "not found".
	GetResult *memory.Memory

	// GetErr is returned by [Store.Get] when non-nil.
	GetErr error

	// SearchResult is returned by every [Store.Search] call.
	SearchResult []memory.SearchResult

	// SearchErr is returned by [Store.Search] when non-nil.
	SearchErr error

	// BulkSearchResult is returned by [Store.BulkSearch]. When nil,
	// BulkSearch returns one empty inner slice per query embedding.
	BulkSearchResult [][]memory.SearchResult

	// BulkSearchErr is returned by [Store.BulkSearch] when non-nil.
	BulkSearchErr error

	// ListByUserResult is returned by [Store.ListByUser].
	ListByUserResult []memory.Memory

	// ListByUserErr is returned by [Store.ListByUser] when non-nil.
	ListByUserErr error

	// DeleteByUserResult is returned by [Store.DeleteByUser].
	DeleteByUserResult int64

	// DeleteByUserErr is returned by [Store.DeleteByUser] when non-nil.
	DeleteByUserErr error
}

var _ memory.Store = (*Store)(nil)

// Insert implements [memory.Store].
func (m *Store) Insert(_ context.Context, ins memory.Insert, action memory.Action) (*memory.Memory, error) {
	m.record("Insert", ins, action)
	if m.InsertErr != nil {
		return nil, m.InsertErr
	}
	if m.InsertResult != nil {
		return m.InsertResult, nil
	}
	return &memory.Memory{
		ID:         1,
		UserID:     ins.UserID,
		Content:    ins.Content,
		Category:   ins.Category,
		Importance: ins.Importance,
		Confidence: ins.Confidence,
		Action:     action,
		Embedding:  ins.Embedding,
	}, nil
}

// Update implements [memory.Store].
func (m *Store) Update(_ context.Context, upd memory.Update, action memory.Action) (*memory.Memory, error) {
	m.record("Update", upd, action)
	if m.UpdateErr != nil {
		return nil, m.UpdateErr
	}
	if m.UpdateResult != nil {
		return m.UpdateResult, nil
	}
	return &memory.Memory{
		ID:        upd.ID,
		UserID:    upd.UserID,
		Content:   upd.Content,
		Action:    action,
		Embedding: upd.Embedding,
	}, nil
}

// Get implements [memory.Store].
func (m *Store) Get(_ context.Context, id int64) (*memory.Memory, error) {
	m.record("Get", id)
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	return m.GetResult, nil
}

// Search implements [memory.Searcher].
func (m *Store) Search(_ context.Context, embedding []float32, opts memory.SearchOpts) ([]memory.SearchResult, error) {
	m.record("Search", embedding, opts)
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	if m.SearchResult == nil {
		return []memory.SearchResult{}, nil
	}
	out := make([]memory.SearchResult, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, nil
}

// BulkSearch implements [memory.Store].
func (m *Store) BulkSearch(_ context.Context, embeddings [][]float32, opts memory.SearchOpts) ([][]memory.SearchResult, error) {
	m.record("BulkSearch", embeddings, opts)
	if m.BulkSearchErr != nil {
		return nil, m.BulkSearchErr
	}
	if m.BulkSearchResult != nil {
		out := make([][]memory.SearchResult, len(m.BulkSearchResult))
		copy(out, m.BulkSearchResult)
		return out, nil
	}
	out := make([][]memory.SearchResult, len(embeddings))
	for i := range out {
		out[i] = []memory.SearchResult{}
	}
	return out, nil
}

// ListByUser implements [memory.Store].
func (m *Store) ListByUser(_ context.Context, userID string, limit int) ([]memory.Memory, error) {
	m.record("ListByUser", userID, limit)
	if m.ListByUserErr != nil {
		return nil, m.ListByUserErr
	}
	if m.ListByUserResult == nil {
		return []memory.Memory{}, nil
	}
	out := make([]memory.Memory, len(m.ListByUserResult))
	copy(out, m.ListByUserResult)
	return out, nil
}

// DeleteByUser implements [memory.Store].
func (m *Store) DeleteByUser(_ context.Context, userID string) (int64, error) {
	m.record("DeleteByUser", userID)
	if m.DeleteByUserErr != nil {
		return 0, m.DeleteByUserErr
	}
	return m.DeleteByUserResult, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ConversationStore mock
// ─────────────────────────────────────────────────────────────────────────────

// ConversationStore is a configurable test double for
// [memory.ConversationStore].
type ConversationStore struct {
	calls

	// CreateStoryResult is returned by [ConversationStore.CreateStory].
	// When nil, CreateStory echoes the input back with ID 1.
	CreateStoryResult *memory.Story

	// CreateStoryErr is returned by [ConversationStore.CreateStory] when non-nil.
	CreateStoryErr error

	// GetStoryResult is returned by [ConversationStore.GetStory]. Nil means
	// "not found".
	GetStoryResult *memory.Story

	// GetStoryErr is returned by [ConversationStore.GetStory] when non-nil.
	GetStoryErr error

	// AppendMessageResult is returned by [ConversationStore.AppendMessage].
	// When nil, AppendMessage echoes the input back with ID 1.
	AppendMessageResult *memory.Message

	// AppendMessageErr is returned by [ConversationStore.AppendMessage] when non-nil.
	AppendMessageErr error

	// PendingMessagesResult is returned by [ConversationStore.PendingMessages].
	PendingMessagesResult []memory.PendingMessage

	// PendingMessagesErr is returned by [ConversationStore.PendingMessages] when non-nil.
	PendingMessagesErr error

	// PendingUsersResult is returned by [ConversationStore.PendingUsers].
	PendingUsersResult []string

	// PendingUsersErr is returned by [ConversationStore.PendingUsers] when non-nil.
	PendingUsersErr error

	// MessagesByStoryResult is returned by [ConversationStore.MessagesByStory].
	MessagesByStoryResult []memory.Message

	// MessagesByStoryErr is returned by [ConversationStore.MessagesByStory] when non-nil.
	MessagesByStoryErr error
}

var _ memory.ConversationStore = (*ConversationStore)(nil)

// CreateStory implements [memory.ConversationStore].
func (m *ConversationStore) CreateStory(_ context.Context, userID, name, handler string) (*memory.Story, error) {
	m.record("CreateStory", userID, name, handler)
	if m.CreateStoryErr != nil {
		return nil, m.CreateStoryErr
	}
	if m.CreateStoryResult != nil {
		return m.CreateStoryResult, nil
	}
	return &memory.Story{ID: 1, UserID: userID, Name: name, Handler: handler}, nil
}

// GetStory implements [memory.ConversationStore].
func (m *ConversationStore) GetStory(_ context.Context, id int64) (*memory.Story, error) {
	m.record("GetStory", id)
	if m.GetStoryErr != nil {
		return nil, m.GetStoryErr
	}
	return m.GetStoryResult, nil
}

// AppendMessage implements [memory.ConversationStore].
func (m *ConversationStore) AppendMessage(_ context.Context, storyID int64, ct memory.ContentType, content json.RawMessage) (*memory.Message, error) {
	m.record("AppendMessage", storyID, ct, content)
	if m.AppendMessageErr != nil {
		return nil, m.AppendMessageErr
	}
	if m.AppendMessageResult != nil {
		return m.AppendMessageResult, nil
	}
	return &memory.Message{ID: 1, StoryID: storyID, ContentType: ct, Content: content}, nil
}

// PendingMessages implements [memory.ConversationStore].
func (m *ConversationStore) PendingMessages(_ context.Context, userID string) ([]memory.PendingMessage, error) {
	m.record("PendingMessages", userID)
	if m.PendingMessagesErr != nil {
		return nil, m.PendingMessagesErr
	}
	if m.PendingMessagesResult == nil {
		return []memory.PendingMessage{}, nil
	}
	out := make([]memory.PendingMessage, len(m.PendingMessagesResult))
	copy(out, m.PendingMessagesResult)
	return out, nil
}

// PendingUsers implements [memory.ConversationStore].
func (m *ConversationStore) PendingUsers(_ context.Context) ([]string, error) {
	m.record("PendingUsers")
	if m.PendingUsersErr != nil {
		return nil, m.PendingUsersErr
	}
	if m.PendingUsersResult == nil {
		return []string{}, nil
	}
	out := make([]string, len(m.PendingUsersResult))
	copy(out, m.PendingUsersResult)
	return out, nil
}

// MessagesByStory implements [memory.ConversationStore].
func (m *ConversationStore) MessagesByStory(_ context.Context, storyID int64) ([]memory.Message, error) {
	m.record("MessagesByStory", storyID)
	if m.MessagesByStoryErr != nil {
		return nil, m.MessagesByStoryErr
	}
	if m.MessagesByStoryResult == nil {
		return []memory.Message{}, nil
	}
	out := make([]memory.Message, len(m.MessagesByStoryResult))
	copy(out, m.MessagesByStoryResult)
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Applier mock
// ─────────────────────────────────────────────────────────────────────────────

// Applier is a configurable test double for [memory.Applier].
type Applier struct {
	calls

	// ApplyErr is returned by [Applier.ApplyExtraction] when non-nil.
	ApplyErr error
}

var _ memory.Applier = (*Applier)(nil)

// ApplyExtraction implements [memory.Applier]. On success it reports
// len(adds) added and len(updates) updated, mirroring the transactional
// all-or-nothing contract.
func (m *Applier) ApplyExtraction(_ context.Context, userID string, adds []memory.Insert, updates []memory.Update, messageIDs []int64) (int, int, error) {
	m.record("ApplyExtraction", userID, adds, updates, messageIDs)
	if m.ApplyErr != nil {
		return 0, 0, m.ApplyErr
	}
	return len(adds), len(updates), nil
}
