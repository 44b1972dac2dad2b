package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/engram/pkg/memory"
)

const storyColumns = `id, user_id, name, handler, created_at, updated_at`

const messageColumns = `id, story_id, content_type, content, extracted, created_at, updated_at`

// scanStory reads one story row in storyColumns order.
func scanStory(row pgx.Row) (*memory.Story, error) {
	var st memory.Story
	if err := row.Scan(
		&st.ID,
		&st.UserID,
		&st.Name,
		&st.Handler,
		&st.CreatedAt,
		&st.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &st, nil
}

// CreateStory implements [memory.ConversationStore].
func (s *Store) CreateStory(ctx context.Context, userID, name, handler string) (*memory.Story, error) {
	if userID == "" {
		return nil, fmt.Errorf("postgres create story: user id must not be empty")
	}
	if handler == "" {
		return nil, fmt.Errorf("postgres create story: handler must not be empty")
	}

	const q = `
		INSERT INTO story (user_id, name, handler)
		VALUES ($1, $2, $3)
		RETURNING ` + storyColumns

	st, err := scanStory(s.pool.QueryRow(ctx, q, userID, name, handler))
	if err != nil {
		return nil, fmt.Errorf("postgres create story: %w", err)
	}
	return st, nil
}

// GetStory implements [memory.ConversationStore]. It returns (nil, nil) when
// no story with the given id exists.
func (s *Store) GetStory(ctx context.Context, id int64) (*memory.Story, error) {
	const q = `SELECT ` + storyColumns + ` FROM story WHERE id = $1`

	st, err := scanStory(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get story: %w", err)
	}
	return st, nil
}

// AppendMessage implements [memory.ConversationStore].
func (s *Store) AppendMessage(ctx context.Context, storyID int64, ct memory.ContentType, content json.RawMessage) (*memory.Message, error) {
	if !ct.IsValid() {
		return nil, fmt.Errorf("postgres append message: invalid content type %q", ct)
	}
	if len(content) == 0 {
		return nil, fmt.Errorf("postgres append message: content must not be empty")
	}

	const q = `
		INSERT INTO message (story_id, content_type, content)
		VALUES ($1, $2, $3)
		RETURNING ` + messageColumns

	var m memory.Message
	err := s.pool.QueryRow(ctx, q, storyID, string(ct), content).Scan(
		&m.ID,
		&m.StoryID,
		&m.ContentType,
		&m.Content,
		&m.Extracted,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres append message: %w", err)
	}
	return &m, nil
}

// PendingMessages implements [memory.ConversationStore]. Messages come back
// in created_at order with the id as a tiebreak, joined to the owning
// story's handler name.
func (s *Store) PendingMessages(ctx context.Context, userID string) ([]memory.PendingMessage, error) {
	if userID == "" {
		return nil, fmt.Errorf("postgres pending messages: user id must not be empty")
	}

	const q = `
		SELECT m.id, m.story_id, m.content_type, m.content, m.extracted,
		       m.created_at, m.updated_at, s.user_id, s.handler
		FROM   message m
		JOIN   story s ON s.id = m.story_id
		WHERE  s.user_id = $1 AND m.extracted = false
		ORDER  BY m.created_at ASC, m.id ASC`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres pending messages: %w", err)
	}

	pending, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.PendingMessage, error) {
		var pm memory.PendingMessage
		if err := row.Scan(
			&pm.ID,
			&pm.StoryID,
			&pm.ContentType,
			&pm.Content,
			&pm.Extracted,
			&pm.CreatedAt,
			&pm.UpdatedAt,
			&pm.UserID,
			&pm.Handler,
		); err != nil {
			return memory.PendingMessage{}, err
		}
		return pm, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres pending messages: scan rows: %w", err)
	}
	if pending == nil {
		pending = []memory.PendingMessage{}
	}
	return pending, nil
}

// PendingUsers implements [memory.ConversationStore]. Users come back in
// ascending order so repeated sweeps visit them deterministically.
func (s *Store) PendingUsers(ctx context.Context) ([]string, error) {
	const q = `
		SELECT DISTINCT s.user_id
		FROM   message m
		JOIN   story s ON s.id = m.story_id
		WHERE  m.extracted = false
		ORDER  BY s.user_id ASC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres pending users: %w", err)
	}

	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var userID string
		err := row.Scan(&userID)
		return userID, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres pending users: scan rows: %w", err)
	}
	if users == nil {
		users = []string{}
	}
	return users, nil
}

// MessagesByStory implements [memory.ConversationStore].
func (s *Store) MessagesByStory(ctx context.Context, storyID int64) ([]memory.Message, error) {
	const q = `
		SELECT ` + messageColumns + `
		FROM   message
		WHERE  story_id = $1
		ORDER  BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, q, storyID)
	if err != nil {
		return nil, fmt.Errorf("postgres messages by story: %w", err)
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Message, error) {
		var m memory.Message
		if err := row.Scan(
			&m.ID,
			&m.StoryID,
			&m.ContentType,
			&m.Content,
			&m.Extracted,
			&m.CreatedAt,
			&m.UpdatedAt,
		); err != nil {
			return memory.Message{}, err
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres messages by story: scan rows: %w", err)
	}
	if messages == nil {
		messages = []memory.Message{}
	}
	return messages, nil
}

// ApplyExtraction implements [memory.Applier]. Inserts, updates, and the
// extracted flag flips share one transaction; a failure anywhere rolls the
// whole run back so a retry sees the original pending set.
func (s *Store) ApplyExtraction(ctx context.Context, userID string, adds []memory.Insert, updates []memory.Update, messageIDs []int64) (added, updated int, err error) {
	if userID == "" {
		return 0, 0, fmt.Errorf("postgres apply extraction: user id must not be empty")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres apply extraction: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const insertQ = `
		INSERT INTO memory
		    (user_id, content, category, importance, confidence, action, embedding)
		VALUES ($1, $2, $3, $4, $5, 'ADD', $6)`

	for _, ins := range adds {
		_, err := tx.Exec(ctx, insertQ,
			userID,
			ins.Content,
			ins.Category,
			ins.Importance,
			ins.Confidence,
			pgvector.NewVector(ins.Embedding),
		)
		if err != nil {
			return 0, 0, fmt.Errorf("postgres apply extraction: insert: %w", err)
		}
		added++
	}

	const updateQ = `
		UPDATE memory
		SET    previous_content = content,
		       content          = $3,
		       embedding        = $4,
		       action           = 'UPDATE',
		       updated_at       = now()
		WHERE  id = $1 AND user_id = $2`

	for _, upd := range updates {
		tag, err := tx.Exec(ctx, updateQ,
			upd.ID,
			userID,
			upd.Content,
			pgvector.NewVector(upd.Embedding),
		)
		if err != nil {
			return 0, 0, fmt.Errorf("postgres apply extraction: update: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return 0, 0, fmt.Errorf("postgres apply extraction: memory %d not found for user %q", upd.ID, userID)
		}
		updated++
	}

	if len(messageIDs) > 0 {
		_, err := tx.Exec(ctx,
			`UPDATE message SET extracted = true, updated_at = now() WHERE id = ANY($1)`,
			messageIDs,
		)
		if err != nil {
			return 0, 0, fmt.Errorf("postgres apply extraction: mark extracted: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("postgres apply extraction: commit: %w", err)
	}
	return added, updated, nil
}
