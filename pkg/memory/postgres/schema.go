// Package postgres provides the PostgreSQL-backed implementation of the
// Engram storage contracts ([memory.Store], [memory.ConversationStore],
// [memory.Applier]).
//
// All three contracts share a single [pgxpool.Pool] connection pool, which is
// what lets [Store.ApplyExtraction] commit memory mutations and message flag
// flips in one transaction. The pgvector extension must be available in the
// target database; [Migrate] installs it automatically via CREATE EXTENSION
// IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	// write path
//	added, updated, err := store.ApplyExtraction(ctx, userID, adds, updates, messageIDs)
//
//	// read path
//	results, err := store.Search(ctx, cueEmbedding, memory.SearchOpts{UserID: userID, TopK: 5, MinSimilarity: 0.3})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Conversation DDL: stories and messages
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS story (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    name        TEXT         NOT NULL DEFAULT '',
    handler     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_story_user_id
    ON story (user_id);

CREATE TABLE IF NOT EXISTS message (
    id            BIGSERIAL    PRIMARY KEY,
    story_id      BIGINT       NOT NULL REFERENCES story (id) ON DELETE CASCADE,
    content_type  TEXT         NOT NULL CHECK (content_type IN ('query', 'response')),
    content       JSONB        NOT NULL,
    extracted     BOOLEAN      NOT NULL DEFAULT false,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_message_story_id
    ON message (story_id);

CREATE INDEX IF NOT EXISTS idx_message_extracted
    ON message (extracted);

CREATE INDEX IF NOT EXISTS idx_message_story_extracted
    ON message (story_id, extracted);
`

// ddlMemory returns the memory-table DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlMemory(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory (
    id                BIGSERIAL    PRIMARY KEY,
    user_id           TEXT         NOT NULL,
    content           TEXT         NOT NULL,
    previous_content  TEXT,
    category          TEXT         NOT NULL DEFAULT '',
    importance        REAL         NOT NULL DEFAULT 0,
    confidence        REAL         NOT NULL DEFAULT 0,
    action            TEXT         NOT NULL CHECK (action IN ('ADD', 'UPDATE', 'DELETE')),
    embedding         vector(%d)   NOT NULL,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_memory_user_id
    ON memory (user_id);

CREATE INDEX IF NOT EXISTS idx_memory_embedding
    ON memory USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables, indexes, and
// extensions exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE
// INDEX IF NOT EXISTS) and safe to call on every application start.
//
// embeddingDimensions must match the output dimension of the configured
// embedding model (e.g., 1536 for OpenAI text-embedding-3-small). Changing
// this value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlMemory(embeddingDimensions),
		ddlConversations,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
