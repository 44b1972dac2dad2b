package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/engram/pkg/memory"
)

var (
	_ memory.Store             = (*Store)(nil)
	_ memory.ConversationStore = (*Store)(nil)
	_ memory.Applier           = (*Store)(nil)
)

// Store implements every Engram storage contract on one shared
// [pgxpool.Pool]: the vector index ([memory.Store]), stories and messages
// ([memory.ConversationStore]), and the extraction transaction
// ([memory.Applier]). Methods may be called from any goroutine.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a connection pool for dsn, verifies connectivity, and brings
// the schema up to date via [Migrate]. embeddingDimensions is the output
// length of the configured embedding model; it is baked into the vector
// column on first migration.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	if embeddingDimensions <= 0 {
		return nil, fmt.Errorf("postgres open: embedding dimension must be positive, got %d", embeddingDimensions)
	}

	pool, err := newPool(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres open: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// newPool builds the pgx pool with pgvector's types registered on each new
// connection. Without that registration the first scan of a vector column
// fails with an unknown OID.
func newPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	return pool, nil
}

// Ping reports whether the database is reachable. Wired into the readiness
// endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
