package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/engram/pkg/memory"
)

// maxBulkConcurrency caps the fan-out of BulkSearch so that a large fact
// batch cannot monopolise the connection pool.
const maxBulkConcurrency = 8

// defaultListLimit applies when ListByUser is called with limit <= 0.
const defaultListLimit = 100

// memoryColumns is the canonical select list for memory rows.
const memoryColumns = `id, user_id, content, previous_content, category, importance, confidence, action, embedding, created_at, updated_at`

// scanMemory reads one memory row in memoryColumns order.
func scanMemory(row pgx.Row) (*memory.Memory, error) {
	var (
		m   memory.Memory
		vec pgvector.Vector
	)
	if err := row.Scan(
		&m.ID,
		&m.UserID,
		&m.Content,
		&m.PrevContent,
		&m.Category,
		&m.Importance,
		&m.Confidence,
		&m.Action,
		&vec,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.Embedding = vec.Slice()
	return &m, nil
}

// Insert implements [memory.Store]. It appends a new memory row and returns
// it as stored.
func (s *Store) Insert(ctx context.Context, ins memory.Insert, action memory.Action) (*memory.Memory, error) {
	if ins.UserID == "" {
		return nil, fmt.Errorf("postgres insert: user id must not be empty")
	}
	if !action.IsValid() {
		return nil, fmt.Errorf("postgres insert: invalid action %q", action)
	}

	const q = `
		INSERT INTO memory
		    (user_id, content, category, importance, confidence, action, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + memoryColumns

	row := s.pool.QueryRow(ctx, q,
		ins.UserID,
		ins.Content,
		ins.Category,
		ins.Importance,
		ins.Confidence,
		string(action),
		pgvector.NewVector(ins.Embedding),
	)
	m, err := scanMemory(row)
	if err != nil {
		return nil, fmt.Errorf("postgres insert: %w", err)
	}
	return m, nil
}

// Update implements [memory.Store]. The target's current content moves into
// previous_content within the same statement, so the swap is atomic even
// outside an explicit transaction.
func (s *Store) Update(ctx context.Context, upd memory.Update, action memory.Action) (*memory.Memory, error) {
	if !action.IsValid() {
		return nil, fmt.Errorf("postgres update: invalid action %q", action)
	}

	const q = `
		UPDATE memory
		SET    previous_content = content,
		       content          = $3,
		       embedding        = $4,
		       action           = $5,
		       updated_at       = now()
		WHERE  id = $1 AND user_id = $2
		RETURNING ` + memoryColumns

	row := s.pool.QueryRow(ctx, q,
		upd.ID,
		upd.UserID,
		upd.Content,
		pgvector.NewVector(upd.Embedding),
		string(action),
	)
	m, err := scanMemory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres update: memory %d not found for user %q", upd.ID, upd.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres update: %w", err)
	}
	return m, nil
}

// Get implements [memory.Store]. It returns (nil, nil) when no memory with
// the given id exists.
func (s *Store) Get(ctx context.Context, id int64) (*memory.Memory, error) {
	const q = `SELECT ` + memoryColumns + ` FROM memory WHERE id = $1`

	m, err := scanMemory(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get: %w", err)
	}
	return m, nil
}

// Search implements [memory.Searcher]. Cosine distance is computed by the
// pgvector <=> operator; similarity is 1 − distance. The min-similarity
// bound is applied as a strict distance upper bound so the HNSW index can
// serve the ordering.
func (s *Store) Search(ctx context.Context, embedding []float32, opts memory.SearchOpts) ([]memory.SearchResult, error) {
	if opts.UserID == "" {
		return nil, fmt.Errorf("postgres search: user id must not be empty")
	}
	if opts.TopK <= 0 {
		return []memory.SearchResult{}, nil
	}

	const q = `
		SELECT ` + memoryColumns + `,
		       embedding <=> $1 AS distance
		FROM   memory
		WHERE  user_id = $2
		  AND  (embedding <=> $1) < $3
		ORDER  BY distance
		LIMIT  $4`

	rows, err := s.pool.Query(ctx, q,
		pgvector.NewVector(embedding),
		opts.UserID,
		1-opts.MinSimilarity,
		opts.TopK,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.SearchResult, error) {
		var (
			sr       memory.SearchResult
			vec      pgvector.Vector
			distance float64
		)
		if err := row.Scan(
			&sr.Memory.ID,
			&sr.Memory.UserID,
			&sr.Memory.Content,
			&sr.Memory.PrevContent,
			&sr.Memory.Category,
			&sr.Memory.Importance,
			&sr.Memory.Confidence,
			&sr.Memory.Action,
			&vec,
			&sr.Memory.CreatedAt,
			&sr.Memory.UpdatedAt,
			&distance,
		); err != nil {
			return memory.SearchResult{}, err
		}
		sr.Memory.Embedding = vec.Slice()
		sr.Similarity = 1 - distance
		return sr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres search: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.SearchResult{}
	}
	return results, nil
}

// BulkSearch implements [memory.Store]. Queries run concurrently on the
// shared pool; the outer result order matches the input order.
func (s *Store) BulkSearch(ctx context.Context, embeddings [][]float32, opts memory.SearchOpts) ([][]memory.SearchResult, error) {
	results := make([][]memory.SearchResult, len(embeddings))
	if len(embeddings) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(len(embeddings), maxBulkConcurrency))

	for i, emb := range embeddings {
		g.Go(func() error {
			res, err := s.Search(gctx, emb, opts)
			if err != nil {
				return fmt.Errorf("query %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("postgres bulk search: %w", err)
	}
	return results, nil
}

// ListByUser implements [memory.Store].
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]memory.Memory, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	const q = `
		SELECT ` + memoryColumns + `
		FROM   memory
		WHERE  user_id = $1
		ORDER  BY updated_at DESC, id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres list: %w", err)
	}

	memories, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Memory, error) {
		m, err := scanMemory(row)
		if err != nil {
			return memory.Memory{}, err
		}
		return *m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres list: scan rows: %w", err)
	}
	if memories == nil {
		memories = []memory.Memory{}
	}
	return memories, nil
}

// DeleteByUser implements [memory.Store].
func (s *Store) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memory WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("postgres delete by user: %w", err)
	}
	return tag.RowsAffected(), nil
}
