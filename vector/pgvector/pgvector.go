// Package pgvector implements valet.VectorIndex on PostgreSQL with the
// pgvector extension. Points live in their own table, separate from the
// memory rows, so the two halves of the memory engine can diverge and be
// reconciled by the orphan sweep.
package pgvector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/valetd/valet"
)

// Index stores one vector point per memory id with cosine distance.
type Index struct {
	pool       *pgxpool.Pool
	dimensions int
}

var _ valet.VectorIndex = (*Index)(nil)

// New creates an Index over an externally-owned pool. dimensions fixes
// the width of every embedding written to the table.
func New(pool *pgxpool.Pool, dimensions int) *Index {
	return &Index{pool: pool, dimensions: dimensions}
}

// Init creates the pgvector extension, the points table, and the HNSW
// index. Safe to call multiple times (all statements are idempotent).
func (ix *Index) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_vectors (
			id TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			tags TEXT[] NOT NULL DEFAULT '{}'
		)`, ix.dimensions),
		`CREATE INDEX IF NOT EXISTS memory_vectors_embedding_idx ON memory_vectors USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS memory_vectors_user_idx ON memory_vectors(user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := ix.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgvector: init: %w", err)
		}
	}
	return nil
}

// Dimensions returns the fixed embedding width of the index.
func (ix *Index) Dimensions() int { return ix.dimensions }

// Upsert inserts or replaces the point under id, payload included.
func (ix *Index) Upsert(ctx context.Context, id string, embedding []float32, payload valet.VectorPayload) error {
	if len(embedding) != ix.dimensions {
		return valet.Errorf(valet.KindValidation, "pgvector.upsert",
			"embedding has %d dimensions, index expects %d", len(embedding), ix.dimensions)
	}
	_, err := ix.pool.Exec(ctx,
		`INSERT INTO memory_vectors (id, embedding, user_id, kind, tags)
		 VALUES ($1, $2::vector, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET embedding = EXCLUDED.embedding, user_id = EXCLUDED.user_id,
		     kind = EXCLUDED.kind, tags = EXCLUDED.tags`,
		id, serializeEmbedding(embedding), payload.UserID, payload.Kind, tagsOrEmpty(payload.Tags))
	if err != nil {
		return fmt.Errorf("pgvector: upsert point: %w", err)
	}
	return nil
}

// UpdatePayload rewrites a point's payload, leaving the embedding alone.
func (ix *Index) UpdatePayload(ctx context.Context, id string, payload valet.VectorPayload) error {
	tag, err := ix.pool.Exec(ctx,
		`UPDATE memory_vectors SET user_id=$1, kind=$2, tags=$3 WHERE id=$4`,
		payload.UserID, payload.Kind, tagsOrEmpty(payload.Tags), id)
	if err != nil {
		return fmt.Errorf("pgvector: update payload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return valet.Errorf(valet.KindNotFound, "pgvector.payload", "point %q not found", id)
	}
	return nil
}

// Delete removes a point. Deleting an absent id is not an error.
func (ix *Index) Delete(ctx context.Context, id string) error {
	_, err := ix.pool.Exec(ctx, `DELETE FROM memory_vectors WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pgvector: delete point: %w", err)
	}
	return nil
}

// Search returns the limit nearest points by cosine similarity that match
// the filter, best first. Score is 1 - cosine distance.
func (ix *Index) Search(ctx context.Context, embedding []float32, filter valet.VectorFilter, limit int) ([]valet.VectorHit, error) {
	if len(embedding) != ix.dimensions {
		return nil, valet.Errorf(valet.KindValidation, "pgvector.search",
			"embedding has %d dimensions, index expects %d", len(embedding), ix.dimensions)
	}

	embStr := serializeEmbedding(embedding)
	conds := []string{}
	args := []any{embStr}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = "+arg(filter.UserID))
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = "+arg(string(filter.Kind)))
	}
	if len(filter.Tags) > 0 {
		conds = append(conds, "tags && "+arg(filter.Tags))
	}

	sql := `SELECT id, 1 - (embedding <=> $1::vector) AS score FROM memory_vectors`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += " ORDER BY embedding <=> $1::vector LIMIT " + arg(limit)

	rows, err := ix.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	defer rows.Close()

	var hits []valet.VectorHit
	for rows.Next() {
		var h valet.VectorHit
		if err := rows.Scan(&h.ID, &h.Score); err != nil {
			return nil, fmt.Errorf("pgvector: scan hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ListIDs returns every point id in the index.
func (ix *Index) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := ix.pool.Query(ctx, `SELECT id FROM memory_vectors`)
	if err != nil {
		return nil, fmt.Errorf("pgvector: list ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgvector: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// serializeEmbedding converts []float32 to a string like "[0.1,0.2,0.3]"
// for pgvector's text protocol.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func tagsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
