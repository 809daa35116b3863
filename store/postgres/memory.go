package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/valetd/valet"
)

// MemoryStore implements valet.MemoryRowStore on PostgreSQL.
type MemoryStore struct {
	pool *pgxpool.Pool
}

var _ valet.MemoryRowStore = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore over an externally-owned pool.
func NewMemoryStore(pool *pgxpool.Pool) *MemoryStore {
	return &MemoryStore{pool: pool}
}

const memoryColumns = `id, user_id, kind, title, content, tags, conversation_id, source_references_json, is_compaktified, compaktified_from, created_at, updated_at`

// BeginTx opens a transaction for a coherent memory write.
func (s *MemoryStore) BeginTx(ctx context.Context) (valet.MemoryTx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin memory tx: %w", err)
	}
	return &memoryTx{tx: tx}, nil
}

// FindByID returns a memory row by id.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (valet.Memory, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	m, err := scanMemory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return valet.Memory{}, valet.Errorf(valet.KindNotFound, "postgres.memory", "memory %q not found", id)
	}
	if err != nil {
		return valet.Memory{}, fmt.Errorf("postgres: find memory: %w", err)
	}
	return m, nil
}

// List returns memory rows matching the query, newest first.
func (s *MemoryStore) List(ctx context.Context, q valet.MemoryQuery) ([]valet.Memory, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.UserID != "" {
		conds = append(conds, "user_id = "+arg(q.UserID))
	}
	if len(q.Kinds) > 0 {
		kinds := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kinds[i] = string(k)
		}
		conds = append(conds, "kind = ANY("+arg(kinds)+")")
	}
	if len(q.Tags) > 0 {
		conds = append(conds, "tags && "+arg(q.Tags))
	}
	if q.ConversationID != "" {
		conds = append(conds, "conversation_id = "+arg(q.ConversationID))
	}
	if q.Compaktified != nil {
		conds = append(conds, "is_compaktified = "+arg(*q.Compaktified))
	}

	sql := `SELECT ` + memoryColumns + ` FROM memories`
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		sql += " LIMIT " + arg(q.Limit)
	}
	if q.Offset > 0 {
		sql += " OFFSET " + arg(q.Offset)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// FindByIDs returns the rows that exist among ids; missing ids are
// silently skipped. Order follows the input ids.
func (s *MemoryStore) FindByIDs(ctx context.Context, ids []string) ([]valet.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: find memories: %w", err)
	}
	defer rows.Close()
	found, err := scanMemories(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]valet.Memory, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}
	ordered := make([]valet.Memory, 0, len(found))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			ordered = append(ordered, m)
		}
	}
	return ordered, nil
}

// ListIDs returns all memory row ids, optionally scoped to one user.
func (s *MemoryStore) ListIDs(ctx context.Context, userID string) ([]string, error) {
	sql := `SELECT id FROM memories`
	args := []any{}
	if userID != "" {
		sql += ` WHERE user_id = $1`
		args = append(args, userID)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list memory ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan memory id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// memoryTx is one open write transaction. committed gates Rollback so
// that a deferred Rollback after Commit is a no-op.
type memoryTx struct {
	tx        pgx.Tx
	committed bool
}

var _ valet.MemoryTx = (*memoryTx)(nil)

func (t *memoryTx) InsertMemory(ctx context.Context, m valet.Memory) error {
	refs, err := marshalRefs(m.SourceReferences)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO memories (`+memoryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12)`,
		m.ID, m.UserID, m.Kind, m.Title, m.Content, tagsOrEmpty(m.Tags), m.ConversationID,
		refs, m.IsCompaktified, tagsOrEmpty(m.CompaktifiedFrom), m.CreatedAt, m.UpdatedAt)
	if isDuplicate(err) {
		return valet.Errorf(valet.KindConflict, "postgres.memory", "memory %q already exists", m.ID)
	}
	if err != nil {
		return fmt.Errorf("postgres: insert memory: %w", err)
	}
	return nil
}

func (t *memoryTx) UpdateMemory(ctx context.Context, m valet.Memory) error {
	refs, err := marshalRefs(m.SourceReferences)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE memories
		 SET kind=$1, title=$2, content=$3, tags=$4, source_references_json=$5::jsonb,
		     is_compaktified=$6, compaktified_from=$7, updated_at=$8
		 WHERE id=$9`,
		m.Kind, m.Title, m.Content, tagsOrEmpty(m.Tags), refs,
		m.IsCompaktified, tagsOrEmpty(m.CompaktifiedFrom), m.UpdatedAt, m.ID)
	if err != nil {
		return fmt.Errorf("postgres: update memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return valet.Errorf(valet.KindNotFound, "postgres.memory", "memory %q not found", m.ID)
	}
	return nil
}

func (t *memoryTx) DeleteMemory(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return valet.Errorf(valet.KindNotFound, "postgres.memory", "memory %q not found", id)
	}
	return nil
}

func (t *memoryTx) UpsertEmbeddingRef(ctx context.Context, memoryID, model string, dimension int) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO embeddings (memory_id, model, qdrant_point_id, dimension)
		 VALUES ($1, $2, $1, $3)
		 ON CONFLICT (memory_id) DO UPDATE SET model = EXCLUDED.model, dimension = EXCLUDED.dimension`,
		memoryID, model, dimension)
	if err != nil {
		return fmt.Errorf("postgres: upsert embedding ref: %w", err)
	}
	return nil
}

func (t *memoryTx) DeleteEmbeddingRef(ctx context.Context, memoryID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM embeddings WHERE memory_id = $1`, memoryID)
	if err != nil {
		return fmt.Errorf("postgres: delete embedding ref: %w", err)
	}
	return nil
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit memory tx: %w", err)
	}
	t.committed = true
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	if t.committed {
		return nil
	}
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres: rollback memory tx: %w", err)
	}
	return nil
}

func marshalRefs(refs []valet.SourceReference) (*string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal source references: %w", err)
	}
	v := string(data)
	return &v, nil
}

// tagsOrEmpty keeps TEXT[] columns non-null.
func tagsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanMemory(row rowScanner) (valet.Memory, error) {
	var m valet.Memory
	var convID *string
	var refsJSON []byte
	err := row.Scan(&m.ID, &m.UserID, &m.Kind, &m.Title, &m.Content, &m.Tags, &convID,
		&refsJSON, &m.IsCompaktified, &m.CompaktifiedFrom, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return valet.Memory{}, err
	}
	if convID != nil {
		m.ConversationID = *convID
	}
	if len(refsJSON) > 0 {
		if err := json.Unmarshal(refsJSON, &m.SourceReferences); err != nil {
			return valet.Memory{}, fmt.Errorf("unmarshal source references: %w", err)
		}
	}
	return m, nil
}

func scanMemories(rows pgx.Rows) ([]valet.Memory, error) {
	var memories []valet.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}
