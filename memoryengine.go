package valet

import (
	"context"
	"log/slog"
	"sort"
)

// MemoryWrite is the input to MemoryEngine.Add.
type MemoryWrite struct {
	UserID           string
	Kind             MemoryKind
	Title            string
	Content          string
	Tags             []string
	ConversationID   string
	SourceReferences []SourceReference
	IsCompaktified   bool
	CompaktifiedFrom []string
}

// MemoryPatch is the input to MemoryEngine.Update. Nil fields are left
// unchanged.
type MemoryPatch struct {
	Kind    *MemoryKind
	Title   *string
	Content *string
	Tags    *[]string
}

// SearchQuery is the input to MemoryEngine.Search.
type SearchQuery struct {
	Query  string
	UserID string
	Kinds  []MemoryKind
	Tags   []string // any-of
	Limit  int
}

// MemoryEngineOption configures a MemoryEngine.
type MemoryEngineOption func(*MemoryEngine)

// WithMemoryLogger sets the structured logger. Default: no output.
func WithMemoryLogger(l *slog.Logger) MemoryEngineOption {
	return func(e *MemoryEngine) { e.logger = l }
}

// MemoryEngine keeps the row store and the vector index coherent: every
// committed memory row has exactly one vector point under the same id,
// with a payload matching the row's user, kind, and tags.
//
// Writes use a row-store transaction with a compensating vector delete —
// the vector upsert happens inside the transaction window, and any
// failure between upsert and commit removes the point again. The one gap
// (compensation itself failing) leaves an orphan point, which SweepOrphans
// repairs.
type MemoryEngine struct {
	rows     MemoryRowStore
	vectors  VectorIndex
	embedder EmbeddingProvider
	bus      *Bus
	logger   *slog.Logger
}

// NewMemoryEngine creates a MemoryEngine. bus may be nil; when set,
// committed writes publish memory_updated events.
func NewMemoryEngine(rows MemoryRowStore, vectors VectorIndex, embedder EmbeddingProvider, bus *Bus, opts ...MemoryEngineOption) *MemoryEngine {
	e := &MemoryEngine{rows: rows, vectors: vectors, embedder: embedder, bus: bus}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// embedText is the canonical embedding input for a memory.
func embedText(title, content string) string {
	return title + "\n" + content
}

// embedOne embeds a single text, enforcing the index dimension.
func (e *MemoryEngine) embedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, WrapErr(KindTransient, "memory.embed", "embed text", err)
	}
	if len(vecs) != 1 {
		return nil, Errorf(KindPermanent, "memory.embed", "embedder returned %d vectors for one text", len(vecs))
	}
	if dim := e.vectors.Dimensions(); len(vecs[0]) != dim {
		return nil, Errorf(KindPermanent, "memory.embed",
			"embedding dimension %d does not match index dimension %d", len(vecs[0]), dim)
	}
	return vecs[0], nil
}

// Add creates a memory in both stores and returns it.
func (e *MemoryEngine) Add(ctx context.Context, w MemoryWrite) (Memory, error) {
	if err := validateWrite(w); err != nil {
		return Memory{}, err
	}

	embedding, err := e.embedOne(ctx, embedText(w.Title, w.Content))
	if err != nil {
		return Memory{}, err
	}

	now := NowUnix()
	m := Memory{
		ID:               NewID(PrefixMemory),
		UserID:           w.UserID,
		Kind:             w.Kind,
		Title:            w.Title,
		Content:          w.Content,
		Tags:             w.Tags,
		ConversationID:   w.ConversationID,
		SourceReferences: w.SourceReferences,
		IsCompaktified:   w.IsCompaktified,
		CompaktifiedFrom: w.CompaktifiedFrom,
		CreatedAt:        now,
		UpdatedAt:        now,
		Embedding:        embedding,
	}

	tx, err := e.rows.BeginTx(ctx)
	if err != nil {
		return Memory{}, WrapErr(KindTransient, "memory.add", "begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.InsertMemory(ctx, m); err != nil {
		return Memory{}, WrapErr(KindTransient, "memory.add", "insert row", err)
	}

	payload := VectorPayload{UserID: m.UserID, Kind: m.Kind, Tags: m.Tags}
	if err := e.vectors.Upsert(ctx, m.ID, embedding, payload); err != nil {
		return Memory{}, WrapErr(KindTransient, "memory.add", "upsert vector", err)
	}

	if err := tx.UpsertEmbeddingRef(ctx, m.ID, e.embedder.Name(), len(embedding)); err != nil {
		e.compensateVector(ctx, m.ID)
		return Memory{}, WrapErr(KindTransient, "memory.add", "insert embedding ref", err)
	}
	if err := tx.Commit(ctx); err != nil {
		e.compensateVector(ctx, m.ID)
		return Memory{}, WrapErr(KindTransient, "memory.add", "commit", err)
	}

	e.publishUpdated(ctx, m.ID, "created")
	return m, nil
}

// compensateVector removes a vector point after a failed row-store write.
// If the delete itself fails the point is orphaned until the next sweep.
func (e *MemoryEngine) compensateVector(ctx context.Context, id string) {
	if err := e.vectors.Delete(ctx, id); err != nil {
		e.logger.Error("compensating vector delete failed; orphan until sweep",
			"memory_id", id, "error", err)
	}
}

// Update patches a memory. The embedding is recomputed only when title or
// content changed; a kind or tag change still rewrites the vector payload
// so it cannot drift from the row.
func (e *MemoryEngine) Update(ctx context.Context, id string, patch MemoryPatch) (Memory, error) {
	m, err := e.rows.FindByID(ctx, id)
	if err != nil {
		return Memory{}, err
	}

	reEmbed := false
	payloadChanged := false
	if patch.Title != nil && *patch.Title != m.Title {
		m.Title = *patch.Title
		reEmbed = true
	}
	if patch.Content != nil && *patch.Content != m.Content {
		m.Content = *patch.Content
		reEmbed = true
	}
	if patch.Kind != nil && *patch.Kind != m.Kind {
		if !validKind(*patch.Kind) {
			return Memory{}, Errorf(KindValidation, "memory.update", "unknown memory kind %q", *patch.Kind)
		}
		m.Kind = *patch.Kind
		payloadChanged = true
	}
	if patch.Tags != nil {
		m.Tags = *patch.Tags
		payloadChanged = true
	}
	m.UpdatedAt = NowUnix()

	var embedding []float32
	if reEmbed {
		embedding, err = e.embedOne(ctx, embedText(m.Title, m.Content))
		if err != nil {
			return Memory{}, err
		}
		m.Embedding = embedding
	}

	tx, err := e.rows.BeginTx(ctx)
	if err != nil {
		return Memory{}, WrapErr(KindTransient, "memory.update", "begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.UpdateMemory(ctx, m); err != nil {
		return Memory{}, WrapErr(KindTransient, "memory.update", "update row", err)
	}

	payload := VectorPayload{UserID: m.UserID, Kind: m.Kind, Tags: m.Tags}
	switch {
	case reEmbed:
		if err := e.vectors.Upsert(ctx, m.ID, embedding, payload); err != nil {
			return Memory{}, WrapErr(KindTransient, "memory.update", "upsert vector", err)
		}
		if err := tx.UpsertEmbeddingRef(ctx, m.ID, e.embedder.Name(), len(embedding)); err != nil {
			return Memory{}, WrapErr(KindTransient, "memory.update", "update embedding ref", err)
		}
	case payloadChanged:
		if err := e.vectors.UpdatePayload(ctx, m.ID, payload); err != nil {
			return Memory{}, WrapErr(KindTransient, "memory.update", "update vector payload", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Memory{}, WrapErr(KindTransient, "memory.update", "commit", err)
	}
	e.publishUpdated(ctx, m.ID, "updated")
	return m, nil
}

// Delete removes a memory: vector point first, then the row. A failed
// vector delete leaves everything in place; a failed row delete after a
// successful vector delete is logged as an inconsistency and surfaced —
// retrying Delete completes the removal.
func (e *MemoryEngine) Delete(ctx context.Context, id string) error {
	if _, err := e.rows.FindByID(ctx, id); err != nil {
		return err
	}
	if err := e.vectors.Delete(ctx, id); err != nil {
		return WrapErr(KindTransient, "memory.delete", "delete vector", err)
	}

	err := e.deleteRow(ctx, id)
	if err != nil {
		e.logger.Error("row delete failed after vector delete; memory inconsistent",
			"memory_id", id, "error", err)
		return WrapErr(KindTransient, "memory.delete", "delete row", err)
	}
	e.publishUpdated(ctx, id, "deleted")
	return nil
}

// deleteRow removes the row and its embedding ref in one transaction.
func (e *MemoryEngine) deleteRow(ctx context.Context, id string) error {
	tx, err := e.rows.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck
	if err := tx.DeleteEmbeddingRef(ctx, id); err != nil {
		return err
	}
	if err := tx.DeleteMemory(ctx, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get returns one memory by id.
func (e *MemoryEngine) Get(ctx context.Context, id string) (Memory, error) {
	return e.rows.FindByID(ctx, id)
}

// List queries the row store by filters, newest first.
func (e *MemoryEngine) List(ctx context.Context, q MemoryQuery) ([]Memory, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	return e.rows.List(ctx, q)
}

// Search embeds the query text and returns the top matching memories,
// sorted by similarity score descending.
func (e *MemoryEngine) Search(ctx context.Context, q SearchQuery) ([]ScoredMemory, error) {
	if q.Query == "" {
		return nil, Errorf(KindValidation, "memory.search", "empty query")
	}
	embedding, err := e.embedOne(ctx, q.Query)
	if err != nil {
		return nil, err
	}
	return e.SearchSimilar(ctx, embedding, q)
}

// SearchSimilar runs a vector top-k with the query's filters, skipping
// re-embedding. The kind filter uses the first of q.Kinds, if any.
func (e *MemoryEngine) SearchSimilar(ctx context.Context, embedding []float32, q SearchQuery) ([]ScoredMemory, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	filter := VectorFilter{UserID: q.UserID, Tags: q.Tags}
	if len(q.Kinds) > 0 {
		filter.Kind = q.Kinds[0]
	}

	hits, err := e.vectors.Search(ctx, embedding, filter, limit)
	if err != nil {
		return nil, WrapErr(KindTransient, "memory.search", "vector search", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	scores := make(map[string]float32, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		scores[h.ID] = h.Score
	}
	rows, err := e.rows.FindByIDs(ctx, ids)
	if err != nil {
		return nil, WrapErr(KindTransient, "memory.search", "fetch rows", err)
	}

	results := make([]ScoredMemory, 0, len(rows))
	for _, m := range rows {
		results = append(results, ScoredMemory{Memory: m, Score: scores[m.ID]})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

// SweepOrphans deletes vector points whose memory row no longer exists.
// Returns the number of points removed. Run periodically by the memory
// service and exposed as a repair method.
func (e *MemoryEngine) SweepOrphans(ctx context.Context) (int, error) {
	pointIDs, err := e.vectors.ListIDs(ctx)
	if err != nil {
		return 0, WrapErr(KindTransient, "memory.sweep", "list vector ids", err)
	}
	rowIDs, err := e.rows.ListIDs(ctx, "")
	if err != nil {
		return 0, WrapErr(KindTransient, "memory.sweep", "list row ids", err)
	}
	known := make(map[string]struct{}, len(rowIDs))
	for _, id := range rowIDs {
		known[id] = struct{}{}
	}

	removed := 0
	for _, id := range pointIDs {
		if _, ok := known[id]; ok {
			continue
		}
		if err := e.vectors.Delete(ctx, id); err != nil {
			e.logger.Warn("orphan vector delete failed", "memory_id", id, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		e.logger.Info("removed orphan vectors", "count", removed)
	}
	return removed, nil
}

func (e *MemoryEngine) publishUpdated(ctx context.Context, id, change string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, NewEvent(EventMemoryUpdated, map[string]string{
		"memory_id": id,
		"change":    change,
	}))
}

func validateWrite(w MemoryWrite) error {
	if w.UserID == "" {
		return Errorf(KindValidation, "memory.add", "missing user id")
	}
	if w.Title == "" {
		return Errorf(KindValidation, "memory.add", "missing title")
	}
	if w.Content == "" {
		return Errorf(KindValidation, "memory.add", "missing content")
	}
	if !validKind(w.Kind) {
		return Errorf(KindValidation, "memory.add", "unknown memory kind %q", w.Kind)
	}
	return nil
}

func validKind(k MemoryKind) bool {
	switch k {
	case MemoryFact, MemoryPreference, MemorySummary, MemoryEpisode:
		return true
	}
	return false
}
