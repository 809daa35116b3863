package remember

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/valetd/valet"
)

// rowStore is a minimal in-memory MemoryRowStore with apply-on-write
// transactions; enough for exercising the tool surface.
type rowStore struct {
	mu   sync.Mutex
	rows map[string]valet.Memory
}

func newRowStore() *rowStore { return &rowStore{rows: make(map[string]valet.Memory)} }

func (s *rowStore) BeginTx(context.Context) (valet.MemoryTx, error) { return &rowTx{store: s}, nil }

func (s *rowStore) FindByID(_ context.Context, id string) (valet.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok {
		return valet.Memory{}, valet.Errorf(valet.KindNotFound, "rows.find", "memory %q not found", id)
	}
	return m, nil
}

func (s *rowStore) FindByIDs(_ context.Context, ids []string) ([]valet.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []valet.Memory
	for _, id := range ids {
		if m, ok := s.rows[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *rowStore) List(_ context.Context, q valet.MemoryQuery) ([]valet.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []valet.Memory
	for _, m := range s.rows {
		if q.UserID == "" || m.UserID == q.UserID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (s *rowStore) ListIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, m := range s.rows {
		if userID == "" || m.UserID == userID {
			out = append(out, id)
		}
	}
	return out, nil
}

var _ valet.MemoryRowStore = (*rowStore)(nil)

type rowTx struct{ store *rowStore }

func (t *rowTx) InsertMemory(_ context.Context, m valet.Memory) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.rows[m.ID] = m
	return nil
}

func (t *rowTx) UpdateMemory(ctx context.Context, m valet.Memory) error {
	return t.InsertMemory(ctx, m)
}

func (t *rowTx) DeleteMemory(_ context.Context, id string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	delete(t.store.rows, id)
	return nil
}

func (t *rowTx) UpsertEmbeddingRef(context.Context, string, string, int) error { return nil }
func (t *rowTx) DeleteEmbeddingRef(context.Context, string) error              { return nil }
func (t *rowTx) Commit(context.Context) error                                  { return nil }
func (t *rowTx) Rollback(context.Context) error                                { return nil }

var _ valet.MemoryTx = (*rowTx)(nil)

// vecIndex stores points and matches everything with score 1.
type vecIndex struct {
	mu     sync.Mutex
	dims   int
	points map[string]valet.VectorPayload
}

func newVecIndex(dims int) *vecIndex {
	return &vecIndex{dims: dims, points: make(map[string]valet.VectorPayload)}
}

func (v *vecIndex) Dimensions() int { return v.dims }

func (v *vecIndex) Upsert(_ context.Context, id string, _ []float32, payload valet.VectorPayload) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.points[id] = payload
	return nil
}

func (v *vecIndex) UpdatePayload(_ context.Context, id string, payload valet.VectorPayload) error {
	return v.Upsert(context.Background(), id, nil, payload)
}

func (v *vecIndex) Delete(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.points, id)
	return nil
}

func (v *vecIndex) Search(_ context.Context, _ []float32, filter valet.VectorFilter, limit int) ([]valet.VectorHit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var hits []valet.VectorHit
	for id, p := range v.points {
		if filter.UserID != "" && p.UserID != filter.UserID {
			continue
		}
		hits = append(hits, valet.VectorHit{ID: id, Score: 1})
	}
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (v *vecIndex) ListIDs(context.Context) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.points))
	for id := range v.points {
		out = append(out, id)
	}
	return out, nil
}

var _ valet.VectorIndex = (*vecIndex)(nil)

// fixedEmbedder returns the same unit vector for every text.
type fixedEmbedder struct{ dims int }

func (e *fixedEmbedder) Name() string    { return "fixed" }
func (e *fixedEmbedder) Dimensions() int { return e.dims }

func (e *fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, e.dims)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

var _ valet.EmbeddingProvider = (*fixedEmbedder)(nil)

func testSet(t *testing.T) *Set {
	t.Helper()
	engine := valet.NewMemoryEngine(newRowStore(), newVecIndex(4), &fixedEmbedder{dims: 4}, nil)
	return NewSet(engine)
}

func TestRememberAndRecall(t *testing.T) {
	set := testSet(t)
	tctx := valet.ToolContext{UserID: "u1", ConversationID: "conv-1"}

	result, err := set.CallTool(context.Background(), "remember",
		json.RawMessage(`{"kind":"preference","title":"Coffee","content":"Prefers oat milk flat whites"}`), tctx)
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	if !result.OK || !strings.HasPrefix(result.Content, "remembered as mem-") {
		t.Errorf("got %+v", result)
	}

	result, err = set.CallTool(context.Background(), "recall",
		json.RawMessage(`{"query":"coffee"}`), tctx)
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if !result.OK || !strings.Contains(result.Content, "Prefers oat milk flat whites") {
		t.Errorf("got %+v", result)
	}
}

func TestRecallNoMatches(t *testing.T) {
	set := testSet(t)
	result, err := set.CallTool(context.Background(), "recall",
		json.RawMessage(`{"query":"anything"}`), valet.ToolContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if !result.OK || result.Content != "no matching memories" {
		t.Errorf("got %+v", result)
	}
}

func TestRememberInvalidKind(t *testing.T) {
	set := testSet(t)
	result, err := set.CallTool(context.Background(), "remember",
		json.RawMessage(`{"kind":"opinion","title":"t","content":"c"}`), valet.ToolContext{UserID: "u1"})
	if !valet.IsValidation(err) {
		t.Errorf("got %v, want validation", err)
	}
	if result.OK {
		t.Error("result should not be ok")
	}
}

func TestForget(t *testing.T) {
	set := testSet(t)
	tctx := valet.ToolContext{UserID: "u1"}

	result, err := set.CallTool(context.Background(), "remember",
		json.RawMessage(`{"kind":"fact","title":"t","content":"c"}`), tctx)
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	id := strings.TrimPrefix(result.Content, "remembered as ")

	result, err = set.CallTool(context.Background(), "forget",
		json.RawMessage(`{"id":"`+id+`"}`), tctx)
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if !result.OK {
		t.Errorf("got %+v", result)
	}

	if _, err := set.CallTool(context.Background(), "forget",
		json.RawMessage(`{"id":"`+id+`"}`), tctx); !valet.IsNotFound(err) {
		t.Errorf("forget again: got %v, want not_found", err)
	}
}

func TestForgetOtherUsersMemory(t *testing.T) {
	set := testSet(t)

	result, err := set.CallTool(context.Background(), "remember",
		json.RawMessage(`{"kind":"fact","title":"t","content":"c"}`), valet.ToolContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	id := strings.TrimPrefix(result.Content, "remembered as ")

	// A different user cannot delete it, and cannot tell it exists.
	result, err = set.CallTool(context.Background(), "forget",
		json.RawMessage(`{"id":"`+id+`"}`), valet.ToolContext{UserID: "u2"})
	if !valet.IsNotFound(err) {
		t.Errorf("got %v, want not_found", err)
	}
	if result.OK {
		t.Error("result should not be ok")
	}
}
