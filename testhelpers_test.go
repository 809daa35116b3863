package valet

import (
	"context"
	"math"
	"sort"
	"sync"
)

// --- Provider stubs (shared across planner, extract, compaction, retry tests) ---

// stubProvider is a test Provider that returns pre-configured results in order.
type stubProvider struct {
	mu      sync.Mutex
	calls   int
	results []stubResult
	// requests records every ChatRequest for assertions on prompts.
	requests []ChatRequest
}

type stubResult struct {
	resp ChatResponse
	err  error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := s.calls
	s.calls++
	if i < len(s.results) {
		return s.results[i].resp, s.results[i].err
	}
	return ChatResponse{}, nil
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ Provider = (*stubProvider)(nil)

// stubEmbedder returns deterministic vectors of a fixed dimension.
type stubEmbedder struct {
	mu    sync.Mutex
	dims  int
	calls int
	err   error
}

func (s *stubEmbedder) Name() string    { return "stub-embed" }
func (s *stubEmbedder) Dimensions() int { return s.dims }

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, s.dims)
		for j := range v {
			v[j] = float32((len(t)*7+j*13)%31) / 31
		}
		out[i] = v
	}
	return out, nil
}

var _ EmbeddingProvider = (*stubEmbedder)(nil)

// --- In-memory message + conversation store ---

type memMessageStore struct {
	mu    sync.Mutex
	msgs  map[string]Message
	order []string
	convs map[string]Conversation
}

func newMemMessageStore() *memMessageStore {
	return &memMessageStore{
		msgs:  make(map[string]Message),
		convs: make(map[string]Conversation),
	}
}

func (s *memMessageStore) Save(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.msgs[msg.ID]; ok {
		return Errorf(KindConflict, "memstore.save", "duplicate message id %q", msg.ID)
	}
	s.msgs[msg.ID] = msg
	s.order = append(s.order, msg.ID)
	return nil
}

func (s *memMessageStore) FindByConversation(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Message
	for _, id := range s.order {
		if m := s.msgs[id]; m.ConversationID == conversationID {
			all = append(all, m)
		}
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *memMessageStore) CountByConversation(_ context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.ConversationID == conversationID {
			n++
		}
	}
	return n, nil
}

func (s *memMessageStore) DeleteConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	for _, id := range s.order {
		if s.msgs[id].ConversationID == conversationID {
			delete(s.msgs, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	delete(s.convs, conversationID)
	return nil
}

func (s *memMessageStore) EnsureConversation(_ context.Context, conv Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.convs[conv.ID]; ok {
		existing.UpdatedAt = conv.UpdatedAt
		s.convs[conv.ID] = existing
		return nil
	}
	s.convs[conv.ID] = conv
	return nil
}

func (s *memMessageStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, Errorf(KindNotFound, "memstore.conv", "conversation %q not found", id)
	}
	return c, nil
}

func (s *memMessageStore) ListConversations(_ context.Context, userID string, limit int) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conversation
	for _, c := range s.convs {
		if userID == "" || c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ MessageStore      = (*memMessageStore)(nil)
	_ ConversationStore = (*memMessageStore)(nil)
)

// --- In-memory memory row store with transactional writes ---

type memRowStore struct {
	mu   sync.Mutex
	rows map[string]Memory
	refs map[string]string // memory id -> embedder model

	failCommit bool
	failInsert bool
}

func newMemRowStore() *memRowStore {
	return &memRowStore{rows: make(map[string]Memory), refs: make(map[string]string)}
}

func (s *memRowStore) BeginTx(context.Context) (MemoryTx, error) {
	return &memTx{store: s}, nil
}

func (s *memRowStore) FindByID(_ context.Context, id string) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok {
		return Memory{}, Errorf(KindNotFound, "memrows.find", "memory %q not found", id)
	}
	return m, nil
}

func (s *memRowStore) List(_ context.Context, q MemoryQuery) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Memory
	for _, m := range s.rows {
		if q.UserID != "" && m.UserID != q.UserID {
			continue
		}
		if q.ConversationID != "" && m.ConversationID != q.ConversationID {
			continue
		}
		if q.Compaktified != nil && m.IsCompaktified != *q.Compaktified {
			continue
		}
		if len(q.Kinds) > 0 {
			match := false
			for _, k := range q.Kinds {
				if m.Kind == k {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memRowStore) FindByIDs(_ context.Context, ids []string) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Memory
	for _, id := range ids {
		if m, ok := s.rows[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memRowStore) ListIDs(_ context.Context, userID string) ([]string, error) {
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

var _ MemoryRowStore = (*memRowStore)(nil)

// memTx stages writes and applies them on Commit, so a failed commit
// leaves the store untouched like a real transaction would.
type memTx struct {
	store     *memRowStore
	ops       []func(rows map[string]Memory, refs map[string]string) error
	committed bool
}

func (t *memTx) InsertMemory(_ context.Context, m Memory) error {
	if t.store.failInsert {
		return Errorf(KindTransient, "memtx.insert", "simulated insert failure")
	}
	t.store.mu.Lock()
	_, exists := t.store.rows[m.ID]
	t.store.mu.Unlock()
	if exists {
		return Errorf(KindConflict, "memtx.insert", "duplicate memory id %q", m.ID)
	}
	t.ops = append(t.ops, func(rows map[string]Memory, _ map[string]string) error {
		rows[m.ID] = m
		return nil
	})
	return nil
}

func (t *memTx) UpdateMemory(_ context.Context, m Memory) error {
	t.store.mu.Lock()
	_, exists := t.store.rows[m.ID]
	t.store.mu.Unlock()
	if !exists {
		return Errorf(KindNotFound, "memtx.update", "memory %q not found", m.ID)
	}
	t.ops = append(t.ops, func(rows map[string]Memory, _ map[string]string) error {
		rows[m.ID] = m
		return nil
	})
	return nil
}

func (t *memTx) DeleteMemory(_ context.Context, id string) error {
	t.ops = append(t.ops, func(rows map[string]Memory, _ map[string]string) error {
		delete(rows, id)
		return nil
	})
	return nil
}

func (t *memTx) UpsertEmbeddingRef(_ context.Context, memoryID, model string, _ int) error {
	t.ops = append(t.ops, func(_ map[string]Memory, refs map[string]string) error {
		refs[memoryID] = model
		return nil
	})
	return nil
}

func (t *memTx) DeleteEmbeddingRef(_ context.Context, memoryID string) error {
	t.ops = append(t.ops, func(_ map[string]Memory, refs map[string]string) error {
		delete(refs, memoryID)
		return nil
	})
	return nil
}

func (t *memTx) Commit(context.Context) error {
	if t.store.failCommit {
		return Errorf(KindTransient, "memtx.commit", "simulated commit failure")
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, op := range t.ops {
		if err := op(t.store.rows, t.store.refs); err != nil {
			return err
		}
	}
	t.committed = true
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	t.ops = nil
	return nil
}

var _ MemoryTx = (*memTx)(nil)

// --- In-memory vector index with brute-force cosine search ---

type memVectorIndex struct {
	mu     sync.Mutex
	dims   int
	points map[string]vecPoint

	failDelete bool
}

type vecPoint struct {
	emb     []float32
	payload VectorPayload
}

func newMemVectorIndex(dims int) *memVectorIndex {
	return &memVectorIndex{dims: dims, points: make(map[string]vecPoint)}
}

func (v *memVectorIndex) Dimensions() int { return v.dims }

func (v *memVectorIndex) Upsert(_ context.Context, id string, embedding []float32, payload VectorPayload) error {
	if len(embedding) != v.dims {
		return Errorf(KindValidation, "memvec.upsert", "embedding has %d dimensions, index expects %d", len(embedding), v.dims)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.points[id] = vecPoint{emb: embedding, payload: payload}
	return nil
}

func (v *memVectorIndex) UpdatePayload(_ context.Context, id string, payload VectorPayload) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.points[id]
	if !ok {
		return Errorf(KindNotFound, "memvec.payload", "point %q not found", id)
	}
	p.payload = payload
	v.points[id] = p
	return nil
}

func (v *memVectorIndex) Delete(_ context.Context, id string) error {
	if v.failDelete {
		return Errorf(KindTransient, "memvec.delete", "simulated delete failure")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.points, id)
	return nil
}

func (v *memVectorIndex) Search(_ context.Context, embedding []float32, filter VectorFilter, limit int) ([]VectorHit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var hits []VectorHit
	for id, p := range v.points {
		if filter.UserID != "" && p.payload.UserID != filter.UserID {
			continue
		}
		if filter.Kind != "" && p.payload.Kind != filter.Kind {
			continue
		}
		if len(filter.Tags) > 0 && !anyTagMatch(filter.Tags, p.payload.Tags) {
			continue
		}
		hits = append(hits, VectorHit{ID: id, Score: cosine(embedding, p.emb)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (v *memVectorIndex) ListIDs(context.Context) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.points))
	for id := range v.points {
		out = append(out, id)
	}
	return out, nil
}

func (v *memVectorIndex) has(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.points[id]
	return ok
}

var _ VectorIndex = (*memVectorIndex)(nil)

func anyTagMatch(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// --- In-memory job store ---

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]Job)}
}

func (s *memJobStore) InsertJob(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return Errorf(KindConflict, "memjobs.insert", "duplicate job id %q", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *memJobStore) GetJob(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, Errorf(KindNotFound, "memjobs.get", "job %q not found", id)
	}
	return j, nil
}

func (s *memJobStore) ListJobs(_ context.Context, queue string, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if queue == "" || j.Queue == queue {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memJobStore) ClaimNext(_ context.Context, queue string, now int64) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Job
	for id := range s.jobs {
		j := s.jobs[id]
		if j.Queue != queue || j.State != JobQueued || j.RunAt > now {
			continue
		}
		if best == nil || claimBefore(j, *best) {
			copied := j
			best = &copied
		}
	}
	if best == nil {
		return Job{}, Errorf(KindNotFound, "memjobs.claim", "no ready job on queue %q", queue)
	}
	best.State = JobRunning
	best.UpdatedAt = now
	s.jobs[best.ID] = *best
	return *best, nil
}

// claimBefore is the claim ordering: priority desc, run_at asc, id asc.
func claimBefore(a, b Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.RunAt != b.RunAt {
		return a.RunAt < b.RunAt
	}
	return a.ID < b.ID
}

func (s *memJobStore) UpdateJob(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return Errorf(KindNotFound, "memjobs.update", "job %q not found", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *memJobStore) ReclaimRunning(_ context.Context, queue string, olderThan int64) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for id := range s.jobs {
		j := s.jobs[id]
		if j.Queue != queue || j.State != JobRunning || j.UpdatedAt >= olderThan {
			continue
		}
		j.State = JobQueued
		j.Attempts++
		s.jobs[id] = j
		out = append(out, j)
	}
	return out, nil
}

func (s *memJobStore) EvictTerminal(_ context.Context, olderThan int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if (j.State == JobCompleted || j.State == JobFailed) && j.UpdatedAt < olderThan {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *memJobStore) stateOf(id string) JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].State
}

var _ JobStore = (*memJobStore)(nil)

// --- In-memory schedule store ---

type memScheduleStore struct {
	mu    sync.Mutex
	tasks map[string]ScheduledTask
}

func newMemScheduleStore() *memScheduleStore {
	return &memScheduleStore{tasks: make(map[string]ScheduledTask)}
}

func (s *memScheduleStore) CreateTask(_ context.Context, t ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return Errorf(KindConflict, "memsched.create", "duplicate task id %q", t.ID)
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *memScheduleStore) GetTask(_ context.Context, id string) (ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ScheduledTask{}, Errorf(KindNotFound, "memsched.get", "task %q not found", id)
	}
	return t, nil
}

func (s *memScheduleStore) ListTasks(_ context.Context, userID string) ([]ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduledTask
	for _, t := range s.tasks {
		if userID == "" || t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *memScheduleStore) UpdateTask(_ context.Context, t ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return Errorf(KindNotFound, "memsched.update", "task %q not found", t.ID)
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *memScheduleStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *memScheduleStore) SetTaskEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Errorf(KindNotFound, "memsched.enable", "task %q not found", id)
	}
	t.Enabled = enabled
	s.tasks[id] = t
	return nil
}

func (s *memScheduleStore) DueTasks(_ context.Context, now int64) ([]ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduledTask
	for _, t := range s.tasks {
		if t.Enabled && t.NextRun > 0 && t.NextRun <= now {
			out = append(out, t)
		}
	}
	return out, nil
}

var _ ScheduleStore = (*memScheduleStore)(nil)

// --- In-memory config store ---

type memConfigStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemConfigStore() *memConfigStore {
	return &memConfigStore{values: make(map[string]string)}
}

func (s *memConfigStore) GetConfig(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *memConfigStore) SetConfig(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

var _ ConfigStore = (*memConfigStore)(nil)
