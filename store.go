package valet

import "context"

// MessageStore is the append-only conversation log.
// Save rejects duplicate ids with a Conflict error; rows are never mutated.
type MessageStore interface {
	Save(ctx context.Context, msg Message) error
	FindByConversation(ctx context.Context, conversationID string, limit int) ([]Message, error)
	CountByConversation(ctx context.Context, conversationID string) (int, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// ConversationStore tracks conversation records. EnsureConversation creates
// the record on first use and bumps updated_at on subsequent calls.
type ConversationStore interface {
	EnsureConversation(ctx context.Context, conv Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error)
}

// MemoryQuery filters a row-store memory listing.
type MemoryQuery struct {
	UserID         string
	Kinds          []MemoryKind
	Tags           []string // any-of
	ConversationID string
	Compaktified   *bool
	Limit          int
	Offset         int
}

// MemoryRowStore is the durable half of the memory engine. Writes that must
// stay coherent with the vector index go through BeginTx.
type MemoryRowStore interface {
	BeginTx(ctx context.Context) (MemoryTx, error)
	FindByID(ctx context.Context, id string) (Memory, error)
	List(ctx context.Context, q MemoryQuery) ([]Memory, error)
	FindByIDs(ctx context.Context, ids []string) ([]Memory, error)
	// ListIDs returns all memory row ids; used by the orphan-vector sweep.
	ListIDs(ctx context.Context, userID string) ([]string, error)
}

// MemoryTx is one transactional write against the row store. Rollback after
// Commit is a no-op, so `defer tx.Rollback(ctx)` is always safe.
type MemoryTx interface {
	InsertMemory(ctx context.Context, m Memory) error
	UpdateMemory(ctx context.Context, m Memory) error
	DeleteMemory(ctx context.Context, id string) error
	// UpsertEmbeddingRef records which model and dimension produced the
	// vector point for a memory (embeddings tracking table).
	UpsertEmbeddingRef(ctx context.Context, memoryID, model string, dimension int) error
	DeleteEmbeddingRef(ctx context.Context, memoryID string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// VectorPayload is the filterable payload stored with each vector point.
// It must stay consistent with the memory row it mirrors.
type VectorPayload struct {
	UserID string     `json:"user_id"`
	Kind   MemoryKind `json:"kind"`
	Tags   []string   `json:"tags,omitempty"`
}

// VectorFilter narrows a vector search. Zero values mean "no constraint".
type VectorFilter struct {
	UserID string
	Kind   MemoryKind
	Tags   []string // any-of
}

// VectorHit is one vector search result, higher score = more similar.
type VectorHit struct {
	ID    string
	Score float32
}

// VectorIndex is the semantic half of the memory engine: points keyed by
// memory id with cosine distance. Upsert with an existing id replaces the
// point and its payload.
type VectorIndex interface {
	Dimensions() int
	Upsert(ctx context.Context, id string, embedding []float32, payload VectorPayload) error
	// UpdatePayload rewrites a point's payload without touching its
	// embedding; keeps the payload consistent after kind/tag-only updates.
	UpdatePayload(ctx context.Context, id string, payload VectorPayload) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, embedding []float32, filter VectorFilter, limit int) ([]VectorHit, error)
	// ListIDs returns all point ids; used by the orphan-vector sweep.
	ListIDs(ctx context.Context) ([]string, error)
}

// ScheduleStore persists cron-scheduled tasks.
type ScheduleStore interface {
	CreateTask(ctx context.Context, t ScheduledTask) error
	GetTask(ctx context.Context, id string) (ScheduledTask, error)
	ListTasks(ctx context.Context, userID string) ([]ScheduledTask, error)
	UpdateTask(ctx context.Context, t ScheduledTask) error
	DeleteTask(ctx context.Context, id string) error
	SetTaskEnabled(ctx context.Context, id string, enabled bool) error
	// DueTasks returns tasks with enabled=true and next_run <= now (unix seconds).
	DueTasks(ctx context.Context, now int64) ([]ScheduledTask, error)
}

// JobStore persists work-queue jobs across restarts. Implementations must
// provide per-row atomicity for the claim operation so two workers never
// run the same job.
type JobStore interface {
	InsertJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, queue string, limit int) ([]Job, error)
	// ClaimNext atomically moves the highest-priority ready job
	// (state=queued, run_at<=now) to running and returns it.
	// Returns a NotFound error when nothing is ready.
	ClaimNext(ctx context.Context, queue string, now int64) (Job, error)
	UpdateJob(ctx context.Context, job Job) error
	// ReclaimRunning re-queues jobs stuck in running longer than the grace
	// period, incrementing attempts. Returns the re-queued jobs.
	ReclaimRunning(ctx context.Context, queue string, olderThan int64) ([]Job, error)
	// EvictTerminal removes completed/failed jobs older than the cutoff.
	EvictTerminal(ctx context.Context, olderThan int64) (int, error)
}

// ConfigStore is a small persisted key/value table. The tool registry keeps
// per-tool enabled flags here.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}
