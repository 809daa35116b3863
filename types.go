package valet

import "encoding/json"

// --- Domain types (database records) ---

// SourceKind identifies the channel an inbound message originated from.
type SourceKind string

const (
	SourceGUI       SourceKind = "gui"
	SourceScheduler SourceKind = "scheduler"
	SourceWhatsApp  SourceKind = "whatsapp"
	SourceEmail     SourceKind = "email"
	SourceTelegram  SourceKind = "telegram"
	SourceSystem    SourceKind = "system"
	SourceOther     SourceKind = "other"
)

// SourceDescriptor describes where an inbound message originated.
type SourceDescriptor struct {
	ID    string            `json:"id"`
	Kind  SourceKind        `json:"kind"`
	Label string            `json:"label,omitempty"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Message is one entry in a conversation. Messages are append-only:
// they are never mutated and only removed when their conversation is deleted.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	UserID         string          `json:"user_id"`
	Role           string          `json:"role"` // "user", "assistant", "system", "tool"
	Content        string          `json:"content"`
	CreatedAt      int64           `json:"created_at"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Conversation groups messages sharing a conversation id.
type Conversation struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Title     string          `json:"title,omitempty"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// MemoryKind classifies a stored memory.
type MemoryKind string

const (
	MemoryFact       MemoryKind = "fact"
	MemoryPreference MemoryKind = "preference"
	MemorySummary    MemoryKind = "summary"
	MemoryEpisode    MemoryKind = "episode"
)

// SourceReference points a memory back at the material it was derived from.
type SourceReference struct {
	Type      string `json:"type"` // "message", "memory", "external"
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Excerpt   string `json:"excerpt,omitempty"`
}

// Memory is a typed, indexed, semantically searchable unit of knowledge
// about a user. A memory is coherent iff a row-store record and a
// vector-index point exist under the same id.
type Memory struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	Kind             MemoryKind        `json:"kind"`
	Title            string            `json:"title"`
	Content          string            `json:"content"`
	Tags             []string          `json:"tags,omitempty"`
	ConversationID   string            `json:"conversation_id,omitempty"`
	SourceReferences []SourceReference `json:"source_references,omitempty"`
	IsCompaktified   bool              `json:"is_compaktified"`
	CompaktifiedFrom []string          `json:"compaktified_from,omitempty"`
	CreatedAt        int64             `json:"created_at"`
	UpdatedAt        int64             `json:"updated_at"`
	Embedding        []float32         `json:"-"`
}

// ScoredMemory pairs a memory with its vector similarity score.
type ScoredMemory struct {
	Memory Memory  `json:"memory"`
	Score  float32 `json:"score"`
}

// TaskType selects what a scheduled task does when it fires.
type TaskType string

const (
	TaskToolCall TaskType = "tool_call"
	TaskEvent    TaskType = "event"
)

// TaskPayload carries the firing parameters of a ScheduledTask.
// For tool_call tasks ToolName is required; for event tasks EventTopic is.
type TaskPayload struct {
	EventTopic   string          `json:"event_topic,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	EventPayload json.RawMessage `json:"event_payload,omitempty"`
}

// ScheduledTask is a cron-scheduled recurring task.
// NextRun is always ≥ LastRun when both are set.
type ScheduledTask struct {
	ID             string      `json:"id"`
	Type           TaskType    `json:"type"`
	Schedule       string      `json:"schedule"` // cron, 5-field plus optional seconds
	Payload        TaskPayload `json:"payload"`
	UserID         string      `json:"user_id"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Enabled        bool        `json:"enabled"`
	CreatedAt      int64       `json:"created_at"`
	UpdatedAt      int64       `json:"updated_at"`
	LastRun        int64       `json:"last_run,omitempty"`
	NextRun        int64       `json:"next_run,omitempty"`
}

// --- Tool types ---

// ToolDescriptor describes a single callable tool.
type ToolDescriptor struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	ShortDescription string          `json:"short_description"` // ≤50 chars
	Parameters       json.RawMessage `json:"parameters"`        // JSON Schema
	Examples         []string        `json:"examples,omitempty"`
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	OK      bool   `json:"ok"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolContext travels unchanged through the tool pipeline, identifying
// who asked for the call and where it came from.
type ToolContext struct {
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id"`
	Source         SourceDescriptor  `json:"source"`
	TraceID        string            `json:"trace_id,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// --- Job types ---

// JobState is the work-queue state machine: queued → running → (completed | failed).
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is one unit of queued work. Owned by the queue it lives in;
// terminal jobs are retained for a bounded window, then evicted.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Ctx         ToolContext     `json:"ctx"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    int             `json:"priority"` // -1, 0, or 1; higher runs first
	State       JobState        `json:"state"`
	RunAt       int64           `json:"run_at"` // unix ms; not ready before this
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
	Error       string          `json:"error,omitempty"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Inbound message from a channel adapter ---

// InboundMessage is what a channel adapter hands to the planner.
type InboundMessage struct {
	ConversationID string
	UserID         string
	Content        string
	Source         SourceDescriptor
	Metadata       json.RawMessage
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}
