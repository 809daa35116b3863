package valet

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// ExtractedMemory is one memory parsed from the extraction classifier.
type ExtractedMemory struct {
	Kind    string   `json:"kind"` // fact, preference, episode
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// ExtractPrompt is the system prompt for the memory extraction classifier.
const ExtractPrompt = `You are a memory extraction system. Given a message from a user to their assistant, extract durable information ABOUT THE USER worth remembering.

Extract things like:
- Personal info (name, job, location, timezone)
- Preferences (tools, languages, communication style)
- Notable events or plans the user mentions

Rules:
- Only extract what is clearly stated or strongly implied by the user
- Each memory has a short title and a one-or-two sentence content
- Classify each as: fact, preference, or episode
- Add 1-3 lowercase tags
- Return [] if nothing is worth remembering

Return ONLY a JSON array, no extra text:
[{"kind":"preference","title":"Prefers Go","content":"User prefers Go for backend work.","tags":["programming"]}]`

// ShouldExtract reports whether a message is worth running extraction on.
// Short messages and conversational filler are skipped.
func ShouldExtract(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 10 {
		return false
	}
	lower := strings.ToLower(trimmed)
	skip := []string{
		"ok thanks", "okay thanks", "thank you!", "thanks a lot",
		"yes please", "no thanks", "sounds good", "all right",
		"good morning", "good night", "never mind", "that's all",
	}
	for _, s := range skip {
		if lower == s {
			return false
		}
	}
	return true
}

// stripCodeFences removes a wrapping markdown code fence, if present.
func stripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	return trimmed
}

// ParseExtractedMemories parses the classifier's response. Returns nil on
// anything unparseable: extraction is best-effort by contract.
func ParseExtractedMemories(response string) []ExtractedMemory {
	trimmed := stripCodeFences(response)

	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start == -1 || end == -1 || end < start {
		return nil
	}

	var out []ExtractedMemory
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &out); err != nil {
		return nil
	}
	return out
}

// Extractor runs the best-effort memory extraction pass over inbound user
// messages. Every failure is swallowed after logging: extraction never
// blocks or fails a planner run.
type Extractor struct {
	provider Provider
	engine   *MemoryEngine
	logger   *slog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(provider Provider, engine *MemoryEngine, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = nopLogger
	}
	return &Extractor{provider: provider, engine: engine, logger: logger}
}

// ExtractFrom classifies one inbound message and stores any extracted
// memories. Returns the number stored.
func (x *Extractor) ExtractFrom(ctx context.Context, msg Message) int {
	if !ShouldExtract(msg.Content) {
		return 0
	}

	resp, err := x.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage(ExtractPrompt),
		UserMessage(msg.Content),
	}})
	if err != nil {
		x.logger.Warn("memory extraction call failed", "error", err)
		return 0
	}

	stored := 0
	for _, em := range ParseExtractedMemories(resp.Content) {
		kind := MemoryKind(em.Kind)
		if !validKind(kind) || kind == MemorySummary {
			continue
		}
		if em.Title == "" || em.Content == "" {
			continue
		}
		_, err := x.engine.Add(ctx, MemoryWrite{
			UserID:         msg.UserID,
			Kind:           kind,
			Title:          em.Title,
			Content:        em.Content,
			Tags:           em.Tags,
			ConversationID: msg.ConversationID,
			SourceReferences: []SourceReference{{
				Type:      "message",
				ID:        msg.ID,
				Timestamp: msg.CreatedAt,
				Excerpt:   excerpt(msg.Content, 120),
			}},
		})
		if err != nil {
			x.logger.Warn("storing extracted memory failed", "error", err)
			continue
		}
		stored++
	}
	return stored
}

// excerpt returns the first n characters of s, on a rune boundary.
func excerpt(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
