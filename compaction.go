package valet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// CompactPrompt is the system prompt for the compaction summariser.
const CompactPrompt = `You summarise a window of conversation between a user and their assistant into durable memories.

Produce one or more memories that capture what happened and what was decided. Prefer a single "summary" memory; add separate "fact" or "preference" memories only for durable details that stand on their own.

Each memory has a short title, a content of at most a few sentences, and 1-3 lowercase tags.

Return ONLY a JSON array, no extra text:
[{"kind":"summary","title":"Trip planning","content":"User planned a trip to Kyoto in May; assistant booked reminders.","tags":["travel"]}]`

// CompactorOption configures a Compactor.
type CompactorOption func(*Compactor)

// WithCompactionWindow sets how many recent messages one compaction run
// summarises. Default: 20.
func WithCompactionWindow(n int) CompactorOption {
	return func(c *Compactor) { c.window = n }
}

// WithCompactionThreshold sets how many uncompacted messages a
// conversation accumulates before MaybeCompact triggers. Default: 25.
func WithCompactionThreshold(n int) CompactorOption {
	return func(c *Compactor) { c.threshold = n }
}

// WithCompactorLogger sets the structured logger. Default: no output.
func WithCompactorLogger(l *slog.Logger) CompactorOption {
	return func(c *Compactor) { c.logger = l }
}

// Compactor summarises conversation windows into compaktified memories
// with back-references to the messages they came from.
type Compactor struct {
	provider Provider
	engine   *MemoryEngine
	messages MessageStore
	logger   *slog.Logger

	window    int
	threshold int
}

// NewCompactor creates a Compactor.
func NewCompactor(provider Provider, engine *MemoryEngine, messages MessageStore, opts ...CompactorOption) *Compactor {
	c := &Compactor{
		provider:  provider,
		engine:    engine,
		messages:  messages,
		window:    20,
		threshold: 25,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	return c
}

// MaybeCompact triggers a compaction run when the conversation has
// accumulated at least the threshold of messages not yet covered by a
// compaktified memory. Best-effort: errors are logged and swallowed.
func (c *Compactor) MaybeCompact(ctx context.Context, userID, conversationID string) {
	total, err := c.messages.CountByConversation(ctx, conversationID)
	if err != nil {
		c.logger.Warn("compaction trigger check failed", "error", err)
		return
	}

	covered, err := c.coveredCount(ctx, userID, conversationID)
	if err != nil {
		c.logger.Warn("compaction trigger check failed", "error", err)
		return
	}
	if total-covered < c.threshold {
		return
	}
	if _, err := c.Compact(ctx, userID, conversationID); err != nil {
		c.logger.Warn("compaction run failed", "conversation_id", conversationID, "error", err)
	}
}

// coveredCount counts messages already referenced by compaktified
// memories of the conversation.
func (c *Compactor) coveredCount(ctx context.Context, userID, conversationID string) (int, error) {
	yes := true
	mems, err := c.engine.List(ctx, MemoryQuery{
		UserID:         userID,
		ConversationID: conversationID,
		Compaktified:   &yes,
		Limit:          500,
	})
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{})
	for _, m := range mems {
		for _, id := range m.CompaktifiedFrom {
			seen[id] = struct{}{}
		}
	}
	return len(seen), nil
}

// Compact summarises the most recent message window into one or more
// compaktified memories and returns them. Fails if the window is empty or
// the summariser response is unusable.
func (c *Compactor) Compact(ctx context.Context, userID, conversationID string) ([]Memory, error) {
	msgs, err := c.messages.FindByConversation(ctx, conversationID, c.window)
	if err != nil {
		return nil, WrapErr(KindTransient, "compact.run", "load message window", err)
	}
	if len(msgs) == 0 {
		return nil, Errorf(KindValidation, "compact.run", "conversation %q has no messages", conversationID)
	}

	resp, err := c.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage(CompactPrompt),
		UserMessage(renderWindow(msgs)),
	}})
	if err != nil {
		return nil, WrapErr(KindTransient, "compact.run", "summariser call", err)
	}

	extracted := ParseExtractedMemories(resp.Content)
	if len(extracted) == 0 {
		return nil, Errorf(KindPermanent, "compact.run", "summariser returned no usable memories")
	}

	sourceIDs := make([]string, len(msgs))
	refs := make([]SourceReference, len(msgs))
	for i, m := range msgs {
		sourceIDs[i] = m.ID
		refs[i] = SourceReference{
			Type:      "message",
			ID:        m.ID,
			Timestamp: m.CreatedAt,
			Excerpt:   excerpt(m.Content, 80),
		}
	}

	var created []Memory
	for _, em := range extracted {
		kind := MemoryKind(em.Kind)
		if !validKind(kind) {
			kind = MemorySummary
		}
		if em.Title == "" || em.Content == "" {
			continue
		}
		mem, err := c.engine.Add(ctx, MemoryWrite{
			UserID:           userID,
			Kind:             kind,
			Title:            em.Title,
			Content:          em.Content,
			Tags:             em.Tags,
			ConversationID:   conversationID,
			SourceReferences: refs,
			IsCompaktified:   true,
			CompaktifiedFrom: sourceIDs,
		})
		if err != nil {
			c.logger.Warn("storing compacted memory failed", "error", err)
			continue
		}
		created = append(created, mem)
	}
	if len(created) == 0 {
		return nil, Errorf(KindTransient, "compact.run", "no compacted memories could be stored")
	}
	c.logger.Info("compacted conversation window",
		"conversation_id", conversationID, "messages", len(msgs), "memories", len(created))
	return created, nil
}

// renderWindow formats a message window for the summariser.
func renderWindow(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
