package valet

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
)

// plannerPromptHeader opens the planner system prompt; the tool catalogue
// and memory context are appended per message.
const plannerPromptHeader = `You are a personal assistant. Decide how to respond to the user's message.

You MUST reply with exactly one JSON object in one of these two shapes and nothing else:

{"type":"final","content":"<your reply to the user>"}
{"type":"tool_call","tool":"<tool name>","args":{<tool arguments>}}

Use a tool_call only when one of the available tools clearly helps. Otherwise reply with a final plan.`

// summarisePrompt turns a tool result into the assistant's reply.
const summarisePrompt = `You are a personal assistant. A tool was just executed on the user's behalf. Write the reply to the user based on the tool result. Be concise and natural; do not mention the tool mechanics. Reply with plain text, not JSON.`

// plainChatPrompt is the fallback persona when plan parsing or planning fails.
const plainChatPrompt = `You are a helpful personal assistant. Reply to the user in plain text.`

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithHistoryWindow sets how many recent messages are loaded as context.
// Default: 10.
func WithHistoryWindow(n int) PlannerOption {
	return func(p *Planner) { p.historyN = n }
}

// WithRecallLimit sets how many memories semantic recall may contribute.
// Default: 10.
func WithRecallLimit(n int) PlannerOption {
	return func(p *Planner) { p.recallLimit = n }
}

// WithPlannerLogger sets the structured logger. Default: no output.
func WithPlannerLogger(l *slog.Logger) PlannerOption {
	return func(p *Planner) { p.logger = l }
}

// PlannerDeps are the collaborators a Planner needs. Embedder, Extractor,
// and Compactor are optional; without them the planner skips semantic
// recall, extraction, and compaction respectively.
type PlannerDeps struct {
	Provider      Provider
	Embedder      EmbeddingProvider
	Engine        *MemoryEngine
	Messages      MessageStore
	Conversations ConversationStore
	Registry      *Registry
	Dispatcher    *Dispatcher
	Bus           *Bus
	Extractor     *Extractor
	Compactor     *Compactor
}

// Planner is the per-message state machine: persist the user message,
// build grounded context, request a structured plan, dispatch a tool if
// asked, and persist the assistant reply.
//
// Processing is strictly sequential per conversation; distinct
// conversations run in parallel. The planner never returns an error to
// the adapter — every failure funnels into the fallback chain
// (plain chat with error info, then echo of the input).
type Planner struct {
	deps        PlannerDeps
	historyN    int
	recallLimit int
	logger      *slog.Logger

	convLocks [64]sync.Mutex
}

// NewPlanner creates a Planner.
func NewPlanner(deps PlannerDeps, opts ...PlannerOption) *Planner {
	p := &Planner{
		deps:        deps,
		historyN:    10,
		recallLimit: 10,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = nopLogger
	}
	return p
}

// lockFor returns the stripe lock serialising one conversation.
func (p *Planner) lockFor(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &p.convLocks[h.Sum32()%uint32(len(p.convLocks))]
}

// HandleMessage runs the full state machine for one inbound message and
// returns the persisted assistant message.
func (p *Planner) HandleMessage(ctx context.Context, in InboundMessage) (Message, error) {
	if in.Content == "" {
		return Message{}, Errorf(KindValidation, "planner.handle", "empty message content")
	}
	if in.UserID == "" {
		return Message{}, Errorf(KindValidation, "planner.handle", "missing user id")
	}
	if in.ConversationID == "" {
		in.ConversationID = NewID(PrefixConversation)
	}

	mu := p.lockFor(in.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	userMsg, err := p.persistUserMessage(ctx, in)
	if err != nil {
		return Message{}, err
	}

	content := p.respond(ctx, in, userMsg)

	assistantMsg := Message{
		ID:             NewID(PrefixMessage),
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Role:           "assistant",
		Content:        content,
		CreatedAt:      NowUnixMilli(),
	}
	if err := p.deps.Messages.Save(ctx, assistantMsg); err != nil {
		return Message{}, WrapErr(KindTransient, "planner.handle", "persist assistant message", err)
	}
	p.publishCreated(ctx, assistantMsg)

	// Post-response passes are async and best-effort; they never block or
	// fail the response.
	if p.deps.Extractor != nil {
		go p.deps.Extractor.ExtractFrom(context.WithoutCancel(ctx), userMsg)
	}
	if p.deps.Compactor != nil {
		go p.deps.Compactor.MaybeCompact(context.WithoutCancel(ctx), in.UserID, in.ConversationID)
	}

	return assistantMsg, nil
}

// persistUserMessage records the inbound message and emits message_created.
func (p *Planner) persistUserMessage(ctx context.Context, in InboundMessage) (Message, error) {
	if p.deps.Conversations != nil {
		now := NowUnix()
		err := p.deps.Conversations.EnsureConversation(ctx, Conversation{
			ID:        in.ConversationID,
			UserID:    in.UserID,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return Message{}, WrapErr(KindTransient, "planner.handle", "ensure conversation", err)
		}
	}

	msg := Message{
		ID:             NewID(PrefixMessage),
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Role:           "user",
		Content:        in.Content,
		CreatedAt:      NowUnixMilli(),
		Metadata:       in.Metadata,
	}
	if err := p.deps.Messages.Save(ctx, msg); err != nil {
		return Message{}, WrapErr(KindTransient, "planner.handle", "persist user message", err)
	}
	p.publishCreated(ctx, msg)
	return msg, nil
}

// respond runs context building, planning, and dispatch, funnelling every
// failure into the fallback chain. Always returns usable content.
func (p *Planner) respond(ctx context.Context, in InboundMessage, userMsg Message) string {
	history, memories := p.buildContext(ctx, in)

	planRaw, err := p.requestPlan(ctx, in, history, memories)
	if err != nil {
		p.logger.Warn("plan request failed", "conversation_id", in.ConversationID, "error", err)
		return p.fallbackPlainChat(ctx, in, "the planning step failed: "+err.Error())
	}

	plan, err := ParsePlan(planRaw)
	if err != nil {
		p.logger.Warn("plan parse failed", "conversation_id", in.ConversationID, "error", err)
		return p.fallbackPlainChat(ctx, in, "")
	}

	switch plan.Type {
	case PlanFinal:
		return plan.Content
	case PlanToolCall:
		return p.runToolBranch(ctx, in, plan)
	}
	return p.fallbackPlainChat(ctx, in, "")
}

// buildContext loads the history window and recalls relevant memories.
// Recall prefers semantic search over a conversation embedding and falls
// back to a plain listing when search fails or returns nothing.
func (p *Planner) buildContext(ctx context.Context, in InboundMessage) ([]Message, []Memory) {
	history, err := p.deps.Messages.FindByConversation(ctx, in.ConversationID, p.historyN)
	if err != nil {
		p.logger.Warn("history load failed", "conversation_id", in.ConversationID, "error", err)
		history = nil
	}

	kinds := []MemoryKind{MemoryFact, MemoryPreference, MemorySummary}
	var memories []Memory
	if p.deps.Engine != nil {
		if emb := p.conversationEmbedding(ctx, history, in.Content); emb != nil {
			scored, err := p.deps.Engine.SearchSimilar(ctx, emb, SearchQuery{
				UserID: in.UserID,
				Kinds:  kinds,
				Limit:  p.recallLimit,
			})
			if err != nil {
				p.logger.Warn("semantic recall failed, falling back to listing", "error", err)
			}
			for _, s := range scored {
				memories = append(memories, s.Memory)
			}
		}
		if len(memories) == 0 {
			listed, err := p.deps.Engine.List(ctx, MemoryQuery{
				UserID: in.UserID,
				Kinds:  kinds,
				Limit:  p.recallLimit,
			})
			if err != nil {
				p.logger.Warn("memory listing failed", "error", err)
			} else {
				memories = listed
			}
		}
	}
	return history, memories
}

// conversationEmbedding embeds the recent window plus the inbound text.
// Returns nil when no embedder is configured or embedding fails.
func (p *Planner) conversationEmbedding(ctx context.Context, history []Message, inbound string) []float32 {
	if p.deps.Embedder == nil {
		return nil
	}
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString(inbound)
	vecs, err := p.deps.Embedder.Embed(ctx, []string{b.String()})
	if err != nil || len(vecs) != 1 {
		p.logger.Warn("conversation embedding failed", "error", err)
		return nil
	}
	return vecs[0]
}

// requestPlan asks the model for a structured plan.
func (p *Planner) requestPlan(ctx context.Context, in InboundMessage, history []Message, memories []Memory) (string, error) {
	msgs := []ChatMessage{SystemMessage(p.systemPrompt(ctx, memories))}
	for _, m := range history {
		msgs = append(msgs, ChatMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, UserMessage(in.Content))

	resp, err := p.deps.Provider.Chat(ctx, ChatRequest{Messages: msgs})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// systemPrompt assembles the planner prompt: header, tool catalogue,
// and recalled memory context.
func (p *Planner) systemPrompt(ctx context.Context, memories []Memory) string {
	var b strings.Builder
	b.WriteString(plannerPromptHeader)

	if p.deps.Registry != nil {
		tools := p.deps.Registry.ListTools(ctx)
		if len(tools) > 0 {
			b.WriteString("\n\nAvailable tools:\n")
			for _, t := range tools {
				desc := t.ShortDescription
				if desc == "" {
					desc = t.Description
				}
				fmt.Fprintf(&b, "- %s: %s\n", t.Name, desc)
			}
		}
	}

	if len(memories) > 0 {
		b.WriteString("\nWhat you remember about the user:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", m.Kind, m.Title, m.Content)
		}
	}
	return b.String()
}

// runToolBranch dispatches the tool call and summarises its result into
// the assistant reply.
func (p *Planner) runToolBranch(ctx context.Context, in InboundMessage, plan Plan) string {
	result, err := p.deps.Dispatcher.Execute(ctx, plan.Tool, plan.Args, ToolContext{
		UserID:         in.UserID,
		ConversationID: in.ConversationID,
		Source:         in.Source,
	})
	if err != nil {
		p.logger.Warn("tool dispatch failed", "tool", plan.Tool, "error", err)
	}

	resultText := result.Content
	if !result.OK {
		resultText = "The tool failed: " + result.Error
	}

	resp, err := p.deps.Provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage(summarisePrompt),
		UserMessage(fmt.Sprintf("User asked: %s\n\nTool %q returned:\n%s", in.Content, plan.Tool, resultText)),
	}})
	if err != nil {
		p.logger.Warn("summariser call failed", "tool", plan.Tool, "error", err)
		return p.fallbackPlainChat(ctx, in, "a tool was used but summarising its result failed")
	}
	return resp.Content
}

// fallbackPlainChat is the first fallback: a plain, unstructured chat
// call, optionally told what went wrong. If that fails too, the last
// resort echoes the input back.
func (p *Planner) fallbackPlainChat(ctx context.Context, in InboundMessage, errorInfo string) string {
	prompt := plainChatPrompt
	if errorInfo != "" {
		prompt += "\nNote: " + errorInfo + ". Apologise briefly if appropriate and answer as well as you can."
	}
	resp, err := p.deps.Provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage(prompt),
		UserMessage(in.Content),
	}})
	if err != nil {
		p.logger.Error("plain-chat fallback failed, echoing input", "error", err)
		return p.fallbackEcho(in)
	}
	return resp.Content
}

// fallbackEcho is the terminal fallback: acknowledge by echoing the input.
func (p *Planner) fallbackEcho(in InboundMessage) string {
	return "I could not process that right now. You said: " + in.Content
}

func (p *Planner) publishCreated(ctx context.Context, msg Message) {
	if p.deps.Bus == nil {
		return
	}
	p.deps.Bus.Publish(ctx, NewEvent(EventMessageCreated, msg))
}
