package valet

import (
	"context"
	"fmt"
	"testing"
)

func seedConversation(t *testing.T, store *memMessageStore, conversationID string, n int) []Message {
	t.Helper()
	msgs := make([]Message, n)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs[i] = Message{
			ID:             NewID(PrefixMessage),
			ConversationID: conversationID,
			UserID:         "u1",
			Role:           role,
			Content:        fmt.Sprintf("message number %d", i),
			CreatedAt:      NowUnix(),
		}
		if err := store.Save(context.Background(), msgs[i]); err != nil {
			t.Fatalf("save message %d: %v", i, err)
		}
	}
	return msgs
}

func TestCompactCreatesCompaktifiedMemories(t *testing.T) {
	engine, _, _, _ := testEngine(t, 4)
	store := newMemMessageStore()
	msgs := seedConversation(t, store, "conv-1", 6)

	stub := &stubProvider{results: []stubResult{{resp: ChatResponse{
		Content: `[{"kind":"summary","title":"Catch-up","content":"User and assistant discussed six things.","tags":["chat"]}]`,
	}}}}
	c := NewCompactor(stub, engine, store, WithCompactionWindow(4))

	created, err := c.Compact(context.Background(), "u1", "conv-1")
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("got %d memories, want 1", len(created))
	}

	m := created[0]
	if m.Kind != MemorySummary || !m.IsCompaktified {
		t.Errorf("got kind %q compaktified %v", m.Kind, m.IsCompaktified)
	}
	// The window is the most recent 4 messages; the memory references
	// exactly those.
	if len(m.CompaktifiedFrom) != 4 {
		t.Fatalf("got %d source ids, want 4", len(m.CompaktifiedFrom))
	}
	for i, id := range m.CompaktifiedFrom {
		if want := msgs[len(msgs)-4+i].ID; id != want {
			t.Errorf("source %d: got %q, want %q", i, id, want)
		}
	}
	if len(m.SourceReferences) != 4 {
		t.Errorf("got %d source references, want 4", len(m.SourceReferences))
	}
}

func TestCompactUnknownKindBecomesSummary(t *testing.T) {
	engine, _, _, _ := testEngine(t, 4)
	store := newMemMessageStore()
	seedConversation(t, store, "conv-1", 2)

	stub := &stubProvider{results: []stubResult{{resp: ChatResponse{
		Content: `[{"kind":"musing","title":"t","content":"c"}]`,
	}}}}
	c := NewCompactor(stub, engine, store)

	created, err := c.Compact(context.Background(), "u1", "conv-1")
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(created) != 1 || created[0].Kind != MemorySummary {
		t.Errorf("got %+v", created)
	}
}

func TestCompactEmptyConversation(t *testing.T) {
	engine, _, _, _ := testEngine(t, 4)
	c := NewCompactor(&stubProvider{}, engine, newMemMessageStore())

	if _, err := c.Compact(context.Background(), "u1", "conv-empty"); !IsValidation(err) {
		t.Errorf("got %v, want validation", err)
	}
}

func TestCompactUnusableSummariserResponse(t *testing.T) {
	engine, _, _, _ := testEngine(t, 4)
	store := newMemMessageStore()
	seedConversation(t, store, "conv-1", 2)

	stub := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "I cannot summarise this."}}}}
	c := NewCompactor(stub, engine, store)

	_, err := c.Compact(context.Background(), "u1", "conv-1")
	if KindOf(err) != KindPermanent {
		t.Errorf("got %v, want permanent", err)
	}
}

func TestMaybeCompactBelowThresholdDoesNothing(t *testing.T) {
	engine, _, _, _ := testEngine(t, 4)
	store := newMemMessageStore()
	seedConversation(t, store, "conv-1", 3)

	stub := &stubProvider{}
	c := NewCompactor(stub, engine, store, WithCompactionThreshold(5))

	c.MaybeCompact(context.Background(), "u1", "conv-1")
	if stub.callCount() != 0 {
		t.Error("summariser called below threshold")
	}
}

func TestMaybeCompactTriggersAtThreshold(t *testing.T) {
	engine, _, _, _ := testEngine(t, 4)
	store := newMemMessageStore()
	seedConversation(t, store, "conv-1", 5)

	stub := &stubProvider{results: []stubResult{{resp: ChatResponse{
		Content: `[{"kind":"summary","title":"t","content":"c"}]`,
	}}}}
	c := NewCompactor(stub, engine, store, WithCompactionThreshold(5), WithCompactionWindow(5))

	c.MaybeCompact(context.Background(), "u1", "conv-1")
	if stub.callCount() != 1 {
		t.Fatalf("summariser called %d times, want 1", stub.callCount())
	}

	// The five messages are now covered; a second trigger is a no-op
	// until five new uncovered messages accumulate.
	c.MaybeCompact(context.Background(), "u1", "conv-1")
	if stub.callCount() != 1 {
		t.Error("recompacted an already covered window")
	}
}
