package valet

import (
	"context"
	"strings"
	"testing"
)

func testPlanner(stub *stubProvider, extra ...func(*PlannerDeps)) (*Planner, *memMessageStore) {
	store := newMemMessageStore()
	deps := PlannerDeps{
		Provider:      stub,
		Messages:      store,
		Conversations: store,
	}
	for _, f := range extra {
		f(&deps)
	}
	return NewPlanner(deps), store
}

func TestPlannerFinalPlan(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"type":"final","content":"Hello! How can I help?"}`}},
	}}
	p, store := testPlanner(stub)

	msg, err := p.HandleMessage(context.Background(), InboundMessage{
		UserID:         "u1",
		ConversationID: "conv-1",
		Content:        "hi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Role != "assistant" || msg.Content != "Hello! How can I help?" {
		t.Errorf("got %+v", msg)
	}
	if msg.ConversationID != "conv-1" {
		t.Errorf("got conversation %q", msg.ConversationID)
	}

	// Both the user message and the reply are persisted, in order.
	msgs, err := store.FindByConversation(context.Background(), "conv-1", 0)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("got %d messages", len(msgs))
	}
}

func TestPlannerGeneratesConversationID(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"type":"final","content":"ok"}`}},
	}}
	p, _ := testPlanner(stub)

	msg, err := p.HandleMessage(context.Background(), InboundMessage{UserID: "u1", Content: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !HasIDPrefix(msg.ConversationID, PrefixConversation) {
		t.Errorf("got conversation id %q", msg.ConversationID)
	}
}

func TestPlannerValidation(t *testing.T) {
	p, _ := testPlanner(&stubProvider{})

	if _, err := p.HandleMessage(context.Background(), InboundMessage{UserID: "u1"}); !IsValidation(err) {
		t.Errorf("empty content: got %v, want validation", err)
	}
	if _, err := p.HandleMessage(context.Background(), InboundMessage{Content: "hi"}); !IsValidation(err) {
		t.Errorf("missing user: got %v, want validation", err)
	}
}

func TestPlannerToolCallBranch(t *testing.T) {
	bus := NewBus()
	d := NewDispatcher(bus)
	defer d.Close()
	fakeExecutor(bus, func(req ToolExecuteRequest) ToolResult {
		return ToolResult{OK: true, Content: "42 degrees and sunny"}
	})

	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"type":"tool_call","tool":"weather","args":{"city":"Oslo"}}`}},
		{resp: ChatResponse{Content: "It is 42 degrees and sunny in Oslo."}},
	}}
	p, _ := testPlanner(stub, func(deps *PlannerDeps) {
		deps.Bus = bus
		deps.Dispatcher = d
	})

	msg, err := p.HandleMessage(context.Background(), InboundMessage{
		UserID: "u1", ConversationID: "conv-1", Content: "what's the weather in Oslo?",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Content != "It is 42 degrees and sunny in Oslo." {
		t.Errorf("got %q", msg.Content)
	}

	// The summariser call carries the tool's output.
	if stub.callCount() != 2 {
		t.Fatalf("got %d chat calls, want 2", stub.callCount())
	}
	last := stub.requests[1].Messages
	if !strings.Contains(last[len(last)-1].Content, "42 degrees and sunny") {
		t.Errorf("summariser prompt missing tool result: %q", last[len(last)-1].Content)
	}
}

func TestPlannerToolFailureStillAnswers(t *testing.T) {
	bus := NewBus()
	d := NewDispatcher(bus)
	defer d.Close()
	fakeExecutor(bus, func(ToolExecuteRequest) ToolResult {
		return ToolResult{OK: false, Error: "city not found"}
	})

	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"type":"tool_call","tool":"weather","args":{}}`}},
		{resp: ChatResponse{Content: "I could not look that up, sorry."}},
	}}
	p, _ := testPlanner(stub, func(deps *PlannerDeps) {
		deps.Bus = bus
		deps.Dispatcher = d
	})

	msg, err := p.HandleMessage(context.Background(), InboundMessage{
		UserID: "u1", ConversationID: "conv-1", Content: "weather?",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Content != "I could not look that up, sorry." {
		t.Errorf("got %q", msg.Content)
	}
	last := stub.requests[1].Messages
	if !strings.Contains(last[len(last)-1].Content, "city not found") {
		t.Error("summariser prompt missing the tool failure")
	}
}

func TestPlannerUnparseablePlanFallsBackToPlainChat(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "Sure, happy to help!"}}, // not a plan
		{resp: ChatResponse{Content: "Plain answer."}},
	}}
	p, _ := testPlanner(stub)

	msg, err := p.HandleMessage(context.Background(), InboundMessage{
		UserID: "u1", ConversationID: "conv-1", Content: "hi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Content != "Plain answer." {
		t.Errorf("got %q", msg.Content)
	}
	if stub.callCount() != 2 {
		t.Errorf("got %d chat calls, want 2 (plan + plain fallback)", stub.callCount())
	}
}

func TestPlannerProviderDownFallsBackToEcho(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 503}},
		{err: &ErrHTTP{Status: 503}},
	}}
	p, store := testPlanner(stub)

	msg, err := p.HandleMessage(context.Background(), InboundMessage{
		UserID: "u1", ConversationID: "conv-1", Content: "hi there",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "I could not process that right now. You said: hi there"
	if msg.Content != want {
		t.Errorf("got %q, want %q", msg.Content, want)
	}

	// The echo reply is persisted like any other assistant message.
	msgs, _ := store.FindByConversation(context.Background(), "conv-1", 0)
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want 2", len(msgs))
	}
}

func TestPlannerHistoryInPlanRequest(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"type":"final","content":"first"}`}},
		{resp: ChatResponse{Content: `{"type":"final","content":"second"}`}},
	}}
	p, _ := testPlanner(stub)

	if _, err := p.HandleMessage(context.Background(), InboundMessage{
		UserID: "u1", ConversationID: "conv-1", Content: "my name is Anna",
	}); err != nil {
		t.Fatalf("first message: %v", err)
	}
	if _, err := p.HandleMessage(context.Background(), InboundMessage{
		UserID: "u1", ConversationID: "conv-1", Content: "what's my name?",
	}); err != nil {
		t.Fatalf("second message: %v", err)
	}

	// The second plan request includes the first exchange as history.
	req := stub.requests[1]
	var sawHistory bool
	for _, m := range req.Messages {
		if m.Role == "user" && m.Content == "my name is Anna" {
			sawHistory = true
		}
	}
	if !sawHistory {
		t.Error("plan request missing conversation history")
	}
}

func TestPlannerRecallsMemoriesIntoPrompt(t *testing.T) {
	engine, _, _, embedder := testEngine(t, 4)
	if _, err := engine.Add(context.Background(), MemoryWrite{
		UserID: "u1", Kind: MemoryPreference, Title: "Coffee", Content: "Takes it black",
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"type":"final","content":"noted"}`}},
	}}
	p, _ := testPlanner(stub, func(deps *PlannerDeps) {
		deps.Engine = engine
		deps.Embedder = embedder
	})

	if _, err := p.HandleMessage(context.Background(), InboundMessage{
		UserID: "u1", ConversationID: "conv-1", Content: "make me a coffee plan",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	system := stub.requests[0].Messages[0]
	if system.Role != "system" || !strings.Contains(system.Content, "Takes it black") {
		t.Error("recalled memory missing from the system prompt")
	}
}

func TestPlannerPublishesMessageCreated(t *testing.T) {
	bus := NewBus()
	var roles []string
	bus.Subscribe(EventMessageCreated, func(_ context.Context, ev Event) error {
		var m Message
		if err := ev.UnmarshalPayload(&m); err != nil {
			return err
		}
		roles = append(roles, m.Role)
		return nil
	})

	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: `{"type":"final","content":"ok"}`}},
	}}
	p, _ := testPlanner(stub, func(deps *PlannerDeps) { deps.Bus = bus })

	if _, err := p.HandleMessage(context.Background(), InboundMessage{
		UserID: "u1", ConversationID: "conv-1", Content: "hi",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(roles) != 2 || roles[0] != "user" || roles[1] != "assistant" {
		t.Errorf("got events for roles %v", roles)
	}
}
