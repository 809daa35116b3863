package valet

import (
	"context"
	"testing"
)

func TestShouldExtract(t *testing.T) {
	worth := []string{
		"My name is Anna and I work at a hospital in Oslo",
		"I prefer dark roast coffee, always",
		"remind me to call the dentist tomorrow",
	}
	for _, s := range worth {
		if !ShouldExtract(s) {
			t.Errorf("ShouldExtract(%q) = false, want true", s)
		}
	}

	skip := []string{
		"",
		"ok",
		"thanks",
		"ok thanks",
		"OK Thanks",
		"  sounds good  ",
		"good morning",
	}
	for _, s := range skip {
		if ShouldExtract(s) {
			t.Errorf("ShouldExtract(%q) = true, want false", s)
		}
	}
}

func TestParseExtractedMemories(t *testing.T) {
	got := ParseExtractedMemories(`[{"kind":"fact","title":"Works in Oslo","content":"User works at a hospital in Oslo.","tags":["work"]}]`)
	if len(got) != 1 {
		t.Fatalf("got %d memories, want 1", len(got))
	}
	if got[0].Kind != "fact" || got[0].Title != "Works in Oslo" {
		t.Errorf("got %+v", got[0])
	}
}

func TestParseExtractedMemoriesCodeFence(t *testing.T) {
	got := ParseExtractedMemories("```json\n[{\"kind\":\"preference\",\"title\":\"t\",\"content\":\"c\"}]\n```")
	if len(got) != 1 || got[0].Kind != "preference" {
		t.Errorf("got %+v", got)
	}
}

func TestParseExtractedMemoriesSurroundingText(t *testing.T) {
	got := ParseExtractedMemories(`Here is what I found: [{"kind":"fact","title":"t","content":"c"}] Hope that helps!`)
	if len(got) != 1 || got[0].Title != "t" {
		t.Errorf("got %+v", got)
	}
}

func TestParseExtractedMemoriesUnusable(t *testing.T) {
	cases := []string{
		"",
		"nothing to extract",
		"{not json]",
		`{"kind":"fact"}`, // object, not array
		"[not, valid, json]",
	}
	for _, s := range cases {
		if got := ParseExtractedMemories(s); got != nil {
			t.Errorf("ParseExtractedMemories(%q) = %v, want nil", s, got)
		}
	}
	if got := ParseExtractedMemories("[]"); len(got) != 0 {
		t.Errorf("empty array: got %v", got)
	}
}

func TestExtractorStoresValidMemories(t *testing.T) {
	engine, _, _, _ := testEngine(t, 4)
	stub := &stubProvider{results: []stubResult{{resp: ChatResponse{
		Content: `[
			{"kind":"fact","title":"Lives in Oslo","content":"User lives in Oslo.","tags":["location"]},
			{"kind":"summary","title":"skip me","content":"summaries are reserved for compaction"},
			{"kind":"opinion","title":"skip me too","content":"unknown kind"},
			{"kind":"preference","title":"","content":"missing title"},
			{"kind":"preference","title":"Prefers tea","content":"User prefers tea over coffee.","tags":["food"]}
		]`,
	}}}}
	x := NewExtractor(stub, engine, nil)

	msg := Message{
		ID:             NewID(PrefixMessage),
		ConversationID: "conv-1",
		UserID:         "u1",
		Role:           "user",
		Content:        "I live in Oslo and I prefer tea over coffee",
		CreatedAt:      NowUnix(),
	}
	stored := x.ExtractFrom(context.Background(), msg)
	if stored != 2 {
		t.Fatalf("stored %d memories, want 2", stored)
	}

	mems, err := engine.List(context.Background(), MemoryQuery{UserID: "u1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mems) != 2 {
		t.Fatalf("got %d memories, want 2", len(mems))
	}
	for _, m := range mems {
		if m.ConversationID != "conv-1" {
			t.Errorf("memory %q missing conversation id", m.ID)
		}
		if len(m.SourceReferences) != 1 || m.SourceReferences[0].ID != msg.ID {
			t.Errorf("memory %q missing source reference to the message", m.ID)
		}
	}
}

func TestExtractorSkipsFiller(t *testing.T) {
	engine, _, _, _ := testEngine(t, 4)
	stub := &stubProvider{}
	x := NewExtractor(stub, engine, nil)

	if n := x.ExtractFrom(context.Background(), Message{UserID: "u1", Content: "ok thanks"}); n != 0 {
		t.Errorf("stored %d, want 0", n)
	}
	if stub.callCount() != 0 {
		t.Error("classifier called for filler message")
	}
}

func TestExtractorSwallowsProviderFailure(t *testing.T) {
	engine, _, _, _ := testEngine(t, 4)
	stub := &stubProvider{results: []stubResult{{err: &ErrHTTP{Status: 500}}}}
	x := NewExtractor(stub, engine, nil)

	n := x.ExtractFrom(context.Background(), Message{UserID: "u1", Content: "I live in Oslo and work nights"})
	if n != 0 {
		t.Errorf("stored %d, want 0", n)
	}
}

func TestExcerpt(t *testing.T) {
	if got := excerpt("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := excerpt("ångström über alles", 8); got != "ångström" {
		t.Errorf("got %q, want rune-safe cut", got)
	}
}
