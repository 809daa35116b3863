package valet

import (
	"testing"
)

func TestParsePlanFinal(t *testing.T) {
	plan, err := ParsePlan(`{"type":"final","content":"Hello there"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Type != PlanFinal {
		t.Errorf("got type %q, want final", plan.Type)
	}
	if plan.Content != "Hello there" {
		t.Errorf("got content %q", plan.Content)
	}
}

func TestParsePlanToolCall(t *testing.T) {
	plan, err := ParsePlan(`{"type":"tool_call","tool":"echo","args":{"text":"hi"}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Type != PlanToolCall {
		t.Errorf("got type %q, want tool_call", plan.Type)
	}
	if plan.Tool != "echo" {
		t.Errorf("got tool %q, want echo", plan.Tool)
	}
	if string(plan.Args) != `{"text":"hi"}` {
		t.Errorf("got args %s", plan.Args)
	}
}

func TestParsePlanToleratesCodeFence(t *testing.T) {
	raw := "```json\n{\"type\":\"final\",\"content\":\"ok\"}\n```"
	plan, err := ParsePlan(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Content != "ok" {
		t.Errorf("got content %q, want ok", plan.Content)
	}
}

func TestParsePlanRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"raw text", "Sure, I can help with that!"},
		{"not an object", `["final"]`},
		{"missing type", `{"content":"hi"}`},
		{"unknown type", `{"type":"reply","content":"hi"}`},
		{"type not a string", `{"type":7,"content":"hi"}`},
		{"final missing content", `{"type":"final"}`},
		{"final content not a string", `{"type":"final","content":12}`},
		{"final with extra key", `{"type":"final","content":"hi","tool":"echo"}`},
		{"tool_call missing tool", `{"type":"tool_call","args":{}}`},
		{"tool_call missing args", `{"type":"tool_call","tool":"echo"}`},
		{"tool_call empty tool", `{"type":"tool_call","tool":"","args":{}}`},
		{"tool_call args not object", `{"type":"tool_call","tool":"echo","args":[1]}`},
		{"tool_call extra key", `{"type":"tool_call","tool":"echo","args":{},"x":1}`},
		{"trailing data", `{"type":"final","content":"hi"} extra`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParsePlan(c.raw)
			if err == nil {
				t.Fatalf("expected error for %q", c.raw)
			}
			if !IsValidation(err) {
				t.Errorf("got kind %q, want validation", KindOf(err))
			}
		})
	}
}

func TestParsePlanEmptyArgsObject(t *testing.T) {
	plan, err := ParsePlan(`{"type":"tool_call","tool":"clock","args":{}}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Tool != "clock" {
		t.Errorf("got tool %q", plan.Tool)
	}
}
