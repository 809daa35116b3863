package valet

import (
	"encoding/json"
	"strings"
)

// PlanType tags the two shapes of a planner response.
type PlanType string

const (
	PlanFinal    PlanType = "final"
	PlanToolCall PlanType = "tool_call"
)

// Plan is the parsed tagged union the language model must return:
//
//	{ "type": "final",     "content": "<string>" }
//	{ "type": "tool_call", "tool": "<name>", "args": <object> }
type Plan struct {
	Type    PlanType
	Content string
	Tool    string
	Args    json.RawMessage
}

// ParsePlan parses a model response into a Plan. The match is exact: the
// JSON must be a single object with exactly the keys of one of the two
// shapes, correctly typed. Anything else — extra keys, missing keys,
// wrong types, trailing data — is rejected. Raw text is never coerced
// into a final plan; the caller falls back to plain chat instead.
//
// A wrapping markdown code fence is tolerated; it is transport noise, not
// part of the contract.
func ParsePlan(raw string) (Plan, error) {
	trimmed := stripCodeFences(raw)

	var fields map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(trimmed))
	if err := dec.Decode(&fields); err != nil {
		return Plan{}, WrapErr(KindValidation, "plan.parse", "response is not a JSON object", err)
	}
	if dec.More() {
		return Plan{}, Errorf(KindValidation, "plan.parse", "trailing data after plan object")
	}

	rawType, ok := fields["type"]
	if !ok {
		return Plan{}, Errorf(KindValidation, "plan.parse", "missing type field")
	}
	var planType string
	if err := json.Unmarshal(rawType, &planType); err != nil {
		return Plan{}, WrapErr(KindValidation, "plan.parse", "type is not a string", err)
	}

	switch PlanType(planType) {
	case PlanFinal:
		if len(fields) != 2 {
			return Plan{}, Errorf(KindValidation, "plan.parse", "final plan must have exactly type and content")
		}
		rawContent, ok := fields["content"]
		if !ok {
			return Plan{}, Errorf(KindValidation, "plan.parse", "final plan missing content")
		}
		var content string
		if err := json.Unmarshal(rawContent, &content); err != nil {
			return Plan{}, WrapErr(KindValidation, "plan.parse", "content is not a string", err)
		}
		return Plan{Type: PlanFinal, Content: content}, nil

	case PlanToolCall:
		if len(fields) != 3 {
			return Plan{}, Errorf(KindValidation, "plan.parse", "tool_call plan must have exactly type, tool, and args")
		}
		rawTool, ok := fields["tool"]
		if !ok {
			return Plan{}, Errorf(KindValidation, "plan.parse", "tool_call plan missing tool")
		}
		var tool string
		if err := json.Unmarshal(rawTool, &tool); err != nil {
			return Plan{}, WrapErr(KindValidation, "plan.parse", "tool is not a string", err)
		}
		if tool == "" {
			return Plan{}, Errorf(KindValidation, "plan.parse", "tool name is empty")
		}
		rawArgs, ok := fields["args"]
		if !ok {
			return Plan{}, Errorf(KindValidation, "plan.parse", "tool_call plan missing args")
		}
		var args map[string]json.RawMessage
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return Plan{}, WrapErr(KindValidation, "plan.parse", "args is not an object", err)
		}
		return Plan{Type: PlanToolCall, Tool: tool, Args: rawArgs}, nil
	}
	return Plan{}, Errorf(KindValidation, "plan.parse", "unknown plan type %q", planType)
}
