// Package echo provides the built-in system tool set: a round-trip echo
// tool and a clock tool. Registered at boot, always available, no
// lifecycle. The echo tool doubles as the end-to-end probe for the tool
// pipeline.
package echo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valetd/valet"
)

// SetID is the registry id of the system tool set.
const SetID = "system-core"

// NewSet builds the system tool set.
func NewSet() *valet.BasicSet {
	return valet.NewBasicSet(SetID, "Core system tools", valet.VariantSystem,
		echoTool(), clockTool())
}

type echoArgs struct {
	Text string `json:"text"`
}

func echoTool() valet.FuncTool {
	return valet.FuncTool{
		Descriptor: valet.ToolDescriptor{
			Name:             "echo",
			Description:      "Returns the given text unchanged. Useful for verifying that the tool pipeline is working end to end.",
			ShortDescription: "Echo text back unchanged",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"text": {"type": "string", "description": "Text to echo back"}
				},
				"required": ["text"]
			}`),
			Examples: []string{`{"text": "hello"}`},
		},
		Run: func(_ context.Context, args json.RawMessage, _ valet.ToolContext) (valet.ToolResult, error) {
			var a echoArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return valet.ToolResult{OK: false, Error: "invalid args: " + err.Error()},
					valet.WrapErr(valet.KindValidation, "echo.run", "decode args", err)
			}
			return valet.ToolResult{OK: true, Content: a.Text}, nil
		},
	}
}

type clockArgs struct {
	// IANA timezone name; empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

func clockTool() valet.FuncTool {
	return valet.FuncTool{
		Descriptor: valet.ToolDescriptor{
			Name:             "clock",
			Description:      "Returns the current date and time, optionally in a given IANA timezone.",
			ShortDescription: "Current date and time",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"timezone": {"type": "string", "description": "IANA timezone, e.g. Europe/Berlin. Defaults to UTC."}
				}
			}`),
			Examples: []string{`{}`, `{"timezone": "Asia/Jakarta"}`},
		},
		Run: func(_ context.Context, args json.RawMessage, _ valet.ToolContext) (valet.ToolResult, error) {
			var a clockArgs
			if len(args) > 0 {
				if err := json.Unmarshal(args, &a); err != nil {
					return valet.ToolResult{OK: false, Error: "invalid args: " + err.Error()},
						valet.WrapErr(valet.KindValidation, "clock.run", "decode args", err)
				}
			}
			loc := time.UTC
			if a.Timezone != "" {
				l, err := time.LoadLocation(a.Timezone)
				if err != nil {
					return valet.ToolResult{OK: false, Error: "unknown timezone: " + a.Timezone},
						valet.Errorf(valet.KindValidation, "clock.run", "unknown timezone %q", a.Timezone)
				}
				loc = l
			}
			return valet.ToolResult{OK: true, Content: time.Now().In(loc).Format(time.RFC1123)}, nil
		},
	}
}
