package proxy

import (
	"encoding/json"
	"testing"
)

func TestAugmentToolsResultAppendsRestartTool(t *testing.T) {
	in := json.RawMessage(`{"tools":[{"name":"echo","inputSchema":{"type":"object"}}]}`)

	out, err := augmentToolsResult(in)
	if err != nil {
		t.Fatalf("augmentToolsResult: %v", err)
	}

	var decoded struct {
		Tools []map[string]any `json:"tools"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode augmented result: %v", err)
	}
	if len(decoded.Tools) != 2 {
		t.Fatalf("expected exactly one appended tool, got %d total", len(decoded.Tools))
	}
	if decoded.Tools[0]["name"] != "echo" {
		t.Errorf("original tool order changed, first is %v", decoded.Tools[0]["name"])
	}
	if decoded.Tools[1]["name"] != RestartToolName {
		t.Errorf("appended tool is %v, want %s", decoded.Tools[1]["name"], RestartToolName)
	}
	if decoded.Tools[1]["inputSchema"] == nil {
		t.Error("synthetic tool has no input schema")
	}
}

func TestAugmentToolsResultEmptyList(t *testing.T) {
	out, err := augmentToolsResult(json.RawMessage(`{"tools":[]}`))
	if err != nil {
		t.Fatalf("augmentToolsResult: %v", err)
	}

	var decoded struct {
		Tools []map[string]any `json:"tools"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Tools) != 1 || decoded.Tools[0]["name"] != RestartToolName {
		t.Fatalf("expected the synthetic tool alone, got %v", decoded.Tools)
	}
}

func TestAugmentToolsResultIdempotent(t *testing.T) {
	in := json.RawMessage(`{"tools":[{"name":"echo"}]}`)

	once, err := augmentToolsResult(in)
	if err != nil {
		t.Fatalf("first augmentation: %v", err)
	}
	twice, err := augmentToolsResult(once)
	if err != nil {
		t.Fatalf("second augmentation: %v", err)
	}

	var decoded struct {
		Tools []map[string]any `json:"tools"`
	}
	if err := json.Unmarshal(twice, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	count := 0
	for _, tool := range decoded.Tools {
		if tool["name"] == RestartToolName {
			count++
		}
	}
	if count != 1 {
		t.Errorf("synthetic tool appears %d times after double augmentation, want 1", count)
	}
}

func TestAugmentToolsResultDoesNotMutateInput(t *testing.T) {
	in := json.RawMessage(`{"tools":[{"name":"echo"}],"nextCursor":"abc"}`)
	before := string(in)

	if _, err := augmentToolsResult(in); err != nil {
		t.Fatalf("augmentToolsResult: %v", err)
	}
	if string(in) != before {
		t.Error("input bytes were mutated")
	}
}

func TestAugmentToolsResultPreservesSiblings(t *testing.T) {
	in := json.RawMessage(`{"tools":[{"name":"a"}],"nextCursor":"page2"}`)

	out, err := augmentToolsResult(in)
	if err != nil {
		t.Fatalf("augmentToolsResult: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["nextCursor"] != "page2" {
		t.Errorf("sibling field lost: nextCursor = %v", decoded["nextCursor"])
	}
}

func TestAugmentToolsResultMalformed(t *testing.T) {
	if _, err := augmentToolsResult(json.RawMessage(`not json`)); err == nil {
		t.Error("expected an error for malformed input")
	}
}

func TestAugmentInitializeResult(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{
			name: "tools capability already present",
			in:   `{"protocolVersion":"2025-06-18","capabilities":{"tools":{"listChanged":false}},"serverInfo":{"name":"s"}}`,
		},
		{
			name: "no tools capability",
			in:   `{"protocolVersion":"2025-06-18","capabilities":{"resources":{}},"serverInfo":{"name":"s"}}`,
		},
		{
			name: "no capabilities at all",
			in:   `{"protocolVersion":"2025-06-18","serverInfo":{"name":"s"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := augmentInitializeResult(json.RawMessage(tt.in))
			if err != nil {
				t.Fatalf("augmentInitializeResult: %v", err)
			}
			var decoded struct {
				ProtocolVersion string `json:"protocolVersion"`
				Capabilities    struct {
					Tools struct {
						ListChanged bool `json:"listChanged"`
					} `json:"tools"`
				} `json:"capabilities"`
			}
			if err := json.Unmarshal(out, &decoded); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !decoded.Capabilities.Tools.ListChanged {
				t.Error("listChanged not forced to true")
			}
			if decoded.ProtocolVersion != "2025-06-18" {
				t.Errorf("protocolVersion lost: %q", decoded.ProtocolVersion)
			}
		})
	}
}

func TestRestartToolDescriptor(t *testing.T) {
	desc := restartToolDescriptor()
	if desc["name"] != RestartToolName {
		t.Errorf("name = %v", desc["name"])
	}
	if desc["description"] == "" || desc["description"] == nil {
		t.Error("descriptor has no description")
	}
	schema, ok := desc["inputSchema"].(map[string]any)
	if !ok || schema["type"] != "object" {
		t.Errorf("inputSchema = %v, want an open object", desc["inputSchema"])
	}
}
