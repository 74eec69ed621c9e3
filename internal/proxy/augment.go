package proxy

import (
	"encoding/json"
	"fmt"
)

// RestartToolName is the synthetic tool the proxy injects into the child's
// advertised tool set. Calls to it never reach the child.
const RestartToolName = "reviver_restart"

// restartToolDescriptor builds the synthetic tool entry. The schema is an
// open object with no required fields so any client can call it bare.
func restartToolDescriptor() map[string]any {
	return map[string]any{
		"name":        RestartToolName,
		"description": "Restart the underlying MCP server process. The session with this proxy survives the restart; re-query tool and resource listings afterwards.",
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}

// augmentInitializeResult rewrites an initialize result flowing child→client
// so the advertised capabilities match what the proxy actually provides: a
// tools capability with listChanged set, because the proxy emits
// notifications/tools/list_changed after every restart. The input bytes are
// never mutated; the result is recomputed from scratch each call.
func augmentInitializeResult(result json.RawMessage) (json.RawMessage, error) {
	var out map[string]any
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}

	caps, ok := out["capabilities"].(map[string]any)
	if !ok {
		caps = map[string]any{}
		out["capabilities"] = caps
	}
	tools, ok := caps["tools"].(map[string]any)
	if !ok {
		tools = map[string]any{}
		caps["tools"] = tools
	}
	tools["listChanged"] = true

	return json.Marshal(out)
}

// augmentToolsResult appends the synthetic restart tool to a tools/list
// result flowing child→client. Pure and idempotent: the input is deep-copied
// via decode, and an entry with the synthetic name is never added twice.
func augmentToolsResult(result json.RawMessage) (json.RawMessage, error) {
	var out map[string]any
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}

	tools, _ := out["tools"].([]any)
	for _, t := range tools {
		if entry, ok := t.(map[string]any); ok && entry["name"] == RestartToolName {
			return json.Marshal(out)
		}
	}
	out["tools"] = append(tools, restartToolDescriptor())

	return json.Marshal(out)
}
