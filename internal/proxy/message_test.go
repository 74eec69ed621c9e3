package proxy

import (
	"encoding/json"
	"testing"
)

func TestMessageKind(t *testing.T) {
	tests := []struct {
		name string
		json string
		want MessageKind
	}{
		{
			name: "request with numeric id",
			json: `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			want: KindRequest,
		},
		{
			name: "request with string id",
			json: `{"jsonrpc":"2.0","id":"abc","method":"tools/call","params":{}}`,
			want: KindRequest,
		},
		{
			name: "notification",
			json: `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			want: KindNotification,
		},
		{
			name: "method with null id is a notification",
			json: `{"jsonrpc":"2.0","id":null,"method":"ping"}`,
			want: KindNotification,
		},
		{
			name: "success response",
			json: `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`,
			want: KindResponse,
		},
		{
			name: "error response",
			json: `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"not found"}}`,
			want: KindResponse,
		},
		{
			name: "response with null result is still a response",
			json: `{"jsonrpc":"2.0","id":7,"result":null}`,
			want: KindResponse,
		},
		{
			name: "bare id is invalid",
			json: `{"jsonrpc":"2.0","id":1}`,
			want: KindInvalid,
		},
		{
			name: "empty object is invalid",
			json: `{}`,
			want: KindInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg Message
			if err := json.Unmarshal([]byte(tt.json), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := msg.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageKindNullResult(t *testing.T) {
	// json.RawMessage keeps a literal null as the bytes "null", which must
	// still classify as a response so pending requests resolve.
	var msg Message
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":3,"result":null}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Result == nil {
		t.Fatal("expected raw null result to be retained")
	}
	if msg.Kind() != KindResponse {
		t.Errorf("Kind() = %v, want KindResponse", msg.Kind())
	}
}

func TestMarshalParams(t *testing.T) {
	raw, err := marshalParams(nil)
	if err != nil {
		t.Fatalf("marshalParams(nil): %v", err)
	}
	if raw != nil {
		t.Errorf("nil params should stay nil, got %s", raw)
	}

	passthrough := json.RawMessage(`{"a":1}`)
	raw, err = marshalParams(passthrough)
	if err != nil {
		t.Fatalf("marshalParams(raw): %v", err)
	}
	if string(raw) != `{"a":1}` {
		t.Errorf("raw params should pass through untouched, got %s", raw)
	}
}
