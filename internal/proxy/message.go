package proxy

import (
	"bytes"
	"encoding/json"
)

// JSON-RPC 2.0 over newline-delimited frames, as MCP stdio transports speak it.
// The proxy only understands the envelope; params and results stay opaque
// except for the handful of methods it intercepts.

const jsonRPCVersion = "2.0"

// Intercepted method names. Everything else is forwarded untouched.
const (
	MethodInitialize       = "initialize"
	MethodInitialized      = "notifications/initialized"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodToolsListChanged = "notifications/tools/list_changed"
	MethodResourcesList    = "resources/list"
	MethodResourcesRead    = "resources/read"
	MethodResourceTmplList = "resources/templates/list"
	MethodPromptsList      = "prompts/list"
	MethodPromptsGet       = "prompts/get"
	MethodComplete         = "completion/complete"
	MethodPing             = "ping"
)

// JSON-RPC error codes. The reserved ones follow the spec; the -32000 block is
// the server-defined range the proxy uses for its own failure modes.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInternalError    = -32603
	CodeChildUnavailable = -32000
	CodeRequestTimeout   = -32001
)

// MessageKind classifies a decoded frame.
type MessageKind int

const (
	KindInvalid MessageKind = iota
	KindRequest
	KindNotification
	KindResponse
)

// Message is the JSON-RPC envelope. ID stays raw because the spec allows
// strings, numbers and null, and a forwarded response must echo the exact
// encoding the caller used.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC error member. It doubles as a Go error so the
// correlator can hand a child-reported failure straight back to the caller.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return e.Message
}

// Kind classifies the message into exactly one category. A frame with both a
// method and a result, or with neither, is invalid and gets dropped upstream.
func (m *Message) Kind() MessageKind {
	hasID := len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
	switch {
	case m.Method != "" && hasID:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case hasID && (m.Result != nil || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

func newRequest(id int64, method string, params json.RawMessage) *Message {
	idRaw, _ := json.Marshal(id)
	return &Message{JSONRPC: jsonRPCVersion, ID: idRaw, Method: method, Params: params}
}

func newNotification(method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: jsonRPCVersion, Method: method, Params: params}
}

func newResponse(id json.RawMessage, result json.RawMessage) *Message {
	return &Message{JSONRPC: jsonRPCVersion, ID: id, Result: result}
}

func newErrorResponse(id json.RawMessage, code int, message string) *Message {
	return &Message{JSONRPC: jsonRPCVersion, ID: id, Error: &ErrorObject{Code: code, Message: message}}
}

// marshalParams encodes params for outgoing requests. nil stays nil so the
// params member is omitted entirely rather than sent as JSON null.
func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
