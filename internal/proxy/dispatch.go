package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

// forward relays a client request to the current child connection and sends
// the answer back under the client's original id. The proxy never reuses the
// client's id toward the child; the child-facing correlator mints its own.
func (p *Proxy) forward(ctx context.Context, msg *Message) {
	p.forwardAugmented(ctx, msg, nil)
}

// forwardAugmented is forward with an optional child→client transform applied
// to successful results. The guard it starts with is the contract every
// method family shares: no child connection in Running state, no forwarding.
func (p *Proxy) forwardAugmented(ctx context.Context, msg *Message, transform func(json.RawMessage) (json.RawMessage, error)) {
	child := p.currentChild()
	if child == nil || p.sup.State() != StateRunning {
		p.client.RespondError(msg.ID, CodeChildUnavailable, ErrChildUnavailable.Error())
		return
	}

	result, err := child.SendRequest(ctx, msg.Method, msg.Params)
	if err != nil {
		p.respondError(msg, err)
		return
	}

	if transform != nil {
		augmented, terr := transform(result)
		if terr != nil {
			// A child response we cannot reshape still reaches the client;
			// transparency beats augmentation.
			slog.Warn("augmentation failed, forwarding original result", "method", msg.Method, "error", terr)
		} else {
			result = augmented
		}
	}

	if err := p.client.Respond(msg.ID, result); err != nil {
		slog.Warn("failed to deliver response to client", "method", msg.Method, "error", err)
	}
}

// respondError converts a forwarding failure into a protocol-level error
// response. Errors the child itself reported pass through untouched.
func (p *Proxy) respondError(msg *Message, err error) {
	var rpcErr *ErrorObject
	if errors.As(err, &rpcErr) {
		p.client.writeMessage(&Message{JSONRPC: jsonRPCVersion, ID: msg.ID, Error: rpcErr})
		return
	}
	code, text := errorCodeFor(err)
	p.client.RespondError(msg.ID, code, text)
}

// errorCodeFor maps transport-level failures to protocol error codes the
// client can recognize and retry on.
func errorCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrTimeout):
		return CodeRequestTimeout, err.Error()
	case errors.Is(err, ErrDisconnected), errors.Is(err, ErrChildUnavailable):
		return CodeChildUnavailable, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeRequestTimeout, err.Error()
	default:
		return CodeInternalError, err.Error()
	}
}
