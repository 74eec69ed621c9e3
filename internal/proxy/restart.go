package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// handleRestartTool implements the synthetic restart tool. Restart cycles are
// single-flight: a second call arriving mid-cycle is rejected immediately,
// never queued, so there is no ambiguity about which child answered what.
func (p *Proxy) handleRestartTool(ctx context.Context, msg *Message) {
	if !p.restarting.CompareAndSwap(false, true) {
		p.client.Respond(msg.ID, toolResult(true, ErrRestartInProgress.Error()+"; retry once it completes"))
		return
	}

	slog.Info("restart requested via synthetic tool")
	p.event("restart_requested", "client called "+RestartToolName)

	// Orphan anything still in flight to the old child. Those callers get a
	// normal forwarding error, not a hung request.
	p.detachChildConn()

	if err := p.sup.Restart(ctx); err != nil {
		p.restarting.Store(false)
		if errors.Is(err, ErrRestartLimitExceeded) {
			// The child stays down but the session stays up. Its tools are
			// gone, so the client gets the degraded-listing notification too.
			p.client.Respond(msg.ID, toolResult(true, err.Error()))
			p.notifyToolsChanged()
			return
		}
		p.client.Respond(msg.ID, toolResult(true, fmt.Sprintf("restart failed: %v", err)))
		return
	}

	if err := p.reattachAndHandshake(ctx); err != nil {
		p.restarting.Store(false)
		p.client.Respond(msg.ID, toolResult(true, fmt.Sprintf("child restarted but handshake failed: %v", err)))
		return
	}

	p.restarting.Store(false)
	p.client.Respond(msg.ID, toolResult(false, "server restarted"))
	p.notifyToolsChanged()
	p.event("restarted", "manual restart complete")
}

// reattachAndHandshake builds a fresh child connection and performs the
// initialize exchange the proxy itself originates, replaying the client's
// captured handshake so the new child sees what the first one saw. The
// connection is published for dispatch only once the handshake is complete;
// until then forwarded requests keep failing with child unavailable instead
// of reaching a child that has not finished initializing.
func (p *Proxy) reattachAndHandshake(ctx context.Context) error {
	p.reattachMu.Lock()
	defer p.reattachMu.Unlock()

	p.detachChildConn()
	child := p.newChildConn()
	if child == nil {
		return ErrChildUnavailable
	}

	hctx, cancel := context.WithTimeout(ctx, p.hsTimeout)
	defer cancel()

	result, err := child.SendRequest(hctx, MethodInitialize, p.initializeParams())
	if err != nil {
		child.Close()
		return fmt.Errorf("initialize handshake: %w", err)
	}
	if err := child.SendNotification(MethodInitialized, nil); err != nil {
		child.Close()
		return fmt.Errorf("initialized notification: %w", err)
	}

	p.mu.Lock()
	p.childConn = child
	p.childCaps = append(json.RawMessage(nil), result...)
	p.mu.Unlock()
	return nil
}

// initializeParams returns the client's captured handshake params, or a
// minimal set when a restart happens before the client ever initialized.
func (p *Proxy) initializeParams() json.RawMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.clientInit) > 0 {
		return p.clientInit
	}
	raw, _ := json.Marshal(map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "reviver", "version": "0"},
	})
	return raw
}

// notifyToolsChanged tells the client to re-query listings. Sent after every
// successful restart and when the child goes down for good.
func (p *Proxy) notifyToolsChanged() {
	if p.client == nil {
		return
	}
	if err := p.client.SendNotification(MethodToolsListChanged, nil); err != nil {
		slog.Warn("failed to send tools/list_changed", "error", err)
	}
}

// handleAutoRestarted runs after the supervisor brought a crashed child back:
// rebuild the connection, redo the handshake, tell the client.
func (p *Proxy) handleAutoRestarted() {
	if err := p.reattachAndHandshake(context.Background()); err != nil {
		slog.Error("reconnect after auto-restart failed", "error", err)
		p.event("reattach_failed", err.Error())
		return
	}
	slog.Info("child recovered after crash")
	p.event("restarted", "auto-restart complete")
	p.notifyToolsChanged()
}

// handleGaveUp runs when the supervisor will not respawn the child. The
// client connection stays open; a capability-changed notification marks the
// session degraded instead of tearing it down.
func (p *Proxy) handleGaveUp(reason string) {
	p.detachChildConn()
	slog.Error("child is down for good", "reason", reason)
	p.event("gave_up", reason)
	p.notifyToolsChanged()
}

// toolResult builds an MCP tool call result with one text content block.
func toolResult(isError bool, text string) json.RawMessage {
	res := map[string]any{
		"content": []any{map[string]any{"type": "text", "text": text}},
	}
	if isError {
		res["isError"] = true
	}
	raw, _ := json.Marshal(res)
	return raw
}
