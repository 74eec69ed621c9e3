package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures a Proxy.
type Options struct {
	Spec             Spec
	Policy           RestartPolicy
	RequestTimeout   time.Duration
	GracefulTimeout  time.Duration
	HandshakeTimeout time.Duration
	StderrHistory    int
	// OnEvent receives lifecycle events for persistence. Optional; must not
	// block.
	OnEvent func(eventType, details string)
}

// Proxy ties the pieces together: the client-facing connection that lives for
// the whole process, the supervisor that owns the child, and the child-facing
// connection that is rebuilt on every restart.
type Proxy struct {
	sup       *Supervisor
	timeout   time.Duration
	hsTimeout time.Duration
	onEvent   func(eventType, details string)

	client *Conn

	mu         sync.RWMutex
	childConn  *Conn
	clientInit json.RawMessage // initialize params captured from the client
	childCaps  json.RawMessage // most recent child initialize result

	restarting atomic.Bool // single-flight token for restart cycles
	reattachMu sync.Mutex  // serializes child connection swaps
}

// New creates a proxy around the given child spec. Nothing is spawned yet.
func New(opts Options) *Proxy {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 15 * time.Second
	}
	p := &Proxy{
		sup:       NewSupervisor(opts.Spec, opts.Policy, opts.GracefulTimeout, opts.StderrHistory),
		timeout:   opts.RequestTimeout,
		hsTimeout: opts.HandshakeTimeout,
		onEvent:   opts.OnEvent,
	}
	p.sup.OnEvent(p.event)
	p.sup.OnAutoRestarted(p.handleAutoRestarted)
	p.sup.OnGaveUp(p.handleGaveUp)
	return p
}

// Supervisor exposes the child supervisor, mainly for signal-driven status
// dumps and tests.
func (p *Proxy) Supervisor() *Supervisor {
	return p.sup
}

func (p *Proxy) event(eventType, details string) {
	if p.onEvent != nil {
		p.onEvent(eventType, details)
	}
}

// Run starts the child, binds the client connection to the given streams, and
// serves until the client stream closes or the context is cancelled. A spawn
// failure here, before any client traffic, is the one fatal error.
func (p *Proxy) Run(ctx context.Context, clientIn io.Reader, clientOut io.Writer) error {
	// The client connection goes live before the child is spawned: the
	// supervisor's goroutines (crash watch, give-up) read p.client, so it must
	// never change once they exist. A child that dies instantly still gets its
	// degraded notification delivered.
	p.client = NewConn("client", &clientHandler{p: p}, p.timeout)
	p.client.Attach(clientIn, clientOut)
	defer p.client.Close()

	if err := p.sup.Start(ctx); err != nil {
		return err
	}
	defer p.sup.Stop(context.Background())

	p.attachChildConn()
	defer p.detachChildConn()

	go p.mirrorChildStderr()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.client.Done():
		slog.Info("client disconnected, shutting down")
		return nil
	}
}

// mirrorChildStderr subscribes to the stderr broadcaster and relays each line
// to the log. Capture and logging are decoupled so a slow log handler never
// backs up the drain loop.
func (p *Proxy) mirrorChildStderr() {
	lines := p.sup.Stderr().Subscribe()
	defer p.sup.Stderr().Unsubscribe(lines)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			slog.Debug("child stderr", "line", line)
		case <-p.client.Done():
			return
		}
	}
}

// currentChild returns the child connection, or nil during a restart window.
func (p *Proxy) currentChild() *Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.childConn
}

// newChildConn builds a fresh correlator on the current child's pipes without
// publishing it: requests are not dispatched over it until it is stored into
// childConn.
func (p *Proxy) newChildConn() *Conn {
	stdin, stdout := p.sup.Stdio()
	if stdin == nil {
		return nil
	}
	conn := NewConn("child", &childHandler{p: p}, p.timeout)
	conn.Attach(stdout, stdin, stdin)
	return conn
}

// attachChildConn publishes a fresh correlator for dispatch. Used on the
// first start, where the client drives the handshake itself; restarts go
// through reattachAndHandshake instead.
func (p *Proxy) attachChildConn() {
	conn := p.newChildConn()
	if conn == nil {
		return
	}
	p.mu.Lock()
	p.childConn = conn
	p.mu.Unlock()
}

// detachChildConn tears down the child connection, failing anything still in
// flight with ErrDisconnected. Callers see that as a normal forwarding error.
func (p *Proxy) detachChildConn() {
	p.mu.Lock()
	conn := p.childConn
	p.childConn = nil
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// clientHandler routes traffic arriving on the client-facing connection.
type clientHandler struct {
	p *Proxy
}

func (h *clientHandler) HandleRequest(ctx context.Context, msg *Message) {
	p := h.p
	switch msg.Method {
	case MethodInitialize:
		p.handleInitialize(ctx, msg)
	case MethodToolsList:
		p.forwardAugmented(ctx, msg, augmentToolsResult)
	case MethodToolsCall:
		if toolCallName(msg.Params) == RestartToolName {
			p.handleRestartTool(ctx, msg)
			return
		}
		p.forward(ctx, msg)
	default:
		// Resource reads, prompt fetches, completions, pings, and anything
		// the proxy has never heard of: all opaque pass-through.
		p.forward(ctx, msg)
	}
}

func (h *clientHandler) HandleNotification(ctx context.Context, msg *Message) {
	child := h.p.currentChild()
	if child == nil {
		slog.Debug("dropping client notification, no child connection", "method", msg.Method)
		return
	}
	if err := child.SendNotification(msg.Method, msg.Params); err != nil {
		slog.Warn("failed to forward notification to child", "method", msg.Method, "error", err)
	}
}

// childHandler routes traffic the child originates: server→client requests
// (sampling and the like) and notifications. Everything passes through
// verbatim; transparency is the point.
type childHandler struct {
	p *Proxy
}

func (h *childHandler) HandleRequest(ctx context.Context, msg *Message) {
	p := h.p
	result, err := p.client.SendRequest(ctx, msg.Method, msg.Params)
	child := p.currentChild()
	if child == nil {
		slog.Debug("child connection gone before relaying client answer", "method", msg.Method)
		return
	}
	if err != nil {
		code, text := errorCodeFor(err)
		child.RespondError(msg.ID, code, text)
		return
	}
	child.Respond(msg.ID, result)
}

func (h *childHandler) HandleNotification(ctx context.Context, msg *Message) {
	if h.p.client == nil {
		return
	}
	if err := h.p.client.SendNotification(msg.Method, msg.Params); err != nil {
		slog.Warn("failed to forward notification to client", "method", msg.Method, "error", err)
	}
}

// handleInitialize forwards the client's handshake and augments the child's
// answer. The params are kept so the proxy can replay a faithful handshake to
// the next child after a restart.
func (p *Proxy) handleInitialize(ctx context.Context, msg *Message) {
	p.mu.Lock()
	p.clientInit = append(json.RawMessage(nil), msg.Params...)
	p.mu.Unlock()

	p.forwardAugmented(ctx, msg, func(result json.RawMessage) (json.RawMessage, error) {
		p.mu.Lock()
		p.childCaps = append(json.RawMessage(nil), result...)
		p.mu.Unlock()
		return augmentInitializeResult(result)
	})
}

// toolCallName digs the tool name out of tools/call params without decoding
// the rest of the payload.
func toolCallName(params json.RawMessage) string {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return ""
	}
	return p.Name
}
