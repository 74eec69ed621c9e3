package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// maxFrameSize bounds a single JSON-RPC line. Tool results can carry whole
// files, so this is generous.
const maxFrameSize = 16 * 1024 * 1024

// Handler receives inbound traffic that is not a response to one of our own
// requests. Requests are dispatched on their own goroutine so a slow handler
// cannot stall correlation; notifications are delivered in arrival order.
type Handler interface {
	HandleRequest(ctx context.Context, msg *Message)
	HandleNotification(ctx context.Context, msg *Message)
}

type pendingRequest struct {
	ch chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// Conn correlates JSON-RPC traffic over one duplex byte stream. Each Conn
// owns its pending-request map and its id generator, so the client-facing and
// child-facing id namespaces never overlap. The child-facing Conn is thrown
// away and rebuilt on every restart; the client-facing one lives as long as
// the proxy does.
type Conn struct {
	name    string // "client" or "child", for logs only
	w       io.Writer
	closers []io.Closer
	handler Handler
	timeout time.Duration

	wmu sync.Mutex // serializes frame writes

	mu      sync.Mutex // guards pending and closed
	pending map[string]*pendingRequest
	closed  bool

	nextID atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when the read loop exits
}

// NewConn builds a correlator. It is inert until Attach binds it to a stream
// pair; the handler may be set between construction and attachment.
func NewConn(name string, handler Handler, timeout time.Duration) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		name:    name,
		handler: handler,
		timeout: timeout,
		pending: make(map[string]*pendingRequest),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// SetHandler installs the inbound traffic handler. Must be called before
// Attach.
func (c *Conn) SetHandler(h Handler) {
	c.handler = h
}

// Attach binds the duplex stream and starts the read loop. Closers are closed
// on Close, in order; pass the write end first so the peer sees EOF promptly.
func (c *Conn) Attach(r io.Reader, w io.Writer, closers ...io.Closer) {
	c.w = w
	c.closers = closers
	go c.readLoop(r)
}

// SendRequest writes a framed request and blocks until the correlated
// response, the per-request timeout, the context, or connection teardown
// resolves it. Every issued request resolves exactly once.
func (c *Conn) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}

	id := c.nextID.Add(1)
	key := fmt.Sprintf("%d", id)
	p := &pendingRequest{ch: make(chan pendingResult, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.pending[key] = p
	c.mu.Unlock()

	if err := c.writeMessage(newRequest(id, method, raw)); err != nil {
		c.resolve(key, pendingResult{err: ErrDisconnected})
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-p.ch:
		return res.result, res.err
	case <-timer.C:
		c.remove(key)
		return nil, fmt.Errorf("%s after %s: %w", method, c.timeout, ErrTimeout)
	case <-ctx.Done():
		c.remove(key)
		return nil, ctx.Err()
	}
}

// SendNotification is a fire-and-forget framed write.
func (c *Conn) SendNotification(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return c.writeMessage(newNotification(method, raw))
}

// Respond sends a result for a request the peer issued.
func (c *Conn) Respond(id json.RawMessage, result json.RawMessage) error {
	return c.writeMessage(newResponse(id, result))
}

// RespondError sends a JSON-RPC error object for a request the peer issued.
func (c *Conn) RespondError(id json.RawMessage, code int, message string) error {
	return c.writeMessage(newErrorResponse(id, code, message))
}

// Close tears the connection down: the read loop stops, the underlying
// streams are closed, and every outstanding request fails with
// ErrDisconnected. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	orphaned := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.mu.Unlock()

	c.cancel()
	for _, cl := range c.closers {
		cl.Close()
	}
	for _, p := range orphaned {
		p.ch <- pendingResult{err: ErrDisconnected}
	}
	if len(orphaned) > 0 {
		slog.Debug("failed pending requests on close", "conn", c.name, "count", len(orphaned))
	}
	return nil
}

// Done is closed once the read loop has exited, either via Close or because
// the peer closed its end of the stream.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writeMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.w == nil {
		return ErrDisconnected
	}
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Conn) readLoop(r io.Reader) {
	defer close(c.done)
	defer c.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Garbage on the stream is the sender's problem, not ours.
			slog.Warn("discarding malformed frame", "conn", c.name, "error", err, "bytes", len(line))
			continue
		}

		switch msg.Kind() {
		case KindResponse:
			c.dispatchResponse(&msg)
		case KindRequest:
			if c.handler != nil {
				go c.handler.HandleRequest(c.ctx, &msg)
			}
		case KindNotification:
			if c.handler != nil {
				c.handler.HandleNotification(c.ctx, &msg)
			}
		default:
			slog.Warn("discarding frame of unknown shape", "conn", c.name)
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Debug("read loop ended", "conn", c.name, "error", err)
	}
}

func (c *Conn) dispatchResponse(msg *Message) {
	key := idKey(msg.ID)
	var res pendingResult
	if msg.Error != nil {
		res.err = msg.Error
	} else {
		res.result = msg.Result
	}
	if !c.resolve(key, res) {
		// Already timed out, or an id we never issued. Late answers for a
		// resolved id are dropped, never re-delivered.
		slog.Debug("dropping response for unknown id", "conn", c.name, "id", key)
	}
}

// resolve completes a pending request. Returns false when the id is unknown.
func (c *Conn) resolve(key string, res pendingResult) bool {
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- res
	return true
}

// remove drops a pending entry without delivering a result, used when the
// waiter has already given up (timeout or context cancellation).
func (c *Conn) remove(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// idKey normalizes a raw id for map lookup. Numbers and strings hash to
// distinct keys because the raw JSON encoding differs.
func idKey(id json.RawMessage) string {
	return string(id)
}
