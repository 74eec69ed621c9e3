package proxy

import (
	"bufio"
	"io"
	"sync"
)

// StderrBroadcaster fans the child's stderr out to subscribers and keeps a
// bounded history ring. The proxy's own stdout belongs to the protocol, so
// child diagnostics surface through here and through slog on our stderr.
type StderrBroadcaster struct {
	clients map[chan string]bool
	history []string
	maxHist int
	mu      sync.RWMutex
}

// NewStderrBroadcaster creates a broadcaster with the given history size.
func NewStderrBroadcaster(historySize int) *StderrBroadcaster {
	if historySize <= 0 {
		historySize = 200
	}
	return &StderrBroadcaster{
		clients: make(map[chan string]bool),
		history: make([]string, 0, historySize),
		maxHist: historySize,
	}
}

// Subscribe registers a new consumer. The channel is buffered; a consumer
// that falls behind misses lines rather than blocking the drain loop.
func (b *StderrBroadcaster) Subscribe() chan string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan string, 100)
	b.clients[ch] = true
	return ch
}

// Unsubscribe removes and closes a consumer channel.
func (b *StderrBroadcaster) Unsubscribe(ch chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, ch)
	close(ch)
}

// Broadcast appends a line to history and delivers it to all subscribers.
func (b *StderrBroadcaster) Broadcast(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.history) >= b.maxHist {
		b.history = b.history[1:]
	}
	b.history = append(b.history, line)
	for ch := range b.clients {
		select {
		case ch <- line:
		default:
		}
	}
}

// Tail returns up to n most recent lines. Used to attach context to crash
// events.
func (b *StderrBroadcaster) Tail(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := len(b.history) - n
	if start < 0 {
		start = 0
	}
	out := make([]string, len(b.history)-start)
	copy(out, b.history[start:])
	return out
}

// ClearHistory resets the ring, called when a fresh child starts so stale
// output is not attributed to the new process.
func (b *StderrBroadcaster) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = b.history[:0]
}

// drain reads lines until EOF, broadcasting each. Logging is a subscriber's
// job, not the drain loop's.
func (b *StderrBroadcaster) drain(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 16*1024), 1024*1024)
	for scanner.Scan() {
		b.Broadcast(scanner.Text())
	}
}
