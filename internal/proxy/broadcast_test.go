package proxy

import (
	"strings"
	"testing"
	"time"
)

func TestStderrBroadcasterHistory(t *testing.T) {
	b := NewStderrBroadcaster(3)

	for _, line := range []string{"one", "two", "three", "four"} {
		b.Broadcast(line)
	}

	got := b.Tail(10)
	want := []string{"two", "three", "four"}
	if len(got) != len(want) {
		t.Fatalf("Tail() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Tail()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if tail := b.Tail(2); len(tail) != 2 || tail[1] != "four" {
		t.Errorf("Tail(2) = %v", tail)
	}

	b.ClearHistory()
	if tail := b.Tail(10); len(tail) != 0 {
		t.Errorf("history not cleared: %v", tail)
	}
}

func TestStderrBroadcasterSubscribe(t *testing.T) {
	b := NewStderrBroadcaster(10)
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Broadcast("hello")

	select {
	case line := <-ch:
		if line != "hello" {
			t.Errorf("got %q, want %q", line, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the line")
	}
}

func TestStderrBroadcasterSlowSubscriberDropsLines(t *testing.T) {
	b := NewStderrBroadcaster(1000)
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Nobody reads ch; once its buffer fills, Broadcast must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			b.Broadcast("line")
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Broadcast blocked on a slow subscriber")
	}
}

func TestStderrBroadcasterDrain(t *testing.T) {
	b := NewStderrBroadcaster(10)
	b.drain(strings.NewReader("first\nsecond\n"))

	tail := b.Tail(10)
	if len(tail) != 2 || tail[0] != "first" || tail[1] != "second" {
		t.Errorf("Tail() = %v", tail)
	}
}
