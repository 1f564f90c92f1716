package ws

import (
	"context"
	"testing"
	"time"
)

func TestConn_SendClosesOnOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &conn{queue: make(chan []byte, 2), cancel: cancel}

	for i := 0; i < 2; i++ {
		if err := c.Send(map[string]string{"type": "ping"}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	// Third send overflows the bounded queue and must close rather than block.
	if err := c.Send(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("overflowing send returned error instead of closing: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected overflow to cancel the connection context")
	}

	c.mu.Lock()
	closed := c.closed
	reason := c.reason
	c.mu.Unlock()
	if !closed || reason != "slow_consumer" {
		t.Errorf("expected closed=true reason=slow_consumer, got closed=%v reason=%q", closed, reason)
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	calls := 0
	c := &conn{queue: make(chan []byte, 1), cancel: func() { calls++ }}
	c.Close("first")
	c.Close("second")
	if calls != 1 {
		t.Errorf("expected cancel called exactly once, got %d", calls)
	}
	if c.reason != "first" {
		t.Errorf("expected first reason to stick, got %q", c.reason)
	}
}

func TestConn_SendAfterCloseIsNoop(t *testing.T) {
	c := &conn{queue: make(chan []byte, 1), cancel: func() {}}
	c.Close("done")
	if err := c.Send(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("send after close should be a silent no-op, got error: %v", err)
	}
	if len(c.queue) != 0 {
		t.Errorf("expected no frame queued after close")
	}
}
