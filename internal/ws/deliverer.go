package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// outboundQueueCapacity is the bound on a connection's outbound frame
// queue, §4.3/§5/§8. Overflow closes the socket rather than letting the
// queue grow, since a slow client must never be allowed to back up
// server memory.
const outboundQueueCapacity = 256

// conn is the per-connection outbound half: a bounded queue drained by a
// single writer goroutine, implementing internal/session.Deliverer so C4
// and C3 share the same push path. Grounded on the teacher's
// wsWriter/SessionManager pairing in internal/terminal, generalized from
// a single unbounded io.Writer adapter to the bounded, close-on-overflow
// queue spec.md §4.3 requires.
type conn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	queue  chan []byte
	closed bool
	reason string

	cancel context.CancelFunc
}

func newConn(ws *websocket.Conn, cancel context.CancelFunc) *conn {
	c := &conn{
		ws:     ws,
		queue:  make(chan []byte, outboundQueueCapacity),
		cancel: cancel,
	}
	return c
}

// Send implements session.Deliverer. It never blocks: a full queue closes
// the connection with reason "slow_consumer" and drops the frame instead
// of stalling the caller, §4.3. Only a marshal failure returns an error;
// an overflow or a send on a closed connection returns nil.
func (c *conn) Send(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *conn) enqueue(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	select {
	case c.queue <- data:
		return nil
	default:
		slog.Warn("ws: outbound queue full, closing slow consumer")
		c.Close("slow_consumer")
		return nil
	}
}

// Close implements session.Deliverer. It is idempotent.
func (c *conn) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reason = reason
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
}

// writeLoop drains the outbound queue onto the socket until ctx is
// canceled. It is the only goroutine that calls ws.Write, so frame
// writes never interleave.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			status := websocket.StatusNormalClosure
			reason := c.reason
			if reason == "" {
				reason = "closing"
			}
			if reason == "slow_consumer" {
				status = websocket.StatusPolicyViolation
			}
			_ = c.ws.Close(status, reason)
			return
		case data := <-c.queue:
			writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.Close("write_error")
				return
			}
		}
	}
}
