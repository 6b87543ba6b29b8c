package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/syncroom/engine/internal/v1/logging"
	"github.com/syncroom/engine/internal/v1/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxConsecutiveDrops caps how many outbound frames a connection may miss
// in a row (its send channel full) before the gateway gives up on it and
// closes it — the "quality choice" spec.md §5 explicitly allows rather than
// mandates.
const maxConsecutiveDrops = 50

// connection implements room.ClientHandle over a *websocket.Conn. It
// mirrors the teacher's Client: two pumps (read/write) and a buffered send
// channel so a slow socket can't block the room's single writer.
type connection struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
	drops     atomic.Int32

	mu            sync.Mutex
	authenticated bool
	roomID        string
	senderID      string

	lastFrameAt atomic.Int64
}

func newConnection(conn *websocket.Conn, backlog int) *connection {
	if backlog <= 0 {
		backlog = 64
	}
	c := &connection{
		conn: conn,
		send: make(chan []byte, backlog),
	}
	c.lastFrameAt.Store(time.Now().UnixMilli())
	return c
}

// Send implements room.ClientHandle. Non-blocking: a full backlog counts as
// a drop rather than stalling the caller (which may be holding a Room lock).
func (c *connection) Send(data []byte) error {
	if c.closed.Load() {
		return errClosed
	}
	select {
	case c.send <- data:
		c.drops.Store(0)
		return nil
	default:
		n := c.drops.Add(1)
		metrics.BroadcastDropped.WithLabelValues("backlog_full").Inc()
		if n >= maxConsecutiveDrops {
			logging.Warn(context.Background(), "closing connection after repeated outbound drops",
				zap.String("senderId", c.senderIDSnapshot()), zap.Int32("drops", n))
			c.Close()
		}
		return errBacklogFull
	}
}

// Close implements room.ClientHandle.
func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
		_ = c.conn.Close()
	})
	return nil
}

// IsOpen implements room.ClientHandle.
func (c *connection) IsOpen() bool {
	return !c.closed.Load()
}

func (c *connection) setAuthenticated(roomID, senderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.roomID = roomID
	c.senderID = senderID
}

func (c *connection) authenticatedPair() (roomID, senderID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.senderID, c.authenticated
}

func (c *connection) senderIDSnapshot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senderID
}

func (c *connection) touchFrame() {
	c.lastFrameAt.Store(time.Now().UnixMilli())
}

func (c *connection) idleFor() time.Duration {
	last := c.lastFrameAt.Load()
	return time.Since(time.UnixMilli(last))
}

// writePump drains the send channel onto the socket, serializing every
// outbound frame on this connection (spec.md §4.4's per-handle
// serialization requirement) so interleaved writes can never occur.
func (c *connection) writePump() {
	const writeWait = 10 * time.Second
	defer c.conn.Close()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

type gatewayError string

func (e gatewayError) Error() string { return string(e) }

const (
	errClosed      = gatewayError("connection closed")
	errBacklogFull = gatewayError("outbound backlog full")
)
