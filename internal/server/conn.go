package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/lingocast/lingocast/internal/protocol"
	"github.com/lingocast/lingocast/internal/router"
)

// writeTimeout bounds a single outbound frame write.
const writeTimeout = 10 * time.Second

// wsConn adapts one WebSocket to the router's Client interface. Outbound
// frames go through a bounded queue drained by a single writer goroutine; a
// full queue fails Send so the router drops the connection instead of letting
// one slow client stall a broadcast.
type wsConn struct {
	id     string
	sock   *websocket.Conn
	out    chan protocol.Frame
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

var _ router.Client = (*wsConn)(nil)

func newWSConn(sock *websocket.Conn, queueSize int, logger *slog.Logger) *wsConn {
	id := uuid.NewString()
	return &wsConn{
		id:     id,
		sock:   sock,
		out:    make(chan protocol.Frame, queueSize),
		logger: logger.With("conn_id", id),
		closed: make(chan struct{}),
	}
}

// ID implements [router.Client].
func (c *wsConn) ID() string { return c.id }

// Send implements [router.Client]. It never blocks: a closed connection or a
// full queue reports false.
func (c *wsConn) Send(f protocol.Frame) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- f:
		return true
	default:
		return false
	}
}

// Kick implements [router.Client].
func (c *wsConn) Kick(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.sock.Close(websocket.StatusPolicyViolation, reason); err != nil {
			c.logger.Debug("close after kick", "reason", reason, "error", err)
		}
	})
}

// writeLoop drains the outbound queue onto the socket until the connection
// closes.
func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case f := <-c.out:
			data, err := protocol.Encode(f)
			if err != nil {
				c.logger.Error("encode outbound frame", "frame_type", f.FrameType(), "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.sock.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.Kick("write failed")
				return
			}
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}
