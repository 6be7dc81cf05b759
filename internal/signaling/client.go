package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/carebridge/signaling-relay/internal/metrics"
	"github.com/carebridge/signaling-relay/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 32
)

// Client binds one WebSocket connection to the hub. The read pump is the only
// reader and the write pump the only writer, as gorilla/websocket requires.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	log  *slog.Logger

	id      string
	limiter *ratelimit.TokenBucket

	idleTimeout  time.Duration
	pingInterval time.Duration
	maxFrameSize int64

	send      chan []byte
	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger, limiter *ratelimit.TokenBucket, idleTimeout, pingInterval time.Duration, maxFrameSize int64) *Client {
	id := uuid.NewString()
	return &Client{
		hub:          hub,
		conn:         conn,
		log:          logger.With("connection_id", id),
		id:           id,
		limiter:      limiter,
		idleTimeout:  idleTimeout,
		pingInterval: pingInterval,
		maxFrameSize: maxFrameSize,
		send:         make(chan []byte, sendBufferSize),
	}
}

func (c *Client) ID() string { return c.id }

// Close tears down the transport. The read pump observes the closed
// connection and runs the disconnect cleanup.
func (c *Client) Close() {
	_ = c.conn.Close()
}

// Enqueue queues a frame for the write pump without blocking. Reports false
// when the buffer is full; the frame is dropped, not retried.
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump consumes inbound frames until the connection errors or idles out,
// then runs the disconnect cleanup. Idle detection relies on the pong handler
// extending the read deadline.
func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c.id)
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Warn("websocket read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))

		if c.limiter != nil && !c.limiter.Allow(1) {
			c.hub.metrics.Inc(metrics.DropRateLimited)
			c.hub.sendError(c.id, msgRateLimited)
			continue
		}

		c.hub.Dispatch(c.id, frame)
	}
}

// writePump drains the send buffer and keeps the connection alive with
// periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
