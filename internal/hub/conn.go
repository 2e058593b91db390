package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/protocol"
)

// conn is one subscriber socket. It implements registry.Sink: the
// dispatcher calls Send, which enqueues onto the buffered send channel
// drained by the write pump. A full buffer or a closed connection is a
// delivery failure for this target only.
type conn struct {
	id       string
	ws       *websocket.Conn
	identity *Identity
	hub      *Hub

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id string, ws *websocket.Conn, identity *Identity, h *Hub) *conn {
	return &conn{
		id:       id,
		ws:       ws,
		identity: identity,
		hub:      h,
		send:     make(chan []byte, h.config.SendBufferSize),
		closed:   make(chan struct{}),
	}
}

// Send queues a payload for the write pump. It never blocks past the
// caller's deadline.
func (c *conn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return fmt.Errorf("connection %s is closed", c.id)
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return fmt.Errorf("connection %s is closed", c.id)
	case <-ctx.Done():
		return fmt.Errorf("send to %s timed out: %w", c.id, ctx.Err())
	}
}

// enqueue is a best-effort internal send (welcome, pong, errors)
func (c *conn) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
	}
}

func (c *conn) sendError(message string) {
	data, err := protocol.EncodeMessage(&protocol.ErrorMessage{
		Type:    protocol.MsgTypeError,
		Message: message,
	})
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with periodic pings
func (c *conn) writePump() {
	defer c.hub.wg.Done()

	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return

		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.hub.logger.Debug("write failed",
					zap.String("conn_id", c.id),
					zap.Error(err),
				)
				c.hub.drop(c)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.drop(c)
				return
			}
		}
	}
}

// readPump consumes inbound frames until the socket dies
func (c *conn) readPump() {
	defer c.hub.wg.Done()
	defer c.hub.drop(c)

	c.ws.SetReadLimit(64 * 1024)
	c.ws.SetReadDeadline(time.Now().Add(c.hub.config.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.hub.config.PongTimeout))
		c.hub.registry.Touch(c.id)
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.hub.config.PongTimeout))
		c.hub.handleClientMessage(c, data)
	}
}
