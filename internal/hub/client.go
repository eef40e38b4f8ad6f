package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tymbal/tymbal/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Client is a direct WebSocket connection owned by this process. It is the
// direct-socket Sender implementation: Send enqueues onto the outbound pump.
type Client struct {
	ID string

	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded WebSocket connection.
func NewClient(id string, h *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.SendBuffer()),
		logger: log.WithFields(zap.String("connection_id", id)),
		closed: make(chan struct{}),
	}
}

// Send enqueues a line for the write pump. A closed connection or a full
// outbound queue reports stale; the hub removes the record.
func (c *Client) Send(ctx context.Context, connectionID string, data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("Outbound queue full, dropping connection")
		return false
	}
}

// Close tears down the socket. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// ReadPump reads lines from the socket and dispatches them through the hub's
// injected handlers. It runs until the peer disconnects.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.CloseConn(context.WithoutCancel(ctx), c.ID)
		c.Close()
	}()

	c.conn.SetReadLimit(int64(c.hub.MaxFrameBytes()))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Unexpected close", zap.Error(err))
			}
			return
		}
		c.hub.handleLine(ctx, c.ID, data)
	}
}

// WritePump drains the outbound queue onto the socket and keeps the
// connection alive with periodic pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
