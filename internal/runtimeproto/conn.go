package runtimeproto

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tymbal/tymbal/internal/common/logger"
)

const writeWait = 10 * time.Second

// RuntimeConn is the server side of one runtime control connection. Outbound
// messages queue onto the write pump; the read pump dispatches inbound lines
// through the handler.
type RuntimeConn struct {
	ConnectionID string

	handler *Handler
	conn    *websocket.Conn
	send    chan *Message
	logger  *logger.Logger

	mu          sync.Mutex
	runtimeID   string
	registered  bool
	missedPongs int

	closeOnce sync.Once
	closed    chan struct{}
}

func newRuntimeConn(connectionID string, h *Handler, conn *websocket.Conn, log *logger.Logger) *RuntimeConn {
	return &RuntimeConn{
		ConnectionID: connectionID,
		handler:      h,
		conn:         conn,
		send:         make(chan *Message, h.sendBuffer),
		logger:       log.WithFields(zap.String("connection_id", connectionID)),
		closed:       make(chan struct{}),
	}
}

// RuntimeID returns the registered runtime id, empty before runtime_ready.
func (rc *RuntimeConn) RuntimeID() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.runtimeID
}

// Registered reports whether runtime_ready completed on this connection.
func (rc *RuntimeConn) Registered() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.registered
}

func (rc *RuntimeConn) markRegistered(runtimeID string) {
	rc.mu.Lock()
	rc.runtimeID = runtimeID
	rc.registered = true
	rc.mu.Unlock()
}

func (rc *RuntimeConn) pongReceived() {
	rc.mu.Lock()
	rc.missedPongs = 0
	rc.mu.Unlock()
}

// Enqueue queues a message for the write pump. Returns false when the
// connection is closed or the queue is full.
func (rc *RuntimeConn) Enqueue(msg *Message) bool {
	select {
	case <-rc.closed:
		return false
	default:
	}
	select {
	case rc.send <- msg:
		return true
	default:
		rc.logger.Warn("Runtime outbound queue full")
		return false
	}
}

// Close tears down the connection. Safe to call more than once.
func (rc *RuntimeConn) Close() {
	rc.closeOnce.Do(func() {
		close(rc.closed)
		if rc.conn != nil {
			_ = rc.conn.Close()
		}
	})
}

// ReadPump reads control messages until the peer disconnects, then runs the
// handler's disconnect path.
func (rc *RuntimeConn) ReadPump(ctx context.Context) {
	defer func() {
		rc.Close()
		rc.handler.onDisconnect(context.WithoutCancel(ctx), rc)
	}()

	rc.conn.SetReadLimit(int64(rc.handler.maxFrameBytes))
	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				rc.logger.Warn("Runtime connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		rc.handler.handleMessage(ctx, rc, data)
	}
}

// WritePump drains the outbound queue and drives the ping loop. Missed pongs
// past the configured threshold close the connection.
func (rc *RuntimeConn) WritePump() {
	ticker := time.NewTicker(rc.handler.pingPeriod)
	defer func() {
		ticker.Stop()
		rc.Close()
	}()

	for {
		select {
		case <-rc.closed:
			return
		case msg := <-rc.send:
			data, err := msg.Encode()
			if err != nil {
				rc.logger.Error("Failed to encode control message", zap.Error(err))
				continue
			}
			_ = rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := rc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			rc.mu.Lock()
			missed := rc.missedPongs
			rc.missedPongs++
			rc.mu.Unlock()
			if missed >= rc.handler.maxMissedPong {
				rc.logger.Warn("Runtime missed pongs, closing", zap.Int("missed", missed))
				return
			}
			ping := &Message{Type: TypePing, Timestamp: time.Now().UTC().Format(time.RFC3339)}
			data, _ := ping.Encode()
			_ = rc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := rc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
