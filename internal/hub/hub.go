// Package hub tracks live client and runtime connections, their channel
// subscription, and fans frames out to every subscriber of a channel.
// Connection records are written through Storage so other processes can fan
// out to peers; the in-memory map is the cache, the store is authoritative.
package hub

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tymbal/tymbal/internal/common/config"
	"github.com/tymbal/tymbal/internal/common/logger"
	"github.com/tymbal/tymbal/internal/storage"
	"github.com/tymbal/tymbal/pkg/tymbal"
)

// ErrNotConnected is returned by Send for an unknown connection id.
var ErrNotConnected = errors.New("connection not registered")

// SyncHandler receives client sync requests. Authorization, the channel
// switch, and history replay are the handler's responsibility.
type SyncHandler func(ctx context.Context, conn *storage.Connection, req *tymbal.SyncRequest) error

// FrameHandler receives every non-sync frame a client sends.
type FrameHandler func(ctx context.Context, conn *storage.Connection, frame *tymbal.Frame) error

type record struct {
	conn   *storage.Connection
	sender Sender
}

// Hub manages all client and runtime connection records.
type Hub struct {
	store  storage.Storage
	logger *logger.Logger
	tracer trace.Tracer

	mu        sync.RWMutex
	records   map[string]*record
	byChannel map[string]map[string]*record

	// Per-channel broadcast locks serialize fan-out in submission order.
	chMu         sync.Mutex
	channelLocks map[string]*sync.Mutex

	syncHandler  SyncHandler
	frameHandler FrameHandler

	maxFrameBytes int
	sendBuffer    int
}

// New creates a hub backed by the given store.
func New(store storage.Storage, cfg config.HubConfig, log *logger.Logger) *Hub {
	return &Hub{
		store:         store,
		logger:        log.WithFields(zap.String("component", "hub")),
		tracer:        otel.Tracer("tymbal/hub"),
		records:       make(map[string]*record),
		byChannel:     make(map[string]map[string]*record),
		channelLocks:  make(map[string]*sync.Mutex),
		maxFrameBytes: cfg.MaxFrameBytes,
		sendBuffer:    cfg.SendBuffer,
	}
}

// SetSyncHandler installs the handler for client sync requests.
func (h *Hub) SetSyncHandler(handler SyncHandler) { h.syncHandler = handler }

// SetFrameHandler installs the handler for client message frames.
func (h *Hub) SetFrameHandler(handler FrameHandler) { h.frameHandler = handler }

// Add registers a connection record and its send capability. The record is
// persisted so other processes see the subscriber.
func (h *Hub) Add(ctx context.Context, conn *storage.Connection, sender Sender) error {
	h.mu.Lock()
	rec := &record{conn: conn, sender: sender}
	h.records[conn.ID] = rec
	h.subscribeLocked(conn.ChannelID, rec)
	h.mu.Unlock()

	if err := h.store.SaveConnection(ctx, conn); err != nil {
		h.logger.Error("Failed to persist connection record",
			zap.String("connection_id", conn.ID), zap.Error(err))
	}
	h.logger.Debug("Connection added",
		zap.String("connection_id", conn.ID),
		zap.String("channel_id", conn.ChannelID),
		zap.String("role", conn.Role))
	return nil
}

// Switch atomically moves a connection to a new channel. Subsequent
// broadcasts to the new channel include it.
func (h *Hub) Switch(ctx context.Context, connectionID, newChannelID string) error {
	h.mu.Lock()
	rec, ok := h.records[connectionID]
	if !ok {
		h.mu.Unlock()
		return ErrNotConnected
	}
	h.unsubscribeLocked(rec.conn.ChannelID, connectionID)
	rec.conn.ChannelID = newChannelID
	h.subscribeLocked(newChannelID, rec)
	h.mu.Unlock()

	if err := h.store.UpdateConnectionChannel(ctx, connectionID, newChannelID); err != nil {
		h.logger.Error("Failed to persist channel switch",
			zap.String("connection_id", connectionID), zap.Error(err))
	}
	return nil
}

// Broadcast delivers a line to every subscriber of a channel. Per-subscriber
// sends run in parallel; a send reporting stale removes the record before the
// broadcast completes. The pending pseudo-channel never receives broadcasts.
func (h *Hub) Broadcast(ctx context.Context, channelID string, line []byte) {
	if channelID == storage.PendingChannel || channelID == "" {
		return
	}

	lock := h.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := h.tracer.Start(ctx, "hub.broadcast",
		trace.WithAttributes(attribute.String("channel.id", channelID)))
	defer span.End()

	h.mu.RLock()
	subs := make([]*record, 0, len(h.byChannel[channelID]))
	for _, rec := range h.byChannel[channelID] {
		subs = append(subs, rec)
	}
	h.mu.RUnlock()
	span.SetAttributes(attribute.Int("subscribers", len(subs)))

	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range subs {
		rec := rec
		g.Go(func() error {
			if !rec.sender.Send(gctx, rec.conn.ID, line) {
				h.remove(gctx, rec.conn.ID)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// BroadcastFrame serializes a frame and broadcasts it to the channel.
func (h *Hub) BroadcastFrame(ctx context.Context, channelID string, frame *tymbal.Frame) error {
	line, err := frame.SerializeLine()
	if err != nil {
		return err
	}
	h.Broadcast(ctx, channelID, line)
	return nil
}

// Send delivers a line directly to one connection. A stale send removes the
// record and surfaces the failure.
func (h *Hub) Send(ctx context.Context, connectionID string, line []byte) error {
	h.mu.RLock()
	rec, ok := h.records[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	if !rec.sender.Send(ctx, connectionID, line) {
		h.remove(ctx, connectionID)
		return ErrConnectionGone
	}
	return nil
}

// SendFrame serializes a frame and sends it to one connection.
func (h *Hub) SendFrame(ctx context.Context, connectionID string, frame *tymbal.Frame) error {
	line, err := frame.SerializeLine()
	if err != nil {
		return err
	}
	return h.Send(ctx, connectionID, line)
}

// CloseConn removes a connection record and releases its send capability.
func (h *Hub) CloseConn(ctx context.Context, connectionID string) {
	h.remove(ctx, connectionID)
}

// CloseAll removes every record, used during graceful shutdown.
func (h *Hub) CloseAll(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.records))
	for id := range h.records {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.remove(ctx, id)
	}
}

// GetChannelConnections returns the records currently subscribed to a channel.
func (h *Hub) GetChannelConnections(channelID string) []*storage.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]*storage.Connection, 0, len(h.byChannel[channelID]))
	for _, rec := range h.byChannel[channelID] {
		conns = append(conns, rec.conn)
	}
	return conns
}

// Connection returns the record for a connection id, or nil.
func (h *Hub) Connection(connectionID string) *storage.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if rec, ok := h.records[connectionID]; ok {
		return rec.conn
	}
	return nil
}

// handleLine dispatches an inbound client line to the injected handlers.
// Invalid lines are answered with an error envelope; the connection stays open.
func (h *Hub) handleLine(ctx context.Context, connectionID string, line []byte) {
	h.mu.RLock()
	rec, ok := h.records[connectionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	frame, err := tymbal.Parse(line)
	if err != nil {
		h.replyError(ctx, connectionID, "invalid_frame", "line did not parse as a frame")
		return
	}

	switch {
	case frame.Kind == tymbal.KindSyncRequest:
		if h.syncHandler == nil {
			return
		}
		if err := h.syncHandler(ctx, rec.conn, frame.Request); err != nil {
			h.logger.Warn("Sync request rejected",
				zap.String("connection_id", connectionID), zap.Error(err))
			h.replyError(ctx, connectionID, "processing_error", err.Error())
		}
	default:
		if h.frameHandler == nil {
			return
		}
		if err := h.frameHandler(ctx, rec.conn, frame); err != nil {
			h.logger.Warn("Frame rejected",
				zap.String("connection_id", connectionID), zap.Error(err))
			h.replyError(ctx, connectionID, "processing_error", err.Error())
		}
	}
}

func (h *Hub) replyError(ctx context.Context, connectionID, code, message string) {
	line, err := tymbal.NewError(code, message).SerializeLine()
	if err != nil {
		return
	}
	_ = h.Send(ctx, connectionID, line)
}

// remove is idempotent; concurrent removals of the same id are safe.
func (h *Hub) remove(ctx context.Context, connectionID string) {
	h.mu.Lock()
	rec, ok := h.records[connectionID]
	if ok {
		delete(h.records, connectionID)
		h.unsubscribeLocked(rec.conn.ChannelID, connectionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	rec.sender.Close()
	if err := h.store.DeleteConnection(ctx, connectionID); err != nil {
		h.logger.Error("Failed to delete connection record",
			zap.String("connection_id", connectionID), zap.Error(err))
	}
	h.logger.Debug("Connection removed", zap.String("connection_id", connectionID))
}

func (h *Hub) subscribeLocked(channelID string, rec *record) {
	if _, ok := h.byChannel[channelID]; !ok {
		h.byChannel[channelID] = make(map[string]*record)
	}
	h.byChannel[channelID][rec.conn.ID] = rec
}

func (h *Hub) unsubscribeLocked(channelID, connectionID string) {
	if subs, ok := h.byChannel[channelID]; ok {
		delete(subs, connectionID)
		if len(subs) == 0 {
			delete(h.byChannel, channelID)
		}
	}
}

func (h *Hub) channelLock(channelID string) *sync.Mutex {
	h.chMu.Lock()
	defer h.chMu.Unlock()
	lock, ok := h.channelLocks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		h.channelLocks[channelID] = lock
	}
	return lock
}

// MaxFrameBytes returns the configured inbound frame limit.
func (h *Hub) MaxFrameBytes() int { return h.maxFrameBytes }

// SendBuffer returns the per-connection outbound queue size.
func (h *Hub) SendBuffer() int { return h.sendBuffer }
