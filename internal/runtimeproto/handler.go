package runtimeproto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tymbal/tymbal/internal/common/config"
	"github.com/tymbal/tymbal/internal/common/ids"
	"github.com/tymbal/tymbal/internal/common/logger"
	"github.com/tymbal/tymbal/internal/events/bus"
	"github.com/tymbal/tymbal/internal/hub"
	"github.com/tymbal/tymbal/internal/identity"
	"github.com/tymbal/tymbal/internal/storage"
	"github.com/tymbal/tymbal/pkg/tymbal"
)

// ErrRuntimeNotConnected is returned when sending to a runtime that has no
// live control connection.
var ErrRuntimeNotConnected = errors.New("runtime not connected")

// Lifecycle is the agent-state sink the handler reports into. The lifecycle
// manager owns the canonical state map; the handler never mutates agent state
// directly.
type Lifecycle interface {
	// AgentCheckin completes an activation handshake.
	AgentCheckin(ctx context.Context, agentID identity.AgentID, runtimeID string)
	// ObserveSetFrame derives busy/online/error transitions from a set value.
	ObserveSetFrame(ctx context.Context, agentID identity.AgentID, value map[string]interface{})
	// CurrentState returns the agent's observable state.
	CurrentState(agentID identity.AgentID) string
	// RuntimeDisconnected moves every agent bound to the runtime offline and
	// returns them.
	RuntimeDisconnected(ctx context.Context, runtimeID string) []identity.AgentID
}

// Handler terminates runtime control connections on the server.
type Handler struct {
	store  storage.Storage
	hub    *hub.Hub
	bus    bus.EventBus
	logger *logger.Logger

	lifecycle Lifecycle

	mu    sync.RWMutex
	conns map[string]*RuntimeConn // by runtime id

	sendBuffer    int
	maxFrameBytes int
	pingPeriod    time.Duration
	maxMissedPong int
}

// NewHandler creates the runtime protocol handler.
func NewHandler(store storage.Storage, h *hub.Hub, eventBus bus.EventBus, cfg config.HubConfig, log *logger.Logger) *Handler {
	return &Handler{
		store:         store,
		hub:           h,
		bus:           eventBus,
		logger:        log.WithFields(zap.String("component", "runtime_proto")),
		conns:         make(map[string]*RuntimeConn),
		sendBuffer:    cfg.SendBuffer,
		maxFrameBytes: cfg.MaxFrameBytes,
		pingPeriod:    time.Duration(cfg.PingSeconds) * time.Second,
		maxMissedPong: cfg.MaxMissedPong,
	}
}

// SetLifecycle installs the agent-state sink. Must be called before the first
// connection is served.
func (h *Handler) SetLifecycle(l Lifecycle) { h.lifecycle = l }

// HandleConnection serves one upgraded runtime control connection. It blocks
// until the runtime disconnects.
func (h *Handler) HandleConnection(ctx context.Context, wsConn *websocket.Conn) {
	rc := newRuntimeConn(ids.NewConnectionID(), h, wsConn, h.logger)
	go rc.WritePump()
	rc.ReadPump(ctx)
}

// IsConnected reports whether a runtime has a live control connection.
func (h *Handler) IsConnected(runtimeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[runtimeID]
	return ok
}

// Send queues a control message for a runtime.
func (h *Handler) Send(ctx context.Context, runtimeID string, msg *Message) error {
	h.mu.RLock()
	rc, ok := h.conns[runtimeID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuntimeNotConnected, runtimeID)
	}
	if !rc.Enqueue(msg) {
		return fmt.Errorf("%w: %s", ErrRuntimeNotConnected, runtimeID)
	}
	return nil
}

// Shutdown closes every runtime connection.
func (h *Handler) Shutdown(ctx context.Context) {
	h.mu.Lock()
	conns := make([]*RuntimeConn, 0, len(h.conns))
	for _, rc := range h.conns {
		conns = append(conns, rc)
	}
	h.mu.Unlock()

	for _, rc := range conns {
		rc.Close()
	}
}

func (h *Handler) handleMessage(ctx context.Context, rc *RuntimeConn, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		rc.Enqueue(NewErrorEnvelope(CodeInvalidMessage, "message did not parse"))
		return
	}

	// Only runtime_ready is accepted before registration.
	if !rc.Registered() && msg.Type != TypeRuntimeReady {
		rc.Enqueue(NewErrorEnvelope(CodeNotRegistered, "runtime_ready required first"))
		return
	}

	switch msg.Type {
	case TypeRuntimeReady:
		h.handleReady(ctx, rc, msg)
	case TypeAgentCheckin:
		h.handleCheckin(ctx, rc, msg)
	case TypeAgentHeartbeat:
		h.handleHeartbeat(ctx, rc, msg)
	case TypeFrame:
		h.handleFrame(ctx, rc, msg)
	case TypePong:
		rc.pongReceived()
	default:
		rc.Enqueue(NewErrorEnvelope(CodeInvalidMessage, fmt.Sprintf("unknown type %q", msg.Type)))
	}
}

// handleReady registers or reclaims a runtime record and binds it to this
// connection. Lookup is by id first, then by (spaceId, name).
func (h *Handler) handleReady(ctx context.Context, rc *RuntimeConn, msg *Message) {
	rt, err := h.resolveRuntime(ctx, msg)
	if err != nil {
		h.logger.Error("Runtime registration failed", zap.Error(err))
		rc.Enqueue(NewErrorEnvelope(CodeRegistrationFailed, err.Error()))
		return
	}

	if err := h.store.UpdateRuntimeStatus(ctx, rt.ID, "online", time.Now().UTC()); err != nil {
		h.logger.Error("Failed to mark runtime online",
			zap.String("runtime_id", rt.ID), zap.Error(err))
	}

	h.mu.Lock()
	if prev, ok := h.conns[rt.ID]; ok && prev != rc {
		prev.Close()
	}
	h.conns[rt.ID] = rc
	h.mu.Unlock()
	rc.markRegistered(rt.ID)

	rc.Enqueue(&Message{
		Type:            TypeRuntimeConnected,
		RuntimeID:       rt.ID,
		ProtocolVersion: ProtocolVersion,
	})

	_ = h.bus.Publish(ctx, bus.SubjectRuntimeConnected, bus.NewEvent("runtime_connected", "runtime_proto",
		map[string]interface{}{"runtimeId": rt.ID, "spaceId": rt.SpaceID, "name": rt.Name}))
	h.logger.WithRuntimeID(rt.ID).Info("Runtime registered",
		zap.String("space_id", rt.SpaceID),
		zap.String("name", rt.Name))
}

func (h *Handler) resolveRuntime(ctx context.Context, msg *Message) (*storage.Runtime, error) {
	if msg.RuntimeID != "" {
		rt, err := h.store.GetRuntime(ctx, msg.RuntimeID)
		if err == nil {
			return rt, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	if msg.SpaceID == "" || msg.Name == "" {
		return nil, fmt.Errorf("runtime_ready requires spaceId and name")
	}

	rt, err := h.store.FindRuntimeByName(ctx, msg.SpaceID, msg.Name)
	if err == nil {
		return rt, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	rt = &storage.Runtime{
		SpaceID: msg.SpaceID,
		Name:    msg.Name,
		Status:  "online",
		Config:  storage.JSONMap(msg.MachineInfo),
	}
	if err := h.store.CreateRuntime(ctx, rt); err != nil {
		return nil, err
	}
	return rt, nil
}

func (h *Handler) handleCheckin(ctx context.Context, rc *RuntimeConn, msg *Message) {
	agentID, err := identity.Parse(msg.AgentID)
	if err != nil {
		rc.Enqueue(NewErrorEnvelope(CodeInvalidMessage, err.Error()))
		return
	}

	now := time.Now().UTC()
	if err := h.store.TouchRosterHeartbeat(ctx, agentID.ChannelID, agentID.Callsign, rc.RuntimeID(), now); err != nil {
		h.logger.Error("Failed to touch roster heartbeat",
			zap.String("agent_id", agentID.String()), zap.Error(err))
	}

	if h.lifecycle != nil {
		h.lifecycle.AgentCheckin(ctx, agentID, rc.RuntimeID())
	}
	h.broadcastAgentState(ctx, agentID, "online")
}

func (h *Handler) handleHeartbeat(ctx context.Context, rc *RuntimeConn, msg *Message) {
	agentID, err := identity.Parse(msg.AgentID)
	if err != nil {
		rc.Enqueue(NewErrorEnvelope(CodeInvalidMessage, err.Error()))
		return
	}

	now := time.Now().UTC()
	if err := h.store.UpdateRuntimeStatus(ctx, rc.RuntimeID(), "online", now); err != nil {
		h.logger.Error("Failed to refresh runtime last-seen", zap.Error(err))
	}
	if err := h.store.TouchRosterHeartbeat(ctx, agentID.ChannelID, agentID.Callsign, rc.RuntimeID(), now); err != nil {
		h.logger.Error("Failed to touch roster heartbeat", zap.Error(err))
	}

	state := "online"
	if h.lifecycle != nil {
		state = h.lifecycle.CurrentState(agentID)
	}
	h.broadcastAgentState(ctx, agentID, state)
}

func (h *Handler) handleFrame(ctx context.Context, rc *RuntimeConn, msg *Message) {
	agentID, err := identity.Parse(msg.AgentID)
	if err != nil {
		rc.Enqueue(NewErrorEnvelope(CodeInvalidMessage, err.Error()))
		return
	}

	frame, err := tymbal.Parse(msg.Frame)
	if err != nil {
		rc.Enqueue(NewErrorEnvelope(CodeInvalidMessage, "frame did not parse"))
		return
	}

	if frame.Kind == tymbal.KindSet {
		frame = tymbal.NormalizeSet(frame)
	}

	if err := h.hub.BroadcastFrame(ctx, agentID.ChannelID, frame); err != nil {
		h.logger.Error("Failed to broadcast frame",
			zap.String("agent_id", agentID.String()), zap.Error(err))
	}

	if frame.Kind == tymbal.KindSet {
		// Persistence failures are logged, never surfaced; the broadcast
		// already happened.
		if err := h.PersistSetFrame(ctx, agentID, frame); err != nil {
			h.logger.Error("Failed to persist set frame",
				zap.String("agent_id", agentID.String()),
				zap.String("message_id", frame.ID),
				zap.Error(err))
		}
		if h.lifecycle != nil {
			h.lifecycle.ObserveSetFrame(ctx, agentID, frame.Value)
		}
	}

	if frame.Kind == tymbal.KindReset {
		if err := h.store.DeleteMessage(ctx, frame.ID); err != nil {
			h.logger.Error("Failed to delete message",
				zap.String("agent_id", agentID.String()),
				zap.String("message_id", frame.ID),
				zap.Error(err))
		}
	}

	if err := h.store.TouchRosterHeartbeat(ctx, agentID.ChannelID, agentID.Callsign, rc.RuntimeID(), time.Now().UTC()); err != nil {
		h.logger.Error("Failed to touch roster heartbeat", zap.Error(err))
	}
}

// PersistSetFrame applies the durable mapping for a set frame: cost-typed
// values become cost records, tool payloads are stored verbatim, and
// everything else stores v.content when present, the whole value otherwise.
func (h *Handler) PersistSetFrame(ctx context.Context, agentID identity.AgentID, frame *tymbal.Frame) error {
	v := frame.Value
	typ, _ := v["type"].(string)

	if typ == tymbal.TypeCost {
		return h.store.SaveCost(ctx, &storage.CostRecord{
			SpaceID:    agentID.SpaceID,
			ChannelID:  agentID.ChannelID,
			Callsign:   agentID.Callsign,
			CostUSD:    floatField(v, "costUsd", "total_cost_usd"),
			DurationMs: int64(floatField(v, "durationMs", "duration_ms")),
			NumTurns:   int(floatField(v, "numTurns", "num_turns")),
			Usage:      mapField(v, "usage"),
			ModelUsage: mapField(v, "modelUsage"),
			CreatedAt:  time.Now().UTC(),
		})
	}

	var content interface{}
	switch typ {
	case tymbal.TypeToolCall, tymbal.TypeToolResult:
		content = v
	default:
		if c, ok := v["content"]; ok {
			content = c
		} else {
			content = v
		}
	}

	if typ == "" {
		typ = tymbal.TypeAgent
	}
	return h.store.SaveMessage(ctx, &storage.Message{
		ID:         frame.ID,
		SpaceID:    agentID.SpaceID,
		ChannelID:  agentID.ChannelID,
		Sender:     agentID.Callsign,
		SenderType: "agent",
		Type:       typ,
		Content:    storage.JSONValue{V: content},
		IsComplete: true,
		CreatedAt:  time.Now().UTC(),
	})
}

// onDisconnect runs when a registered runtime's connection closes: the
// runtime goes offline and every bound agent gets an explanatory status frame
// in its channel.
func (h *Handler) onDisconnect(ctx context.Context, rc *RuntimeConn) {
	if !rc.Registered() {
		return
	}
	runtimeID := rc.RuntimeID()

	h.mu.Lock()
	if current, ok := h.conns[runtimeID]; ok && current == rc {
		delete(h.conns, runtimeID)
	}
	h.mu.Unlock()

	if err := h.store.UpdateRuntimeStatus(ctx, runtimeID, "offline", time.Now().UTC()); err != nil {
		h.logger.Error("Failed to mark runtime offline",
			zap.String("runtime_id", runtimeID), zap.Error(err))
	}

	var agents []identity.AgentID
	if h.lifecycle != nil {
		agents = h.lifecycle.RuntimeDisconnected(ctx, runtimeID)
	}
	for _, agentID := range agents {
		if err := h.store.SetRosterStatus(ctx, agentID.ChannelID, agentID.Callsign, "offline"); err != nil {
			h.logger.Error("Failed to update roster status", zap.Error(err))
		}
		now := time.Now().UTC()
		frame := tymbal.NewSet(ids.New(), tymbal.Timestamp(now), map[string]interface{}{
			"type":    tymbal.TypeStatus,
			"agentId": agentID.String(),
			"sender":  agentID.Callsign,
			"content": "offline (runtime disconnected)",
		})
		if err := h.hub.BroadcastFrame(ctx, agentID.ChannelID, frame); err != nil {
			h.logger.Error("Failed to broadcast offline status", zap.Error(err))
		}
	}

	_ = h.bus.Publish(ctx, bus.SubjectRuntimeDisconnect, bus.NewEvent("runtime_disconnected", "runtime_proto",
		map[string]interface{}{"runtimeId": runtimeID}))
	h.logger.Info("Runtime disconnected",
		zap.String("runtime_id", runtimeID),
		zap.Int("bound_agents", len(agents)))
}

func (h *Handler) broadcastAgentState(ctx context.Context, agentID identity.AgentID, state string) {
	now := time.Now().UTC()
	frame := tymbal.NewSet(ids.New(), tymbal.Timestamp(now), map[string]interface{}{
		"type":    tymbal.TypeAgentState,
		"agentId": agentID.String(),
		"sender":  agentID.Callsign,
		"state":   state,
	})
	if err := h.hub.BroadcastFrame(ctx, agentID.ChannelID, frame); err != nil {
		h.logger.Error("Failed to broadcast agent state",
			zap.String("agent_id", agentID.String()), zap.Error(err))
	}
}

func floatField(v map[string]interface{}, keys ...string) float64 {
	for _, key := range keys {
		if f, ok := v[key].(float64); ok {
			return f
		}
	}
	return 0
}

func mapField(v map[string]interface{}, key string) storage.JSONMap {
	if m, ok := v[key].(map[string]interface{}); ok {
		return storage.JSONMap(m)
	}
	return nil
}
