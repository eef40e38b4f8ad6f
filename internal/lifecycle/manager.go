// Package lifecycle maintains the per-agent state machine and issues
// activate/message/suspend commands to runtimes. The canonical agent state
// map lives here; the runtime protocol handler and the public API both report
// into it and never mutate state directly.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tymbal/tymbal/internal/common/config"
	"github.com/tymbal/tymbal/internal/common/ids"
	"github.com/tymbal/tymbal/internal/common/logger"
	"github.com/tymbal/tymbal/internal/events/bus"
	"github.com/tymbal/tymbal/internal/hub"
	"github.com/tymbal/tymbal/internal/identity"
	"github.com/tymbal/tymbal/internal/runtimeproto"
	"github.com/tymbal/tymbal/pkg/tymbal"
)

// Agent states.
const (
	StateOffline    = "offline"
	StateActivating = "activating"
	StateOnline     = "online"
	StateBusy       = "busy"
	StateSuspending = "suspending"
	StateError      = "error"
)

var (
	// ErrAgentNotAvailable is returned by SendMessage for agents that are not
	// online or busy.
	ErrAgentNotAvailable = errors.New("agent not available")
	// ErrNoRuntime is returned when no runtime is bound or reachable.
	ErrNoRuntime = errors.New("no connected runtime for agent")
)

// RuntimeLink is the outbound half of the runtime control protocol.
type RuntimeLink interface {
	IsConnected(runtimeID string) bool
	Send(ctx context.Context, runtimeID string, msg *runtimeproto.Message) error
}

// ActivateOptions carries the activation payload.
type ActivateOptions struct {
	RuntimeID     string
	SystemPrompt  string
	MCPServers    map[string]interface{}
	WorkspacePath string
}

// SendOptions carries a user or agent message toward a runtime.
type SendOptions struct {
	Content      string
	Sender       string
	SystemPrompt string
	MCPServers   map[string]interface{}
	Environment  map[string]string
	Props        map[string]interface{}
}

type agentState struct {
	mu        sync.Mutex
	id        identity.AgentID
	state     string
	runtimeID string
	checkin   *time.Timer
}

// Manager owns the agent state machines.
type Manager struct {
	link   RuntimeLink
	hub    *hub.Hub
	bus    bus.EventBus
	logger *logger.Logger

	checkinTimeout time.Duration

	mu     sync.Mutex
	agents map[string]*agentState
}

// NewManager creates the lifecycle manager.
func NewManager(link RuntimeLink, h *hub.Hub, eventBus bus.EventBus, cfg config.LifecycleConfig, log *logger.Logger) *Manager {
	return &Manager{
		link:           link,
		hub:            h,
		bus:            eventBus,
		logger:         log.WithFields(zap.String("component", "lifecycle")),
		checkinTimeout: cfg.CheckinTimeoutDuration(),
		agents:         make(map[string]*agentState),
	}
}

func (m *Manager) agent(id identity.AgentID) *agentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := id.String()
	a, ok := m.agents[key]
	if !ok {
		a = &agentState{id: id, state: StateOffline}
		m.agents[key] = a
	}
	return a
}

// CurrentState returns the agent's observable state, offline for unknown
// agents.
func (m *Manager) CurrentState(id identity.AgentID) string {
	m.mu.Lock()
	a, ok := m.agents[id.String()]
	m.mu.Unlock()
	if !ok {
		return StateOffline
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Activate requests activation of an agent on its runtime. Fire-and-forget:
// the returned state is the post-send state; the engine's checkin completes
// the handshake. Activating an agent that is already activating, online, or
// busy returns the current state without sending anything.
func (m *Manager) Activate(ctx context.Context, id identity.AgentID, opts ActivateOptions) (string, error) {
	a := m.agent(id)
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateActivating, StateOnline, StateBusy:
		return a.state, nil
	}

	runtimeID := opts.RuntimeID
	if runtimeID == "" {
		runtimeID = a.runtimeID
	}
	if runtimeID == "" || !m.link.IsConnected(runtimeID) {
		return a.state, fmt.Errorf("%w: %s", ErrNoRuntime, id)
	}

	m.publish(ctx, bus.SubjectAgentActivating, id, map[string]interface{}{"runtimeId": runtimeID})

	if err := m.link.Send(ctx, runtimeID, &runtimeproto.Message{
		Type:          runtimeproto.TypeActivate,
		AgentID:       id.String(),
		SystemPrompt:  opts.SystemPrompt,
		MCPServers:    opts.MCPServers,
		WorkspacePath: opts.WorkspacePath,
	}); err != nil {
		return a.state, err
	}

	a.state = StateActivating
	a.runtimeID = runtimeID
	m.armCheckinTimerLocked(a)
	m.broadcastState(ctx, id, StateActivating, "")
	m.logger.Info("Agent activating",
		zap.String("agent_id", id.String()),
		zap.String("runtime_id", runtimeID))
	return a.state, nil
}

// SendMessage routes a message to an online or busy agent's runtime and
// returns the fresh message id. Agent state is not changed on delivery
// failure; the runtime protocol emits the authoritative transition when the
// connection drops.
func (m *Manager) SendMessage(ctx context.Context, id identity.AgentID, opts SendOptions) (string, error) {
	a := m.agent(id)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateOnline && a.state != StateBusy {
		return "", fmt.Errorf("%w: %s is %s", ErrAgentNotAvailable, id, a.state)
	}
	if a.runtimeID == "" || !m.link.IsConnected(a.runtimeID) {
		return "", fmt.Errorf("%w: %s", ErrNoRuntime, id)
	}

	messageID := ids.New()
	if err := m.link.Send(ctx, a.runtimeID, &runtimeproto.Message{
		Type:         runtimeproto.TypeMessage,
		AgentID:      id.String(),
		MessageID:    messageID,
		Content:      opts.Content,
		Sender:       opts.Sender,
		SystemPrompt: opts.SystemPrompt,
		MCPServers:   opts.MCPServers,
		Environment:  opts.Environment,
		Props:        opts.Props,
	}); err != nil {
		return "", fmt.Errorf("failed to reach runtime %s: %w", a.runtimeID, err)
	}
	return messageID, nil
}

// Suspend moves an agent offline. Idempotent: suspending an offline agent is
// a no-op and sends nothing.
func (m *Manager) Suspend(ctx context.Context, id identity.AgentID, reason string) error {
	a := m.agent(id)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateOffline {
		return nil
	}

	if a.runtimeID != "" && m.link.IsConnected(a.runtimeID) {
		a.state = StateSuspending
		if err := m.link.Send(ctx, a.runtimeID, &runtimeproto.Message{
			Type:    runtimeproto.TypeSuspend,
			AgentID: id.String(),
			Reason:  reason,
		}); err != nil {
			m.logger.Warn("Suspend command not delivered",
				zap.String("agent_id", id.String()), zap.Error(err))
		}
	}

	m.toOfflineLocked(ctx, a, reason)
	return nil
}

// SuspendAll suspends every agent that is not already offline, used during
// graceful shutdown.
func (m *Manager) SuspendAll(ctx context.Context) {
	m.mu.Lock()
	agents := make([]*agentState, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	m.mu.Unlock()

	for _, a := range agents {
		_ = m.Suspend(ctx, a.id, "server shutdown")
	}
}

// AgentCheckin completes the activation handshake. Unexpected checkins in
// online or busy leave the state unchanged.
func (m *Manager) AgentCheckin(ctx context.Context, id identity.AgentID, runtimeID string) {
	a := m.agent(id)
	a.mu.Lock()
	defer a.mu.Unlock()

	a.runtimeID = runtimeID
	switch a.state {
	case StateOnline, StateBusy:
		return
	default:
		m.disarmCheckinTimerLocked(a)
		a.state = StateOnline
		m.publish(ctx, bus.SubjectAgentOnline, id, map[string]interface{}{"runtimeId": runtimeID})
		m.logger.Info("Agent online", zap.String("agent_id", id.String()))
	}
}

// ObserveSetFrame derives state from a finalized frame: idle values move a
// working agent back to online, error values move it to error, and anything
// else marks it busy. Only effective from online or busy (error excepted).
func (m *Manager) ObserveSetFrame(ctx context.Context, id identity.AgentID, value map[string]interface{}) {
	typ, _ := value["type"].(string)

	a := m.agent(id)
	a.mu.Lock()
	defer a.mu.Unlock()

	if typ == tymbal.TypeError {
		m.toErrorLocked(ctx, a, "engine error")
		return
	}

	if a.state != StateOnline && a.state != StateBusy {
		return
	}
	if typ == tymbal.TypeIdle {
		if a.state != StateOnline {
			a.state = StateOnline
			m.publish(ctx, bus.SubjectAgentOnline, id, nil)
		}
		return
	}
	if a.state != StateBusy {
		a.state = StateBusy
		m.publish(ctx, bus.SubjectAgentBusy, id, nil)
	}
}

// RuntimeDisconnected moves every agent bound to the runtime offline and
// returns them so the protocol handler can emit status frames.
func (m *Manager) RuntimeDisconnected(ctx context.Context, runtimeID string) []identity.AgentID {
	m.mu.Lock()
	var bound []*agentState
	for _, a := range m.agents {
		bound = append(bound, a)
	}
	m.mu.Unlock()

	var affected []identity.AgentID
	for _, a := range bound {
		a.mu.Lock()
		if a.runtimeID == runtimeID && a.state != StateOffline {
			m.toOfflineLocked(ctx, a, "runtime disconnected")
			affected = append(affected, a.id)
		}
		a.mu.Unlock()
	}
	return affected
}

// toOfflineLocked performs the any->offline transition. Caller holds a.mu.
func (m *Manager) toOfflineLocked(ctx context.Context, a *agentState, reason string) {
	m.disarmCheckinTimerLocked(a)
	a.state = StateOffline
	a.runtimeID = ""
	m.publish(ctx, bus.SubjectAgentOffline, a.id, map[string]interface{}{"reason": reason})
	m.broadcastState(ctx, a.id, StateOffline, reason)
	m.logger.Info("Agent offline",
		zap.String("agent_id", a.id.String()),
		zap.String("reason", reason))
}

// toErrorLocked performs the any->error transition. Caller holds a.mu.
func (m *Manager) toErrorLocked(ctx context.Context, a *agentState, reason string) {
	m.disarmCheckinTimerLocked(a)
	a.state = StateError
	m.publish(ctx, bus.SubjectAgentError, a.id, map[string]interface{}{"reason": reason})
	m.broadcastState(ctx, a.id, StateError, reason)
	m.logger.Warn("Agent errored",
		zap.String("agent_id", a.id.String()),
		zap.String("reason", reason))
}

func (m *Manager) armCheckinTimerLocked(a *agentState) {
	m.disarmCheckinTimerLocked(a)
	id := a.id
	a.checkin = time.AfterFunc(m.checkinTimeout, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.state != StateActivating {
			return
		}
		m.toErrorLocked(context.Background(), a, "checkin timeout")
		m.logger.Warn("Activation timed out", zap.String("agent_id", id.String()))
	})
}

func (m *Manager) disarmCheckinTimerLocked(a *agentState) {
	if a.checkin != nil {
		a.checkin.Stop()
		a.checkin = nil
	}
}

func (m *Manager) publish(ctx context.Context, subject string, id identity.AgentID, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["agentId"] = id.String()
	_ = m.bus.Publish(ctx, subject, bus.NewEvent("agent_state", "lifecycle", data))
}

// broadcastState emits an agent_state set frame into the agent's channel so
// subscribed UIs track transitions the engine did not produce itself.
func (m *Manager) broadcastState(ctx context.Context, id identity.AgentID, state, reason string) {
	v := map[string]interface{}{
		"type":    tymbal.TypeAgentState,
		"agentId": id.String(),
		"sender":  id.Callsign,
		"state":   state,
	}
	if reason != "" {
		v["reason"] = reason
	}
	frame := tymbal.NewSet(ids.New(), tymbal.Timestamp(time.Now()), v)
	if err := m.hub.BroadcastFrame(ctx, id.ChannelID, frame); err != nil {
		m.logger.Error("Failed to broadcast agent state",
			zap.String("agent_id", id.String()), zap.Error(err))
	}
}
