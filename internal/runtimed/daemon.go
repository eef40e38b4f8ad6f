// Package runtimed implements the runtime daemon: it dials the server's
// control endpoint, registers with runtime_ready, and supervises the engines
// behind the agents the server activates here.
package runtimed

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tymbal/tymbal/internal/common/config"
	"github.com/tymbal/tymbal/internal/common/ids"
	"github.com/tymbal/tymbal/internal/common/logger"
	"github.com/tymbal/tymbal/internal/engine"
	"github.com/tymbal/tymbal/internal/identity"
	"github.com/tymbal/tymbal/internal/runtimeproto"
	"github.com/tymbal/tymbal/pkg/tymbal"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Daemon is one runtime process serving a space.
type Daemon struct {
	cfg      config.RuntimeConfig
	registry *engine.Registry
	logger   *logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	runtimeID string
	agents    map[string]*agentProc

	send chan *runtimeproto.Message
}

// New creates a runtime daemon.
func New(cfg config.RuntimeConfig, registry *engine.Registry, log *logger.Logger) *Daemon {
	return &Daemon{
		cfg:      cfg,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "runtimed")),
		agents:   make(map[string]*agentProc),
		send:     make(chan *runtimeproto.Message, 256),
	}
}

// Run connects to the server and serves the control link, reconnecting with
// backoff until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	backoff := reconnectBase
	for {
		if err := d.connectAndServe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.WithError(err).Warn("Control link lost, reconnecting",
				zap.Duration("backoff", backoff))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (d *Daemon) connectAndServe(ctx context.Context) error {
	header := map[string][]string{
		runtimeproto.CredentialHeader: {d.cfg.Credential},
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.cfg.ServerURL, header)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", d.cfg.ServerURL, err)
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.conn = nil
		d.mu.Unlock()
		_ = conn.Close()
	}()

	d.logger.Info("Connected to server", zap.String("url", d.cfg.ServerURL))

	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()
	go d.writeLoop(writeCtx, conn)

	hostname, _ := os.Hostname()
	d.enqueue(&runtimeproto.Message{
		Type:      runtimeproto.TypeRuntimeReady,
		RuntimeID: d.storedRuntimeID(),
		SpaceID:   d.cfg.SpaceID,
		Name:      d.cfg.Name,
		MachineInfo: map[string]interface{}{
			"os":       runtime.GOOS,
			"arch":     runtime.GOARCH,
			"hostname": hostname,
		},
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := runtimeproto.Decode(data)
		if err != nil {
			d.logger.Warn("Undecodable control message", zap.Error(err))
			continue
		}
		d.dispatch(ctx, msg)
	}
}

func (d *Daemon) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.send:
			data, err := msg.Encode()
			if err != nil {
				d.logger.Error("Failed to encode control message", zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				d.logger.Warn("Control write failed", zap.Error(err))
				return
			}
		}
	}
}

func (d *Daemon) enqueue(msg *runtimeproto.Message) error {
	select {
	case d.send <- msg:
		return nil
	default:
		d.logger.Warn("Control send queue full, dropping",
			zap.String("type", msg.Type))
		return fmt.Errorf("control send queue full")
	}
}

func (d *Daemon) storedRuntimeID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runtimeID != "" {
		return d.runtimeID
	}
	return d.cfg.RuntimeID
}

func (d *Daemon) dispatch(ctx context.Context, msg *runtimeproto.Message) {
	switch msg.Type {
	case runtimeproto.TypeRuntimeConnected:
		d.mu.Lock()
		d.runtimeID = msg.RuntimeID
		agents := make([]*agentProc, 0, len(d.agents))
		for _, p := range d.agents {
			agents = append(agents, p)
		}
		d.mu.Unlock()
		d.logger.Info("Runtime registered",
			zap.String("runtime_id", msg.RuntimeID),
			zap.String("protocol_version", msg.ProtocolVersion))
		// agents that survived a reconnect check in again
		for _, p := range agents {
			_ = d.enqueue(&runtimeproto.Message{
				Type:    runtimeproto.TypeAgentCheckin,
				AgentID: p.agentID.String(),
			})
		}

	case runtimeproto.TypeActivate:
		d.handleActivate(ctx, msg)

	case runtimeproto.TypeMessage:
		d.handleMessage(msg)

	case runtimeproto.TypeSuspend:
		d.handleSuspend(ctx, msg)

	case runtimeproto.TypePing:
		_ = d.enqueue(&runtimeproto.Message{Type: runtimeproto.TypePong, Timestamp: msg.Timestamp})

	default:
		if msg.Error != "" {
			d.logger.Warn("Server reported error",
				zap.String("code", msg.Error),
				zap.String("message", msg.ErrMessage))
			return
		}
		d.logger.Warn("Unknown control message", zap.String("type", msg.Type))
	}
}

// handleActivate spawns an engine for the agent and starts supervision.
// Activating an already-active agent re-sends its checkin.
func (d *Daemon) handleActivate(ctx context.Context, msg *runtimeproto.Message) {
	agentID, err := identity.Parse(msg.AgentID)
	if err != nil {
		d.enqueue(runtimeproto.NewErrorEnvelope(runtimeproto.CodeInvalidMessage, err.Error()))
		return
	}

	d.mu.Lock()
	if _, active := d.agents[agentID.String()]; active {
		d.mu.Unlock()
		_ = d.enqueue(&runtimeproto.Message{
			Type:    runtimeproto.TypeAgentCheckin,
			AgentID: agentID.String(),
		})
		return
	}
	d.mu.Unlock()

	workspace := msg.WorkspacePath
	if workspace == "" {
		workspace = d.cfg.WorkspacePath
	}

	engineID := ""
	if v, ok := msg.Props["engine"].(string); ok {
		engineID = v
	}

	handle, err := d.registry.Spawn(ctx, engineID, engine.SpawnOptions{
		AgentID:       agentID.String(),
		SystemPrompt:  msg.SystemPrompt,
		WorkspacePath: workspace,
		MCPServers:    msg.MCPServers,
		Environment:   msg.Environment,
	})
	if err != nil {
		d.logger.Error("Engine spawn failed",
			zap.String("agent_id", agentID.String()), zap.Error(err))
		d.sendErrorFrame(agentID, fmt.Sprintf("engine spawn failed: %v", err))
		return
	}

	proc := startAgent(ctx, agentID, handle, d.enqueue, d.cfg.HeartbeatDuration(), d.logger)
	d.mu.Lock()
	d.agents[agentID.String()] = proc
	d.mu.Unlock()
	d.logger.Info("Agent activated", zap.String("agent_id", agentID.String()))
}

func (d *Daemon) handleMessage(msg *runtimeproto.Message) {
	d.mu.Lock()
	proc, ok := d.agents[msg.AgentID]
	d.mu.Unlock()
	if !ok {
		d.enqueue(runtimeproto.NewErrorEnvelope(runtimeproto.CodeInvalidMessage,
			fmt.Sprintf("agent %s is not active here", msg.AgentID)))
		return
	}
	if err := proc.deliver(msg.Content, msg.Sender); err != nil {
		d.logger.Warn("Failed to deliver message to engine",
			zap.String("agent_id", msg.AgentID), zap.Error(err))
	}
}

func (d *Daemon) handleSuspend(ctx context.Context, msg *runtimeproto.Message) {
	d.mu.Lock()
	proc, ok := d.agents[msg.AgentID]
	delete(d.agents, msg.AgentID)
	d.mu.Unlock()
	if !ok {
		return
	}
	reason := msg.Reason
	if reason == "" {
		reason = "suspended"
	}
	proc.stop(ctx, reason)
	d.logger.Info("Agent suspended",
		zap.String("agent_id", msg.AgentID),
		zap.String("reason", reason))
}

func (d *Daemon) sendErrorFrame(agentID identity.AgentID, message string) {
	frame := tymbal.NewSet(ids.New(), tymbal.Timestamp(time.Now()), map[string]interface{}{
		"type":    tymbal.TypeError,
		"sender":  agentID.Callsign,
		"content": message,
	})
	line, err := frame.Serialize()
	if err != nil {
		return
	}
	_ = d.enqueue(&runtimeproto.Message{
		Type:    runtimeproto.TypeFrame,
		AgentID: agentID.String(),
		Frame:   line,
	})
}

// Shutdown terminates every engine and closes the control link.
func (d *Daemon) Shutdown(ctx context.Context) {
	d.mu.Lock()
	agents := make([]*agentProc, 0, len(d.agents))
	for _, p := range d.agents {
		agents = append(agents, p)
	}
	d.agents = make(map[string]*agentProc)
	conn := d.conn
	d.mu.Unlock()

	for _, p := range agents {
		p.stop(ctx, "runtime shutdown")
	}
	if conn != nil {
		_ = conn.Close()
	}
	d.logger.Info("Runtime daemon stopped")
}
