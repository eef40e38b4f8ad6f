package runtimed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tymbal/tymbal/internal/common/logger"
	"github.com/tymbal/tymbal/internal/engine"
	"github.com/tymbal/tymbal/internal/identity"
	"github.com/tymbal/tymbal/internal/runtimeproto"
	"github.com/tymbal/tymbal/pkg/tymbal"
)

// sendFunc delivers a control message to the server.
type sendFunc func(msg *runtimeproto.Message) error

// agentProc supervises one active agent: its engine handle, the output
// translator, and the heartbeat loop.
type agentProc struct {
	agentID identity.AgentID
	handle  engine.Handle
	send    sendFunc
	logger  *logger.Logger

	cancel context.CancelFunc
}

// startAgent spawns the engine, reports checkin, and begins forwarding
// translated frames and heartbeats.
func startAgent(ctx context.Context, agentID identity.AgentID, handle engine.Handle, send sendFunc, heartbeat time.Duration, log *logger.Logger) *agentProc {
	runCtx, cancel := context.WithCancel(ctx)
	p := &agentProc{
		agentID: agentID,
		handle:  handle,
		send:    send,
		logger:  log.WithAgentID(agentID.String()),
		cancel:  cancel,
	}

	_ = p.send(&runtimeproto.Message{Type: runtimeproto.TypeAgentCheckin, AgentID: agentID.String()})

	go p.forwardOutput()
	go p.heartbeatLoop(runCtx, heartbeat)

	handle.OnExit(func(err error) {
		if err != nil {
			p.logger.Warn("Engine exited with error", zap.Error(err))
		}
		cancel()
	})
	return p
}

// deliver passes a user message into the engine.
func (p *agentProc) deliver(content, sender string) error {
	return p.handle.Send(&engine.Input{Type: engine.InputUser, Content: content, Sender: sender})
}

// interrupt signals the engine out of band.
func (p *agentProc) interrupt() error {
	return p.handle.Send(&engine.Input{Type: engine.InputControl, Action: engine.ActionInterrupt})
}

// stop interrupts any running turn, then terminates the engine and the
// supervision loops.
func (p *agentProc) stop(ctx context.Context, reason string) {
	p.cancel()
	if err := p.interrupt(); err != nil {
		p.logger.Debug("Engine interrupt not delivered", zap.Error(err))
	}
	if err := p.handle.Terminate(ctx, reason); err != nil {
		p.logger.Warn("Engine termination failed", zap.Error(err))
	}
}

// forwardOutput drains the engine's output stream, translating each message
// into frames forwarded to the server. An unexpected stream close surfaces an
// error frame.
func (p *agentProc) forwardOutput() {
	tr := newTranslator(p.agentID, p.emitFrame)
	sawTermination := false

	for msg := range p.handle.Output() {
		if err := tr.handle(msg); err != nil {
			p.logger.Warn("Failed to translate engine message",
				zap.String("type", msg.Type), zap.Error(err))
		}
		if msg.Type == "result" || msg.Type == "idle" {
			sawTermination = true
		} else {
			sawTermination = false
		}
	}

	if !sawTermination && p.handle.State() == engine.StateTerminated {
		_ = tr.emitError("engine stream closed unexpectedly")
	}
}

func (p *agentProc) emitFrame(frame *tymbal.Frame) error {
	line, err := frame.Serialize()
	if err != nil {
		return err
	}
	return p.send(&runtimeproto.Message{
		Type:    runtimeproto.TypeFrame,
		AgentID: p.agentID.String(),
		Frame:   line,
	})
}

func (p *agentProc) heartbeatLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.send(&runtimeproto.Message{
				Type:    runtimeproto.TypeAgentHeartbeat,
				AgentID: p.agentID.String(),
			})
		}
	}
}
