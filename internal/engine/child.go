package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tymbal/tymbal/internal/common/config"
	"github.com/tymbal/tymbal/internal/common/logger"
)

const termGrace = 5 * time.Second

// ChildEngine spawns an external binary speaking NDJSON over stdin/stdout.
// An init message carrying a session id signals readiness; stderr is logged.
type ChildEngine struct {
	id          string
	binary      string
	initTimeout time.Duration
	rewriter    *URLRewriter
	logger      *logger.Logger
}

// NewChildEngine creates a child-process engine for the given binary.
func NewChildEngine(id, binary string, cfg config.EngineConfig, log *logger.Logger) *ChildEngine {
	return &ChildEngine{
		id:          id,
		binary:      binary,
		initTimeout: cfg.InitTimeoutDuration(),
		rewriter:    NewURLRewriter(cfg),
		logger:      log.WithFields(zap.String("engine", id)),
	}
}

// ID returns the engine id.
func (e *ChildEngine) ID() string { return e.id }

// IsAvailable probes for the binary.
func (e *ChildEngine) IsAvailable() bool {
	if e.binary == "" {
		return false
	}
	if _, err := os.Stat(e.binary); err == nil {
		return true
	}
	_, err := exec.LookPath(e.binary)
	return err == nil
}

// Spawn starts the child and waits for its init message, bounded by the init
// timeout. Exceeding it terminates the child and surfaces a spawn error.
func (e *ChildEngine) Spawn(ctx context.Context, opts SpawnOptions) (Handle, error) {
	cmd := exec.Command(e.binary)
	cmd.Dir = opts.WorkspacePath
	cmd.Env = os.Environ()
	for k, v := range e.rewriter.RewriteEnv(opts.Environment) {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", e.binary, err)
	}

	h := &childHandle{
		cmd:    cmd,
		stdin:  stdin,
		output: make(chan *Message, 256),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
		state:  StateStarting,
		logger: e.logger.WithFields(zap.String("agent_id", opts.AgentID), zap.Int("pid", cmd.Process.Pid)),
	}

	go h.logStderr(stderr)
	go h.readLoop(stdout)

	select {
	case <-h.ready:
		h.logger.Info("Child engine ready")
	case <-time.After(e.initTimeout):
		_ = h.Terminate(context.WithoutCancel(ctx), "init timeout")
		return nil, fmt.Errorf("engine %s did not initialize within %s", e.id, e.initTimeout)
	case <-h.done:
		return nil, fmt.Errorf("engine %s exited before init: %w", e.id, h.exitError())
	case <-ctx.Done():
		_ = h.Terminate(context.WithoutCancel(ctx), "spawn cancelled")
		return nil, ctx.Err()
	}

	// pass the activation payload once the link is up
	if opts.SystemPrompt != "" || len(opts.MCPServers) > 0 {
		if err := h.writeLine(map[string]interface{}{
			"type":         "configure",
			"systemPrompt": opts.SystemPrompt,
			"mcpServers":   e.rewriter.RewriteMCPServers(opts.MCPServers),
		}); err != nil {
			h.logger.Warn("Failed to send configuration", zap.Error(err))
		}
	}
	return h, nil
}

type childHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output chan *Message
	logger *logger.Logger

	mu    sync.Mutex
	state State

	readyOnce sync.Once
	ready     chan struct{}

	quitOnce sync.Once
	quit     chan struct{}

	exitOnce sync.Once
	done     chan struct{}
	exitErr  error
	handlers []func(error)
}

func (h *childHandle) PID() int { return h.cmd.Process.Pid }

func (h *childHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *childHandle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *childHandle) Output() <-chan *Message { return h.output }

// Send writes one NDJSON input line. User messages move the engine to busy.
func (h *childHandle) Send(msg *Input) error {
	if h.State() == StateTerminated {
		return ErrTerminated
	}
	if err := h.writeLine(msg); err != nil {
		return fmt.Errorf("failed to write to engine: %w", err)
	}
	if msg.Type == InputUser {
		h.setState(StateBusy)
	}
	return nil
}

func (h *childHandle) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = h.stdin.Write(append(data, '\n'))
	return err
}

// Terminate sends SIGTERM, waits a bounded grace period, then SIGKILL.
func (h *childHandle) Terminate(ctx context.Context, reason string) error {
	if h.State() == StateTerminated {
		return nil
	}
	h.logger.Info("Terminating child engine", zap.String("reason", reason))

	h.quitOnce.Do(func() { close(h.quit) })
	_ = h.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-h.done:
	case <-time.After(termGrace):
		h.logger.Warn("Child ignored SIGTERM, killing")
		_ = h.cmd.Process.Kill()
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (h *childHandle) OnExit(fn func(err error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		go fn(h.exitErr)
	default:
		h.handlers = append(h.handlers, fn)
	}
}

func (h *childHandle) exitError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *childHandle) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := decodeMessage(line)
		if err != nil {
			h.logger.Warn("Engine emitted unparseable line", zap.Error(err))
			continue
		}

		switch msg.Type {
		case "init":
			h.readyOnce.Do(func() {
				h.setState(StateReady)
				close(h.ready)
			})
		case "idle", "result":
			h.setState(StateReady)
		}

		// blocking send: a full channel applies backpressure on the child's
		// stdout; Terminate unblocks via quit
		select {
		case h.output <- msg:
		case <-h.quit:
			h.finish(h.cmd.Wait())
			return
		}
	}

	waitErr := h.cmd.Wait()
	h.finish(waitErr)
}

func (h *childHandle) finish(err error) {
	h.exitOnce.Do(func() {
		h.mu.Lock()
		h.state = StateTerminated
		h.exitErr = err
		handlers := h.handlers
		h.handlers = nil
		close(h.done)
		h.mu.Unlock()

		close(h.output)
		for _, fn := range handlers {
			fn(err)
		}
		h.logger.Info("Child engine exited", zap.Error(err))
	})
}

func (h *childHandle) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		h.logger.Debug("engine stderr", zap.String("line", scanner.Text()))
	}
}
