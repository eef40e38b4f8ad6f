package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tymbal/tymbal/internal/common/logger"
)

// Turn is the consumer side of one in-process turn. The embedded agent pulls
// prompt elements with Next and reports output through Emit.
type Turn struct {
	stream *messageStream
	emit   func(*Message)
}

// Next blocks for the next prompt element. Queued mid-turn pushes are batched
// into one element. ok is false once the stream is closed and drained.
func (t *Turn) Next(ctx context.Context) (string, bool) {
	return t.stream.next(ctx)
}

// Emit publishes one SDK-shape message on the engine's output stream.
func (t *Turn) Emit(msg *Message) { t.emit(msg) }

// TurnRunner executes one agent turn against the embedded library.
type TurnRunner func(ctx context.Context, turn *Turn) error

// InProcEngine runs an embedded agent without forking. Starting a turn
// creates a bounded message stream whose first element is the initial user
// content; later pushes are injected mid-turn with sender attribution.
type InProcEngine struct {
	id        string
	runner    TurnRunner
	queueSize int
	logger    *logger.Logger
}

// NewInProcEngine creates an in-process engine around a turn runner.
func NewInProcEngine(id string, runner TurnRunner, log *logger.Logger) *InProcEngine {
	return &InProcEngine{
		id:        id,
		runner:    runner,
		queueSize: 64,
		logger:    log.WithFields(zap.String("engine", id)),
	}
}

// ID returns the engine id.
func (e *InProcEngine) ID() string { return e.id }

// IsAvailable reports whether a runner is wired in.
func (e *InProcEngine) IsAvailable() bool { return e.runner != nil }

// Spawn creates a ready handle. No process is forked.
func (e *InProcEngine) Spawn(ctx context.Context, opts SpawnOptions) (Handle, error) {
	if e.runner == nil {
		return nil, fmt.Errorf("%w: %s has no runner", ErrUnavailable, e.id)
	}
	h := &inprocHandle{
		engine: e,
		output: make(chan *Message, 256),
		state:  StateReady,
		done:   make(chan struct{}),
		logger: e.logger.WithFields(zap.String("agent_id", opts.AgentID)),
	}
	return h, nil
}

type inprocHandle struct {
	engine *InProcEngine
	output chan *Message
	logger *logger.Logger

	mu       sync.Mutex
	state    State
	stream   *messageStream
	cancel   context.CancelFunc
	handlers []func(error)

	turnWG   sync.WaitGroup
	exitOnce sync.Once
	done     chan struct{}
}

func (h *inprocHandle) PID() int { return 0 }

func (h *inprocHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *inprocHandle) Output() <-chan *Message { return h.output }

// Send starts a turn when the engine is ready, or injects into the running
// turn when it is busy. Control inputs interrupt the current turn.
func (h *inprocHandle) Send(msg *Input) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.state == StateTerminated:
		return ErrTerminated

	case msg.Type == InputControl:
		if msg.Action == ActionInterrupt && h.cancel != nil {
			h.cancel()
		}
		return nil

	case h.state == StateBusy:
		// mid-turn injection, attributed to the sender
		return h.stream.push(fmt.Sprintf("--- @%s says:\n%s", msg.Sender, msg.Content))

	case h.state == StateReady:
		stream := newMessageStream(h.engine.queueSize)
		if err := stream.push(msg.Content); err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(context.Background())
		h.stream = stream
		h.cancel = cancel
		h.state = StateBusy
		h.turnWG.Add(1)
		go h.runTurn(ctx, stream)
		return nil

	default:
		return fmt.Errorf("%w: state %s", ErrNotReady, h.state)
	}
}

func (h *inprocHandle) runTurn(ctx context.Context, stream *messageStream) {
	defer h.turnWG.Done()
	turn := &Turn{
		stream: stream,
		emit: func(msg *Message) {
			select {
			case h.output <- msg:
			case <-ctx.Done():
			}
		},
	}
	err := h.engine.runner(ctx, turn)

	h.mu.Lock()
	stream.close()
	if h.stream == stream {
		h.stream = nil
		h.cancel = nil
		if h.state == StateBusy {
			h.state = StateReady
		}
	}
	h.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		h.logger.Error("Turn failed", zap.Error(err))
	}
}

// Terminate interrupts any running turn and closes the output stream.
func (h *inprocHandle) Terminate(ctx context.Context, reason string) error {
	h.mu.Lock()
	if h.state == StateTerminated {
		h.mu.Unlock()
		return nil
	}
	h.state = StateTerminated
	if h.cancel != nil {
		h.cancel()
	}
	if h.stream != nil {
		h.stream.close()
	}
	handlers := h.handlers
	h.handlers = nil
	h.mu.Unlock()

	// wait for the running turn to observe cancellation before closing the
	// output stream
	h.turnWG.Wait()
	h.exitOnce.Do(func() {
		close(h.done)
		close(h.output)
	})
	for _, fn := range handlers {
		fn(nil)
	}
	h.logger.Info("In-process engine terminated", zap.String("reason", reason))
	return nil
}

func (h *inprocHandle) OnExit(fn func(err error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateTerminated {
		go fn(nil)
		return
	}
	h.handlers = append(h.handlers, fn)
}

// messageStream is the bounded queue behind one turn: a single consumer pulls
// elements, pushes past the limit fail, close drains to the consumer first.
type messageStream struct {
	mu     sync.Mutex
	wake   chan struct{}
	queue  []string
	limit  int
	closed bool
}

func newMessageStream(limit int) *messageStream {
	return &messageStream{wake: make(chan struct{}, 1), limit: limit}
}

func (s *messageStream) push(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("turn already completed")
	}
	if len(s.queue) >= s.limit {
		return fmt.Errorf("injection queue full (%d)", s.limit)
	}
	s.queue = append(s.queue, text)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// next returns everything queued, joined, as one element. Batching queued
// pushes into a single delivered element keeps injected context contiguous.
func (s *messageStream) next(ctx context.Context) (string, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			batch := strings.Join(s.queue, "\n")
			s.queue = nil
			s.mu.Unlock()
			return batch, true
		}
		if s.closed {
			s.mu.Unlock()
			return "", false
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return "", false
		}
	}
}

func (s *messageStream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
