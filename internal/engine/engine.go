// Package engine provides the runtime-side engine abstraction: a uniform
// spawn/send/stream/terminate interface over a child NDJSON process and an
// in-process agent, plus the registry that selects between them.
package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// State of an engine handle.
type State string

const (
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateBusy       State = "busy"
	StateTerminated State = "terminated"
)

var (
	// ErrTerminated is returned when sending to a terminated engine.
	ErrTerminated = errors.New("engine terminated")
	// ErrNotReady is returned when starting a turn before the engine is ready.
	ErrNotReady = errors.New("engine not ready")
	// ErrUnavailable is returned when no engine can serve a spawn request.
	ErrUnavailable = errors.New("engine unavailable")
)

// Input message types.
const (
	InputUser    = "user"
	InputControl = "control"
)

// Control actions.
const (
	ActionInterrupt = "interrupt"
	ActionHeartbeat = "heartbeat"
)

// Input is one message toward an engine: a user turn (with sender
// attribution) or an out-of-band control signal.
type Input struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Action  string `json:"action,omitempty"`
}

// Message is one SDK-shape output unit from an engine. Raw preserves the
// full line; Data is the decoded object.
type Message struct {
	Type      string
	SessionID string
	Data      map[string]interface{}
	Raw       json.RawMessage
}

func decodeMessage(line []byte) (*Message, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(line, &data); err != nil {
		return nil, err
	}
	msg := &Message{Data: data, Raw: append(json.RawMessage(nil), line...)}
	msg.Type, _ = data["type"].(string)
	msg.SessionID, _ = data["session_id"].(string)
	return msg, nil
}

// Handle is a live engine instance.
type Handle interface {
	// PID returns the child process id, 0 for in-process engines.
	PID() int
	State() State
	Send(msg *Input) error
	// Output streams SDK-shape messages until the engine exits.
	Output() <-chan *Message
	Terminate(ctx context.Context, reason string) error
	// OnExit registers a handler invoked once when the engine exits.
	OnExit(func(err error))
}

// SpawnOptions carries everything an engine needs to start an agent.
type SpawnOptions struct {
	AgentID       string
	SystemPrompt  string
	WorkspacePath string
	MCPServers    map[string]interface{}
	Environment   map[string]string
}

// Engine is the spawn capability for one engine implementation.
type Engine interface {
	ID() string
	IsAvailable() bool
	Spawn(ctx context.Context, opts SpawnOptions) (Handle, error)
}
