// Package runtimeproto implements the runtime control protocol: the typed
// JSON messages exchanged between the server and runtime daemons, and the
// server-side handler that registers runtimes, routes their frames, and runs
// the disconnect path.
package runtimeproto

import "encoding/json"

// ProtocolVersion is included on the first server response.
const ProtocolVersion = "1.0"

// CredentialHeader carries the runtime credential on the control-link upgrade.
const CredentialHeader = "X-Tymbal-Runtime-Credential"

// Runtime -> server message types.
const (
	TypeRuntimeReady   = "runtime_ready"
	TypeAgentCheckin   = "agent_checkin"
	TypeAgentHeartbeat = "agent_heartbeat"
	TypeFrame          = "frame"
	TypePong           = "pong"
)

// Server -> runtime message types.
const (
	TypeRuntimeConnected = "runtime_connected"
	TypeActivate         = "activate"
	TypeMessage          = "message"
	TypeSuspend          = "suspend"
	TypePing             = "ping"
)

// Error codes on the control channel.
const (
	CodeNotRegistered      = "NOT_REGISTERED"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeRegistrationFailed = "REGISTRATION_FAILED"
)

// Message is one line of the control channel. Type discriminates; the other
// fields are populated per type. Error envelopes carry Error/ErrMessage and
// no type.
type Message struct {
	Type            string `json:"type,omitempty"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`

	// runtime_ready / runtime_connected
	RuntimeID   string                 `json:"runtimeId,omitempty"`
	SpaceID     string                 `json:"spaceId,omitempty"`
	Name        string                 `json:"name,omitempty"`
	MachineInfo map[string]interface{} `json:"machineInfo,omitempty"`

	// agent-addressed messages
	AgentID string `json:"agentId,omitempty"`

	// frame
	Frame json.RawMessage `json:"frame,omitempty"`

	// ping / pong
	Timestamp string `json:"timestamp,omitempty"`

	// activate / message
	MessageID     string                 `json:"messageId,omitempty"`
	Content       string                 `json:"content,omitempty"`
	Sender        string                 `json:"sender,omitempty"`
	SystemPrompt  string                 `json:"systemPrompt,omitempty"`
	MCPServers    map[string]interface{} `json:"mcpServers,omitempty"`
	Environment   map[string]string      `json:"environment,omitempty"`
	Props         map[string]interface{} `json:"props,omitempty"`
	WorkspacePath string                 `json:"workspacePath,omitempty"`

	// suspend
	Reason string `json:"reason,omitempty"`

	// error envelope
	Error      string `json:"error,omitempty"`
	ErrMessage string `json:"message,omitempty"`
}

// Decode parses one control-channel line.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Encode serializes the message as a single JSON line without newline.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// NewErrorEnvelope builds a control-channel error reply.
func NewErrorEnvelope(code, message string) *Message {
	return &Message{Error: code, ErrMessage: message}
}
