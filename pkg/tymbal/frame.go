// Package tymbal implements the Tymbal streaming frame protocol: the
// newline-delimited JSON wire format for progressive message updates, and the
// message handle producers use to emit well-formed frame sequences.
package tymbal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the frame shapes on the wire.
type Kind string

const (
	KindStart        Kind = "start"
	KindAppend       Kind = "append"
	KindSet          Kind = "set"
	KindReset        Kind = "reset"
	KindSyncRequest  Kind = "sync_request"
	KindSyncResponse Kind = "sync_response"
	KindError        Kind = "error"
	KindArtifact     Kind = "artifact"
)

// Message value types with defined semantics. Unknown types pass through as
// opaque objects.
const (
	TypeUser       = "user"
	TypeAgent      = "agent"
	TypeToolCall   = "tool_call"
	TypeToolResult = "tool_result"
	TypeThinking   = "thinking"
	TypeStatus     = "status"
	TypeError      = "error"
	TypeIdle       = "idle"
	TypeCost       = "cost"
	TypeAgentState = "agent_state"
)

// ErrInvalidFrame is returned for lines that do not parse into any frame shape.
var ErrInvalidFrame = errors.New("invalid_frame")

// SyncRequest asks the server to switch the connection's channel and replay
// recent messages.
type SyncRequest struct {
	ChannelID string `json:"channelId,omitempty"`
	Since     string `json:"since,omitempty"`
	Before    string `json:"before,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ErrorInfo is the control-channel error envelope.
type ErrorInfo struct {
	Code    string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Artifact is a channel-scoped artifact broadcast.
type Artifact struct {
	Action    string                 `json:"action"`
	ChannelID string                 `json:"channelId"`
	Payload   map[string]interface{} `json:"payload"`
}

// Frame is a single line of the wire protocol. Exactly one shape is populated,
// indicated by Kind.
type Frame struct {
	Kind Kind

	// Message frame fields (Kind start/append/set/reset).
	ID       string
	Metadata map[string]interface{} // start only
	Append   string                 // append only
	Time     string                 // set only
	Value    map[string]interface{} // set only

	// Control frame fields.
	Request  *SyncRequest // sync_request
	Sync     string       // sync_response
	Error    *ErrorInfo   // error
	Artifact *Artifact    // artifact
}

// NewStart returns a start frame declaring message id with optional metadata.
func NewStart(id string, metadata map[string]interface{}) *Frame {
	return &Frame{Kind: KindStart, ID: id, Metadata: metadata}
}

// NewAppend returns an append frame for message id.
func NewAppend(id, text string) *Frame {
	return &Frame{Kind: KindAppend, ID: id, Append: text}
}

// NewSet returns a set frame finalizing message id with value at timestamp t.
func NewSet(id, t string, value map[string]interface{}) *Frame {
	return &Frame{Kind: KindSet, ID: id, Time: t, Value: value}
}

// NewReset returns a reset frame deleting message id.
func NewReset(id string) *Frame {
	return &Frame{Kind: KindReset, ID: id}
}

// NewError returns an error control frame.
func NewError(code, message string) *Frame {
	return &Frame{Kind: KindError, Error: &ErrorInfo{Code: code, Message: message}}
}

// NewSyncResponse returns a sync response carrying the server timestamp.
func NewSyncResponse(timestamp string) *Frame {
	return &Frame{Kind: KindSyncResponse, Sync: timestamp}
}

// NewArtifact returns an artifact broadcast frame.
func NewArtifact(action, channelID string, payload map[string]interface{}) *Frame {
	return &Frame{Kind: KindArtifact, Artifact: &Artifact{Action: action, ChannelID: channelID, Payload: payload}}
}

// Parse decodes a single line into a frame. Discrimination checks keys in
// order: request, sync, error, artifact, then message frames keyed by i.
// Lines that match no shape return ErrInvalidFrame.
func Parse(line []byte) (*Frame, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrInvalidFrame
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, ErrInvalidFrame
	}

	if r, ok := raw["request"]; ok {
		return parseSyncRequest(r, raw)
	}
	if s, ok := raw["sync"]; ok {
		ts, ok := asString(s)
		if !ok {
			return nil, ErrInvalidFrame
		}
		return &Frame{Kind: KindSyncResponse, Sync: ts}, nil
	}
	if e, ok := raw["error"]; ok {
		return parseError(e, raw)
	}
	if a, ok := raw["artifact"]; ok {
		return parseArtifact(a)
	}

	return parseMessageFrame(raw)
}

func parseSyncRequest(r json.RawMessage, raw map[string]json.RawMessage) (*Frame, error) {
	name, ok := asString(r)
	if !ok || name != "sync" {
		return nil, ErrInvalidFrame
	}
	req := &SyncRequest{}
	if v, ok := raw["channelId"]; ok {
		if req.ChannelID, ok = asString(v); !ok {
			return nil, ErrInvalidFrame
		}
	}
	if v, ok := raw["since"]; ok {
		if req.Since, ok = asString(v); !ok {
			return nil, ErrInvalidFrame
		}
	}
	if v, ok := raw["before"]; ok {
		if req.Before, ok = asString(v); !ok {
			return nil, ErrInvalidFrame
		}
	}
	if v, ok := raw["limit"]; ok {
		if err := json.Unmarshal(v, &req.Limit); err != nil {
			return nil, ErrInvalidFrame
		}
	}
	return &Frame{Kind: KindSyncRequest, Request: req}, nil
}

func parseError(e json.RawMessage, raw map[string]json.RawMessage) (*Frame, error) {
	code, ok := asString(e)
	if !ok {
		return nil, ErrInvalidFrame
	}
	info := &ErrorInfo{Code: code}
	if m, ok := raw["message"]; ok {
		if info.Message, ok = asString(m); !ok {
			return nil, ErrInvalidFrame
		}
	}
	return &Frame{Kind: KindError, Error: info}, nil
}

func parseArtifact(a json.RawMessage) (*Frame, error) {
	var art Artifact
	if err := json.Unmarshal(a, &art); err != nil {
		return nil, ErrInvalidFrame
	}
	if art.Action == "" || art.ChannelID == "" || art.Payload == nil {
		return nil, ErrInvalidFrame
	}
	return &Frame{Kind: KindArtifact, Artifact: &art}, nil
}

func parseMessageFrame(raw map[string]json.RawMessage) (*Frame, error) {
	idRaw, ok := raw["i"]
	if !ok {
		return nil, ErrInvalidFrame
	}
	id, ok := asString(idRaw)
	if !ok || id == "" {
		return nil, ErrInvalidFrame
	}

	aRaw, hasA := raw["a"]
	vRaw, hasV := raw["v"]

	// A message frame carries exactly one of a or v.
	if hasA && hasV {
		return nil, ErrInvalidFrame
	}

	if hasA {
		text, ok := asString(aRaw)
		if !ok {
			return nil, ErrInvalidFrame
		}
		return &Frame{Kind: KindAppend, ID: id, Append: text}, nil
	}

	if hasV {
		if isNull(vRaw) {
			return &Frame{Kind: KindReset, ID: id}, nil
		}
		var value map[string]interface{}
		if err := json.Unmarshal(vRaw, &value); err != nil || value == nil {
			return nil, ErrInvalidFrame
		}
		tRaw, hasT := raw["t"]
		if !hasT {
			return nil, ErrInvalidFrame
		}
		ts, ok := asString(tRaw)
		if !ok {
			return nil, ErrInvalidFrame
		}
		return &Frame{Kind: KindSet, ID: id, Time: ts, Value: value}, nil
	}

	frame := &Frame{Kind: KindStart, ID: id}
	if mRaw, hasM := raw["m"]; hasM {
		var metadata map[string]interface{}
		if err := json.Unmarshal(mRaw, &metadata); err != nil || metadata == nil {
			return nil, ErrInvalidFrame
		}
		// content is reserved for the finalized value
		if _, reserved := metadata["content"]; reserved {
			return nil, ErrInvalidFrame
		}
		frame.Metadata = metadata
	}
	return frame, nil
}

// ParseMany splits NDJSON input on newlines, dropping blank lines and lines
// that do not parse.
func ParseMany(ndjson string) []*Frame {
	var frames []*Frame
	for _, line := range strings.Split(ndjson, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		frame, err := Parse([]byte(line))
		if err != nil {
			continue
		}
		frames = append(frames, frame)
	}
	return frames
}

// Serialize encodes the frame as a single JSON line without the trailing
// newline. Message frame fields are emitted in the deterministic order
// i, m, a, t, v.
func (f *Frame) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	switch f.Kind {
	case KindStart:
		writeField(&buf, "i", f.ID)
		if f.Metadata != nil {
			buf.WriteByte(',')
			writeField(&buf, "m", f.Metadata)
		}
	case KindAppend:
		writeField(&buf, "i", f.ID)
		buf.WriteByte(',')
		writeField(&buf, "a", f.Append)
	case KindSet:
		if f.Value == nil {
			return nil, fmt.Errorf("%w: set frame requires an object value", ErrInvalidFrame)
		}
		writeField(&buf, "i", f.ID)
		buf.WriteByte(',')
		writeField(&buf, "t", f.Time)
		buf.WriteByte(',')
		writeField(&buf, "v", f.Value)
	case KindReset:
		writeField(&buf, "i", f.ID)
		buf.WriteString(`,"v":null`)
	case KindSyncRequest:
		writeField(&buf, "request", "sync")
		if f.Request != nil {
			if f.Request.ChannelID != "" {
				buf.WriteByte(',')
				writeField(&buf, "channelId", f.Request.ChannelID)
			}
			if f.Request.Since != "" {
				buf.WriteByte(',')
				writeField(&buf, "since", f.Request.Since)
			}
			if f.Request.Before != "" {
				buf.WriteByte(',')
				writeField(&buf, "before", f.Request.Before)
			}
			if f.Request.Limit != 0 {
				buf.WriteByte(',')
				writeField(&buf, "limit", f.Request.Limit)
			}
		}
	case KindSyncResponse:
		writeField(&buf, "sync", f.Sync)
	case KindError:
		if f.Error == nil {
			return nil, fmt.Errorf("%w: error frame requires a code", ErrInvalidFrame)
		}
		writeField(&buf, "error", f.Error.Code)
		if f.Error.Message != "" {
			buf.WriteByte(',')
			writeField(&buf, "message", f.Error.Message)
		}
	case KindArtifact:
		if f.Artifact == nil {
			return nil, fmt.Errorf("%w: artifact frame requires a body", ErrInvalidFrame)
		}
		writeField(&buf, "artifact", f.Artifact)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidFrame, f.Kind)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SerializeLine encodes the frame with the trailing newline for NDJSON links.
func (f *Frame) SerializeLine() ([]byte, error) {
	data, err := f.Serialize()
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func writeField(buf *bytes.Buffer, key string, value interface{}) {
	buf.WriteByte('"')
	buf.WriteString(key)
	buf.WriteString(`":`)
	data, err := json.Marshal(value)
	if err != nil {
		buf.WriteString("null")
		return
	}
	buf.Write(data)
}

func asString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
