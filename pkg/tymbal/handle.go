package tymbal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrFinalized is returned when streaming or setting a message that already
// received its terminal frame.
var ErrFinalized = errors.New("message already finalized")

// Emitter receives each frame the handle produces, in order.
type Emitter func(*Frame) error

// Handle is the per-message scratchpad engine output translators use to
// produce well-formed frame sequences: a start on first stream, appends while
// text arrives, and a single terminal set or reset.
type Handle struct {
	id        string
	metadata  map[string]interface{}
	started   bool
	finalized bool
	buffer    strings.Builder
	emit      Emitter
	now       func() time.Time
}

// NewHandle creates a handle for message id. Metadata, when non-nil, is
// attached to the start frame and folded into the finalized value.
func NewHandle(id string, metadata map[string]interface{}, emit Emitter) *Handle {
	return &Handle{
		id:       id,
		metadata: metadata,
		emit:     emit,
		now:      time.Now,
	}
}

// ID returns the message id the handle writes to.
func (h *Handle) ID() string { return h.id }

// Started reports whether a start frame has been emitted.
func (h *Handle) Started() bool { return h.started }

// Finalized reports whether the terminal frame has been emitted.
func (h *Handle) Finalized() bool { return h.finalized }

// Stream emits an append frame with text, preceded by the start frame on the
// first call, and accumulates text into the buffer.
func (h *Handle) Stream(text string) error {
	if h.finalized {
		return fmt.Errorf("%w: %s", ErrFinalized, h.id)
	}
	if !h.started {
		if err := h.emit(NewStart(h.id, h.metadata)); err != nil {
			return err
		}
		h.started = true
	}
	if err := h.emit(NewAppend(h.id, text)); err != nil {
		return err
	}
	h.buffer.WriteString(text)
	return nil
}

// Set finalizes the message. When nothing was streamed the value is emitted
// as-is; otherwise the value is merged over the metadata and buffered content
// so explicit fields win.
func (h *Handle) Set(value map[string]interface{}) error {
	if h.finalized {
		return fmt.Errorf("%w: %s", ErrFinalized, h.id)
	}

	final := value
	if h.started {
		final = h.mergedValue(value)
	}

	if err := h.emit(NewSet(h.id, Timestamp(h.now()), final)); err != nil {
		return err
	}
	h.finalized = true
	return nil
}

// Delete emits a reset frame and finalizes the handle.
func (h *Handle) Delete() error {
	if err := h.emit(NewReset(h.id)); err != nil {
		return err
	}
	h.finalized = true
	return nil
}

// mergedValue layers metadata, the buffered content, and the explicit value,
// in that order.
func (h *Handle) mergedValue(value map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(h.metadata)+len(value)+1)
	for k, v := range h.metadata {
		merged[k] = v
	}
	merged["content"] = h.buffer.String()
	for k, v := range value {
		merged[k] = v
	}
	return merged
}

// Timestamp formats t as UTC ISO-8601 with millisecond precision, the
// timestamp format used on set frames.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
