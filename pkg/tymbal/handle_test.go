package tymbal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectFrames(frames *[]*Frame) Emitter {
	return func(f *Frame) error {
		*frames = append(*frames, f)
		return nil
	}
}

func TestHandleStreamThenFinalize(t *testing.T) {
	var frames []*Frame
	metadata := map[string]interface{}{"type": "assistant", "sender": "fox", "senderType": "agent"}
	h := NewHandle("01J001", metadata, collectFrames(&frames))
	h.now = func() time.Time {
		return time.Date(2026, 1, 2, 3, 4, 5, 678000000, time.UTC)
	}

	require.NoError(t, h.Stream("Hello "))
	require.NoError(t, h.Stream("world!"))
	require.NoError(t, h.Set(map[string]interface{}{"content": "Hello world!"}))

	require.Len(t, frames, 4)
	assert.Equal(t, NewStart("01J001", metadata), frames[0])
	assert.Equal(t, NewAppend("01J001", "Hello "), frames[1])
	assert.Equal(t, NewAppend("01J001", "world!"), frames[2])
	assert.Equal(t, KindSet, frames[3].Kind)
	assert.Equal(t, "2026-01-02T03:04:05.678Z", frames[3].Time)
	assert.Equal(t, map[string]interface{}{
		"type":       "assistant",
		"sender":     "fox",
		"senderType": "agent",
		"content":    "Hello world!",
	}, frames[3].Value)
}

func TestHandleSetWithoutStream(t *testing.T) {
	var frames []*Frame
	h := NewHandle("01J002", map[string]interface{}{"type": "status"}, collectFrames(&frames))

	require.NoError(t, h.Set(map[string]interface{}{"type": "status", "content": "thinking"}))

	// exactly one set, no start or append
	require.Len(t, frames, 1)
	assert.Equal(t, KindSet, frames[0].Kind)
	assert.Equal(t, map[string]interface{}{"type": "status", "content": "thinking"}, frames[0].Value)
}

func TestHandleMergeOrder(t *testing.T) {
	var frames []*Frame
	h := NewHandle("01J003", map[string]interface{}{"type": "assistant", "model": "m1"}, collectFrames(&frames))

	require.NoError(t, h.Stream("buffered"))
	require.NoError(t, h.Set(map[string]interface{}{"type": "agent", "content": "explicit"}))

	final := frames[len(frames)-1].Value
	// explicit value overrides both buffer and metadata
	assert.Equal(t, "agent", final["type"])
	assert.Equal(t, "explicit", final["content"])
	assert.Equal(t, "m1", final["model"])
}

func TestHandleBufferedContentWins_WhenValueOmitsContent(t *testing.T) {
	var frames []*Frame
	h := NewHandle("01J004", nil, collectFrames(&frames))

	require.NoError(t, h.Stream("Hello "))
	require.NoError(t, h.Stream("world!"))
	require.NoError(t, h.Set(map[string]interface{}{"type": "agent"}))

	final := frames[len(frames)-1].Value
	assert.Equal(t, "Hello world!", final["content"])
}

func TestHandleFinalizedDiscipline(t *testing.T) {
	var frames []*Frame
	h := NewHandle("01J005", nil, collectFrames(&frames))

	require.NoError(t, h.Set(map[string]interface{}{"type": "agent"}))
	assert.True(t, h.Finalized())
	assert.ErrorIs(t, h.Stream("more"), ErrFinalized)
	assert.ErrorIs(t, h.Set(map[string]interface{}{"type": "agent"}), ErrFinalized)

	frames = nil
	h = NewHandle("01J006", nil, collectFrames(&frames))
	require.NoError(t, h.Delete())
	require.Len(t, frames, 1)
	assert.Equal(t, KindReset, frames[0].Kind)
	assert.ErrorIs(t, h.Stream("more"), ErrFinalized)
	assert.ErrorIs(t, h.Set(nil), ErrFinalized)
}

func TestTimestampFormat(t *testing.T) {
	ts := Timestamp(time.Date(2026, 8, 26, 12, 0, 0, 42000000, time.FixedZone("X", 3600)))
	assert.Equal(t, "2026-08-26T11:00:00.042Z", ts)
}
