package runtimed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tymbal/tymbal/internal/common/logger"
	"github.com/tymbal/tymbal/internal/engine"
	"github.com/tymbal/tymbal/internal/identity"
	"github.com/tymbal/tymbal/pkg/tymbal"
)

var testAgent = identity.AgentID{SpaceID: "sp", ChannelID: "ch", Callsign: "fox"}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newCaptureTranslator() (*translator, *[]*tymbal.Frame) {
	frames := &[]*tymbal.Frame{}
	tr := newTranslator(testAgent, func(f *tymbal.Frame) error {
		*frames = append(*frames, f)
		return nil
	})
	return tr, frames
}

func TestTranslatorStreamThenFinalize(t *testing.T) {
	tr, frames := newCaptureTranslator()

	require.NoError(t, tr.handle(&engine.Message{Type: "stream", Data: map[string]interface{}{"content": "Hel"}}))
	require.NoError(t, tr.handle(&engine.Message{Type: "stream", Data: map[string]interface{}{"content": "lo"}}))
	require.NoError(t, tr.handle(&engine.Message{Type: "agent", Data: map[string]interface{}{"content": "Hello!"}}))

	require.Len(t, *frames, 4)
	start := (*frames)[0]
	assert.Equal(t, tymbal.KindStart, start.Kind)
	assert.Equal(t, tymbal.TypeAgent, start.Metadata["type"])
	assert.Equal(t, "fox", start.Metadata["sender"])
	assert.Equal(t, "agent", start.Metadata["senderType"])

	assert.Equal(t, tymbal.KindAppend, (*frames)[1].Kind)
	assert.Equal(t, "Hel", (*frames)[1].Append)
	assert.Equal(t, "lo", (*frames)[2].Append)

	final := (*frames)[3]
	assert.Equal(t, tymbal.KindSet, final.Kind)
	assert.Equal(t, start.ID, final.ID)
	// explicit content wins over the streamed buffer
	assert.Equal(t, "Hello!", final.Value["content"])
	assert.Equal(t, "fox", final.Value["sender"])
}

func TestTranslatorStreamBufferSurvivesBareFinalize(t *testing.T) {
	tr, frames := newCaptureTranslator()

	require.NoError(t, tr.handle(&engine.Message{Type: "stream", Data: map[string]interface{}{"content": "partial answer"}}))
	require.NoError(t, tr.handle(&engine.Message{Type: "agent", Data: map[string]interface{}{}}))

	final := (*frames)[len(*frames)-1]
	require.Equal(t, tymbal.KindSet, final.Kind)
	assert.Equal(t, "partial answer", final.Value["content"])
}

func TestTranslatorResultEmitsCostAndIdle(t *testing.T) {
	tr, frames := newCaptureTranslator()

	require.NoError(t, tr.handle(&engine.Message{Type: "result", Data: map[string]interface{}{
		"total_cost_usd": 0.42,
		"duration_ms":    float64(1200),
		"num_turns":      float64(3),
		"usage":          map[string]interface{}{"input_tokens": float64(10)},
	}}))

	require.Len(t, *frames, 2)
	cost := (*frames)[0]
	assert.Equal(t, tymbal.KindSet, cost.Kind)
	assert.Equal(t, tymbal.TypeCost, cost.Value["type"])
	assert.Equal(t, 0.42, cost.Value["total_cost_usd"])
	assert.Equal(t, "fox", cost.Value["sender"])

	idle := (*frames)[1]
	assert.Equal(t, tymbal.KindSet, idle.Kind)
	assert.Equal(t, tymbal.TypeIdle, idle.Value["type"])
	assert.NotEqual(t, cost.ID, idle.ID)
}

func TestTranslatorIdleAndInit(t *testing.T) {
	tr, frames := newCaptureTranslator()

	require.NoError(t, tr.handle(&engine.Message{Type: "init", Data: map[string]interface{}{"session_id": "s1"}}))
	assert.Empty(t, *frames)

	require.NoError(t, tr.handle(&engine.Message{Type: "idle", Data: map[string]interface{}{}}))
	require.Len(t, *frames, 1)
	assert.Equal(t, tymbal.TypeIdle, (*frames)[0].Value["type"])
}

func TestTranslatorDefaultsTypeAndSender(t *testing.T) {
	tr, frames := newCaptureTranslator()

	require.NoError(t, tr.handle(&engine.Message{Type: "tool_call", Data: map[string]interface{}{
		"name": "search",
		"args": map[string]interface{}{"q": "go"},
	}}))

	require.Len(t, *frames, 1)
	set := (*frames)[0]
	assert.Equal(t, "tool_call", set.Value["type"])
	assert.Equal(t, "fox", set.Value["sender"])
	assert.Equal(t, "search", set.Value["name"])
}

func TestTranslatorEmitError(t *testing.T) {
	tr, frames := newCaptureTranslator()

	require.NoError(t, tr.emitError("engine stream closed unexpectedly"))
	require.Len(t, *frames, 1)
	set := (*frames)[0]
	assert.Equal(t, tymbal.KindSet, set.Kind)
	assert.Equal(t, tymbal.TypeError, set.Value["type"])
	assert.Equal(t, "engine stream closed unexpectedly", set.Value["content"])
}

func TestTranslatorFreshHandlePerMessageAfterIdle(t *testing.T) {
	tr, frames := newCaptureTranslator()

	require.NoError(t, tr.handle(&engine.Message{Type: "stream", Data: map[string]interface{}{"content": "one"}}))
	require.NoError(t, tr.handle(&engine.Message{Type: "idle", Data: map[string]interface{}{}}))
	require.NoError(t, tr.handle(&engine.Message{Type: "stream", Data: map[string]interface{}{"content": "two"}}))

	var starts []string
	for _, f := range *frames {
		if f.Kind == tymbal.KindStart {
			starts = append(starts, f.ID)
		}
	}
	require.Len(t, starts, 2)
	assert.NotEqual(t, starts[0], starts[1])
}
