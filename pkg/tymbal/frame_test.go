package tymbal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBareStart(t *testing.T) {
	frame, err := Parse([]byte(`{"i":"01J001"}`))
	require.NoError(t, err)
	assert.Equal(t, KindStart, frame.Kind)
	assert.Equal(t, "01J001", frame.ID)
	assert.Nil(t, frame.Metadata)
}

func TestParseStartWithMetadata(t *testing.T) {
	frame, err := Parse([]byte(`{"i":"01J001","m":{"type":"assistant","sender":"fox"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindStart, frame.Kind)
	assert.Equal(t, "assistant", frame.Metadata["type"])
	assert.Equal(t, "fox", frame.Metadata["sender"])
}

func TestParseAppend(t *testing.T) {
	frame, err := Parse([]byte(`{"i":"01J001","a":"Hello "}`))
	require.NoError(t, err)
	assert.Equal(t, KindAppend, frame.Kind)
	assert.Equal(t, "Hello ", frame.Append)
}

func TestParseSet(t *testing.T) {
	frame, err := Parse([]byte(`{"i":"01J001","t":"2026-01-02T03:04:05.678Z","v":{"type":"agent","content":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindSet, frame.Kind)
	assert.Equal(t, "2026-01-02T03:04:05.678Z", frame.Time)
	assert.Equal(t, "hi", frame.Value["content"])
}

func TestParseReset(t *testing.T) {
	frame, err := Parse([]byte(`{"i":"01J001","v":null}`))
	require.NoError(t, err)
	assert.Equal(t, KindReset, frame.Kind)
	assert.Equal(t, "01J001", frame.ID)
}

func TestParseControlFrames(t *testing.T) {
	frame, err := Parse([]byte(`{"request":"sync","channelId":"ch1","since":"01J000","limit":20}`))
	require.NoError(t, err)
	assert.Equal(t, KindSyncRequest, frame.Kind)
	assert.Equal(t, "ch1", frame.Request.ChannelID)
	assert.Equal(t, "01J000", frame.Request.Since)
	assert.Equal(t, 20, frame.Request.Limit)

	frame, err = Parse([]byte(`{"sync":"2026-01-02T03:04:05.678Z"}`))
	require.NoError(t, err)
	assert.Equal(t, KindSyncResponse, frame.Kind)
	assert.Equal(t, "2026-01-02T03:04:05.678Z", frame.Sync)

	frame, err = Parse([]byte(`{"error":"NOT_REGISTERED","message":"register first"}`))
	require.NoError(t, err)
	assert.Equal(t, KindError, frame.Kind)
	assert.Equal(t, "NOT_REGISTERED", frame.Error.Code)
	assert.Equal(t, "register first", frame.Error.Message)

	frame, err = Parse([]byte(`{"artifact":{"action":"update","channelId":"ch1","payload":{"name":"plan.md"}}}`))
	require.NoError(t, err)
	assert.Equal(t, KindArtifact, frame.Kind)
	assert.Equal(t, "update", frame.Artifact.Action)
	assert.Equal(t, "ch1", frame.Artifact.ChannelID)
	assert.Equal(t, "plan.md", frame.Artifact.Payload["name"])
}

func TestParseMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":              `not json`,
		"array":                 `[1,2,3]`,
		"primitive":             `42`,
		"string":                `"hello"`,
		"both a and v":          `{"i":"01J001","a":"x","v":{"type":"agent"}}`,
		"v array":               `{"i":"01J001","t":"2026-01-02T03:04:05.678Z","v":[1,2]}`,
		"v primitive":           `{"i":"01J001","t":"2026-01-02T03:04:05.678Z","v":42}`,
		"set without t":         `{"i":"01J001","v":{"type":"agent"}}`,
		"start with m.content":  `{"i":"01J001","m":{"content":"reserved"}}`,
		"no i":                  `{"a":"text"}`,
		"empty i":               `{"i":"","a":"text"}`,
		"non-string i":          `{"i":42}`,
		"non-string a":          `{"i":"01J001","a":42}`,
		"m not object":          `{"i":"01J001","m":"meta"}`,
		"artifact no action":    `{"artifact":{"channelId":"ch1","payload":{}}}`,
		"artifact no payload":   `{"artifact":{"action":"update","channelId":"ch1"}}`,
		"sync non-string":       `{"sync":42}`,
		"request not sync":      `{"request":"subscribe"}`,
		"empty object":          `{}`,
		"empty line":            ``,
	}
	for name, line := range cases {
		_, err := Parse([]byte(line))
		assert.ErrorIs(t, err, ErrInvalidFrame, "case %s", name)
	}
}

func TestRoundTrip(t *testing.T) {
	frames := []*Frame{
		NewStart("01J001", nil),
		NewStart("01J001", map[string]interface{}{"type": "assistant", "sender": "fox"}),
		NewAppend("01J001", "Hello "),
		NewSet("01J001", "2026-01-02T03:04:05.678Z", map[string]interface{}{"type": "agent", "content": "hi"}),
		NewReset("01J001"),
		NewSyncResponse("2026-01-02T03:04:05.678Z"),
		NewError("rate_limited", "slow down"),
		NewArtifact("update", "ch1", map[string]interface{}{"name": "plan.md"}),
		{Kind: KindSyncRequest, Request: &SyncRequest{ChannelID: "ch1", Limit: 50}},
	}
	for _, frame := range frames {
		data, err := frame.Serialize()
		require.NoError(t, err, "kind %s", frame.Kind)
		parsed, err := Parse(data)
		require.NoError(t, err, "kind %s: %s", frame.Kind, data)
		assert.Equal(t, frame, parsed, "kind %s", frame.Kind)
	}
}

func TestSerializeFieldOrder(t *testing.T) {
	data, err := NewSet("01J001", "2026-01-02T03:04:05.678Z", map[string]interface{}{"type": "agent"}).Serialize()
	require.NoError(t, err)
	assert.Equal(t, `{"i":"01J001","t":"2026-01-02T03:04:05.678Z","v":{"type":"agent"}}`, string(data))

	data, err = NewAppend("01J001", "hi").Serialize()
	require.NoError(t, err)
	assert.Equal(t, `{"i":"01J001","a":"hi"}`, string(data))

	data, err = NewReset("01J001").Serialize()
	require.NoError(t, err)
	assert.Equal(t, `{"i":"01J001","v":null}`, string(data))
}

func TestParseAcceptsAnyFieldOrder(t *testing.T) {
	frame, err := Parse([]byte(`{"v":{"type":"agent"},"t":"2026-01-02T03:04:05.678Z","i":"01J001"}`))
	require.NoError(t, err)
	assert.Equal(t, KindSet, frame.Kind)
	assert.Equal(t, "01J001", frame.ID)
}

func TestParseMany(t *testing.T) {
	input := "{\"i\":\"01J001\"}\n\n   \nnot json\n{\"i\":\"01J001\",\"a\":\"hi\"}\n"
	frames := ParseMany(input)
	require.Len(t, frames, 2)
	assert.Equal(t, KindStart, frames[0].Kind)
	assert.Equal(t, KindAppend, frames[1].Kind)
}

func TestSerializeLine(t *testing.T) {
	data, err := NewStart("01J001", nil).SerializeLine()
	require.NoError(t, err)
	assert.Equal(t, "{\"i\":\"01J001\"}\n", string(data))
}
