package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tymbal/tymbal/internal/common/config"
	"github.com/tymbal/tymbal/internal/common/logger"
	"github.com/tymbal/tymbal/internal/hub"
	"github.com/tymbal/tymbal/internal/identity"
	"github.com/tymbal/tymbal/internal/lifecycle"
	"github.com/tymbal/tymbal/internal/storage"
	"github.com/tymbal/tymbal/pkg/tymbal"
)

type captureSender struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureSender) Send(ctx context.Context, connectionID string, data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, string(data))
	return true
}

func (c *captureSender) Close() {}

func (c *captureSender) frames(t *testing.T) []*tymbal.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var frames []*tymbal.Frame
	for _, line := range c.lines {
		frame, err := tymbal.Parse([]byte(line))
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	return frames
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

type sentMessage struct {
	agentID identity.AgentID
	opts    lifecycle.SendOptions
}

func (f *fakeMessenger) SendMessage(ctx context.Context, id identity.AgentID, opts lifecycle.SendOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentMessage{agentID: id, opts: opts})
	return "01TESTMSG", nil
}

func (f *fakeMessenger) targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.agentID.String())
	}
	return out
}

type testEnv struct {
	store     storage.Storage
	hub       *hub.Hub
	service   *Service
	messenger *fakeMessenger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	pool, err := storage.OpenPool(config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	store, err := storage.New(context.Background(), pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	h := hub.New(store, config.HubConfig{MaxFrameBytes: 64 * 1024, SendBuffer: 16}, log)
	messenger := &fakeMessenger{}
	svc := NewService(store, h, messenger, nil, log)
	return &testEnv{store: store, hub: h, service: svc, messenger: messenger}
}

func (e *testEnv) subscribe(t *testing.T, connID, channelID string) (*storage.Connection, *captureSender) {
	t.Helper()
	conn := &storage.Connection{ID: connID, ChannelID: channelID, Role: storage.RoleClient}
	sink := &captureSender{}
	require.NoError(t, e.hub.Add(context.Background(), conn, sink))
	return conn, sink
}

func (e *testEnv) saveMessage(t *testing.T, id, channelID, content string) {
	t.Helper()
	require.NoError(t, e.store.SaveMessage(context.Background(), &storage.Message{
		ID:         id,
		ChannelID:  channelID,
		Sender:     "alice",
		SenderType: "user",
		Type:       tymbal.TypeUser,
		Content:    storage.JSONValue{V: map[string]interface{}{"type": "user", "content": content, "sender": "alice"}},
		IsComplete: true,
		CreatedAt:  time.Now().UTC(),
	}))
}

func userSetFrame(id, sender, content string) *tymbal.Frame {
	return tymbal.NewSet(id, tymbal.Timestamp(time.Now()), map[string]interface{}{
		"type":    "user",
		"sender":  sender,
		"content": content,
	})
}

func TestSyncSwitchesAndReplaysHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.saveMessage(t, "m1", "ch1", "first")
	env.saveMessage(t, "m2", "ch1", "second")
	env.saveMessage(t, "m3", "ch2", "other channel")

	conn, sink := env.subscribe(t, "c1", storage.PendingChannel)
	require.NoError(t, env.service.HandleSync(ctx, conn, &tymbal.SyncRequest{ChannelID: "ch1"}))

	assert.Equal(t, "ch1", env.hub.Connection("c1").ChannelID)

	frames := sink.frames(t)
	require.Len(t, frames, 3)
	assert.Equal(t, tymbal.KindSet, frames[0].Kind)
	assert.Equal(t, "m1", frames[0].ID)
	assert.Equal(t, "first", frames[0].Value["content"])
	assert.Equal(t, "m2", frames[1].ID)
	assert.Equal(t, tymbal.KindSyncResponse, frames[2].Kind)
	assert.NotEmpty(t, frames[2].Sync)
}

func TestSyncRequiresChannel(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := env.subscribe(t, "c1", storage.PendingChannel)

	err := env.service.HandleSync(context.Background(), conn, &tymbal.SyncRequest{})
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestSyncSinceBound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.saveMessage(t, "m1", "ch1", "first")
	env.saveMessage(t, "m2", "ch1", "second")
	env.saveMessage(t, "m3", "ch1", "third")

	conn, sink := env.subscribe(t, "c1", storage.PendingChannel)
	require.NoError(t, env.service.HandleSync(ctx, conn, &tymbal.SyncRequest{ChannelID: "ch1", Since: "m1"}))

	frames := sink.frames(t)
	require.Len(t, frames, 3)
	assert.Equal(t, "m2", frames[0].ID)
	assert.Equal(t, "m3", frames[1].ID)
	assert.Equal(t, tymbal.KindSyncResponse, frames[2].Kind)
}

func TestSyncWithoutChannelReplaysCurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.saveMessage(t, "m1", "ch1", "hello")
	conn, sink := env.subscribe(t, "c1", "ch1")
	require.NoError(t, env.service.HandleSync(ctx, conn, &tymbal.SyncRequest{}))

	frames := sink.frames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, "m1", frames[0].ID)
}

func bindAgent(t *testing.T, env *testEnv, channelID, callsign, runtimeID, spaceID string) {
	t.Helper()
	ctx := context.Background()
	if runtimeID != "" {
		require.NoError(t, env.store.CreateRuntime(ctx, &storage.Runtime{
			ID: runtimeID, SpaceID: spaceID, Name: runtimeID, Status: "online",
		}))
	}
	require.NoError(t, env.store.TouchRosterHeartbeat(ctx, channelID, callsign, runtimeID, time.Now()))
}

func TestClientMessagePersistsBroadcastsAndRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bindAgent(t, env, "ch1", "fox", "rt1", "sp")
	sender, senderSink := env.subscribe(t, "c1", "ch1")
	_, peerSink := env.subscribe(t, "c2", "ch1")

	frame := userSetFrame("m1", "alice", "@fox take a look")
	require.NoError(t, env.service.HandleFrame(ctx, sender, frame))

	msgs, err := env.store.ListMessages(ctx, "ch1", storage.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "user", msgs[0].SenderType)
	assert.True(t, msgs[0].IsComplete)

	// both subscribers see the frame, sender included
	require.Len(t, senderSink.frames(t), 1)
	require.Len(t, peerSink.frames(t), 1)
	assert.Equal(t, "@fox take a look", peerSink.frames(t)[0].Value["content"])

	require.Equal(t, []string{"sp:ch1:fox"}, env.messenger.targets())
	assert.Equal(t, "alice", env.messenger.sent[0].opts.Sender)
}

func TestUnmentionedUserMessageGoesToLeader(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bindAgent(t, env, "ch1", "fox", "rt1", "sp")
	bindAgent(t, env, "ch1", "owl", "rt1", "sp")
	conn, _ := env.subscribe(t, "c1", "ch1")

	require.NoError(t, env.service.HandleFrame(ctx, conn, userSetFrame("m1", "alice", "please help")))

	// roster is ordered by callsign; fox is the fallback leader
	require.Equal(t, []string{"sp:ch1:fox"}, env.messenger.targets())
}

func TestChannelMentionFansOutToAllAgents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bindAgent(t, env, "ch1", "fox", "rt1", "sp")
	bindAgent(t, env, "ch1", "owl", "rt1", "sp")
	conn, _ := env.subscribe(t, "c1", "ch1")

	require.NoError(t, env.service.HandleFrame(ctx, conn, userSetFrame("m1", "alice", "@channel standup time")))

	assert.ElementsMatch(t, []string{"sp:ch1:fox", "sp:ch1:owl"}, env.messenger.targets())
}

func TestUndeliverableAgentIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bindAgent(t, env, "ch1", "fox", "rt1", "sp")
	conn, _ := env.subscribe(t, "c1", "ch1")
	env.messenger.err = lifecycle.ErrAgentNotAvailable

	// the message is durable and broadcast even when the agent is unreachable
	require.NoError(t, env.service.HandleFrame(ctx, conn, userSetFrame("m1", "alice", "@fox ping")))

	msgs, err := env.store.ListMessages(ctx, "ch1", storage.MessageQuery{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestClientResetDeletesMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.saveMessage(t, "m1", "ch1", "typo")
	conn, _ := env.subscribe(t, "c1", "ch1")
	_, peerSink := env.subscribe(t, "c2", "ch1")

	require.NoError(t, env.service.HandleFrame(ctx, conn, tymbal.NewReset("m1")))

	msgs, err := env.store.ListMessages(ctx, "ch1", storage.MessageQuery{})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	frames := peerSink.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, tymbal.KindReset, frames[0].Kind)
	assert.Equal(t, "m1", frames[0].ID)

	// a later sync no longer replays the deleted message
	syncConn, syncSink := env.subscribe(t, "c3", storage.PendingChannel)
	require.NoError(t, env.service.HandleSync(ctx, syncConn, &tymbal.SyncRequest{ChannelID: "ch1"}))
	syncFrames := syncSink.frames(t)
	require.Len(t, syncFrames, 1)
	assert.Equal(t, tymbal.KindSyncResponse, syncFrames[0].Kind)
}

func TestResetFromPendingConnectionRejected(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := env.subscribe(t, "c1", storage.PendingChannel)

	err := env.service.HandleFrame(context.Background(), conn, tymbal.NewReset("m1"))
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestMessageFromPendingConnectionRejected(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := env.subscribe(t, "c1", storage.PendingChannel)

	err := env.service.HandleFrame(context.Background(), conn, userSetFrame("m1", "alice", "hello"))
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestArtifactBroadcast(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sender, _ := env.subscribe(t, "c1", "ch1")
	_, peerSink := env.subscribe(t, "c2", "ch1")

	frame := tymbal.NewArtifact("update", "ch1", map[string]interface{}{"path": "plan.md"})
	require.NoError(t, env.service.HandleFrame(ctx, sender, frame))

	frames := peerSink.frames(t)
	require.Len(t, frames, 1)
	require.Equal(t, tymbal.KindArtifact, frames[0].Kind)
	assert.Equal(t, "update", frames[0].Artifact.Action)
	assert.Equal(t, "plan.md", frames[0].Artifact.Payload["path"])
}

func TestUnsupportedClientFrameRejected(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := env.subscribe(t, "c1", "ch1")

	err := env.service.HandleFrame(context.Background(), conn, tymbal.NewSyncResponse("2026-01-01T00:00:00.000Z"))
	assert.Error(t, err)
}
