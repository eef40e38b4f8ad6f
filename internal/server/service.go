package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tymbal/tymbal/internal/common/logger"
	"github.com/tymbal/tymbal/internal/hub"
	"github.com/tymbal/tymbal/internal/identity"
	"github.com/tymbal/tymbal/internal/lifecycle"
	"github.com/tymbal/tymbal/internal/mention"
	"github.com/tymbal/tymbal/internal/storage"
	"github.com/tymbal/tymbal/pkg/tymbal"
)

// ErrNoChannel is returned for syncs and messages before the connection has
// subscribed to a channel.
var ErrNoChannel = errors.New("no channel selected")

// Messenger delivers routed messages toward agents. Implemented by
// lifecycle.Manager.
type Messenger interface {
	SendMessage(ctx context.Context, id identity.AgentID, opts lifecycle.SendOptions) (string, error)
}

// Authorizer decides whether a connection may subscribe to a channel.
type Authorizer func(ctx context.Context, conn *storage.Connection, channelID string) error

// AllowAll authorizes every subscription.
func AllowAll(context.Context, *storage.Connection, string) error { return nil }

// Service implements the hub's sync and frame handlers: channel switching with
// history replay, user message persistence, and mention-routed delivery.
type Service struct {
	store     storage.Storage
	hub       *hub.Hub
	messenger Messenger
	authorize Authorizer
	logger    *logger.Logger
}

// NewService wires the message service into the hub's handler slots.
func NewService(store storage.Storage, h *hub.Hub, messenger Messenger, authorize Authorizer, log *logger.Logger) *Service {
	if authorize == nil {
		authorize = AllowAll
	}
	s := &Service{
		store:     store,
		hub:       h,
		messenger: messenger,
		authorize: authorize,
		logger:    log.WithFields(zap.String("component", "service")),
	}
	h.SetSyncHandler(s.HandleSync)
	h.SetFrameHandler(s.HandleFrame)
	return s
}

// HandleSync switches the connection to the requested channel, replays recent
// history as set frames, and closes with a sync response carrying the server
// timestamp. A request without a channel replays the current subscription.
func (s *Service) HandleSync(ctx context.Context, conn *storage.Connection, req *tymbal.SyncRequest) error {
	channelID := req.ChannelID
	if channelID == "" {
		channelID = conn.ChannelID
	}
	if channelID == "" || channelID == storage.PendingChannel {
		return ErrNoChannel
	}

	if err := s.authorize(ctx, conn, channelID); err != nil {
		return err
	}
	if channelID != conn.ChannelID {
		if err := s.hub.Switch(ctx, conn.ID, channelID); err != nil {
			return err
		}
	}

	msgs, err := s.store.ListMessages(ctx, channelID, storage.MessageQuery{
		Since:  req.Since,
		Before: req.Before,
		Limit:  req.Limit,
	})
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	for _, msg := range msgs {
		frame := replayFrame(msg)
		if err := s.hub.SendFrame(ctx, conn.ID, frame); err != nil {
			return err
		}
	}

	return s.hub.SendFrame(ctx, conn.ID, tymbal.NewSyncResponse(tymbal.Timestamp(time.Now())))
}

// HandleFrame processes one client frame. Set frames persist and fan out, with
// user messages routed to mentioned agents; reset frames delete the stored
// message; artifact frames broadcast to their channel; partial message frames
// pass through to the subscription.
func (s *Service) HandleFrame(ctx context.Context, conn *storage.Connection, frame *tymbal.Frame) error {
	switch frame.Kind {
	case tymbal.KindSet:
		return s.handleClientSet(ctx, conn, frame)

	case tymbal.KindReset:
		if conn.ChannelID == "" || conn.ChannelID == storage.PendingChannel {
			return ErrNoChannel
		}
		if err := s.store.DeleteMessage(ctx, frame.ID); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		return s.hub.BroadcastFrame(ctx, conn.ChannelID, frame)

	case tymbal.KindStart, tymbal.KindAppend:
		if conn.ChannelID == "" || conn.ChannelID == storage.PendingChannel {
			return ErrNoChannel
		}
		return s.hub.BroadcastFrame(ctx, conn.ChannelID, frame)

	case tymbal.KindArtifact:
		if err := s.authorize(ctx, conn, frame.Artifact.ChannelID); err != nil {
			return err
		}
		return s.hub.BroadcastFrame(ctx, frame.Artifact.ChannelID, frame)

	default:
		return fmt.Errorf("unsupported client frame kind %q", frame.Kind)
	}
}

func (s *Service) handleClientSet(ctx context.Context, conn *storage.Connection, frame *tymbal.Frame) error {
	channelID := conn.ChannelID
	if channelID == "" || channelID == storage.PendingChannel {
		return ErrNoChannel
	}

	frame = tymbal.NormalizeSet(frame)
	value := frame.Value
	sender, _ := value["sender"].(string)
	typ, _ := value["type"].(string)
	if typ == "" {
		typ = tymbal.TypeUser
	}
	spaceID, _ := value["spaceId"].(string)

	msg := &storage.Message{
		ID:         frame.ID,
		SpaceID:    spaceID,
		ChannelID:  channelID,
		Sender:     sender,
		SenderType: "user",
		Type:       typ,
		Content:    storage.JSONValue{V: value},
		IsComplete: true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}

	if err := s.hub.BroadcastFrame(ctx, channelID, frame); err != nil {
		return err
	}

	if typ == tymbal.TypeUser {
		content, _ := value["content"].(string)
		s.routeToAgents(ctx, channelID, spaceID, sender, content)
	}
	return nil
}

// routeToAgents applies the mention rules against the channel roster and
// dispatches the message toward each targeted agent's runtime. Unreachable
// targets are logged, never fatal: the message is already durable.
func (s *Service) routeToAgents(ctx context.Context, channelID, spaceID, sender, content string) {
	log := s.logger.WithChannelID(channelID)
	entries, err := s.store.GetRoster(ctx, channelID)
	if err != nil {
		log.Error("Failed to load roster", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	roster := mention.Roster{}
	byCallsign := make(map[string]*storage.RosterEntry, len(entries))
	for _, e := range entries {
		roster.Agents = append(roster.Agents, e.Callsign)
		byCallsign[e.Callsign] = e
		if e.AgentType == "leader" && roster.Leader == "" {
			roster.Leader = e.Callsign
		}
	}
	if roster.Leader == "" {
		roster.Leader = entries[0].Callsign
	}

	result := mention.Route(content, sender, mention.SenderUser, roster)
	for _, target := range result.Targets {
		entry := byCallsign[target]
		if entry == nil {
			continue
		}
		agentID := identity.AgentID{
			SpaceID:   s.resolveSpace(ctx, entry, spaceID),
			ChannelID: channelID,
			Callsign:  target,
		}
		if _, err := s.messenger.SendMessage(ctx, agentID, lifecycle.SendOptions{
			Content: content,
			Sender:  sender,
		}); err != nil {
			log.Warn("Message not delivered to agent",
				zap.String("agent_id", agentID.String()), zap.Error(err))
		}
	}
}

// resolveSpace finds the space an agent lives in, preferring the runtime it is
// bound to over the sender-declared space.
func (s *Service) resolveSpace(ctx context.Context, entry *storage.RosterEntry, fallback string) string {
	if entry.RuntimeID != "" {
		if rt, err := s.store.GetRuntime(ctx, entry.RuntimeID); err == nil {
			return rt.SpaceID
		}
	}
	return fallback
}

// replayFrame renders a stored message as the set frame a live subscriber
// would have seen.
func replayFrame(msg *storage.Message) *tymbal.Frame {
	var value map[string]interface{}
	switch v := msg.Content.V.(type) {
	case map[string]interface{}:
		value = make(map[string]interface{}, len(v)+2)
		for k, val := range v {
			value[k] = val
		}
	default:
		value = map[string]interface{}{"content": v}
	}
	if _, ok := value["type"]; !ok && msg.Type != "" {
		value["type"] = msg.Type
	}
	if _, ok := value["sender"]; !ok && msg.Sender != "" {
		value["sender"] = msg.Sender
	}
	return tymbal.NewSet(msg.ID, tymbal.Timestamp(msg.CreatedAt), value)
}
