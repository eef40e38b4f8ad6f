// Package storage provides the durable store consumed by the control plane:
// messages, channel rosters, runtimes, connection records, cost records, and
// server credentials.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrTokenExpired is returned when exchanging a bootstrap token past its TTL.
var ErrTokenExpired = errors.New("bootstrap token expired")

// Connection roles.
const (
	RoleClient  = "client"
	RoleRuntime = "runtime"
)

// PendingChannel is the pseudo-channel for authenticated connections that
// have not subscribed yet. It never receives broadcasts.
const PendingChannel = "__pending__"

// Message is a single logical utterance in a channel.
type Message struct {
	ID         string    `db:"id"`
	SpaceID    string    `db:"space_id"`
	ChannelID  string    `db:"channel_id"`
	Sender     string    `db:"sender"`
	SenderType string    `db:"sender_type"`
	Type       string    `db:"type"`
	Content    JSONValue `db:"content"`
	IsComplete bool      `db:"is_complete"`
	Metadata   JSONMap   `db:"metadata"`
	CreatedAt  time.Time `db:"created_at"`
}

// RosterEntry binds an agent callsign to a channel.
type RosterEntry struct {
	ID            string     `db:"id"`
	ChannelID     string     `db:"channel_id"`
	Callsign      string     `db:"callsign"`
	AgentType     string     `db:"agent_type"`
	Status        string     `db:"status"`
	LastHeartbeat *time.Time `db:"last_heartbeat"`
	RuntimeID     string     `db:"runtime_id"`
}

// Runtime is a registered worker process under a space.
type Runtime struct {
	ID         string     `db:"id"`
	SpaceID    string     `db:"space_id"`
	Name       string     `db:"name"`
	Type       string     `db:"type"`
	Status     string     `db:"status"`
	Config     JSONMap    `db:"config"`
	LastSeenAt *time.Time `db:"last_seen_at"`
	CreatedAt  time.Time  `db:"created_at"`
}

// Connection is the durable record of a subscriber or runtime link.
type Connection struct {
	ID            string    `db:"id"`
	ChannelID     string    `db:"channel_id"`
	Role          string    `db:"role"`
	AgentCallsign string    `db:"agent_callsign"`
	ContainerID   string    `db:"container_id"`
	RuntimeID     string    `db:"runtime_id"`
	ConnectedAt   time.Time `db:"connected_at"`
}

// CostRecord accounts a completed turn's spend.
type CostRecord struct {
	SpaceID    string    `db:"space_id"`
	ChannelID  string    `db:"channel_id"`
	Callsign   string    `db:"callsign"`
	CostUSD    float64   `db:"cost_usd"`
	DurationMs int64     `db:"duration_ms"`
	NumTurns   int       `db:"num_turns"`
	Usage      JSONMap   `db:"usage"`
	ModelUsage JSONMap   `db:"model_usage"`
	CreatedAt  time.Time `db:"created_at"`
}

// Credential is a long-lived server credential a runtime presents on its
// control connection.
type Credential struct {
	ID        string    `db:"id"`
	SpaceID   string    `db:"space_id"`
	Token     string    `db:"token"`
	CreatedAt time.Time `db:"created_at"`
}

// MessageQuery bounds a message replay.
type MessageQuery struct {
	Since  string // exclusive lower bound on message id
	Before string // exclusive upper bound on message id
	Limit  int    // defaults to 50
}

// Storage is the durable store capability consumed by the core.
type Storage interface {
	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	DeleteMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, channelID string, q MessageQuery) ([]*Message, error)

	// Roster
	GetRoster(ctx context.Context, channelID string) ([]*RosterEntry, error)
	TouchRosterHeartbeat(ctx context.Context, channelID, callsign, runtimeID string, at time.Time) error
	SetRosterStatus(ctx context.Context, channelID, callsign, status string) error

	// Runtimes
	GetRuntime(ctx context.Context, id string) (*Runtime, error)
	FindRuntimeByName(ctx context.Context, spaceID, name string) (*Runtime, error)
	CreateRuntime(ctx context.Context, rt *Runtime) error
	UpdateRuntimeStatus(ctx context.Context, id, status string, lastSeen time.Time) error

	// Connections
	SaveConnection(ctx context.Context, conn *Connection) error
	UpdateConnectionChannel(ctx context.Context, id, channelID string) error
	DeleteConnection(ctx context.Context, id string) error
	ListConnectionsByChannel(ctx context.Context, channelID string) ([]*Connection, error)

	// Costs
	SaveCost(ctx context.Context, cost *CostRecord) error
	ListCosts(ctx context.Context, channelID string) ([]*CostRecord, error)

	// Credentials
	ExchangeBootstrapToken(ctx context.Context, token string) (*Credential, error)
	VerifyCredential(ctx context.Context, token string) (*Credential, error)

	Close() error
}
