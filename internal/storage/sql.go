package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/tymbal/tymbal/internal/common/ids"
)

const defaultReplayLimit = 50

// SQLStorage implements Storage over a dialect-aware Pool.
type SQLStorage struct {
	pool *Pool
}

// New opens storage over the pool and applies the schema.
func New(ctx context.Context, pool *Pool) (*SQLStorage, error) {
	for _, stmt := range schema {
		if _, err := pool.Writer().ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return &SQLStorage{pool: pool}, nil
}

// Close closes the underlying pool.
func (s *SQLStorage) Close() error {
	return s.pool.Close()
}

// IsActiveStatus reports whether a stored status passes an "active" filter.
// The legacy value "published" is treated as equivalent to "active"; it is
// never normalized at write time.
func IsActiveStatus(status string) bool {
	return status == "active" || status == "published"
}

// SaveMessage inserts or replaces a message by id.
func (s *SQLStorage) SaveMessage(ctx context.Context, msg *Message) error {
	query := s.pool.Writer().Rebind(`
		INSERT INTO messages (id, space_id, channel_id, sender, sender_type, type, content, is_complete, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			content = excluded.content,
			is_complete = excluded.is_complete,
			metadata = excluded.metadata`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		msg.ID, msg.SpaceID, msg.ChannelID, msg.Sender, msg.SenderType, msg.Type,
		msg.Content, msg.IsComplete, msg.Metadata, msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
	}
	return nil
}

// DeleteMessage removes a message by id. Deleting an absent message is a no-op.
func (s *SQLStorage) DeleteMessage(ctx context.Context, id string) error {
	query := s.pool.Writer().Rebind(`DELETE FROM messages WHERE id = ?`)
	if _, err := s.pool.Writer().ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return nil
}

// ListMessages returns messages for a channel in id (creation) order.
// Without a Since bound the most recent Limit messages are returned.
func (s *SQLStorage) ListMessages(ctx context.Context, channelID string, q MessageQuery) ([]*Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultReplayLimit
	}

	var (
		msgs []*Message
		err  error
	)
	if q.Since != "" {
		query := s.pool.Reader().Rebind(`
			SELECT * FROM messages
			WHERE channel_id = ? AND id > ? AND (? = '' OR id < ?)
			ORDER BY id ASC LIMIT ?`)
		err = s.pool.Reader().SelectContext(ctx, &msgs, query, channelID, q.Since, q.Before, q.Before, limit)
	} else {
		query := s.pool.Reader().Rebind(`
			SELECT * FROM messages
			WHERE channel_id = ? AND (? = '' OR id < ?)
			ORDER BY id DESC LIMIT ?`)
		err = s.pool.Reader().SelectContext(ctx, &msgs, query, channelID, q.Before, q.Before, limit)
		// restore chronological order
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for channel %s: %w", channelID, err)
	}
	return msgs, nil
}

// GetRoster returns all roster entries for a channel.
func (s *SQLStorage) GetRoster(ctx context.Context, channelID string) ([]*RosterEntry, error) {
	var entries []*RosterEntry
	query := s.pool.Reader().Rebind(`SELECT * FROM roster WHERE channel_id = ? ORDER BY callsign`)
	if err := s.pool.Reader().SelectContext(ctx, &entries, query, channelID); err != nil {
		return nil, fmt.Errorf("failed to load roster for channel %s: %w", channelID, err)
	}
	return entries, nil
}

// TouchRosterHeartbeat updates an entry's heartbeat and runtime binding,
// creating the entry if the agent has not been seen before.
func (s *SQLStorage) TouchRosterHeartbeat(ctx context.Context, channelID, callsign, runtimeID string, at time.Time) error {
	query := s.pool.Writer().Rebind(`
		INSERT INTO roster (id, channel_id, callsign, status, last_heartbeat, runtime_id)
		VALUES (?, ?, ?, 'online', ?, ?)
		ON CONFLICT (channel_id, callsign) DO UPDATE SET
			status = 'online',
			last_heartbeat = excluded.last_heartbeat,
			runtime_id = excluded.runtime_id`)
	_, err := s.pool.Writer().ExecContext(ctx, query, ids.New(), channelID, callsign, at.UTC(), runtimeID)
	if err != nil {
		return fmt.Errorf("failed to touch roster heartbeat %s/%s: %w", channelID, callsign, err)
	}
	return nil
}

// SetRosterStatus updates an entry's status.
func (s *SQLStorage) SetRosterStatus(ctx context.Context, channelID, callsign, status string) error {
	query := s.pool.Writer().Rebind(`UPDATE roster SET status = ? WHERE channel_id = ? AND callsign = ?`)
	if _, err := s.pool.Writer().ExecContext(ctx, query, status, channelID, callsign); err != nil {
		return fmt.Errorf("failed to set roster status %s/%s: %w", channelID, callsign, err)
	}
	return nil
}

// GetRuntime looks up a runtime by id.
func (s *SQLStorage) GetRuntime(ctx context.Context, id string) (*Runtime, error) {
	var rt Runtime
	query := s.pool.Reader().Rebind(`SELECT * FROM runtimes WHERE id = ?`)
	if err := s.pool.Reader().GetContext(ctx, &rt, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get runtime %s: %w", id, err)
	}
	return &rt, nil
}

// FindRuntimeByName looks up a runtime by its (space, name) pair so a
// re-registering runtime can reclaim its prior record.
func (s *SQLStorage) FindRuntimeByName(ctx context.Context, spaceID, name string) (*Runtime, error) {
	var rt Runtime
	query := s.pool.Reader().Rebind(`SELECT * FROM runtimes WHERE space_id = ? AND name = ? ORDER BY created_at LIMIT 1`)
	if err := s.pool.Reader().GetContext(ctx, &rt, query, spaceID, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find runtime %s/%s: %w", spaceID, name, err)
	}
	return &rt, nil
}

// CreateRuntime inserts a new runtime record.
func (s *SQLStorage) CreateRuntime(ctx context.Context, rt *Runtime) error {
	if rt.ID == "" {
		rt.ID = ids.New()
	}
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = time.Now().UTC()
	}
	query := s.pool.Writer().Rebind(`
		INSERT INTO runtimes (id, space_id, name, type, status, config, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		rt.ID, rt.SpaceID, rt.Name, rt.Type, rt.Status, rt.Config, rt.LastSeenAt, rt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create runtime %s: %w", rt.ID, err)
	}
	return nil
}

// UpdateRuntimeStatus sets a runtime's status and last-seen time.
func (s *SQLStorage) UpdateRuntimeStatus(ctx context.Context, id, status string, lastSeen time.Time) error {
	query := s.pool.Writer().Rebind(`UPDATE runtimes SET status = ?, last_seen_at = ? WHERE id = ?`)
	if _, err := s.pool.Writer().ExecContext(ctx, query, status, lastSeen.UTC(), id); err != nil {
		return fmt.Errorf("failed to update runtime %s status: %w", id, err)
	}
	return nil
}

// SaveConnection persists a connection record.
func (s *SQLStorage) SaveConnection(ctx context.Context, conn *Connection) error {
	query := s.pool.Writer().Rebind(`
		INSERT INTO connections (id, channel_id, role, agent_callsign, container_id, runtime_id, connected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET channel_id = excluded.channel_id`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		conn.ID, conn.ChannelID, conn.Role, conn.AgentCallsign, conn.ContainerID, conn.RuntimeID, conn.ConnectedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save connection %s: %w", conn.ID, err)
	}
	return nil
}

// UpdateConnectionChannel atomically moves a connection to a new channel.
func (s *SQLStorage) UpdateConnectionChannel(ctx context.Context, id, channelID string) error {
	query := s.pool.Writer().Rebind(`UPDATE connections SET channel_id = ? WHERE id = ?`)
	if _, err := s.pool.Writer().ExecContext(ctx, query, channelID, id); err != nil {
		return fmt.Errorf("failed to switch connection %s: %w", id, err)
	}
	return nil
}

// DeleteConnection removes a connection record. Idempotent.
func (s *SQLStorage) DeleteConnection(ctx context.Context, id string) error {
	query := s.pool.Writer().Rebind(`DELETE FROM connections WHERE id = ?`)
	if _, err := s.pool.Writer().ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete connection %s: %w", id, err)
	}
	return nil
}

// ListConnectionsByChannel returns the durable records subscribed to a channel.
func (s *SQLStorage) ListConnectionsByChannel(ctx context.Context, channelID string) ([]*Connection, error) {
	var conns []*Connection
	query := s.pool.Reader().Rebind(`SELECT * FROM connections WHERE channel_id = ? ORDER BY connected_at`)
	if err := s.pool.Reader().SelectContext(ctx, &conns, query, channelID); err != nil {
		return nil, fmt.Errorf("failed to list connections for channel %s: %w", channelID, err)
	}
	return conns, nil
}

// SaveCost writes a cost record.
func (s *SQLStorage) SaveCost(ctx context.Context, cost *CostRecord) error {
	if cost.CreatedAt.IsZero() {
		cost.CreatedAt = time.Now().UTC()
	}
	query := s.pool.Writer().Rebind(`
		INSERT INTO costs (space_id, channel_id, callsign, cost_usd, duration_ms, num_turns, usage, model_usage, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		cost.SpaceID, cost.ChannelID, cost.Callsign, cost.CostUSD, cost.DurationMs, cost.NumTurns,
		cost.Usage, cost.ModelUsage, cost.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save cost record: %w", err)
	}
	return nil
}

// ListCosts returns a channel's cost records, oldest first.
func (s *SQLStorage) ListCosts(ctx context.Context, channelID string) ([]*CostRecord, error) {
	var costs []*CostRecord
	query := s.pool.Reader().Rebind(`SELECT * FROM costs WHERE channel_id = ? ORDER BY created_at`)
	if err := s.pool.Reader().SelectContext(ctx, &costs, query, channelID); err != nil {
		return nil, fmt.Errorf("failed to list costs for channel %s: %w", channelID, err)
	}
	return costs, nil
}

// CreateBootstrapToken mints a short-lived token a runtime exchanges once for
// a server credential.
func (s *SQLStorage) CreateBootstrapToken(ctx context.Context, spaceID string, ttl time.Duration) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	query := s.pool.Writer().Rebind(`
		INSERT INTO bootstrap_tokens (token, space_id, created_at, expires_at) VALUES (?, ?, ?, ?)`)
	if _, err := s.pool.Writer().ExecContext(ctx, query, token, spaceID, now, now.Add(ttl)); err != nil {
		return "", fmt.Errorf("failed to create bootstrap token: %w", err)
	}
	return token, nil
}

// ExchangeBootstrapToken consumes a bootstrap token and returns a long-lived
// server credential. The token is single-use.
func (s *SQLStorage) ExchangeBootstrapToken(ctx context.Context, token string) (*Credential, error) {
	var row struct {
		SpaceID   string    `db:"space_id"`
		ExpiresAt time.Time `db:"expires_at"`
	}
	query := s.pool.Reader().Rebind(`SELECT space_id, expires_at FROM bootstrap_tokens WHERE token = ?`)
	if err := s.pool.Reader().GetContext(ctx, &row, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up bootstrap token: %w", err)
	}

	del := s.pool.Writer().Rebind(`DELETE FROM bootstrap_tokens WHERE token = ?`)
	if _, err := s.pool.Writer().ExecContext(ctx, del, token); err != nil {
		return nil, fmt.Errorf("failed to consume bootstrap token: %w", err)
	}

	if time.Now().UTC().After(row.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	secret, err := randomToken()
	if err != nil {
		return nil, err
	}
	cred := &Credential{
		ID:        ids.New(),
		SpaceID:   row.SpaceID,
		Token:     secret,
		CreatedAt: time.Now().UTC(),
	}
	ins := s.pool.Writer().Rebind(`INSERT INTO credentials (id, space_id, token, created_at) VALUES (?, ?, ?, ?)`)
	if _, err := s.pool.Writer().ExecContext(ctx, ins, cred.ID, cred.SpaceID, cred.Token, cred.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	return cred, nil
}

// VerifyCredential resolves a presented credential token.
func (s *SQLStorage) VerifyCredential(ctx context.Context, token string) (*Credential, error) {
	var cred Credential
	query := s.pool.Reader().Rebind(`SELECT * FROM credentials WHERE token = ?`)
	if err := s.pool.Reader().GetContext(ctx, &cred, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to verify credential: %w", err)
	}
	return &cred, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
