package hub

import (
	"context"
	"errors"
)

// ErrConnectionGone reports a peer that is no longer reachable. Store-backed
// posters return it (wrapped or directly) so the hub can drop the record.
var ErrConnectionGone = errors.New("connection gone")

// Sender is the delivery capability bound to a connection record. Send
// reports whether the line was delivered; false marks the peer stale and the
// hub removes the record.
type Sender interface {
	Send(ctx context.Context, connectionID string, data []byte) bool
	Close()
}

// ConnectionPoster posts a line to an externally managed connection, for
// deployments where the socket lives in another process.
type ConnectionPoster interface {
	Post(ctx context.Context, connectionID string, data []byte) error
}

// StoreSender delivers through a ConnectionPoster. Any ErrConnectionGone from
// the poster is reported as stale; other errors are swallowed as transient
// (the peer stays subscribed).
type StoreSender struct {
	poster ConnectionPoster
}

// NewStoreSender creates a sender backed by an external connection store.
func NewStoreSender(poster ConnectionPoster) *StoreSender {
	return &StoreSender{poster: poster}
}

// Send posts the line to the external store.
func (s *StoreSender) Send(ctx context.Context, connectionID string, data []byte) bool {
	if err := s.poster.Post(ctx, connectionID, data); err != nil {
		return !errors.Is(err, ErrConnectionGone)
	}
	return true
}

// Close is a no-op; the external store owns the socket.
func (s *StoreSender) Close() {}
