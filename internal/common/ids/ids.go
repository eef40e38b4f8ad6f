// Package ids generates identifiers used across the control plane.
//
// Entity and message ids are lexicographically sortable, time-ordered
// 26-character ULIDs so that ordering by id is ordering by creation time.
// Connection and request ids are plain UUIDs; they are transient and never
// sorted.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a sortable 26-character id for a newly created entity.
// Ids generated within the same millisecond remain strictly increasing.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewConnectionID returns a UUID for a transient connection or request.
func NewConnectionID() string {
	return uuid.New().String()
}

// Valid reports whether s is a well-formed sortable id.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Timestamp returns the creation time encoded in a sortable id.
// The zero time is returned for malformed ids.
func Timestamp(s string) time.Time {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(id.Time()).UTC()
}
