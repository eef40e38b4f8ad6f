// Package identity defines the agent identity triple used for addressing
// across the streaming and runtime control protocols.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAgentID is returned for agent id strings that do not split into
// exactly three nonempty segments. Callers at protocol boundaries refuse the
// message and do not retry.
var ErrInvalidAgentID = errors.New("invalid_agent_id")

// AgentID addresses a single agent: the (space, channel, callsign) triple.
type AgentID struct {
	SpaceID   string
	ChannelID string
	Callsign  string
}

// Parse splits and validates the colon-joined canonical form
// "<spaceId>:<channelId>:<callsign>".
func Parse(s string) (AgentID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return AgentID{}, fmt.Errorf("%w: %q", ErrInvalidAgentID, s)
	}
	for _, p := range parts {
		if p == "" {
			return AgentID{}, fmt.Errorf("%w: %q", ErrInvalidAgentID, s)
		}
	}
	return AgentID{SpaceID: parts[0], ChannelID: parts[1], Callsign: parts[2]}, nil
}

// String returns the colon-joined canonical form.
func (a AgentID) String() string {
	return a.SpaceID + ":" + a.ChannelID + ":" + a.Callsign
}

// Valid reports whether all three segments are nonempty.
func (a AgentID) Valid() bool {
	return a.SpaceID != "" && a.ChannelID != "" && a.Callsign != ""
}
