// Package mention computes the delivery targets for a channel message from
// its text, its sender, and the channel roster. The router is pure: it never
// performs I/O and never consults agent state.
package mention

import (
	"regexp"
	"strings"
)

// SenderKind distinguishes user-authored messages from agent-authored ones.
type SenderKind string

const (
	SenderUser  SenderKind = "user"
	SenderAgent SenderKind = "agent"
)

// Roster is the channel membership the router resolves mentions against.
type Roster struct {
	Agents []string
	Users  []string
	Leader string
}

// Result is the computed delivery set. Targets preserve first-mention order.
type Result struct {
	Targets   []string
	Broadcast bool
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// channelToken is the broadcast marker, not a callsign.
const channelToken = "channel"

// Route applies the delivery rules in order: @channel broadcast, explicit
// mentions, user-to-leader fallback, and agent silence.
func Route(text, sender string, kind SenderKind, roster Roster) Result {
	mentions, sawChannel := extract(text)

	if sawChannel {
		return Result{
			Targets:   without(roster.Agents, sender),
			Broadcast: true,
		}
	}

	if len(mentions) > 0 {
		known := make(map[string]bool, len(roster.Agents)+len(roster.Users))
		for _, a := range roster.Agents {
			known[a] = true
		}
		for _, u := range roster.Users {
			known[u] = true
		}
		var targets []string
		for _, m := range mentions {
			if m != sender && known[m] {
				targets = append(targets, m)
			}
		}
		return Result{Targets: targets}
	}

	if kind == SenderUser {
		if roster.Leader == "" {
			return Result{}
		}
		return Result{Targets: []string{roster.Leader}}
	}

	// Agent message without mentions is logged only.
	return Result{}
}

// extract returns distinct lowercased mention tokens in first-mention order,
// and whether the @channel marker appeared.
func extract(text string) ([]string, bool) {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil, false
	}

	seen := make(map[string]bool, len(matches))
	var tokens []string
	sawChannel := false
	for _, m := range matches {
		token := strings.ToLower(m[1])
		if token == channelToken {
			sawChannel = true
			continue
		}
		if seen[token] {
			continue
		}
		seen[token] = true
		tokens = append(tokens, token)
	}
	return tokens, sawChannel
}

func without(callsigns []string, exclude string) []string {
	var out []string
	for _, c := range callsigns {
		if c != exclude {
			out = append(out, c)
		}
	}
	return out
}
