package runtimed

import (
	"github.com/tymbal/tymbal/internal/common/ids"
	"github.com/tymbal/tymbal/internal/engine"
	"github.com/tymbal/tymbal/internal/identity"
	"github.com/tymbal/tymbal/pkg/tymbal"
)

// translator converts an engine's output messages into frame sequences. One
// translator serves one agent; engine messages arrive in order on a single
// goroutine.
type translator struct {
	agentID identity.AgentID
	emit    tymbal.Emitter

	current *tymbal.Handle
}

func newTranslator(agentID identity.AgentID, emit tymbal.Emitter) *translator {
	return &translator{agentID: agentID, emit: emit}
}

// handle translates one engine message. Stream messages open a message
// handle and append; set-shaped messages finalize it; result messages yield a
// cost frame followed by idle.
func (tr *translator) handle(msg *engine.Message) error {
	switch msg.Type {
	case "init":
		return nil

	case "stream":
		text, _ := msg.Data["content"].(string)
		if text == "" {
			return nil
		}
		if tr.current == nil || tr.current.Finalized() {
			tr.current = tymbal.NewHandle(ids.New(), tr.metadata(tymbal.TypeAgent), tr.emit)
		}
		return tr.current.Stream(text)

	case "result":
		if err := tr.emitCost(msg.Data); err != nil {
			return err
		}
		return tr.emitIdle()

	case "idle":
		return tr.emitIdle()

	default:
		return tr.finalize(msg)
	}
}

// finalize emits a set frame for a complete value, folding any streamed
// buffer in through the open handle.
func (tr *translator) finalize(msg *engine.Message) error {
	value := msg.Data
	if value == nil {
		return nil
	}
	if _, ok := value["type"]; !ok {
		value["type"] = msg.Type
	}
	if _, ok := value["sender"]; !ok {
		value["sender"] = tr.agentID.Callsign
	}

	h := tr.current
	if h == nil || h.Finalized() {
		h = tymbal.NewHandle(ids.New(), nil, tr.emit)
	}
	tr.current = nil
	return h.Set(value)
}

func (tr *translator) emitCost(data map[string]interface{}) error {
	v := map[string]interface{}{
		"type":   tymbal.TypeCost,
		"sender": tr.agentID.Callsign,
	}
	for _, key := range []string{"costUsd", "total_cost_usd", "durationMs", "duration_ms", "numTurns", "num_turns", "usage", "modelUsage"} {
		if val, ok := data[key]; ok {
			v[key] = val
		}
	}
	h := tymbal.NewHandle(ids.New(), nil, tr.emit)
	return h.Set(v)
}

func (tr *translator) emitIdle() error {
	tr.current = nil
	h := tymbal.NewHandle(ids.New(), nil, tr.emit)
	return h.Set(map[string]interface{}{
		"type":   tymbal.TypeIdle,
		"sender": tr.agentID.Callsign,
	})
}

// emitError surfaces an engine failure as an error-typed set frame.
func (tr *translator) emitError(message string) error {
	tr.current = nil
	h := tymbal.NewHandle(ids.New(), nil, tr.emit)
	return h.Set(map[string]interface{}{
		"type":    tymbal.TypeError,
		"sender":  tr.agentID.Callsign,
		"content": message,
	})
}

func (tr *translator) metadata(typ string) map[string]interface{} {
	return map[string]interface{}{
		"type":       typ,
		"sender":     tr.agentID.Callsign,
		"senderType": "agent",
	}
}
