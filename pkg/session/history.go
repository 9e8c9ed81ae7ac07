package session

import (
	"time"

	"github.com/harun/tether/pkg/event"
	"github.com/harun/tether/pkg/model"
)

// Turn is one committed exchange: the user message and everything up to the
// final assistant reply.
type Turn struct {
	ID          string
	AgentID     string
	Messages    []model.Message
	CompletedAt time.Time
}

// Interaction is the per-turn working state. It is discarded when the turn
// ends; only Messages[Base:] is committed, and only on success.
type Interaction struct {
	ID        string
	Agent     string
	Model     string
	Messages  []model.Message
	Base      int
	Tools     []string
	Sections  []string
	Rounds    int
	StartedAt time.Time
}

func (in *Interaction) append(m model.Message) {
	in.Messages = append(in.Messages, m)
}

// pending returns the messages produced during this turn.
func (in *Interaction) pending() []model.Message {
	return in.Messages[in.Base:]
}

func flatten(turns []Turn) []model.Message {
	var n int
	for _, t := range turns {
		n += len(t.Messages)
	}
	out := make([]model.Message, 0, n)
	for _, t := range turns {
		for _, m := range t.Messages {
			out = append(out, cloneMessage(m))
		}
	}
	return out
}

func cloneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		msgs := make([]model.Message, len(t.Messages))
		for j, m := range t.Messages {
			msgs[j] = cloneMessage(m)
		}
		out[i] = Turn{ID: t.ID, AgentID: t.AgentID, Messages: msgs, CompletedAt: t.CompletedAt}
	}
	return out
}

func cloneMessage(m model.Message) model.Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]model.ToolCall, len(m.ToolCalls))
		for i, c := range m.ToolCalls {
			out.ToolCalls[i] = model.ToolCall{ID: c.ID, Name: c.Name, Arguments: cloneMap(c.Arguments)}
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func historyEntries(turns []Turn) []event.HistoryEntry {
	var out []event.HistoryEntry
	for _, t := range turns {
		for _, m := range t.Messages {
			out = append(out, event.HistoryEntry{Role: string(m.Role), Content: m.Content, TurnID: t.ID})
		}
	}
	return out
}
