package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type tags an Event.
type Type string

const (
	TypeTextDelta       Type = "text_delta"
	TypeToolCallBegin   Type = "tool_call_begin"
	TypeToolCallEnd     Type = "tool_call_end"
	TypeCompletion      Type = "completion"
	TypeError           Type = "error"
	TypeRenderMedia     Type = "render_media"
	TypeHistorySnapshot Type = "history_snapshot"
	TypeSystemMessage   Type = "system_message"
)

// Error codes carried by TypeError events.
const (
	CodeCancelled    = "cancelled"
	CodeTurnFailed   = "turn_failed"
	CodeCommandError = "command_error"
)

var knownTypes = map[Type]bool{
	TypeTextDelta:       true,
	TypeToolCallBegin:   true,
	TypeToolCallEnd:     true,
	TypeCompletion:      true,
	TypeError:           true,
	TypeRenderMedia:     true,
	TypeHistorySnapshot: true,
	TypeSystemMessage:   true,
}

// Known reports whether t is a type this version understands. Consumers must
// treat unknown types as no-ops.
func Known(t Type) bool {
	return knownTypes[t]
}

// Media is a renderable attachment produced by a tool or the model.
type Media struct {
	MimeType string `json:"mime_type"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Usage reports token consumption for a completed turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// HistoryEntry is the transport view of one history message.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	TurnID  string `json:"turn_id,omitempty"`
}

// Event is one immutable unit of the session stream. Only the fields relevant
// to Type are set.
type Event struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	SessionID     string    `json:"session_id"`
	InteractionID string    `json:"interaction_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	Text       string         `json:"text,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     string         `json:"result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	Code       string         `json:"code,omitempty"`
	Message    string         `json:"message,omitempty"`
	Media      *Media         `json:"media,omitempty"`
	History    []HistoryEntry `json:"history,omitempty"`
	Turns      int            `json:"turns,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

func newEvent(t Type, sessionID, interactionID string) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		SessionID:     sessionID,
		InteractionID: interactionID,
		Timestamp:     time.Now().UTC(),
	}
}

// TextDelta is an incremental piece of model output.
func TextDelta(sessionID, interactionID, text string) Event {
	e := newEvent(TypeTextDelta, sessionID, interactionID)
	e.Text = text
	return e
}

// ToolCallBegin announces a tool invocation.
func ToolCallBegin(sessionID, interactionID, callID, tool string, args map[string]any) Event {
	e := newEvent(TypeToolCallBegin, sessionID, interactionID)
	e.ToolCallID = callID
	e.ToolName = tool
	e.Arguments = cloneArgs(args)
	return e
}

// ToolCallEnd reports a finished tool invocation.
func ToolCallEnd(sessionID, interactionID, callID, tool, result string, isError bool) Event {
	e := newEvent(TypeToolCallEnd, sessionID, interactionID)
	e.ToolCallID = callID
	e.ToolName = tool
	e.Result = result
	e.IsError = isError
	return e
}

// Completion closes a turn with the final assistant text.
func Completion(sessionID, interactionID, text string, usage *Usage) Event {
	e := newEvent(TypeCompletion, sessionID, interactionID)
	e.Text = text
	if usage != nil {
		u := *usage
		e.Usage = &u
	}
	return e
}

// Error reports a user-visible failure. message must be human readable.
func Error(sessionID, interactionID, code, message string) Event {
	e := newEvent(TypeError, sessionID, interactionID)
	e.Code = code
	e.Message = message
	return e
}

// RenderMedia asks the client to display an attachment.
func RenderMedia(sessionID, interactionID string, media Media) Event {
	e := newEvent(TypeRenderMedia, sessionID, interactionID)
	m := media
	if media.Data != nil {
		m.Data = append([]byte(nil), media.Data...)
	}
	e.Media = &m
	return e
}

// HistorySnapshot carries the session history after a fork or rewind.
func HistorySnapshot(sessionID string, history []HistoryEntry, turns int) Event {
	e := newEvent(TypeHistorySnapshot, sessionID, "")
	e.History = append([]HistoryEntry(nil), history...)
	e.Turns = turns
	return e
}

// SystemMessage is an out-of-band notice for the user.
func SystemMessage(sessionID, message string) Event {
	e := newEvent(TypeSystemMessage, sessionID, "")
	e.Message = message
	return e
}

// Decode parses one wire event. Unknown types decode without error so callers
// can skip them.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
