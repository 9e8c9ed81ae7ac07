package model

import (
	"github.com/harun/tether/pkg/event"
)

// Role of a message in the conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// ToolCall is a model request to invoke a tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolSpec describes a tool the model may call.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is everything a capability needs for one model call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// ChunkType tags a Chunk.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkMedia    ChunkType = "media"
	ChunkDone     ChunkType = "done"
)

// Stop reasons reported on the ChunkDone chunk.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Chunk is one element of a model stream.
type Chunk struct {
	Type       ChunkType
	Text       string
	ToolCall   *ToolCall
	Media      *event.Media
	StopReason string
	Usage      *event.Usage
}

func TextChunk(text string) Chunk { return Chunk{Type: ChunkText, Text: text} }

func ToolCallChunk(id, name string, args map[string]any) Chunk {
	if args == nil {
		args = map[string]any{}
	}
	return Chunk{Type: ChunkToolCall, ToolCall: &ToolCall{ID: id, Name: name, Arguments: args}}
}

func MediaChunk(m event.Media) Chunk { return Chunk{Type: ChunkMedia, Media: &m} }

func DoneChunk(stopReason string, usage *event.Usage) Chunk {
	return Chunk{Type: ChunkDone, StopReason: stopReason, Usage: usage}
}

// ParamFloat reads a numeric agent parameter.
func ParamFloat(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// ParamInt reads an integer agent parameter.
func ParamInt(params map[string]any, key string) (int, bool) {
	f, ok := ParamFloat(params, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}
