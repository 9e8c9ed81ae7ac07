package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey carries the trace id of a request or turn.
	TraceIDKey ContextKey = "trace_id"
	// SessionIDKey carries the conversation id.
	SessionIDKey ContextKey = "session_id"
	// UserIDKey carries the owning user id.
	UserIDKey ContextKey = "user_id"
	// InteractionIDKey carries the id of the turn being processed.
	InteractionIDKey ContextKey = "interaction_id"
	// AgentIDKey carries the id of the agent definition in effect.
	AgentIDKey ContextKey = "agent_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID       string
	SessionID     string
	UserID        string
	InteractionID string
	AgentID       string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewInteractionID generates a new interaction ID
func NewInteractionID() string {
	return uuid.New().String()
}

func withValue(ctx context.Context, key ContextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func value(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, TraceIDKey, traceID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withValue(ctx, SessionIDKey, sessionID)
}

// WithUserID adds a user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return withValue(ctx, UserIDKey, userID)
}

// WithInteractionID adds an interaction ID to the context
func WithInteractionID(ctx context.Context, interactionID string) context.Context {
	return withValue(ctx, InteractionIDKey, interactionID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return withValue(ctx, AgentIDKey, agentID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return value(ctx, TraceIDKey) }

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string { return value(ctx, SessionIDKey) }

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) string { return value(ctx, UserIDKey) }

// GetInteractionID retrieves the interaction ID from the context
func GetInteractionID(ctx context.Context) string { return value(ctx, InteractionIDKey) }

// GetAgentID retrieves the agent ID from the context
func GetAgentID(ctx context.Context) string { return value(ctx, AgentIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:       GetTraceID(ctx),
		SessionID:     GetSessionID(ctx),
		UserID:        GetUserID(ctx),
		InteractionID: GetInteractionID(ctx),
		AgentID:       GetAgentID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	ctx = WithTraceID(ctx, tc.TraceID)
	ctx = WithSessionID(ctx, tc.SessionID)
	ctx = WithUserID(ctx, tc.UserID)
	ctx = WithInteractionID(ctx, tc.InteractionID)
	return WithAgentID(ctx, tc.AgentID)
}

// NewSessionContext tags ctx with the session and its owner.
func NewSessionContext(ctx context.Context, sessionID, userID string) context.Context {
	return WithUserID(WithSessionID(ctx, sessionID), userID)
}

// NewTurnContext starts a fresh trace for one turn of a session.
func NewTurnContext(ctx context.Context, interactionID, agentID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithInteractionID(ctx, interactionID)
	return WithAgentID(ctx, agentID)
}
