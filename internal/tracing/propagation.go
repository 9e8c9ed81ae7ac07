package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToFork derives the context of a forked session. The trace id and
// user id carry over; the session id is replaced and interaction data dropped.
func PropagateToFork(ctx context.Context, forkSessionID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}
	return NewContext(context.Background(), &TraceContext{
		TraceID:   traceID,
		SessionID: forkSessionID,
		UserID:    GetUserID(ctx),
		AgentID:   GetAgentID(ctx),
	})
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str(string(TraceIDKey), tc.TraceID)
	}
	if tc.SessionID != "" {
		lc = lc.Str(string(SessionIDKey), tc.SessionID)
	}
	if tc.UserID != "" {
		lc = lc.Str(string(UserIDKey), tc.UserID)
	}
	if tc.InteractionID != "" {
		lc = lc.Str(string(InteractionIDKey), tc.InteractionID)
	}
	if tc.AgentID != "" {
		lc = lc.Str(string(AgentIDKey), tc.AgentID)
	}
	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// Detach returns a background context carrying only the tracing values of
// ctx. Used for work that must outlive a cancelled request.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
