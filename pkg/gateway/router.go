package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/catalog"
	"github.com/harun/tether/pkg/command"
	"github.com/harun/tether/pkg/session"
	"github.com/harun/tether/pkg/tools"
)

// Handler serves one RPC method. c is nil for requests made over HTTP.
type Handler func(ctx context.Context, c *Client, params map[string]any) (any, error)

// RPCRouter maps method names to handlers.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]Handler
	logger  zerolog.Logger
}

func NewRPCRouter(logger zerolog.Logger) *RPCRouter {
	return &RPCRouter{methods: make(map[string]Handler), logger: logger}
}

// Register adds or replaces a method.
func (r *RPCRouter) Register(name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if name == "" {
		return fmt.Errorf("method name cannot be empty")
	}
	r.mu.Lock()
	r.methods[name] = h
	r.mu.Unlock()
	return nil
}

func (r *RPCRouter) Unregister(name string) {
	r.mu.Lock()
	delete(r.methods, name)
	r.mu.Unlock()
}

func (r *RPCRouter) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[name]
	return ok
}

// Methods returns the registered method names, sorted.
func (r *RPCRouter) Methods() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.methods))
	for name := range r.methods {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ParseRequest decodes and validates a request.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "parse error", Data: err.Error()}
	}
	if req.ID == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "invalid request: missing id"}
	}
	if req.Method == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "invalid request: missing method"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// Route runs the handler for req. Handler panics become internal errors.
func (r *RPCRouter) Route(ctx context.Context, c *Client, req *RPCRequest) (resp *RPCResponse) {
	if req == nil {
		return &RPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: InvalidRequest, Message: "invalid request"}}
	}
	resp = &RPCResponse{ID: req.ID, JSONRPC: "2.0"}

	r.mu.RLock()
	h, ok := r.methods[req.Method]
	r.mu.RUnlock()
	if !ok {
		resp.Error = &RPCError{Code: MethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
		return resp
	}

	ctx, span := tracing.StartSpan(ctx, "tether.gateway", "rpc."+req.Method,
		attribute.String("request_id", req.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Str("method", req.Method).Msg("RPC handler panicked")
			resp.Result = nil
			resp.Error = &RPCError{Code: InternalError, Message: "internal error"}
		}
	}()

	result, err := h(ctx, c, req.Params)
	if err != nil {
		tracing.RecordError(span, err)
		resp.Error = toRPCError(err)
		logger.Debug().Err(err).Str("method", req.Method).Msg("RPC request failed")
		return resp
	}
	resp.Result = result
	return resp
}

// toRPCError maps domain errors to RPC codes.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	code := InternalError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		code = SessionNotFound
	case errors.Is(err, session.ErrTurnInProgress), errors.Is(err, session.ErrNotIdle):
		code = SessionBusy
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, tools.ErrToolNotFound),
		errors.Is(err, tools.ErrInvalidArguments),
		errors.Is(err, command.ErrCommand),
		errors.Is(err, session.ErrClosed):
		code = InvalidParams
	}
	return &RPCError{Code: code, Message: err.Error()}
}

func invalidParams(format string, args ...any) error {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

func stringParam(params map[string]any, key string, required bool) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		if required {
			return "", invalidParams("%s is required", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidParams("%s must be a string", key)
	}
	if required && s == "" {
		return "", invalidParams("%s is required", key)
	}
	return s, nil
}

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := v.(float64)
	if !ok || f != float64(int(f)) {
		return 0, invalidParams("%s must be an integer", key)
	}
	return int(f), nil
}
