package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxOutputBytes = 10 * 1024
	truncationMarker      = "\n... [output truncated]"
)

// Call is one requested invocation.
type Call struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// InstanceSource hands out the caller's instance of a tool.
type InstanceSource interface {
	ToolInstance(name string) (Instance, error)
}

// ResultCache stores successful results for tools with a CacheTTL.
type ResultCache interface {
	Get(key string) (Result, bool)
	Put(key string, r Result, ttl time.Duration)
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Registry       *Registry
	Timeout        time.Duration
	MaxOutputBytes int
	Logger         zerolog.Logger
}

// Executor validates, runs and post-processes tool calls.
type Executor struct {
	registry       *Registry
	timeout        time.Duration
	maxOutputBytes int
	logger         zerolog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	return &Executor{
		registry:       cfg.Registry,
		timeout:        cfg.Timeout,
		maxOutputBytes: cfg.MaxOutputBytes,
		logger:         cfg.Logger,
	}
}

// Registry returns the registry calls are resolved against.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs call with the caller's instance. cache may be nil.
func (e *Executor) Execute(ctx context.Context, src InstanceSource, cache ResultCache, call Call) Result {
	ctx, span := tracing.StartSpan(ctx, "tether.tools", "tool.execute",
		attribute.String("tool", call.Name),
		attribute.String("tool_call_id", call.ID),
	)
	defer span.End()
	log := tracing.LoggerFromContext(ctx, e.logger).With().Str("tool", call.Name).Logger()

	fail := func(kind string, err error) Result {
		tracing.RecordError(span, err)
		observability.RecordToolError(call.Name, kind)
		log.Warn().Err(err).Str("kind", kind).Msg("Tool call rejected")
		return Failure(err.Error())
	}

	desc, ok := e.registry.Describe(call.Name)
	if !ok {
		return fail("not_found", fmt.Errorf("%w: %s", ErrToolNotFound, call.Name))
	}
	if err := e.registry.Validate(call.Name, call.Arguments); err != nil {
		return fail("invalid_arguments", err)
	}

	var cacheKey string
	if cache != nil && desc.CacheTTL > 0 {
		cacheKey = resultKey(call.Name, call.Arguments)
		if cached, hit := cache.Get(cacheKey); hit {
			observability.RecordToolCacheLookup(true)
			span.SetAttributes(attribute.Bool("cached", true))
			log.Debug().Msg("Tool result served from cache")
			cached.Cached = true
			return cached
		}
		observability.RecordToolCacheLookup(false)
	}

	inst, err := src.ToolInstance(call.Name)
	if err != nil {
		return fail("instance", err)
	}

	timeout := e.timeout
	if desc.Timeout > 0 {
		timeout = desc.Timeout
	}

	start := time.Now()
	res, err := e.invoke(ctx, inst, call, timeout)
	duration := time.Since(start)

	if err != nil {
		observability.RecordToolExecution(call.Name, duration, false)
		kind := "invocation"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			kind = "timeout"
		case errors.Is(err, context.Canceled):
			kind = "cancelled"
		}
		observability.RecordToolError(call.Name, kind)
		tracing.RecordError(span, err)
		log.Error().Err(err).Dur("duration", duration).Msg("Tool execution failed")
		return Failure(err.Error())
	}

	res.Content, res.Truncated = truncate(res.Content, e.maxOutputBytes)
	if res.Truncated {
		log.Warn().Int("limit", e.maxOutputBytes).Msg("Tool output truncated")
	}
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["duration_ms"] = duration.Milliseconds()

	observability.RecordToolExecution(call.Name, duration, !res.IsError)
	if cacheKey != "" && !res.IsError {
		cache.Put(cacheKey, res, desc.CacheTTL)
	}

	log.Debug().
		Dur("duration", duration).
		Bool("is_error", res.IsError).
		Bool("truncated", res.Truncated).
		Msg("Tool execution completed")
	return res
}

type outcome struct {
	res Result
	err error
}

// invoke runs the instance in its own goroutine so a stuck tool cannot hold
// the turn past its timeout or a cancellation.
func (e *Executor) invoke(ctx context.Context, inst Instance, call Call, timeout time.Duration) (Result, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &InvocationError{Tool: call.Name, Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		args := call.Arguments
		if args == nil {
			args = map[string]any{}
		}
		res, err := inst.Invoke(timeoutCtx, args)
		if err != nil {
			err = &InvocationError{Tool: call.Name, Err: err}
		}
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return Result{}, &InvocationError{Tool: call.Name, Err: fmt.Errorf("cancelled: %w", ctx.Err())}
		}
		return Result{}, &InvocationError{
			Tool: call.Name,
			Err:  fmt.Errorf("timed out after %v: %w", timeout, context.DeadlineExceeded),
		}
	}
}

// resultKey is stable for equal arguments since encoding/json sorts map keys.
func resultKey(name string, args map[string]any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return name + ":" + fmt.Sprint(args)
	}
	return name + ":" + string(raw)
}

func truncate(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + truncationMarker, true
}
