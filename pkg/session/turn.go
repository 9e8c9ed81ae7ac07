package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/cancel"
	"github.com/harun/tether/pkg/catalog"
	"github.com/harun/tether/pkg/event"
	"github.com/harun/tether/pkg/model"
	"github.com/harun/tether/pkg/prompt"
	"github.com/harun/tether/pkg/tools"
)

// Turn outcomes, used for metrics.
const (
	outcomeCompleted = "completed"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
)

type turnSnapshot struct {
	agent    *catalog.AgentDefinition
	equipped []string
	history  []model.Message
}

// turnFailure is an error the user should see verbatim.
type turnFailure struct {
	message string
	err     error
}

func (f *turnFailure) Error() string { return f.message + ": " + f.err.Error() }
func (f *turnFailure) Unwrap() error { return f.err }

func (r *Runtime) runTurn(ctx context.Context, tok *cancel.Token, snap turnSnapshot, text string) error {
	in := &Interaction{
		ID:        uuid.NewString(),
		Agent:     snap.agent.ID,
		Model:     snap.agent.Model,
		Messages:  append(snap.history, model.Message{Role: model.RoleUser, Content: text}),
		Base:      len(snap.history),
		Tools:     snap.equipped,
		StartedAt: r.mgr.now(),
	}
	r.mu.Lock()
	r.interaction = in.ID
	r.mu.Unlock()

	ctx = tracing.NewTurnContext(ctx, in.ID, in.Agent)
	ctx, span := tracing.StartSpan(ctx, "tether.session", "session.turn",
		attribute.String("agent_id", in.Agent),
		attribute.String("model", in.Model),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	turnCtx, stop := tok.Bind(ctx)
	defer stop()

	observability.TurnStarted()
	logger.Debug().Int("history", in.Base).Msg("Turn started")

	final, usage, err := r.converse(turnCtx, tok, snap.agent, in)
	duration := time.Since(in.StartedAt)

	if err == nil {
		if r.commit(in, tok) {
			observability.RecordTurn(in.Agent, outcomeCompleted, duration, in.Rounds)
			logger.Info().Int("rounds", in.Rounds).Dur("duration", duration).Msg("Turn completed")
			r.emit(event.Completion(r.id, in.ID, final, usage))
			return nil
		}
		err = cancel.ErrCancelled
	}
	if tok.Cancelled() || errors.Is(err, cancel.ErrCancelled) || errors.Is(err, context.Canceled) {
		r.setIdle()
		observability.RecordTurn(in.Agent, outcomeCancelled, duration, in.Rounds)
		logger.Info().Int("rounds", in.Rounds).Str("reason", tok.Reason()).Msg("Turn cancelled, discarded")
		r.emit(event.Error(r.id, in.ID, event.CodeCancelled, "turn cancelled"))
		return nil
	}
	r.setIdle()
	tracing.RecordError(span, err)
	observability.RecordTurn(in.Agent, outcomeFailed, duration, in.Rounds)
	logger.Error().Err(err).Int("rounds", in.Rounds).Msg("Turn failed")
	r.emit(event.Error(r.id, in.ID, event.CodeTurnFailed, userMessage(err)))
	return err
}

// commit appends the turn and returns the session to idle under r.mu. A
// Cancel that got there first wins and the turn is dropped. It reports
// whether the turn was kept.
func (r *Runtime) commit(in *Interaction, tok *cancel.Token) bool {
	msgs := make([]model.Message, 0, len(in.pending()))
	for _, m := range in.pending() {
		msgs = append(msgs, cloneMessage(m))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tok.Cancelled() {
		return false
	}
	now := r.mgr.now()
	r.turns = append(r.turns, Turn{
		ID:          in.ID,
		AgentID:     in.Agent,
		Messages:    msgs,
		CompletedAt: now,
	})
	if r.state != StateClosed {
		r.state = StateIdle
	}
	r.token = nil
	r.interaction = ""
	r.lastActivity = now
	return true
}

// converse runs model rounds until the model stops asking for tools. It
// returns the final assistant text.
func (r *Runtime) converse(ctx context.Context, tok *cancel.Token, agent *catalog.AgentDefinition, in *Interaction) (string, *event.Usage, error) {
	system, err := r.assemble(ctx, agent, in)
	if err != nil {
		return "", nil, &turnFailure{message: "could not build the prompt", err: err}
	}

	handle, err := r.entry.RuntimeFor(agent)
	if err != nil {
		return "", nil, &turnFailure{message: fmt.Sprintf("model %s is unavailable", agent.Model), err: err}
	}

	req := model.Request{
		System: system,
		Tools:  r.mgr.cfg.Registry.Specs(in.Tools),
	}
	if t, ok := model.ParamFloat(agent.Params, "temperature"); ok {
		req.Temperature = t
	}
	if n, ok := model.ParamInt(agent.Params, "max_tokens"); ok {
		req.MaxTokens = n
	}

	var usage event.Usage
	var sawUsage bool
	maxRounds := r.mgr.cfg.MaxToolRounds

	for {
		if err := cancel.Check(ctx, tok); err != nil {
			return "", nil, err
		}
		in.Rounds++

		req.Messages = in.Messages
		res, err := r.stream(ctx, tok, handle, req, in)
		if err != nil {
			return "", nil, err
		}
		if res.Usage != nil {
			sawUsage = true
			usage.InputTokens += res.Usage.InputTokens
			usage.OutputTokens += res.Usage.OutputTokens
		}

		in.append(model.Message{Role: model.RoleAssistant, Content: res.Text, ToolCalls: res.ToolCalls})
		if len(res.ToolCalls) == 0 {
			return res.Text, usagePtr(sawUsage, usage), nil
		}

		for _, call := range res.ToolCalls {
			if err := cancel.Check(ctx, tok); err != nil {
				return "", nil, err
			}
			r.emit(event.ToolCallBegin(r.id, in.ID, call.ID, call.Name, call.Arguments))
			out := r.executeCall(ctx, in.Tools, tools.Call{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
			for _, m := range out.Media {
				r.emit(event.RenderMedia(r.id, in.ID, m))
			}
			r.emit(event.ToolCallEnd(r.id, in.ID, call.ID, call.Name, out.Content, out.IsError))
			in.append(model.Message{
				Role:       model.RoleTool,
				Content:    out.Content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				IsError:    out.IsError,
			})
		}

		if in.Rounds >= maxRounds {
			r.emit(event.SystemMessage(r.id, fmt.Sprintf("stopped after %d tool rounds", maxRounds)))
			return res.Text, usagePtr(sawUsage, usage), nil
		}
	}
}

// stream reads one model response, relaying text and media as they arrive.
// The token is checked between chunks.
func (r *Runtime) stream(ctx context.Context, tok *cancel.Token, handle *model.Handle, req model.Request, in *Interaction) (model.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "tether.session", "model.stream",
		attribute.String("provider", handle.Provider),
		attribute.Int("round", in.Rounds),
	)
	defer span.End()

	s, err := handle.Stream(ctx, req)
	if err != nil {
		if cerr := cancel.Check(ctx, tok); cerr != nil {
			return model.Result{}, cerr
		}
		observability.RecordModelStream(handle.Provider, false)
		tracing.RecordError(span, err)
		return model.Result{}, &turnFailure{message: "the model request failed", err: err}
	}
	defer s.Close()

	var (
		res  model.Result
		text strings.Builder
	)
	for {
		if err := cancel.Check(ctx, tok); err != nil {
			return model.Result{}, err
		}
		c, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if cerr := cancel.Check(ctx, tok); cerr != nil {
				return model.Result{}, cerr
			}
			observability.RecordModelStream(handle.Provider, false)
			tracing.RecordError(span, err)
			return model.Result{}, &turnFailure{message: "the model stream failed", err: err}
		}

		switch c.Type {
		case model.ChunkText:
			if c.Text == "" {
				continue
			}
			text.WriteString(c.Text)
			r.emit(event.TextDelta(r.id, in.ID, c.Text))
		case model.ChunkToolCall:
			if c.ToolCall != nil {
				res.ToolCalls = append(res.ToolCalls, *c.ToolCall)
			}
		case model.ChunkMedia:
			if c.Media != nil {
				res.Media = append(res.Media, *c.Media)
				r.emit(event.RenderMedia(r.id, in.ID, *c.Media))
			}
		case model.ChunkDone:
			res.StopReason = c.StopReason
			res.Usage = c.Usage
		}
	}

	observability.RecordModelStream(handle.Provider, true)
	res.Text = text.String()
	return res, nil
}

// assemble renders the system prompt for in.
func (r *Runtime) assemble(ctx context.Context, agent *catalog.AgentDefinition, in *Interaction) (string, error) {
	base := r.mgr.cfg.Sections(in.Tools)

	var toolSections []prompt.Section
	for _, name := range in.Tools {
		inst, ok := r.entry.Existing(name)
		if !ok {
			continue
		}
		if sp, ok := inst.(tools.SectionProvider); ok {
			toolSections = append(toolSections, sp.PromptSections(ctx)...)
		}
	}
	for _, s := range base {
		in.Sections = append(in.Sections, s.Name)
	}
	for _, s := range toolSections {
		in.Sections = append(in.Sections, s.Name)
	}

	data := prompt.Data{
		prompt.KeyPersona:   agent.Persona,
		prompt.KeyAgentID:   agent.ID,
		prompt.KeyAgentName: agent.DisplayName(),
		prompt.KeyUserID:    r.userID,
		prompt.KeySessionID: r.id,
		prompt.KeyModel:     agent.Model,
	}
	return r.mgr.cfg.Pipeline.Assemble(ctx, base, toolSections, data)
}

func usagePtr(ok bool, u event.Usage) *event.Usage {
	if !ok {
		return nil
	}
	return &u
}

// userMessage keeps internal error chains out of client-visible text.
func userMessage(err error) string {
	var f *turnFailure
	if errors.As(err, &f) {
		return f.message
	}
	return "the turn failed"
}
