package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/cancel"
	"github.com/harun/tether/pkg/catalog"
	"github.com/harun/tether/pkg/event"
	"github.com/harun/tether/pkg/model"
	"github.com/harun/tether/pkg/runtimecache"
)

// Runtime is one conversation.
type Runtime struct {
	id        string
	userID    string
	createdAt time.Time
	mgr       *Manager
	entry     *runtimecache.Entry
	logger    zerolog.Logger

	mu           sync.Mutex
	state        State
	agent        *catalog.AgentDefinition
	agentGen     uint64
	equipped     []string
	turns        []Turn
	token        *cancel.Token
	interaction  string
	lastActivity time.Time
}

// ID returns the session id.
func (r *Runtime) ID() string { return r.id }

// SessionID is ID; it satisfies command.Env.
func (r *Runtime) SessionID() string { return r.id }

// UserID returns the owning user.
func (r *Runtime) UserID() string { return r.userID }

// CreatedAt returns when the session was created.
func (r *Runtime) CreatedAt() time.Time { return r.createdAt }

// State returns the current state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Agent returns the agent definition in effect.
func (r *Runtime) Agent() *catalog.AgentDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agent
}

// AgentGeneration returns the catalog generation the agent was resolved at.
func (r *Runtime) AgentGeneration() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentGen
}

// Stale reports whether the catalog has swapped since the agent was
// resolved.
func (r *Runtime) Stale() bool {
	return r.mgr.cfg.Catalog.Generation() != r.AgentGeneration()
}

// Equipped returns the equipped tool names in order.
func (r *Runtime) Equipped() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.equipped...)
}

// History returns a copy of the committed messages.
func (r *Runtime) History() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return flatten(r.turns)
}

// Turns returns a copy of the committed turns.
func (r *Runtime) Turns() []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneTurns(r.turns)
}

// TurnCount returns the number of committed turns.
func (r *Runtime) TurnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

// InteractionID returns the id of the turn in flight, if any.
func (r *Runtime) InteractionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interaction
}

// Snapshot returns a history snapshot event for clients that attach late.
func (r *Runtime) Snapshot() event.Event {
	r.mu.Lock()
	entries := historyEntries(r.turns)
	n := len(r.turns)
	r.mu.Unlock()
	return event.HistorySnapshot(r.id, entries, n)
}

// Entry returns the user's runtime cache entry.
func (r *Runtime) Entry() *runtimecache.Entry { return r.entry }

func (r *Runtime) emit(e event.Event) {
	r.mgr.cfg.Sink.Emit(e)
}

// Notify emits a system message.
func (r *Runtime) Notify(message string) {
	r.emit(event.SystemMessage(r.id, message))
}

// HandleMessage routes text to the command dispatcher or runs a turn. It
// blocks until the command or turn finishes. Command failures and cancelled
// turns are reported as events, not returned.
func (r *Runtime) HandleMessage(ctx context.Context, text string) error {
	ctx = tracing.NewSessionContext(ctx, r.id, r.userID)
	dispatcher := r.mgr.cfg.Dispatcher
	cmd, raw, isCommand := dispatcher.Lookup(text)

	r.mu.Lock()
	switch {
	case r.state == StateClosed:
		r.mu.Unlock()
		return ErrClosed
	case r.state != StateIdle:
		state := r.state
		r.mu.Unlock()
		if isCommand && cmd.AllowDuringTurn {
			_ = dispatcher.Run(ctx, r, cmd, raw)
			return nil
		}
		observability.RecordBusyRejection()
		r.logger.Info().Str("state", string(state)).Msg("Message rejected, turn in progress")
		r.emit(event.SystemMessage(r.id, busyMessage))
		return ErrTurnInProgress
	}
	r.state = StateDispatching
	r.lastActivity = r.mgr.now()

	if isCommand {
		r.state = StateCommandExecuting
		r.mu.Unlock()
		_ = dispatcher.Run(ctx, r, cmd, raw)
		r.setIdle()
		return nil
	}

	tok := cancel.New()
	r.state = StateTurnInProgress
	r.token = tok
	snap := turnSnapshot{
		agent:    r.agent,
		equipped: append([]string(nil), r.equipped...),
		history:  flatten(r.turns),
	}
	r.mu.Unlock()

	return r.runTurn(ctx, tok, snap, text)
}

func (r *Runtime) setIdle() {
	r.mu.Lock()
	if r.state != StateClosed {
		r.state = StateIdle
	}
	r.token = nil
	r.interaction = ""
	r.lastActivity = r.mgr.now()
	r.mu.Unlock()
}

// Cancel requests cancellation of the turn in flight. It returns false when
// there is none or it is already being cancelled.
func (r *Runtime) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateTurnInProgress || r.token == nil {
		return false
	}
	r.state = StateCancelling
	r.token.Cancel("cancelled by user")
	r.logger.Info().Str("interaction_id", r.interaction).Msg("Turn cancellation requested")
	return true
}

// Fork copies the committed history and agent into a new session owned by
// the same user. It may run in any state.
func (r *Runtime) Fork(ctx context.Context) (*Runtime, error) {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	turns := cloneTurns(r.turns)
	agent, gen := r.agent, r.agentGen
	equipped := append([]string(nil), r.equipped...)
	r.mu.Unlock()

	child := r.mgr.newRuntime(r.userID, agent, gen)
	child.turns = turns
	child.equipped = equipped
	r.mgr.add(child)

	ctx = tracing.PropagateToFork(tracing.NewSessionContext(ctx, r.id, r.userID), child.id)
	observability.RecordSessionAudit(ctx, "fork", r.userID, map[string]any{
		"parent_session_id": r.id,
		"turns":             len(turns),
	})
	r.logger.Info().Str("fork_session_id", child.id).Int("turns", len(turns)).Msg("Session forked")

	child.emit(event.HistorySnapshot(child.id, historyEntries(turns), len(turns)))
	return child, nil
}

// ForkSession is Fork returning only the new id; it satisfies command.Env.
func (r *Runtime) ForkSession(ctx context.Context) (string, error) {
	child, err := r.Fork(ctx)
	if err != nil {
		return "", err
	}
	return child.id, nil
}

// quiescentLocked reports whether no turn owns the session. Commands run in
// StateCommandExecuting and may edit the session.
func (r *Runtime) quiescentLocked() error {
	switch r.state {
	case StateIdle, StateCommandExecuting:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotIdle
	}
}

// Rewind drops the last n turns and returns how many remain. Rewinding past
// the start leaves an empty history.
func (r *Runtime) Rewind(n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("rewind count must not be negative, got %d", n)
	}
	r.mu.Lock()
	if err := r.quiescentLocked(); err != nil {
		r.mu.Unlock()
		return 0, err
	}
	if n > len(r.turns) {
		n = len(r.turns)
	}
	r.turns = r.turns[:len(r.turns)-n:len(r.turns)-n]
	remaining := len(r.turns)
	entries := historyEntries(r.turns)
	r.mu.Unlock()

	r.logger.Info().Int("removed", n).Int("remaining", remaining).Msg("Session rewound")
	r.emit(event.HistorySnapshot(r.id, entries, remaining))
	return remaining, nil
}

// ReloadAgent re-resolves the current agent id from the catalog. History is
// kept; the equipped set is reset to the reloaded definition.
func (r *Runtime) ReloadAgent(ctx context.Context) error {
	r.mu.Lock()
	id := ""
	if r.agent != nil {
		id = r.agent.ID
	}
	r.mu.Unlock()
	return r.SwitchAgent(ctx, id)
}

// SwitchAgent makes id the session's agent. On failure the current agent is
// kept.
func (r *Runtime) SwitchAgent(ctx context.Context, id string) error {
	r.mu.Lock()
	if err := r.quiescentLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	def, gen, err := r.mgr.cfg.Catalog.Resolve(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.quiescentLocked(); err != nil {
		return err
	}
	prev := r.agent
	r.agent = def
	r.agentGen = gen
	r.equipped = r.mgr.equippable(def.Tools)
	r.logger.Info().
		Str("agent_id", def.ID).
		Str("previous_agent_id", prev.ID).
		Uint64("generation", gen).
		Msg("Session agent resolved")
	return nil
}

// ReloadAgents invalidates the catalog and re-resolves the current agent.
func (r *Runtime) ReloadAgents(ctx context.Context) (uint64, error) {
	if _, err := r.mgr.cfg.Catalog.Invalidate(ctx); err != nil {
		return 0, err
	}
	if err := r.ReloadAgent(ctx); err != nil {
		return 0, err
	}
	return r.AgentGeneration(), nil
}

// Agents lists the catalog.
func (r *Runtime) Agents() []*catalog.AgentDefinition {
	return r.mgr.cfg.Catalog.List()
}

func (r *Runtime) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != nil {
		r.token.Cancel("session closed")
	}
	r.state = StateClosed
}
