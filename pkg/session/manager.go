package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/catalog"
	"github.com/harun/tether/pkg/command"
	"github.com/harun/tether/pkg/event"
	"github.com/harun/tether/pkg/prompt"
	"github.com/harun/tether/pkg/runtimecache"
	"github.com/harun/tether/pkg/tools"
)

const defaultMaxToolRounds = 10

var _ command.Env = (*Runtime)(nil)

// Config wires the shared dependencies injected into every session.
type Config struct {
	Catalog  *catalog.Catalog
	Registry *tools.Registry
	Runtimes *runtimecache.Manager
	// Optional; defaults are built from Registry and Logger.
	Executor   *tools.Executor
	Pipeline   *prompt.Pipeline
	Dispatcher *command.Dispatcher
	// Sections returns the base prompt sections for a turn. Defaults to
	// prompt.DefaultSections.
	Sections func(equipped []string) []prompt.Section
	Sink     event.Sink
	Logger   zerolog.Logger

	MaxToolRounds int
	DefaultAgent  string
	Now           func() time.Time
}

// Manager creates and tracks sessions.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Runtime
}

// NewManager validates cfg and fills defaults.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("tool registry is required")
	}
	if cfg.Runtimes == nil {
		return nil, errors.New("runtime cache is required")
	}
	if cfg.Executor == nil {
		cfg.Executor = tools.NewExecutor(tools.ExecutorConfig{Registry: cfg.Registry, Logger: cfg.Logger})
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = prompt.NewPipeline(prompt.PipelineConfig{Logger: cfg.Logger})
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = command.NewDefault(cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sections == nil {
		now := cfg.Now
		cfg.Sections = func(equipped []string) []prompt.Section {
			return prompt.DefaultSections(equipped, now)
		}
	}
	if cfg.Sink == nil {
		cfg.Sink = event.Discard
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}

	observability.EnsureRegistered()
	return &Manager{cfg: cfg, sessions: make(map[string]*Runtime)}, nil
}

func (m *Manager) now() time.Time { return m.cfg.Now() }

// Catalog returns the shared catalog.
func (m *Manager) Catalog() *catalog.Catalog { return m.cfg.Catalog }

// Registry returns the shared tool registry.
func (m *Manager) Registry() *tools.Registry { return m.cfg.Registry }

// Runtimes returns the runtime cache manager.
func (m *Manager) Runtimes() *runtimecache.Manager { return m.cfg.Runtimes }

// Dispatcher returns the command dispatcher.
func (m *Manager) Dispatcher() *command.Dispatcher { return m.cfg.Dispatcher }

// Create starts a session for userID with agentID, or the default agent when
// agentID is empty.
func (m *Manager) Create(ctx context.Context, userID, agentID string) (*Runtime, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if agentID == "" {
		agentID = m.cfg.DefaultAgent
	}
	def, gen, err := m.cfg.Catalog.Resolve(agentID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	r := m.newRuntime(userID, def, gen)
	r.equipped = m.equippable(def.Tools)
	m.add(r)

	ctx = tracing.NewSessionContext(ctx, r.id, userID)
	observability.RecordSessionAudit(ctx, "create", userID, map[string]any{"agent_id": def.ID})
	r.logger.Info().Str("agent_id", def.ID).Msg("Session created")
	return r, nil
}

func (m *Manager) newRuntime(userID string, def *catalog.AgentDefinition, gen uint64) *Runtime {
	id := uuid.NewString()
	now := m.now()
	return &Runtime{
		id:           id,
		userID:       userID,
		createdAt:    now,
		mgr:          m,
		entry:        m.cfg.Runtimes.EntryFor(userID),
		logger:       m.cfg.Logger.With().Str("session_id", id).Str("user_id", userID).Logger(),
		state:        StateIdle,
		agent:        def,
		agentGen:     gen,
		lastActivity: now,
	}
}

func (m *Manager) add(r *Runtime) {
	m.mu.Lock()
	m.sessions[r.id] = r
	n := len(m.sessions)
	m.mu.Unlock()
	observability.SetActiveSessions(n)
}

// equippable filters names to registered tools, logging the rest.
func (m *Manager) equippable(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !m.cfg.Registry.Has(n) {
			m.cfg.Logger.Warn().Str("tool", n).Msg("Agent references unregistered tool, skipping")
			continue
		}
		out = append(out, n)
	}
	return out
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Runtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.sessions[id]
	return r, ok
}

// Close cancels any turn in flight and forgets the session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	r, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	r.close()
	observability.SetActiveSessions(n)
	observability.RecordSessionAudit(tracing.NewSessionContext(context.Background(), id, r.userID), "close", r.userID, nil)
	r.logger.Info().Msg("Session closed")
	return nil
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	for _, info := range m.List() {
		_ = m.Close(info.ID)
	}
}

// Info summarises a session.
type Info struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	AgentID      string    `json:"agent_id"`
	State        State     `json:"state"`
	Turns        int       `json:"turns"`
	Stale        bool      `json:"stale"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Info returns a snapshot of r.
func (r *Runtime) Info() Info {
	gen := r.mgr.cfg.Catalog.Generation()
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		ID:           r.id,
		UserID:       r.userID,
		AgentID:      r.agent.ID,
		State:        r.state,
		Turns:        len(r.turns),
		Stale:        gen != r.agentGen,
		CreatedAt:    r.createdAt,
		LastActivity: r.lastActivity,
	}
}

// List returns every session ordered by creation time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	runtimes := make([]*Runtime, 0, len(m.sessions))
	for _, r := range m.sessions {
		runtimes = append(runtimes, r)
	}
	m.mu.RUnlock()

	out := make([]Info, len(runtimes))
	for i, r := range runtimes {
		out[i] = r.Info()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
