package runtimecache

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/tether/pkg/model"
	"github.com/harun/tether/pkg/tools"
)

const defaultMaxResults = 256

// Config configures a Manager.
type Config struct {
	Registry *tools.Registry
	Models   model.Factory
	Logger   zerolog.Logger
	// MaxResults bounds each user's result cache. Zero means 256.
	MaxResults int
	// Now is the clock handed to tools and the result cache.
	Now func() time.Time
}

// Manager owns one Entry per user.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg, entries: make(map[string]*Entry)}
}

// EntryFor returns the entry for userID, creating it if needed.
func (m *Manager) EntryFor(userID string) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[userID]; ok {
		return e
	}
	e := &Entry{
		userID:    userID,
		registry:  m.cfg.Registry,
		models:    m.cfg.Models,
		logger:    m.cfg.Logger.With().Str("user_id", userID).Logger(),
		now:       m.cfg.Now,
		instances: make(map[string]tools.Instance),
		handles:   make(map[string]*model.Handle),
		results:   newResultCache(m.cfg.MaxResults, m.cfg.Now),
	}
	m.entries[userID] = e
	return e
}

// Reset resets the entry of userID if it exists. The entry object is kept so
// live sessions holding it continue to work.
func (m *Manager) Reset(userID string) error {
	m.mu.Lock()
	e, ok := m.entries[userID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return e.Reset()
}

// ResetAll resets every entry.
func (m *Manager) ResetAll() error {
	var errs []error
	for _, e := range m.snapshot() {
		errs = append(errs, e.Reset())
	}
	return errors.Join(errs...)
}

// Stats aggregates all entries.
type Stats struct {
	Users         int          `json:"users"`
	ToolInstances int          `json:"tool_instances"`
	ModelHandles  int          `json:"model_handles"`
	CachedResults int          `json:"cached_results"`
	Entries       []EntryStats `json:"entries,omitempty"`
}

// Stats returns totals across users, entries sorted by user id.
func (m *Manager) Stats() Stats {
	entries := m.snapshot()
	s := Stats{Users: len(entries)}
	for _, e := range entries {
		es := e.Stats()
		s.ToolInstances += len(es.Tools)
		s.ModelHandles += len(es.Models)
		s.CachedResults += es.CachedResults
		s.Entries = append(s.Entries, es)
	}
	return s
}

func (m *Manager) snapshot() []*Entry {
	m.mu.Lock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].userID < out[j].userID })
	return out
}
