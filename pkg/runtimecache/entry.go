package runtimecache

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/pkg/catalog"
	"github.com/harun/tether/pkg/model"
	"github.com/harun/tether/pkg/tools"
)

// Entry holds one user's runtime resources. It is safe for concurrent use by
// that user's sessions.
type Entry struct {
	userID   string
	registry *tools.Registry
	models   model.Factory
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	instances map[string]tools.Instance
	handles   map[string]*model.Handle
	results   *ResultCache
}

// UserID returns the owning user.
func (e *Entry) UserID() string { return e.userID }

// ToolInstance returns the user's instance of name, creating it on first use.
func (e *Entry) ToolInstance(name string) (tools.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if inst, ok := e.instances[name]; ok {
		return inst, nil
	}
	inst, err := e.registry.Create(name, tools.Options{
		UserID: e.userID,
		Logger: e.logger.With().Str("tool", name).Logger(),
		Now:    e.now,
	})
	if err != nil {
		return nil, err
	}
	e.instances[name] = inst
	e.logger.Debug().Str("tool", name).Msg("Tool instance created")
	return inst, nil
}

// Existing returns the instance of name only if one was already created.
func (e *Entry) Existing(name string) (tools.Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[name]
	return inst, ok
}

// RuntimeFor returns the model handle for def.Model. Agents naming the same
// model share one handle.
func (e *Entry) RuntimeFor(def *catalog.AgentDefinition) (*model.Handle, error) {
	if def == nil {
		return nil, errors.New("agent definition is required")
	}
	return e.Handle(def.Model)
}

// Handle returns the handle for modelID, creating it on first use.
func (e *Entry) Handle(modelID string) (*model.Handle, error) {
	if modelID == "" {
		return nil, errors.New("model id is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if h, ok := e.handles[modelID]; ok {
		return h, nil
	}
	if e.models == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrNoProvider, modelID)
	}
	h, err := e.models.New(modelID)
	if err != nil {
		return nil, err
	}
	e.handles[modelID] = h
	observability.AddModelHandles(1)
	e.logger.Debug().Str("model", modelID).Str("provider", h.Provider).Msg("Model handle created")
	return h, nil
}

// Results returns the user's tool result cache.
func (e *Entry) Results() *ResultCache { return e.results }

// Reset closes every instance that implements io.Closer and drops all
// instances, handles and cached results.
func (e *Entry) Reset() error {
	e.mu.Lock()
	instances := e.instances
	handles := len(e.handles)
	e.instances = make(map[string]tools.Instance)
	e.handles = make(map[string]*model.Handle)
	e.mu.Unlock()

	e.results.Clear()
	if handles > 0 {
		observability.AddModelHandles(-handles)
	}

	names := make([]string, 0, len(instances))
	for name := range instances {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		c, ok := instances[name].(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			e.logger.Warn().Err(err).Str("tool", name).Msg("Failed to close tool instance")
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// EntryStats describes one entry.
type EntryStats struct {
	UserID        string   `json:"user_id"`
	Tools         []string `json:"tools"`
	Models        []string `json:"models"`
	CachedResults int      `json:"cached_results"`
}

// Stats returns a snapshot of the entry.
func (e *Entry) Stats() EntryStats {
	e.mu.Lock()
	s := EntryStats{UserID: e.userID}
	for name := range e.instances {
		s.Tools = append(s.Tools, name)
	}
	for id := range e.handles {
		s.Models = append(s.Models, id)
	}
	e.mu.Unlock()

	sort.Strings(s.Tools)
	sort.Strings(s.Models)
	s.CachedResults = e.results.Len()
	return s
}
