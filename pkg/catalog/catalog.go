package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
)

// Reload triggers, used for metrics and audit.
const (
	TriggerStartup  = "startup"
	TriggerManual   = "manual"
	TriggerWatch    = "watch"
	TriggerSchedule = "schedule"
)

// SwapListener observes index swaps.
type SwapListener func(prev, next uint64)

// Config configures a Catalog.
type Config struct {
	Root   string
	Logger zerolog.Logger
}

// Catalog serves agent definitions from the most recently loaded index.
type Catalog struct {
	root   string
	logger zerolog.Logger

	current atomic.Pointer[Index]

	// mu orders swaps and guards the fields below. Loads run outside it.
	mu        sync.Mutex
	nextGen   uint64
	lastErr   error
	listeners map[int]SwapListener
	nextLID   int
}

// New loads root and returns a catalog serving it at generation 1.
func New(ctx context.Context, cfg Config) (*Catalog, error) {
	c := &Catalog{
		root:      cfg.Root,
		logger:    cfg.Logger,
		listeners: map[int]SwapListener{},
	}
	if _, err := c.invalidate(ctx, TriggerStartup); err != nil {
		return nil, err
	}
	return c, nil
}

// Root returns the directory the catalog loads from.
func (c *Catalog) Root() string { return c.root }

// Snapshot returns the live index. It is never nil after New succeeds.
func (c *Catalog) Snapshot() *Index { return c.current.Load() }

// Generation returns the live index generation.
func (c *Catalog) Generation() uint64 { return c.Snapshot().Generation }

// Get returns the definition with id from the live index.
func (c *Catalog) Get(id string) (*AgentDefinition, error) {
	if def, ok := c.Snapshot().Lookup(id); ok {
		return def, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Resolve returns the definition with id and the generation it was read
// from, both taken from the same snapshot.
func (c *Catalog) Resolve(id string) (*AgentDefinition, uint64, error) {
	idx := c.Snapshot()
	if def, ok := idx.Lookup(id); ok {
		return def, idx.Generation, nil
	}
	return nil, idx.Generation, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns every definition sorted by id.
func (c *Catalog) List() []*AgentDefinition {
	return c.Snapshot().Definitions()
}

// Invalidate reloads the tree and swaps in the new index. It returns the
// generation that was replaced. On failure the live index is kept.
func (c *Catalog) Invalidate(ctx context.Context) (uint64, error) {
	return c.invalidate(ctx, TriggerManual)
}

// Reload is Invalidate without the previous generation.
func (c *Catalog) Reload(ctx context.Context) error {
	_, err := c.invalidate(ctx, TriggerManual)
	return err
}

func (c *Catalog) invalidate(ctx context.Context, trigger string) (uint64, error) {
	ctx, span := tracing.StartSpan(ctx, "tether.catalog", "catalog.invalidate", attribute.String("trigger", trigger))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	start := time.Now()
	idx, err := Load(ctx, c.root)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()

		tracing.RecordError(span, err)
		observability.RecordCatalogLoad(trigger, time.Since(start), false, 0, 0, 0)
		observability.RecordCatalogAudit(ctx, "invalidate", trigger, err, nil)
		logger.Error().Err(err).Str("trigger", trigger).Msg("Catalog reload failed, keeping previous index")
		return 0, err
	}

	c.mu.Lock()
	var prev uint64
	if old := c.current.Load(); old != nil {
		prev = old.Generation
	}
	c.nextGen++
	idx.Generation = c.nextGen
	c.current.Store(idx)
	c.lastErr = nil
	listeners := make([]SwapListener, 0, len(c.listeners))
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		listeners = append(listeners, c.listeners[id])
	}
	c.mu.Unlock()

	span.SetAttributes(attribute.Int64("generation", int64(idx.Generation)))
	observability.RecordCatalogLoad(trigger, idx.LoadDuration, true, idx.Generation, idx.Len(), len(idx.Diagnostics))
	observability.RecordCatalogAudit(ctx, "invalidate", trigger, nil, map[string]any{
		"previous_generation": prev,
		"generation":          idx.Generation,
		"entries":             idx.Len(),
	})

	for _, d := range idx.Diagnostics {
		logger.Warn().Str("path", d.Path).Str("reason", d.Message).Msg("Skipped agent definition")
	}
	logger.Info().
		Str("trigger", trigger).
		Uint64("previous_generation", prev).
		Uint64("generation", idx.Generation).
		Int("entries", idx.Len()).
		Dur("duration", idx.LoadDuration).
		Msg("Catalog index swapped")

	for _, l := range listeners {
		l(prev, idx.Generation)
	}
	return prev, nil
}

// Subscribe registers fn to run after every swap, on the goroutine that
// performed it. fn must not block.
func (c *Catalog) Subscribe(fn SwapListener) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextLID
	c.nextLID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Stats summarises the live index and the last reload attempt.
func (c *Catalog) Stats() Stats {
	idx := c.Snapshot()
	c.mu.Lock()
	lastErr := c.lastErr
	c.mu.Unlock()

	s := Stats{
		EntryCount:       idx.Len(),
		Generation:       idx.Generation,
		LastLoadDuration: idx.LoadDuration,
		LastLoadedAt:     idx.LoadedAt,
		Diagnostics:      append([]Diagnostic(nil), idx.Diagnostics...),
	}
	if lastErr != nil {
		s.LastError = lastErr.Error()
	}
	return s
}
