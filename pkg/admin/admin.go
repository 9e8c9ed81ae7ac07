// Package admin is the operator control surface: catalog reloads and
// runtime statistics. The gateway and the CLI expose it.
package admin

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/catalog"
	"github.com/harun/tether/pkg/runtimecache"
	"github.com/harun/tether/pkg/session"
)

type Config struct {
	Catalog  *catalog.Catalog
	Runtimes *runtimecache.Manager
	// Sessions is optional; without it Stats reports zero sessions.
	Sessions *session.Manager
	Logger   zerolog.Logger
}

// Service implements the admin operations.
type Service struct {
	catalog  *catalog.Catalog
	runtimes *runtimecache.Manager
	sessions *session.Manager
	logger   zerolog.Logger
}

// InvalidateResult is returned by Invalidate.
type InvalidateResult struct {
	PreviousGeneration uint64 `json:"previous_generation"`
	Generation         uint64 `json:"generation"`
}

// Stats is the admin view of the runtime. ToolCacheSize counts live tool
// instances across every user's runtime cache entry.
type Stats struct {
	EntryCount    int                  `json:"entry_count"`
	Generation    uint64               `json:"generation"`
	ToolCacheSize int                  `json:"tool_cache_size"`
	Users         int                  `json:"users"`
	ModelHandles  int                  `json:"model_handles"`
	CachedResults int                  `json:"cached_results"`
	Sessions      int                  `json:"sessions"`
	LastError     string               `json:"last_error,omitempty"`
	Diagnostics   []catalog.Diagnostic `json:"diagnostics,omitempty"`
}

func New(cfg Config) (*Service, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.Runtimes == nil {
		return nil, errors.New("runtime cache is required")
	}
	return &Service{
		catalog:  cfg.Catalog,
		runtimes: cfg.Runtimes,
		sessions: cfg.Sessions,
		logger:   cfg.Logger,
	}, nil
}

// Reload re-reads the catalog root. On failure the live index is kept.
func (s *Service) Reload(ctx context.Context) error {
	_, err := s.Invalidate(ctx)
	return err
}

// Invalidate rebuilds the catalog and reports the generation it replaced.
func (s *Service) Invalidate(ctx context.Context) (InvalidateResult, error) {
	ctx, span := tracing.StartSpan(ctx, "tether.admin", "admin.invalidate")
	defer span.End()

	prev, err := s.catalog.Invalidate(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Error().Err(err).Msg("Catalog invalidation failed")
		return InvalidateResult{}, err
	}
	res := InvalidateResult{PreviousGeneration: prev, Generation: s.catalog.Generation()}
	span.SetAttributes(
		attribute.Int64("previous_generation", int64(res.PreviousGeneration)),
		attribute.Int64("generation", int64(res.Generation)),
	)
	return res, nil
}

func (s *Service) Stats() Stats {
	cs := s.catalog.Stats()
	rs := s.runtimes.Stats()
	st := Stats{
		EntryCount:    cs.EntryCount,
		Generation:    cs.Generation,
		ToolCacheSize: rs.ToolInstances,
		Users:         rs.Users,
		ModelHandles:  rs.ModelHandles,
		CachedResults: rs.CachedResults,
		LastError:     cs.LastError,
		Diagnostics:   cs.Diagnostics,
	}
	if s.sessions != nil {
		st.Sessions = s.sessions.Count()
	}
	return st
}

// ResetRuntimes closes the cached tool instances and model handles of
// userID, or of every user when userID is empty. Sessions stay open and
// recreate what they need on their next turn.
func (s *Service) ResetRuntimes(userID string) error {
	var err error
	if userID == "" {
		err = s.runtimes.ResetAll()
	} else {
		err = s.runtimes.Reset(userID)
	}
	s.logger.Info().Str("user_id", userID).Err(err).Msg("Runtime cache reset")
	return err
}
