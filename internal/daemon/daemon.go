package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/tether/internal/config"
	"github.com/harun/tether/internal/logger"
	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/admin"
	"github.com/harun/tether/pkg/catalog"
	"github.com/harun/tether/pkg/event"
	"github.com/harun/tether/pkg/gateway"
	"github.com/harun/tether/pkg/model"
	"github.com/harun/tether/pkg/runtimecache"
	"github.com/harun/tether/pkg/session"
	"github.com/harun/tether/pkg/tools"
	"github.com/harun/tether/pkg/tools/builtin"
)

const stopTimeout = 10 * time.Second

// Daemon owns the long-running tether service: catalog, per-user runtimes,
// sessions and the gateway, plus the background reload and reap loops.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	catalog  *catalog.Catalog
	registry *tools.Registry
	models   *model.Router
	runtimes *runtimecache.Manager
	hub      *event.Hub
	sessions *session.Manager
	admin    *admin.Service
	gateway  *gateway.Server

	watcher   *catalog.Watcher
	refresher *catalog.Refresher
	reaper    *session.Reaper
	lifecycle *LifecycleManager

	unsubscribeSwaps func()

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Option adjusts how New builds the daemon.
type Option func(*options)

type options struct {
	builders map[string]model.Builder
	sinks    []event.Sink
}

// WithEventSink receives every session event alongside the gateway hub.
// Emit runs on the turn's goroutine.
func WithEventSink(s event.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithModelBuilder registers or overrides a model provider constructor.
func WithModelBuilder(provider string, b model.Builder) Option {
	return func(o *options) {
		if o.builders == nil {
			o.builders = map[string]model.Builder{}
		}
		o.builders[provider] = b
	}
}

// New builds every component from cfg. Nothing listens until Start.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	observability.EnsureRegistered()
	d := &Daemon{config: cfg, logger: log}
	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(o); err != nil {
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initializeCoreModules(o options) error {
	if err := os.MkdirAll(d.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := d.config.Logging.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(d.config.DataDir, "audit.log")
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, audit events are discarded")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	cat, err := catalog.New(context.Background(), catalog.Config{
		Root:   d.config.Catalog.Root,
		Logger: d.logger.Component("catalog"),
	})
	if err != nil {
		return fmt.Errorf("failed to load agent catalog: %w", err)
	}
	d.catalog = cat
	stats := cat.Stats()
	d.logger.Info().
		Str("root", cat.Root()).
		Int("entries", stats.EntryCount).
		Int("diagnostics", len(stats.Diagnostics)).
		Msg("Agent catalog loaded")

	d.registry = tools.NewRegistry(d.logger.Component("tools"))
	if err := builtin.Register(d.registry, builtin.Config{
		Forecast: builtin.ForecastConfig{
			BaseURL:    d.config.Tools.ForecastURL,
			GeocodeURL: d.config.Tools.GeocodeURL,
			CacheTTL:   d.config.Tools.ResultCacheTTL(),
		},
	}); err != nil {
		return err
	}
	d.logger.Info().Strs("tools", d.registry.Names()).Msg("Tool registry initialized")

	models, err := model.NewRouter(model.RouterConfig{
		Profiles: modelProfiles(d.config.Models.Profiles),
		Aliases:  d.config.Models.Aliases,
		Default:  d.config.Models.Default,
		Builders: o.builders,
		Logger:   d.logger.Component("model"),
	})
	if err != nil {
		return fmt.Errorf("failed to create model router: %w", err)
	}
	d.models = models
	d.logger.Info().Strs("profiles", models.Providers()).Msg("Model router initialized")

	d.runtimes = runtimecache.NewManager(runtimecache.Config{
		Registry: d.registry,
		Models:   models,
		Logger:   d.logger.Component("runtimecache"),
	})

	d.hub = event.NewHub()
	var sink event.Sink = d.hub
	if len(o.sinks) > 0 {
		sink = event.Multi(append([]event.Sink{d.hub}, o.sinks...)...)
	}
	sessions, err := session.NewManager(session.Config{
		Catalog:  cat,
		Registry: d.registry,
		Runtimes: d.runtimes,
		Executor: tools.NewExecutor(tools.ExecutorConfig{
			Registry:       d.registry,
			Timeout:        d.config.Tools.Timeout(),
			MaxOutputBytes: d.config.Tools.MaxOutputBytes,
			Logger:         d.logger.Component("executor"),
		}),
		Sink:          sink,
		Logger:        d.logger.Component("session"),
		MaxToolRounds: d.config.Session.MaxToolRounds,
		DefaultAgent:  d.config.Session.DefaultAgent,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	d.sessions = sessions
	d.unsubscribeSwaps = cat.Subscribe(d.announceSwap)
	d.logger.Info().Msg("Session manager initialized")

	svc, err := admin.New(admin.Config{
		Catalog:  cat,
		Runtimes: d.runtimes,
		Sessions: sessions,
		Logger:   d.logger.Component("admin"),
	})
	if err != nil {
		return fmt.Errorf("failed to create admin service: %w", err)
	}
	d.admin = svc
	return nil
}

func (d *Daemon) initializeServices() error {
	gw, err := gateway.NewServer(gateway.Config{
		Host:              d.config.Gateway.Host,
		Port:              d.config.Gateway.Port,
		SharedSecret:      d.config.Gateway.SharedSecret,
		RequestsPerMinute: d.config.Gateway.RequestsPerMinute,
		Sessions:          d.sessions,
		Admin:             d.admin,
		Hub:               d.hub,
		Logger:            d.logger.Component("gateway"),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gateway = gw

	if d.config.Catalog.Watch {
		w, err := catalog.NewWatcher(catalog.WatcherConfig{
			Catalog:   d.catalog,
			Stability: d.config.Catalog.Stability(),
			Logger:    d.logger.Component("watcher"),
		})
		if err != nil {
			return fmt.Errorf("failed to create catalog watcher: %w", err)
		}
		d.watcher = w
	}

	if d.config.Catalog.RefreshSchedule != "" {
		r, err := catalog.NewRefresher(catalog.RefresherConfig{
			Catalog:  d.catalog,
			Schedule: d.config.Catalog.RefreshSchedule,
			Logger:   d.logger.Component("refresher"),
		})
		if err != nil {
			return fmt.Errorf("failed to create catalog refresher: %w", err)
		}
		d.refresher = r
	}

	if idle := d.config.Session.IdleTimeout(); idle > 0 {
		d.reaper = session.NewReaper(d.sessions, idle, 0, d.logger.Component("reaper"))
	}
	return nil
}

// announceSwap tells live sessions pinned to an older generation that their
// definitions changed. They keep running on the old definition until !load_agents.
func (d *Daemon) announceSwap(_, next uint64) {
	for _, info := range d.sessions.List() {
		if !info.Stale {
			continue
		}
		d.hub.Emit(event.SystemMessage(info.ID,
			fmt.Sprintf("agent definitions changed (generation %d), send !load_agents to pick them up", next)))
	}
}

func modelProfiles(in []config.ModelProfile) []model.Profile {
	out := make([]model.Profile, 0, len(in))
	for _, p := range in {
		out = append(out, model.Profile{
			ID:        p.ID,
			Provider:  p.Provider,
			APIKey:    p.APIKey,
			BaseURL:   p.BaseURL,
			Prefixes:  p.Prefixes,
			MaxTokens: p.MaxTokens,
		})
	}
	return out
}

// Start writes the PID file, opens the gateway and starts the background
// loops.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.traceLogger()
	logger.Info().Msg("Starting tether daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gateway.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gateway.Addr()).Msg("Gateway server started")

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start catalog watcher, reloads need !load_agents or the admin API")
			d.watcher = nil
		} else {
			logger.Info().Msg("Catalog watcher started")
		}
	}
	if d.refresher != nil {
		d.refresher.Start()
	}
	if d.reaper != nil {
		if err := d.reaper.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start session reaper")
		}
	}

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop shuts everything down in reverse order. In-flight turns are cancelled
// by the gateway before sessions are closed.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.traceLogger()
	logger.Info().Msg("Stopping tether daemon")

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if d.reaper != nil {
		if err := d.reaper.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session reaper")
		}
	}
	if d.refresher != nil {
		if err := d.refresher.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop catalog refresher")
		}
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop catalog watcher")
		}
	}
	if err := d.gateway.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}
	d.release(logger)

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Close releases a daemon that was built but never started, such as the one
// behind `tether chat`. A running daemon is stopped instead.
func (d *Daemon) Close() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return d.Stop()
	}
	d.release(d.logger.GetZerolog())
	return nil
}

func (d *Daemon) release(logger zerolog.Logger) {
	d.sessions.CloseAll()
	if err := d.runtimes.ResetAll(); err != nil {
		logger.Warn().Err(err).Msg("Some tool instances failed to close")
	}
	if d.unsubscribeSwaps != nil {
		d.unsubscribeSwaps()
	}

	d.shutdownTracing()
	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}
	observability.SetAuditLogger(observability.NewAuditLogger(zerolog.Nop()))
}

func (d *Daemon) traceLogger() zerolog.Logger {
	return d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Status is a point-in-time view of the daemon.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Sessions  int
	Agents    int
}

// Status returns the daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: d.sessions.Count(),
		Agents:   d.catalog.Stats().EntryCount,
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, or until ctx is done, then stops the
// daemon.
func (d *Daemon) Wait(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-ctx.Done():
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Addr returns the gateway's bound address.
func (d *Daemon) Addr() string { return d.gateway.Addr() }

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config { return d.config }

// GetCatalog returns the agent catalog.
func (d *Daemon) GetCatalog() *catalog.Catalog { return d.catalog }

// GetSessionManager returns the session manager.
func (d *Daemon) GetSessionManager() *session.Manager { return d.sessions }

// GetAdmin returns the admin service.
func (d *Daemon) GetAdmin() *admin.Service { return d.admin }

// GetGatewayServer returns the gateway server.
func (d *Daemon) GetGatewayServer() *gateway.Server { return d.gateway }
