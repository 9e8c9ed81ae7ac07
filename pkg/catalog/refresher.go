package catalog

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ScheduleParser accepts five-field cron specs and descriptors such as
// "@every 5m" or "@hourly".
var ScheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RefresherConfig configures a Refresher.
type RefresherConfig struct {
	Catalog  *Catalog
	Schedule string
	Logger   zerolog.Logger
}

// Refresher invalidates the catalog on a cron schedule. Overlapping runs are
// skipped.
type Refresher struct {
	catalog  Invalidator
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger
}

// NewRefresher parses the schedule and prepares the cron runner.
func NewRefresher(cfg RefresherConfig) (*Refresher, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("refresher requires a catalog")
	}
	return newRefresher(cfg.Catalog, cfg.Schedule, cfg.Logger)
}

func newRefresher(inv Invalidator, schedule string, logger zerolog.Logger) (*Refresher, error) {
	r := &Refresher{
		catalog:  inv,
		schedule: schedule,
		logger:   logger,
		cron: cron.New(
			cron.WithParser(ScheduleParser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Refresher) run() {
	if _, err := r.catalog.invalidate(context.Background(), TriggerSchedule); err != nil {
		r.logger.Warn().Err(err).Msg("Scheduled catalog refresh failed")
	}
}

// Start begins running the schedule in the background.
func (r *Refresher) Start() {
	r.cron.Start()
	r.logger.Info().Str("schedule", r.schedule).Msg("Catalog refresher started")
}

// Stop halts the schedule and waits for a running refresh to finish or ctx
// to expire.
func (r *Refresher) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
