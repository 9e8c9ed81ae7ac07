package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultIdleTimeout = 30 * time.Minute

// Reaper closes sessions that have been idle longer than a timeout.
type Reaper struct {
	manager     *Manager
	idleTimeout time.Duration
	interval    time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewReaper creates a reaper. interval defaults to a fifth of idleTimeout.
func NewReaper(manager *Manager, idleTimeout, interval time.Duration, logger zerolog.Logger) *Reaper {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if interval <= 0 {
		interval = idleTimeout / 5
	}
	return &Reaper{
		manager:     manager,
		idleTimeout: idleTimeout,
		interval:    interval,
		logger:      logger,
	}
}

// Start starts the reaper loop.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("reaper is already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.run(r.stopCh, r.doneCh)

	r.logger.Info().Dur("idle_timeout", r.idleTimeout).Msg("Session reaper started")
	return nil
}

// Stop stops the loop and waits for it to exit.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("reaper is not running")
	}
	close(r.stopCh)
	done := r.doneCh
	r.running = false
	r.mu.Unlock()

	<-done
	r.logger.Info().Msg("Session reaper stopped")
	return nil
}

func (r *Reaper) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.ReapNow()
		case <-stop:
			return
		}
	}
}

// ReapNow closes idle sessions once and returns how many were closed.
// Sessions with a turn or command in flight are never reaped.
func (r *Reaper) ReapNow() int {
	now := r.manager.now()
	reaped := 0
	for _, info := range r.manager.List() {
		if info.State != StateIdle || now.Sub(info.LastActivity) < r.idleTimeout {
			continue
		}
		if err := r.manager.Close(info.ID); err != nil {
			continue
		}
		reaped++
	}
	if reaped > 0 {
		r.logger.Info().Int("reaped", reaped).Msg("Closed idle sessions")
	}
	return reaped
}
