// Package scheduler keeps one armed cron timer per active schedule and
// starts the report pipeline when a timer fires.
//
// The in-memory registry is a cache, never a source of truth: a refresh
// discards every timer and rebuilds the set from the store, so the registry
// is always derivable from "paused == false" rows.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"reportd/internal/cronexpr"
	"reportd/internal/eventbus"
	"reportd/internal/store"
)

type Config struct {
	Timezone string

	// SafetyRefreshInterval re-scans the store even when no explicit refresh
	// signal arrives, recovering from a missed signal. 0 means the default.
	SafetyRefreshInterval time.Duration
}

const defaultSafetyRefresh = 2 * time.Hour

// PipelineRunner is the single operation the scheduler needs from the
// pipeline package.
type PipelineRunner interface {
	Run(ctx context.Context, scheduleID int64) error
}

type entry struct {
	cronID cron.EntryID
	spec   string
	sched  cronexpr.Schedule
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	store  *store.Store
	runner PipelineRunner
	bus    eventbus.Bus
	log    zerolog.Logger

	loc     *time.Location
	c       *cron.Cron
	entries map[int64]entry

	runCtx    context.Context
	runCancel context.CancelFunc
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func New(cfg Config, st *store.Store, runner PipelineRunner, bus eventbus.Bus, log zerolog.Logger) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	loc := time.Local
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		} else {
			log.Warn().Str("tz", cfg.Timezone).Err(err).Msg("unknown timezone, using local")
		}
	}
	return &Service{
		cfg:     cfg,
		store:   st,
		runner:  runner,
		bus:     bus,
		log:     log,
		loc:     loc,
		c:       cron.New(cron.WithLocation(loc)),
		entries: map[int64]entry{},
	}
}

// Start resets stale running flags, builds the initial timer set, and begins
// firing. Returns the store error if the initial scan fails; no schedule can
// run safely without the store.
func (s *Service) Start(ctx context.Context) error {
	// A crash mid-pipeline must not leave schedules stuck "running" forever.
	if err := s.store.ResetRunning(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.Refresh(ctx); err != nil {
		return err
	}
	s.c.Start()

	interval := s.cfg.SafetyRefreshInterval
	if interval <= 0 {
		interval = defaultSafetyRefresh
	}
	s.wg.Add(1)
	go s.safetyLoop(interval)

	s.log.Info().Str("tz", s.loc.String()).Dur("safety_refresh", interval).Msg("scheduler started")
	return nil
}

// safetyLoop re-runs the refresh protocol on a coarse interval as a backstop
// for lost refresh signals.
func (s *Service) safetyLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Refresh(s.runCtx); err != nil {
				s.log.Error().Err(err).Msg("safety refresh failed")
			}
		}
	}
}

// Stop halts the cron runner and waits (bounded by ctx) for in-flight
// pipelines to finish. Timers stop; running pipelines are left to complete
// and self-release.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	cancel := s.runCancel
	s.mu.Unlock()

	<-s.c.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Dur("took", time.Since(start)).Msg("scheduler stopped")
	case <-ctx.Done():
		// Give up waiting politely; cancel whatever is still in flight.
		if cancel != nil {
			cancel()
		}
		s.log.Warn().Dur("took", time.Since(start)).Msg("scheduler stop timed out, cancelled in-flight runs")
	}
}
