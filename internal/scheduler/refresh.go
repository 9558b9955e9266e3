package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"reportd/internal/cronexpr"
	"reportd/internal/pipeline"
)

// Refresh implements the rescan-and-requeue protocol:
//
//  1. Stop and discard every registered timer (idempotent).
//  2. Clear the registry.
//  3. List active schedules from the store.
//  4. Re-register a timer per schedule whose cron expression parses.
//
// A bad persisted expression skips that schedule with a log line and an
// observable event; it never stops the other schedules from being queued.
// Store errors propagate: without the store nothing can run safely.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		s.c.Remove(e.cronID)
	}
	s.entries = map[int64]entry{}

	jobs, err := s.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active schedules: %w", err)
	}

	for _, job := range jobs {
		parsed, err := cronexpr.Parse(job.Cron)
		if err != nil {
			s.log.Error().Int64("schedule", job.ID).Str("cron", job.Cron).Err(err).
				Msg("invalid persisted cron expression, schedule not queued")
			s.bus.Publishf("schedule %d: invalid cron expression %q, not queued", job.ID, job.Cron)
			continue
		}
		id := job.ID
		cronID := s.c.Schedule(parsed, cron.FuncJob(func() { s.fire(id) }))
		s.entries[id] = entry{cronID: cronID, spec: job.Cron, sched: parsed}
	}

	s.log.Debug().Int("schedules", len(s.entries)).Msg("timer set rebuilt")
	return nil
}

// fire runs on the cron goroutine. The cron runner has already re-armed the
// entry for its following occurrence, so the pipeline run below can take as
// long as it likes without delaying the next fire. The pipeline itself runs
// on its own goroutine; fire returns immediately.
func (s *Service) fire(scheduleID int64) {
	s.mu.Lock()
	e, ok := s.entries[scheduleID]
	runCtx := s.runCtx
	s.mu.Unlock()
	if !ok || runCtx == nil {
		// Removed by a refresh after this fire was already dispatched.
		return
	}

	start := time.Now()
	next := cronexpr.Next(e.sched, start)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.runner.Run(runCtx, scheduleID)
		switch {
		case errors.Is(err, pipeline.ErrSkipped):
			s.log.Debug().Int64("schedule", scheduleID).Msg("fire skipped")
			return
		case err != nil:
			s.log.Warn().Err(err).Int64("schedule", scheduleID).Dur("took", time.Since(start)).Msg("run failed")
		default:
			s.log.Info().Int64("schedule", scheduleID).Dur("took", time.Since(start)).Time("next", next).Msg("run finished")
		}
		// Bookkeeping only; failures here are logged, not propagated.
		if rerr := s.store.RecordRun(runCtx, scheduleID, start, next, time.Since(start)); rerr != nil {
			s.log.Warn().Err(rerr).Int64("schedule", scheduleID).Msg("failed to record run times")
		}
	}()
}

// TriggerNow runs one pipeline execution outside the cron timetable, subject
// to the same single-flight claim as a scheduled fire.
func (s *Service) TriggerNow(scheduleID int64) {
	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runner.Run(runCtx, scheduleID); err != nil && !errors.Is(err, pipeline.ErrSkipped) {
			s.log.Warn().Err(err).Int64("schedule", scheduleID).Msg("manual run failed")
		}
	}()
}
