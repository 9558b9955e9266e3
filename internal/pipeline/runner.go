package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reportd/internal/eventbus"
	"reportd/internal/notify"
	"reportd/internal/retry"
	"reportd/internal/store"
)

// ErrSkipped reports a run that never started: the schedule was already
// running, paused, or deleted by the time the claim executed.
var ErrSkipped = errors.New("run skipped")

type Config struct {
	BaseAddress string
	Credentials Credentials
	App         notify.AppInfo

	// StageTimeout bounds each collaborator call. 0 disables.
	StageTimeout time.Duration

	// FetchRetry and SendRetry wrap the two stages that talk to flaky
	// remote services. Render and directory lookups run once; re-rendering
	// is wasteful and directory errors are almost never transient.
	FetchRetry retry.Policy
	SendRetry  retry.Policy

	// IsPrimary gates actual execution in multi-process deployments.
	// Standbys claim and immediately release, so two primaries can never
	// race past Claiming. Nil means always primary.
	IsPrimary func() bool
}

// Runner executes the per-schedule pipeline:
// Claiming → Fetching → Rendering → Resolving → Notifying → Releasing.
//
// Releasing always runs. All stage errors are contained here and reported
// through the event bus; only store infrastructure errors escape.
type Runner struct {
	store     *store.Store
	source    ArtifactSource
	renderer  Renderer
	directory Directory
	notifier  Notifier
	bus       eventbus.Bus
	log       zerolog.Logger
	cfg       Config
}

func NewRunner(st *store.Store, source ArtifactSource, renderer Renderer, directory Directory, notifier Notifier, bus eventbus.Bus, cfg Config, log zerolog.Logger) *Runner {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Runner{
		store:     st,
		source:    source,
		renderer:  renderer,
		directory: directory,
		notifier:  notifier,
		bus:       bus,
		log:       log,
		cfg:       cfg,
	}
}

// Run executes one pipeline pass for the given schedule.
//
// Returns ErrSkipped when the single-flight claim fails, nil on success, and
// the stage error otherwise. Callers (the scheduler fire handler) log the
// result; they never crash on it.
func (r *Runner) Run(ctx context.Context, scheduleID int64) error {
	// Claiming. One atomic UPDATE is the whole overlap guard.
	claimed, err := r.store.ClaimRunning(ctx, scheduleID)
	if err != nil {
		return fmt.Errorf("claim schedule %d: %w", scheduleID, err)
	}
	if !claimed {
		r.bus.Publishf("schedule %d: run skipped, previous run still in flight", scheduleID)
		r.log.Debug().Int64("schedule", scheduleID).Msg("fire skipped, already running")
		return ErrSkipped
	}

	// Releasing is unconditional from here on.
	defer func() {
		if err := r.store.ReleaseRunning(context.WithoutCancel(ctx), scheduleID); err != nil && !errors.Is(err, store.ErrNotFound) {
			r.log.Error().Err(err).Int64("schedule", scheduleID).Msg("failed to release running flag")
		}
	}()

	// Claim-then-check-primary: the claim is cross-process atomic, the role
	// flag is not, so the claim goes first.
	if r.cfg.IsPrimary != nil && !r.cfg.IsPrimary() {
		r.bus.Publishf("schedule %d: standby process, leaving run to primary", scheduleID)
		return ErrSkipped
	}

	sched, err := r.store.Get(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Deleted between claim and load; nothing to do.
			return ErrSkipped
		}
		return fmt.Errorf("load schedule %d: %w", scheduleID, err)
	}

	r.bus.Publishf("schedule %d (%s): run started", sched.ID, sched.Subject)
	runErr := r.execute(ctx, sched)
	if runErr != nil {
		r.bus.Publishf("schedule %d (%s): run failed: %v", sched.ID, sched.Subject, runErr)
		r.log.Warn().Err(runErr).Int64("schedule", sched.ID).Msg("run failed")
	} else {
		r.bus.Publishf("schedule %d (%s): run finished", sched.ID, sched.Subject)
	}
	return runErr
}

func (r *Runner) execute(ctx context.Context, sched store.Schedule) error {
	boards, err := r.store.DashboardsFor(ctx, sched.ID)
	if err != nil {
		return fmt.Errorf("list dashboards: %w", err)
	}
	names := make([]string, len(boards))
	for i, d := range boards {
		names[i] = d.DisplayName
	}

	// Fetching.
	r.bus.Publishf("schedule %d: fetching %d dashboards", sched.ID, len(names))
	artifacts, err := r.fetch(ctx, sched, names)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	// Rendering. Sequential, order preserving. A mid-list failure aborts the
	// remaining renders but keeps what finished: a partial report beats none.
	attachments := make([]notify.Attachment, 0, len(artifacts))
	var renderErr error
	for _, a := range artifacts {
		att, err := r.renderOne(ctx, a)
		if err != nil {
			renderErr = fmt.Errorf("render %q: %w", a.Title, err)
			r.bus.Publishf("schedule %d: %v; sending %d finished attachments", sched.ID, renderErr, len(attachments))
			break
		}
		attachments = append(attachments, att)
		r.bus.Publishf("schedule %d: rendered %q", sched.ID, a.Title)
	}

	// Resolving.
	emails, err := r.resolve(ctx, sched.GroupID)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	r.bus.Publishf("schedule %d: recipient group %s resolved to %d members", sched.ID, sched.GroupID, len(emails))

	// Notifying.
	body := notify.Compose(sched.Body, notify.ComposeData{
		Subject:     sched.Subject,
		Date:        time.Now(),
		App:         r.cfg.App,
		Attachments: attachments,
	})
	guardKey := fmt.Sprintf("%d:%s", sched.ID, uuid.NewString())

	err = retry.Do(ctx, r.cfg.SendRetry, func(ctx context.Context) error {
		sctx, cancel := r.stageCtx(ctx)
		defer cancel()
		err := r.notifier.Send(sctx, emails, sched.Subject, body, attachments, guardKey)
		if errors.Is(err, notify.ErrDuplicateSend) {
			// An earlier attempt with this key already delivered.
			return nil
		}
		return err
	}, func(attempt int, err error) {
		r.bus.Publishf("schedule %d: send attempt %d failed: %v", sched.ID, attempt, err)
	})
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	r.bus.Publishf("schedule %d: report sent to %d recipients with %d attachments", sched.ID, len(emails), len(attachments))

	// A partial render still fails the run even though the send went out.
	return renderErr
}

// fetch acquires a session, downloads every dashboard, and tears the session
// down on all paths. The whole acquire+fetch is one retried unit so a broken
// session is never reused across attempts.
func (r *Runner) fetch(ctx context.Context, sched store.Schedule, names []string) ([]Artifact, error) {
	var artifacts []Artifact
	err := retry.Do(ctx, r.cfg.FetchRetry, func(ctx context.Context) error {
		sctx, cancel := r.stageCtx(ctx)
		defer cancel()

		session, err := r.source.Acquire(sctx, r.cfg.BaseAddress, r.cfg.Credentials)
		if err != nil {
			return fmt.Errorf("acquire session: %w", err)
		}
		defer session.Release()

		artifacts, err = session.FetchAll(sctx, names, FetchOptions{SkipGraphs: !sched.IncludeGraphs})
		return err
	}, func(attempt int, err error) {
		r.bus.Publishf("schedule %d: fetch attempt %d failed: %v", sched.ID, attempt, err)
	})
	return artifacts, err
}

func (r *Runner) renderOne(ctx context.Context, a Artifact) (notify.Attachment, error) {
	sctx, cancel := r.stageCtx(ctx)
	defer cancel()
	return r.renderer.Render(sctx, a.Title, a)
}

func (r *Runner) resolve(ctx context.Context, groupID string) ([]string, error) {
	sctx, cancel := r.stageCtx(ctx)
	defer cancel()

	memberIDs, err := r.directory.ResolveGroup(sctx, groupID)
	if err != nil {
		return nil, err
	}
	members, err := r.directory.ResolveUsers(sctx, memberIDs)
	if err != nil {
		return nil, err
	}
	emails := make([]string, 0, len(members))
	for _, m := range members {
		emails = append(emails, m.Email)
	}
	return emails, nil
}

func (r *Runner) stageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.StageTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.cfg.StageTimeout)
}
