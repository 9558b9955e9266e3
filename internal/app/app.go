// Package app wires the daemon together: config, store, source client,
// notifier, pipeline, scheduler and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"reportd/internal/config"
	"reportd/internal/eventbus"
	"reportd/internal/notify"
	"reportd/internal/pipeline"
	"reportd/internal/retry"
	"reportd/internal/scheduler"
	"reportd/internal/server"
	"reportd/internal/source"
	"reportd/internal/store"
)

type App struct {
	cfgPath string
	cfg     *config.Config
	log     zerolog.Logger

	st     *store.Store
	bus    eventbus.Bus
	client *source.Client
	sched  *scheduler.Service
	srv    *server.Server

	cancel  context.CancelFunc
	watchWg chan struct{}
}

func New(cfgPath string, cfg *config.Config, log zerolog.Logger) (*App, error) {
	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: config.MustDuration(cfg.Store.BusyTimeout, 0),
	}, log.With().Str("component", "store").Logger())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New()

	creds := pipeline.Credentials{
		Username: cfg.Source.Username,
		Password: cfg.Source.Password,
	}
	client := source.NewClient(source.Config{}, cfg.Source.BaseAddress, creds,
		log.With().Str("component", "source").Logger())

	renderer, err := source.NewSpoolRenderer(cfg.Pipeline.SpoolDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	transport, err := buildTransport(cfg.Notify)
	if err != nil {
		st.Close()
		return nil, err
	}
	guard := notify.NewGuard(config.MustDuration(cfg.Notify.GuardTTL, 0))
	notifier := notify.NewService(transport, guard, notify.Config{
		RatePerMinute: cfg.Notify.RatePerMinute,
	}, log.With().Str("component", "notify").Logger())

	runner := pipeline.NewRunner(st, client, renderer, client, notifier, bus, pipeline.Config{
		BaseAddress:  cfg.Source.BaseAddress,
		Credentials:  creds,
		App:          notify.AppInfo{Name: cfg.App.Name, URL: cfg.App.URL, Email: cfg.App.Email},
		StageTimeout: config.MustDuration(cfg.Pipeline.StageTimeout, 0),
		FetchRetry:   retryPolicy(cfg.Pipeline.FetchRetry),
		SendRetry:    retryPolicy(cfg.Pipeline.SendRetry),
		IsPrimary:    cfg.Scheduler.IsPrimary,
	}, log.With().Str("component", "pipeline").Logger())

	sched := scheduler.New(scheduler.Config{
		Timezone:              cfg.Scheduler.Timezone,
		SafetyRefreshInterval: config.MustDuration(cfg.Scheduler.SafetyRefresh, 0),
	}, st, runner, bus, log.With().Str("component", "scheduler").Logger())

	var srv *server.Server
	if strings.TrimSpace(cfg.Server.Listen) != "" {
		srv = server.New(server.Config{Listen: cfg.Server.Listen}, bus, sched,
			log.With().Str("component", "server").Logger())
	}

	return &App{
		cfgPath: cfgPath,
		cfg:     cfg,
		log:     log.With().Str("component", "app").Logger(),
		st:      st,
		bus:     bus,
		client:  client,
		sched:   sched,
		srv:     srv,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.sched.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start scheduler: %w", err)
	}

	if a.srv != nil {
		errCh := a.srv.Start()
		go func() {
			if err, ok := <-errCh; ok && err != nil {
				a.log.Error().Err(err).Msg("http server failed")
				cancel()
			}
		}()
	}

	// Catalog snapshots are best effort; schedules referencing stale entries
	// still fire against the live upstream.
	go a.syncCatalogs(runCtx)

	a.watchWg = make(chan struct{})
	go func() {
		defer close(a.watchWg)
		err := config.Watch(runCtx, a.cfgPath, a.log, func(cfg *config.Config) {
			a.log.Info().Msg("config reloaded, rebuilding schedule queue")
			if err := a.sched.Refresh(runCtx); err != nil {
				a.log.Error().Err(err).Msg("refresh after config reload failed")
			}
		})
		if err != nil && runCtx.Err() == nil {
			a.log.Warn().Err(err).Msg("config watcher stopped")
		}
	}()

	a.log.Info().Msg("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info().Msg("stopping")
	if a.cancel != nil {
		a.cancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- fn(stepCtx) }()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn().Err(err).Str("step", name).Msg("stop step error")
			}
		case <-stepCtx.Done():
			a.log.Warn().Str("step", name).Msg("stop step deadline reached")
		}
	}

	if a.srv != nil {
		step("server", 3*time.Second, a.srv.Stop)
	}
	step("scheduler", 5*time.Second, func(c context.Context) error {
		a.sched.Stop(c)
		return nil
	})
	if a.watchWg != nil {
		step("config.watch", time.Second, func(c context.Context) error {
			select {
			case <-a.watchWg:
				return nil
			case <-c.Done():
				return c.Err()
			}
		})
	}
	step("store", 2*time.Second, func(context.Context) error { return a.st.Close() })

	a.log.Info().Msg("stopped")
	return nil
}

// syncCatalogs refreshes the local dashboard and user group snapshots from
// the upstream service.
func (a *App) syncCatalogs(ctx context.Context) {
	dashboards, err := a.client.ListDashboards(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("dashboard catalog sync failed")
	} else {
		items := make([]store.Dashboard, len(dashboards))
		for i, d := range dashboards {
			items[i] = store.Dashboard{ID: d.ID, DisplayName: d.DisplayName}
		}
		if err := a.st.ReplaceDashboards(ctx, items); err != nil {
			a.log.Warn().Err(err).Msg("dashboard catalog write failed")
		}
	}

	groups, err := a.client.ListUserGroups(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("user group catalog sync failed")
		return
	}
	items := make([]store.UserGroup, len(groups))
	for i, g := range groups {
		items[i] = store.UserGroup{ID: g.ID, DisplayName: g.DisplayName}
	}
	if err := a.st.ReplaceUserGroups(ctx, items); err != nil {
		a.log.Warn().Err(err).Msg("user group catalog write failed")
	}
}

func buildTransport(cfg config.NotifyConfig) (notify.Transport, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Transport)) {
	case "", "smtp":
		return notify.NewSMTPTransport(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			To:       cfg.SMTP.To,
		}), nil
	case "telegram":
		return notify.NewTelegramTransport(notify.TelegramConfig{
			Token:  cfg.Telegram.Token,
			ChatID: cfg.Telegram.ChatID,
		})
	default:
		return nil, fmt.Errorf("notify.transport: unknown transport %q", cfg.Transport)
	}
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	p := retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		MinDelay:    config.MustDuration(cfg.MinDelay, 500*time.Millisecond),
		MaxDelay:    config.MustDuration(cfg.MaxDelay, 5*time.Second),
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	return p
}
