package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"

	"reportd/internal/app"
	"reportd/internal/config"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./reportd.yaml", "path to config yaml")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init failed")
	}

	if err := a.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start failed")
	}

	// No-op outside a systemd unit.
	_, _ = sd.SdNotify(false, sd.SdNotifyReady)

	<-ctx.Done()

	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.TrimSpace(strings.ToLower(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var w zerolog.Logger
	if cfg.Console {
		w = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		w = zerolog.New(os.Stderr)
	}
	return w.Level(level).With().Timestamp().Logger()
}
