package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"

	"tourneyd/internal/arena"
	"tourneyd/internal/config"
	"tourneyd/internal/identity"
	"tourneyd/internal/ledger"
	"tourneyd/internal/orchestrator"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./tourneyd.yaml", "path to config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	store, err := ledger.Open(ledger.Config{
		Path:        cfg.DB.Path,
		BusyTimeout: config.Duration("db.busy_timeout", cfg.DB.BusyTimeout, 5*time.Second),
	}, log.With().Str("component", "ledger").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("opening ledger failed")
	}
	defer store.Close()

	client := arena.New(arena.Config{
		Host:    cfg.Arena.Host,
		Token:   cfg.Arena.Token,
		Timeout: config.Duration("arena.timeout", cfg.Arena.Timeout, 15*time.Second),
	}, log.With().Str("component", "arena").Logger())

	ident := identity.New(client, cfg.Admins, cfg.Teams, log.With().Str("component", "identity").Logger())

	orch := orchestrator.New(orchestratorConfig(cfg), store, client, ident,
		log.With().Str("component", "orchestrator").Logger())
	if err := orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("starting orchestrator failed")
	}

	go func() {
		err := config.Watch(ctx, cfgPath, log.With().Str("component", "config").Logger(), func(next *config.Config) {
			applyLogLevel(next)
			orch.Apply(orchestratorConfig(next))
		})
		if err != nil {
			log.Warn().Err(err).Msg("config watcher unavailable")
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info().Str("config", cfgPath).Msg("tourneyd running")

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	orch.Stop(stopCtx)
	log.Info().Msg("tourneyd stopped")
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		Interval:    config.Duration("cycle.interval", cfg.Cycle.Interval, time.Minute),
		CreatePace:  config.Duration("cycle.create_pace", cfg.Cycle.CreatePace, 10*time.Second),
		MessagePace: config.Duration("cycle.message_pace", cfg.Cycle.MessagePace, 2*time.Second),
		Grace:       config.Duration("cycle.grace", cfg.Cycle.Grace, time.Hour),
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	applyLogLevel(cfg)
	if cfg.Log.Console {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func applyLogLevel(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
