package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"vpnlink/internal/app"
	"vpnlink/internal/config"
	"vpnlink/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to configuration file (YAML)")
		addr       = flag.String("addr", "", "override the control API listen address")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	logging.Init(cfg.Logging)
	logging.Info().Str("config", *configPath).Int("static_locations", len(cfg.Locations)).Msg("configuration loaded")

	a, err := app.New(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("initialise")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logging.Error().Err(err).Msg("stopped with error")
		os.Exit(1)
	}
	logging.Info().Msg("stopped")
}
