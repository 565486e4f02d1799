// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/openhearth/hearth/internal/config"
	"github.com/openhearth/hearth/internal/daemon"
	"github.com/openhearth/hearth/internal/log"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger falls back to its defaults when config never loaded.
		logger := log.WithComponent("main")
		logger.Error().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("cannot load configuration")
		os.Exit(1)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "hearth",
		Version: version,
	})
	logger := log.WithComponent("main")

	holder := config.NewHolder(cfg, *configPath)

	app, err := daemon.New(holder, nil)
	if err != nil {
		logger.Error().
			Err(err).
			Str("event", "daemon.startup_failed").
			Str("database_path", cfg.DatabasePath).
			Msg("cannot start daemon")
		os.Exit(1)
	}

	logger.Info().
		Str("event", "daemon.starting").
		Str("version", version).
		Str("listen_addr", cfg.ListenAddr).
		Msg("starting hearthd")

	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Str("event", "daemon.failed").Msg("daemon exited with error")
		os.Exit(1)
	}

	logger.Info().Str("event", "daemon.stopped").Msg("clean shutdown")
}
