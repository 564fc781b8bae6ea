// Copyright 2025-2026 MirrorWire Contributors

// Command mirrorwire runs the mirror engine: it loads mirror configurations
// from the shared SQLite store, maintains live Discord and Telegram sessions
// for them, and relays matching messages to webhook and chat destinations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exerrors"

	"github.com/mirrorwire/mirrorwire/pkg/mirror"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform/discord"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/platform/telegram"
	"github.com/mirrorwire/mirrorwire/pkg/mirror/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	writeExample := flag.Bool("generate", false, "write the example config to stdout and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mirrorwire %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *writeExample {
		fmt.Print(mirror.ExampleConfig)
		return
	}

	cfg, err := mirror.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	st := exerrors.Must(store.OpenSQLite(cfg.Database))
	defer st.Close()

	connectors := []platform.Connector{
		discord.NewBotConnector(log),
		discord.NewUserConnector(log),
	}
	if cfg.Telegram.APIID != 0 {
		connectors = append(connectors, telegram.NewConnector(log, cfg.Telegram.APIID, cfg.Telegram.APIHash))
	} else {
		log.Warn().Msg("No Telegram API credentials configured, Telegram mirrors will be skipped")
	}

	engine := mirror.NewEngine(log, cfg.EngineConfig(), st, connectors)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch err := engine.Run(ctx); {
	case errors.Is(err, mirror.ErrRestartRequested):
		// Exit cleanly so the supervisor's restart policy brings the
		// engine back up with a fresh state.
		log.Info().Msg("Exiting for requested restart")
	case errors.Is(err, context.Canceled):
		log.Info().Msg("Exiting on signal")
	case err != nil:
		log.Error().Err(err).Msg("Engine stopped with error")
		os.Exit(1)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(writer).With().Timestamp().Logger().Level(lvl)
}
