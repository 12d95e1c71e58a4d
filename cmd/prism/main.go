package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tarungka/prism/internal/config"
	"github.com/tarungka/prism/internal/db"
	"github.com/tarungka/prism/internal/engine"
	"github.com/tarungka/prism/internal/logger"
	"github.com/tarungka/prism/internal/runtime"
	"github.com/tarungka/prism/internal/store"
	"github.com/tarungka/prism/server"
)

var (
	buildString = "unknown"
	ko          = koanf.New(".")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	initFlags(ko)

	if ko.Bool("version") {
		os.Stdout.WriteString(buildString + "\n")
		os.Exit(0)
	}
	if ko.Bool("dev") {
		logger.SetDevelopment(true)
	}
	if path := ko.String("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("failed to open log file")
		}
		defer f.Close()
		logger.SetLogFile(f)
	}

	cfg, err := config.New(ko)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid process configuration")
	}
	log.Info().Str("node", cfg.NodeID).Str("build", buildString).Msg("starting prism host")

	kv, err := db.Open(cfg.StoreBackend, cfg.StoreDir)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open store backend")
	}
	defer kv.Close()

	viewStore := store.New(kv)
	sweeper := store.NewSweeper(viewStore, cfg.GCInterval, cfg.GCBatchSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper.Start(ctx)
	defer sweeper.Stop()

	eng := engine.NewPassthrough()
	var boot engine.Bootstrapper
	if cfg.QueryAPI != "" {
		boot = engine.NewSnapshotClient(cfg.QueryAPI)
	} else {
		log.Warn().Msg("no query.api configured, workers start without a snapshot baseline")
	}

	manager := runtime.NewManager(ctx, cfg, kv, viewStore, sweeper, eng, boot)
	if err := manager.Recover(); err != nil {
		log.Fatal().Err(err).Msg("actor recovery failed")
	}
	defer manager.Close()

	srv := server.New(cfg, manager, viewStore)
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		log.Info().Msg("received interrupt, draining")
		cancel()
		<-srvErr
	case err := <-srvErr:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
		cancel()
	}

	log.Info().Msg("prism host stopped")
}
