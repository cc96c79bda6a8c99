package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/ripple/cfg"
	"github.com/maxpert/ripple/pipeline"
	"github.com/maxpert/ripple/server"
	"github.com/maxpert/ripple/subscription"
	"github.com/maxpert/ripple/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Ripple - change data capture event streaming")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	if err := run(); err != nil {
		log.Error().Err(err).Msg("Ripple stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Ripple stopped")
}

func run() error {
	catalog, err := subscription.LoadCatalog(cfg.Config.Subscriptions.DefinitionsPath)
	if err != nil {
		return fmt.Errorf("failed to load subscription definitions: %w", err)
	}
	log.Info().
		Str("path", cfg.Config.Subscriptions.DefinitionsPath).
		Int("definitions", catalog.Len()).
		Msg("Subscription definitions loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(ctx, cfg.Config, pipeline.Options{Catalog: catalog})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	if err := p.Start(); err != nil {
		p.Stop()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer p.Stop()

	collector := telemetry.NewMetricsCollector(p, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	srv := server.New(server.ConfigFrom(cfg.Config, telemetry.GetMetricsHandler()), p)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer srv.Stop()

	log.Info().
		Strs("shards", p.Shards()).
		Int("port", cfg.Config.Server.Port).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Ripple is operational")

	// Deferred stops run server, collector, then pipeline
	return p.Wait(ctx)
}
