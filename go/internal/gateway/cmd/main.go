package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/runnermp/runner-mp/go/internal/config"
	"github.com/runnermp/runner-mp/go/internal/gateway"
	"github.com/runnermp/runner-mp/go/internal/race"
	"github.com/runnermp/runner-mp/go/internal/results"
	"github.com/runnermp/runner-mp/go/internal/track"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg := config.FromEnv()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	catalog, err := loadCatalog(cfg.TracksFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.TracksFile).Msg("failed to load track catalog")
	}
	geometries := track.NewGeometries(catalog)
	verifier := track.NewVerifier(geometries, cfg.PlayerRadius, cfg.FinishTolerance)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Results.Store).Msg("failed to open results store")
	}
	publisher, err := openPublisher(ctx, cfg.NATS)
	if err != nil {
		log.Fatal().Err(err).Str("nats_url", cfg.NATS.URL).Msg("failed to connect event publisher")
	}

	dispatcherConfig := results.DefaultDispatcherConfig()
	dispatcherConfig.Workers = cfg.Results.Workers
	dispatcherConfig.QueueSize = cfg.Results.QueueSize
	dispatcher := results.NewDispatcher(store, publisher, dispatcherConfig)
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start results dispatcher")
	}

	clock := clockwork.NewRealClock()
	registry := race.NewRegistry(race.Config{
		PlayerTTL:      cfg.PlayerTTL,
		StartDelay:     cfg.StartDelay,
		SnapshotPeriod: cfg.SnapshotPeriod,
		SessionIdle:    cfg.SessionIdle,
	}, clock, verifier, dispatcher)

	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.ConnectionConfig.PingInterval = cfg.Heartbeat
	gatewayConfig.PresenceInterval = cfg.PresenceInterval
	gatewayConfig.ReapInterval = cfg.ReapInterval
	gatewayService := gateway.NewService(gatewayConfig, registry, geometries, clock)

	log.Info().
		Str("port", cfg.Port).
		Int("tracks", catalog.Len()).
		Dur("snapshot_period", cfg.SnapshotPeriod).
		Dur("player_ttl", cfg.PlayerTTL).
		Dur("start_delay", cfg.StartDelay).
		Float64("finish_threshold", verifier.Threshold()).
		Str("results_store", cfg.Results.Store).
		Bool("nats", publisher != nil).
		Msg("starting race gateway")

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           gatewayService.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := gatewayService.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	<-serviceDone

	if err := dispatcher.Stop(); err != nil {
		log.Error().Err(err).Msg("results dispatcher stop failed")
	}
	if publisher != nil {
		_ = publisher.Close()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("results store close failed")
		}
	}

	log.Info().Msg("race gateway shutdown complete")
}

func loadCatalog(path string) (*track.Catalog, error) {
	if path == "" {
		return track.DefaultCatalog()
	}
	return track.LoadCatalogFile(path)
}

func openStore(ctx context.Context, cfg config.Config) (results.Store, error) {
	switch cfg.Results.Store {
	case "", "none":
		return nil, nil
	case "badger":
		db, err := results.OpenBadger(cfg.Results.BadgerDir)
		if err != nil {
			return nil, err
		}
		return results.NewBadgerStore(db), nil
	case "postgres":
		db, err := results.OpenPostgres(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, err
		}
		store, err := results.NewPostgresStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown results store %q", cfg.Results.Store)
	}
}

func openPublisher(ctx context.Context, cfg config.NATSConfig) (results.EventPublisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	jsConfig := results.DefaultJetStreamConfig()
	jsConfig.URL = cfg.URL
	jsConfig.StreamName = cfg.StreamName
	jsConfig.SubjectPrefix = cfg.SubjectPrefix

	publisher, err := results.NewJetStreamPublisher(ctx, jsConfig)
	if err != nil {
		return nil, err
	}
	return publisher, nil
}
