package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gpu-allocator/allocator"
	"gpu-allocator/api"
	"gpu-allocator/config"
	"gpu-allocator/health"
	"gpu-allocator/metrics"
	"gpu-allocator/queues"
	qpubsub "gpu-allocator/queues/pubsub"
	"gpu-allocator/store"
	"gpu-allocator/store/gormstore"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		log.Warn().Msg("using in-memory store; state is lost on restart")
		return store.NewMemory(), nil
	default:
		s, err := gormstore.Open(cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func main() {
	cfg := config.Load()
	setLogger(cfg.LogLevel)
	log.Info().Msgf("Starting gpu-allocator version: %s", version)
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	if cfg.PubsubEnabled() && cfg.GoogleProjectID == "" {
		log.Fatal().Msg("missing Google project id; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or ALLOCATOR_PUBSUB_PROJECT_ID")
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("store close failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var publisher queues.Publisher = queues.LogPublisher{}
	if cfg.ResultTopic != "" {
		if cfg.CredentialsFile != "" {
			log.Info().Str("credsFile", cfg.CredentialsFile).Msg("using explicit Google credentials file")
		} else {
			log.Info().Msg("using default Google credentials (ambient)")
		}
		p := qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.ResultTopic, cfg.CredentialsFile)
		defer func() {
			if err := p.Close(); err != nil {
				log.Error().Err(err).Msg("publisher close failed")
			}
		}()
		publisher = p
	}

	alloc := allocator.New(st,
		allocator.WithPublisher(publisher),
		allocator.WithReportWindow(cfg.ReportWindow),
	)
	if err := alloc.Queue.SyncMetrics(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to seed queue metrics")
	}

	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux, alloc)
	api.NewServer(alloc).Register(mux)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           api.LogRequests(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting api/metrics/health server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	if cfg.Subscription != "" {
		controller := allocator.NewController(alloc, publisher)
		subscriber := qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.Subscription, cfg.CredentialsFile)
		defer func() {
			if err := subscriber.Close(); err != nil {
				log.Error().Err(err).Msg("subscriber close failed")
			}
		}()
		go func() {
			log.Info().Str("subscription", cfg.Subscription).Msg("starting subscriber loop")
			if err := subscriber.Start(ctx, controller.Handle); err != nil {
				log.Fatal().Err(err).Msg("subscriber exited with fatal error; shutting down")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}
