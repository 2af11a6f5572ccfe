package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("LOG_PRETTY") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	config, err := loadConfig(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := setupDatabase(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up database")
	}
	defer pool.Close()

	redisClient, err := setupRedis(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up redis")
	}
	defer redisClient.Close()

	services, err := setupServices(ctx, config, pool, redisClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up services")
	}
	if services.Uploader != nil {
		defer services.Uploader.Close()
	}

	// Sessions left empty by a previous run never get a deletion timer, so
	// sweep them on the way up.
	if swept, err := services.Store.SweepEmpty(ctx); err != nil {
		log.Warn().Err(err).Msg("startup sweep failed")
	} else if swept > 0 {
		log.Info().Int("sessions", swept).Msg("swept empty sessions")
	}

	server := setupServer(services)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
