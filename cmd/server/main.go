package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harborchat/relay/internal/server"
	"github.com/harborchat/relay/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Fatal().Msg("no JWT secret configured; set RELAY_JWT_SECRET or auth.jwt_secret")
	}

	db, err := store.Open(cfg.Server.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Server.DatabasePath).Msg("failed to open database")
	}
	defer db.Close()

	srv := server.NewServer(cfg, server.Dependencies{
		Resolver: db,
		Store:    db,
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown did not complete cleanly")
	}
}
