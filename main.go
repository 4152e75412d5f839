package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vrsandeep/imdb-etl/internal/api"
	"github.com/vrsandeep/imdb-etl/internal/config"
	"github.com/vrsandeep/imdb-etl/internal/core"
	"github.com/vrsandeep/imdb-etl/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize the core application components
	app, err := core.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Fatal error during application setup")
	}
	defer app.Close()

	// Queue consumers and recurring triggers
	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not start the pipeline")
	}

	// Setup the API server
	server := api.NewServer(app)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("Starting web server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Could not start server")
			stop()
		}
	}()

	// Wait for an interrupt signal.
	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	// Create a context with a timeout to allow existing connections to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exiting.")
}
