package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jbax1899/daneel/internal/adapters/discord"
	router "github.com/jbax1899/daneel/internal/adapters/http"
	"github.com/jbax1899/daneel/internal/app"
	"github.com/jbax1899/daneel/internal/config"
	"github.com/jbax1899/daneel/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	m := metrics.New()
	coord := app.NewCoordinator(app.FromConfig(cfg), m)
	defer coord.Shutdown()

	var voice router.VoiceControl
	if cfg.Discord.Token != "" {
		adapter, err := discord.New(cfg.Discord.Token, coord, discord.NewCodec())
		if err != nil {
			log.Fatal().Err(err).Msg("discord adapter init failed")
		}
		if err := adapter.Start(); err != nil {
			log.Fatal().Err(err).Msg("discord gateway connect failed")
		}
		defer adapter.Stop()
		voice = adapter
	} else {
		log.Warn().Msg("no discord token configured, join/leave endpoints disabled")
	}

	r := router.SetupRouter(cfg, coord, voice)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Bridge server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
