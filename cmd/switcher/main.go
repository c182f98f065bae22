package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zheng/modeswitcher/internal/config"
	"github.com/zheng/modeswitcher/internal/docker"
	"github.com/zheng/modeswitcher/internal/engine"
	"github.com/zheng/modeswitcher/internal/gateway"
	"github.com/zheng/modeswitcher/internal/handlers"
	"github.com/zheng/modeswitcher/internal/state"
)

func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", "modeswitcher").
		Logger()

	catalog, err := cfg.Catalog()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid catalogue")
	}
	log.Info().Int("models", len(catalog.Models)).Str("default", cfg.DefaultModel).Msg("catalogue loaded")

	store, err := state.New(cfg.ConfigDir, cfg.TemplateDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("state store init failed")
	}

	dockerClient := docker.NewHTTPClient(cfg.DockerProxyURL, cfg.DockerTimeout, cfg.PollInterval, log)
	probe := gateway.NewHTTPProbe(cfg.LitellmModelsURL, cfg.LitellmKey, cfg.LitellmPollInterval, log)

	eng := engine.New(cfg, catalog, dockerClient, probe, store, log)
	eng.StartMonitor()

	h := handlers.New(eng, catalog, cfg, log)
	gin.SetMode(gin.ReleaseMode)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: h.Router(),
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	eng.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}
