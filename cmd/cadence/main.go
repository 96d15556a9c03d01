/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

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

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/cadence/internal/catalog"
	"github.com/friendsincode/cadence/internal/clock"
	"github.com/friendsincode/cadence/internal/config"
	"github.com/friendsincode/cadence/internal/device"
	"github.com/friendsincode/cadence/internal/eventbus"
	"github.com/friendsincode/cadence/internal/events"
	"github.com/friendsincode/cadence/internal/kv"
	"github.com/friendsincode/cadence/internal/logging"
	"github.com/friendsincode/cadence/internal/server"
	"github.com/friendsincode/cadence/internal/telemetry"
	"github.com/friendsincode/cadence/internal/version"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Cadence - workout segments synced to remote playback",
	Long:  "Cadence keeps labeled workout segments for music tracks and cues them in time with a remote, network-controlled player.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Cadence server",
	Long:  "Start the HTTP API, the websocket event stream and the playback scheduler",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.Setup(cfg.Environment, cfg.LogLevel)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if cfg.CatalogURL == "" {
		return errors.New("CADENCE_CATALOG_URL is required")
	}

	logger.Info().Str("version", version.Version).Str("storage", string(cfg.KVBackend)).Msg("Cadence starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:    "cadence",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	store, err := kv.Open(ctx, cfg, clock.Real(), logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	catalogClient, err := catalog.NewClient(cfg.CatalogURL)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("initialize catalog client: %w", err)
	}

	bus := events.NewBus()
	deps := server.Deps{
		Catalog: catalogClient,
		Store:   store,
		Bus:     bus,
		Clock:   clock.Real(),
	}
	if cfg.DeviceURL != "" {
		deps.NewDevice = func() device.Device {
			dc := device.DefaultConfig(cfg.DeviceURL)
			dc.Token = cfg.DeviceToken
			return device.NewWSDevice(dc, logger)
		}
	} else {
		logger.Warn().Msg("CADENCE_DEVICE_URL not set, playback is disabled")
	}

	srv, err := server.New(cfg, deps, logger)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("initialize server: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	if cfg.NATSURL != "" {
		natsCfg := eventbus.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Subject = cfg.NATSSubject
		bridge, err := eventbus.NewNATSBridge(natsCfg, bus, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("event bridge disabled")
		} else {
			go func() {
				if err := bridge.Run(bgCtx); err != nil {
					logger.Error().Err(err).Msg("event bridge stopped")
				}
			}()
			srv.DeferClose(bridge.Close)
		}
	}

	var metricsServer *http.Server
	if cfg.MetricsBind != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsBind,
			Handler:           telemetry.Handler(),
			ReadHeaderTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.MetricsBind).Msg("metrics listener started")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	httpServer := srv.HTTPServer()
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr()).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		logger.Error().Err(err).Msg("http server error")
	}

	logger.Info().Msg("shutting down gracefully...")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(timeoutCtx)
	}

	bgCancel()
	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("shutdown cleanup failed")
	}

	logger.Info().Msg("Cadence stopped")
	return nil
}
