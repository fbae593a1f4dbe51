// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

// Package main is the entry point for the Spoolwatch server.
//
// Spoolwatch reconciles a CFS filament storage unit's live state with an
// external spool-inventory service (Spoolman). It consumes two feeds:
//
//   - Device feed: a push WebSocket status stream from the printer,
//     normalized into per-slot snapshots and cumulative length counters.
//   - Job feed: the printer's HTTP job-status endpoint, polled into a
//     print-session lifecycle.
//
// Completed jobs are attributed across slots by observed counter movement
// and deducted from the linked inventory spools exactly once per job.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (DEVICE_HOST, SPOOLMAN_URL, ...)
//   - Config file (config.yaml, or CONFIG_PATH)
//   - Built-in defaults
//
// # Signal Handling
//
// The server shuts down gracefully on SIGINT and SIGTERM: the supervisor
// tree drains both feeds and the HTTP server, then the final state
// snapshot is flushed to the store.
//
// # Example Usage
//
//	export DEVICE_HOST=192.168.1.50
//	export JOB_HOST_URL=http://192.168.1.50:8000
//	export SPOOLMAN_ENABLED=true
//	export SPOOLMAN_URL=http://spoolman:7912
//	./spoolwatch
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

	"github.com/spoolwatch/spoolwatch/internal/api"
	"github.com/spoolwatch/spoolwatch/internal/config"
	"github.com/spoolwatch/spoolwatch/internal/engine"
	"github.com/spoolwatch/spoolwatch/internal/feed"
	"github.com/spoolwatch/spoolwatch/internal/inventory"
	"github.com/spoolwatch/spoolwatch/internal/jobs"
	"github.com/spoolwatch/spoolwatch/internal/logging"
	"github.com/spoolwatch/spoolwatch/internal/store"
	"github.com/spoolwatch/spoolwatch/internal/supervisor"
	"github.com/spoolwatch/spoolwatch/internal/supervisor/services"
	"github.com/spoolwatch/spoolwatch/internal/units"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Bool("device_enabled", cfg.Device.Enabled).
		Bool("job_host_enabled", cfg.JobHost.Enabled).
		Bool("spoolman_enabled", cfg.Spoolman.Enabled).
		Str("store_path", cfg.Store.Path).
		Msg("Starting Spoolwatch")

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open state store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing state store")
		}
	}()
	if st.Degraded() {
		logging.Warn().Msg("Persisted snapshot was corrupt, running on defaults until an explicit operation")
	}

	var resolver *inventory.Resolver
	if cfg.Spoolman.Enabled {
		client := inventory.NewClient(cfg.Spoolman.URL, cfg.Spoolman.Timeout)
		resolver = inventory.NewResolver(inventory.NewBreakerClient(client), st)
		logging.Info().Str("url", cfg.Spoolman.URL).Msg("Spool inventory service configured")
	} else {
		logging.Info().Msg("Spool inventory service disabled, tracking locally only")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv := units.NewConverter(units.DensityTable(cfg.Filament.Densities), cfg.Filament.DiameterMM)
	eng := engine.New(ctx, cfg.Engine, conv, st, resolver)
	defer eng.Flush()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	tree.AddDataService(services.NewStoreGCService(st, 0))

	if cfg.Device.Enabled {
		tree.AddFeedService(services.NewRunnerService("device-feed", feed.NewConn(cfg.Device, eng)))
	}
	if cfg.JobHost.Enabled {
		client := jobs.NewClient(cfg.JobHost.URL, cfg.JobHost.Timeout)
		poller := jobs.NewPoller(client, eng, jobs.PollerConfig{
			Interval:        cfg.JobHost.PollInterval,
			HistoryInterval: cfg.JobHost.HistoryInterval,
			HistoryLimit:    cfg.JobHost.HistoryLimit,
		})
		tree.AddFeedService(services.NewRunnerService("job-poller", poller))
	}

	handler := api.NewHandler(eng)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.NewRouter(cfg.Server, handler),
		ReadHeaderTimeout: cfg.Server.Timeout,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))

	errCh := tree.ServeBackground(ctx)
	logging.Info().Str("addr", server.Addr).Msg("Spoolwatch started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree terminated")
		}
	}

	logging.Info().Msg("Spoolwatch stopped")
}
