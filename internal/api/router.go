// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spoolwatch/spoolwatch/internal/config"
)

// NewRouter builds the HTTP routing tree.
func NewRouter(cfg config.ServerConfig, handler *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	if cfg.RateLimitReqs > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.LimitByIP(cfg.RateLimitReqs, window))
	}

	r.Get("/healthz", handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", handler.State)
		r.Post("/automode", handler.SetAutoMode)

		r.Route("/slots/{slot}", func(r chi.Router) {
			r.Patch("/", handler.UpdateSlot)
			r.Post("/select", handler.SelectSlot)
			r.Post("/link", handler.LinkSlot)
			r.Post("/unlink", handler.UnlinkSlot)
			r.Post("/rollchange", handler.RollChange)
			r.Get("/candidates", handler.Candidates)
		})

		r.Get("/spools", handler.Spools)
		r.Get("/allocations", handler.Allocations)
		r.Post("/allocations", handler.Allocate)
	})

	return r
}
