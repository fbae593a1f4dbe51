// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

// Package metrics provides Prometheus instrumentation for the device feed,
// the job poller, the attribution engine and the inventory reporter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Device feed metrics.

	DeviceFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoolwatch_device_frames_total",
			Help: "Device feed frames by kind (heartbeat, data, burst_discard, control)",
		},
		[]string{"kind"},
	)

	DeviceDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spoolwatch_device_decode_errors_total",
			Help: "Frames dropped because the payload could not be decoded",
		},
	)

	DeviceReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spoolwatch_device_reconnects_total",
			Help: "Device session reconnect attempts",
		},
	)

	DeviceConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spoolwatch_device_connected",
			Help: "1 when the device WebSocket session is active",
		},
	)

	FrameParseResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoolwatch_frame_parse_results_total",
			Help: "Normalizer outcomes by match kind (schema, heuristic, empty)",
		},
		[]string{"match"},
	)

	// Job feed metrics.

	JobPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoolwatch_job_polls_total",
			Help: "Job feed poll attempts by result (ok, error)",
		},
		[]string{"result"},
	)

	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoolwatch_job_transitions_total",
			Help: "Job lifecycle transitions by event (start, complete, aborted)",
		},
		[]string{"event"},
	)

	// Attribution metrics.

	AttributedGrams = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoolwatch_attributed_grams_total",
			Help: "Grams of filament attributed per slot",
		},
		[]string{"slot", "path"}, // path: session, streaming, manual
	)

	BaselineResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoolwatch_baseline_resets_total",
			Help: "Attribution baseline resets by reason (swap, rollchange)",
		},
		[]string{"reason"},
	)

	// Inventory reporting metrics.

	InventoryReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoolwatch_inventory_reports_total",
			Help: "Usage/measurement reports to the inventory service by result",
		},
		[]string{"kind", "result"}, // kind: usage, measurement; result: ok, error, noop
	)

	AllocationDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spoolwatch_allocation_duplicates_total",
			Help: "Allocation requests short-circuited by an existing marker",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spoolwatch_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Persistence metrics.

	StateSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoolwatch_state_saves_total",
			Help: "Snapshot persistence attempts by result (ok, error, coalesced, blocked)",
		},
		[]string{"result"},
	)

	// HTTP metrics.

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spoolwatch_http_requests_total",
			Help: "HTTP requests by method and status code",
		},
		[]string{"method", "status"},
	)
)
