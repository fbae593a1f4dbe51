// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

/*
poller.go - Job Feed Poller

Polls the print-host job-status endpoint on a fixed interval and derives
lifecycle transitions. Only actual state changes produce events; repeated
reports of the same state are no-ops. Network failures are swallowed (the
host may be legitimately powered off) and never move the lifecycle state.
*/

package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/spoolwatch/spoolwatch/internal/logging"
	"github.com/spoolwatch/spoolwatch/internal/metrics"
	"github.com/spoolwatch/spoolwatch/internal/models"
)

// StatusClient is the slice of Client the poller needs. Tests substitute a
// fake.
type StatusClient interface {
	GetJobStatus(ctx context.Context) (models.JobStatus, error)
	GetHistory(ctx context.Context, limit int) ([]models.JobHistoryEntry, error)
}

// SessionSink receives lifecycle events and samples from the poller.
// Implemented by the reconciliation engine.
type SessionSink interface {
	// OnSessionStart fires when the lifecycle enters printing/paused from a
	// non-active state. The engine snapshots attribution baselines here.
	OnSessionStart(status models.JobStatus)
	// OnSessionComplete fires on the transition active → complete and
	// carries the job's total reported filament length.
	OnSessionComplete(status models.JobStatus)
	// OnSessionAborted fires on active → error/cancelled. The session is
	// discarded without reporting usage.
	OnSessionAborted(status models.JobStatus)
	// OnJobSample fires on every successful poll, after any lifecycle
	// event, with the current sample.
	OnJobSample(status models.JobStatus)
	// SetJobHostStatus publishes poll connectivity.
	SetJobHostStatus(connected bool, lastErr string)
	// SetJobHistory replaces the global history snapshot.
	SetJobHistory(entries []models.JobHistoryEntry)
}

// PollerConfig tunes the poll cadences.
type PollerConfig struct {
	Interval        time.Duration
	HistoryInterval time.Duration
	HistoryLimit    int
}

// Poller drives the job feed.
type Poller struct {
	client StatusClient
	sink   SessionSink
	config PollerConfig

	mu        sync.Mutex
	lastState models.JobLifecycleState

	lastHistoryFetch time.Time
}

// NewPoller creates a job feed poller. The lifecycle starts at idle so a
// poll that finds a print already running emits a session start.
func NewPoller(client StatusClient, sink SessionSink, config PollerConfig) *Poller {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	return &Poller{
		client:    client,
		sink:      sink,
		config:    config,
		lastState: models.JobIdle,
	}
}

// Run polls until the context is canceled. Implements the blocking loop the
// supervisor service wraps.
func (p *Poller) Run(ctx context.Context) error {
	p.poll(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll fetches one sample and emits lifecycle transitions.
func (p *Poller) poll(ctx context.Context) {
	status, err := p.client.GetJobStatus(ctx)
	if err != nil {
		// The host being unreachable is not an error condition worth more
		// than a connectivity flag; lifecycle state stays put.
		metrics.JobPollsTotal.WithLabelValues("error").Inc()
		logging.Debug().Err(err).Msg("job poll failed")
		p.sink.SetJobHostStatus(false, err.Error())
		return
	}
	metrics.JobPollsTotal.WithLabelValues("ok").Inc()
	p.sink.SetJobHostStatus(true, "")

	p.transition(status)
	p.sink.OnJobSample(status)
	p.maybeFetchHistory(ctx)
}

// transition compares the new state against the last seen one and emits at
// most one lifecycle event.
func (p *Poller) transition(status models.JobStatus) {
	p.mu.Lock()
	prev := p.lastState
	p.lastState = status.State
	p.mu.Unlock()

	if prev == status.State {
		return
	}

	wasActive := prev.Active()
	isActive := status.State.Active()

	switch {
	case !wasActive && isActive:
		metrics.JobTransitions.WithLabelValues("start").Inc()
		logging.Info().Str("job", status.Filename).Msg("print session started")
		p.sink.OnSessionStart(status)

	case wasActive && status.State == models.JobComplete:
		metrics.JobTransitions.WithLabelValues("complete").Inc()
		logging.Info().Str("job", status.Filename).Float64("filament_mm", status.FilamentMM).Msg("print session complete")
		p.sink.OnSessionComplete(status)

	case wasActive && (status.State == models.JobError || status.State == models.JobCancelled):
		metrics.JobTransitions.WithLabelValues("aborted").Inc()
		logging.Info().Str("job", status.Filename).Str("state", string(status.State)).Msg("print session aborted")
		p.sink.OnSessionAborted(status)

	case wasActive && !isActive:
		// Active → idle without a terminal state. Treat as aborted: the
		// session boundary is gone and usage must not be guessed.
		metrics.JobTransitions.WithLabelValues("aborted").Inc()
		logging.Warn().Str("job", status.Filename).Msg("print session vanished, discarding")
		p.sink.OnSessionAborted(status)
	}
}

// maybeFetchHistory refreshes the global job list on its slow cadence.
func (p *Poller) maybeFetchHistory(ctx context.Context) {
	if p.config.HistoryInterval <= 0 || p.config.HistoryLimit <= 0 {
		return
	}
	if time.Since(p.lastHistoryFetch) < p.config.HistoryInterval {
		return
	}
	p.lastHistoryFetch = time.Now()

	entries, err := p.client.GetHistory(ctx, p.config.HistoryLimit)
	if err != nil {
		logging.Debug().Err(err).Msg("history fetch failed")
		return
	}
	if len(entries) > 0 {
		p.sink.SetJobHistory(entries)
	}
}

// LastState returns the last seen lifecycle state.
func (p *Poller) LastState() models.JobLifecycleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastState
}
