// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

/*
attribution.go - Job-Boundary Usage Attribution

On session start the engine snapshots every trustworthy cumulative counter
as a baseline. On completion the per-slot deltas decide how the job's total
reported filament length is split across slots; the split is converted to
grams per slot material and reported to inventory exactly once per job key.

A slot inserted mid-session has no baseline and contributes a zero delta.
When no slot shows real movement the proportional policy attributes
nothing: a guess would corrupt inventory silently.
*/

package engine

import (
	"context"
	"time"

	"github.com/spoolwatch/spoolwatch/internal/config"
	"github.com/spoolwatch/spoolwatch/internal/inventory"
	"github.com/spoolwatch/spoolwatch/internal/logging"
	"github.com/spoolwatch/spoolwatch/internal/metrics"
	"github.com/spoolwatch/spoolwatch/internal/models"
)

// OnSessionStart implements jobs.SessionSink.
func (e *Engine) OnSessionStart(status models.JobStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()

	baselines := make(map[models.SlotID]float64, len(e.counters))
	for slot, length := range e.counters {
		baselines[slot] = length
	}
	e.session = &session{
		jobID:     status.JobID,
		filename:  status.Filename,
		baselines: baselines,
		startedAt: time.Now(),
	}
	logging.Info().
		Str("job_id", status.JobID).
		Str("filename", status.Filename).
		Int("baseline_slots", len(baselines)).
		Msg("Print session started")
}

// OnSessionAborted implements jobs.SessionSink. The window is discarded
// without reporting anything.
func (e *Engine) OnSessionAborted(status models.JobStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return
	}
	logging.Info().
		Str("job_id", e.session.jobID).
		Str("state", string(status.State)).
		Msg("Print session aborted, discarding attribution window")
	e.session = nil
}

// OnSessionComplete implements jobs.SessionSink.
func (e *Engine) OnSessionComplete(status models.JobStatus) {
	e.mu.Lock()

	sess := e.session
	e.session = nil

	if sess == nil {
		e.mu.Unlock()
		logging.Warn().
			Str("job_id", status.JobID).
			Msg("Job completed without an open session, skipping attribution")
		return
	}
	if e.cfg.Streaming {
		// The streaming path already deducted every observed delta.
		e.mu.Unlock()
		return
	}

	split := e.splitLocked(sess, status.FilamentMM)
	usage := make(map[int]float64, len(split))
	for slot, lengthMM := range split {
		rec := e.state.Slots[slot]
		if rec == nil {
			continue
		}
		grams := e.conv.MassFor(string(rec.Material), lengthMM)
		if grams <= 0 {
			continue
		}
		metrics.AttributedGrams.WithLabelValues(string(slot), "job").Add(grams)
		if rec.SpoolID > 0 {
			usage[rec.SpoolID] += grams
		}
	}
	e.mu.Unlock()

	if len(usage) == 0 {
		return
	}
	endedAt := float64(time.Now().Unix())
	marker := inventory.NewMarker(status.JobID, status.Filename, endedAt)
	e.dispatch(func(ctx context.Context) {
		if err := e.resolver.ReportJobUsage(ctx, marker, usage); err != nil {
			logging.Error().
				Err(err).
				Str("job_key", marker.Key).
				Msg("Failed to allocate job usage")
		}
	})
}

// splitLocked distributes the job's total filament length across slots per
// the configured policy. Callers hold mu.
func (e *Engine) splitLocked(sess *session, totalMM float64) map[models.SlotID]float64 {
	if totalMM <= 0 {
		return nil
	}

	if e.cfg.Policy == config.PolicyActiveSlot {
		return map[models.SlotID]float64{e.state.ActiveSlot: totalMM}
	}

	deltas := make(map[models.SlotID]float64)
	sum := 0.0
	for slot, baseline := range sess.baselines {
		current, ok := e.counters[slot]
		if !ok {
			continue
		}
		delta := current - baseline
		if delta < e.cfg.NoiseThresholdMM {
			continue
		}
		deltas[slot] = delta
		sum += delta
	}

	if sum <= 0 {
		logging.Warn().
			Str("job_id", sess.jobID).
			Float64("total_mm", totalMM).
			Msg("No slot movement observed, attributing nothing")
		return nil
	}

	split := make(map[models.SlotID]float64, len(deltas))
	for slot, delta := range deltas {
		split[slot] = totalMM * delta / sum
	}
	return split
}
