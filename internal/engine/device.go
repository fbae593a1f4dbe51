// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

/*
device.go - Device Frame Application

Applies normalized device frames to the canonical state: slot snapshots,
box status, active-slot selection, cumulative counter tracking with
spool-swap detection, RFID auto-linking, sensor remaining-weight
write-backs, and the optional streaming attribution path.
*/

package engine

import (
	"context"
	"time"

	"github.com/spoolwatch/spoolwatch/internal/feed"
	"github.com/spoolwatch/spoolwatch/internal/inventory"
	"github.com/spoolwatch/spoolwatch/internal/logging"
	"github.com/spoolwatch/spoolwatch/internal/metrics"
	"github.com/spoolwatch/spoolwatch/internal/models"
)

// streamReport is one pending streaming-path usage deduction, collected
// under the lock and dispatched after it is released.
type streamReport struct {
	slot    models.SlotID
	spoolID int
	grams   float64
}

// tagLookup is one pending RFID auto-link lookup.
type tagLookup struct {
	slot models.SlotID
	tag  string
}

// percentReport is one pending remaining-weight write-back from a sensor
// percentage.
type percentReport struct {
	spoolID int
	percent float64
}

// ApplyDeviceFrame implements feed.StatusSink. An empty frame leaves all
// prior state untouched.
func (e *Engine) ApplyDeviceFrame(frame *feed.Frame) {
	if frame == nil || frame.Match == feed.MatchEmpty {
		return
	}

	var reports []streamReport
	var lookups []tagLookup
	var percents []percentReport

	e.mu.Lock()
	for box, status := range frame.Boxes {
		e.state.Boxes[box] = status
	}
	for slot, snap := range frame.Slots {
		e.state.DeviceSlots[slot] = snap
		e.syncRecordLocked(slot, snap)
		if report, ok := e.trackCounterLocked(slot, snap); ok {
			reports = append(reports, report)
		}
		if lookup, ok := e.trackTagLocked(slot, snap); ok {
			lookups = append(lookups, lookup)
		}
		if report, ok := e.trackPercentLocked(slot, snap); ok {
			percents = append(percents, report)
		}
	}
	if frame.Selected != "" {
		e.state.DeviceSelected = frame.Selected
		if e.state.AutoMode {
			e.state.ActiveSlot = frame.Selected
		}
	}
	e.state.DeviceUpdatedAt = time.Now()
	e.state.UpdatedAt = e.state.DeviceUpdatedAt
	e.saveLocked(false)
	e.mu.Unlock()

	for _, r := range reports {
		report := r
		metrics.AttributedGrams.WithLabelValues(string(report.slot), "stream").Add(report.grams)
		e.dispatch(func(ctx context.Context) {
			e.resolver.ReportUsage(ctx, report.spoolID, report.grams)
		})
	}
	for _, l := range lookups {
		lookup := l
		e.dispatch(func(ctx context.Context) {
			e.autoLink(ctx, lookup.slot, lookup.tag)
		})
	}
	for _, p := range percents {
		report := p
		e.dispatch(func(ctx context.Context) {
			e.resolver.ReportPercentRemaining(ctx, report.spoolID, report.percent)
		})
	}
}

// syncRecordLocked imports device-reported spool identity into the
// canonical record. Only RFID-origin data is trusted; manual spools keep
// whatever the user configured. Callers hold mu.
func (e *Engine) syncRecordLocked(slot models.SlotID, snap *models.DeviceSlotSnapshot) {
	rec, ok := e.state.Slots[slot]
	if !ok || rec == nil {
		return
	}
	if !snap.Present || snap.Origin != models.OriginRFID {
		return
	}
	if snap.Material != "" {
		rec.Material = snap.Material
	}
	if snap.ColorHex != "" {
		rec.ColorHex = snap.ColorHex
	}
	if snap.Name != "" {
		rec.Name = snap.Name
	}
	if snap.Vendor != "" {
		rec.Manufacturer = snap.Vendor
	}
}

// trackCounterLocked folds one slot's cumulative length into the counter
// table: first sight seeds, a decrease resets baselines (spool swap), and
// an increase may produce a streaming report. Callers hold mu.
func (e *Engine) trackCounterLocked(slot models.SlotID, snap *models.DeviceSlotSnapshot) (streamReport, bool) {
	if !snap.Present || !snap.LengthValid {
		delete(e.counters, slot)
		delete(e.streamMark, slot)
		return streamReport{}, false
	}

	length := snap.LengthMM
	old, seen := e.counters[slot]
	e.counters[slot] = length

	if !seen {
		e.streamMark[slot] = length
		return streamReport{}, false
	}

	if length+e.cfg.NoiseThresholdMM < old {
		// Counter went backwards: a different spool is in the bay now.
		// Whatever baseline the current session held for this slot is from
		// the previous roll and must not produce attribution.
		logging.Info().
			Str("slot", string(slot)).
			Float64("old_mm", old).
			Float64("new_mm", length).
			Msg("Counter decreased, resetting slot baseline")
		metrics.BaselineResets.WithLabelValues("spool_swap").Inc()
		e.streamMark[slot] = length
		if e.session != nil {
			e.session.baselines[slot] = length
		}
		return streamReport{}, false
	}

	if !e.cfg.Streaming || length <= old {
		return streamReport{}, false
	}

	mark := e.streamMark[slot]
	delta := length - mark
	if delta < e.cfg.NoiseThresholdMM {
		// Below noise: leave the mark so tiny increments accumulate.
		return streamReport{}, false
	}
	e.streamMark[slot] = length

	rec := e.state.Slots[slot]
	if rec == nil || rec.SpoolID <= 0 {
		return streamReport{}, false
	}
	grams := e.conv.MassFor(string(rec.Material), delta)
	if grams <= 0 {
		return streamReport{}, false
	}
	return streamReport{slot: slot, spoolID: rec.SpoolID, grams: grams}, true
}

// trackTagLocked decides whether a slot's RFID tag warrants an auto-link
// lookup. The same tag never triggers twice in a row; an emptied slot
// clears the memory so reinsertion triggers again. Callers hold mu.
func (e *Engine) trackTagLocked(slot models.SlotID, snap *models.DeviceSlotSnapshot) (tagLookup, bool) {
	if !snap.Present {
		delete(e.lastRFID, slot)
		return tagLookup{}, false
	}
	if snap.Origin != models.OriginRFID || snap.RFID == "" {
		return tagLookup{}, false
	}
	if e.lastRFID[slot] == snap.RFID {
		return tagLookup{}, false
	}
	e.lastRFID[slot] = snap.RFID
	return tagLookup{slot: slot, tag: snap.RFID}, true
}

// trackPercentLocked decides whether a slot's sensor percentage warrants a
// remaining-weight write-back. Only RFID spools report a trustworthy
// percentage, only linked slots have somewhere to write it, and an
// unchanged value never reports twice. Callers hold mu.
func (e *Engine) trackPercentLocked(slot models.SlotID, snap *models.DeviceSlotSnapshot) (percentReport, bool) {
	if !snap.Present {
		delete(e.lastPercent, slot)
		return percentReport{}, false
	}
	if snap.Origin != models.OriginRFID || snap.PercentRemain <= 0 {
		return percentReport{}, false
	}
	if e.lastPercent[slot] == snap.PercentRemain {
		return percentReport{}, false
	}
	rec := e.state.Slots[slot]
	if rec == nil || rec.SpoolID <= 0 {
		return percentReport{}, false
	}
	e.lastPercent[slot] = snap.PercentRemain
	return percentReport{spoolID: rec.SpoolID, percent: snap.PercentRemain}, true
}

// autoLink looks up a spool by RFID tag and links the slot when exactly one
// matches. Runs off the frame path; failures only log.
func (e *Engine) autoLink(ctx context.Context, slot models.SlotID, tag string) {
	spool, err := e.resolver.FindByTag(ctx, tag)
	if err != nil {
		logging.Warn().
			Err(err).
			Str("slot", string(slot)).
			Msg("RFID auto-link lookup failed")
		return
	}
	if spool == nil {
		logging.Debug().
			Str("slot", string(slot)).
			Str("tag", tag).
			Msg("No spool carries this RFID tag")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// The tag may have changed again while the lookup was in flight.
	if e.lastRFID[slot] != tag {
		return
	}
	rec := e.state.Slots[slot]
	if rec == nil || rec.SpoolID == spool.ID {
		return
	}
	e.applyLinkLocked(rec, spool)
	logging.Info().
		Str("slot", string(slot)).
		Int("spool_id", spool.ID).
		Str("tag", tag).
		Msg("Auto-linked slot by RFID tag")
	e.saveLocked(false)
}

// applyLinkLocked imports the spool's identity into the record. Only fields
// the spool actually provides overwrite local data. Callers hold mu.
func (e *Engine) applyLinkLocked(rec *models.SlotRecord, spool *inventory.Spool) {
	rec.SpoolID = spool.ID
	if spool.Filament.Material != "" {
		rec.Material = models.NormalizeMaterial(spool.Filament.Material)
	}
	if color, ok := feed.NormalizeColor(spool.Filament.ColorHex); ok {
		rec.ColorHex = color
	}
	if spool.Filament.Name != "" {
		rec.Name = spool.Filament.Name
	}
	if spool.Filament.Vendor.Name != "" {
		rec.Manufacturer = spool.Filament.Vendor.Name
	}
}
